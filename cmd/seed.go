package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/linkloom/linkloom/internal/content"
	"github.com/linkloom/linkloom/internal/database"
	"github.com/linkloom/linkloom/internal/embed"
	"github.com/linkloom/linkloom/internal/seed"
)

var (
	seedProviderID int64
	seedSitemapURL string
	seedFeedID     int64
	seedPageURL    string
	seedRebuild    bool
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Crawl a provider's sitemaps and store embedded content phrases",
	Long: `Seed discovers pages from the provider's registered sitemaps, chunks
each page into candidate phrases and stores the phrases with embeddings.
Pages that already have content are skipped unless --rebuild is set.`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().Int64Var(&seedProviderID, "provider", 0, "provider ID (required)")
	seedCmd.Flags().StringVar(&seedSitemapURL, "sitemap", "", "register this sitemap URL before seeding")
	seedCmd.Flags().Int64Var(&seedFeedID, "feed-id", 0, "seed only this registered feed")
	seedCmd.Flags().StringVar(&seedPageURL, "page", "", "seed only this page URL")
	seedCmd.Flags().BoolVar(&seedRebuild, "rebuild", false, "re-chunk and re-embed pages that already have content")
	_ = seedCmd.MarkFlagRequired("provider")
	seedCmd.MarkFlagsMutuallyExclusive("feed-id", "page")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, _ []string) error {
	if err := cfg.ValidateEmbedding(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	unlock, err := acquireProviderLock(seedProviderID)
	if err != nil {
		return err
	}
	defer unlock()

	pool, err := database.Open(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return err
	}
	defer pool.Close()

	store := seed.NewStore(pool, logger)
	if seedSitemapURL != "" {
		if _, err := store.AddFeed(ctx, seedProviderID, seedSitemapURL); err != nil {
			return err
		}
	}

	fetcher := content.NewFetcher(content.FetcherConfig{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.FetchTimeout,
		Delay:     cfg.FetchDelay,
	}, logger)
	embedder := embed.NewOpenAI(embed.Config{
		APIKey:    cfg.OpenAIAPIKey,
		Model:     cfg.EmbedderModel,
		BatchSize: cfg.EmbedBatchSize,
	}, logger)
	chunkCfg := content.ChunkConfig{
		MinLength: cfg.ChunkMinLength,
		MaxLength: cfg.ChunkMaxLength,
		Limit:     cfg.ChunkLimit,
	}

	seeder := seed.NewSeeder(fetcher, store, embedder, chunkCfg, logger)

	var summary *seed.Summary
	switch {
	case seedPageURL != "":
		summary, err = seeder.SeedPage(ctx, seedProviderID, seedPageURL, seedRebuild)
	case seedFeedID != 0:
		summary, err = seeder.SyncFeed(ctx, seedProviderID, seedFeedID, seedRebuild)
	default:
		summary, err = seeder.SyncProvider(ctx, seedProviderID, seedRebuild)
	}
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Run", summary.RunID})
	t.AppendRows([]table.Row{
		{"Provider", summary.ProviderID},
		{"Feeds", summary.Feeds},
		{"Pages discovered", summary.Discovered},
		{"Pages seeded", summary.Seeded},
		{"Pages skipped", summary.Skipped},
		{"Chunks stored", summary.Chunks},
		{"Failed", summary.Failed},
	})
	t.Render()
	return nil
}
