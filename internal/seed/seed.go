// Package seed ingests provider sitemaps: it discovers pages, chunks their
// text into candidate phrases and stores the phrases with embeddings.
package seed

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/linkloom/linkloom/internal/content"
	"github.com/linkloom/linkloom/internal/embed"
	"github.com/linkloom/linkloom/internal/log"
)

// Feed is a registered sitemap for a provider.
type Feed struct {
	ID         int64
	ProviderID int64
	URL        string
}

// Fetcher is the crawling surface the seeder needs.
type Fetcher interface {
	DiscoverPages(ctx context.Context, sitemapURL string) ([]string, error)
	FetchPage(ctx context.Context, pageURL string) (*content.Page, error)
}

// Storage is the persistence surface the seeder needs.
type Storage interface {
	// Feeds lists the provider's registered sitemaps.
	Feeds(ctx context.Context, providerID int64) ([]Feed, error)

	// UpsertPage records a discovered page and returns its ID.
	UpsertPage(ctx context.Context, providerID, feedID int64, url, title string) (int64, error)

	// ReplacePageContent swaps a page's stored phrases for new ones.
	// len(chunks) == len(embeddings).
	ReplacePageContent(ctx context.Context, providerID, pageID int64, chunks []string, embeddings [][]float32) error

	// HasPageContent reports whether a page already has stored phrases.
	HasPageContent(ctx context.Context, providerID, pageID int64) (bool, error)
}

// Summary reports the outcome of a seeding run.
type Summary struct {
	RunID      string
	ProviderID int64
	Feeds      int
	Discovered int
	Seeded     int
	Skipped    int
	Chunks     int
	Failed     int
}

// Seeder drives a seeding run.
type Seeder struct {
	fetcher  Fetcher
	store    Storage
	embedder embed.Embedder
	chunkCfg content.ChunkConfig
	logger   log.Logger
}

// NewSeeder creates a Seeder.
func NewSeeder(fetcher Fetcher, store Storage, embedder embed.Embedder, chunkCfg content.ChunkConfig, logger log.Logger) *Seeder {
	return &Seeder{
		fetcher:  fetcher,
		store:    store,
		embedder: embedder,
		chunkCfg: chunkCfg,
		logger:   logger,
	}
}

// SyncProvider seeds every feed registered for a provider. Pages that
// already have content are skipped unless rebuild is set. Per-page failures
// are logged and counted; the run continues.
func (s *Seeder) SyncProvider(ctx context.Context, providerID int64, rebuild bool) (*Summary, error) {
	return s.sync(ctx, providerID, 0, rebuild)
}

// SyncFeed seeds a single registered feed.
func (s *Seeder) SyncFeed(ctx context.Context, providerID, feedID int64, rebuild bool) (*Summary, error) {
	return s.sync(ctx, providerID, feedID, rebuild)
}

// SeedPage seeds one ad-hoc page URL for a provider, outside any feed.
func (s *Seeder) SeedPage(ctx context.Context, providerID int64, pageURL string, rebuild bool) (*Summary, error) {
	summary := &Summary{RunID: uuid.NewString(), ProviderID: providerID, Discovered: 1}
	logger := s.logger.With("run_id", summary.RunID, "provider_id", providerID)

	seeded, err := s.processPage(ctx, Feed{ProviderID: providerID}, pageURL, rebuild)
	if err != nil {
		logger.Warn("page failed", "url", pageURL, "error", err)
		summary.Failed++
		return summary, nil
	}
	if seeded < 0 {
		summary.Skipped++
	} else {
		summary.Seeded++
		summary.Chunks += seeded
	}
	return summary, nil
}

func (s *Seeder) sync(ctx context.Context, providerID, onlyFeedID int64, rebuild bool) (*Summary, error) {
	summary := &Summary{RunID: uuid.NewString(), ProviderID: providerID}
	logger := s.logger.With("run_id", summary.RunID, "provider_id", providerID)

	feeds, err := s.store.Feeds(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("loading feeds: %w", err)
	}
	if onlyFeedID != 0 {
		var filtered []Feed
		for _, f := range feeds {
			if f.ID == onlyFeedID {
				filtered = append(filtered, f)
			}
		}
		if len(filtered) == 0 {
			return nil, fmt.Errorf("feed %d not registered for provider %d", onlyFeedID, providerID)
		}
		feeds = filtered
	}
	summary.Feeds = len(feeds)

	for _, feed := range feeds {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := s.processFeed(ctx, feed, rebuild, summary, logger); err != nil {
			logger.Warn("feed failed", "feed_url", feed.URL, "error", err)
			summary.Failed++
		}
	}

	logger.Info("seed run finished",
		"feeds", summary.Feeds,
		"discovered", summary.Discovered,
		"seeded", summary.Seeded,
		"skipped", summary.Skipped,
		"chunks", summary.Chunks,
		"failed", summary.Failed)
	return summary, nil
}

func (s *Seeder) processFeed(ctx context.Context, feed Feed, rebuild bool, summary *Summary, logger log.Logger) error {
	urls, err := s.fetcher.DiscoverPages(ctx, feed.URL)
	if err != nil {
		return fmt.Errorf("discovering pages: %w", err)
	}
	summary.Discovered += len(urls)

	for _, pageURL := range urls {
		if err := ctx.Err(); err != nil {
			return err
		}
		seeded, err := s.processPage(ctx, feed, pageURL, rebuild)
		if err != nil {
			logger.Warn("page failed", "url", pageURL, "error", err)
			summary.Failed++
			continue
		}
		if seeded < 0 {
			summary.Skipped++
			continue
		}
		summary.Seeded++
		summary.Chunks += seeded
	}
	return nil
}

// processPage seeds one page. Returns the number of chunks stored, or -1
// when the page was skipped because it already has content.
func (s *Seeder) processPage(ctx context.Context, feed Feed, pageURL string, rebuild bool) (int, error) {
	// Canonical form keys the page everywhere downstream, including the
	// deletion blocklist.
	pageURL = content.CanonicalURL(pageURL)

	page, err := s.fetcher.FetchPage(ctx, pageURL)
	if err != nil {
		return 0, err
	}

	pageID, err := s.store.UpsertPage(ctx, feed.ProviderID, feed.ID, pageURL, page.Title)
	if err != nil {
		return 0, fmt.Errorf("recording page: %w", err)
	}

	if !rebuild {
		has, err := s.store.HasPageContent(ctx, feed.ProviderID, pageID)
		if err != nil {
			return 0, fmt.Errorf("checking page content: %w", err)
		}
		if has {
			return -1, nil
		}
	}

	chunks := content.ChunkBlocks(page.Blocks, s.chunkCfg)
	if len(chunks) == 0 {
		return 0, nil
	}

	embeddings, err := s.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return 0, err
	}
	if len(embeddings) != len(chunks) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(embeddings), len(chunks))
	}

	if err := s.store.ReplacePageContent(ctx, feed.ProviderID, pageID, chunks, embeddings); err != nil {
		return 0, fmt.Errorf("storing page content: %w", err)
	}
	return len(chunks), nil
}
