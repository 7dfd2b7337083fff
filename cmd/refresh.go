package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/linkloom/linkloom/internal/database"
	"github.com/linkloom/linkloom/internal/match"
)

var (
	refreshProviderID int64
	refreshAfterID    int64
	refreshLimit      int
	refreshThreshold  float64
	refreshTopK       int
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Reconcile stored site content against the provider's knowledge base",
	Long: `Refresh re-ranks every stored content phrase against the provider's
knowledge base and reconciles the results into the match store. Approved
matches are never touched, deleted pairs are never re-proposed and an
existing match is only replaced by a more confident candidate.`,
	RunE: runRefresh,
}

func init() {
	refreshCmd.Flags().Int64Var(&refreshProviderID, "provider", 0, "provider ID (required)")
	refreshCmd.Flags().Int64Var(&refreshAfterID, "after-id", 0, "resume past content units with ID <= this value")
	refreshCmd.Flags().IntVar(&refreshLimit, "limit", 0, "max content units per page (0 = config default)")
	refreshCmd.Flags().Float64Var(&refreshThreshold, "threshold", 0, "similarity threshold override (0 = config default)")
	refreshCmd.Flags().IntVar(&refreshTopK, "top", 0, "candidate depth override (0 = config default)")
	_ = refreshCmd.MarkFlagRequired("provider")
	rootCmd.AddCommand(refreshCmd)
}

func runRefresh(cmd *cobra.Command, _ []string) error {
	rcfg := match.ReconcilerConfig{
		ProviderID: refreshProviderID,
		Threshold:  cfg.RefreshThreshold,
		TopK:       cfg.RefreshCount,
		UnitLimit:  cfg.UnitFetchLimit,
		AfterID:    refreshAfterID,
	}
	if refreshThreshold > 0 {
		rcfg.Threshold = refreshThreshold
	}
	if refreshTopK > 0 {
		rcfg.TopK = refreshTopK
	}
	if refreshLimit > 0 {
		rcfg.UnitLimit = refreshLimit
	}
	return runReconcile(cmd.Context(), rcfg, nil)
}

// runReconcile executes one reconciliation run under the per-provider lock
// and prints the summary. Shared by refresh and premap; after, when set,
// runs against the store once the run finished.
func runReconcile(parent context.Context, rcfg match.ReconcilerConfig, after func(context.Context, *match.Store) error) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	unlock, err := acquireProviderLock(rcfg.ProviderID)
	if err != nil {
		return err
	}
	defer unlock()

	pool, err := database.Open(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return err
	}
	defer pool.Close()

	store := match.NewStore(pool, logger)
	summary, err := match.NewReconciler(store, store, logger).Run(ctx, rcfg)
	if err != nil {
		return err
	}

	printSummary(summary)

	if after != nil {
		return after(ctx, store)
	}
	return nil
}

// acquireProviderLock serializes local runs per provider.
func acquireProviderLock(providerID int64) (func(), error) {
	dir, err := lockDir()
	if err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(dir, fmt.Sprintf("provider-%d.lock", providerID)))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another run is already in progress for provider %d", providerID)
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("releasing run lock", "error", err)
		}
	}, nil
}

func printSummary(s *match.Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Run", s.RunID})
	t.AppendRows([]table.Row{
		{"Provider", s.ProviderID},
		{"Considered", s.Considered},
		{"Inserted", s.Inserted},
		{"Updated", s.Updated},
		{"Skipped (deleted)", s.SkippedDeleted},
		{"Skipped (approved)", s.SkippedApproved},
		{"Failed", s.Failed},
	})
	t.Render()
}
