package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/linkloom/linkloom/internal/match"
)

var (
	premapProviderID int64
	premapOut        string
)

var premapCmd = &cobra.Command{
	Use:   "premap",
	Short: "One-shot mapping for a freshly seeded provider",
	Long: `Premap runs a strict first mapping pass: only the single best
candidate above the strict threshold is considered per phrase. Use it right
after seeding, before operators start curating. With --out the resulting
match map is written as JSON.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rcfg := match.ReconcilerConfig{
			ProviderID: premapProviderID,
			Threshold:  cfg.PremapThreshold,
			TopK:       cfg.PremapCount,
			UnitLimit:  cfg.UnitFetchLimit,
		}
		return runReconcile(cmd.Context(), rcfg, writeMatchMap)
	},
}

func init() {
	premapCmd.Flags().Int64Var(&premapProviderID, "provider", 0, "provider ID (required)")
	premapCmd.Flags().StringVar(&premapOut, "out", "", "write the match map JSON to this file (- for stdout)")
	_ = premapCmd.MarkFlagRequired("provider")
	rootCmd.AddCommand(premapCmd)
}

func writeMatchMap(ctx context.Context, store *match.Store) error {
	if premapOut == "" {
		return nil
	}

	m, err := store.MatchMap(ctx, premapProviderID)
	if err != nil {
		return err
	}

	out := os.Stdout
	if premapOut != "-" {
		f, err := os.Create(premapOut)
		if err != nil {
			return fmt.Errorf("creating match map file: %w", err)
		}
		defer f.Close()
		out = f
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("writing match map: %w", err)
	}
	return nil
}
