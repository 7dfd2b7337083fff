// Package cmd contains the linkloom CLI commands.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/linkloom/linkloom/internal/config"
	"github.com/linkloom/linkloom/internal/log"
)

var (
	flagDebug    bool
	flagJSONLogs bool

	cfg    *config.Config
	logger log.Logger
)

var rootCmd = &cobra.Command{
	Use:   "linkloom",
	Short: "linkloom matches site content against provider knowledge bases",
	Long: `linkloom ingests a provider's web pages, chunks them into candidate
phrases and links each phrase to the closest entry of the provider's
knowledge base. Matches survive operator curation: approved matches are
locked and deleted matches are never proposed again.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; real environments set variables directly.
		_ = godotenv.Load()

		level := slog.LevelInfo
		if flagDebug {
			level = slog.LevelDebug
		}
		logger = log.New(log.Config{Level: level, JSON: flagJSONLogs})

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLogs, "json-logs", false, "emit logs as JSON")
}

// lockDir returns the directory for per-provider run locks.
func lockDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	dir := filepath.Join(home, ".linkloom", "locks")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating lock directory: %w", err)
	}
	return dir, nil
}
