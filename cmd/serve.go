package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/linkloom/linkloom/internal/database"
	"github.com/linkloom/linkloom/internal/match"
	"github.com/linkloom/linkloom/internal/server"
)

var (
	serveAddr       string
	serveTrustProxy bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP trigger and match-map server",
	Long: `Serve exposes two endpoints: POST /api/refresh starts a refresh run
for a provider (authenticated with the x-site-secret header) and
GET /api/match-map returns the provider's matches for the site overlay.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	serveCmd.Flags().BoolVar(&serveTrustProxy, "trust-proxy", false, "trust X-Real-IP/X-Forwarded-For headers")
	rootCmd.AddCommand(serveCmd)
}

// triggerRefresher adapts the reconciler to the server's Refresher
// interface, binding run parameters from config.
type triggerRefresher struct {
	reconciler *match.Reconciler
	threshold  float64
	topK       int
	unitLimit  int
}

func (t *triggerRefresher) Refresh(ctx context.Context, providerID int64) (*match.Summary, error) {
	return t.reconciler.Run(ctx, match.ReconcilerConfig{
		ProviderID: providerID,
		Threshold:  t.threshold,
		TopK:       t.topK,
		UnitLimit:  t.unitLimit,
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Open(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return err
	}
	defer pool.Close()

	store := match.NewStore(pool, logger)
	refresher := &triggerRefresher{
		reconciler: match.NewReconciler(store, store, logger),
		threshold:  cfg.RefreshThreshold,
		topK:       cfg.RefreshCount,
		unitLimit:  cfg.UnitFetchLimit,
	}

	srv, err := server.NewServer(ctx, server.Config{
		Logger:     logger,
		Refresher:  refresher,
		Matches:    store,
		SiteSecret: cfg.SiteSecret,
		TrustProxy: serveTrustProxy,
	})
	if err != nil {
		return err
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.ServerAddr
	}

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}
