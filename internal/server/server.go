// Package server exposes the HTTP surface: a shared-secret refresh trigger
// and the read-only match map served to sites.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/linkloom/linkloom/internal/log"
	"github.com/linkloom/linkloom/internal/match"
)

// secretHeader carries the shared trigger secret.
const secretHeader = "x-site-secret"

// Refresher runs a reconciliation pass for a provider.
type Refresher interface {
	Refresh(ctx context.Context, providerID int64) (*match.Summary, error)
}

// MatchMapper serves the provider's overlay payload.
type MatchMapper interface {
	MatchMap(ctx context.Context, providerID int64) (map[string][]match.MatchMapEntry, error)
}

// Config for the HTTP server.
type Config struct {
	Logger     log.Logger
	Refresher  Refresher   // Required
	Matches    MatchMapper // Required
	SiteSecret string      // Required
	TrustProxy bool
	RateBurst  int // 0 = default 30
}

// Server is the trigger and match-map HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a Server with all routes configured. ctx bounds the
// background refresh runs the trigger endpoint starts.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Refresher == nil {
		return nil, errors.New("refresher is required")
	}
	if cfg.Matches == nil {
		return nil, errors.New("match mapper is required")
	}
	if cfg.SiteSecret == "" {
		return nil, errors.New("site secret is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	h := &handler{
		ctx:       ctx,
		logger:    logger,
		refresher: cfg.Refresher,
		matches:   cfg.Matches,
		secret:    []byte(cfg.SiteSecret),
		inflight:  make(map[int64]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/refresh", h.trigger)
	mux.HandleFunc("GET /api/match-map", h.matchMap)

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 30
	}
	rl := newRateLimiter(1.0, burst)

	var routes http.Handler = mux
	routes = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(routes)

	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /healthz", health)
	topMux.Handle("/", routes)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type handler struct {
	ctx       context.Context
	logger    log.Logger
	refresher Refresher
	matches   MatchMapper
	secret    []byte

	mu       sync.Mutex
	inflight map[int64]bool
}

// trigger starts a refresh run for a provider. The run executes in the
// background; the response acknowledges only that it was started. At most
// one run per provider is in flight at a time.
func (h *handler) trigger(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusForbidden, "forbidden", "missing or invalid secret", h.logger)
		return
	}

	providerID, err := providerIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), h.logger)
		return
	}

	if !h.tryAcquire(providerID) {
		writeError(w, http.StatusConflict, "refresh_in_progress", "a refresh run is already in progress for this provider", h.logger)
		return
	}

	go func() {
		defer h.release(providerID)
		sum, err := h.refresher.Refresh(h.ctx, providerID)
		if err != nil {
			h.logger.Error("triggered refresh failed", "provider_id", providerID, "error", err)
			return
		}
		h.logger.Info("triggered refresh finished",
			"provider_id", providerID,
			"run_id", sum.RunID,
			"inserted", sum.Inserted,
			"updated", sum.Updated,
			"skipped_deleted", sum.SkippedDeleted,
			"skipped_approved", sum.SkippedApproved)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "started",
		"provider_id": providerID,
	}, h.logger)
}

// matchMap serves the provider's overlay payload, grouped by page URL.
func (h *handler) matchMap(w http.ResponseWriter, r *http.Request) {
	providerID, err := providerIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), h.logger)
		return
	}

	m, err := h.matches.MatchMap(r.Context(), providerID)
	if err != nil {
		h.logger.Error("match map query failed", "provider_id", providerID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load match map", h.logger)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"provider_id": providerID,
		"matches":     m,
	}, h.logger)
}

func (h *handler) authorized(r *http.Request) bool {
	got := []byte(r.Header.Get(secretHeader))
	return subtle.ConstantTimeCompare(got, h.secret) == 1
}

func (h *handler) tryAcquire(providerID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inflight[providerID] {
		return false
	}
	h.inflight[providerID] = true
	return true
}

func (h *handler) release(providerID int64) {
	h.mu.Lock()
	delete(h.inflight, providerID)
	h.mu.Unlock()
}

func providerIDParam(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("provider_id")
	if raw == "" {
		return 0, errors.New("provider_id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("provider_id must be a positive integer")
	}
	return id, nil
}
