package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/linkloom/linkloom/internal/content"
	"github.com/linkloom/linkloom/internal/log"
)

// Storage is the persistence surface the reconciler needs. Implemented by
// Store; tests substitute fakes.
type Storage interface {
	// TrackedPageIDs lists the provider's seeded page IDs.
	TrackedPageIDs(ctx context.Context, providerID int64) ([]int64, error)

	// UnitsForPage returns embedded content units for a page in chunk
	// order, skipping units with ID <= afterID. limit caps the result.
	UnitsForPage(ctx context.Context, providerID, pageID, afterID int64, limit int) ([]ContentUnit, error)

	// ExistingMatches returns the provider's matches keyed by site content ID.
	ExistingMatches(ctx context.Context, providerID int64) (map[int64]*PageMatch, error)

	// Deletions returns the provider's blocked (url, knowledge) pairs.
	Deletions(ctx context.Context, providerID int64) (map[DeletionKey]struct{}, error)

	// Knowledge fetches a knowledge entry. Returns ErrNotFound when absent.
	Knowledge(ctx context.Context, knowledgeID int64) (*KnowledgeEntry, error)

	InsertMatch(ctx context.Context, m *PageMatch) error
	UpdateMatch(ctx context.Context, m *PageMatch) error
}

// Resolver ranks knowledge entries by similarity to an embedding.
type Resolver interface {
	FindCandidates(ctx context.Context, embedding []float32, providerID int64, threshold float64, count int) ([]Candidate, error)
}

// ReconcilerConfig controls a reconciliation run.
type ReconcilerConfig struct {
	ProviderID int64

	// Threshold and TopK shape the candidate query.
	Threshold float64
	TopK      int

	// UnitLimit caps units fetched per page.
	UnitLimit int

	// AfterID resumes a run past previously processed units.
	AfterID int64
}

// Reconciler drives a refresh run: for every embedded content unit it ranks
// knowledge candidates and applies the match policy against current state.
type Reconciler struct {
	store    Storage
	resolver Resolver
	logger   log.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(store Storage, resolver Resolver, logger log.Logger) *Reconciler {
	return &Reconciler{store: store, resolver: resolver, logger: logger}
}

// Run executes one reconciliation pass and returns its summary. State
// snapshots (existing matches, deletion blocklist) are loaded once at the
// start; per-unit failures are logged and counted, not fatal.
func (r *Reconciler) Run(ctx context.Context, cfg ReconcilerConfig) (*Summary, error) {
	summary := &Summary{
		RunID:      uuid.NewString(),
		ProviderID: cfg.ProviderID,
	}
	logger := r.logger.With("run_id", summary.RunID, "provider_id", cfg.ProviderID)

	existing, err := r.store.ExistingMatches(ctx, cfg.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("loading existing matches: %w", err)
	}
	deleted, err := r.store.Deletions(ctx, cfg.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("loading deletion blocklist: %w", err)
	}
	pageIDs, err := r.store.TrackedPageIDs(ctx, cfg.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("loading tracked pages: %w", err)
	}

	logger.Info("refresh run starting",
		"pages", len(pageIDs), "existing_matches", len(existing), "blocked_pairs", len(deleted))

	for _, pageID := range pageIDs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		units, err := r.store.UnitsForPage(ctx, cfg.ProviderID, pageID, cfg.AfterID, cfg.UnitLimit)
		if err != nil {
			logger.Warn("skipping page, unit fetch failed", "page_id", pageID, "error", err)
			summary.Failed++
			continue
		}
		for i := range units {
			r.reconcileUnit(ctx, cfg, &units[i], existing, deleted, summary, logger)
		}
	}

	logger.Info("refresh run finished",
		"considered", summary.Considered,
		"inserted", summary.Inserted,
		"updated", summary.Updated,
		"skipped_deleted", summary.SkippedDeleted,
		"skipped_approved", summary.SkippedApproved,
		"failed", summary.Failed)
	return summary, nil
}

func (r *Reconciler) reconcileUnit(
	ctx context.Context,
	cfg ReconcilerConfig,
	unit *ContentUnit,
	existing map[int64]*PageMatch,
	deleted map[DeletionKey]struct{},
	summary *Summary,
	logger log.Logger,
) {
	summary.Considered++

	// Approved matches are terminal; no candidate lookup for them.
	current := existing[unit.ID]
	if current != nil && current.Approved() {
		summary.SkippedApproved++
		return
	}

	candidates, err := r.resolver.FindCandidates(ctx, unit.Embedding, cfg.ProviderID, cfg.Threshold, cfg.TopK)
	if err != nil {
		// A failed similarity lookup yields zero candidates for this
		// unit; the run continues.
		logger.Warn("candidate lookup failed", "unit_id", unit.ID, "error", err)
		candidates = nil
	}

	d := decide(unit, current, candidates, deleted)
	summary.SkippedDeleted += d.skippedDeleted

	if d.action == actionNone {
		return
	}

	m, err := r.buildMatch(ctx, unit, current, d)
	if err != nil {
		logger.Warn("match build failed", "unit_id", unit.ID, "knowledge_id", d.candidate.KnowledgeID, "error", err)
		summary.Failed++
		return
	}

	if err := r.persist(ctx, d.action, m); err != nil {
		logger.Warn("match write failed", "unit_id", unit.ID, "knowledge_id", m.KnowledgeID, "error", err)
		summary.Failed++
		return
	}

	existing[unit.ID] = m
	if d.action == actionInsert {
		summary.Inserted++
	} else {
		summary.Updated++
	}
}

// buildMatch assembles the row to persist for an accepted candidate.
func (r *Reconciler) buildMatch(ctx context.Context, unit *ContentUnit, current *PageMatch, d decision) (*PageMatch, error) {
	entry, err := r.store.Knowledge(ctx, d.candidate.KnowledgeID)
	if err != nil {
		return nil, fmt.Errorf("loading knowledge %d: %w", d.candidate.KnowledgeID, err)
	}

	m := &PageMatch{
		ProviderID:    unit.ProviderID,
		DocumentID:    d.candidate.DocumentID,
		KnowledgeID:   d.candidate.KnowledgeID,
		SiteContentID: unit.ID,
		URL:           unit.PageURL,
		Phrase:        content.Summarize(unit.Text, 1),
		VideoURL:      VideoLink(entry.Meta),
		Confidence:    d.candidate.Confidence,
		Status:        StatusActive,
	}
	if current != nil {
		m.ID = current.ID
	}
	return m, nil
}

func (r *Reconciler) persist(ctx context.Context, a action, m *PageMatch) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(200*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		if a == actionInsert {
			err = r.store.InsertMatch(ctx, m)
		} else {
			err = r.store.UpdateMatch(ctx, m)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return retry.RetryableError(err)
		}
		return err
	})
}

type action int

const (
	actionNone action = iota
	actionInsert
	actionUpdate
)

type decision struct {
	action         action
	candidate      Candidate
	skippedDeleted int
}

// decide applies the match policy for one unit. Candidates are assumed
// ranked by descending similarity; the first acceptable one wins.
//
// Per candidate, in order: an operator-blocked (url, knowledge) pair is
// skipped permanently; a candidate no more confident than the existing
// match is skipped; anything else is accepted.
func decide(unit *ContentUnit, current *PageMatch, candidates []Candidate, deleted map[DeletionKey]struct{}) decision {
	var d decision
	for _, cand := range candidates {
		if _, blocked := deleted[DeletionKey{URL: unit.PageURL, KnowledgeID: cand.KnowledgeID}]; blocked {
			d.skippedDeleted++
			continue
		}
		if current != nil && cand.Confidence <= current.Confidence {
			continue
		}
		d.candidate = cand
		if current == nil {
			d.action = actionInsert
		} else {
			d.action = actionUpdate
		}
		return d
	}
	return d
}
