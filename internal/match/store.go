package match

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/linkloom/linkloom/internal/log"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	sqlTrackedPageIDs = `
		SELECT id FROM sitemap_pages
		WHERE provider_id = $1
		ORDER BY id`

	sqlUnitsForPage = `
		SELECT sc.id, sc.provider_id, sc.sitemap_page_id, sp.url, sc.chunk_index, sc.content, sc.embedding
		FROM site_content sc
		JOIN sitemap_pages sp ON sp.id = sc.sitemap_page_id
		WHERE sc.provider_id = $1 AND sc.sitemap_page_id = $2 AND sc.id > $3
		ORDER BY sc.chunk_index
		LIMIT $4`

	sqlExistingMatches = `
		SELECT id, provider_id, document_id, knowledge_id, site_content_id,
		       url, phrase, video_url, confidence, status
		FROM page_matches
		WHERE provider_id = $1`

	sqlDeletions = `
		SELECT url, knowledge_id FROM deleted_matches
		WHERE provider_id = $1`

	sqlKnowledge = `
		SELECT id, provider_id, document_id, content, metadata
		FROM provider_knowledge
		WHERE id = $1`

	sqlFindCandidates = `
		SELECT id, document_id, similarity
		FROM match_provider_knowledge($1, $2, $3, $4)`

	sqlInsertMatch = `
		INSERT INTO page_matches
			(provider_id, document_id, knowledge_id, site_content_id,
			 url, phrase, video_url, confidence, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (provider_id, site_content_id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			knowledge_id = EXCLUDED.knowledge_id,
			url = EXCLUDED.url,
			phrase = EXCLUDED.phrase,
			video_url = EXCLUDED.video_url,
			confidence = EXCLUDED.confidence,
			status = EXCLUDED.status,
			updated_at = now()
		WHERE page_matches.status <> 'approved'
		RETURNING id`

	sqlUpdateMatch = `
		UPDATE page_matches SET
			document_id = $2,
			knowledge_id = $3,
			url = $4,
			phrase = $5,
			video_url = $6,
			confidence = $7,
			updated_at = now()
		WHERE id = $1 AND status <> 'approved'`

	sqlMatchMap = `
		SELECT url, phrase, video_url, confidence, document_id, knowledge_id, status
		FROM page_matches
		WHERE provider_id = $1
		ORDER BY url, id`
)

// Store is the pgx-backed implementation of Storage and Resolver. Knowledge
// rows are cached for the lifetime of the Store, which is scoped to one run.
type Store struct {
	db     querier
	logger log.Logger

	mu        sync.Mutex
	knowledge map[int64]*KnowledgeEntry
}

// NewStore creates a Store backed by the given pool.
func NewStore(pool *pgxpool.Pool, logger log.Logger) *Store {
	return newStore(pool, logger)
}

func newStore(db querier, logger log.Logger) *Store {
	return &Store{
		db:        db,
		logger:    logger,
		knowledge: make(map[int64]*KnowledgeEntry),
	}
}

// TrackedPageIDs lists the provider's seeded pages.
func (s *Store) TrackedPageIDs(ctx context.Context, providerID int64) ([]int64, error) {
	rows, err := s.db.Query(ctx, sqlTrackedPageIDs, providerID)
	if err != nil {
		return nil, fmt.Errorf("querying tracked pages: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning page id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tracked pages: %w", err)
	}
	return ids, nil
}

// UnitsForPage returns embedded content units for one page in chunk order.
func (s *Store) UnitsForPage(ctx context.Context, providerID, pageID, afterID int64, limit int) ([]ContentUnit, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(ctx, sqlUnitsForPage, providerID, pageID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying content units: %w", err)
	}
	defer rows.Close()

	var units []ContentUnit
	for rows.Next() {
		var (
			u   ContentUnit
			vec pgvector.Vector
		)
		if err := rows.Scan(&u.ID, &u.ProviderID, &u.SitemapPageID, &u.PageURL, &u.ChunkIndex, &u.Text, &vec); err != nil {
			return nil, fmt.Errorf("scanning content unit: %w", err)
		}
		u.Embedding = vec.Slice()
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating content units: %w", err)
	}
	return units, nil
}

// ExistingMatches returns the provider's matches keyed by site content ID.
func (s *Store) ExistingMatches(ctx context.Context, providerID int64) (map[int64]*PageMatch, error) {
	rows, err := s.db.Query(ctx, sqlExistingMatches, providerID)
	if err != nil {
		return nil, fmt.Errorf("querying matches: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]*PageMatch)
	for rows.Next() {
		var m PageMatch
		if err := rows.Scan(&m.ID, &m.ProviderID, &m.DocumentID, &m.KnowledgeID, &m.SiteContentID,
			&m.URL, &m.Phrase, &m.VideoURL, &m.Confidence, &m.Status); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		out[m.SiteContentID] = &m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating matches: %w", err)
	}
	return out, nil
}

// Deletions returns the provider's blocked (url, knowledge) pairs.
func (s *Store) Deletions(ctx context.Context, providerID int64) (map[DeletionKey]struct{}, error) {
	rows, err := s.db.Query(ctx, sqlDeletions, providerID)
	if err != nil {
		return nil, fmt.Errorf("querying deletions: %w", err)
	}
	defer rows.Close()

	out := make(map[DeletionKey]struct{})
	for rows.Next() {
		var k DeletionKey
		if err := rows.Scan(&k.URL, &k.KnowledgeID); err != nil {
			return nil, fmt.Errorf("scanning deletion: %w", err)
		}
		out[k] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deletions: %w", err)
	}
	return out, nil
}

// Knowledge fetches a knowledge entry, serving repeats from the run cache.
func (s *Store) Knowledge(ctx context.Context, knowledgeID int64) (*KnowledgeEntry, error) {
	s.mu.Lock()
	if e, ok := s.knowledge[knowledgeID]; ok {
		s.mu.Unlock()
		return e, nil
	}
	s.mu.Unlock()

	var (
		e    KnowledgeEntry
		meta []byte
	)
	err := s.db.QueryRow(ctx, sqlKnowledge, knowledgeID).
		Scan(&e.ID, &e.ProviderID, &e.DocumentID, &e.Content, &meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("knowledge %d: %w", knowledgeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying knowledge %d: %w", knowledgeID, err)
	}
	e.Meta, err = ParseKnowledgeMeta(meta)
	if err != nil {
		// Unparseable metadata degrades to no attribution, not a failure.
		s.logger.Warn("ignoring bad knowledge metadata", "knowledge_id", knowledgeID, "error", err)
		e.Meta = KnowledgeMeta{}
	}

	s.mu.Lock()
	s.knowledge[knowledgeID] = &e
	s.mu.Unlock()
	return &e, nil
}

// FindCandidates ranks the provider's knowledge entries by similarity to the
// embedding. Results arrive in descending similarity; confidence defaults to
// the similarity score.
func (s *Store) FindCandidates(ctx context.Context, embedding []float32, providerID int64, threshold float64, count int) ([]Candidate, error) {
	rows, err := s.db.Query(ctx, sqlFindCandidates, pgvector.NewVector(embedding), threshold, count, providerID)
	if err != nil {
		return nil, fmt.Errorf("querying candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.KnowledgeID, &c.DocumentID, &c.Similarity); err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		c.Confidence = c.Similarity
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating candidates: %w", err)
	}
	return out, nil
}

// InsertMatch upserts a match on (provider_id, site_content_id). Approved
// rows are never overwritten; hitting one is an error so the caller can
// count it.
func (s *Store) InsertMatch(ctx context.Context, m *PageMatch) error {
	err := s.db.QueryRow(ctx, sqlInsertMatch,
		m.ProviderID, m.DocumentID, m.KnowledgeID, m.SiteContentID,
		m.URL, m.Phrase, m.VideoURL, m.Confidence, m.Status,
	).Scan(&m.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("match for content %d is approved, not overwriting", m.SiteContentID)
	}
	if err != nil {
		return fmt.Errorf("inserting match: %w", err)
	}
	return nil
}

// UpdateMatch rewrites a non-approved match in place.
func (s *Store) UpdateMatch(ctx context.Context, m *PageMatch) error {
	tag, err := s.db.Exec(ctx, sqlUpdateMatch,
		m.ID, m.DocumentID, m.KnowledgeID, m.URL, m.Phrase, m.VideoURL, m.Confidence)
	if err != nil {
		return fmt.Errorf("updating match %d: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("match %d: %w", m.ID, ErrNotFound)
	}
	return nil
}

// MatchMapEntry is one row of the overlay payload served to sites. The
// overlay filters on status before rendering.
type MatchMapEntry struct {
	URL         string  `json:"url"`
	Phrase      string  `json:"phrase"`
	VideoURL    string  `json:"video_url,omitempty"`
	Confidence  float64 `json:"confidence"`
	DocumentID  int64   `json:"document_id"`
	KnowledgeID int64   `json:"knowledge_id"`
	Status      string  `json:"status"`
}

// MatchMap returns the provider's matches as overlay entries grouped by URL.
func (s *Store) MatchMap(ctx context.Context, providerID int64) (map[string][]MatchMapEntry, error) {
	rows, err := s.db.Query(ctx, sqlMatchMap, providerID)
	if err != nil {
		return nil, fmt.Errorf("querying match map: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]MatchMapEntry)
	for rows.Next() {
		var e MatchMapEntry
		if err := rows.Scan(&e.URL, &e.Phrase, &e.VideoURL, &e.Confidence, &e.DocumentID, &e.KnowledgeID, &e.Status); err != nil {
			return nil, fmt.Errorf("scanning match map row: %w", err)
		}
		out[e.URL] = append(out[e.URL], e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating match map: %w", err)
	}
	return out, nil
}
