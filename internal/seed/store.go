package seed

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/linkloom/linkloom/internal/log"
)

const (
	sqlFeeds = `
		SELECT id, provider_id, url FROM sitemap_feeds
		WHERE provider_id = $1
		ORDER BY id`

	sqlAddFeed = `
		INSERT INTO sitemap_feeds (provider_id, url)
		VALUES ($1, $2)
		ON CONFLICT (provider_id, url) DO UPDATE SET url = EXCLUDED.url
		RETURNING id`

	sqlUpsertPage = `
		INSERT INTO sitemap_pages (feed_id, provider_id, url, title, fetched_at)
		VALUES (NULLIF($1, 0), $2, $3, $4, now())
		ON CONFLICT (provider_id, url) DO UPDATE SET
			feed_id = COALESCE(EXCLUDED.feed_id, sitemap_pages.feed_id),
			title = EXCLUDED.title,
			fetched_at = now()
		RETURNING id`

	sqlHasPageContent = `
		SELECT EXISTS (
			SELECT 1 FROM site_content
			WHERE provider_id = $1 AND sitemap_page_id = $2
		)`

	sqlDeletePageContent = `
		DELETE FROM site_content
		WHERE provider_id = $1 AND sitemap_page_id = $2`

	sqlInsertChunk = `
		INSERT INTO site_content (provider_id, sitemap_page_id, chunk_index, content, embedding)
		VALUES ($1, $2, $3, $4, $5)`
)

// Store is the pgx-backed implementation of Storage.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewStore creates a Store backed by the given pool.
func NewStore(pool *pgxpool.Pool, logger log.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Feeds lists the provider's registered sitemaps.
func (s *Store) Feeds(ctx context.Context, providerID int64) ([]Feed, error) {
	rows, err := s.pool.Query(ctx, sqlFeeds, providerID)
	if err != nil {
		return nil, fmt.Errorf("querying feeds: %w", err)
	}
	defer rows.Close()

	var feeds []Feed
	for rows.Next() {
		var f Feed
		if err := rows.Scan(&f.ID, &f.ProviderID, &f.URL); err != nil {
			return nil, fmt.Errorf("scanning feed: %w", err)
		}
		feeds = append(feeds, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating feeds: %w", err)
	}
	return feeds, nil
}

// AddFeed registers a sitemap for a provider, returning its ID. Registering
// the same URL twice is a no-op.
func (s *Store) AddFeed(ctx context.Context, providerID int64, url string) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, sqlAddFeed, providerID, url).Scan(&id); err != nil {
		return 0, fmt.Errorf("adding feed: %w", err)
	}
	return id, nil
}

// UpsertPage records a discovered page and returns its ID.
func (s *Store) UpsertPage(ctx context.Context, providerID, feedID int64, url, title string) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, sqlUpsertPage, feedID, providerID, url, title).Scan(&id); err != nil {
		return 0, fmt.Errorf("upserting page: %w", err)
	}
	return id, nil
}

// HasPageContent reports whether a page already has stored phrases.
func (s *Store) HasPageContent(ctx context.Context, providerID, pageID int64) (bool, error) {
	var has bool
	if err := s.pool.QueryRow(ctx, sqlHasPageContent, providerID, pageID).Scan(&has); err != nil {
		return false, fmt.Errorf("checking page content: %w", err)
	}
	return has, nil
}

// ReplacePageContent swaps a page's stored phrases atomically: old rows go
// away and the new chunk set lands in one transaction.
func (s *Store) ReplacePageContent(ctx context.Context, providerID, pageID int64, chunks []string, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("chunk/embedding count mismatch: %d vs %d", len(chunks), len(embeddings))
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, sqlDeletePageContent, providerID, pageID); err != nil {
			return fmt.Errorf("clearing page content: %w", err)
		}
		for i, chunk := range chunks {
			_, err := tx.Exec(ctx, sqlInsertChunk,
				providerID, pageID, i, chunk, pgvector.NewVector(embeddings[i]))
			if err != nil {
				return fmt.Errorf("inserting chunk %d: %w", i, err)
			}
		}
		return nil
	})
}
