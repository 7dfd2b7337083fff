// Package match reconciles site content against a provider's knowledge base
// and maintains the persistent match store.
package match

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Match lifecycle states. Approved matches are operator-confirmed and never
// modified by automated runs.
const (
	StatusActive   = "active"
	StatusApproved = "approved"
)

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ContentUnit is one embedded phrase of a tracked page.
type ContentUnit struct {
	ID            int64
	ProviderID    int64
	SitemapPageID int64
	PageURL       string
	ChunkIndex    int
	Text          string
	Embedding     []float32
}

// Candidate is a ranked nearest-neighbor result from the knowledge base.
type Candidate struct {
	KnowledgeID int64
	DocumentID  int64
	Similarity  float64
	Confidence  float64
}

// PageMatch is a persisted link between a content unit and a knowledge entry.
type PageMatch struct {
	ID            int64
	ProviderID    int64
	DocumentID    int64
	KnowledgeID   int64
	SiteContentID int64
	URL           string
	Phrase        string
	VideoURL      string
	Confidence    float64
	Status        string
}

// Approved reports whether the match is operator-locked.
func (m *PageMatch) Approved() bool {
	return m.Status == StatusApproved
}

// DeletionKey identifies an operator-blocked (page URL, knowledge entry)
// pair. Once blocked, the pair is never re-proposed.
type DeletionKey struct {
	URL         string
	KnowledgeID int64
}

// KnowledgeEntry is a knowledge base row with its parsed metadata.
type KnowledgeEntry struct {
	ID         int64
	ProviderID int64
	DocumentID int64
	Content    string
	Meta       KnowledgeMeta
}

// KnowledgeMeta carries source attribution for a knowledge entry. Stored as
// JSON; historical rows use several key spellings, so parsing is tolerant.
type KnowledgeMeta struct {
	SourceURL      string
	VideoURL       string
	TimestampStart float64
	HasTimestamp   bool
}

// rawMeta covers the key variants found in stored metadata. Older ingests
// wrote camelCase keys and "source" instead of "source_url".
type rawMeta struct {
	Source          string           `json:"source"`
	SourceURL       string           `json:"source_url"`
	VideoURL        string           `json:"video_url"`
	TimestampStart  *json.RawMessage `json:"timestamp_start"`
	TimestampStart2 *json.RawMessage `json:"timestampStart"`
}

// ParseKnowledgeMeta parses a metadata JSON document. Empty or null input
// yields a zero meta. URL precedence: source > source_url > video_url.
func ParseKnowledgeMeta(data []byte) (KnowledgeMeta, error) {
	var meta KnowledgeMeta
	if len(data) == 0 || string(data) == "null" {
		return meta, nil
	}

	var raw rawMeta
	if err := json.Unmarshal(data, &raw); err != nil {
		return meta, fmt.Errorf("parsing knowledge metadata: %w", err)
	}

	meta.SourceURL = raw.Source
	if meta.SourceURL == "" {
		meta.SourceURL = raw.SourceURL
	}
	meta.VideoURL = raw.VideoURL

	ts := raw.TimestampStart
	if ts == nil {
		ts = raw.TimestampStart2
	}
	if ts != nil {
		sec, ok := parseSeconds(*ts)
		if ok {
			meta.TimestampStart = sec
			meta.HasTimestamp = true
		}
	}
	return meta, nil
}

// parseSeconds accepts a numeric or numeric-string timestamp value.
func parseSeconds(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		var f2 float64
		if _, err := fmt.Sscanf(s, "%g", &f2); err == nil {
			return f2, true
		}
	}
	return 0, false
}

// SourceLink returns the link to derive the player URL from: the source URL
// when present, otherwise the video URL.
func (m KnowledgeMeta) SourceLink() string {
	if m.SourceURL != "" {
		return m.SourceURL
	}
	return m.VideoURL
}

// Summary reports the outcome of a reconciliation run.
type Summary struct {
	RunID           string
	ProviderID      int64
	Considered      int
	Inserted        int
	Updated         int
	SkippedDeleted  int
	SkippedApproved int
	Failed          int
}
