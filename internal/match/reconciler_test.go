package match

import (
	"context"
	"errors"
	"testing"

	"github.com/linkloom/linkloom/internal/log"
)

type fakeStore struct {
	pages     []int64
	units     map[int64][]ContentUnit
	matches   map[int64]*PageMatch
	deletions map[DeletionKey]struct{}
	knowledge map[int64]*KnowledgeEntry

	insertErr error
	inserts   int
	updates   int
	nextID    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		units:     make(map[int64][]ContentUnit),
		matches:   make(map[int64]*PageMatch),
		deletions: make(map[DeletionKey]struct{}),
		knowledge: make(map[int64]*KnowledgeEntry),
		nextID:    100,
	}
}

func (f *fakeStore) TrackedPageIDs(_ context.Context, _ int64) ([]int64, error) {
	return f.pages, nil
}

func (f *fakeStore) UnitsForPage(_ context.Context, _, pageID, afterID int64, _ int) ([]ContentUnit, error) {
	var out []ContentUnit
	for _, u := range f.units[pageID] {
		if u.ID > afterID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeStore) ExistingMatches(_ context.Context, _ int64) (map[int64]*PageMatch, error) {
	out := make(map[int64]*PageMatch, len(f.matches))
	for k, v := range f.matches {
		cp := *v
		out[k] = &cp
	}
	return out, nil
}

func (f *fakeStore) Deletions(_ context.Context, _ int64) (map[DeletionKey]struct{}, error) {
	return f.deletions, nil
}

func (f *fakeStore) Knowledge(_ context.Context, id int64) (*KnowledgeEntry, error) {
	if e, ok := f.knowledge[id]; ok {
		return e, nil
	}
	return nil, ErrNotFound
}

func (f *fakeStore) InsertMatch(_ context.Context, m *PageMatch) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.nextID++
	m.ID = f.nextID
	cp := *m
	f.matches[m.SiteContentID] = &cp
	f.inserts++
	return nil
}

func (f *fakeStore) UpdateMatch(_ context.Context, m *PageMatch) error {
	cp := *m
	f.matches[m.SiteContentID] = &cp
	f.updates++
	return nil
}

type fakeResolver struct {
	byUnit map[int64][]Candidate
	err    error
	calls  int
}

func (f *fakeResolver) FindCandidates(_ context.Context, embedding []float32, _ int64, _ float64, _ int) ([]Candidate, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	// Embeddings in these tests carry the unit ID in their first element.
	return f.byUnit[int64(embedding[0])], nil
}

func unitEmbedding(id int64) []float32 { return []float32{float32(id)} }

func testUnit(id int64) ContentUnit {
	return ContentUnit{
		ID:         id,
		ProviderID: 1,
		PageURL:    "https://example.com/page",
		Text:       "A phrase about recovery that is long enough. More detail follows.",
		Embedding:  unitEmbedding(id),
	}
}

func testConfig() ReconcilerConfig {
	return ReconcilerConfig{ProviderID: 1, Threshold: 0.55, TopK: 5, UnitLimit: 200}
}

func setup(t *testing.T) (*fakeStore, *fakeResolver, *Reconciler) {
	t.Helper()
	store := newFakeStore()
	store.pages = []int64{10}
	store.units[10] = []ContentUnit{testUnit(1)}
	store.knowledge[50] = &KnowledgeEntry{ID: 50, DocumentID: 5, Meta: KnowledgeMeta{
		VideoURL: "https://vimeo.com/900", TimestampStart: 30, HasTimestamp: true,
	}}
	store.knowledge[51] = &KnowledgeEntry{ID: 51, DocumentID: 5}
	resolver := &fakeResolver{byUnit: make(map[int64][]Candidate)}
	return store, resolver, NewReconciler(store, resolver, log.NewNop())
}

func TestRunInsertsNewMatch(t *testing.T) {
	store, resolver, r := setup(t)
	resolver.byUnit[1] = []Candidate{{KnowledgeID: 50, DocumentID: 5, Similarity: 0.8, Confidence: 0.8}}

	sum, err := r.Run(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if sum.Inserted != 1 || sum.Considered != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	m := store.matches[1]
	if m == nil {
		t.Fatal("no match stored")
	}
	if m.KnowledgeID != 50 || m.Confidence != 0.8 || m.Status != StatusActive {
		t.Errorf("match = %+v", m)
	}
	if m.Phrase != "A phrase about recovery that is long enough." {
		t.Errorf("phrase = %q", m.Phrase)
	}
	want := "https://player.vimeo.com/video/900?autoplay=0&title=0&byline=0&portrait=0#t=30s"
	if m.VideoURL != want {
		t.Errorf("video url = %q, want %q", m.VideoURL, want)
	}
}

func TestRunIdempotent(t *testing.T) {
	store, resolver, r := setup(t)
	resolver.byUnit[1] = []Candidate{{KnowledgeID: 50, DocumentID: 5, Similarity: 0.8, Confidence: 0.8}}

	first, err := r.Run(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("first Run() = %v", err)
	}
	second, err := r.Run(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("second Run() = %v", err)
	}

	if first.Inserted != 1 {
		t.Errorf("first run inserted = %d, want 1", first.Inserted)
	}
	if second.Inserted != 0 || second.Updated != 0 {
		t.Errorf("second run = %+v, want no writes", second)
	}
	if store.inserts != 1 || store.updates != 0 {
		t.Errorf("store writes = %d inserts, %d updates", store.inserts, store.updates)
	}
}

func TestRunConfidenceMonotonicity(t *testing.T) {
	tests := []struct {
		name       string
		existing   float64
		candidate  float64
		wantUpdate bool
	}{
		{name: "higher confidence replaces", existing: 0.6, candidate: 0.8, wantUpdate: true},
		{name: "equal confidence skipped", existing: 0.8, candidate: 0.8},
		{name: "lower confidence skipped", existing: 0.8, candidate: 0.6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, resolver, r := setup(t)
			store.matches[1] = &PageMatch{
				ID: 200, SiteContentID: 1, KnowledgeID: 51,
				URL: "https://example.com/page", Confidence: tt.existing, Status: StatusActive,
			}
			resolver.byUnit[1] = []Candidate{{KnowledgeID: 50, DocumentID: 5, Similarity: tt.candidate, Confidence: tt.candidate}}

			sum, err := r.Run(context.Background(), testConfig())
			if err != nil {
				t.Fatalf("Run() = %v", err)
			}

			if tt.wantUpdate {
				if sum.Updated != 1 {
					t.Fatalf("summary = %+v, want one update", sum)
				}
				m := store.matches[1]
				if m.KnowledgeID != 50 || m.Confidence != tt.candidate || m.ID != 200 {
					t.Errorf("match = %+v", m)
				}
				return
			}
			if sum.Updated != 0 || sum.Inserted != 0 {
				t.Errorf("summary = %+v, want no writes", sum)
			}
			if store.matches[1].Confidence != tt.existing {
				t.Errorf("existing match modified: %+v", store.matches[1])
			}
		})
	}
}

func TestRunApprovalLock(t *testing.T) {
	store, resolver, r := setup(t)
	store.matches[1] = &PageMatch{
		ID: 200, SiteContentID: 1, KnowledgeID: 51,
		URL: "https://example.com/page", Confidence: 0.5, Status: StatusApproved,
	}
	resolver.byUnit[1] = []Candidate{{KnowledgeID: 50, DocumentID: 5, Similarity: 0.99, Confidence: 0.99}}

	sum, err := r.Run(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if sum.SkippedApproved != 1 || sum.Inserted != 0 || sum.Updated != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if resolver.calls != 0 {
		t.Errorf("resolver called %d times for an approved unit", resolver.calls)
	}
	if store.matches[1].KnowledgeID != 51 {
		t.Errorf("approved match modified: %+v", store.matches[1])
	}
}

func TestRunDeletionBlocklist(t *testing.T) {
	t.Run("blocked pair falls through to next candidate", func(t *testing.T) {
		store, resolver, r := setup(t)
		store.deletions[DeletionKey{URL: "https://example.com/page", KnowledgeID: 50}] = struct{}{}
		resolver.byUnit[1] = []Candidate{
			{KnowledgeID: 50, DocumentID: 5, Similarity: 0.9, Confidence: 0.9},
			{KnowledgeID: 51, DocumentID: 5, Similarity: 0.7, Confidence: 0.7},
		}

		sum, err := r.Run(context.Background(), testConfig())
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
		if sum.SkippedDeleted != 1 || sum.Inserted != 1 {
			t.Errorf("summary = %+v", sum)
		}
		if store.matches[1].KnowledgeID != 51 {
			t.Errorf("match = %+v, want fallback candidate", store.matches[1])
		}
	})

	t.Run("blocked before confidence comparison", func(t *testing.T) {
		// A blocked candidate with lower confidence than the existing
		// match still counts as a deletion skip.
		store, resolver, r := setup(t)
		store.matches[1] = &PageMatch{
			ID: 200, SiteContentID: 1, KnowledgeID: 51,
			URL: "https://example.com/page", Confidence: 0.95, Status: StatusActive,
		}
		store.deletions[DeletionKey{URL: "https://example.com/page", KnowledgeID: 50}] = struct{}{}
		resolver.byUnit[1] = []Candidate{{KnowledgeID: 50, DocumentID: 5, Similarity: 0.5, Confidence: 0.5}}

		sum, err := r.Run(context.Background(), testConfig())
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
		if sum.SkippedDeleted != 1 {
			t.Errorf("summary = %+v, want one deletion skip", sum)
		}
	})

	t.Run("blocked top candidate then non-improving fallback writes nothing", func(t *testing.T) {
		store, resolver, r := setup(t)
		store.matches[1] = &PageMatch{
			ID: 200, SiteContentID: 1, KnowledgeID: 50,
			URL: "https://example.com/page", Confidence: 0.8, Status: StatusActive,
		}
		store.deletions[DeletionKey{URL: "https://example.com/page", KnowledgeID: 51}] = struct{}{}
		resolver.byUnit[1] = []Candidate{
			{KnowledgeID: 51, DocumentID: 5, Similarity: 0.9, Confidence: 0.9},
			{KnowledgeID: 50, DocumentID: 5, Similarity: 0.8, Confidence: 0.8},
		}

		sum, err := r.Run(context.Background(), testConfig())
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
		if sum.SkippedDeleted != 1 || sum.Inserted != 0 || sum.Updated != 0 {
			t.Errorf("summary = %+v, want one deletion skip and no writes", sum)
		}
		if store.matches[1].KnowledgeID != 50 || store.matches[1].Confidence != 0.8 {
			t.Errorf("existing match modified: %+v", store.matches[1])
		}
	})

	t.Run("all candidates blocked leaves unit untouched", func(t *testing.T) {
		store, resolver, r := setup(t)
		store.deletions[DeletionKey{URL: "https://example.com/page", KnowledgeID: 50}] = struct{}{}
		store.deletions[DeletionKey{URL: "https://example.com/page", KnowledgeID: 51}] = struct{}{}
		resolver.byUnit[1] = []Candidate{
			{KnowledgeID: 50, Confidence: 0.9},
			{KnowledgeID: 51, Confidence: 0.7},
		}

		sum, err := r.Run(context.Background(), testConfig())
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
		if sum.SkippedDeleted != 2 || sum.Inserted != 0 {
			t.Errorf("summary = %+v", sum)
		}
		if len(store.matches) != 0 {
			t.Errorf("matches = %v, want none", store.matches)
		}
	})
}

func TestRunResolverFailureIsolated(t *testing.T) {
	store, resolver, r := setup(t)
	resolver.err = errors.New("vector index offline")

	sum, err := r.Run(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Run() = %v, resolver failures must not abort the run", err)
	}
	if sum.Considered != 1 || sum.Inserted != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if len(store.matches) != 0 {
		t.Errorf("matches = %v, want none", store.matches)
	}
}

func TestRunKnowledgeMissingCountsFailed(t *testing.T) {
	_, resolver, r := setup(t)
	resolver.byUnit[1] = []Candidate{{KnowledgeID: 999, DocumentID: 5, Confidence: 0.8}}

	sum, err := r.Run(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if sum.Failed != 1 || sum.Inserted != 0 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestRunAfterIDResumes(t *testing.T) {
	store, resolver, r := setup(t)
	store.units[10] = []ContentUnit{testUnit(1), testUnit(2)}
	resolver.byUnit[1] = []Candidate{{KnowledgeID: 50, DocumentID: 5, Confidence: 0.8}}
	resolver.byUnit[2] = []Candidate{{KnowledgeID: 51, DocumentID: 5, Confidence: 0.8}}

	cfg := testConfig()
	cfg.AfterID = 1
	sum, err := r.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if sum.Considered != 1 || sum.Inserted != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if _, ok := store.matches[1]; ok {
		t.Error("unit 1 should have been skipped by AfterID")
	}
	if _, ok := store.matches[2]; !ok {
		t.Error("unit 2 should have been processed")
	}
}

func TestDecide(t *testing.T) {
	unit := testUnit(1)
	noDeletions := map[DeletionKey]struct{}{}

	t.Run("no candidates", func(t *testing.T) {
		d := decide(&unit, nil, nil, noDeletions)
		if d.action != actionNone {
			t.Errorf("action = %v, want none", d.action)
		}
	})

	t.Run("first acceptable candidate wins", func(t *testing.T) {
		cands := []Candidate{
			{KnowledgeID: 1, Confidence: 0.9},
			{KnowledgeID: 2, Confidence: 0.95},
		}
		d := decide(&unit, nil, cands, noDeletions)
		if d.action != actionInsert || d.candidate.KnowledgeID != 1 {
			t.Errorf("decision = %+v, want first candidate insert", d)
		}
	})

	t.Run("existing match yields update", func(t *testing.T) {
		current := &PageMatch{Confidence: 0.5, Status: StatusActive}
		d := decide(&unit, current, []Candidate{{KnowledgeID: 1, Confidence: 0.9}}, noDeletions)
		if d.action != actionUpdate {
			t.Errorf("decision = %+v, want update", d)
		}
	})
}
