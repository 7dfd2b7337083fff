package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/linkloom/linkloom/internal/log"
	"github.com/linkloom/linkloom/internal/match"
)

type fakeRefresher struct {
	mu      sync.Mutex
	calls   []int64
	block   chan struct{}
	err     error
	started chan int64
}

func (f *fakeRefresher) Refresh(_ context.Context, providerID int64) (*match.Summary, error) {
	f.mu.Lock()
	f.calls = append(f.calls, providerID)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- providerID
	}
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return &match.Summary{RunID: "run-1", ProviderID: providerID, Inserted: 2}, nil
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeMapper struct {
	data map[string][]match.MatchMapEntry
	err  error
}

func (f *fakeMapper) MatchMap(_ context.Context, _ int64) (map[string][]match.MatchMapEntry, error) {
	return f.data, f.err
}

func newTestServer(t *testing.T, refresher Refresher, mapper MatchMapper) *httptest.Server {
	t.Helper()
	srv, err := NewServer(context.Background(), Config{
		Logger:     log.NewNop(),
		Refresher:  refresher,
		Matches:    mapper,
		SiteSecret: "hunter2",
		RateBurst:  1000,
	})
	if err != nil {
		t.Fatalf("NewServer() = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(context.Background(), Config{Refresher: &fakeRefresher{}, Matches: &fakeMapper{}})
	if err == nil {
		t.Fatal("NewServer without secret should fail")
	}
	_, err = NewServer(context.Background(), Config{SiteSecret: "s", Matches: &fakeMapper{}})
	if err == nil {
		t.Fatal("NewServer without refresher should fail")
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, &fakeRefresher{}, &fakeMapper{})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestTrigger(t *testing.T) {
	t.Run("rejects missing secret", func(t *testing.T) {
		ref := &fakeRefresher{}
		ts := newTestServer(t, ref, &fakeMapper{})

		resp, err := http.Post(ts.URL+"/api/refresh?provider_id=1", "", nil)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
		if ref.callCount() != 0 {
			t.Error("refresher should not run without a valid secret")
		}
	})

	t.Run("rejects wrong secret", func(t *testing.T) {
		ts := newTestServer(t, &fakeRefresher{}, &fakeMapper{})

		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/refresh?provider_id=1", nil)
		req.Header.Set("x-site-secret", "wrong")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("rejects missing provider id", func(t *testing.T) {
		ts := newTestServer(t, &fakeRefresher{}, &fakeMapper{})

		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/refresh", nil)
		req.Header.Set("x-site-secret", "hunter2")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("starts refresh in background", func(t *testing.T) {
		ref := &fakeRefresher{started: make(chan int64, 1)}
		ts := newTestServer(t, ref, &fakeMapper{})

		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/refresh?provider_id=7", nil)
		req.Header.Set("x-site-secret", "hunter2")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Errorf("status = %d, want 202", resp.StatusCode)
		}

		select {
		case id := <-ref.started:
			if id != 7 {
				t.Errorf("refreshed provider %d, want 7", id)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("refresh never started")
		}
	})

	t.Run("concurrent trigger for same provider conflicts", func(t *testing.T) {
		ref := &fakeRefresher{block: make(chan struct{}), started: make(chan int64, 1)}
		ts := newTestServer(t, ref, &fakeMapper{})

		first, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/refresh?provider_id=7", nil)
		first.Header.Set("x-site-secret", "hunter2")
		resp1, err := http.DefaultClient.Do(first)
		if err != nil {
			t.Fatal(err)
		}
		resp1.Body.Close()
		<-ref.started

		second, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/refresh?provider_id=7", nil)
		second.Header.Set("x-site-secret", "hunter2")
		resp2, err := http.DefaultClient.Do(second)
		if err != nil {
			t.Fatal(err)
		}
		defer resp2.Body.Close()
		if resp2.StatusCode != http.StatusConflict {
			t.Errorf("status = %d, want 409", resp2.StatusCode)
		}
		close(ref.block)
	})
}

func TestMatchMap(t *testing.T) {
	t.Run("serves grouped matches", func(t *testing.T) {
		mapper := &fakeMapper{data: map[string][]match.MatchMapEntry{
			"https://example.com/a": {
				{URL: "https://example.com/a", Phrase: "A phrase.", VideoURL: "https://player.vimeo.com/video/1", Confidence: 0.8},
			},
		}}
		ts := newTestServer(t, &fakeRefresher{}, mapper)

		resp, err := http.Get(ts.URL + "/api/match-map?provider_id=7")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}

		var body struct {
			ProviderID int64                            `json:"provider_id"`
			Matches    map[string][]match.MatchMapEntry `json:"matches"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if body.ProviderID != 7 {
			t.Errorf("provider_id = %d", body.ProviderID)
		}
		entries := body.Matches["https://example.com/a"]
		if len(entries) != 1 || entries[0].Phrase != "A phrase." {
			t.Errorf("matches = %+v", body.Matches)
		}
	})

	t.Run("store failure is a 500", func(t *testing.T) {
		ts := newTestServer(t, &fakeRefresher{}, &fakeMapper{err: errors.New("db down")})

		resp, err := http.Get(ts.URL + "/api/match-map?provider_id=7")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", resp.StatusCode)
		}
	})
}
