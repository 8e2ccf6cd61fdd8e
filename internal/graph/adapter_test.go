package graph

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/psi/logbook-agent/internal/infra"
	"github.com/psi/logbook-agent/internal/rerank"
	"github.com/psi/logbook-agent/pkg/models"
)

// newTestAdapter bypasses NewAdapter's SSRF hostname check (httptest servers
// bind to loopback, which that check correctly rejects for real use) by
// constructing the Adapter directly against the in-package fields.
func newTestAdapter(t *testing.T, ts *httptest.Server) *Adapter {
	t.Helper()
	return &Adapter{
		baseURL: ts.URL,
		http:    ts.Client(),
		breaker: infra.NewCircuitBreaker(infra.CircuitBreakerConfig{Name: "graph-test"}),
		reranker: rerank.New(rerank.DefaultConfig(), slog.Default(), func() (rerank.CrossEncoder, error) {
			return nil, nil
		}),
		logger: slog.Default(),
	}
}

func TestNewAdapterRejectsPrivateHost(t *testing.T) {
	_, err := NewAdapter("http://127.0.0.1:9999", "key", time.Second, nil, nil)
	if err == nil {
		t.Fatal("expected SSRF rejection for loopback base URL")
	}
}

func TestAdapterSearchReranksAndCountsHits(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode([]rawArticle{
			{ArticleID: "a1", Timestamp: "2026-01-01T00:00:00Z", Title: "magnet quench procedure", Score: 0.9},
			{ArticleID: "a2", Timestamp: "2026-01-02T00:00:00Z", Title: "cryo system overview", Score: 0.5},
		})
	}))
	defer ts.Close()

	a := newTestAdapter(t, ts)
	result, err := a.Search(t.Context(), "quench", models.Accelerator(""), models.Retriever(""), 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if result.TotalFound != 2 {
		t.Errorf("expected 2 hits, got %d", result.TotalFound)
	}
}

func TestAdapterSearchPropagatesUpstreamError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := newTestAdapter(t, ts)
	if _, err := a.Search(t.Context(), "quench", "", "", 5); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestAdapterSearchParsesLooseTimestamps(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]rawArticle{
			{ArticleID: "a1", Timestamp: "1735689600", Title: "epoch seconds"},
			{ArticleID: "a2", Timestamp: "not-a-timestamp", Title: "unparseable"},
		})
	}))
	defer ts.Close()

	a := newTestAdapter(t, ts)
	result, err := a.Search(t.Context(), "q", "", "", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	var epochHit, badHit *models.GraphHit
	for _, h := range result.Hits {
		switch h.ArticleID {
		case "a1":
			epochHit = h
		case "a2":
			badHit = h
		}
	}
	if epochHit == nil || epochHit.Timestamp.IsZero() {
		t.Fatal("expected epoch-seconds timestamp to parse")
	}
	if badHit == nil || !badHit.Timestamp.IsZero() {
		t.Error("expected unparseable timestamp to fall back to the zero time")
	}
}

func TestAdapterRelatedClampsDepth(t *testing.T) {
	var gotDepth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDepth = r.URL.Query().Get("depth")
		_ = json.NewEncoder(w).Encode([]rawArticle{})
	}))
	defer ts.Close()

	a := newTestAdapter(t, ts)
	if _, err := a.Related(t.Context(), "a1", 99); err != nil {
		t.Fatalf("Related: %v", err)
	}
	if gotDepth != "5" {
		t.Errorf("expected depth clamped to 5, got %q", gotDepth)
	}
}
