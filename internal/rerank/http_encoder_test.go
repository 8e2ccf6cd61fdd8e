package rerank

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestHTTPCrossEncoderScoreSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model":"test","results":[{"index":0,"relevance_score":0.8},{"index":1,"relevance_score":0.2}]}`))
	}))
	defer ts.Close()

	enc := NewHTTPCrossEncoder(ts.URL, "test", 0)
	scores, err := enc.Score(t.Context(), "query", []string{"doc a", "doc b"})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(scores) != 2 || scores[0] != 0.8 || scores[1] != 0.2 {
		t.Errorf("unexpected scores: %v", scores)
	}
}

func TestHTTPCrossEncoderScoreRetriesOn5xx(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"model":"test","results":[{"index":0,"relevance_score":0.5}]}`))
	}))
	defer ts.Close()

	enc := NewHTTPCrossEncoder(ts.URL, "test", 0)
	scores, err := enc.Score(t.Context(), "query", []string{"doc a"})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(scores) != 1 || scores[0] != 0.5 {
		t.Errorf("unexpected scores: %v", scores)
	}
	if calls != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", calls)
	}
}

func TestHTTPCrossEncoderScoreDoesNotRetry4xx(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	enc := NewHTTPCrossEncoder(ts.URL, "test", 0)
	if _, err := enc.Score(t.Context(), "query", []string{"doc a"}); err == nil {
		t.Fatal("expected error on 400 response")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 attempt for a permanent error, got %d", calls)
	}
}
