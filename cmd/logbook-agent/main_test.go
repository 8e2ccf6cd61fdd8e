package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandleHealthz(t *testing.T) {
	s := &service{}
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.handleHealthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "{\"status\":\"ok\"}\n" {
		t.Errorf("expected body %q, got %q", "{\"status\":\"ok\"}\n", rec.Body.String())
	}
}

func TestHandleQueryRejectsNonPost(t *testing.T) {
	s := &service{}
	req := httptest.NewRequest(http.MethodGet, "/v1/query", nil)
	rec := httptest.NewRecorder()

	s.handleQuery(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestHandleQueryRejectsMalformedBody(t *testing.T) {
	s := &service{}
	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader("not json"))
	rec := httptest.NewRecorder()

	s.handleQuery(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandleQueryRejectsEmptyQuery(t *testing.T) {
	s := &service{}
	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"query":"   "}`))
	rec := httptest.NewRecorder()

	s.handleQuery(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestMux(t *testing.T) {
	s := &service{}
	mux := s.mux()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected /healthz to be routed, got %d", rec.Code)
	}
}
