// Package graph adapts the knowledge-graph retrieval service to the same
// shape as the ELOG retrieval core; it is opaque to the agent beyond its
// search/related interface (C7).
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/psi/logbook-agent/internal/datetime"
	"github.com/psi/logbook-agent/internal/infra"
	"github.com/psi/logbook-agent/internal/net/ssrf"
	"github.com/psi/logbook-agent/internal/rerank"
	"github.com/psi/logbook-agent/pkg/models"
)

// Adapter is the opaque knowledge-graph retrieval core.
type Adapter struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *infra.CircuitBreaker

	reranker *rerank.Reranker
	logger   *slog.Logger
}

// NewAdapter constructs the graph retrieval adapter. Like elog.NewClient,
// baseURL's hostname is checked against SSRF protection rules before the
// adapter is allowed to make requests against it.
func NewAdapter(baseURL, apiKey string, timeout time.Duration, reranker *rerank.Reranker, logger *slog.Logger) (*Adapter, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("graph: invalid base URL: %w", err)
	}
	if err := ssrf.ValidatePublicHostname(parsed.Hostname()); err != nil {
		return nil, fmt.Errorf("graph: base URL rejected: %w", err)
	}
	return &Adapter{
		baseURL:  baseURL,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
		breaker:  infra.NewCircuitBreaker(infra.CircuitBreakerConfig{Name: "graph"}),
		reranker: reranker,
		logger:   logger.With("component", "graph"),
	}, nil
}

type rawArticle struct {
	ArticleID string  `json:"article_id"`
	Timestamp string  `json:"timestamp"`
	Category  string  `json:"category"`
	Title     string  `json:"title"`
	BodyClean string  `json:"body_clean"`
	URL       string  `json:"url"`
	Score     float64 `json:"score"`
}

// parseArticleTimestamp tolerates the graph service's loosely-specified
// timestamp format: RFC 3339, bare dates, or a numeric epoch in seconds or
// milliseconds. Unparseable input yields the zero time rather than erroring
// out the whole search, since the adapter is opaque to the article schema.
func parseArticleTimestamp(raw string) time.Time {
	result := datetime.NormalizeTimestamp(raw)
	if result == nil {
		return time.Time{}
	}
	return time.UnixMilli(result.TimestampMs).UTC()
}

// Search performs semantic search over the article graph, consumed by the
// agent identically to ELOG's Search (§1, §6 search_accelerator_knowledge).
func (a *Adapter) Search(ctx context.Context, query string, accelerator models.Accelerator, retriever models.Retriever, limit int) (*models.GraphSearchResult, error) {
	retriever = models.NormalizeRetriever(string(retriever))
	if limit <= 0 {
		limit = 10
	}

	var articles []rawArticle
	body, _ := json.Marshal(map[string]any{
		"query":       query,
		"accelerator": accelerator,
		"retriever":   retriever,
		"limit":       limit * 3,
	})
	if err := a.post(ctx, "/search", body, &articles); err != nil {
		return nil, fmt.Errorf("graph search: %w", err)
	}

	hits := make([]*models.GraphHit, 0, len(articles))
	for _, art := range articles {
		hits = append(hits, &models.GraphHit{
			ArticleID: art.ArticleID,
			Timestamp: parseArticleTimestamp(art.Timestamp),
			Category:  art.Category,
			Title:     art.Title,
			BodyClean: art.BodyClean,
			URL:       art.URL,
		})
	}

	reranked := rerank.Rerank(ctx, a.reranker, query, hits, limit)
	return &models.GraphSearchResult{TotalFound: len(hits), Hits: reranked}, nil
}

// Related returns articles connected to articleID up to maxDepth hops away
// (§6 get_related_content, maxDepth<=5).
func (a *Adapter) Related(ctx context.Context, articleID string, maxDepth int) (*models.GraphSearchResult, error) {
	if maxDepth <= 0 || maxDepth > 5 {
		maxDepth = 5
	}

	var articles []rawArticle
	path := "/related/" + articleID + "?depth=" + strconv.Itoa(maxDepth)
	if err := a.get(ctx, path, &articles); err != nil {
		return nil, fmt.Errorf("graph related: %w", err)
	}

	hits := make([]*models.GraphHit, 0, len(articles))
	for _, art := range articles {
		hits = append(hits, &models.GraphHit{
			ArticleID:     art.ArticleID,
			Timestamp:     parseArticleTimestamp(art.Timestamp),
			Category:      art.Category,
			Title:         art.Title,
			BodyClean:     art.BodyClean,
			URL:           art.URL,
			SemanticScore: art.Score,
			FinalScore:    art.Score,
		})
	}
	return &models.GraphSearchResult{TotalFound: len(hits), Hits: hits}, nil
}

func (a *Adapter) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(ctx, req, out)
}

func (a *Adapter) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	return a.do(ctx, req, out)
}

// do issues req behind a circuit breaker so a struggling graph service stops
// receiving traffic once it's clearly unhealthy, instead of timing out every
// caller in turn.
func (a *Adapter) do(ctx context.Context, req *http.Request, out any) error {
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	return a.breaker.Execute(ctx, func(context.Context) error {
		resp, err := a.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("graph service returned %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}
