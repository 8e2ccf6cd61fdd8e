package elog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/psi/logbook-agent/internal/rerank"
	"github.com/psi/logbook-agent/pkg/models"
)

// defaultParallelReaders is the worker-pool size for bulk-read fan-out (§5)
// used when the caller doesn't specify one.
const defaultParallelReaders = 10

// Core orchestrates search -> parallel bulk-read -> post-filter -> rerank
// and exposes thread assembly (C6).
type Core struct {
	client   *Client
	reranker *rerank.Reranker
	logger   *slog.Logger

	parallelReaders   int
	defaultMaxResults int
}

// NewCore constructs the ELOG retrieval core. parallelReaders bounds
// concurrent bulk-read fetches per search (config: elog.parallel_readers);
// values <= 0 fall back to defaultParallelReaders.
func NewCore(client *Client, reranker *rerank.Reranker, logger *slog.Logger, parallelReaders, defaultMaxResults int) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	if parallelReaders <= 0 {
		parallelReaders = defaultParallelReaders
	}
	if defaultMaxResults <= 0 {
		defaultMaxResults = 20
	}
	return &Core{
		client:            client,
		reranker:          reranker,
		logger:            logger.With("component", "elog"),
		parallelReaders:   parallelReaders,
		defaultMaxResults: defaultMaxResults,
	}
}

// SearchRequest is the single entrypoint's argument set (§4.3).
type SearchRequest struct {
	Query      string
	Since      string
	Until      string
	Category   string
	System     string
	Domain     string
	MaxResults int
}

// Search implements C6's algorithm: build filter, search, parallel bulk
// read, post-filter by parsed timestamp, clean bodies, rerank, aggregate.
func (c *Core) Search(ctx context.Context, req SearchRequest) (*models.ELOGSearchResult, error) {
	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = c.defaultMaxResults
	}

	filter := buildFilter(req.Query, req.Category, req.System, req.Domain, maxResults)
	ids, err := c.client.Search(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("elog search: %w", err)
	}
	if len(ids) == 0 {
		return &models.ELOGSearchResult{TotalFound: 0, Hits: []*models.ELOGHit{}}, nil
	}

	entries := c.bulkRead(ctx, ids)

	since, hasSince := parseBoundaryDate(req.Since)
	until, hasUntil := parseBoundaryDate(req.Until)

	hits := make([]*models.ELOGHit, 0, len(entries))
	for _, e := range entries {
		ts, _ := parseEntryTimestamp(e.Timestamp)
		if hasSince && !ts.IsZero() && ts.Before(since) {
			continue
		}
		if hasUntil && !ts.IsZero() && ts.After(until) {
			continue
		}
		hits = append(hits, c.toHit(e, ts))
	}

	reranked := rerank.Rerank(ctx, c.reranker, req.Query, hits, maxResults)

	return &models.ELOGSearchResult{
		TotalFound:             len(hits),
		Hits:                   reranked,
		AggregationsByCategory: aggregateBy(hits, func(h *models.ELOGHit) string { return h.Category }),
		AggregationsBySystem:   aggregateBy(hits, func(h *models.ELOGHit) string { return h.System }),
		AggregationsByDomain:   aggregateBy(hits, func(h *models.ELOGHit) string { return h.Domain }),
	}, nil
}

// bulkRead fans out one Read per id across a fixed-size worker pool.
// Failed reads are dropped with a logged warning; they do not abort the batch.
func (c *Core) bulkRead(ctx context.Context, ids []int) []*rawEntry {
	sem := make(chan struct{}, c.parallelReaders)
	results := make([]*rawEntry, len(ids))
	var wg sync.WaitGroup

	for i, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx, entryID int) {
			defer wg.Done()
			defer func() { <-sem }()
			entry, err := c.client.Read(ctx, entryID)
			if err != nil {
				c.logger.Warn("elog read failed, dropping entry", "id", entryID, "error", err)
				return
			}
			results[idx] = entry
		}(i, id)
	}
	wg.Wait()

	out := make([]*rawEntry, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (c *Core) toHit(e *rawEntry, ts time.Time) *models.ELOGHit {
	attachments := make([]models.ELOGAttachment, 0, len(e.Attachments))
	for _, a := range e.Attachments {
		attachments = append(attachments, models.ELOGAttachment{Name: a.Name, URL: a.URL})
	}
	return &models.ELOGHit{
		ELOGID:      e.ID,
		Timestamp:   ts,
		Author:      e.Author,
		Category:    e.Category,
		System:      e.System,
		Domain:      e.Domain,
		Title:       e.Title,
		BodyHTML:    e.BodyHTML,
		BodyClean:   cleanBody(e.BodyHTML),
		URL:         fmt.Sprintf("%s/entries/%d", c.client.baseURL, e.ID),
		Attachments: attachments,
	}
}

func aggregateBy(hits []*models.ELOGHit, key func(*models.ELOGHit) string) map[string]int {
	out := map[string]int{}
	for _, h := range hits {
		k := key(h)
		if k == "" {
			continue
		}
		out[k]++
	}
	return out
}
