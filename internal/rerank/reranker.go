// Package rerank scores and orders retrieval candidates by a combination of
// cross-encoder semantic relevance, recency decay, and per-category
// diversity (C5).
package rerank

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/psi/logbook-agent/pkg/models"
)

// CrossEncoder scores a query against a batch of documents, returning one
// relevance score per document in input order.
type CrossEncoder interface {
	Score(ctx context.Context, query string, documents []string) ([]float64, error)
}

// Config tunes the diversity-aware scoring pass.
type Config struct {
	HalfLifeHours  float64
	MaxPerCategory int
}

// DefaultConfig returns the documented defaults (§4.4).
func DefaultConfig() Config {
	return Config{HalfLifeHours: 48, MaxPerCategory: 5}
}

// Reranker lazily loads its CrossEncoder on first use and reuses it for
// every subsequent call (§9, init-once singleton).
type Reranker struct {
	cfg    Config
	logger *slog.Logger

	loadOnce sync.Once
	loadErr  error
	encoder  CrossEncoder
	loadFn   func() (CrossEncoder, error)
}

// New constructs a Reranker. loadFn is invoked at most once, lazily, to
// obtain the CrossEncoder implementation.
func New(cfg Config, logger *slog.Logger, loadFn func() (CrossEncoder, error)) *Reranker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HalfLifeHours <= 0 {
		cfg.HalfLifeHours = 48
	}
	if cfg.MaxPerCategory <= 0 {
		cfg.MaxPerCategory = 5
	}
	return &Reranker{cfg: cfg, logger: logger.With("component", "rerank"), loadFn: loadFn}
}

func (r *Reranker) encoderOnce() (CrossEncoder, error) {
	r.loadOnce.Do(func() {
		r.encoder, r.loadErr = r.loadFn()
		if r.loadErr != nil {
			r.logger.Warn("cross-encoder load failed, degrading to timestamp ordering", "error", r.loadErr)
		}
	})
	return r.encoder, r.loadErr
}

const maxBodyTokensApprox = 512
const approxCharsPerToken = 4

func truncateForScoring(title, bodyClean string) string {
	maxChars := maxBodyTokensApprox * approxCharsPerToken
	body := bodyClean
	if len(body) > maxChars {
		body = body[:maxChars]
	}
	return title + " " + body
}

// scored pairs a candidate with its computed raw score.
type scored[T models.RerankCandidate] struct {
	candidate T
	semantic  float64
	raw       float64
}

// Rerank orders candidates by combined semantic + recency + diversity score
// and returns the top k. Every returned item appeared in candidates (I5).
func Rerank[T models.RerankCandidate](ctx context.Context, r *Reranker, query string, candidates []T, k int) []T {
	if len(candidates) == 0 || k <= 0 {
		return nil
	}

	encoder, err := r.encoderOnce()
	if err != nil || encoder == nil {
		return fallbackByRecency(candidates, k)
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = truncateForScoring(c.RerankTitle(), c.RerankBody())
	}

	semanticScores, err := encoder.Score(ctx, query, docs)
	if err != nil || len(semanticScores) != len(candidates) {
		r.logger.Warn("cross-encoder scoring failed, degrading to timestamp ordering", "error", err)
		return fallbackByRecency(candidates, k)
	}

	now := time.Now()
	items := make([]scored[T], len(candidates))
	for i, c := range candidates {
		recencyBoost := 1.0
		ts := c.RerankTimestamp()
		if !ts.IsZero() {
			ageHours := now.Sub(ts).Hours()
			recencyBoost = 1 + math.Exp(-ageHours/r.cfg.HalfLifeHours)
		}
		raw := semanticScores[i] * recencyBoost
		items[i] = scored[T]{candidate: c, semantic: semanticScores[i], raw: raw}
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].raw > items[j].raw })

	picked := diversitySelect(items, k, r.cfg.MaxPerCategory)
	for _, it := range picked {
		it.candidate.SetScores(it.semantic, it.raw)
	}

	out := make([]T, len(picked))
	for i, it := range picked {
		out[i] = it.candidate
	}
	return out
}

// diversitySelect greedily walks items (already sorted by raw desc),
// skipping a candidate once its category has reached maxPerCategory, unless
// skipping would leave fewer than k total selected (§4.4).
func diversitySelect[T models.RerankCandidate](items []scored[T], k, maxPerCategory int) []scored[T] {
	picked := make([]scored[T], 0, k)
	categoryCount := map[string]int{}
	var skipped []scored[T]

	for _, it := range items {
		if len(picked) >= k {
			break
		}
		category := it.candidate.RerankCategory()
		if categoryCount[category] >= maxPerCategory {
			skipped = append(skipped, it)
			continue
		}
		picked = append(picked, it)
		categoryCount[category]++
	}

	// Cap relaxation: if diversity left us short of k, backfill from skipped
	// items in their original (raw-desc) order.
	for _, it := range skipped {
		if len(picked) >= k {
			break
		}
		picked = append(picked, it)
	}

	return picked
}

func fallbackByRecency[T models.RerankCandidate](candidates []T, k int) []T {
	out := make([]T, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RerankTimestamp().After(out[j].RerankTimestamp())
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}
