package search

import (
	"context"
	"sort"

	"github.com/reveriehq/reverie/embedding"
	"github.com/reveriehq/reverie/errors"
	"github.com/reveriehq/reverie/logging"
	"github.com/reveriehq/reverie/retry"
)

// Candidate is one record to rank.
type Candidate struct {
	ID     string
	Text   string
	Vector []float32
}

// Result is a ranked candidate with its normalized score.
type Result struct {
	Candidate
	Score float64
}

// Options tunes a single search call.
type Options struct {
	// Metric selects the distance function. Empty selects inner product.
	Metric Metric

	// Floor is the minimum normalized score; candidates below it are
	// excluded regardless of rank, even if fewer than k remain.
	Floor float64

	// Rerank enables over-fetch plus cross-encoder re-ranking.
	Rerank bool

	// OvershootMultiplier scales the initial fetch before re-ranking
	// trims back to k. Values < 1 are treated as the default of 3.
	OvershootMultiplier int
}

const defaultOvershoot = 3

// Engine ranks candidates by embedding distance, optionally deferring final
// ordering to the cross-encoding reranker.
type Engine struct {
	embedder embedding.Service
	log      *logging.Logger
}

// NewEngine creates a search engine. The embedder is used only for rerank
// scoring; callers supply query vectors directly.
func NewEngine(embedder embedding.Service, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{embedder: embedder, log: log.WithComponent("search")}
}

// Search ranks candidates against the query vector and returns up to k
// results above the similarity floor, best first. queryText is only needed
// when opts.Rerank is set.
func (e *Engine) Search(ctx context.Context, queryText string, queryVec []float32, candidates []Candidate, k int, opts Options) ([]Result, error) {
	if k < 1 {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "k must be >= 1, got %d", k)
	}
	metric := opts.Metric
	if metric == "" {
		metric = MetricInnerProduct
	}
	if !metric.Valid() {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "unknown metric %q", metric)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Score every candidate; the floor filters before any ranking so a
	// low-confidence match can never ride in on a sparse pool.
	scored := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		s, err := Score(metric, queryVec, c.Vector)
		if err != nil {
			return nil, err
		}
		if s < opts.Floor {
			continue
		}
		scored = append(scored, Result{Candidate: c, Score: s})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if !opts.Rerank {
		if len(scored) > k {
			scored = scored[:k]
		}
		return scored, nil
	}

	// Over-fetch, then let the cross-encoder decide the final order.
	overshoot := opts.OvershootMultiplier
	if overshoot < 1 {
		overshoot = defaultOvershoot
	}
	pool := scored
	if limit := overshoot * k; len(pool) > limit {
		pool = pool[:limit]
	}
	if len(pool) == 0 {
		return nil, nil
	}

	reranked, err := e.rerank(ctx, queryText, pool)
	if err != nil {
		// Re-rank is an enrichment: fall back to the vector ordering
		// rather than failing the retrieval.
		e.log.Warn("rerank failed, using vector order", map[string]interface{}{"error": err.Error()})
		reranked = pool
	}
	if len(reranked) > k {
		reranked = reranked[:k]
	}
	return reranked, nil
}

// rerank reorders pool by cross-encoder relevance to queryText. The vector
// score on each Result is preserved; only the ordering changes.
func (e *Engine) rerank(ctx context.Context, queryText string, pool []Result) ([]Result, error) {
	texts := make([]string, len(pool))
	for i, r := range pool {
		texts[i] = r.Text
	}

	scores, err := retry.DoValue(ctx, retry.Embedding, func(ctx context.Context) ([]float64, error) {
		return e.embedder.RerankScore(ctx, queryText, texts)
	})
	if err != nil {
		return nil, err
	}
	if len(scores) != len(pool) {
		return nil, errors.UpstreamMalformed("rerank returned wrong score count",
			errors.WithComponent("search"))
	}

	idx := make([]int, len(pool))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})

	out := make([]Result, len(pool))
	for i, j := range idx {
		out[i] = pool[j]
	}
	return out, nil
}
