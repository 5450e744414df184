package search

import (
	"context"
	"math"
	"sort"
	"testing"

	"github.com/reveriehq/reverie/embedding"
	"github.com/reveriehq/reverie/errors"
	"github.com/reveriehq/reverie/logging"
)

func unit(xs ...float32) []float32 {
	var sum float64
	for _, x := range xs {
		sum += float64(x) * float64(x)
	}
	n := float32(math.Sqrt(sum))
	out := make([]float32, len(xs))
	for i, x := range xs {
		out[i] = x / n
	}
	return out
}

func TestScoreDimensionMismatch(t *testing.T) {
	_, err := Score(MetricCosine, []float32{1, 0}, []float32{1, 0, 0})
	if !errors.Is(err, errors.ErrCodeInvalidArgument) {
		t.Errorf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestNormalizeRanges(t *testing.T) {
	if got := Normalize(MetricCosine, 1); got != 1 {
		t.Errorf("cosine 1 should normalize to 1, got %f", got)
	}
	if got := Normalize(MetricCosine, -1); got != 0 {
		t.Errorf("cosine -1 should normalize to 0, got %f", got)
	}
	if got := Normalize(MetricEuclidean, 0); got != 1 {
		t.Errorf("euclidean 0 should normalize to 1, got %f", got)
	}
	if got := Normalize(MetricEuclidean, 1e9); got > 1e-8 {
		t.Errorf("large euclidean distance should approach 0, got %f", got)
	}
}

// TestMetricOrderingStability: on unit vectors all three metrics must
// produce the same candidate ordering.
func TestMetricOrderingStability(t *testing.T) {
	query := unit(1, 0, 0)
	candidates := [][]float32{
		unit(1, 0.1, 0),
		unit(1, 1, 0),
		unit(0, 1, 0),
		unit(-1, 0.5, 0),
		unit(0.5, 0.5, 0.7),
	}

	ordering := func(m Metric) []int {
		type sc struct {
			i int
			s float64
		}
		scores := make([]sc, len(candidates))
		for i, c := range candidates {
			s, err := Score(m, query, c)
			if err != nil {
				t.Fatalf("score failed: %v", err)
			}
			scores[i] = sc{i, s}
		}
		sort.SliceStable(scores, func(a, b int) bool { return scores[a].s > scores[b].s })
		out := make([]int, len(scores))
		for i, s := range scores {
			out[i] = s.i
		}
		return out
	}

	cos := ordering(MetricCosine)
	ip := ordering(MetricInnerProduct)
	euc := ordering(MetricEuclidean)

	for i := range cos {
		if cos[i] != ip[i] || cos[i] != euc[i] {
			t.Fatalf("orderings diverge: cosine=%v inner=%v euclidean=%v", cos, ip, euc)
		}
	}
}

func TestSearchInvalidArgs(t *testing.T) {
	e := NewEngine(embedding.NewMockService(4), logging.Nop())

	_, err := e.Search(context.Background(), "", unit(1, 0), []Candidate{{ID: "a", Vector: unit(1, 0)}}, 0, Options{})
	if !errors.Is(err, errors.ErrCodeInvalidArgument) {
		t.Errorf("k=0 should be INVALID_ARGUMENT, got %v", err)
	}

	_, err = e.Search(context.Background(), "", unit(1, 0), []Candidate{{ID: "a", Vector: unit(1, 0)}}, 1, Options{Metric: "chebyshev"})
	if !errors.Is(err, errors.ErrCodeInvalidArgument) {
		t.Errorf("unknown metric should be INVALID_ARGUMENT, got %v", err)
	}
}

func TestSearchTopK(t *testing.T) {
	e := NewEngine(embedding.NewMockService(4), logging.Nop())
	query := unit(1, 0, 0)
	candidates := []Candidate{
		{ID: "far", Vector: unit(0, 1, 0)},
		{ID: "near", Vector: unit(1, 0.1, 0)},
		{ID: "mid", Vector: unit(1, 1, 0)},
	}

	results, err := e.Search(context.Background(), "", query, candidates, 2, Options{Metric: MetricCosine})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "near" || results[1].ID != "mid" {
		t.Errorf("wrong order: %s, %s", results[0].ID, results[1].ID)
	}
}

// TestSimilarityFloor: with a floor of 0.7 and only 2 of 10 candidates
// above it, exactly those 2 come back even at k=10.
func TestSimilarityFloor(t *testing.T) {
	e := NewEngine(embedding.NewMockService(4), logging.Nop())
	query := unit(1, 0)

	candidates := make([]Candidate, 0, 10)
	// Two candidates close to the query: normalized cosine well above 0.7.
	candidates = append(candidates,
		Candidate{ID: "good-1", Vector: unit(1, 0.05)},
		Candidate{ID: "good-2", Vector: unit(1, 0.1)},
	)
	// Eight nearly-orthogonal candidates: normalized cosine ≈ 0.5.
	for i := 0; i < 8; i++ {
		candidates = append(candidates, Candidate{ID: "bad", Vector: unit(0, 1)})
	}

	results, err := e.Search(context.Background(), "", query, candidates, 10, Options{
		Metric: MetricCosine,
		Floor:  0.7,
	})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected exactly 2 results above the floor, got %d", len(results))
	}
	for _, r := range results {
		if r.Score < 0.7 {
			t.Errorf("result %s below floor: %f", r.ID, r.Score)
		}
	}
}

func TestSearchRerankOrdersByCrossEncoder(t *testing.T) {
	mock := embedding.NewMockService(8)
	e := NewEngine(mock, logging.Nop())

	// Vectors put "wrong" closest; the cross-encoder (word overlap in the
	// mock) must pull "right" to the front.
	query := unit(1, 0, 0)
	candidates := []Candidate{
		{ID: "wrong", Text: "completely unrelated content", Vector: unit(1, 0.01, 0)},
		{ID: "right", Text: "london weather today", Vector: unit(1, 0.5, 0)},
	}

	results, err := e.Search(context.Background(), "london weather", query, candidates, 1, Options{
		Metric:              MetricCosine,
		Rerank:              true,
		OvershootMultiplier: 2,
	})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != "right" {
		t.Errorf("reranker should promote the overlapping passage, got %+v", results)
	}
}

func TestSearchEmptyCandidates(t *testing.T) {
	e := NewEngine(embedding.NewMockService(4), logging.Nop())
	results, err := e.Search(context.Background(), "", unit(1, 0), nil, 5, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

func TestTextSearchFindsFuzzyMatch(t *testing.T) {
	candidates := []Candidate{
		{ID: "a", Text: "we talked about gardening tomatoes"},
		{ID: "b", Text: "the stock market crashed yesterday"},
	}

	results, err := TextSearch("gardening", candidates, 5, 0)
	if err != nil {
		t.Fatalf("text search failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one hit")
	}
	if results[0].ID != "a" {
		t.Errorf("expected candidate a first, got %s", results[0].ID)
	}
	if results[0].Score < 0 || results[0].Score >= 1 {
		t.Errorf("normalized score out of range: %f", results[0].Score)
	}
}

func TestTextSearchFloorExcludes(t *testing.T) {
	candidates := []Candidate{
		{ID: "a", Text: "brief note"},
	}
	// A floor of 0.99 is above anything the normalizer can produce.
	results, err := TextSearch("note", candidates, 5, 0.99)
	if err != nil {
		t.Fatalf("text search failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("floor should exclude all results, got %d", len(results))
	}
}
