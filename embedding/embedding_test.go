package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reveriehq/reverie/errors"
)

func TestMockServiceDeterministic(t *testing.T) {
	m := NewMockService(64)
	ctx := context.Background()

	a, err := m.EncodeQuery(ctx, []string{"hello world"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	b, _ := m.EncodeQuery(ctx, []string{"hello world"})

	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatal("mock embedder must be deterministic")
		}
	}
	if len(a[0]) != 64 {
		t.Errorf("expected dimension 64, got %d", len(a[0]))
	}
}

func TestMockServiceVectorsAreUnit(t *testing.T) {
	m := NewMockService(32)
	vecs, _ := m.EncodePassage(context.Background(), []string{"the cat sat on the mat"})

	var sum float64
	for _, x := range vecs[0] {
		sum += float64(x) * float64(x)
	}
	if math.Abs(sum-1.0) > 1e-5 {
		t.Errorf("expected unit vector, norm²=%f", sum)
	}
}

func TestMockSimilarTextsScoreHigher(t *testing.T) {
	m := NewMockService(128)
	ctx := context.Background()

	vecs, _ := m.EncodeQuery(ctx, []string{
		"the weather in london",
		"london weather report",
		"quantum chromodynamics lattice",
	})

	related := dot(vecs[0], vecs[1])
	unrelated := dot(vecs[0], vecs[2])
	if related <= unrelated {
		t.Errorf("related texts should score higher: related=%f unrelated=%f", related, unrelated)
	}
}

func TestMockRerankEmptyPassages(t *testing.T) {
	m := NewMockService(16)
	scores, err := m.RerankScore(context.Background(), "anything", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scores) != 0 {
		t.Errorf("empty passage set must return empty scores, got %d", len(scores))
	}
}

func TestMockRerankOrdersByOverlap(t *testing.T) {
	m := NewMockService(16)
	scores, err := m.RerankScore(context.Background(), "red apples", []string{
		"red apples are sweet",
		"bananas are yellow",
	})
	if err != nil {
		t.Fatalf("rerank failed: %v", err)
	}
	if scores[0] <= scores[1] {
		t.Errorf("overlapping passage should score higher: %v", scores)
	}
}

func TestHTTPServiceEncode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)

		// Queries must arrive prefixed.
		if req.Input[0] != "query: hello" {
			t.Errorf("expected query prefix, got %q", req.Input[0])
		}

		resp := embedResponse{}
		resp.Data = append(resp.Data, struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}{Embedding: []float32{3, 4}, Index: 0})
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	svc := NewHTTPService(HTTPConfig{
		BaseURL:     srv.URL,
		Model:       "e5-test",
		Dimension:   2,
		QueryPrefix: "query: ",
		Normalize:   true,
		Timeout:     5 * time.Second,
	})

	vecs, err := svc.EncodeQuery(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	// {3,4} normalized -> {0.6, 0.8}
	if math.Abs(float64(vecs[0][0])-0.6) > 1e-6 || math.Abs(float64(vecs[0][1])-0.8) > 1e-6 {
		t.Errorf("expected normalized vector, got %v", vecs[0])
	}
}

func TestHTTPServiceDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := embedResponse{}
		resp.Data = append(resp.Data, struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}{Embedding: []float32{1, 2, 3}, Index: 0})
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	svc := NewHTTPService(HTTPConfig{BaseURL: srv.URL, Model: "m", Dimension: 2})
	_, err := svc.EncodePassage(context.Background(), []string{"x"})
	if !errors.Is(err, errors.ErrCodeUpstreamMalformed) {
		t.Errorf("expected UPSTREAM_MALFORMED, got %v", err)
	}
}

func TestHTTPService5xxIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	svc := NewHTTPService(HTTPConfig{BaseURL: srv.URL, Model: "m", Dimension: 2})
	_, err := svc.EncodeQuery(context.Background(), []string{"x"})
	if !errors.IsTransient(err) {
		t.Errorf("5xx should be transient, got %v", err)
	}
}

func TestHTTPServiceRerank(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rerank" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var resp rerankResponse
		resp.Results = append(resp.Results,
			struct {
				Index int     `json:"index"`
				Score float64 `json:"score"`
			}{Index: 1, Score: 0.9},
			struct {
				Index int     `json:"index"`
				Score float64 `json:"score"`
			}{Index: 0, Score: 0.2},
		)
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	svc := NewHTTPService(HTTPConfig{BaseURL: srv.URL, Model: "m", RerankModel: "ce", Dimension: 2})
	scores, err := svc.RerankScore(context.Background(), "q", []string{"a", "b"})
	if err != nil {
		t.Fatalf("rerank failed: %v", err)
	}
	// Scores must land in input order regardless of response order.
	if scores[0] != 0.2 || scores[1] != 0.9 {
		t.Errorf("scores misordered: %v", scores)
	}
}

func TestCachedServiceHitsCache(t *testing.T) {
	var calls int32
	inner := &countingService{MockService: NewMockService(32), calls: &calls}

	cached, err := NewCachedService(inner, 100)
	if err != nil {
		t.Fatalf("cache setup failed: %v", err)
	}
	defer cached.Close()

	ctx := context.Background()
	if _, err := cached.EncodeQuery(ctx, []string{"repeat me"}); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	// Ristretto admits asynchronously; wait for the entry to land.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		before := atomic.LoadInt32(&calls)
		if _, err := cached.EncodeQuery(ctx, []string{"repeat me"}); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if atomic.LoadInt32(&calls) == before {
			return // served from cache
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("repeated encode never hit the cache")
}

type countingService struct {
	*MockService
	calls *int32
}

func (c *countingService) EncodeQuery(ctx context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt32(c.calls, 1)
	return c.MockService.EncodeQuery(ctx, texts)
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
