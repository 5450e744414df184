package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/reveriehq/reverie/embedding"
	"github.com/reveriehq/reverie/errors"
	"github.com/reveriehq/reverie/logging"
	"github.com/reveriehq/reverie/search"
	"github.com/reveriehq/reverie/store"
)

const testDim = 8

func newTestBank(t *testing.T, cfg Config) (*Bank, *embedding.MockService, string) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "mem.db"), logging.Nop())
	if err != nil {
		t.Fatalf("store.New() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	clone, err := s.CreateClone(ctx, store.Clone{Name: "Ada"})
	if err != nil {
		t.Fatalf("CreateClone() error: %v", err)
	}
	conv, err := s.CreateConversation(ctx, store.Conversation{
		CloneID:        clone.ID,
		UserID:         "user-1",
		MemoryStrategy: store.MemoryLongTerm,
	})
	if err != nil {
		t.Fatalf("CreateConversation() error: %v", err)
	}

	mock := embedding.NewMockService(testDim)
	return NewBank(s, mock, cfg, logging.Nop()), mock, conv.ID
}

func newTestBankWith(t *testing.T, cfg Config, svc embedding.Service) (*Bank, string) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "mem.db"), logging.Nop())
	if err != nil {
		t.Fatalf("store.New() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	clone, err := s.CreateClone(ctx, store.Clone{Name: "Ada"})
	if err != nil {
		t.Fatalf("CreateClone() error: %v", err)
	}
	conv, err := s.CreateConversation(ctx, store.Conversation{
		CloneID:        clone.ID,
		UserID:         "user-1",
		MemoryStrategy: store.MemoryLongTerm,
	})
	if err != nil {
		t.Fatalf("CreateConversation() error: %v", err)
	}
	return NewBank(s, svc, cfg, logging.Nop()), conv.ID
}

// flakyService toggles encode failures while keeping the mock's rerank and
// dimension behavior.
type flakyService struct {
	*embedding.MockService
	failQuery   bool
	failPassage bool
}

func (f *flakyService) EncodeQuery(ctx context.Context, texts []string) ([][]float32, error) {
	if f.failQuery {
		return nil, errors.Internal("encoder offline")
	}
	return f.MockService.EncodeQuery(ctx, texts)
}

func (f *flakyService) EncodePassage(ctx context.Context, texts []string) ([][]float32, error) {
	if f.failPassage {
		return nil, errors.Internal("encoder offline")
	}
	return f.MockService.EncodePassage(ctx, texts)
}

func TestInsertAndRetrieve(t *testing.T) {
	b, mock, conv := newTestBank(t, Config{})
	ctx := context.Background()

	if _, err := b.Insert(ctx, conv, "the user trains for a marathon", 6); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	if _, err := b.Insert(ctx, conv, "the user dislikes cilantro", 2); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	query, err := mock.EncodeQuery(ctx, []string{"the user trains for a marathon"})
	if err != nil {
		t.Fatalf("EncodeQuery() error: %v", err)
	}
	got, err := b.Retrieve(ctx, conv, query[0], 1, time.Now())
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Content != "the user trains for a marathon" {
		t.Errorf("top memory = %q, want the marathon observation", got[0].Content)
	}
}

func TestRetrieveErrors(t *testing.T) {
	b, mock, conv := newTestBank(t, Config{})
	ctx := context.Background()
	query, _ := mock.EncodeQuery(ctx, []string{"anything"})

	if _, err := b.Retrieve(ctx, conv, query[0], 0, time.Now()); !errors.Is(err, errors.ErrCodeInvalidArgument) {
		t.Errorf("k=0 error = %v, want INVALID_ARGUMENT", err)
	}
	if _, err := b.Retrieve(ctx, conv, make([]float32, testDim+1), 3, time.Now()); !errors.Is(err, errors.ErrCodeInvalidArgument) {
		t.Errorf("dimension mismatch error = %v, want INVALID_ARGUMENT", err)
	}
	if _, err := b.Retrieve(ctx, "missing-conversation", query[0], 3, time.Now()); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("unknown conversation error = %v, want NOT_FOUND", err)
	}
}

// Recency strictly decreases as now advances without retrieval, and resets to
// maximum immediately after a retrieval bumps last_accessed_at.
func TestDecayMonotonicityAndResetOnAccess(t *testing.T) {
	b, mock, conv := newTestBank(t, Config{HalfLife: time.Hour})
	ctx := context.Background()

	m, err := b.Insert(ctx, conv, "a fixed observation", 5)
	if err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	query, _ := mock.EncodeQuery(ctx, []string{"a fixed observation"})

	prev := 2.0
	var checkpoints []time.Time
	for _, d := range []time.Duration{0, time.Hour, 3 * time.Hour, 12 * time.Hour} {
		checkpoints = append(checkpoints, m.CreatedAt.Add(d))
	}
	for i, now := range checkpoints {
		score := b.recencyScore(m.CreatedAt, now)
		if score >= prev {
			t.Errorf("recency at checkpoint %d = %v, want strictly below %v", i, score, prev)
		}
		prev = score
	}

	// Halving check: one half-life drops the score to exactly 0.5.
	if got := b.recencyScore(m.CreatedAt, m.CreatedAt.Add(time.Hour)); got != 0.5 {
		t.Errorf("recency after one half-life = %v, want 0.5", got)
	}

	// Retrieval at a late now bumps last_accessed_at, so a fresh scoring at
	// that same instant is back at the maximum.
	late := m.CreatedAt.Add(12 * time.Hour)
	got, err := b.Retrieve(ctx, conv, query[0], 1, late)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	again, err := b.Retrieve(ctx, conv, query[0], 1, late)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if again[0].Recency != 1 {
		t.Errorf("recency immediately after access = %v, want 1", again[0].Recency)
	}
}

func TestSimilarityFloorExcludesBeforeScoring(t *testing.T) {
	b, mock, conv := newTestBank(t, Config{
		Floor: 0.9,
		// Importance and recency alone must not rescue a floored candidate.
		Weights: Weights{Relevance: 0, Recency: 1, Importance: 1},
	})
	ctx := context.Background()

	mock.Pin("on topic", unitVec(0))
	mock.Pin("off topic", unitVec(1))
	if _, err := b.Insert(ctx, conv, "on topic", 1); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	if _, err := b.Insert(ctx, conv, "off topic", 10); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	got, err := b.Retrieve(ctx, conv, unitVec(0), 10, time.Now())
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(got) != 1 || got[0].Content != "on topic" {
		t.Errorf("results = %+v, want only the on-topic memory despite k=10", got)
	}
}

func TestCompositeWeighting(t *testing.T) {
	b, mock, conv := newTestBank(t, Config{
		Weights:  Weights{Relevance: 0, Recency: 0, Importance: 1},
		HalfLife: time.Hour,
	})
	ctx := context.Background()

	mock.Pin("minor detail", unitVec(0))
	mock.Pin("major revelation", unitVec(1))
	if _, err := b.Insert(ctx, conv, "minor detail", 1); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	if _, err := b.Insert(ctx, conv, "major revelation", 9); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	// Query aligned with the minor detail; importance-only weighting must
	// still rank the major revelation first.
	got, err := b.Retrieve(ctx, conv, unitVec(0), 2, time.Now())
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(got) != 2 || got[0].Content != "major revelation" {
		t.Errorf("order = %v, want importance to dominate", contents(got))
	}
}

func TestReflectionDepth(t *testing.T) {
	b, _, conv := newTestBank(t, Config{})
	ctx := context.Background()

	obs1, err := b.Insert(ctx, conv, "observation one", 4)
	if err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	obs2, err := b.Insert(ctx, conv, "observation two", 4)
	if err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	refl, err := b.InsertReflection(ctx, conv, "a pattern across both", 7,
		[]store.Memory{obs1, obs2})
	if err != nil {
		t.Fatalf("InsertReflection() error: %v", err)
	}
	if refl.Depth != 1 {
		t.Errorf("Depth = %d, want 1", refl.Depth)
	}

	second, err := b.InsertReflection(ctx, conv, "a pattern over patterns", 8,
		[]store.Memory{obs1, refl})
	if err != nil {
		t.Fatalf("InsertReflection() error: %v", err)
	}
	if second.Depth != 2 {
		t.Errorf("Depth = %d, want max(sources)+1 = 2", second.Depth)
	}

	if _, err := b.InsertReflection(ctx, conv, "unsourced", 5, nil); !errors.Is(err, errors.ErrCodeInvalidArgument) {
		t.Errorf("empty sources error = %v, want INVALID_ARGUMENT", err)
	}
}

func TestTieBreakByMostRecent(t *testing.T) {
	b, mock, conv := newTestBank(t, Config{
		Weights: Weights{Relevance: 1, Recency: 0, Importance: 0},
	})
	ctx := context.Background()

	// Identical embeddings and weights produce identical scores; the newer
	// memory must win the tie.
	mock.Pin("older twin", unitVec(2))
	mock.Pin("newer twin", unitVec(2))
	if _, err := b.Insert(ctx, conv, "older twin", 5); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := b.Insert(ctx, conv, "newer twin", 5); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	got, err := b.Retrieve(ctx, conv, unitVec(2), 2, time.Now())
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(got) != 2 || got[0].Content != "newer twin" {
		t.Errorf("order = %v, want the newer memory first on a tie", contents(got))
	}
}

func TestRetrieveByText(t *testing.T) {
	b, _, conv := newTestBank(t, Config{})
	ctx := context.Background()

	if _, err := b.Insert(ctx, conv, "the user plays chess on sundays", 5); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	got, err := b.RetrieveByText(ctx, conv, "the user plays chess on sundays", 1, time.Now())
	if err != nil {
		t.Fatalf("RetrieveByText() error: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("len = %d, want 1", len(got))
	}
}

// An embedder outage at insert time must not lose the observation: it is
// stored without a vector and stays reachable through text retrieval,
// ranking alongside embedded memories.
func TestInsertSurvivesEmbedderOutage(t *testing.T) {
	svc := &flakyService{MockService: embedding.NewMockService(testDim)}
	b, conv := newTestBankWith(t, Config{}, svc)
	ctx := context.Background()

	svc.failPassage = true
	mem, err := b.Insert(ctx, conv, "the user plays chess on sundays", 5)
	if err != nil {
		t.Fatalf("Insert() during outage error: %v", err)
	}
	if len(mem.Embedding) != 0 {
		t.Fatalf("Embedding len = %d, want 0 for text-only row", len(mem.Embedding))
	}

	svc.failPassage = false
	if _, err := b.Insert(ctx, conv, "the user trains for a marathon", 5); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	got, err := b.RetrieveByText(ctx, conv, "chess on sundays", 5, time.Now())
	if err != nil {
		t.Fatalf("RetrieveByText() error: %v", err)
	}
	found := false
	for _, m := range got {
		if m.Content == "the user plays chess on sundays" {
			found = true
			if m.Relevance <= 0 {
				t.Errorf("text-only memory relevance = %v, want > 0", m.Relevance)
			}
		}
	}
	if !found {
		t.Errorf("text-only memory missing from results: %v", contents(got))
	}
}

// When the query itself cannot be embedded, retrieval degrades to full-text
// matching instead of failing.
func TestRetrieveByTextFallsBackWhenQueryEmbedFails(t *testing.T) {
	svc := &flakyService{MockService: embedding.NewMockService(testDim)}
	b, conv := newTestBankWith(t, Config{}, svc)
	ctx := context.Background()

	if _, err := b.Insert(ctx, conv, "the user trains for a marathon", 5); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	if _, err := b.Insert(ctx, conv, "the user dislikes cilantro", 5); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	svc.failQuery = true
	got, err := b.RetrieveByText(ctx, conv, "marathon", 5, time.Now())
	if err != nil {
		t.Fatalf("RetrieveByText() during outage error: %v", err)
	}
	if len(got) != 1 || got[0].Content != "the user trains for a marathon" {
		t.Errorf("results = %v, want only the marathon memory", contents(got))
	}
}

func TestMetricChoiceDoesNotChangeOrder(t *testing.T) {
	for _, metric := range []search.Metric{search.MetricCosine, search.MetricInnerProduct, search.MetricEuclidean} {
		t.Run(string(metric), func(t *testing.T) {
			b, mock, conv := newTestBank(t, Config{
				Metric:  metric,
				Weights: Weights{Relevance: 1, Recency: 0, Importance: 0},
			})
			ctx := context.Background()

			if _, err := b.Insert(ctx, conv, "close match target", 5); err != nil {
				t.Fatalf("Insert() error: %v", err)
			}
			if _, err := b.Insert(ctx, conv, "something else entirely", 5); err != nil {
				t.Fatalf("Insert() error: %v", err)
			}

			query, _ := mock.EncodeQuery(ctx, []string{"close match target"})
			got, err := b.Retrieve(ctx, conv, query[0], 2, time.Now())
			if err != nil {
				t.Fatalf("Retrieve() error: %v", err)
			}
			if len(got) != 2 || got[0].Content != "close match target" {
				t.Errorf("order under %s = %v, want the close match first", metric, contents(got))
			}
		})
	}
}

func unitVec(axis int) []float32 {
	v := make([]float32, testDim)
	v[axis] = 1
	return v
}

func contents(ms []Scored) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Content
	}
	return out
}
