package reflect

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/reveriehq/reverie/embedding"
	"github.com/reveriehq/reverie/errors"
	"github.com/reveriehq/reverie/llm"
	"github.com/reveriehq/reverie/logging"
	"github.com/reveriehq/reverie/memory"
	"github.com/reveriehq/reverie/store"
)

func newTestEngine(t *testing.T, provider llm.Provider, cfg Config) (*Engine, *memory.Bank, string) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "reflect.db"), logging.Nop())
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

	bank := memory.NewBank(s, embedding.NewMockService(8), memory.Config{}, logging.Nop())
	engine := NewEngine(bank, provider, llm.FixedImportance{Value: 5}, cfg, logging.Nop())
	return engine, bank, conv.ID
}

func TestBelowThresholdDoesNotReflect(t *testing.T) {
	provider := llm.NewScriptedProvider()
	e, bank, conv := newTestEngine(t, provider, Config{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := bank.Insert(ctx, conv, fmt.Sprintf("observation %d", i), 4); err != nil {
			t.Fatalf("Insert() error: %v", err)
		}
		e.Record(conv, 4)
	}

	n, err := e.MaybeReflect(ctx, conv)
	if err != nil {
		t.Fatalf("MaybeReflect() error: %v", err)
	}
	if n != 0 {
		t.Errorf("reflections = %d, want 0 at accumulated 16 < 20", n)
	}
	if provider.CallCount() != 0 {
		t.Errorf("provider called %d times below threshold", provider.CallCount())
	}
}

// floor((N x I) / threshold) reflections: 60 memories at importance 4 with
// threshold 20 produce exactly 12.
func TestThresholdCorrectness(t *testing.T) {
	provider := llm.NewScriptedProvider()
	provider.Enqueue("the conversation keeps circling back to ambition")
	e, bank, conv := newTestEngine(t, provider, Config{})
	ctx := context.Background()

	reflections := 0
	for i := 0; i < 60; i++ {
		if _, err := bank.Insert(ctx, conv, fmt.Sprintf("observation %d", i), 4); err != nil {
			t.Fatalf("Insert() error: %v", err)
		}
		e.Record(conv, 4)
		n, err := e.MaybeReflect(ctx, conv)
		if err != nil {
			t.Fatalf("MaybeReflect() at message %d error: %v", i, err)
		}
		reflections += n
	}

	if reflections != 12 {
		t.Errorf("reflections = %d, want 12", reflections)
	}
	if got := e.Accumulated(conv); got != 0 {
		t.Errorf("accumulator after final reflection = %v, want 0", got)
	}
}

func TestReflectionDepthAndSources(t *testing.T) {
	provider := llm.NewScriptedProvider()
	provider.Enqueue("a single distilled insight")
	e, bank, conv := newTestEngine(t, provider, Config{Threshold: 8})
	ctx := context.Background()

	if _, err := bank.Insert(ctx, conv, "first observation", 4); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	if _, err := bank.Insert(ctx, conv, "second observation", 4); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	e.Record(conv, 8)

	n, err := e.MaybeReflect(ctx, conv)
	if err != nil {
		t.Fatalf("MaybeReflect() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("reflections = %d, want 1", n)
	}

	var reflection *store.Memory
	all, err := bank.Retrieve(ctx, conv, make([]float32, 8), 10, time.Now())
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	for i := range all {
		if all[i].Depth == 1 {
			reflection = &all[i].Memory
		}
	}
	if reflection == nil {
		t.Fatal("no depth-1 memory found")
	}
	if reflection.Content != "a single distilled insight" {
		t.Errorf("Content = %q", reflection.Content)
	}
}

// A failed synthesis skips the reflection but carries the accumulator, so the
// next check retries with the same budget.
func TestFailureCarriesAccumulator(t *testing.T) {
	provider := llm.NewScriptedProvider()
	provider.Enqueue("an insight, eventually")
	// Two enrichment attempts per synthesis; three failures exhaust the
	// first MaybeReflect and leave one failure for the second.
	provider.FailNext(3, errors.UpstreamTransient("upstream down"))

	e, bank, conv := newTestEngine(t, provider, Config{Threshold: 4})
	ctx := context.Background()

	if _, err := bank.Insert(ctx, conv, "an observation", 4); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	e.Record(conv, 4)

	if _, err := e.MaybeReflect(ctx, conv); err == nil {
		t.Fatal("MaybeReflect() succeeded, want failure")
	}
	if got := e.Accumulated(conv); got != 4 {
		t.Fatalf("accumulator after failure = %v, want 4 (carried over)", got)
	}

	n, err := e.MaybeReflect(ctx, conv)
	if err != nil {
		t.Fatalf("MaybeReflect() retry error: %v", err)
	}
	if n != 1 {
		t.Errorf("reflections = %d, want 1 on retry", n)
	}
	if got := e.Accumulated(conv); got != 0 {
		t.Errorf("accumulator after success = %v, want 0", got)
	}
}

func TestParseStatements(t *testing.T) {
	got, err := parseStatements("- first insight\n2. second insight\n\n* third insight\n")
	if err != nil {
		t.Fatalf("parseStatements() error: %v", err)
	}
	want := []string{"first insight", "second insight", "third insight"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("statement %d = %q, want %q", i, got[i], want[i])
		}
	}

	if _, err := parseStatements("  \n \n"); !errors.IsMalformed(err) {
		t.Errorf("empty output error = %v, want UPSTREAM_MALFORMED", err)
	}
}

func TestParseStatementsKeepsLeadingNumbers(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"3 siblings live in Lisbon", "3 siblings live in Lisbon"},
		{"3. moved to Lisbon in 2019", "moved to Lisbon in 2019"},
		{"10) the bakery opens at dawn", "the bakery opens at dawn"},
		{"- 2. nested marker", "nested marker"},
		{"3.5 hours is the user's usual commute", "3.5 hours is the user's usual commute"},
		{"1984 was the user's favorite novel", "1984 was the user's favorite novel"},
	}
	for _, c := range cases {
		got, err := parseStatements(c.in)
		if err != nil {
			t.Fatalf("parseStatements(%q) error: %v", c.in, err)
		}
		if len(got) != 1 || got[0] != c.want {
			t.Errorf("parseStatements(%q) = %v, want [%q]", c.in, got, c.want)
		}
	}
}
