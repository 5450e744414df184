// Package memory is the record of atomic observations and reflections for a
// conversation. It persists memories with importance ratings and retrieves
// them under a composite score of relevance, recency, and importance, bumping
// last_accessed_at for everything it surfaces.
package memory

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/reveriehq/reverie/embedding"
	"github.com/reveriehq/reverie/errors"
	"github.com/reveriehq/reverie/logging"
	"github.com/reveriehq/reverie/retry"
	"github.com/reveriehq/reverie/search"
	"github.com/reveriehq/reverie/store"
)

// Weights holds the relative weight of each scoring term. They need not sum
// to one; scoring normalizes by the total.
type Weights struct {
	Relevance  float64
	Recency    float64
	Importance float64
}

// DefaultWeights weighs the three terms equally.
func DefaultWeights() Weights {
	return Weights{Relevance: 1, Recency: 1, Importance: 1}
}

// MaxImportance is the upper bound of the importance scale.
const MaxImportance = 10.0

// DefaultHalfLife is the recency decay half-life used when none is
// configured.
const DefaultHalfLife = 24 * time.Hour

// Config tunes retrieval scoring.
type Config struct {
	Weights  Weights
	HalfLife time.Duration
	Metric   search.Metric
	// Floor excludes candidates whose normalized relevance falls below it,
	// regardless of how few candidates remain.
	Floor float64
}

func (c Config) withDefaults() Config {
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights()
	}
	if c.HalfLife <= 0 {
		c.HalfLife = DefaultHalfLife
	}
	if c.Metric == "" {
		c.Metric = search.MetricInnerProduct
	}
	return c
}

// Scored is a retrieved memory with its composite score and the three terms
// that produced it.
type Scored struct {
	store.Memory
	Score      float64
	Relevance  float64
	Recency    float64
	Importance float64
}

// Bank persists and retrieves memories for conversations.
type Bank struct {
	store    *store.Store
	embedder embedding.Service
	cfg      Config
	log      *logging.Logger
}

// NewBank creates a Bank over the given store and embedder.
func NewBank(s *store.Store, embedder embedding.Service, cfg Config, log *logging.Logger) *Bank {
	if log == nil {
		log = logging.Nop()
	}
	return &Bank{
		store:    s,
		embedder: embedder,
		cfg:      cfg.withDefaults(),
		log:      log.WithComponent("memory"),
	}
}

// Insert encodes content as a passage and persists a depth-0 observation.
func (b *Bank) Insert(ctx context.Context, conversationID, content string, importance float64) (store.Memory, error) {
	return b.insert(ctx, conversationID, content, importance, 0, nil)
}

// InsertReflection persists a synthesized memory one depth level above its
// sources.
func (b *Bank) InsertReflection(ctx context.Context, conversationID, content string, importance float64, sources []store.Memory) (store.Memory, error) {
	if len(sources) == 0 {
		return store.Memory{}, errors.InvalidArgument("reflection requires at least one source",
			errors.WithConversation(conversationID))
	}
	depth := 0
	ids := make([]string, len(sources))
	for i, src := range sources {
		if src.Depth > depth {
			depth = src.Depth
		}
		ids[i] = src.ID
	}
	return b.insert(ctx, conversationID, content, importance, depth+1, ids)
}

func (b *Bank) insert(ctx context.Context, conversationID, content string, importance float64, depth int, sourceIDs []string) (store.Memory, error) {
	var emb []float32
	vec, err := retry.DoValue(ctx, retry.Embedding, func(ctx context.Context) ([][]float32, error) {
		return b.embedder.EncodePassage(ctx, []string{content})
	})
	switch {
	case err != nil:
		// The observation is worth more than its vector: store it
		// without one and let text retrieval reach it.
		b.log.Warn("embedding failed, storing memory for text retrieval only", map[string]interface{}{
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
	case len(vec) != 1:
		return store.Memory{}, errors.UpstreamMalformed("embedder returned wrong batch size",
			errors.WithConversation(conversationID))
	default:
		emb = vec[0]
	}
	return b.store.InsertMemory(ctx, store.Memory{
		ConversationID: conversationID,
		Content:        content,
		Embedding:      emb,
		Importance:     importance,
		Depth:          depth,
		SourceIDs:      sourceIDs,
	})
}

// Retrieve returns the top k memories of a conversation under the composite
// score at time now, and bumps last_accessed_at of everything it returns.
func (b *Bank) Retrieve(ctx context.Context, conversationID string, queryVec []float32, k int, now time.Time) ([]Scored, error) {
	if k < 1 {
		return nil, errors.InvalidArgument("k must be >= 1",
			errors.WithConversation(conversationID))
	}
	if dim := b.embedder.Dimension(); dim > 0 && len(queryVec) != dim {
		return nil, errors.InvalidArgument("query embedding dimension mismatch",
			errors.WithConversation(conversationID))
	}
	// Existence check gives NOT_FOUND rather than an empty result for an
	// unknown conversation.
	if _, err := b.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	candidates, err := b.store.ListMemories(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	relevance, err := b.vectorRelevance(queryVec, candidates)
	if err != nil {
		return nil, err
	}
	return b.rank(ctx, candidates, relevance, k, now)
}

// RetrieveByText encodes the query text and retrieves against it. Memories
// stored without an embedding are ranked by full-text match instead, and if
// the query itself cannot be embedded the whole retrieval degrades to text
// matching rather than failing the turn.
func (b *Bank) RetrieveByText(ctx context.Context, conversationID, queryText string, k int, now time.Time) ([]Scored, error) {
	if k < 1 {
		return nil, errors.InvalidArgument("k must be >= 1",
			errors.WithConversation(conversationID))
	}
	if _, err := b.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	candidates, err := b.store.ListMemories(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	vecs, err := retry.DoValue(ctx, retry.Embedding, func(ctx context.Context) ([][]float32, error) {
		return b.embedder.EncodeQuery(ctx, []string{queryText})
	})
	if err != nil {
		b.log.Warn("query embedding failed, ranking by text match", map[string]interface{}{
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
		return b.rank(ctx, candidates, b.textRelevance(queryText, candidates), k, now)
	}
	if len(vecs) != 1 {
		return nil, errors.UpstreamMalformed("embedder returned wrong batch size",
			errors.WithConversation(conversationID))
	}

	relevance, err := b.vectorRelevance(vecs[0], candidates)
	if err != nil {
		return nil, err
	}
	var textOnly []store.Memory
	for _, m := range candidates {
		if len(m.Embedding) == 0 {
			textOnly = append(textOnly, m)
		}
	}
	for id, s := range b.textRelevance(queryText, textOnly) {
		relevance[id] = s
	}
	return b.rank(ctx, candidates, relevance, k, now)
}

// vectorRelevance scores embedded candidates against the query vector,
// dropping those under the floor. Candidates without an embedding are left
// out; text retrieval is their path.
func (b *Bank) vectorRelevance(queryVec []float32, candidates []store.Memory) (map[string]float64, error) {
	relevance := make(map[string]float64, len(candidates))
	for _, m := range candidates {
		if len(m.Embedding) == 0 {
			continue
		}
		s, err := search.Score(b.cfg.Metric, queryVec, m.Embedding)
		if err != nil {
			return nil, err
		}
		if s < b.cfg.Floor {
			continue
		}
		relevance[m.ID] = s
	}
	return relevance, nil
}

// textRelevance scores candidates by full-text match against the query. A
// candidate the text index does not match gets no relevance at all, same as
// falling under the floor.
func (b *Bank) textRelevance(queryText string, candidates []store.Memory) map[string]float64 {
	if len(candidates) == 0 {
		return nil
	}
	cands := make([]search.Candidate, len(candidates))
	for i, m := range candidates {
		cands[i] = search.Candidate{ID: m.ID, Text: m.Content}
	}
	results, err := search.TextSearch(queryText, cands, len(cands), b.cfg.Floor)
	if err != nil {
		b.log.Warn("text relevance failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	relevance := make(map[string]float64, len(results))
	for _, r := range results {
		relevance[r.ID] = r.Score
	}
	return relevance
}

// rank applies the composite score to every candidate with a relevance,
// returns the top k, and bumps last_accessed_at of everything returned.
func (b *Bank) rank(ctx context.Context, candidates []store.Memory, relevance map[string]float64, k int, now time.Time) ([]Scored, error) {
	scored := make([]Scored, 0, len(relevance))
	for _, m := range candidates {
		rel, ok := relevance[m.ID]
		if !ok {
			continue
		}
		recency := b.recencyScore(m.LastAccessedAt, now)
		importance := m.Importance / MaxImportance
		scored = append(scored, Scored{
			Memory:     m,
			Relevance:  rel,
			Recency:    recency,
			Importance: importance,
			Score:      b.composite(rel, recency, importance),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].CreatedAt.After(scored[j].CreatedAt)
	})
	if len(scored) > k {
		scored = scored[:k]
	}

	ids := make([]string, len(scored))
	for i, m := range scored {
		ids[i] = m.ID
	}
	if err := b.store.TouchMemories(ctx, ids, now); err != nil {
		return nil, err
	}
	return scored, nil
}

// recencyScore decays exponentially in time since last access, halving every
// HalfLife. A memory accessed at or after now scores 1.
func (b *Bank) recencyScore(lastAccessed, now time.Time) float64 {
	elapsed := now.Sub(lastAccessed)
	if elapsed <= 0 {
		return 1
	}
	return math.Exp2(-elapsed.Hours() / b.cfg.HalfLife.Hours())
}

func (b *Bank) composite(relevance, recency, importance float64) float64 {
	w := b.cfg.Weights
	total := w.Relevance + w.Recency + w.Importance
	if total <= 0 {
		return 0
	}
	return (w.Relevance*relevance + w.Recency*recency + w.Importance*importance) / total
}
