// Package docstore indexes already-chunked document passages per owner and
// retrieves them by vector similarity for the internal-document information
// strategy. Chunking and ingestion pipelines live outside this engine.
package docstore

import (
	"context"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/reveriehq/reverie/embedding"
	"github.com/reveriehq/reverie/errors"
	"github.com/reveriehq/reverie/logging"
	"github.com/reveriehq/reverie/retry"
	"github.com/reveriehq/reverie/search"
)

// Passage is one pre-chunked span of a source document.
type Passage struct {
	ID      string
	Source  string
	Content string
}

// Hit is a retrieved passage with its normalized relevance score.
type Hit struct {
	Passage
	Score float64
}

// overshootMultiplier scales the vector fetch before the cross-encoder
// trims back to k.
const overshootMultiplier = 3

// Store holds per-owner passage collections. An owner is whatever scope the
// caller indexes under, typically a clone ID.
type Store struct {
	db       *chromem.DB
	embedder embedding.Service
	ranker   *search.Engine
	floor    float64
	log      *logging.Logger

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// New creates a passage store. Floor excludes passages whose normalized
// similarity falls below it.
func New(embedder embedding.Service, floor float64, log *logging.Logger) *Store {
	if log == nil {
		log = logging.Nop()
	}
	return &Store{
		db:          chromem.NewDB(),
		embedder:    embedder,
		ranker:      search.NewEngine(embedder, log),
		floor:       floor,
		log:         log.WithComponent("docstore"),
		collections: make(map[string]*chromem.Collection),
	}
}

func (s *Store) collection(owner string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[owner]; ok {
		return col, nil
	}
	col, err := s.db.CreateCollection("owner_"+owner, nil, nil)
	if err != nil {
		return nil, errors.Internal("failed to create passage collection", errors.WithCause(err))
	}
	s.collections[owner] = col
	return col, nil
}

// AddPassages encodes and indexes passages under an owner. Passage IDs must
// be unique within the owner.
func (s *Store) AddPassages(ctx context.Context, owner string, passages []Passage) error {
	if len(passages) == 0 {
		return nil
	}
	col, err := s.collection(owner)
	if err != nil {
		return err
	}

	texts := make([]string, len(passages))
	for i, p := range passages {
		if p.ID == "" || p.Content == "" {
			return errors.InvalidArgument("passage id and content are required")
		}
		texts[i] = p.Content
	}

	vecs, err := retry.DoValue(ctx, retry.Embedding, func(ctx context.Context) ([][]float32, error) {
		return s.embedder.EncodePassage(ctx, texts)
	})
	if err != nil {
		return errors.Wrap(err, "failed to embed passages")
	}
	if len(vecs) != len(passages) {
		return errors.UpstreamMalformed("embedder returned wrong batch size")
	}

	for i, p := range passages {
		doc := chromem.Document{
			ID:        p.ID,
			Content:   p.Content,
			Embedding: vecs[i],
			Metadata:  map[string]string{"source": p.Source},
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return errors.Internal("failed to index passage", errors.WithCause(err))
		}
	}
	s.log.Debug("indexed passages", map[string]interface{}{
		"owner": owner,
		"count": len(passages),
	})
	return nil
}

// Search returns up to k passages for an owner, best first. The vector index
// over-fetches, then the cross-encoder decides the final order; re-rank
// failure degrades to the vector order. An owner with no passages yields an
// empty result, not an error.
func (s *Store) Search(ctx context.Context, owner, queryText string, k int) ([]Hit, error) {
	if k < 1 {
		return nil, errors.InvalidArgument("k must be >= 1")
	}
	col, err := s.collection(owner)
	if err != nil {
		return nil, err
	}
	// chromem rejects nResults above the collection size.
	fetch := k * overshootMultiplier
	if count := col.Count(); count < fetch {
		if count == 0 {
			return nil, nil
		}
		fetch = count
	}

	vecs, err := retry.DoValue(ctx, retry.Embedding, func(ctx context.Context) ([][]float32, error) {
		return s.embedder.EncodeQuery(ctx, []string{queryText})
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to embed query")
	}
	if len(vecs) != 1 {
		return nil, errors.UpstreamMalformed("embedder returned wrong batch size")
	}

	results, err := col.QueryEmbedding(ctx, vecs[0], fetch, nil, nil)
	if err != nil {
		return nil, errors.Internal("passage query failed", errors.WithCause(err))
	}

	sources := make(map[string]string, len(results))
	candidates := make([]search.Candidate, 0, len(results))
	for _, r := range results {
		sources[r.ID] = r.Metadata["source"]
		candidates = append(candidates, search.Candidate{
			ID:     r.ID,
			Text:   r.Content,
			Vector: r.Embedding,
		})
	}

	ranked, err := s.ranker.Search(ctx, queryText, vecs[0], candidates, k, search.Options{
		Metric:              search.MetricCosine,
		Floor:               s.floor,
		Rerank:              true,
		OvershootMultiplier: overshootMultiplier,
	})
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(ranked))
	for _, r := range ranked {
		hits = append(hits, Hit{
			Passage: Passage{
				ID:      r.ID,
				Source:  sources[r.ID],
				Content: r.Text,
			},
			Score: r.Score,
		})
	}
	return hits, nil
}
