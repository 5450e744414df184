package search

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"

	"github.com/reveriehq/reverie/errors"
)

// textDocument is the shape indexed for the text fallback.
type textDocument struct {
	Text string `json:"text"`
}

// TextSearch ranks candidates against a plain-text query using a throwaway
// in-memory full-text index with fuzzy matching. This is the path for short
// queries and freshly ingested content that has no embedding yet.
//
// Scores are normalized to [0,1] and candidates under floor are excluded
// regardless of rank; fewer than k results is acceptable.
func TextSearch(queryText string, candidates []Candidate, k int, floor float64) ([]Result, error) {
	if k < 1 {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "k must be >= 1, got %d", k)
	}
	if queryText == "" || len(candidates) == 0 {
		return nil, nil
	}

	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, errors.Internal("failed to create text index", errors.WithCause(err))
	}
	defer index.Close()

	byID := make(map[string]Candidate, len(candidates))
	batch := index.NewBatch()
	for i, c := range candidates {
		id := c.ID
		if id == "" {
			id = fmt.Sprintf("cand-%d", i)
		}
		byID[id] = c
		if err := batch.Index(id, textDocument{Text: c.Text}); err != nil {
			return nil, errors.Internal("failed to index candidate", errors.WithCause(err))
		}
	}
	if err := index.Batch(batch); err != nil {
		return nil, errors.Internal("failed to build text index", errors.WithCause(err))
	}

	match := bleve.NewMatchQuery(queryText)
	match.SetField("text")
	match.SetFuzziness(1)

	req := bleve.NewSearchRequest(match)
	req.Size = len(candidates)

	res, err := index.Search(req)
	if err != nil {
		return nil, errors.Internal("text search failed", errors.WithCause(err))
	}

	var results []Result
	for _, hit := range res.Hits {
		c, ok := byID[hit.ID]
		if !ok {
			continue
		}
		score := normalizeTextScore(hit.Score)
		if score < floor {
			continue
		}
		results = append(results, Result{Candidate: c, Score: score})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// normalizeTextScore squashes BM25 scores (which can exceed 1) into [0,1).
func normalizeTextScore(score float64) float64 {
	if score <= 0 {
		return 0
	}
	return score / (1 + score)
}
