// Package embedding defines the embedding-service port and its
// implementations: an OpenAI-compatible HTTP client, a caching decorator,
// and a deterministic mock for tests.
//
// Query and passage encodings are asymmetric (different model head or
// prefix) and must not be mixed: a query vector is only comparable to
// passage vectors, never to another query vector.
package embedding

import (
	"context"
)

// Mode selects which encoder head to use.
type Mode string

const (
	ModeQuery   Mode = "query"
	ModePassage Mode = "passage"
)

// Service is the embedding-service port. Implementations produce fixed-dim
// vectors; the deployed model determines the dimension.
type Service interface {
	// EncodeQuery encodes texts with the query head.
	EncodeQuery(ctx context.Context, texts []string) ([][]float32, error)

	// EncodePassage encodes texts with the passage head.
	EncodePassage(ctx context.Context, texts []string) ([][]float32, error)

	// RerankScore cross-encodes query against every passage independently
	// and returns one relevance score per passage, in input order. An empty
	// passage set returns an empty slice without calling the model.
	RerankScore(ctx context.Context, query string, passages []string) ([]float64, error)

	// IsNormalized reports whether produced vectors are unit-normalized.
	// When true, inner product equals cosine similarity and is the fast
	// path for retrieval.
	IsNormalized() bool

	// EncoderName identifies the deployed encoder model.
	EncoderName() string

	// Dimension returns the fixed output dimensionality.
	Dimension() int
}
