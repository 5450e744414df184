package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// MockService is a deterministic embedding service for tests. Vectors are a
// hashed bag-of-words, unit-normalized, so texts sharing words score higher
// cosine similarity than unrelated texts. Fixed vectors can be pinned per
// text for tests that need exact scores.
type MockService struct {
	dimension int
	fixed     map[string][]float32
}

// NewMockService creates a mock service with the given dimension.
func NewMockService(dimension int) *MockService {
	return &MockService{
		dimension: dimension,
		fixed:     make(map[string][]float32),
	}
}

// Pin fixes the vector returned for an exact text, overriding hashing.
// The vector is stored as given; pin unit vectors when testing metrics.
func (m *MockService) Pin(text string, vec []float32) {
	m.fixed[text] = vec
}

// EncodeQuery encodes texts deterministically.
func (m *MockService) EncodeQuery(ctx context.Context, texts []string) ([][]float32, error) {
	return m.encode(texts)
}

// EncodePassage encodes texts deterministically. The mock is symmetric:
// query and passage encodings coincide, which keeps tests simple.
func (m *MockService) EncodePassage(ctx context.Context, texts []string) ([][]float32, error) {
	return m.encode(texts)
}

func (m *MockService) encode(texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		if vec, ok := m.fixed[text]; ok {
			results[i] = vec
			continue
		}
		vec := make([]float32, m.dimension)
		for _, word := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			h.Write([]byte(word))
			vec[int(h.Sum32())%m.dimension] += 1
		}
		results[i] = normalize(vec)
	}
	return results, nil
}

// RerankScore scores passages by word overlap with the query, range [0,1].
func (m *MockService) RerankScore(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return []float64{}, nil
	}

	queryWords := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(query)) {
		queryWords[w] = true
	}

	scores := make([]float64, len(passages))
	for i, p := range passages {
		words := strings.Fields(strings.ToLower(p))
		if len(words) == 0 || len(queryWords) == 0 {
			continue
		}
		overlap := 0
		for _, w := range words {
			if queryWords[w] {
				overlap++
			}
		}
		scores[i] = float64(overlap) / math.Sqrt(float64(len(words))*float64(len(queryWords)))
	}
	return scores, nil
}

// IsNormalized reports true: hashed vectors are unit-normalized.
func (m *MockService) IsNormalized() bool {
	return true
}

// EncoderName identifies the mock.
func (m *MockService) EncoderName() string {
	return "mock"
}

// Dimension returns the configured dimension.
func (m *MockService) Dimension() int {
	return m.dimension
}
