// Package search ranks candidate records against a query by vector distance
// or, as a fallback for content without embeddings, by fuzzy text match.
// All metrics are normalized onto one higher-is-better [0,1] scale before
// scores reach the memory scorer.
package search

import (
	"math"

	"github.com/reveriehq/reverie/errors"
)

// Metric selects the vector distance function.
type Metric string

const (
	// MetricCosine scores by cosine similarity, raw range [-1,1].
	MetricCosine Metric = "cosine"

	// MetricInnerProduct scores by dot product. Equivalent to cosine for
	// unit-normalized vectors, which the embedding service produces at
	// encode time, making this the fast-path default.
	MetricInnerProduct Metric = "inner_product"

	// MetricEuclidean scores by L2 distance, raw range [0,∞), lower=better.
	MetricEuclidean Metric = "euclidean"
)

// Valid reports whether m names a supported metric.
func (m Metric) Valid() bool {
	switch m {
	case MetricCosine, MetricInnerProduct, MetricEuclidean:
		return true
	}
	return false
}

// rawScore computes the metric's native value for a vector pair.
func rawScore(m Metric, a, b []float32) float64 {
	switch m {
	case MetricCosine:
		return cosine(a, b)
	case MetricInnerProduct:
		return dot(a, b)
	case MetricEuclidean:
		return euclidean(a, b)
	default:
		return 0
	}
}

// Normalize maps a raw metric value onto [0,1], higher is better.
//
// Cosine and inner product (on unit vectors) map linearly from [-1,1];
// euclidean maps through 1/(1+d). For unit vectors d² = 2−2·cos, so all
// three normalizations preserve the same candidate ordering.
func Normalize(m Metric, raw float64) float64 {
	switch m {
	case MetricCosine, MetricInnerProduct:
		s := (raw + 1) / 2
		if s < 0 {
			return 0
		}
		if s > 1 {
			return 1
		}
		return s
	case MetricEuclidean:
		return 1 / (1 + raw)
	default:
		return 0
	}
}

// Score computes the normalized higher-is-better similarity of a vector
// pair under the given metric. Fails when dimensions differ.
func Score(m Metric, a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, errors.Newf(errors.ErrCodeInvalidArgument,
			"embedding dimension mismatch: %d vs %d", len(a), len(b))
	}
	return Normalize(m, rawScore(m, a, b)), nil
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func cosine(a, b []float32) float64 {
	var d, na, nb float64
	for i := range a {
		d += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return d / (math.Sqrt(na) * math.Sqrt(nb))
}

func euclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
