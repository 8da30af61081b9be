// Package vector implements the semantic index: an approximate
// nearest-neighbour backend chosen at construction plus an exact
// fallback map that is always maintained in parallel.
package vector

import (
	"fmt"
	"math"
)

// Backend kinds selectable at construction.
const (
	BackendFlat  = "flat"
	BackendIVF   = "ivf"
	BackendHNSW  = "hnsw"
	BackendExact = "exact" // no approximate backend, exact fallback only
)

// ValidationError reports an invalid vector, most commonly a dimension
// mismatch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error (%s): %s", e.Field, e.Reason)
}

// Match is a single search result.
type Match struct {
	ID         string                 `json:"id"`
	Distance   float64                `json:"distance,omitempty"`   // L2, lower is closer
	Similarity float64                `json:"similarity,omitempty"` // cosine, higher is closer
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Backend is the approximate nearest-neighbour capability. Callers never
// branch on backend availability: the index consults Ready and serves
// from the exact fallback when the backend cannot answer.
type Backend interface {
	Name() string
	Add(id string, vec []float32) error
	Search(query []float32, k int) ([]Match, error)
	Ready() bool
	Reset()
	Count() int
}

// l2Distance returns the Euclidean distance between two vectors of equal
// length.
func l2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// cosineSimilarity returns the cosine similarity of two vectors, 0 when
// either has zero norm.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
