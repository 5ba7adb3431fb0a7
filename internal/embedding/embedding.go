// Package embedding turns message text into fixed-length vectors for
// semantic matching.
package embedding

import (
	"context"
	"math"
)

// Provider generates a vector embedding for a single text. Implementations
// block; callers impose their own timeout through ctx.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the dimensionality of produced vectors.
	Dimensions() int
}

// CosineSimilarity returns the cosine similarity between two vectors, in
// [-1, 1]. Mismatched or zero-length vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
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
