package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"dimension mismatch", []float32{1, 0}, []float32{1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestStaticProviderDeterministic(t *testing.T) {
	p := NewStaticProvider(8)
	ctx := context.Background()

	a, err := p.Embed(ctx, "some question")
	require.NoError(t, err)
	b, err := p.Embed(ctx, "some question")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 8)

	c, err := p.Embed(ctx, "a different question")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestStaticProviderFail(t *testing.T) {
	p := NewStaticProvider(4)
	boom := errors.New("down")
	p.Fail(boom)

	_, err := p.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, boom)

	p.Fail(nil)
	_, err = p.Embed(context.Background(), "text")
	assert.NoError(t, err)
	assert.Equal(t, 2, p.Calls())
}

func TestCachingProvider(t *testing.T) {
	inner := NewStaticProvider(4)
	cached := NewCachingProvider(inner, 2)
	ctx := context.Background()

	first, err := cached.Embed(ctx, "alpha")
	require.NoError(t, err)
	second, err := cached.Embed(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.Calls(), "repeat text served from cache")

	// Fill past capacity; the oldest entry is evicted and refetched.
	_, err = cached.Embed(ctx, "beta")
	require.NoError(t, err)
	_, err = cached.Embed(ctx, "gamma")
	require.NoError(t, err)
	_, err = cached.Embed(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 4, inner.Calls())
}
