package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
)

// StaticProvider is a deterministic in-process Provider used in tests and
// offline runs. Registered texts return their fixed vectors; anything else
// gets a normalized vector derived from a hash of the text, so equal texts
// always embed identically.
type StaticProvider struct {
	mu      sync.Mutex
	dim     int
	fixed   map[string][]float32
	failErr error
	calls   int
}

func NewStaticProvider(dim int) *StaticProvider {
	return &StaticProvider{dim: dim, fixed: make(map[string][]float32)}
}

// Register pins the vector returned for an exact text.
func (p *StaticProvider) Register(text string, vec []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fixed[text] = vec
}

// Fail makes every subsequent Embed call return err (nil restores normal
// operation).
func (p *StaticProvider) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failErr = err
}

// Calls reports how many Embed calls were made.
func (p *StaticProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *StaticProvider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failErr != nil {
		return nil, p.failErr
	}
	if vec, ok := p.fixed[text]; ok {
		return vec, nil
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, p.dim)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed>>11))/float64(1<<52) - 1
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

func (p *StaticProvider) Dimensions() int {
	return p.dim
}
