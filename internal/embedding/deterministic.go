package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// Deterministic is a hash-based embedder with no external dependency,
// useful for tests and offline development: identical text always
// produces the identical vector.
type Deterministic struct {
	dim       int
	normalize bool
	seed      uint64
}

// NewDeterministic constructs a deterministic embedder of the given
// dimension. If normalize is true, vectors are scaled to unit length.
func NewDeterministic(dim int, normalize bool, seed uint64) *Deterministic {
	if dim <= 0 {
		dim = 64
	}
	return &Deterministic{dim: dim, normalize: normalize, seed: seed}
}

func (d *Deterministic) Dimensions() int { return d.dim }

func (d *Deterministic) CheckConnection(ctx context.Context) error { return nil }

func (d *Deterministic) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return d.embedOne(text), nil
}

func (d *Deterministic) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = d.embedOne(t)
	}
	return out, nil
}

// embedOne hashes overlapping 3-grams of text into a fixed-size vector,
// the same trigram-hashing scheme the pack's own deterministic embedder
// uses for its tests.
func (d *Deterministic) embedOne(text string) []float32 {
	v := make([]float32, d.dim)
	b := []byte(text)
	if len(b) == 0 {
		return v
	}
	if len(b) < 3 {
		addGram(d.seed, b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			addGram(d.seed, b[i:i+3], v)
		}
	}
	if d.normalize {
		normalizeInPlace(v)
	}
	return v
}

func addGram(seed uint64, gram []byte, v []float32) {
	h := fnv.New64a()
	if seed != 0 {
		var tmp [8]byte
		for i := 0; i < 8; i++ {
			tmp[i] = byte(seed >> (8 * i))
		}
		_, _ = h.Write(tmp[:])
	}
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	weight := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += weight
}

func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

var _ Provider = (*Deterministic)(nil)
