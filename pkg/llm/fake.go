package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
)

// FakeEmbedder is a deterministic embedder for tests. It hashes input text
// with SHA-256 and uses the hash as a seed to generate reproducible,
// L2-normalized vectors, so the same text always yields the same vector
// without any network call.
type FakeEmbedder struct {
	dim int
}

// NewFakeEmbedder returns a FakeEmbedder producing vectors of dimension.
func NewFakeEmbedder(dimension int) *FakeEmbedder {
	return &FakeEmbedder{dim: dimension}
}

// Embed returns a deterministic, unit-normalized vector for text.
func (f *FakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	hash := sha256.Sum256([]byte(text))
	//nolint:gosec // overflow is acceptable for seeding a non-crypto RNG
	seed := int64(binary.LittleEndian.Uint64(hash[:8]))
	//nolint:gosec // deterministic RNG is intentional for fake embeddings
	rng := rand.New(rand.NewSource(seed))

	vec := make([]float32, f.dim)
	var norm float64
	for i := range vec {
		v := rng.Float32()*2 - 1 // [-1, 1]
		vec[i] = v
		norm += float64(v) * float64(v)
	}

	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec, nil
}

// EmbedBatch returns deterministic embeddings for each input text.
func (f *FakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	result := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		result[i] = vec
	}
	return result, nil
}

// Dimensions returns the configured vector length.
func (f *FakeEmbedder) Dimensions() int { return f.dim }

// FakeDescriber returns the document unchanged, so the describer path runs
// in tests without depending on an LLM.
type FakeDescriber struct{}

// Describe implements Describer.
func (FakeDescriber) Describe(_ context.Context, document string) (string, error) {
	return document, nil
}

// FakeVision returns a fixed caption derived from the payload size, so
// tests can assert Vision ran without decoding real images.
type FakeVision struct{}

// Describe implements Vision.
func (FakeVision) Describe(_ context.Context, imageBytes []byte, mime string) (string, error) {
	return fmt.Sprintf("image (%s, %d bytes)", mime, len(imageBytes)), nil
}
