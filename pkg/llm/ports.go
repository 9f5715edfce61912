// Package llm defines the narrow ports the Indexer and ResultProcessor use
// to reach an external language-model provider, plus OpenAI-backed
// implementations and a deterministic fake for offline tests.
package llm

import "context"

// Embedder converts text into fixed-dimensionality vectors.
type Embedder interface {
	// Embed returns the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one embedding per input text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions reports the fixed vector length this Embedder produces.
	Dimensions() int
}

// Describer turns a raw tool description document into a polished,
// bounded-length natural-language description.
type Describer interface {
	Describe(ctx context.Context, document string) (string, error)
}

// Vision produces a caption for an image payload.
type Vision interface {
	Describe(ctx context.Context, imageBytes []byte, mime string) (string, error)
}
