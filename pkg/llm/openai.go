package llm

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/milkymap/pulsar-mcp/pkg/pkgerrors"
)

func base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// OpenAIEmbedder implements Embedder against the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client     openai.Client
	model      string
	dimensions int
}

// NewOpenAIEmbedder returns an Embedder using model, truncating/padding to
// the given dimensions via the API's native dimensions parameter.
func NewOpenAIEmbedder(apiKey, model string, dimensions int) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		client:     openai.NewClient(option.WithAPIKey(apiKey)),
		model:      model,
		dimensions: dimensions,
	}
}

// Dimensions returns the configured vector length.
func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }

// Embed returns the embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one embedding per input text, in order, enforcing
// that every returned vector has exactly e.dimensions elements.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:      e.model,
		Input:      openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Dimensions: openai.Int(int64(e.dimensions)),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w: %w", err, pkgerrors.ErrUpstreamLLM)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d inputs: %w", len(resp.Data), len(texts), pkgerrors.ErrUpstreamLLM)
	}

	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		if len(d.Embedding) != e.dimensions {
			return nil, fmt.Errorf("openai embeddings: got %d dims, want %d: %w", len(d.Embedding), e.dimensions, pkgerrors.ErrUpstreamLLM)
		}
		vec := make([]float32, e.dimensions)
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}

// OpenAIDescriber implements Describer against the OpenAI chat completions API.
type OpenAIDescriber struct {
	client openai.Client
	model  string
}

// NewOpenAIDescriber returns a Describer using model.
func NewOpenAIDescriber(apiKey, model string) *OpenAIDescriber {
	return &OpenAIDescriber{client: openai.NewClient(option.WithAPIKey(apiKey)), model: model}
}

const describerSystemPrompt = "Rewrite the following MCP tool description document into a concise, " +
	"polished natural-language description of when and how to use the tool. Keep it under 200 words."

// Describe produces a polished description from a raw document.
func (d *OpenAIDescriber) Describe(ctx context.Context, document string) (string, error) {
	resp, err := d.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: d.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(describerSystemPrompt),
			openai.UserMessage(document),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai describer: %w: %w", err, pkgerrors.ErrUpstreamLLM)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai describer: empty response: %w", pkgerrors.ErrUpstreamLLM)
	}
	return resp.Choices[0].Message.Content, nil
}

// OpenAIVision implements Vision against the OpenAI chat completions API
// with an image_url content part.
type OpenAIVision struct {
	client openai.Client
	model  string
}

// NewOpenAIVision returns a Vision using model.
func NewOpenAIVision(apiKey, model string) *OpenAIVision {
	return &OpenAIVision{client: openai.NewClient(option.WithAPIKey(apiKey)), model: model}
}

// Describe produces a caption for an image payload.
func (v *OpenAIVision) Describe(ctx context.Context, imageBytes []byte, mime string) (string, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64Encode(imageBytes))

	resp, err := v.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: v.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				{
					OfImageURL: &openai.ChatCompletionContentPartImageParam{
						ImageURL: openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL},
					},
				},
			}),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai vision: %w: %w", err, pkgerrors.ErrUpstreamLLM)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai vision: empty response: %w", pkgerrors.ErrUpstreamLLM)
	}
	return resp.Choices[0].Message.Content, nil
}
