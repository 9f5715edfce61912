// Package resultprocessor turns a raw upstream tool-call result into a
// compact envelope: small text passes through inline, large text and every
// binary/image/audio part is offloaded to the ContentStore and replaced by a
// reference preview. Every ref produced for one call shares a call_id so the
// manifests can be correlated for debugging.
package resultprocessor

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/milkymap/pulsar-mcp/pkg/contentstore"
	"github.com/milkymap/pulsar-mcp/pkg/llm"
	"github.com/milkymap/pulsar-mcp/pkg/logging"
	"github.com/milkymap/pulsar-mcp/pkg/mcpclient"
)

// PartKind identifies the shape of one ResultEnvelope part.
type PartKind string

const (
	PartInlineText        PartKind = "inline_text"
	PartContentRefPreview PartKind = "content_ref_preview"
)

// EnvelopePart is one ordered element of a ResultEnvelope.
type EnvelopePart struct {
	Kind PartKind

	// Set when Kind == PartInlineText.
	Text string

	// Set when Kind == PartContentRefPreview.
	RefID       string
	RefKind     contentstore.Kind
	Preview     string
	TotalChunks int
	Mime        string
}

// ResultEnvelope is what tool execution returns to the calling model.
type ResultEnvelope struct {
	Parts   []EnvelopePart
	IsError bool
}

// Processor converts RawResults into ResultEnvelopes.
type Processor struct {
	store          *contentstore.Store
	vision         llm.Vision
	describeImages bool
}

// New returns a Processor writing offloaded content to store. If
// describeImages is true and vision is non-nil, image parts get a caption.
func New(store *contentstore.Store, vision llm.Vision, describeImages bool) *Processor {
	return &Processor{store: store, vision: vision, describeImages: describeImages}
}

// Process converts raw into a ResultEnvelope, preserving part order.
func (p *Processor) Process(ctx context.Context, raw *mcpclient.RawResult) (*ResultEnvelope, error) {
	callID := uuid.NewString()

	env := &ResultEnvelope{Parts: make([]EnvelopePart, 0, len(raw.Parts)), IsError: raw.IsError}
	for _, part := range raw.Parts {
		envPart, err := p.processPart(ctx, part, callID)
		if err != nil {
			return nil, err
		}
		env.Parts = append(env.Parts, envPart)
	}
	return env, nil
}

func (p *Processor) processPart(ctx context.Context, part mcpclient.Part, callID string) (EnvelopePart, error) {
	switch part.Kind {
	case mcpclient.PartText:
		return p.processText(part, callID)
	case mcpclient.PartImage:
		return p.processImage(ctx, part, callID)
	case mcpclient.PartAudio:
		return p.processBinary(part, contentstore.KindAudio, callID)
	default:
		return p.processBinary(part, contentstore.KindBinary, callID)
	}
}

func (p *Processor) processText(part mcpclient.Part, callID string) (EnvelopePart, error) {
	ref, preview, err := p.store.PutText(part.Text, callID)
	if err != nil {
		return EnvelopePart{}, fmt.Errorf("storing text part: %w", err)
	}
	if ref == nil {
		return EnvelopePart{Kind: PartInlineText, Text: preview}, nil
	}
	return refPreview(ref, preview), nil
}

func (p *Processor) processImage(ctx context.Context, part mcpclient.Part, callID string) (EnvelopePart, error) {
	ref, err := p.store.PutBinary(part.Data, part.MimeType, contentstore.KindImage, callID)
	if err != nil {
		return EnvelopePart{}, fmt.Errorf("storing image part: %w", err)
	}

	if p.describeImages && p.vision != nil {
		description, err := p.vision.Describe(ctx, part.Data, part.MimeType)
		if err != nil {
			logging.Warnw("vision description failed", "ref_id", ref.RefID, "error", err)
		} else if err := p.store.AttachVisionDescription(ref, description); err != nil {
			logging.Warnw("attaching vision description failed", "ref_id", ref.RefID, "error", err)
		}
	}

	return refPreview(ref, ref.VisionDescription), nil
}

func (p *Processor) processBinary(part mcpclient.Part, kind contentstore.Kind, callID string) (EnvelopePart, error) {
	ref, err := p.store.PutBinary(part.Data, part.MimeType, kind, callID)
	if err != nil {
		return EnvelopePart{}, fmt.Errorf("storing %s part: %w", kind, err)
	}
	return refPreview(ref, ""), nil
}

func refPreview(ref *contentstore.ContentRef, preview string) EnvelopePart {
	return EnvelopePart{
		Kind:        PartContentRefPreview,
		RefID:       ref.RefID,
		RefKind:     ref.Kind,
		Preview:     preview,
		TotalChunks: ref.TotalChunks,
		Mime:        ref.Mime,
	}
}
