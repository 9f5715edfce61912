// Package contentstore implements the durable offload store for tool-call
// results too large to inline in a conversation. Large text is split into
// ordered chunks; binary payloads (images, audio, other blobs) are stored
// verbatim. Every stored item is addressed by a ContentRef, immutable once
// published: readers either see the complete set of chunks or no ref at all.
package contentstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/milkymap/pulsar-mcp/pkg/pkgerrors"
)

// Kind identifies the shape of a stored payload.
type Kind string

const (
	KindTextChunked Kind = "TEXT_CHUNKED"
	KindImage       Kind = "IMAGE"
	KindAudio       Kind = "AUDIO"
	KindBinary      Kind = "BINARY"
)

// previewChars bounds the length of a put_text preview.
const previewChars = 500

// charsPerToken is the approximate chars-per-token ratio EstimateTokens uses
// for the MAX_RESULT_TOKENS threshold and PutText uses to size chunks.
const charsPerToken = 4

// ContentRef is the durable, immutable record of one stored payload.
type ContentRef struct {
	RefID             string    `json:"ref_id"`
	Kind              Kind      `json:"kind"`
	TotalChunks       int       `json:"total_chunks"`
	Mime              string    `json:"mime"`
	SizeBytes         int64     `json:"size_bytes"`
	VisionDescription string    `json:"vision_description,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	CallID            string    `json:"call_id,omitempty"`
}

// EstimateTokens approximates a token count for text using a constant
// chars-per-token ratio, mirroring the Python prototype's estimate_tokens.
func EstimateTokens(s string) int {
	return len(s) / charsPerToken
}

// Store is a filesystem-backed, thread-safe ContentStore. Methods are safe
// for concurrent use: writes go to a temp directory and are renamed into
// place only once every chunk and the manifest are written.
type Store struct {
	root            string
	maxResultTokens int
}

// New returns a Store rooted at root, creating it if necessary.
func New(root string, maxResultTokens int) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating content store root %q: %w: %w", root, err, pkgerrors.ErrStorage)
	}
	if maxResultTokens <= 0 {
		maxResultTokens = 5000
	}
	return &Store{root: root, maxResultTokens: maxResultTokens}, nil
}

// PutText stores content if it exceeds the configured token threshold,
// chunking it into ordered parts; otherwise it returns a nil ref and the
// content itself as the "preview" for inline use.
func (s *Store) PutText(content, callID string) (ref *ContentRef, preview string, err error) {
	if EstimateTokens(content) <= s.maxResultTokens {
		return nil, content, nil
	}

	chunkSize := s.maxResultTokens * charsPerToken
	chunks := splitIntoChunks(content, chunkSize)

	refID := uuid.NewString()
	if err := s.writeChunks(refID, chunks); err != nil {
		return nil, "", err
	}

	created := &ContentRef{
		RefID:       refID,
		Kind:        KindTextChunked,
		TotalChunks: len(chunks),
		Mime:        "text/plain",
		SizeBytes:   int64(len(content)),
		CreatedAt:   time.Now(),
		CallID:      callID,
	}
	if err := s.writeManifest(refID, created); err != nil {
		return nil, "", err
	}

	preview = truncate(chunks[0], previewChars)
	return created, preview, nil
}

// PutBinary stores a single-chunk binary payload (image, audio, or other
// blob) and returns its ContentRef.
func (s *Store) PutBinary(data []byte, mime string, kind Kind, callID string) (*ContentRef, error) {
	refID := uuid.NewString()
	if err := s.writeChunks(refID, []string{string(data)}); err != nil {
		return nil, err
	}

	ref := &ContentRef{
		RefID:       refID,
		Kind:        kind,
		TotalChunks: 1,
		Mime:        mime,
		SizeBytes:   int64(len(data)),
		CreatedAt:   time.Now(),
		CallID:      callID,
	}
	if err := s.writeManifest(refID, ref); err != nil {
		return nil, err
	}
	return ref, nil
}

// AttachVisionDescription updates ref's manifest in place with a vision
// caption. Called only right after PutBinary for KindImage, before the ref
// is returned to any caller, so this does not violate immutability.
func (s *Store) AttachVisionDescription(ref *ContentRef, description string) error {
	ref.VisionDescription = description
	return s.writeManifest(ref.RefID, ref)
}

// Get returns chunkIndex of refID's payload plus the ref's manifest.
func (s *Store) Get(refID string, chunkIndex int) (string, *ContentRef, error) {
	ref, err := s.readManifest(refID)
	if err != nil {
		return "", nil, err
	}
	if chunkIndex < 0 || chunkIndex >= ref.TotalChunks {
		return "", nil, fmt.Errorf("chunk %d of %d for ref %q: %w", chunkIndex, ref.TotalChunks, refID, pkgerrors.ErrOutOfRange)
	}

	data, err := os.ReadFile(s.chunkPath(refID, chunkIndex)) //nolint:gosec // refID/chunkIndex are validated above
	if err != nil {
		return "", nil, fmt.Errorf("reading chunk %d of ref %q: %w: %w", chunkIndex, refID, err, pkgerrors.ErrStorage)
	}
	return string(data), ref, nil
}

func (s *Store) refDir(refID string) string {
	return filepath.Join(s.root, refID)
}

func (s *Store) chunkPath(refID string, index int) string {
	return filepath.Join(s.refDir(refID), fmt.Sprintf("chunk_%d.txt", index))
}

func (s *Store) manifestPath(refID string) string {
	return filepath.Join(s.refDir(refID), "manifest.json")
}

// writeChunks writes every chunk to a temp directory and renames it into
// place atomically, so readers never observe a partial chunk set.
func (s *Store) writeChunks(refID string, chunks []string) error {
	tempDir, err := os.MkdirTemp(s.root, "tmp-"+refID+"-")
	if err != nil {
		return fmt.Errorf("creating temp dir for ref %q: %w: %w", refID, err, pkgerrors.ErrStorage)
	}
	defer os.RemoveAll(tempDir)

	for i, chunk := range chunks {
		path := filepath.Join(tempDir, fmt.Sprintf("chunk_%d.txt", i))
		if err := os.WriteFile(path, []byte(chunk), 0o600); err != nil {
			return fmt.Errorf("writing chunk %d for ref %q: %w: %w", i, refID, err, pkgerrors.ErrStorage)
		}
	}

	finalDir := s.refDir(refID)
	if err := os.Rename(tempDir, finalDir); err != nil {
		return fmt.Errorf("publishing ref %q: %w: %w", refID, err, pkgerrors.ErrStorage)
	}
	return nil
}

func (s *Store) writeManifest(refID string, ref *ContentRef) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("encoding manifest for ref %q: %w: %w", refID, err, pkgerrors.ErrInternal)
	}
	if err := os.WriteFile(s.manifestPath(refID), data, 0o600); err != nil {
		return fmt.Errorf("writing manifest for ref %q: %w: %w", refID, err, pkgerrors.ErrStorage)
	}
	return nil
}

func (s *Store) readManifest(refID string) (*ContentRef, error) {
	data, err := os.ReadFile(s.manifestPath(refID)) //nolint:gosec // refID comes from an internal caller or a prior PutText/PutBinary
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("ref %q: %w", refID, pkgerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("reading manifest for ref %q: %w: %w", refID, err, pkgerrors.ErrStorage)
	}

	var ref ContentRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, fmt.Errorf("decoding manifest for ref %q: %w: %w", refID, err, pkgerrors.ErrInternal)
	}
	return &ref, nil
}

func splitIntoChunks(content string, chunkSize int) []string {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	runes := []rune(content)
	if len(runes) == 0 {
		return []string{""}
	}

	chunks := make([]string, 0, (len(runes)/chunkSize)+1)
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
