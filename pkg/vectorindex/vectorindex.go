// Package vectorindex wraps a vector database into the narrow shape the
// Indexer and Router need: upsert-by-id, query-by-vector-with-filter, and
// scroll-by-filter over one collection holding both tool and server
// records. The collection is created on first use with a fixed
// dimensionality and cosine distance; upsert is idempotent by deterministic
// ID, so re-indexing never produces duplicate points.
package vectorindex

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// RecordType distinguishes a tool record from a server record within the
// single shared collection, mirroring the original prototype's "type"
// payload field.
type RecordType string

const (
	RecordTypeTool   RecordType = "tool"
	RecordTypeServer RecordType = "server"
)

// Payload is the metadata stored alongside a vector.
type Payload struct {
	RecordType          RecordType      `json:"record_type"`
	ServerName          string          `json:"server_name"`
	ToolName            string          `json:"tool_name,omitempty"`
	EnrichedDescription string          `json:"enriched_description"`
	InputSchema         json.RawMessage `json:"input_schema,omitempty"`
	Blocked             bool            `json:"blocked"`
	Hints               []string        `json:"hints,omitempty"`
	ToolCount           int             `json:"tool_count,omitempty"`
}

// Record is one point in the collection, as returned by Search/Scroll/Get.
type Record struct {
	ID      string
	Vector  []float32
	Payload Payload
	// Score is the similarity score from Search; zero for Scroll/Get.
	Score float64
}

// Filter narrows Search/Scroll to a subset of records.
// A nil field means "don't filter on this dimension".
type Filter struct {
	ServerName *string
	RecordType *RecordType
	Blocked    *bool
}

// WithServerName returns a Filter restricted to serverName.
func WithServerName(serverName string) Filter {
	return Filter{ServerName: &serverName}
}

// Store is the port the Indexer and Router depend on. A Qdrant-backed
// implementation is in qdrant.go; an in-memory implementation for tests is
// in memory.go.
type Store interface {
	// EnsureCollection creates the collection with dimensions/cosine
	// distance if it does not already exist. Safe to call repeatedly.
	EnsureCollection(ctx context.Context, dimensions int) error

	// Upsert writes or replaces the point with the given id.
	Upsert(ctx context.Context, id string, vector []float32, payload Payload) error

	// Get returns the single point with the given id.
	Get(ctx context.Context, id string) (*Record, error)

	// Search returns up to topK records ordered by descending similarity
	// to vector, restricted by filter.
	Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]Record, error)

	// Scroll returns every record matching filter, in no particular order.
	Scroll(ctx context.Context, filter Filter) ([]Record, error)

	// DeleteByServer removes every tool and server record for serverName.
	DeleteByServer(ctx context.Context, serverName string) error

	// Close releases any underlying connection.
	Close() error
}

// ToolID returns the deterministic point ID for a (server_name, tool_name)
// pair, stable across re-indexing.
func ToolID(serverName, toolName string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte("tool::"+serverName+"::"+toolName)).String()
}

// ServerID returns the deterministic point ID for a server record.
func ServerID(serverName string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte("server::"+serverName)).String()
}
