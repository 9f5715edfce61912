// Package indexer builds and refreshes the VectorIndex from live upstream
// servers: for each configured server it opens a temporary session,
// enumerates tools, synthesizes an enriched description per tool, embeds it,
// and upserts the result — plus one synthesized server-level record so
// get_server_info can be answered by a single point lookup.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/milkymap/pulsar-mcp/pkg/config"
	"github.com/milkymap/pulsar-mcp/pkg/llm"
	"github.com/milkymap/pulsar-mcp/pkg/logging"
	"github.com/milkymap/pulsar-mcp/pkg/mcpclient"
	"github.com/milkymap/pulsar-mcp/pkg/pkgerrors"
	"github.com/milkymap/pulsar-mcp/pkg/vectorindex"
)

// sessionOpener is the subset of Supervisor the Indexer needs: a temporary
// session per server, without holding the server open afterward.
type sessionOpener interface {
	ListTools(ctx context.Context, serverName string) ([]mcpclient.ToolSpec, error)
}

// Options configures indexing concurrency and the server/tool embedding
// blend, mirroring the original prototype's per-run tunables.
type Options struct {
	Force bool

	// ServerConcurrency bounds how many servers are indexed simultaneously.
	ServerConcurrency int
	// ToolConcurrency bounds how many tool descriptions/embeddings run
	// simultaneously within one server's batch.
	ToolConcurrency int
	// EmbeddingWeight is alpha in alpha*serverVec + (1-alpha)*toolVec.
	EmbeddingWeight float64
}

// Indexer refreshes the VectorIndex from the configured upstream servers.
type Indexer struct {
	sessions  sessionOpener
	store     vectorindex.Store
	embedder  llm.Embedder
	describer llm.Describer
}

// New returns an Indexer that opens temporary sessions through sessions,
// embeds via embedder, and (optionally) polishes descriptions via describer.
func New(sessions sessionOpener, store vectorindex.Store, embedder llm.Embedder, describer llm.Describer) *Indexer {
	return &Indexer{sessions: sessions, store: store, embedder: embedder, describer: describer}
}

// DefaultOptions returns the SPEC_FULL.md-mandated defaults.
func DefaultOptions() Options {
	return Options{ServerConcurrency: 3, ToolConcurrency: 32, EmbeddingWeight: 0.1}
}

// Index refreshes the index for every non-ignored server in configs. It
// returns the first per-server error encountered but still attempts every
// server (indexing one server's failure does not block another's).
func (ix *Indexer) Index(ctx context.Context, configs []config.ServerConfig, opts Options) error {
	if err := ix.store.EnsureCollection(ctx, ix.embedder.Dimensions()); err != nil {
		return err
	}

	sem := make(chan struct{}, orDefault(opts.ServerConcurrency, 3))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, cfg := range configs {
		cfg := cfg
		if cfg.Ignore {
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			// ctx, not a context shared with any sibling: indexServer's own
			// errgroup must not be able to cancel another server's work.
			if err := ix.indexServer(ctx, cfg, opts); err != nil {
				logging.Warnw("indexing server failed", "server", cfg.Name, "error", err)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	return firstErr
}

func (ix *Indexer) indexServer(ctx context.Context, cfg config.ServerConfig, opts Options) error {
	if !opts.Force && !cfg.Overwrite {
		existing, err := ix.store.Scroll(ctx, vectorindex.WithServerName(cfg.Name))
		if err == nil && len(existing) > 0 {
			logging.Infow("skipping already-indexed server", "server", cfg.Name)
			return nil
		}
	}

	tools, err := ix.sessions.ListTools(ctx, cfg.Name)
	if err != nil {
		return fmt.Errorf("listing tools for %q: %w", cfg.Name, err)
	}

	serverDoc := buildServerDocument(cfg, len(tools))
	serverVec, err := ix.embedder.Embed(ctx, serverDoc)
	if err != nil {
		return fmt.Errorf("embedding server %q: %w", cfg.Name, err)
	}

	// All-or-nothing: build every tool record before upserting any of them,
	// so a single failure never leaves the server partially indexed.
	toolConcurrency := orDefault(opts.ToolConcurrency, 32)
	toolSem := make(chan struct{}, toolConcurrency)
	tg, tgCtx := errgroup.WithContext(ctx)

	records := make([]vectorindex.Record, len(tools))
	for i, tool := range tools {
		i, tool := i, tool
		toolSem <- struct{}{}
		tg.Go(func() error {
			defer func() { <-toolSem }()
			rec, err := ix.buildToolRecord(tgCtx, cfg, tool, serverVec, opts)
			if err != nil {
				return fmt.Errorf("indexing tool %q on %q: %w", tool.Name, cfg.Name, err)
			}
			records[i] = rec
			return nil
		})
	}
	if err := tg.Wait(); err != nil {
		return err
	}

	if err := ix.store.Upsert(ctx, vectorindex.ServerID(cfg.Name), serverVec, vectorindex.Payload{
		RecordType:          vectorindex.RecordTypeServer,
		ServerName:          cfg.Name,
		EnrichedDescription: serverDoc,
		Hints:               cfg.Hints,
		ToolCount:           len(tools),
	}); err != nil {
		return fmt.Errorf("upserting server record %q: %w", cfg.Name, err)
	}

	live := make(map[string]bool, len(records))
	for _, rec := range records {
		if err := ix.store.Upsert(ctx, rec.ID, rec.Vector, rec.Payload); err != nil {
			return fmt.Errorf("upserting tool record on %q: %w", cfg.Name, err)
		}
		live[rec.Payload.ToolName] = true
	}

	return ix.pruneStale(ctx, cfg.Name, live)
}

func (ix *Indexer) buildToolRecord(ctx context.Context, cfg config.ServerConfig, tool mcpclient.ToolSpec, serverVec []float32, opts Options) (vectorindex.Record, error) {
	doc := buildToolDocument(cfg, tool)

	description := doc
	if ix.describer != nil {
		polished, err := ix.describer.Describe(ctx, doc)
		if err == nil {
			description = polished
		} else {
			logging.Warnw("describer unavailable, using raw document", "server", cfg.Name, "tool", tool.Name, "error", err)
		}
	}

	toolVec, err := ix.embedder.Embed(ctx, description)
	if err != nil {
		return vectorindex.Record{}, err
	}
	if len(toolVec) != ix.embedder.Dimensions() {
		return vectorindex.Record{}, fmt.Errorf("embedding for %q has %d dimensions, want %d: %w", tool.Name, len(toolVec), ix.embedder.Dimensions(), pkgerrors.ErrInternal)
	}

	blended := blendEmbeddings(serverVec, toolVec, orAlpha(opts.EmbeddingWeight))

	schema, err := marshalSchema(tool)
	if err != nil {
		return vectorindex.Record{}, err
	}

	return vectorindex.Record{
		ID:     vectorindex.ToolID(cfg.Name, tool.Name),
		Vector: blended,
		Payload: vectorindex.Payload{
			RecordType:          vectorindex.RecordTypeTool,
			ServerName:          cfg.Name,
			ToolName:            tool.Name,
			EnrichedDescription: description,
			InputSchema:         schema,
			Blocked:             cfg.IsBlocked(tool.Name),
		},
	}, nil
}

// pruneStale removes tool records for cfg.Name that are no longer among the
// upstream server's live tools.
func (ix *Indexer) pruneStale(ctx context.Context, serverName string, live map[string]bool) error {
	existing, err := ix.store.Scroll(ctx, Filter(serverName))
	if err != nil {
		return fmt.Errorf("scrolling existing records for %q: %w", serverName, err)
	}

	var stale bool
	for _, rec := range existing {
		if rec.Payload.RecordType == vectorindex.RecordTypeTool && !live[rec.Payload.ToolName] {
			stale = true
			break
		}
	}
	if !stale {
		return nil
	}

	// The Store's contract only offers whole-server deletion, so a stale
	// tool forces a full server re-upsert: delete then re-write every
	// still-live record we just built.
	if err := ix.store.DeleteByServer(ctx, serverName); err != nil {
		return fmt.Errorf("pruning stale records for %q: %w", serverName, err)
	}
	for _, rec := range existing {
		if rec.Payload.RecordType == vectorindex.RecordTypeTool && !live[rec.Payload.ToolName] {
			continue
		}
		if err := ix.store.Upsert(ctx, rec.ID, rec.Vector, rec.Payload); err != nil {
			return fmt.Errorf("restoring record after prune for %q: %w", serverName, err)
		}
	}
	return nil
}

// Filter is a small helper so pruneStale reads naturally; it defers to
// vectorindex.WithServerName.
func Filter(serverName string) vectorindex.Filter {
	return vectorindex.WithServerName(serverName)
}

func buildServerDocument(cfg config.ServerConfig, toolCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "server: %s\n", cfg.Name)
	if len(cfg.Hints) > 0 {
		fmt.Fprintf(&b, "hints: %s\n", strings.Join(cfg.Hints, "; "))
	}
	fmt.Fprintf(&b, "tool_count: %d\n", toolCount)
	return b.String()
}

func buildToolDocument(cfg config.ServerConfig, tool mcpclient.ToolSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "server: %s\n", cfg.Name)
	if len(cfg.Hints) > 0 {
		fmt.Fprintf(&b, "server_hints: %s\n", strings.Join(cfg.Hints, "; "))
	}
	fmt.Fprintf(&b, "tool: %s\n", tool.Name)
	fmt.Fprintf(&b, "description: %s\n", tool.Description)

	if props := tool.InputSchema.Properties; len(props) > 0 {
		b.WriteString("parameters:\n")
		required := make(map[string]bool, len(tool.InputSchema.Required))
		for _, r := range tool.InputSchema.Required {
			required[r] = true
		}
		for name := range props {
			marker := "optional"
			if required[name] {
				marker = "required"
			}
			fmt.Fprintf(&b, "  - %s (%s)\n", name, marker)
		}
	}
	return b.String()
}

// blendEmbeddings mixes toolVec with serverVec and re-normalizes to unit
// length, per SPEC_FULL.md's weighted server/tool embedding blend.
func blendEmbeddings(serverVec, toolVec []float32, alpha float64) []float32 {
	if len(serverVec) != len(toolVec) {
		return toolVec
	}
	blended := make([]float32, len(toolVec))
	var norm float64
	for i := range blended {
		v := alpha*float64(serverVec[i]) + (1-alpha)*float64(toolVec[i])
		blended[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return blended
	}
	for i := range blended {
		blended[i] = float32(float64(blended[i]) / norm)
	}
	return blended
}

func marshalSchema(tool mcpclient.ToolSpec) (json.RawMessage, error) {
	schema := map[string]any{"type": tool.InputSchema.Type}
	if tool.InputSchema.Properties != nil {
		schema["properties"] = tool.InputSchema.Properties
	}
	if len(tool.InputSchema.Required) > 0 {
		schema["required"] = tool.InputSchema.Required
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshaling input schema for %q: %w", tool.Name, err)
	}
	return raw, nil
}

func orDefault(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}

func orAlpha(alpha float64) float64 {
	if alpha <= 0 {
		return 0.1
	}
	return alpha
}
