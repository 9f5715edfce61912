package indexer

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milkymap/pulsar-mcp/pkg/config"
	"github.com/milkymap/pulsar-mcp/pkg/llm"
	"github.com/milkymap/pulsar-mcp/pkg/mcpclient"
	"github.com/milkymap/pulsar-mcp/pkg/vectorindex"
)

type fakeSessions struct {
	tools map[string][]mcpclient.ToolSpec
}

func (f *fakeSessions) ListTools(_ context.Context, serverName string) ([]mcpclient.ToolSpec, error) {
	return f.tools[serverName], nil
}

func testOptions() Options {
	return Options{ServerConcurrency: 2, ToolConcurrency: 4, EmbeddingWeight: 0.1}
}

type failingSessions struct {
	fakeSessions
	failServer string
}

func (f *failingSessions) ListTools(ctx context.Context, serverName string) ([]mcpclient.ToolSpec, error) {
	if serverName == f.failServer {
		return nil, assert.AnError
	}
	return f.fakeSessions.ListTools(ctx, serverName)
}

func TestIndexIsolatesPerServerFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sessions := &failingSessions{
		fakeSessions: fakeSessions{tools: map[string][]mcpclient.ToolSpec{
			"fs": {{Name: "read_file", Description: "read a file"}},
			"gh": {{Name: "create_issue", Description: "open an issue"}},
		}},
		failServer: "gh",
	}
	store := vectorindex.NewMemoryStore()
	embedder := llm.NewFakeEmbedder(16)

	ix := New(sessions, store, embedder, llm.FakeDescriber{})
	cfgs := []config.ServerConfig{
		{Name: "fs", Command: "mcp-fs"},
		{Name: "gh", Command: "mcp-gh"},
	}

	err := ix.Index(ctx, cfgs, testOptions())
	require.Error(t, err)

	// fs must be fully indexed despite gh's concurrent failure: a failing
	// server's errgroup cancellation must never reach its siblings.
	toolRec, err := store.Get(ctx, vectorindex.ToolID("fs", "read_file"))
	require.NoError(t, err)
	assert.Equal(t, vectorindex.RecordTypeTool, toolRec.Payload.RecordType)

	_, err = store.Get(ctx, vectorindex.ToolID("gh", "create_issue"))
	assert.Error(t, err)
}

func TestIndexUpsertsToolAndServerRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sessions := &fakeSessions{tools: map[string][]mcpclient.ToolSpec{
		"fs": {
			{Name: "read_file", Description: "read a file", InputSchema: mcp.ToolInputSchema{
				Type:       "object",
				Properties: map[string]any{"path": map[string]any{"type": "string"}},
				Required:   []string{"path"},
			}},
		},
	}}
	store := vectorindex.NewMemoryStore()
	embedder := llm.NewFakeEmbedder(16)

	ix := New(sessions, store, embedder, llm.FakeDescriber{})
	cfgs := []config.ServerConfig{{Name: "fs", Command: "mcp-fs", Hints: []string{"filesystem"}}}

	require.NoError(t, ix.Index(ctx, cfgs, testOptions()))

	toolRec, err := store.Get(ctx, vectorindex.ToolID("fs", "read_file"))
	require.NoError(t, err)
	assert.Equal(t, vectorindex.RecordTypeTool, toolRec.Payload.RecordType)
	assert.False(t, toolRec.Payload.Blocked)
	assert.Len(t, toolRec.Vector, 16)
	assert.Contains(t, toolRec.Payload.EnrichedDescription, "read_file")

	serverRec, err := store.Get(ctx, vectorindex.ServerID("fs"))
	require.NoError(t, err)
	assert.Equal(t, vectorindex.RecordTypeServer, serverRec.Payload.RecordType)
	assert.Equal(t, 1, serverRec.Payload.ToolCount)
}

func TestIndexMarksBlockedTools(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sessions := &fakeSessions{tools: map[string][]mcpclient.ToolSpec{
		"fs": {{Name: "delete_file", Description: "delete a file"}},
	}}
	store := vectorindex.NewMemoryStore()
	ix := New(sessions, store, llm.NewFakeEmbedder(8), llm.FakeDescriber{})
	cfgs := []config.ServerConfig{{Name: "fs", Command: "mcp-fs", BlockedTools: []string{"delete_file"}}}

	require.NoError(t, ix.Index(ctx, cfgs, testOptions()))

	rec, err := store.Get(ctx, vectorindex.ToolID("fs", "delete_file"))
	require.NoError(t, err)
	assert.True(t, rec.Payload.Blocked)
}

func TestIndexSkipsIgnoredServers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sessions := &fakeSessions{tools: map[string][]mcpclient.ToolSpec{
		"fs": {{Name: "read_file"}},
	}}
	store := vectorindex.NewMemoryStore()
	ix := New(sessions, store, llm.NewFakeEmbedder(8), llm.FakeDescriber{})
	cfgs := []config.ServerConfig{{Name: "fs", Command: "mcp-fs", Ignore: true}}

	require.NoError(t, ix.Index(ctx, cfgs, testOptions()))

	_, err := store.Get(ctx, vectorindex.ServerID("fs"))
	require.Error(t, err)
}

func TestIndexSkipsAlreadyIndexedWithoutOverwrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sessions := &fakeSessions{tools: map[string][]mcpclient.ToolSpec{
		"fs": {{Name: "read_file"}},
	}}
	store := vectorindex.NewMemoryStore()
	require.NoError(t, store.Upsert(ctx, vectorindex.ToolID("fs", "read_file"), []float32{1, 0}, vectorindex.Payload{
		RecordType: vectorindex.RecordTypeTool, ServerName: "fs", ToolName: "read_file",
	}))

	ix := New(sessions, store, llm.NewFakeEmbedder(8), llm.FakeDescriber{})
	cfgs := []config.ServerConfig{{Name: "fs", Command: "mcp-fs"}}

	require.NoError(t, ix.Index(ctx, cfgs, testOptions()))

	_, err := store.Get(ctx, vectorindex.ServerID("fs"))
	require.Error(t, err, "no server record should have been synthesized since indexing was skipped")
}

func TestIndexForceReindexesExistingServer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sessions := &fakeSessions{tools: map[string][]mcpclient.ToolSpec{
		"fs": {{Name: "read_file"}},
	}}
	store := vectorindex.NewMemoryStore()
	require.NoError(t, store.Upsert(ctx, vectorindex.ToolID("fs", "read_file"), []float32{1, 0}, vectorindex.Payload{
		RecordType: vectorindex.RecordTypeTool, ServerName: "fs", ToolName: "read_file",
	}))

	ix := New(sessions, store, llm.NewFakeEmbedder(8), llm.FakeDescriber{})
	cfgs := []config.ServerConfig{{Name: "fs", Command: "mcp-fs"}}

	opts := testOptions()
	opts.Force = true
	require.NoError(t, ix.Index(ctx, cfgs, opts))

	_, err := store.Get(ctx, vectorindex.ServerID("fs"))
	require.NoError(t, err, "force=true must reindex even when records already exist")
}

func TestIndexPrunesStaleTools(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := vectorindex.NewMemoryStore()
	embedder := llm.NewFakeEmbedder(8)

	sessions := &fakeSessions{tools: map[string][]mcpclient.ToolSpec{
		"fs": {
			{Name: "read_file"},
			{Name: "write_file"},
		},
	}}
	ix := New(sessions, store, embedder, llm.FakeDescriber{})
	cfgs := []config.ServerConfig{{Name: "fs", Command: "mcp-fs"}}
	require.NoError(t, ix.Index(ctx, cfgs, testOptions()))

	// write_file dropped upstream; re-index with force to observe the prune.
	sessions.tools["fs"] = []mcpclient.ToolSpec{{Name: "read_file"}}
	opts := testOptions()
	opts.Force = true
	require.NoError(t, ix.Index(ctx, cfgs, opts))

	_, err := store.Get(ctx, vectorindex.ToolID("fs", "write_file"))
	require.Error(t, err)
	_, err = store.Get(ctx, vectorindex.ToolID("fs", "read_file"))
	require.NoError(t, err)
}
