package router

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milkymap/pulsar-mcp/pkg/config"
	"github.com/milkymap/pulsar-mcp/pkg/contentstore"
	"github.com/milkymap/pulsar-mcp/pkg/llm"
	"github.com/milkymap/pulsar-mcp/pkg/mcpclient"
	"github.com/milkymap/pulsar-mcp/pkg/pkgerrors"
	"github.com/milkymap/pulsar-mcp/pkg/resultprocessor"
	"github.com/milkymap/pulsar-mcp/pkg/supervisor"
	"github.com/milkymap/pulsar-mcp/pkg/taskpool"
	"github.com/milkymap/pulsar-mcp/pkg/vectorindex"
)

type fakeExecutor struct {
	result *mcpclient.RawResult
	err    error
}

func (f *fakeExecutor) CallTool(context.Context, string, string, map[string]any) (*mcpclient.RawResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeServers struct {
	startState    supervisor.State
	shutdownState supervisor.State
	snapshots     []supervisor.Snapshot
}

func (f *fakeServers) Start(context.Context, string) (supervisor.State, error)    { return f.startState, nil }
func (f *fakeServers) Shutdown(context.Context, string) (supervisor.State, error) { return f.shutdownState, nil }
func (f *fakeServers) ListRunning() []supervisor.Snapshot                         { return f.snapshots }

type fakeTasks struct {
	taskID string
	snap   taskpool.Snapshot
}

func (f *fakeTasks) Submit(string, string, map[string]any, int) (string, error) { return f.taskID, nil }
func (f *fakeTasks) Poll(string) (taskpool.Snapshot, error)                      { return f.snap, nil }

func newTestRouter(t *testing.T) (*Router, vectorindex.Store) {
	t.Helper()
	store := vectorindex.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, vectorindex.ToolID("fs", "read_file"), []float32{1, 0}, vectorindex.Payload{
		RecordType: vectorindex.RecordTypeTool, ServerName: "fs", ToolName: "read_file",
		EnrichedDescription: "reads a file from disk", Blocked: false,
	}))
	require.NoError(t, store.Upsert(ctx, vectorindex.ServerID("fs"), []float32{1, 0}, vectorindex.Payload{
		RecordType: vectorindex.RecordTypeServer, ServerName: "fs",
		EnrichedDescription: "filesystem server", ToolCount: 1,
	}))

	contentStore, err := contentstore.New(t.TempDir(), 5000)
	require.NoError(t, err)
	processor := resultprocessor.New(contentStore, nil, false)

	cfgs := []config.ServerConfig{{Name: "fs", Command: "mcp-fs", Hints: []string{"filesystem"}}}

	r := New(store, llm.NewFakeEmbedder(2), &fakeExecutor{
		result: &mcpclient.RawResult{Parts: []mcpclient.Part{{Kind: mcpclient.PartText, Text: "hello"}}},
	}, &fakeServers{startState: supervisor.StateReady}, cfgs, &fakeTasks{taskID: "task-1"}, processor, contentStore)
	return r, store
}

func TestSearchToolsReturnsHits(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	out, err := r.Dispatch(context.Background(), "search_tools", map[string]any{"query": "read a file"})
	require.NoError(t, err)

	var hits []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &hits))
	require.Len(t, hits, 1)
	assert.Equal(t, "read_file", hits[0]["tool_name"])
}

func TestSearchToolsZeroTopKReturnsEmpty(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	out, err := r.Dispatch(context.Background(), "search_tools", map[string]any{"query": "read a file", "top_k": 0})
	require.NoError(t, err)

	var hits []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &hits))
	assert.Empty(t, hits)
}

func TestSearchToolsTopKOverMaxRejected(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	_, err := r.Dispatch(context.Background(), "search_tools", map[string]any{"query": "read a file", "top_k": 51})
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
}

func TestGetServerInfoUnknownServer(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	_, err := r.Dispatch(context.Background(), "get_server_info", map[string]any{"server_name": "nope"})
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrUnknownServer)
}

func TestGetToolDetailsUnknownTool(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	_, err := r.Dispatch(context.Background(), "get_tool_details", map[string]any{"server_name": "fs", "tool_name": "nope"})
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrUnknownTool)
}

func TestExecuteToolSynchronous(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	out, err := r.Dispatch(context.Background(), "execute_tool", map[string]any{
		"server_name": "fs", "tool_name": "read_file", "arguments": map[string]any{"path": "/tmp/x"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
}

func TestExecuteToolBlocked(t *testing.T) {
	t.Parallel()
	store := vectorindex.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, vectorindex.ToolID("fs", "delete_file"), []float32{1, 0}, vectorindex.Payload{
		RecordType: vectorindex.RecordTypeTool, ServerName: "fs", ToolName: "delete_file", Blocked: true,
	}))
	contentStore, err := contentstore.New(t.TempDir(), 5000)
	require.NoError(t, err)
	processor := resultprocessor.New(contentStore, nil, false)
	cfgs := []config.ServerConfig{{Name: "fs", Command: "mcp-fs", BlockedTools: []string{"delete_file"}}}
	r := New(store, llm.NewFakeEmbedder(2), &fakeExecutor{}, &fakeServers{}, cfgs, &fakeTasks{}, processor, contentStore)

	_, err = r.Dispatch(ctx, "execute_tool", map[string]any{"server_name": "fs", "tool_name": "delete_file"})
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrBlocked)
}

func TestExecuteToolUnknownTool(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	_, err := r.Dispatch(context.Background(), "execute_tool", map[string]any{"server_name": "fs", "tool_name": "nope"})
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrUnknownTool)
}

func TestExecuteToolBackgroundReturnsTaskID(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	out, err := r.Dispatch(context.Background(), "execute_tool", map[string]any{
		"server_name": "fs", "tool_name": "read_file", "in_background": true,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "task-1")
}

func TestDispatchUnknownOperation(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	_, err := r.Dispatch(context.Background(), "bogus_operation", map[string]any{})
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
}

func TestGetContentUnknownRef(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	_, err := r.Dispatch(context.Background(), "get_content", map[string]any{"ref_id": "does-not-exist"})
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
}
