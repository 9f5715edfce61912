// Package router implements the semantic_router meta-tool dispatcher: it
// validates each operation's argument envelope, calls the correct subsystem
// (VectorIndex, ServerSupervisor, TaskPool, ContentStore), and formats the
// result as MCP text content. It is the only place that multiplexes the nine
// outward operations onto the narrower component contracts.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

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

const defaultTopK = 5
const maxTopK = 50

// toolExecutor is the subset of Supervisor the Router needs for synchronous
// execute_tool calls.
type toolExecutor interface {
	CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (*mcpclient.RawResult, error)
}

// serverLister is the subset of Supervisor the Router needs for
// manage_server / list_running_servers.
type serverLister interface {
	Start(ctx context.Context, serverName string) (supervisor.State, error)
	Shutdown(ctx context.Context, serverName string) (supervisor.State, error)
	ListRunning() []supervisor.Snapshot
}

// taskSubmitter is the subset of TaskPool the Router needs.
type taskSubmitter interface {
	Submit(serverName, toolName string, arguments map[string]any, priority int) (string, error)
	Poll(taskID string) (taskpool.Snapshot, error)
}

// Router dispatches semantic_router operations.
type Router struct {
	index     vectorindex.Store
	embedder  llm.Embedder
	executor  toolExecutor
	servers   serverLister
	configs   map[string]config.ServerConfig
	tasks     taskSubmitter
	processor *resultprocessor.Processor
	content   *contentstore.Store
}

// New returns a Router wired to every subsystem it dispatches to.
func New(
	index vectorindex.Store,
	embedder llm.Embedder,
	executor toolExecutor,
	servers serverLister,
	configs []config.ServerConfig,
	tasks taskSubmitter,
	processor *resultprocessor.Processor,
	content *contentstore.Store,
) *Router {
	byName := make(map[string]config.ServerConfig, len(configs))
	for _, c := range configs {
		byName[c.Name] = c
	}
	return &Router{
		index: index, embedder: embedder, executor: executor, servers: servers,
		configs: byName, tasks: tasks, processor: processor, content: content,
	}
}

// Dispatch runs operation with args and returns its formatted text result.
// Errors always wrap a pkgerrors sentinel; callers format them with
// pkgerrors.Kind for the ERROR:<kind>: <message> envelope.
func (r *Router) Dispatch(ctx context.Context, operation string, args map[string]any) (string, error) {
	switch operation {
	case "search_tools":
		return r.searchTools(ctx, args)
	case "get_server_info":
		return r.getServerInfo(ctx, args)
	case "list_server_tools":
		return r.listServerTools(ctx, args)
	case "get_tool_details":
		return r.getToolDetails(ctx, args)
	case "manage_server":
		return r.manageServer(ctx, args)
	case "list_running_servers":
		return r.listRunningServers()
	case "execute_tool":
		return r.executeTool(ctx, args)
	case "poll_task_result":
		return r.pollTaskResult(args)
	case "get_content":
		return r.getContent(args)
	default:
		return "", fmt.Errorf("unknown operation %q: %w", operation, pkgerrors.ErrInvalidInput)
	}
}

func (r *Router) searchTools(ctx context.Context, args map[string]any) (string, error) {
	query, err := requireString(args, "query")
	if err != nil {
		return "", err
	}
	topK := defaultTopK
	if v, present := intArgOK(args, "top_k"); present {
		topK = v
	}
	if topK > maxTopK {
		return "", fmt.Errorf("top_k %d exceeds maximum of %d: %w", topK, maxTopK, pkgerrors.ErrInvalidInput)
	}
	if topK < 0 {
		topK = 0
	}

	filter := vectorindex.Filter{RecordType: recordTypePtr(vectorindex.RecordTypeTool)}
	if serverFilter, ok := stringArg(args, "server_filter"); ok && serverFilter != "" {
		filter.ServerName = &serverFilter
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embedding query: %w: %w", err, pkgerrors.ErrUpstreamLLM)
	}

	results, err := r.index.Search(ctx, vector, topK, filter)
	if err != nil {
		return "", fmt.Errorf("searching index: %w: %w", err, pkgerrors.ErrStorage)
	}

	type hit struct {
		ServerName          string  `json:"server_name"`
		ToolName            string  `json:"tool_name"`
		Score               float64 `json:"score"`
		EnrichedDescription string  `json:"enriched_description"`
	}
	hits := make([]hit, 0, len(results))
	for _, rec := range results {
		hits = append(hits, hit{
			ServerName:          rec.Payload.ServerName,
			ToolName:            rec.Payload.ToolName,
			Score:               rec.Score,
			EnrichedDescription: rec.Payload.EnrichedDescription,
		})
	}
	return marshal(hits)
}

func (r *Router) getServerInfo(ctx context.Context, args map[string]any) (string, error) {
	serverName, err := requireString(args, "server_name")
	if err != nil {
		return "", err
	}
	if _, known := r.configs[serverName]; !known {
		return "", fmt.Errorf("server %q: %w", serverName, pkgerrors.ErrUnknownServer)
	}

	rec, err := r.index.Get(ctx, vectorindex.ServerID(serverName))
	if err != nil {
		return "", fmt.Errorf("server %q has not been indexed: %w", serverName, pkgerrors.ErrUnknownServer)
	}

	cfg := r.configs[serverName]
	return marshal(struct {
		ServerName   string   `json:"server_name"`
		Description  string   `json:"description"`
		Hints        []string `json:"hints"`
		ToolCount    int      `json:"tool_count"`
		BlockedTools []string `json:"blocked_tools"`
	}{
		ServerName:   serverName,
		Description:  rec.Payload.EnrichedDescription,
		Hints:        cfg.Hints,
		ToolCount:    rec.Payload.ToolCount,
		BlockedTools: cfg.BlockedTools,
	})
}

func (r *Router) listServerTools(ctx context.Context, args map[string]any) (string, error) {
	serverName, err := requireString(args, "server_name")
	if err != nil {
		return "", err
	}
	if _, known := r.configs[serverName]; !known {
		return "", fmt.Errorf("server %q: %w", serverName, pkgerrors.ErrUnknownServer)
	}

	records, err := r.index.Scroll(ctx, vectorindex.Filter{
		ServerName: &serverName,
		RecordType: recordTypePtr(vectorindex.RecordTypeTool),
	})
	if err != nil {
		return "", fmt.Errorf("listing tools for %q: %w: %w", serverName, err, pkgerrors.ErrStorage)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Payload.ToolName < records[j].Payload.ToolName })

	type entry struct {
		ToolName    string `json:"tool_name"`
		Description string `json:"short_description"`
		Blocked     bool   `json:"blocked"`
	}
	entries := make([]entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, entry{
			ToolName:    rec.Payload.ToolName,
			Description: truncateWords(rec.Payload.EnrichedDescription, 40),
			Blocked:     rec.Payload.Blocked,
		})
	}
	return marshal(entries)
}

func (r *Router) getToolDetails(ctx context.Context, args map[string]any) (string, error) {
	serverName, err := requireString(args, "server_name")
	if err != nil {
		return "", err
	}
	toolName, err := requireString(args, "tool_name")
	if err != nil {
		return "", err
	}

	rec, err := r.index.Get(ctx, vectorindex.ToolID(serverName, toolName))
	if err != nil {
		return "", fmt.Errorf("tool %q on %q: %w", toolName, serverName, pkgerrors.ErrUnknownTool)
	}

	return marshal(struct {
		ServerName  string          `json:"server_name"`
		ToolName    string          `json:"tool_name"`
		Description string          `json:"enriched_description"`
		InputSchema json.RawMessage `json:"input_schema"`
		Blocked     bool            `json:"blocked"`
	}{
		ServerName:  serverName,
		ToolName:    toolName,
		Description: rec.Payload.EnrichedDescription,
		InputSchema: rec.Payload.InputSchema,
		Blocked:     rec.Payload.Blocked,
	})
}

func (r *Router) manageServer(ctx context.Context, args map[string]any) (string, error) {
	serverName, err := requireString(args, "server_name")
	if err != nil {
		return "", err
	}
	action, err := requireString(args, "action")
	if err != nil {
		return "", err
	}

	var state supervisor.State
	switch action {
	case "start":
		state, err = r.servers.Start(ctx, serverName)
	case "shutdown":
		state, err = r.servers.Shutdown(ctx, serverName)
	default:
		return "", fmt.Errorf("action %q must be start or shutdown: %w", action, pkgerrors.ErrInvalidInput)
	}
	if err != nil {
		return "", err
	}

	return marshal(struct {
		ServerName string `json:"server_name"`
		State      string `json:"state"`
	}{ServerName: serverName, State: string(state)})
}

func (r *Router) listRunningServers() (string, error) {
	return marshal(r.servers.ListRunning())
}

func (r *Router) executeTool(ctx context.Context, args map[string]any) (string, error) {
	serverName, err := requireString(args, "server_name")
	if err != nil {
		return "", err
	}
	toolName, err := requireString(args, "tool_name")
	if err != nil {
		return "", err
	}
	arguments, _ := args["arguments"].(map[string]any)
	inBackground, _ := args["in_background"].(bool)
	priority := intArg(args, "priority", 0)

	cfg, known := r.configs[serverName]
	if !known {
		return "", fmt.Errorf("server %q: %w", serverName, pkgerrors.ErrUnknownServer)
	}
	if _, err := r.index.Get(ctx, vectorindex.ToolID(serverName, toolName)); err != nil {
		return "", fmt.Errorf("tool %q on %q: %w", toolName, serverName, pkgerrors.ErrUnknownTool)
	}
	if cfg.IsBlocked(toolName) {
		return "", fmt.Errorf("tool %q on %q: %w", toolName, serverName, pkgerrors.ErrBlocked)
	}

	if inBackground {
		taskID, err := r.tasks.Submit(serverName, toolName, arguments, priority)
		if err != nil {
			return "", err
		}
		return marshal(struct {
			TaskID string `json:"task_id"`
		}{TaskID: taskID})
	}

	raw, err := r.executor.CallTool(ctx, serverName, toolName, arguments)
	if err != nil {
		return "", err
	}
	envelope, err := r.processor.Process(ctx, raw)
	if err != nil {
		return "", err
	}
	return marshal(envelope)
}

func (r *Router) pollTaskResult(args map[string]any) (string, error) {
	taskID, err := requireString(args, "task_id")
	if err != nil {
		return "", err
	}

	snap, err := r.tasks.Poll(taskID)
	if err != nil {
		return "", err
	}

	response := struct {
		Status string                          `json:"status"`
		Result *resultprocessor.ResultEnvelope `json:"result,omitempty"`
		Error  string                          `json:"error,omitempty"`
	}{Status: string(snap.Status), Result: snap.Result}
	if snap.Err != nil {
		response.Error = snap.Err.Error()
	}
	return marshal(response)
}

func (r *Router) getContent(args map[string]any) (string, error) {
	refID, err := requireString(args, "ref_id")
	if err != nil {
		return "", err
	}
	chunkIndex := intArg(args, "chunk_index", 0)

	data, ref, err := r.content.Get(refID, chunkIndex)
	if err != nil {
		return "", err
	}

	return marshal(struct {
		RefID       string            `json:"ref_id"`
		Kind        contentstore.Kind `json:"kind"`
		ChunkIndex  int               `json:"chunk_index"`
		TotalChunks int               `json:"total_chunks"`
		Mime        string            `json:"mime"`
		Data        string            `json:"data"`
	}{RefID: refID, Kind: ref.Kind, ChunkIndex: chunkIndex, TotalChunks: ref.TotalChunks, Mime: ref.Mime, Data: data})
}

func requireString(args map[string]any, key string) (string, error) {
	v, ok := stringArg(args, key)
	if !ok || v == "" {
		return "", fmt.Errorf("missing required argument %q: %w", key, pkgerrors.ErrInvalidInput)
	}
	return v, nil
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

func intArg(args map[string]any, key string, fallback int) int {
	if v, ok := intArgOK(args, key); ok {
		return v
	}
	return fallback
}

// intArgOK reports whether key is present in args and holds a numeric value,
// so callers can tell an absent argument from one explicitly set to zero.
func intArgOK(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func recordTypePtr(rt vectorindex.RecordType) *vectorindex.RecordType { return &rt }

func marshal(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding result: %w: %w", err, pkgerrors.ErrInternal)
	}
	return string(data), nil
}

func truncateWords(s string, maxWords int) string {
	fields := strings.Fields(s)
	if len(fields) <= maxWords {
		return s
	}
	return strings.Join(fields[:maxWords], " ") + "..."
}
