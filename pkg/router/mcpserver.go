package router

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/milkymap/pulsar-mcp/pkg/config"
	"github.com/milkymap/pulsar-mcp/pkg/logging"
	"github.com/milkymap/pulsar-mcp/pkg/pkgerrors"
)

const toolName = "semantic_router"

// MCPServer is the outward MCP server exposing the single semantic_router
// meta-tool over stdio or Streamable HTTP.
type MCPServer struct {
	router  *Router
	sdk     *server.MCPServer
	configs []config.ServerConfig
}

// NewMCPServer wires r into an outward server.MCPServer, registering one
// semantic_router tool whose description embeds the live server/hints
// directory so the calling model sees it without enlarging the static
// tool schema.
func NewMCPServer(r *Router, configs []config.ServerConfig, version string) *MCPServer {
	sdk := server.NewMCPServer("pulsar-mcp", version, server.WithToolCapabilities(false))

	m := &MCPServer{router: r, sdk: sdk, configs: configs}
	sdk.AddTool(m.buildTool(), m.handle)
	return m
}

func (m *MCPServer) buildTool() mcp.Tool {
	return mcp.NewTool(toolName,
		mcp.WithDescription(m.describeServers()),
		mcp.WithString("operation",
			mcp.Required(),
			mcp.Description("one of: search_tools, get_server_info, list_server_tools, get_tool_details, manage_server, list_running_servers, execute_tool, poll_task_result, get_content"),
		),
		mcp.WithString("query", mcp.Description("search_tools: natural-language query")),
		mcp.WithNumber("top_k", mcp.Description("search_tools: max results, default 5, capped at 50")),
		mcp.WithString("server_filter", mcp.Description("search_tools: restrict results to one server")),
		mcp.WithString("server_name", mcp.Description("server-scoped operations: target server")),
		mcp.WithString("tool_name", mcp.Description("tool-scoped operations: target tool")),
		mcp.WithString("action", mcp.Description("manage_server: start or shutdown")),
		mcp.WithObject("arguments", mcp.Description("execute_tool: arguments passed through to the upstream tool")),
		mcp.WithBoolean("in_background", mcp.Description("execute_tool: run asynchronously and return a task_id")),
		mcp.WithNumber("priority", mcp.Description("execute_tool: background task priority, higher runs first")),
		mcp.WithString("task_id", mcp.Description("poll_task_result: task id returned by execute_tool")),
		mcp.WithString("ref_id", mcp.Description("get_content: content reference id")),
		mcp.WithNumber("chunk_index", mcp.Description("get_content: chunk offset, default 0")),
	)
}

func (m *MCPServer) describeServers() string {
	var b strings.Builder
	b.WriteString("Dispatches every operation against the indexed MCP servers below through one multiplexed tool.\n\nIndexed servers:\n")

	names := make([]string, 0, len(m.configs))
	for _, cfg := range m.configs {
		if !cfg.Ignore {
			names = append(names, cfg.Name)
		}
	}
	sort.Strings(names)

	byName := make(map[string]config.ServerConfig, len(m.configs))
	for _, cfg := range m.configs {
		byName[cfg.Name] = cfg
	}

	for _, name := range names {
		cfg := byName[name]
		if len(cfg.Hints) > 0 {
			fmt.Fprintf(&b, "- %s (%s)\n", name, strings.Join(cfg.Hints, "; "))
		} else {
			fmt.Fprintf(&b, "- %s\n", name)
		}
	}
	return b.String()
}

func (m *MCPServer) handle(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		args = map[string]any{}
	}

	operation, _ := args["operation"].(string)
	result, err := m.router.Dispatch(ctx, operation, args)
	if err != nil {
		logging.Warnw("semantic_router operation failed", "operation", operation, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("ERROR:%s: %s", pkgerrors.Kind(err), err.Error())), nil
	}
	return mcp.NewToolResultText(result), nil
}

// ServeStdio serves the outward tool over stdio framing, blocking until
// server.ServeStdio returns; ctx is not consulted.
func (m *MCPServer) ServeStdio(_ context.Context) error {
	return server.ServeStdio(m.sdk)
}

// ServeHTTP serves the outward tool over Streamable HTTP at addr, blocking
// until ctx is cancelled.
func (m *MCPServer) ServeHTTP(ctx context.Context, addr string) error {
	httpServer := server.NewStreamableHTTPServer(m.sdk)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return httpServer.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
