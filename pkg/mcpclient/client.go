// Package mcpclient manages a single upstream MCP session: it spawns a
// child process with a configured command/args/env, performs the MCP
// initialize handshake, and exposes ListTools/CallTool/Shutdown. Requests
// against one session are correlated by the underlying transport's
// request-id multiplexing, so concurrent CallTool calls on one Client are
// safe.
package mcpclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	mcpclientsdk "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/milkymap/pulsar-mcp/pkg/config"
	"github.com/milkymap/pulsar-mcp/pkg/pkgerrors"
)

// ToolSpec is the subset of an upstream tool's advertisement the Indexer needs.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema mcp.ToolInputSchema
}

// PartKind identifies the shape of one content part of a RawResult.
type PartKind string

const (
	PartText   PartKind = "text"
	PartImage  PartKind = "image"
	PartAudio  PartKind = "audio"
	PartBinary PartKind = "binary"
)

// Part is one ordered element of a tool call's raw result.
type Part struct {
	Kind     PartKind
	Text     string
	Data     []byte
	MimeType string
}

// RawResult is the ordered list of content parts a tool call returned,
// before ResultProcessor chunks/offloads anything.
type RawResult struct {
	Parts   []Part
	IsError bool
}

// OnTerminated is invoked by classifyError when a failed request is followed
// by a failed Ping, i.e. the child process appears to have died; it fires
// once per such failed request, not once per process. It is a callback port rather
// than a back-pointer to the ServerSupervisor, per the cyclic-reference
// avoidance the supervisor's acquire/release contract requires.
type OnTerminated func(serverName string)

// Client is one upstream MCP session over stdio framing.
type Client struct {
	cfg          config.ServerConfig
	onTerminated OnTerminated

	sdk *mcpclientsdk.Client
}

// New returns a Client for cfg. Start must be called before any other method.
func New(cfg config.ServerConfig, onTerminated OnTerminated) *Client {
	return &Client{cfg: cfg, onTerminated: onTerminated}
}

// Start spawns the child process and performs the MCP initialize handshake,
// waiting up to cfg.Timeout() seconds for readiness.
func (c *Client) Start(ctx context.Context) error {
	env := make([]string, 0, len(c.cfg.Env))
	for k, v := range c.cfg.Env {
		env = append(env, k+"="+v)
	}

	sdk, err := mcpclientsdk.NewStdioMCPClient(c.cfg.Command, env, c.cfg.Args...)
	if err != nil {
		return fmt.Errorf("spawning server %q: %w: %w", c.cfg.Name, err, pkgerrors.ErrServerUnavailable)
	}
	c.sdk = sdk

	startCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.Timeout())*time.Second)
	defer cancel()

	_, err = sdk.Initialize(startCtx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "pulsar-mcp",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		_ = sdk.Close()
		if errors.Is(startCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("server %q did not become ready within %ds: %w", c.cfg.Name, c.cfg.Timeout(), pkgerrors.ErrServerUnavailable)
		}
		return fmt.Errorf("initializing server %q: %w: %w", c.cfg.Name, err, pkgerrors.ErrServerUnavailable)
	}

	return nil
}

// ListTools returns every tool the upstream server advertises.
func (c *Client) ListTools(ctx context.Context) ([]ToolSpec, error) {
	result, err := c.sdk.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, c.classifyError(ctx, err, "list_tools")
	}

	specs := make([]ToolSpec, 0, len(result.Tools))
	for _, t := range result.Tools {
		specs = append(specs, ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return specs, nil
}

// CallTool invokes name with args and returns the raw ordered content parts.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*RawResult, error) {
	result, err := c.sdk.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, c.classifyError(ctx, err, "call_tool")
	}

	parts, err := convertContent(result.Content)
	if err != nil {
		return nil, err
	}
	return &RawResult{Parts: parts, IsError: result.IsError}, nil
}

// Shutdown closes the session and terminates the child process.
func (c *Client) Shutdown(_ context.Context) error {
	if c.sdk == nil {
		return nil
	}
	if err := c.sdk.Close(); err != nil {
		return fmt.Errorf("shutting down server %q: %w: %w", c.cfg.Name, err, pkgerrors.ErrInternal)
	}
	return nil
}

// classifyError turns a failed SDK call into a taxonomy error. A failing
// Ping after the original error strongly suggests the child process died
// rather than merely returning a protocol-level failure, so this path also
// fires the OnTerminated callback to let the supervisor mark the server
// FAILED without waiting for a separate health check.
func (c *Client) classifyError(ctx context.Context, err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s on %q timed out: %w", op, c.cfg.Name, pkgerrors.ErrTimeout)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if pingErr := c.sdk.Ping(pingCtx); pingErr != nil {
		if ctx.Err() == nil && c.onTerminated != nil {
			c.onTerminated(c.cfg.Name)
		}
		return fmt.Errorf("%s on %q: child process exited: %w", op, c.cfg.Name, pkgerrors.ErrServerCrashed)
	}

	return fmt.Errorf("%s on %q: %w: %w", op, c.cfg.Name, err, pkgerrors.ErrProtocol)
}

func convertContent(contents []mcp.Content) ([]Part, error) {
	parts := make([]Part, 0, len(contents))
	for _, content := range contents {
		switch v := content.(type) {
		case mcp.TextContent:
			parts = append(parts, Part{Kind: PartText, Text: v.Text})
		case mcp.ImageContent:
			data, err := base64.StdEncoding.DecodeString(v.Data)
			if err != nil {
				return nil, fmt.Errorf("decoding image content: %w: %w", err, pkgerrors.ErrProtocol)
			}
			parts = append(parts, Part{Kind: PartImage, Data: data, MimeType: v.MIMEType})
		case mcp.AudioContent:
			data, err := base64.StdEncoding.DecodeString(v.Data)
			if err != nil {
				return nil, fmt.Errorf("decoding audio content: %w: %w", err, pkgerrors.ErrProtocol)
			}
			parts = append(parts, Part{Kind: PartAudio, Data: data, MimeType: v.MIMEType})
		default:
			parts = append(parts, Part{Kind: PartBinary})
		}
	}
	return parts, nil
}
