// Package pkgerrors defines the sentinel errors shared across pulsar-mcp
// subsystems. Each sentinel corresponds to one error kind surfaced to
// callers; wrap one of these with fmt.Errorf("...: %w", Err...) and check
// with errors.Is, never by comparing strings.
package pkgerrors

import "errors"

var (
	// ErrConfig indicates invalid or missing configuration at startup.
	ErrConfig = errors.New("config error")

	// ErrUnknownServer indicates a server_name that is not in the servers-config file.
	ErrUnknownServer = errors.New("unknown server")

	// ErrUnknownTool indicates a (server_name, tool_name) pair that was never indexed.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrBlocked indicates the tool is indexed but listed in the server's blocked_tools.
	ErrBlocked = errors.New("blocked tool")

	// ErrServerUnavailable indicates a child MCP server failed to start within its timeout.
	ErrServerUnavailable = errors.New("server unavailable")

	// ErrServerCrashed indicates the child process died while a call was in flight.
	ErrServerCrashed = errors.New("server crashed")

	// ErrProtocol indicates a malformed or unexpected MCP protocol message.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout indicates an operation exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrBackpressure indicates a queue was full at submission time.
	ErrBackpressure = errors.New("backpressure")

	// ErrStorage indicates a ContentStore or VectorIndex I/O failure.
	ErrStorage = errors.New("storage error")

	// ErrUpstreamLLM indicates the Embedder/Describer/Vision provider failed.
	ErrUpstreamLLM = errors.New("upstream llm error")

	// ErrInternal indicates a bug or unexpected invariant violation.
	ErrInternal = errors.New("internal error")

	// ErrNotFound indicates a lookup by ref_id, task_id, or similar key found nothing.
	ErrNotFound = errors.New("not found")

	// ErrOutOfRange indicates a chunk_index at or beyond total_chunks.
	ErrOutOfRange = errors.New("out of range")

	// ErrInvalidInput indicates a caller-supplied argument failed validation.
	ErrInvalidInput = errors.New("invalid input")
)

// kindNames maps each sentinel to the taxonomy name used in the
// "ERROR:<kind>: <message>" envelope prefix.
var kindNames = map[error]string{
	ErrConfig:             "CONFIG_ERROR",
	ErrUnknownServer:      "UNKNOWN_SERVER",
	ErrUnknownTool:        "UNKNOWN_TOOL",
	ErrBlocked:            "BLOCKED",
	ErrServerUnavailable:  "SERVER_UNAVAILABLE",
	ErrServerCrashed:      "SERVER_CRASHED",
	ErrProtocol:           "PROTOCOL_ERROR",
	ErrTimeout:            "TIMEOUT",
	ErrBackpressure:       "BACKPRESSURE",
	ErrStorage:            "STORAGE_ERROR",
	ErrUpstreamLLM:        "UPSTREAM_LLM_ERROR",
	ErrInternal:           "INTERNAL",
	ErrNotFound:           "NOT_FOUND",
	ErrOutOfRange:         "OUT_OF_RANGE",
	ErrInvalidInput:       "INVALID_INPUT",
}

// Kind returns the taxonomy name of a sentinel that err wraps, or
// "INTERNAL" if err doesn't wrap any known sentinel. kindNames is a map, so
// when err wraps more than one distinct sentinel, which of their names is
// returned is not defined.
func Kind(err error) string {
	for sentinel, name := range kindNames {
		if errors.Is(err, sentinel) {
			return name
		}
	}
	return "INTERNAL"
}
