// Package config loads and validates the two configuration surfaces the
// router depends on: the servers-config JSON document (which upstream MCP
// servers exist and how to spawn them) and the runtime Settings bound from
// environment variables and CLI flags.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/milkymap/pulsar-mcp/pkg/pkgerrors"
)

// DefaultTimeoutSeconds is applied to a ServerConfig that omits timeout_seconds.
const DefaultTimeoutSeconds = 30

// ServerConfig is an immutable record describing one upstream MCP server.
type ServerConfig struct {
	// Name is the unique key this server is addressed by; populated from the
	// mcpServers map key, not from the JSON body itself.
	Name string `json:"-"`

	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Hints          []string          `json:"hints,omitempty"`
	BlockedTools   []string          `json:"blocked_tools,omitempty"`
	Ignore         bool              `json:"ignore,omitempty"`
	Overwrite      bool              `json:"overwrite,omitempty"`
}

// IsBlocked reports whether toolName is in this server's blocked_tools list.
func (s *ServerConfig) IsBlocked(toolName string) bool {
	for _, b := range s.BlockedTools {
		if b == toolName {
			return true
		}
	}
	return false
}

// Timeout returns the configured timeout, applying the default when unset.
func (s *ServerConfig) Timeout() int {
	if s.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds
	}
	return s.TimeoutSeconds
}

// ServersFile is the top-level shape of the servers-config JSON document.
type ServersFile struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// LoadServers reads and parses the servers-config file at path, validates it,
// and returns the configs with Name populated from the map key, in
// deterministic alphabetical order by name.
func LoadServers(path string) ([]ServerConfig, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path is an operator-supplied CLI flag
	if err != nil {
		return nil, fmt.Errorf("reading servers config %q: %w", path, pkgerrors.ErrConfig)
	}

	var file ServersFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing servers config %q: %w: %w", path, err, pkgerrors.ErrConfig)
	}

	configs := make([]ServerConfig, 0, len(file.MCPServers))
	for name, cfg := range file.MCPServers {
		cfg.Name = name
		configs = append(configs, cfg)
	}

	if err := Validate(configs); err != nil {
		return nil, err
	}

	sort.Slice(configs, func(i, j int) bool { return configs[i].Name < configs[j].Name })
	return configs, nil
}
