package config

import (
	"fmt"

	"github.com/milkymap/pulsar-mcp/pkg/pkgerrors"
)

// Validate checks that every ServerConfig has the fields required to spawn
// its child process. It does not contact any server.
func Validate(configs []ServerConfig) error {
	seen := make(map[string]bool, len(configs))
	for _, cfg := range configs {
		if cfg.Name == "" {
			return fmt.Errorf("server entry missing name: %w", pkgerrors.ErrConfig)
		}
		if seen[cfg.Name] {
			return fmt.Errorf("duplicate server name %q: %w", cfg.Name, pkgerrors.ErrConfig)
		}
		seen[cfg.Name] = true

		if cfg.Command == "" {
			return fmt.Errorf("server %q: command is required: %w", cfg.Name, pkgerrors.ErrConfig)
		}
		if cfg.Timeout() <= 0 {
			return fmt.Errorf("server %q: timeout_seconds must be positive: %w", cfg.Name, pkgerrors.ErrConfig)
		}
	}
	return nil
}
