package pkgerrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"unknown tool", fmt.Errorf("tool %q: %w", "read_file", ErrUnknownTool), "UNKNOWN_TOOL"},
		{"blocked", ErrBlocked, "BLOCKED"},
		{"wrapped timeout", fmt.Errorf("call_tool: %w", ErrTimeout), "TIMEOUT"},
		{"plain error", fmt.Errorf("boom"), "INTERNAL"},
		{"out of range", fmt.Errorf("chunk 4: %w", ErrOutOfRange), "OUT_OF_RANGE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}
