package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milkymap/pulsar-mcp/pkg/config"
	"github.com/milkymap/pulsar-mcp/pkg/mcpclient"
	"github.com/milkymap/pulsar-mcp/pkg/pkgerrors"
)

type fakeClient struct {
	startCalls   atomic.Int32
	callToolFunc func(name string, args map[string]any) (*mcpclient.RawResult, error)
	failStart    bool
}

func (f *fakeClient) Start(context.Context) error {
	f.startCalls.Add(1)
	if f.failStart {
		return pkgerrors.ErrServerUnavailable
	}
	return nil
}

func (f *fakeClient) ListTools(context.Context) ([]mcpclient.ToolSpec, error) {
	return []mcpclient.ToolSpec{{Name: "read_file"}}, nil
}

func (f *fakeClient) CallTool(_ context.Context, name string, args map[string]any) (*mcpclient.RawResult, error) {
	if f.callToolFunc != nil {
		return f.callToolFunc(name, args)
	}
	return &mcpclient.RawResult{Parts: []mcpclient.Part{{Kind: mcpclient.PartText, Text: "ok"}}}, nil
}

func (f *fakeClient) Shutdown(context.Context) error { return nil }

func newTestSupervisor(t *testing.T, fake *fakeClient) *Supervisor {
	t.Helper()
	configs := []config.ServerConfig{{Name: "fs", Command: "mcp-fs", TimeoutSeconds: 5}}
	s := New(configs, Options{})
	s.SetNewClientFunc(func(config.ServerConfig, mcpclient.OnTerminated) clientHandle {
		return fake
	})
	return s
}

func TestAcquireLazilyStartsServer(t *testing.T) {
	t.Parallel()
	fake := &fakeClient{}
	s := newTestSupervisor(t, fake)

	assert.Empty(t, s.ListRunning())

	rs, err := s.Acquire(context.Background(), "fs")
	require.NoError(t, err)
	assert.Equal(t, StateReady, rs.State)
	assert.Equal(t, int32(1), fake.startCalls.Load())

	running := s.ListRunning()
	require.Len(t, running, 1)
	assert.Equal(t, "fs", running[0].Name)
}

func TestAcquireUnknownServer(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(t, &fakeClient{})

	_, err := s.Acquire(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrUnknownServer)
}

func TestAcquireCoalescesConcurrentStarts(t *testing.T) {
	t.Parallel()
	fake := &fakeClient{}
	s := newTestSupervisor(t, fake)

	const n = 10
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.Acquire(context.Background(), "fs")
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	assert.Equal(t, int32(1), fake.startCalls.Load(), "concurrent acquires for the same server must coalesce onto one start")
}

func TestCallToolRetriesOnceAfterCrash(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	fake := &fakeClient{
		callToolFunc: func(string, map[string]any) (*mcpclient.RawResult, error) {
			if calls.Add(1) == 1 {
				return nil, pkgerrors.ErrServerCrashed
			}
			return &mcpclient.RawResult{Parts: []mcpclient.Part{{Kind: mcpclient.PartText, Text: "hello"}}}, nil
		},
	}
	s := newTestSupervisor(t, fake)

	result, err := s.CallTool(context.Background(), "fs", "read_file", map[string]any{"path": "/tmp/x.txt"})
	require.NoError(t, err)
	require.Len(t, result.Parts, 1)
	assert.Equal(t, "hello", result.Parts[0].Text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdleEvictionShutsDownServer(t *testing.T) {
	t.Parallel()
	fake := &fakeClient{}
	configs := []config.ServerConfig{{Name: "fs", Command: "mcp-fs", TimeoutSeconds: 5}}
	s := New(configs, Options{IdleTTL: time.Millisecond})
	s.SetNewClientFunc(func(config.ServerConfig, mcpclient.OnTerminated) clientHandle { return fake })

	rs, err := s.Acquire(context.Background(), "fs")
	require.NoError(t, err)
	s.Release(rs)

	time.Sleep(5 * time.Millisecond)
	s.sweepIdle()

	assert.Empty(t, s.ListRunning())
}
