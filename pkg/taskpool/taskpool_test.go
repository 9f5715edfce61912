package taskpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milkymap/pulsar-mcp/pkg/contentstore"
	"github.com/milkymap/pulsar-mcp/pkg/mcpclient"
	"github.com/milkymap/pulsar-mcp/pkg/pkgerrors"
	"github.com/milkymap/pulsar-mcp/pkg/resultprocessor"
)

type fakeExecutor struct {
	mu    sync.Mutex
	order []string

	block chan struct{}
}

func (f *fakeExecutor) CallTool(_ context.Context, serverName, toolName string, _ map[string]any) (*mcpclient.RawResult, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.order = append(f.order, toolName)
	f.mu.Unlock()
	return &mcpclient.RawResult{Parts: []mcpclient.Part{{Kind: mcpclient.PartText, Text: serverName + ":" + toolName}}}, nil
}

func newTestProcessor(t *testing.T) *resultprocessor.Processor {
	t.Helper()
	store, err := contentstore.New(t.TempDir(), 5000)
	require.NoError(t, err)
	return resultprocessor.New(store, nil, false)
}

func waitForTerminal(t *testing.T, p *Pool, taskID string) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := p.Poll(taskID)
		require.NoError(t, err)
		if snap.Status == StatusSucceeded || snap.Status == StatusFailed || snap.Status == StatusCancelled {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task did not reach a terminal state in time")
	return Snapshot{}
}

func TestSubmitAndPollSucceeds(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{}
	pool := New(exec, newTestProcessor(t), 2, 0)
	defer pool.Shutdown()

	taskID, err := pool.Submit("fs", "read_file", map[string]any{"path": "/tmp/x"}, 0)
	require.NoError(t, err)

	snap := waitForTerminal(t, pool, taskID)
	assert.Equal(t, StatusSucceeded, snap.Status)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "fs:read_file", snap.Result.Parts[0].Text)
}

func TestPollUnknownTask(t *testing.T) {
	t.Parallel()
	pool := New(&fakeExecutor{}, newTestProcessor(t), 1, 0)
	defer pool.Shutdown()

	_, err := pool.Poll("does-not-exist")
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
}

func TestCancelQueuedTask(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{block: make(chan struct{})}
	pool := New(exec, newTestProcessor(t), 1, 0)
	defer func() {
		close(exec.block)
		pool.Shutdown()
	}()

	blockerID, err := pool.Submit("fs", "blocker", nil, 0)
	require.NoError(t, err)

	queuedID, err := pool.Submit("fs", "queued", nil, 0)
	require.NoError(t, err)

	require.NoError(t, pool.Cancel(queuedID))
	snap, err := pool.Poll(queuedID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, snap.Status)

	_ = blockerID
}

func TestBackpressureAtQueueCapacity(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{block: make(chan struct{})}
	pool := New(exec, newTestProcessor(t), 1, 1)
	defer func() {
		close(exec.block)
		pool.Shutdown()
	}()

	_, err := pool.Submit("fs", "a", nil, 0)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond) // let the worker pick up "a", leaving the queue empty

	_, err = pool.Submit("fs", "b", nil, 0)
	require.NoError(t, err)

	_, err = pool.Submit("fs", "c", nil, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrBackpressure)
}

func TestPriorityDominanceOrdersHigherPriorityFirst(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{block: make(chan struct{})}
	pool := New(exec, newTestProcessor(t), 1, 0)

	blockerID, err := pool.Submit("fs", "d", nil, 0)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond) // ensure the single worker is parked running "d"

	aID, err := pool.Submit("fs", "a", nil, 0)
	require.NoError(t, err)
	bID, err := pool.Submit("fs", "b", nil, 5)
	require.NoError(t, err)
	cID, err := pool.Submit("fs", "c", nil, 1)
	require.NoError(t, err)

	close(exec.block) // release d and let a/b/c run back-to-back

	waitForTerminal(t, pool, blockerID)
	waitForTerminal(t, pool, aID)
	waitForTerminal(t, pool, bID)
	waitForTerminal(t, pool, cID)
	pool.Shutdown()

	exec.mu.Lock()
	order := append([]string(nil), exec.order...)
	exec.mu.Unlock()

	require.Equal(t, []string{"d", "b", "c", "a"}, order)
}
