// Package taskpool is the priority-scheduled worker pool for background tool
// executions: submit returns immediately with a task id, a fixed-size set of
// workers pulls the highest-priority queued task, executes it against the
// target server, and records the terminal status for later polling.
package taskpool

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/milkymap/pulsar-mcp/pkg/logging"
	"github.com/milkymap/pulsar-mcp/pkg/mcpclient"
	"github.com/milkymap/pulsar-mcp/pkg/pkgerrors"
	"github.com/milkymap/pulsar-mcp/pkg/resultprocessor"
)

// Status is a Task's position in the QUEUED→RUNNING→terminal state machine.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Task is one background execution record.
type Task struct {
	ID          string
	ServerName  string
	ToolName    string
	Arguments   map[string]any
	Priority    int
	SubmittedAt time.Time

	mu     sync.Mutex
	status Status
	result *resultprocessor.ResultEnvelope
	err    error
}

// Snapshot is the read-only view returned by Poll.
type Snapshot struct {
	Status Status
	Result *resultprocessor.ResultEnvelope
	Err    error
}

func (t *Task) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{Status: t.status, Result: t.result, Err: t.err}
}

func (t *Task) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *Task) finish(s Status, result *resultprocessor.ResultEnvelope, err error) {
	t.mu.Lock()
	t.status = s
	t.result = result
	t.err = err
	t.mu.Unlock()
}

// executor is the subset of Supervisor+ResultProcessor a worker needs.
type executor interface {
	CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (*mcpclient.RawResult, error)
}

// taskHeap orders Tasks by (-priority, submitted_at): higher priority first,
// FIFO among equal priorities.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].SubmittedAt.Before(h[j].SubmittedAt)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*Task)) } //nolint:forcetypeassert // heap.Interface contract
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Pool is the fixed-size priority-scheduled worker set.
type Pool struct {
	executor  executor
	processor *resultprocessor.Processor

	mu       sync.Mutex
	queue    taskHeap
	tasks    map[string]*Task
	notEmpty chan struct{}

	maxQueueDepth int
	stop          chan struct{}
	wg            sync.WaitGroup
}

// New returns a Pool with workers workers, backed by executor for tool calls
// and processor for envelope construction. maxQueueDepth <= 0 uses the
// SPEC_FULL.md default of 1024.
func New(executor executor, processor *resultprocessor.Processor, workers, maxQueueDepth int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if maxQueueDepth <= 0 {
		maxQueueDepth = 1024
	}

	p := &Pool{
		executor:      executor,
		processor:     processor,
		tasks:         make(map[string]*Task),
		notEmpty:      make(chan struct{}, 1),
		maxQueueDepth: maxQueueDepth,
		stop:          make(chan struct{}),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues a background execution and returns its task id.
func (p *Pool) Submit(serverName, toolName string, arguments map[string]any, priority int) (string, error) {
	p.mu.Lock()
	if len(p.queue) >= p.maxQueueDepth {
		p.mu.Unlock()
		return "", fmt.Errorf("task queue at capacity (%d): %w", p.maxQueueDepth, pkgerrors.ErrBackpressure)
	}

	task := &Task{
		ID:          uuid.NewString(),
		ServerName:  serverName,
		ToolName:    toolName,
		Arguments:   arguments,
		Priority:    priority,
		SubmittedAt: time.Now(),
		status:      StatusQueued,
	}
	p.tasks[task.ID] = task
	heap.Push(&p.queue, task)
	p.mu.Unlock()

	p.wake()
	return task.ID, nil
}

// Poll returns the current status of taskID and its result/error if terminal.
func (p *Pool) Poll(taskID string) (Snapshot, error) {
	p.mu.Lock()
	task, ok := p.tasks[taskID]
	p.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("task %q: %w", taskID, pkgerrors.ErrNotFound)
	}
	return task.snapshot(), nil
}

// Cancel marks a QUEUED task CANCELLED. A RUNNING or terminal task is
// unaffected; RUNNING tasks are never forcibly interrupted.
func (p *Pool) Cancel(taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	task, ok := p.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %q: %w", taskID, pkgerrors.ErrNotFound)
	}

	task.mu.Lock()
	defer task.mu.Unlock()
	if task.status != StatusQueued {
		return nil
	}
	task.status = StatusCancelled
	p.removeFromQueue(taskID)
	return nil
}

// removeFromQueue drops taskID from the heap; callers hold p.mu.
func (p *Pool) removeFromQueue(taskID string) {
	for i, t := range p.queue {
		if t.ID == taskID {
			heap.Remove(&p.queue, i)
			return
		}
	}
}

func (p *Pool) wake() {
	select {
	case p.notEmpty <- struct{}{}:
	default:
	}
}

// Shutdown stops accepting new work from the queue and waits for in-flight
// workers to finish their current task.
func (p *Pool) Shutdown() {
	close(p.stop)
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		task := p.dequeue()
		if task == nil {
			select {
			case <-p.stop:
				return
			case <-p.notEmpty:
				continue
			case <-time.After(200 * time.Millisecond):
				continue
			}
		}
		p.run(task)
	}
}

func (p *Pool) dequeue() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.queue.Len() > 0 {
		task, _ := heap.Pop(&p.queue).(*Task)
		task.mu.Lock()
		cancelled := task.status == StatusCancelled
		task.mu.Unlock()
		if cancelled {
			continue
		}
		return task
	}
	return nil
}

func (p *Pool) run(task *Task) {
	task.setStatus(StatusRunning)

	ctx := context.Background()
	raw, err := p.executor.CallTool(ctx, task.ServerName, task.ToolName, task.Arguments)
	if err != nil {
		logging.Warnw("background task failed", "task_id", task.ID, "server", task.ServerName, "tool", task.ToolName, "error", err)
		task.finish(StatusFailed, nil, err)
		return
	}

	envelope, err := p.processor.Process(ctx, raw)
	if err != nil {
		task.finish(StatusFailed, nil, err)
		return
	}
	task.finish(StatusSucceeded, envelope, nil)
}
