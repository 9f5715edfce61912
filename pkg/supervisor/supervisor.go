// Package supervisor is the cache of live MCPClient sessions keyed by
// server name. It lazily starts servers on first use, coalesces concurrent
// starts for the same server onto a single attempt, evicts idle servers on
// a sweep interval, and exposes explicit start/shutdown operations for
// manage_server.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/milkymap/pulsar-mcp/pkg/config"
	"github.com/milkymap/pulsar-mcp/pkg/logging"
	"github.com/milkymap/pulsar-mcp/pkg/mcpclient"
	"github.com/milkymap/pulsar-mcp/pkg/pkgerrors"
)

// State is a RunningServer's position in the absent→STARTING→READY→STOPPING
// state machine. Any state can transition to FAILED→absent on an
// unrecoverable error.
type State string

const (
	StateStarting State = "STARTING"
	StateReady    State = "READY"
	StateStopping State = "STOPPING"
	StateFailed   State = "FAILED"
)

// RunningServer is a live session plus its lifecycle bookkeeping.
type RunningServer struct {
	Name          string
	State         State
	StartedAt     time.Time
	LastUsedAt    time.Time
	InFlightCount int
}

// Snapshot is the read-only view returned by ListRunning.
type Snapshot struct {
	Name          string
	State         State
	StartedAt     time.Time
	LastUsedAt    time.Time
	InFlightCount int
}

// NewClientFunc constructs the MCPClient for a server; overridable in tests.
type NewClientFunc func(cfg config.ServerConfig, onTerminated mcpclient.OnTerminated) clientHandle

// clientHandle is the subset of *mcpclient.Client the supervisor depends on,
// narrowed to an interface so tests can substitute a fake child process.
type clientHandle interface {
	Start(ctx context.Context) error
	ListTools(ctx context.Context) ([]mcpclient.ToolSpec, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcpclient.RawResult, error)
	Shutdown(ctx context.Context) error
}

// Supervisor is the server table described by spec.md §4.4. A single mutex
// protects the table; start/stop work happens off the lock, and a
// singleflight.Group supplies the per-server "start future" that prevents
// thundering-herd starts.
type Supervisor struct {
	mu      sync.Mutex
	table   map[string]*RunningServer
	clients map[string]clientHandle
	configs map[string]config.ServerConfig

	newClient NewClientFunc
	starts    singleflight.Group

	idleTTL       time.Duration
	sweepInterval time.Duration
	shutdownGrace time.Duration

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// Options configures eviction timing. Zero values fall back to spec.md §9's
// chosen defaults (idle_ttl=5m, sweep=1m, grace=10s).
type Options struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
	ShutdownGrace time.Duration
}

// New returns a Supervisor for the given server configs, keyed by name.
func New(configs []config.ServerConfig, opts Options) *Supervisor {
	cfgByName := make(map[string]config.ServerConfig, len(configs))
	for _, c := range configs {
		cfgByName[c.Name] = c
	}

	s := &Supervisor{
		table:         make(map[string]*RunningServer),
		clients:       make(map[string]clientHandle),
		configs:       cfgByName,
		idleTTL:       orDefault(opts.IdleTTL, 5*time.Minute),
		sweepInterval: orDefault(opts.SweepInterval, time.Minute),
		shutdownGrace: orDefault(opts.ShutdownGrace, 10*time.Second),
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	s.newClient = func(cfg config.ServerConfig, onTerminated mcpclient.OnTerminated) clientHandle {
		return mcpclient.New(cfg, onTerminated)
	}
	return s
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// SetNewClientFunc overrides how MCPClients are constructed. Intended for
// tests that need to substitute a fake child process.
func (s *Supervisor) SetNewClientFunc(f NewClientFunc) {
	s.newClient = f
}

// Acquire returns an existing READY session for serverName or starts one on
// demand. Concurrent Acquire calls for the same server coalesce onto a
// single start attempt.
func (s *Supervisor) Acquire(ctx context.Context, serverName string) (*RunningServer, error) {
	s.mu.Lock()
	cfg, known := s.configs[serverName]
	if !known {
		s.mu.Unlock()
		return nil, fmt.Errorf("server %q: %w", serverName, pkgerrors.ErrUnknownServer)
	}

	if rs, ok := s.table[serverName]; ok && rs.State == StateReady {
		rs.InFlightCount++
		s.mu.Unlock()
		return rs, nil
	}
	s.mu.Unlock()

	_, err, _ := s.starts.Do(serverName, func() (any, error) {
		return nil, s.startLocked(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.table[serverName]
	if !ok || rs.State != StateReady {
		return nil, fmt.Errorf("server %q: %w", serverName, pkgerrors.ErrServerUnavailable)
	}
	rs.InFlightCount++
	return rs, nil
}

// Release decrements in_flight_count and updates last_used_at.
func (s *Supervisor) Release(rs *RunningServer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs.InFlightCount > 0 {
		rs.InFlightCount--
	}
	rs.LastUsedAt = time.Now()
}

// startLocked performs the actual spawn+handshake off the table mutex,
// installing the resulting RunningServer (or removing it on failure) under
// the lock once the work completes.
func (s *Supervisor) startLocked(ctx context.Context, cfg config.ServerConfig) error {
	s.mu.Lock()
	s.table[cfg.Name] = &RunningServer{Name: cfg.Name, State: StateStarting, StartedAt: time.Now()}
	s.mu.Unlock()

	client := s.newClient(cfg, s.onTerminated)

	startCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Timeout())*time.Second)
	defer cancel()

	if err := client.Start(startCtx); err != nil {
		s.mu.Lock()
		delete(s.table, cfg.Name)
		s.mu.Unlock()
		logging.Warnw("server start failed", "server", cfg.Name, "error", err)
		return err
	}

	s.mu.Lock()
	s.clients[cfg.Name] = client
	rs := s.table[cfg.Name]
	rs.State = StateReady
	rs.LastUsedAt = time.Now()
	s.mu.Unlock()

	logging.Infow("server ready", "server", cfg.Name)
	return nil
}

// onTerminated is registered with every MCPClient at construction time and
// fires when the child process dies, marking the server FAILED without a
// back-pointer from MCPClient to Supervisor.
func (s *Supervisor) onTerminated(serverName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs, ok := s.table[serverName]; ok {
		rs.State = StateFailed
	}
}

// CallTool acquires serverName, invokes toolName, and releases the session.
// On SERVER_CRASHED it marks the server FAILED and retries once with a
// fresh start, per spec.md §7's "one retry with fresh start on transient
// failure" recovery policy.
func (s *Supervisor) CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (*mcpclient.RawResult, error) {
	result, err := s.callOnce(ctx, serverName, toolName, args)
	if err == nil || !errors.Is(err, pkgerrors.ErrServerCrashed) {
		return result, err
	}

	s.mu.Lock()
	delete(s.table, serverName)
	delete(s.clients, serverName)
	s.mu.Unlock()

	return s.callOnce(ctx, serverName, toolName, args)
}

func (s *Supervisor) callOnce(ctx context.Context, serverName, toolName string, args map[string]any) (*mcpclient.RawResult, error) {
	rs, err := s.Acquire(ctx, serverName)
	if err != nil {
		return nil, err
	}
	defer s.Release(rs)

	s.mu.Lock()
	client := s.clients[serverName]
	s.mu.Unlock()

	return client.CallTool(ctx, toolName, args)
}

// ListTools acquires serverName just long enough to enumerate its tools,
// used by the Indexer's temporary sessions. A server that was not already
// READY before the call is shut down again once its tools are listed.
func (s *Supervisor) ListTools(ctx context.Context, serverName string) ([]mcpclient.ToolSpec, error) {
	s.mu.Lock()
	existing, wasRunning := s.table[serverName]
	wasRunning = wasRunning && existing.State == StateReady
	s.mu.Unlock()

	rs, err := s.Acquire(ctx, serverName)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	client := s.clients[serverName]
	s.mu.Unlock()

	tools, err := client.ListTools(ctx)
	s.Release(rs)
	if !wasRunning {
		if _, shutdownErr := s.Shutdown(ctx, serverName); shutdownErr != nil {
			logging.Warnw("closing temporary session failed", "server", serverName, "error", shutdownErr)
		}
	}
	return tools, err
}

// Start explicitly starts serverName, used by manage_server{action:start}.
func (s *Supervisor) Start(ctx context.Context, serverName string) (State, error) {
	s.mu.Lock()
	_, known := s.configs[serverName]
	s.mu.Unlock()
	if !known {
		return "", fmt.Errorf("server %q: %w", serverName, pkgerrors.ErrUnknownServer)
	}

	rs, err := s.Acquire(ctx, serverName)
	if err != nil {
		return "", err
	}
	s.Release(rs)

	s.mu.Lock()
	state := s.table[serverName].State
	s.mu.Unlock()
	return state, nil
}

// Shutdown explicitly stops serverName: it waits for in_flight_count to
// drain up to the configured grace deadline, then forcibly terminates.
func (s *Supervisor) Shutdown(ctx context.Context, serverName string) (State, error) {
	s.mu.Lock()
	rs, ok := s.table[serverName]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("server %q: %w", serverName, pkgerrors.ErrUnknownServer)
	}
	rs.State = StateStopping
	client := s.clients[serverName]
	s.mu.Unlock()

	deadline := time.Now().Add(s.shutdownGrace)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		drained := rs.InFlightCount == 0
		s.mu.Unlock()
		if drained {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	var shutdownErr error
	if client != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownGrace)
		shutdownErr = client.Shutdown(shutdownCtx)
		cancel()
	}

	s.mu.Lock()
	delete(s.table, serverName)
	delete(s.clients, serverName)
	s.mu.Unlock()

	if shutdownErr != nil {
		return "", fmt.Errorf("shutting down %q: %w: %w", serverName, shutdownErr, pkgerrors.ErrInternal)
	}
	return StateStopping, nil
}

// ListRunning returns a snapshot of every server currently in the table.
func (s *Supervisor) ListRunning() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := make([]Snapshot, 0, len(s.table))
	for _, rs := range s.table {
		snaps = append(snaps, Snapshot{
			Name:          rs.Name,
			State:         rs.State,
			StartedAt:     rs.StartedAt,
			LastUsedAt:    rs.LastUsedAt,
			InFlightCount: rs.InFlightCount,
		})
	}
	return snaps
}

// StartSweeper launches the idle-eviction background loop. Call once after
// construction; stop it with StopSweeper at process shutdown.
func (s *Supervisor) StartSweeper() {
	go func() {
		defer close(s.sweepDone)
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopSweep:
				return
			case <-ticker.C:
				s.sweepIdle()
			}
		}
	}()
}

// StopSweeper stops the idle-eviction loop and waits for it to exit.
func (s *Supervisor) StopSweeper() {
	close(s.stopSweep)
	<-s.sweepDone
}

func (s *Supervisor) sweepIdle() {
	s.mu.Lock()
	var idle []string
	now := time.Now()
	for name, rs := range s.table {
		if rs.State == StateReady && rs.InFlightCount == 0 && now.Sub(rs.LastUsedAt) > s.idleTTL {
			idle = append(idle, name)
		}
	}
	s.mu.Unlock()

	for _, name := range idle {
		logging.Infow("evicting idle server", "server", name, "idle_ttl", s.idleTTL)
		if _, err := s.Shutdown(context.Background(), name); err != nil {
			logging.Warnw("idle eviction shutdown failed", "server", name, "error", err)
		}
	}
}

// ShutdownAll stops every running server, used at process shutdown.
func (s *Supervisor) ShutdownAll(ctx context.Context) error {
	s.mu.Lock()
	names := make([]string, 0, len(s.table))
	for name := range s.table {
		names = append(names, name)
	}
	s.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if _, err := s.Shutdown(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
