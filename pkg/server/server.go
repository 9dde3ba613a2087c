package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/marmos91/sharebox/internal/logger"
	"github.com/marmos91/sharebox/pkg/adapter"
	"github.com/marmos91/sharebox/pkg/adapter/sharebox"
	"github.com/marmos91/sharebox/pkg/metrics"
	"github.com/marmos91/sharebox/pkg/registry"
	"github.com/marmos91/sharebox/pkg/sharing"
	"github.com/marmos91/sharebox/pkg/store"
)

var (
	// ErrAlreadyRunning is returned by Start while the server is running.
	ErrAlreadyRunning = errors.New("server is already running")

	// ErrStopCancelled is returned by Stop when the confirmation callback
	// declines to drop the active sessions.
	ErrStopCancelled = errors.New("stop cancelled: sessions are still active")
)

// ConfirmFunc is asked before Stop drops active sessions. It receives the
// number of logged-in users and returns true to proceed.
type ConfirmFunc func(activeSessions int) bool

// Options configures a ShareboxServer.
type Options struct {
	// Adapter configures the listener and per-session limits.
	Adapter sharebox.Config

	// StopTimeout bounds how long Stop waits for sessions to exit when the
	// caller's context has no deadline. Zero means 30s.
	StopTimeout time.Duration
}

// Deps are the long-lived components shared by every start of the server.
type Deps struct {
	// Files holds the per-user trees (required).
	Files store.FileStore

	// Shares is the sharing registry (required).
	Shares sharing.Store

	// Metrics collects adapter metrics. nil disables them.
	Metrics metrics.ShareboxMetrics

	// MetricsServer exposes /metrics. nil disables it.
	MetricsServer *metrics.Server
}

// ShareboxServer controls when the sharebox protocol is served.
//
// Architecture:
// The stores, the connection registry and the metrics collectors live as
// long as the ShareboxServer. The protocol adapter does not: every Start
// builds a new adapter with a fresh listener, and Stop discards it. This
// makes start and stop repeatable within one process.
//
// Lifecycle:
//  1. Creation: New() with options and shared dependencies
//  2. Start(): binds the listener and returns once connections are accepted
//  3. Stop(): asks for confirmation if users are connected, then closes
//     the listener and drops every session
//  4. Steps 2-3 may repeat
//  5. Close(): stops the server and releases the stores
//
// Thread safety:
// All methods are safe for concurrent use.
//
// Example usage:
//
//	srv := server.New(server.Options{Adapter: adapterCfg}, server.Deps{Files: files, Shares: shares})
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	defer srv.Close(context.Background())
type ShareboxServer struct {
	opts Options
	deps Deps

	// sessions outlives adapters so ActiveSessions stays meaningful across restarts
	sessions *registry.Registry

	// newAdapter builds the adapter for one Start
	newAdapter func() adapter.Adapter

	// mu protects current, done and the metrics server state
	mu sync.Mutex

	// current is the running adapter, nil when stopped
	current adapter.Adapter

	// done is closed when current's Serve returns
	done chan struct{}

	// metricsStarted records that the metrics server goroutine is running
	metricsStarted bool

	// stopMetrics cancels the metrics server context
	stopMetrics context.CancelFunc
}

// New creates a stopped ShareboxServer.
//
// Panics if either store is nil (indicates programmer error).
func New(opts Options, deps Deps) *ShareboxServer {
	if deps.Files == nil {
		panic("file store cannot be nil")
	}
	if deps.Shares == nil {
		panic("sharing store cannot be nil")
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}

	s := &ShareboxServer{
		opts:     opts,
		deps:     deps,
		sessions: registry.New(),
	}
	s.newAdapter = func() adapter.Adapter {
		return sharebox.New(s.opts.Adapter, s.sessions, s.deps.Metrics)
	}
	return s
}

// Start binds the listener and begins accepting connections.
//
// Start returns once the listener is bound, so Addr is valid afterwards.
// The context bounds startup only; the server keeps running after ctx is
// cancelled until Stop or Close is called.
//
// Returns ErrAlreadyRunning if the server is running.
func (s *ShareboxServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return ErrAlreadyRunning
	}

	s.startMetricsServer()

	a := s.newAdapter()
	a.SetStores(s.deps.Files, s.deps.Shares)

	serveErr := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		serveErr <- a.Serve(context.Background())
	}()

	select {
	case <-a.Ready():
	case err := <-serveErr:
		if err == nil {
			err = errors.New("adapter stopped during startup")
		}
		return fmt.Errorf("failed to start %s server: %w", a.Protocol(), err)
	case <-ctx.Done():
		_ = a.Stop(context.Background())
		<-done
		return ctx.Err()
	}

	s.current = a
	s.done = done
	go s.watch(a, serveErr)

	logger.Info("Server started on %s", a.Addr())
	return nil
}

// watch clears the running state if the adapter exits without Stop.
func (s *ShareboxServer) watch(a adapter.Adapter, serveErr <-chan error) {
	err := <-serveErr

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != a {
		// Stopped through Stop; nothing to report
		return
	}
	s.current = nil
	s.done = nil
	if err != nil {
		logger.Error("%s server failed: %v", a.Protocol(), err)
	} else {
		logger.Warn("%s server stopped unexpectedly", a.Protocol())
	}
}

func (s *ShareboxServer) startMetricsServer() {
	if s.deps.MetricsServer == nil || s.metricsStarted {
		return
	}
	s.metricsStarted = true

	ctx, cancel := context.WithCancel(context.Background())
	s.stopMetrics = cancel
	go func() {
		if err := s.deps.MetricsServer.Start(ctx); err != nil {
			logger.Error("Metrics server error: %v", err)
		}
	}()
}

// Stop closes the listener and drops every session.
//
// If users are connected and confirm is not nil, confirm decides whether to
// proceed; declining returns ErrStopCancelled and the server keeps running.
// A nil confirm stops unconditionally. Stopping a stopped server is a no-op.
//
// The context bounds how long Stop waits for sessions to exit.
func (s *ShareboxServer) Stop(ctx context.Context, confirm ConfirmFunc) error {
	if !s.Running() {
		logger.Debug("Stop called while server is not running")
		return nil
	}

	// The prompt may block on the operator, so it runs without the lock
	if n := s.sessions.Count(); n > 0 && confirm != nil && !confirm(n) {
		logger.Info("Stop cancelled with %d active session(s)", n)
		return ErrStopCancelled
	}

	s.mu.Lock()
	a, done := s.current, s.done
	s.current = nil
	s.done = nil
	s.mu.Unlock()

	if a == nil {
		// A concurrent Stop got there first
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.StopTimeout)
		defer cancel()
	}

	err := a.Stop(ctx)

	// Sessions still exiting after a timeout must not block their users
	// from logging in after a restart
	s.sessions.Clear()

	if err != nil {
		return fmt.Errorf("failed to stop %s server: %w", a.Protocol(), err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	logger.Info("Server stopped")
	return nil
}

// Close stops the server without confirmation, shuts the metrics server
// down and closes both stores. The server cannot be restarted afterwards.
func (s *ShareboxServer) Close(ctx context.Context) error {
	var errs []error

	if err := s.Stop(ctx, nil); err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	if s.metricsStarted {
		s.stopMetrics()
		if err := s.deps.MetricsServer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.mu.Unlock()

	if err := s.deps.Shares.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sharing store: %w", err))
	}
	if err := s.deps.Files.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close file store: %w", err))
	}
	return errors.Join(errs...)
}

// Running reports whether the server is accepting connections.
func (s *ShareboxServer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// ActiveSessions returns the usernames of connected users, sorted.
func (s *ShareboxServer) ActiveSessions() []string {
	return s.sessions.Usernames()
}

// Sessions returns details of every connected user.
func (s *ShareboxServer) Sessions() []registry.Session {
	return s.sessions.List()
}

// Addr returns the listener address, or nil when stopped.
func (s *ShareboxServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.Addr()
}
