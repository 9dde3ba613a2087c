package sharebox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/sharebox/internal/logger"
	"github.com/marmos91/sharebox/pkg/metrics"
	"github.com/marmos91/sharebox/pkg/registry"
	"github.com/marmos91/sharebox/pkg/sharing"
	"github.com/marmos91/sharebox/pkg/store"
	"github.com/marmos91/sharebox/pkg/transfer"
)

// ShareboxAdapter implements the adapter.Adapter interface for the sharebox
// wire protocol.
//
// Architecture:
// ShareboxAdapter owns the TCP listener and the connection lifecycle. Each
// accepted connection runs in its own goroutine as a ShareboxConnection,
// which performs the username handshake and then serves requests until the
// peer goes away. The accept loop never waits on a connection.
//
// Shutdown flow:
//  1. Context cancelled or Stop() called
//  2. Listener closed (the blocked Accept fails, no new connections)
//  3. shutdownCtx cancelled (in-flight transfers abort between chunks)
//  4. Every tracked connection is closed (sessions are dropped, not notified)
//  5. Wait for session goroutines to exit (up to ShutdownTimeout)
//
// Thread safety:
// All methods are safe for concurrent use. The shutdown mechanism uses sync.Once
// to ensure idempotent behavior even if Stop() is called multiple times.
type ShareboxAdapter struct {
	// config holds the server configuration (address, limits, timeouts)
	config Config

	// mu guards listener, which is written by Serve and read by Stop/Addr
	mu sync.Mutex

	// listener is the TCP listener for accepting client connections
	// Closed during shutdown to stop accepting new connections
	listener net.Listener

	// ready is closed once listener is bound
	ready chan struct{}

	// files holds every user's directory tree
	files store.FileStore

	// shares is the sharing registry consulted by SHR/RVK/DSH and the
	// operations that revoke grants
	shares sharing.Store

	// sessions is the set of logged-in usernames
	sessions *registry.Registry

	// transfer moves upload and download payloads
	transfer *transfer.Engine

	// metrics provides optional Prometheus metrics collection
	metrics metrics.ShareboxMetrics

	// activeConns tracks all session goroutines for shutdown
	activeConns sync.WaitGroup

	// shutdownOnce ensures shutdown is only initiated once
	shutdownOnce sync.Once

	// shutdown signals that shutdown has been initiated
	// Closed by initiateShutdown(), monitored by Serve() and every connection
	shutdown chan struct{}

	// connCount tracks the current number of open connections
	connCount atomic.Int32

	// connSemaphore limits concurrent connections if MaxConnections > 0
	// nil if MaxConnections is 0 (unlimited)
	connSemaphore chan struct{}

	// shutdownCtx is cancelled during shutdown to abort in-flight requests
	shutdownCtx context.Context

	// cancelRequests cancels shutdownCtx during shutdown
	cancelRequests context.CancelFunc

	// activeConnections maps remote address (string) to net.Conn so
	// shutdown can drop every session by closing its socket
	activeConnections sync.Map
}

// Config holds configuration parameters for the sharebox server.
//
// Default values (applied by New if zero):
//   - Port: 8888
//   - MaxConnections: 0 (unlimited)
//   - KeepalivePeriod: 30s (negative disables TCP keep-alive)
//   - ShutdownTimeout: 30s
//   - MaxUsernameLength: 255
//   - MaxFieldLength: 4096
type Config struct {
	// Address is the IPv4 address to bind. Empty means the first
	// non-loopback IPv4 address of a local interface, or 127.0.0.1.
	Address string

	// Port is the TCP port to listen on. 0 picks an ephemeral port.
	Port int

	// MaxConnections limits the number of concurrent client connections.
	// When reached, Accept is not called until a connection closes.
	// 0 means unlimited.
	MaxConnections int

	// KeepalivePeriod is the TCP keep-alive interval used to detect dead
	// peers between requests. Clients have no read timeout, so this is the
	// only liveness check for an idle session.
	KeepalivePeriod time.Duration

	// ShutdownTimeout bounds how long shutdown waits for session goroutines
	// to exit after their sockets are closed.
	ShutdownTimeout time.Duration

	// MaxUsernameLength is the largest username accepted in the handshake.
	MaxUsernameLength int

	// MaxFieldLength is the largest string field accepted in a request.
	MaxFieldLength int

	// Transfer controls chunking and throttling of file payloads.
	Transfer transfer.Config
}

// DefaultPort is the port used when Config.Port is negative.
const DefaultPort = 8888

// applyDefaults fills in zero values with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Port < 0 {
		c.Port = DefaultPort
	}
	if c.KeepalivePeriod == 0 {
		c.KeepalivePeriod = 30 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.MaxUsernameLength == 0 {
		c.MaxUsernameLength = 255
	}
	if c.MaxFieldLength == 0 {
		c.MaxFieldLength = 4096
	}
}

// validate checks that the configuration is usable.
func (c *Config) validate() error {
	if c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("invalid MaxConnections %d: must be >= 0", c.MaxConnections)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid ShutdownTimeout %v: must be > 0", c.ShutdownTimeout)
	}
	if c.MaxUsernameLength < 0 || c.MaxFieldLength < 0 {
		return fmt.Errorf("invalid field limits %d/%d: must be >= 0", c.MaxUsernameLength, c.MaxFieldLength)
	}
	if c.Address != "" {
		ip := net.ParseIP(c.Address)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("invalid address %q: not an IPv4 address", c.Address)
		}
	}
	return nil
}

// New creates a new ShareboxAdapter with the specified configuration.
//
// The adapter is created in a stopped state. Call SetStores() to inject the
// backends, then Serve() to start accepting connections.
//
// Parameters:
//   - config: Server configuration (address, limits, timeouts)
//   - sessions: Connection registry shared with the caller (nil creates one)
//   - m: Optional metrics collector (nil for no metrics)
//
// Panics if config validation fails.
func New(config Config, sessions *registry.Registry, m metrics.ShareboxMetrics) *ShareboxAdapter {
	config.applyDefaults()

	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid sharebox config: %v", err))
	}

	var connSemaphore chan struct{}
	if config.MaxConnections > 0 {
		connSemaphore = make(chan struct{}, config.MaxConnections)
		logger.Debug("Sharebox connection limit: %d", config.MaxConnections)
	} else {
		logger.Debug("Sharebox connection limit: unlimited")
	}

	if sessions == nil {
		sessions = registry.New()
	}
	if m == nil {
		m = metrics.NewNoopShareboxMetrics()
	}

	shutdownCtx, cancelRequests := context.WithCancel(context.Background())

	return &ShareboxAdapter{
		config:         config,
		ready:          make(chan struct{}),
		sessions:       sessions,
		transfer:       transfer.New(config.Transfer, m),
		metrics:        m,
		shutdown:       make(chan struct{}),
		connSemaphore:  connSemaphore,
		shutdownCtx:    shutdownCtx,
		cancelRequests: cancelRequests,
	}
}

// SetStores injects the file store and the sharing registry.
//
// Called exactly once before Serve(), no synchronization needed.
func (s *ShareboxAdapter) SetStores(files store.FileStore, shares sharing.Store) {
	s.files = files
	s.shares = shares
	logger.Debug("Sharebox stores configured")
}

// Serve binds the listener and accepts connections until the context is
// cancelled or Stop is called.
//
// Before listening, the sharing registry is initialized so its backing
// storage exists before the first handshake.
//
// Returns:
//   - nil on shutdown
//   - error if the stores are missing, the registry cannot be initialized,
//     or the listener cannot be created
//
// Serve() should only be called once per ShareboxAdapter instance.
func (s *ShareboxAdapter) Serve(ctx context.Context) error {
	if s.files == nil || s.shares == nil {
		return errors.New("sharebox adapter: stores not configured")
	}

	if err := s.shares.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize sharing registry: %w", err)
	}

	host := s.config.Address
	if host == "" {
		host = detectLocalIPv4()
	}
	bindAddr := net.JoinHostPort(host, strconv.Itoa(s.config.Port))

	// KeepAlive: 0 would mean the runtime default, negative disables it
	lc := net.ListenConfig{KeepAlive: s.config.KeepalivePeriod}
	listener, err := lc.Listen(ctx, "tcp4", bindAddr)
	if err != nil {
		return fmt.Errorf("failed to create sharebox listener on %s: %w", bindAddr, err)
	}

	s.mu.Lock()
	select {
	case <-s.shutdown:
		// Stop won the race before the listener existed
		s.mu.Unlock()
		_ = listener.Close()
		return nil
	default:
	}
	s.listener = listener
	s.mu.Unlock()
	close(s.ready)

	logger.Info("Sharebox server listening on %s", listener.Addr())
	logger.Debug("Sharebox config: max_connections=%d keepalive=%v max_username=%d max_field=%d chunk=%d",
		s.config.MaxConnections, s.config.KeepalivePeriod, s.config.MaxUsernameLength,
		s.config.MaxFieldLength, s.transfer.ChunkSize())

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("Sharebox shutdown signal received: %v", ctx.Err())
			s.initiateShutdown()
		case <-s.shutdown:
		}
	}()

	for {
		if s.connSemaphore != nil {
			select {
			case s.connSemaphore <- struct{}{}:
			case <-s.shutdown:
				return s.waitForConnections()
			}
		}

		tcpConn, err := listener.Accept()
		if err != nil {
			if s.connSemaphore != nil {
				<-s.connSemaphore
			}

			select {
			case <-s.shutdown:
				// Expected: the listener was closed by shutdown
				return s.waitForConnections()
			default:
				logger.Debug("Error accepting sharebox connection: %v", err)
				continue
			}
		}

		s.activeConns.Add(1)
		s.connCount.Add(1)

		connAddr := tcpConn.RemoteAddr().String()
		s.activeConnections.Store(connAddr, tcpConn)

		// A connection accepted while shutdown was closing the listener
		// would otherwise miss forceCloseConnections
		select {
		case <-s.shutdown:
			_ = tcpConn.Close()
		default:
		}

		s.metrics.RecordConnectionAccepted()
		currentConns := s.connCount.Load()
		s.metrics.SetActiveConnections(currentConns)

		logger.Debug("Sharebox connection accepted from %s (active: %d)", connAddr, currentConns)

		conn := s.newConn(tcpConn)
		go func(addr string) {
			defer func() {
				s.activeConnections.Delete(addr)

				s.activeConns.Done()
				s.connCount.Add(-1)
				if s.connSemaphore != nil {
					<-s.connSemaphore
				}

				s.metrics.RecordConnectionClosed()
				currentConns := s.connCount.Load()
				s.metrics.SetActiveConnections(currentConns)

				logger.Debug("Sharebox connection closed from %s (active: %d)", addr, currentConns)
			}()

			conn.Serve(s.shutdownCtx)
		}(connAddr)
	}
}

// initiateShutdown stops the accept loop and drops every session.
//
// Shutdown sequence:
//  1. Close shutdown channel (signals accept loop and connections)
//  2. Close listener (the blocked Accept returns an error)
//  3. Cancel shutdownCtx (in-flight transfers stop between chunks)
//  4. Close every tracked connection
//
// Safe to call multiple times and from multiple goroutines.
func (s *ShareboxAdapter) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		logger.Debug("Sharebox shutdown initiated")

		s.mu.Lock()
		close(s.shutdown)
		listener := s.listener
		s.mu.Unlock()

		if listener != nil {
			if err := listener.Close(); err != nil {
				logger.Debug("Error closing sharebox listener: %v", err)
			}
		}

		s.cancelRequests()
		s.forceCloseConnections()
	})
}

// waitForConnections waits for session goroutines to exit after shutdown,
// up to ShutdownTimeout.
func (s *ShareboxAdapter) waitForConnections() error {
	activeCount := s.connCount.Load()
	if activeCount > 0 {
		logger.Info("Sharebox shutdown: waiting for %d connection(s) to close (timeout: %v)",
			activeCount, s.config.ShutdownTimeout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.wait(ctx); err != nil {
		remaining := s.connCount.Load()
		logger.Warn("Sharebox shutdown timeout exceeded: %d connection(s) still active after %v",
			remaining, s.config.ShutdownTimeout)
		return fmt.Errorf("sharebox shutdown timeout: %d connections still active", remaining)
	}

	logger.Info("Sharebox server stopped")
	return nil
}

// wait blocks until every session goroutine has exited or ctx is done.
func (s *ShareboxAdapter) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// forceCloseConnections closes every tracked TCP connection.
//
// Sessions blocked in a read or write fail immediately, deregister their
// username and exit. Clients see the connection drop; they are not told why.
func (s *ShareboxAdapter) forceCloseConnections() {
	closedCount := 0
	s.activeConnections.Range(func(key, value any) bool {
		addr := key.(string)
		conn := value.(net.Conn)

		if err := conn.Close(); err != nil {
			logger.Debug("Error force-closing connection to %s: %v", addr, err)
		} else {
			closedCount++
			s.metrics.RecordConnectionForceClosed()
			logger.Debug("Force-closed connection to %s", addr)
		}
		return true
	})

	if closedCount > 0 {
		logger.Info("Force-closed %d sharebox connection(s)", closedCount)
	}
}

// Stop shuts the server down and waits for session goroutines to exit.
//
// The context bounds the wait. If ctx is done first, Stop returns its error;
// the sockets are already closed, so the remaining goroutines exit on their
// own shortly after.
//
// Safe to call concurrently from multiple goroutines.
func (s *ShareboxAdapter) Stop(ctx context.Context) error {
	s.initiateShutdown()

	if ctx == nil {
		return s.waitForConnections()
	}

	if err := s.wait(ctx); err != nil {
		logger.Warn("Sharebox shutdown context cancelled: %d connection(s) still active: %v",
			s.connCount.Load(), err)
		return err
	}
	return nil
}

// Ready is closed once the listener is bound.
func (s *ShareboxAdapter) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the listener address, or nil before Ready.
func (s *ShareboxAdapter) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// GetActiveConnections returns the current number of open connections,
// including connections that have not completed the handshake.
func (s *ShareboxAdapter) GetActiveConnections() int32 {
	return s.connCount.Load()
}

// ActiveSessions returns the sessions that completed the handshake.
func (s *ShareboxAdapter) ActiveSessions() []registry.Session {
	return s.sessions.List()
}

func (s *ShareboxAdapter) newConn(tcpConn net.Conn) *ShareboxConnection {
	return NewShareboxConnection(s, tcpConn)
}

// Port returns the bound TCP port, or the configured port before Ready.
func (s *ShareboxAdapter) Port() int {
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return s.config.Port
}

// Protocol returns "sharebox" for logging and metrics.
func (s *ShareboxAdapter) Protocol() string {
	return "sharebox"
}

// detectLocalIPv4 returns the first non-loopback IPv4 address of an
// interface that is up, or 127.0.0.1 if there is none.
func detectLocalIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		logger.Debug("Failed to list network interfaces: %v", err)
		return "127.0.0.1"
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
				return ip4.String()
			}
		}
	}

	logger.Debug("No non-loopback IPv4 interface found, falling back to 127.0.0.1")
	return "127.0.0.1"
}
