package adapter

import (
	"context"
	"net"

	"github.com/marmos91/sharebox/pkg/sharing"
	"github.com/marmos91/sharebox/pkg/store"
)

// Adapter represents a protocol server that can be managed by the sharebox
// lifecycle controller.
//
// Lifecycle:
//  1. Creation: Adapter is created with protocol-specific configuration
//  2. Store injection: SetStores() provides the file store and sharing registry
//  3. Startup: Serve() binds the listener and blocks until shutdown
//  4. Shutdown: Stop() closes the listener and drops every session
//
// An adapter instance serves at most once. Restarting a server means
// creating a new adapter, which binds a fresh listener.
//
// Thread safety:
// Implementations must be safe for concurrent use. SetStores() is called
// once before Serve(), but Stop() may be called concurrently with Serve().
type Adapter interface {
	// Serve starts the protocol server and blocks until the context is cancelled,
	// Stop is called, or an unrecoverable error occurs.
	//
	// Returns:
	//   - nil on shutdown
	//   - error if the listener cannot be created or the stores cannot be initialized
	Serve(ctx context.Context) error

	// SetStores injects the file store and the sharing registry.
	//
	// Called exactly once before Serve(), no synchronization needed.
	SetStores(files store.FileStore, shares sharing.Store)

	// Stop shuts the server down. Safe to call multiple times and concurrently
	// with Serve(). The context bounds how long Stop waits for session
	// goroutines to exit.
	Stop(ctx context.Context) error

	// Ready is closed once the listener is bound and Addr() is valid.
	Ready() <-chan struct{}

	// Addr returns the bound listener address, or nil before Ready.
	Addr() net.Addr

	// Protocol returns the human-readable protocol name for logging and metrics.
	Protocol() string

	// Port returns the TCP port the adapter is listening on, or the
	// configured port before the listener is bound.
	Port() int
}
