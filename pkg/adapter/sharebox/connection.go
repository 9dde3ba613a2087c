package sharebox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/marmos91/sharebox/internal/logger"
	"github.com/marmos91/sharebox/internal/protocol/wire"
	"github.com/marmos91/sharebox/pkg/metrics"
	"github.com/marmos91/sharebox/pkg/registry"
	"github.com/marmos91/sharebox/pkg/store"
)

// ShareboxConnection serves one client connection.
type ShareboxConnection struct {
	server *ShareboxAdapter
	conn   net.Conn
	reader *bufio.Reader

	// session is set once the handshake succeeds and never changes after
	session registry.Session
}

func NewShareboxConnection(server *ShareboxAdapter, conn net.Conn) *ShareboxConnection {
	return &ShareboxConnection{
		server: server,
		conn:   conn,
		reader: bufio.NewReaderSize(conn, server.transfer.ChunkSize()),
	}
}

// Serve performs the handshake and then handles requests until the peer
// disconnects, a protocol violation occurs, or the server shuts down.
//
// It implements panic recovery so a misbehaving connection cannot crash the
// server. On exit the socket is closed and the username released.
func (c *ShareboxConnection) Serve(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in connection handler from %s: %v",
				c.conn.RemoteAddr().String(), r)
		}
		_ = c.conn.Close()
	}()

	clientAddr := c.conn.RemoteAddr().String()
	logger.Debug("New connection from %s", clientAddr)

	if !c.handshake(ctx) {
		return
	}
	defer func() {
		c.server.sessions.Unregister(c.session.Username, c.session.SessionID)
		logger.Info("User %s disconnected (session %s)", c.session.Username, c.session.SessionID)
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Connection from %s closed due to context cancellation", clientAddr)
			return
		case <-c.server.shutdown:
			logger.Debug("Connection from %s closed due to server shutdown", clientAddr)
			return
		default:
		}

		// Liveness check: blocks until the next request byte arrives or the
		// socket is gone, without consuming anything
		if _, err := c.reader.Peek(1); err != nil {
			c.logConnectionError(err)
			return
		}

		if err := c.handleRequest(ctx); err != nil {
			c.logConnectionError(err)
			return
		}
	}
}

// handshake reads the username and registers the session.
//
// Returns true when the client was accepted and status 0 was sent. On any
// other outcome status 1 is sent when the peer is still there, and the
// caller closes the connection.
func (c *ShareboxConnection) handshake(ctx context.Context) bool {
	clientAddr := c.conn.RemoteAddr().String()

	username, err := wire.ReadString(c.reader, c.server.config.MaxUsernameLength)
	if err != nil {
		if errors.Is(err, wire.ErrFieldTooLong) || errors.Is(err, wire.ErrNegativeLength) {
			logger.Warn("Rejected handshake from %s: %v", clientAddr, err)
			c.rejectHandshake(metrics.HandshakeInvalid)
			return false
		}
		// EOF before a complete username: the peer went away
		logger.Debug("Handshake from %s aborted: %v", clientAddr, err)
		return false
	}

	if !utf8.ValidString(username) {
		logger.Warn("Rejected handshake from %s: username is not valid UTF-8", clientAddr)
		c.rejectHandshake(metrics.HandshakeInvalid)
		return false
	}
	if err := store.ValidateOwner(username); err != nil {
		logger.Warn("Rejected handshake from %s: %v", clientAddr, err)
		c.rejectHandshake(metrics.HandshakeInvalid)
		return false
	}

	session := registry.Session{
		Username:    username,
		SessionID:   uuid.NewString(),
		RemoteAddr:  clientAddr,
		ConnectedAt: time.Now(),
	}

	if !c.server.sessions.TryRegister(session) {
		logger.Warn("Rejected handshake from %s: user %s is already connected", clientAddr, username)
		c.rejectHandshake(metrics.HandshakeDuplicate)
		return false
	}

	if err := c.prepareUser(ctx, username); err != nil {
		logger.Error("Failed to prepare user %s: %v", username, err)
		c.server.sessions.Unregister(session.Username, session.SessionID)
		c.rejectHandshake(metrics.HandshakeError)
		return false
	}

	if err := wire.WriteInt32(c.conn, wire.ResultSuccess); err != nil {
		logger.Debug("Failed to send handshake status to %s: %v", clientAddr, err)
		c.server.sessions.Unregister(session.Username, session.SessionID)
		return false
	}

	c.session = session
	c.server.metrics.RecordHandshake(metrics.HandshakeAccepted)
	logger.Info("User %s connected from %s (session %s)", username, clientAddr, session.SessionID)
	return true
}

// prepareUser creates the sharing record and the directory of a user.
// Both steps are no-ops for a returning user.
func (c *ShareboxConnection) prepareUser(ctx context.Context, username string) error {
	if err := c.server.shares.EnsureUser(ctx, username); err != nil {
		return fmt.Errorf("sharing record: %w", err)
	}
	if err := c.server.files.EnsureUserDir(ctx, username); err != nil {
		return fmt.Errorf("user directory: %w", err)
	}
	return nil
}

func (c *ShareboxConnection) rejectHandshake(result string) {
	c.server.metrics.RecordHandshake(result)
	if err := wire.WriteInt32(c.conn, wire.ResultFailure); err != nil {
		logger.Debug("Failed to send handshake rejection to %s: %v", c.conn.RemoteAddr(), err)
	}
}

// handleRequest reads one opcode and dispatches it.
//
// Returns an error only when the connection can no longer be used. Failed
// operations are answered with a failure result and return nil.
func (c *ShareboxConnection) handleRequest(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	op, err := wire.ReadOpcode(c.reader)
	if err != nil {
		return fmt.Errorf("read opcode: %w", err)
	}

	h, ok := handlers[op]
	if !ok {
		// Only the opcode is consumed; the next read starts right after it
		logger.Warn("Unknown opcode %q from %s, ignored", string(op), c.session.Username)
		return nil
	}

	opName := string(op)
	c.server.metrics.RecordRequestStart(opName)
	defer c.server.metrics.RecordRequestEnd(opName)

	start := time.Now()
	opErr, err := h(c, ctx)
	c.server.metrics.RecordRequest(opName, time.Since(start), errors.Join(opErr, err))

	if opErr != nil {
		logger.Debug("%s from %s failed: %v", opName, c.session.Username, opErr)
	}
	return err
}

// readField reads one length-prefixed string field of a request.
func (c *ShareboxConnection) readField() (string, error) {
	s, err := wire.ReadString(c.reader, c.server.config.MaxFieldLength)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return "", fmt.Errorf("read field: %w", err)
	}
	return s, nil
}

// reply writes the int32 result for opErr.
func (c *ShareboxConnection) reply(opErr error) error {
	if err := wire.WriteResult(c.conn, opErr == nil); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

func (c *ShareboxConnection) logConnectionError(err error) {
	user := c.session.Username

	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		logger.Debug("Connection of %s closed by client", user)
	case errors.Is(err, net.ErrClosed):
		logger.Debug("Connection of %s closed by server", user)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Debug("Connection of %s cancelled: %v", user, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		logger.Debug("Connection of %s timed out: %v", user, err)
	case errors.Is(err, wire.ErrFieldTooLong), errors.Is(err, wire.ErrNegativeLength):
		logger.Warn("Protocol violation from %s: %v", user, err)
	default:
		logger.Debug("Connection of %s ended: %v", user, err)
	}
}
