// Package client implements the sharebox wire protocol on the client side.
//
// A Client holds one authenticated connection. Requests are serialized: the
// protocol has no request IDs, so responses are matched to requests by order.
//
// Example usage:
//
//	c, err := client.Dial(ctx, "127.0.0.1:8888", "alice")
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	if err := c.UploadReader(ctx, "notes.txt", strings.NewReader(text), int64(len(text))); err != nil {
//	    return err
//	}
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/sharebox/internal/protocol/wire"
)

var (
	// ErrUsernameInUse is returned by Dial when the server answers the
	// handshake with a failure status: the username is connected elsewhere
	// or cannot be used.
	ErrUsernameInUse = errors.New("username rejected by server")

	// ErrNotFound is returned by downloads when the server sends a zero
	// size: the file is missing, empty, or not shared with the caller.
	ErrNotFound = errors.New("file not found")

	// ErrRejected is returned when the server answers a request with a
	// failure result.
	ErrRejected = errors.New("request rejected by server")

	// ErrClosed is returned by requests on a closed client.
	ErrClosed = errors.New("client closed")
)

// FileEntry is one line of a BRW listing.
type FileEntry struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Client is an authenticated sharebox connection.
type Client struct {
	mu       sync.Mutex
	conn     net.Conn
	reader   *bufio.Reader
	username string
	closed   bool
}

// Dial connects to addr and performs the handshake as username.
//
// Returns ErrUsernameInUse if the server rejects the username.
func Dial(ctx context.Context, addr, username string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		username: username,
	}

	stop := c.bindContext(ctx)
	ok, err := c.handshake()
	stop()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrUsernameInUse, username)
	}
	return c, nil
}

func (c *Client) handshake() (bool, error) {
	if err := wire.WriteString(c.conn, c.username); err != nil {
		return false, err
	}
	return wire.ReadResult(c.reader)
}

// Username returns the identity used in the handshake.
func (c *Client) Username() string {
	return c.username
}

// Close closes the connection. The server releases the username.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// bindContext makes blocking socket calls fail once ctx is done. The
// returned function must be called when the request finishes.
func (c *Client) bindContext(ctx context.Context) func() {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		_ = c.conn.SetDeadline(time.Time{})
	}
}

// do runs one request with the connection lock held.
func (c *Client) do(ctx context.Context, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stop := c.bindContext(ctx)
	defer stop()
	return fn()
}

// writeRequest sends an opcode followed by string fields.
func (c *Client) writeRequest(op wire.Opcode, fields ...string) error {
	if err := wire.WriteOpcode(c.conn, op); err != nil {
		return err
	}
	for _, f := range fields {
		if err := wire.WriteString(c.conn, f); err != nil {
			return err
		}
	}
	return nil
}

// simple sends a request whose response is a single result.
func (c *Client) simple(ctx context.Context, op wire.Opcode, fields ...string) error {
	return c.do(ctx, func() error {
		if err := c.writeRequest(op, fields...); err != nil {
			return fmt.Errorf("send %s: %w", op, err)
		}
		ok, err := wire.ReadResult(c.reader)
		if err != nil {
			return fmt.Errorf("read %s result: %w", op, err)
		}
		if !ok {
			return fmt.Errorf("%s: %w", op, ErrRejected)
		}
		return nil
	})
}

// Upload sends the local file at localPath and stores it as name.
func (c *Client) Upload(ctx context.Context, localPath, name string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return c.UploadReader(ctx, name, f, info.Size())
}

// UploadReader stores exactly size bytes read from r as name, replacing
// any existing file and its grants.
func (c *Client) UploadReader(ctx context.Context, name string, r io.Reader, size int64) error {
	return c.do(ctx, func() error {
		if err := c.writeRequest(wire.OpUpload, name); err != nil {
			return fmt.Errorf("send UPL: %w", err)
		}
		if err := wire.WriteInt64(c.conn, size); err != nil {
			return fmt.Errorf("send UPL size: %w", err)
		}
		if _, err := io.CopyN(c.conn, r, size); err != nil {
			return fmt.Errorf("send UPL payload: %w", err)
		}

		ok, err := wire.ReadResult(c.reader)
		if err != nil {
			return fmt.Errorf("read UPL result: %w", err)
		}
		if !ok {
			return fmt.Errorf("UPL: %w", ErrRejected)
		}
		return nil
	})
}

// Download writes the caller's file name to w and returns its size.
func (c *Client) Download(ctx context.Context, name string, w io.Writer) (int64, error) {
	return c.download(ctx, w, wire.OpDownload, name)
}

// DownloadShared writes owner's file name to w. The caller must hold a grant.
func (c *Client) DownloadShared(ctx context.Context, owner, name string, w io.Writer) (int64, error) {
	return c.download(ctx, w, wire.OpDownloadShared, name, owner)
}

func (c *Client) download(ctx context.Context, w io.Writer, op wire.Opcode, fields ...string) (int64, error) {
	var n int64
	err := c.do(ctx, func() error {
		if err := c.writeRequest(op, fields...); err != nil {
			return fmt.Errorf("send %s: %w", op, err)
		}
		size, err := wire.ReadInt64(c.reader)
		if err != nil {
			return fmt.Errorf("read %s size: %w", op, err)
		}
		if size <= 0 {
			return fmt.Errorf("%s %s: %w", op, fields[0], ErrNotFound)
		}

		n, err = io.CopyN(w, c.reader, size)
		if err != nil {
			return fmt.Errorf("read %s payload: %w", op, err)
		}
		return nil
	})
	return n, err
}

// browseIdle is how long Browse waits for more listing bytes before it
// treats the reply as complete. The BRW reply carries no length.
const browseIdle = 150 * time.Millisecond

// Browse lists the caller's files. An empty tree yields no entries.
func (c *Client) Browse(ctx context.Context) ([]FileEntry, error) {
	var listing string
	err := c.do(ctx, func() error {
		if err := c.writeRequest(wire.OpBrowse); err != nil {
			return fmt.Errorf("send BRW: %w", err)
		}
		var err error
		listing, err = c.readListing(ctx)
		if err != nil {
			return fmt.Errorf("read BRW listing: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ParseListing(listing)
}

// readListing reads the bare BRW text. It blocks for the first bytes, then
// keeps reading until the server has been quiet for browseIdle.
func (c *Client) readListing(ctx context.Context) (string, error) {
	var b strings.Builder
	buf := make([]byte, 32*1024)

	n, err := c.reader.Read(buf)
	if err != nil {
		return "", err
	}
	b.Write(buf[:n])
	if b.String() == wire.EmptyListing {
		return b.String(), nil
	}

	for {
		deadline := time.Now().Add(browseIdle)
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		_ = c.conn.SetReadDeadline(deadline)
		n, err := c.reader.Read(buf)
		b.Write(buf[:n])
		if err == nil {
			continue
		}

		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			return "", err
		}
		// A timeout caused by ctx is a failure, not the end of the listing
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return b.String(), nil
	}
}

// ParseListing decodes a BRW payload.
//
// Paths may contain spaces, so each line is split from the right.
func ParseListing(listing string) ([]FileEntry, error) {
	if listing == wire.EmptyListing {
		return nil, nil
	}

	var entries []FileEntry
	for _, line := range strings.Split(strings.TrimRight(listing, "\n"), "\n") {
		if line == "" {
			continue
		}

		rest, stamp, ok := cutLast(line)
		if !ok {
			return nil, fmt.Errorf("malformed listing line %q", line)
		}
		path, sizeStr, ok := cutLast(rest)
		if !ok {
			return nil, fmt.Errorf("malformed listing line %q", line)
		}

		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed size in %q: %w", line, err)
		}
		modTime, err := time.Parse(time.RFC3339, stamp)
		if err != nil {
			return nil, fmt.Errorf("malformed timestamp in %q: %w", line, err)
		}

		entries = append(entries, FileEntry{Path: path, Size: size, ModTime: modTime})
	}
	return entries, nil
}

func cutLast(s string) (before, after string, ok bool) {
	i := strings.LastIndexByte(s, ' ')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// Delete removes name and every grant on it.
func (c *Client) Delete(ctx context.Context, name string) error {
	return c.simple(ctx, wire.OpDelete, name)
}

// Rename moves oldName to newName. Fails if newName exists.
func (c *Client) Rename(ctx context.Context, oldName, newName string) error {
	return c.simple(ctx, wire.OpRename, oldName, newName)
}

// Share grants target access to name.
func (c *Client) Share(ctx context.Context, name, target string) error {
	return c.simple(ctx, wire.OpShare, name, target)
}

// Revoke removes every grant made on name.
func (c *Client) Revoke(ctx context.Context, name string) error {
	return c.simple(ctx, wire.OpRevoke, name)
}

// SendRaw writes arbitrary bytes on the connection. It exists to exercise
// server handling of malformed input.
func (c *Client) SendRaw(ctx context.Context, p []byte) error {
	return c.do(ctx, func() error {
		_, err := c.conn.Write(p)
		return err
	})
}
