// Package transfer moves file payloads between a connection and storage.
//
// Uploads are read in fixed-size chunks while tracking how many declared
// bytes remain, so a peer that disconnects mid-payload is detected instead of
// producing a silently truncated file. Downloads are prefixed with an int64
// size header; a zero header means the file is absent.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/marmos91/sharebox/internal/logger"
	"github.com/marmos91/sharebox/internal/protocol/wire"
	"github.com/marmos91/sharebox/internal/ratelimiter"
	"github.com/marmos91/sharebox/pkg/metrics"
)

// DefaultChunkSize is the read size used for uploads.
const DefaultChunkSize = 8192

var (
	// ErrPeerDisconnected is returned when the stream ends before the
	// declared payload size has been received.
	ErrPeerDisconnected = errors.New("transfer: peer disconnected mid-transfer")

	// ErrSinkFailed is returned when the destination rejects a write. The
	// rest of the payload is still pending on the connection.
	ErrSinkFailed = errors.New("transfer: destination write failed")
)

// Config controls chunking and throttling.
type Config struct {
	// ChunkSize is the upload read size. Zero means DefaultChunkSize.
	ChunkSize int

	// BandwidthLimit caps payload throughput in bytes per second across all
	// sessions sharing the engine. Zero means unlimited.
	BandwidthLimit uint
}

// Engine performs payload transfers. One Engine is shared by all sessions.
type Engine struct {
	chunkSize int
	limiter   *ratelimiter.RateLimiter
	metrics   metrics.ShareboxMetrics
}

// New creates an Engine. A nil m disables metrics.
func New(cfg Config, m metrics.ShareboxMetrics) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if m == nil {
		m = metrics.NewNoopShareboxMetrics()
	}

	var limiter *ratelimiter.RateLimiter
	if cfg.BandwidthLimit > 0 {
		// Burst of one chunk keeps throttled transfers smooth
		limiter = ratelimiter.New(cfg.BandwidthLimit, uint(max(cfg.ChunkSize, 1)))
		logger.Info("Transfers throttled to %d B/s (burst %d bytes)", limiter.Limit(), limiter.Burst())
	}

	return &Engine{
		chunkSize: cfg.ChunkSize,
		limiter:   limiter,
		metrics:   m,
	}
}

// ChunkSize returns the upload read size.
func (e *Engine) ChunkSize() int {
	return e.chunkSize
}

// Receive copies exactly size bytes from r into w.
//
// Returns the number of bytes consumed from r, which can exceed the bytes
// accepted by w when w fails. Errors:
//   - ErrPeerDisconnected: r ended early; the session cannot continue
//   - ErrSinkFailed: w failed; size-consumed bytes are still unread on r
//   - context or read errors: the session cannot continue
func (e *Engine) Receive(ctx context.Context, r io.Reader, w io.Writer, size int64) (int64, error) {
	if size < 0 {
		return 0, fmt.Errorf("%w: %d", wire.ErrNegativeLength, size)
	}

	buf := make([]byte, e.chunkSize)
	var consumed int64
	defer func() { e.metrics.RecordBytesTransferred(metrics.DirectionUpload, consumed) }()

	for remaining := size; remaining > 0; {
		if err := ctx.Err(); err != nil {
			return consumed, err
		}

		want := int(min(int64(len(buf)), remaining))
		if err := e.limiter.WaitN(ctx, want); err != nil {
			return consumed, err
		}

		n, err := r.Read(buf[:want])
		if n > 0 {
			consumed += int64(n)
			remaining -= int64(n)
			if _, werr := w.Write(buf[:n]); werr != nil {
				return consumed, fmt.Errorf("%w: %w", ErrSinkFailed, werr)
			}
		}

		switch {
		case err == nil && n == 0:
			// A zero-byte read means the peer has gone away
			return consumed, ErrPeerDisconnected
		case errors.Is(err, io.EOF) && remaining > 0:
			return consumed, ErrPeerDisconnected
		case err != nil && !errors.Is(err, io.EOF):
			return consumed, fmt.Errorf("receive payload: %w", err)
		}
	}

	return consumed, nil
}

// Drain discards n bytes from r so the stream stays aligned on the next frame.
func (e *Engine) Drain(ctx context.Context, r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := e.Receive(ctx, r, io.Discard, n)
	return err
}

// Send writes the size header followed by exactly size bytes from src.
//
// When no bandwidth limit is set the copy goes through io.Copy, so a
// *net.TCPConn destination and an *os.File source use the kernel send path.
func (e *Engine) Send(ctx context.Context, w io.Writer, src io.Reader, size int64) (int64, error) {
	if size < 0 {
		return 0, fmt.Errorf("%w: %d", wire.ErrNegativeLength, size)
	}
	if err := wire.WriteInt64(w, size); err != nil {
		return 0, fmt.Errorf("write size header: %w", err)
	}

	var sent int64
	var err error
	if e.limiter.Unlimited() {
		sent, err = io.Copy(w, io.LimitReader(src, size))
	} else {
		sent, err = e.sendThrottled(ctx, w, src, size)
	}
	e.metrics.RecordBytesTransferred(metrics.DirectionDownload, sent)

	if err != nil {
		return sent, fmt.Errorf("send payload: %w", err)
	}
	if sent < size {
		// The header already promised size bytes; the stream is now unusable
		return sent, fmt.Errorf("send payload: source ended after %d of %d bytes: %w", sent, size, io.ErrUnexpectedEOF)
	}
	return sent, nil
}

func (e *Engine) sendThrottled(ctx context.Context, w io.Writer, src io.Reader, size int64) (int64, error) {
	buf := make([]byte, e.chunkSize)
	var sent int64

	for sent < size {
		want := int(min(int64(len(buf)), size-sent))
		if err := e.limiter.WaitN(ctx, want); err != nil {
			return sent, err
		}

		n, err := io.ReadFull(src, buf[:want])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return sent, werr
			}
			sent += int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return sent, nil
			}
			return sent, err
		}
	}
	return sent, nil
}

// SendAbsent writes the zero size header used for missing or forbidden files.
func SendAbsent(w io.Writer) error {
	return wire.WriteInt64(w, 0)
}
