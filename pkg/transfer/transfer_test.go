package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/marmos91/sharebox/internal/protocol/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingWriter struct {
	after int
	n     int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.n+len(p) > w.after {
		return 0, errors.New("disk full")
	}
	w.n += len(p)
	return len(p), nil
}

func TestReceive_ExactSize(t *testing.T) {
	e := New(Config{}, nil)
	payload := bytes.Repeat([]byte("abcdefgh"), 5000) // spans several chunks
	// Trailing bytes belong to the next frame and must stay unread
	src := bytes.NewReader(append(append([]byte{}, payload...), "UPL"...))

	var dst bytes.Buffer
	n, err := e.Receive(context.Background(), src, &dst, int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, dst.Bytes())

	rest, _ := io.ReadAll(src)
	assert.Equal(t, "UPL", string(rest))
}

func TestReceive_ZeroSize(t *testing.T) {
	e := New(Config{}, nil)
	var dst bytes.Buffer
	n, err := e.Receive(context.Background(), strings.NewReader("x"), &dst, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, dst.Len())
}

func TestReceive_PeerDisconnected(t *testing.T) {
	e := New(Config{}, nil)
	var dst bytes.Buffer
	n, err := e.Receive(context.Background(), strings.NewReader("only ten.."), &dst, 100)
	assert.ErrorIs(t, err, ErrPeerDisconnected)
	assert.Equal(t, int64(10), n)
}

func TestReceive_DataErrEOF(t *testing.T) {
	// Readers may return the final bytes together with io.EOF
	e := New(Config{}, nil)
	src := iotest.DataErrReader(strings.NewReader("hello"))

	var dst bytes.Buffer
	n, err := e.Receive(context.Background(), src, &dst, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "hello", dst.String())
}

func TestReceive_OneByteReader(t *testing.T) {
	e := New(Config{ChunkSize: 4}, nil)
	src := iotest.OneByteReader(strings.NewReader("0123456789"))

	var dst bytes.Buffer
	_, err := e.Receive(context.Background(), src, &dst, 10)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", dst.String())
}

func TestReceive_SinkFailure(t *testing.T) {
	e := New(Config{ChunkSize: 4}, nil)
	src := strings.NewReader("0123456789")

	n, err := e.Receive(context.Background(), src, &failingWriter{after: 4}, 10)
	assert.ErrorIs(t, err, ErrSinkFailed)
	assert.Equal(t, int64(8), n)

	// The caller drains what is left of the payload
	require.NoError(t, e.Drain(context.Background(), src, 10-n))
	assert.Zero(t, src.Len())
}

func TestReceive_NegativeSize(t *testing.T) {
	e := New(Config{}, nil)
	_, err := e.Receive(context.Background(), strings.NewReader(""), io.Discard, -1)
	assert.ErrorIs(t, err, wire.ErrNegativeLength)
}

func TestReceive_CancelledContext(t *testing.T) {
	e := New(Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Receive(ctx, strings.NewReader("data"), io.Discard, 4)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSend_WritesHeaderAndPayload(t *testing.T) {
	e := New(Config{}, nil)
	var out bytes.Buffer

	n, err := e.Send(context.Background(), &out, strings.NewReader("hello world!"), 12)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	size, err := wire.ReadInt64(&out)
	require.NoError(t, err)
	assert.Equal(t, int64(12), size)
	assert.Equal(t, "hello world!", out.String())
}

func TestSend_ShortSource(t *testing.T) {
	e := New(Config{}, nil)
	_, err := e.Send(context.Background(), io.Discard, strings.NewReader("abc"), 10)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSend_Throttled(t *testing.T) {
	// 8 KiB/s with a 4 KiB burst: 12 KiB needs about 1.5s once the bucket is empty
	e := New(Config{ChunkSize: 4096, BandwidthLimit: 8192}, nil)
	payload := bytes.Repeat([]byte{1}, 12288)
	// Consume the initial burst so the measured transfer waits for refill
	require.NoError(t, e.limiter.WaitN(context.Background(), 4096))

	var out bytes.Buffer
	start := time.Now()
	n, err := e.Send(context.Background(), &out, bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Greater(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 8+len(payload), out.Len())
}

func TestSendAbsent(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, SendAbsent(&out))
	assert.Equal(t, make([]byte, 8), out.Bytes())
}
