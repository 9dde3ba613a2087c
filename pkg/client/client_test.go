package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/marmos91/sharebox/internal/protocol/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseListing(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		entries, err := ParseListing(wire.EmptyListing)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("paths with spaces", func(t *testing.T) {
		listing := "notes.txt 12 2024-05-01T10:00:00Z\nmy docs/a b.txt 3 2024-05-02T11:30:00Z\n"

		entries, err := ParseListing(listing)
		require.NoError(t, err)
		require.Len(t, entries, 2)

		assert.Equal(t, "notes.txt", entries[0].Path)
		assert.Equal(t, int64(12), entries[0].Size)
		assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), entries[0].ModTime.UTC())

		assert.Equal(t, "my docs/a b.txt", entries[1].Path)
		assert.Equal(t, int64(3), entries[1].Size)
	})

	t.Run("malformed", func(t *testing.T) {
		for _, listing := range []string{
			"noseparators",
			"name notanumber 2024-05-01T10:00:00Z",
			"name 12 yesterday",
		} {
			_, err := ParseListing(listing)
			assert.Error(t, err, listing)
		}
	})
}

// fakeServer answers one handshake with status and never answers a request.
func fakeServer(t *testing.T, status int32) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if _, err := wire.ReadString(conn, 0); err != nil {
			return
		}
		_ = wire.WriteInt32(conn, status)

		// Hold the connection until the client hangs up
		buf := make([]byte, 64)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	return ln.Addr().String()
}

func TestDial_Rejected(t *testing.T) {
	addr := fakeServer(t, wire.ResultFailure)

	_, err := Dial(context.Background(), addr, "alice")
	require.ErrorIs(t, err, ErrUsernameInUse)
}

func TestDial_Accepted(t *testing.T) {
	addr := fakeServer(t, wire.ResultSuccess)

	c, err := Dial(context.Background(), addr, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Username())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err = c.Delete(context.Background(), "x")
	require.ErrorIs(t, err, ErrClosed)
}

func TestRequest_ContextCancelUnblocks(t *testing.T) {
	// The fake server never answers requests, so only cancellation can
	// end the call
	addr := fakeServer(t, wire.ResultSuccess)

	c, err := Dial(context.Background(), addr, "alice")
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = c.Revoke(ctx, "f.txt")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

// listingServer accepts one session and answers every BRW with parts, each
// written separately.
func listingServer(t *testing.T, parts ...string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if _, err := wire.ReadString(conn, 0); err != nil {
			return
		}
		_ = wire.WriteInt32(conn, wire.ResultSuccess)

		for {
			op, err := wire.ReadOpcode(conn)
			if err != nil || op != wire.OpBrowse {
				return
			}
			for _, p := range parts {
				if _, err := conn.Write([]byte(p)); err != nil {
					return
				}
				time.Sleep(20 * time.Millisecond)
			}
		}
	}()

	return ln.Addr().String()
}

func TestBrowse_UnframedListing(t *testing.T) {
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		c, err := Dial(ctx, listingServer(t, wire.EmptyListing), "alice")
		require.NoError(t, err)
		defer c.Close()

		entries, err := c.Browse(ctx)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("split across writes", func(t *testing.T) {
		addr := listingServer(t,
			"a.txt 1 2024-05-01T10:00:00Z\nb.t",
			"xt 2 2024-05-01T10:00:00Z\n",
		)
		c, err := Dial(ctx, addr, "alice")
		require.NoError(t, err)
		defer c.Close()

		for i := 0; i < 2; i++ {
			entries, err := c.Browse(ctx)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "a.txt", entries[0].Path)
			assert.Equal(t, "b.txt", entries[1].Path)
			assert.Equal(t, int64(2), entries[1].Size)
		}
	})
}
