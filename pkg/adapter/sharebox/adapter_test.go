package sharebox

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/sharebox/internal/protocol/wire"
	"github.com/marmos91/sharebox/pkg/client"
	"github.com/marmos91/sharebox/pkg/sharing"
	"github.com/marmos91/sharebox/pkg/sharing/flatfile"
	"github.com/marmos91/sharebox/pkg/store"
	"github.com/marmos91/sharebox/pkg/store/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	adapter *ShareboxAdapter
	root    string
	shares  *flatfile.FlatFileStore
	addr    string
}

func startServer(t *testing.T, mutate func(cfg *Config)) *testServer {
	t.Helper()
	root := t.TempDir()

	files, err := fs.NewFSStore(context.Background(), root)
	require.NoError(t, err)
	return startServerWithFiles(t, root, files, mutate)
}

func startServerWithFiles(t *testing.T, root string, files store.FileStore, mutate func(cfg *Config)) *testServer {
	t.Helper()
	ctx := context.Background()
	shares := flatfile.NewInRoot(root)

	cfg := Config{
		Address:         "127.0.0.1",
		Port:            0,
		ShutdownTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	a := New(cfg, nil, nil)
	a.SetStores(files, shares)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx) }()

	select {
	case <-a.Ready():
	case err := <-errCh:
		t.Fatalf("Serve returned before ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}

	t.Cleanup(func() {
		_ = a.Stop(context.Background())
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after Stop")
		}
	})

	return &testServer{
		adapter: a,
		root:    root,
		shares:  shares,
		addr:    a.Addr().String(),
	}
}

func (s *testServer) dial(t *testing.T, username string) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), s.addr, username)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (s *testServer) waitLoggedOut(t *testing.T, username string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !s.adapter.sessions.Contains(username)
	}, 5*time.Second, 10*time.Millisecond, "%s still registered", username)
}

func upload(t *testing.T, c *client.Client, name string, data []byte) {
	t.Helper()
	require.NoError(t, c.UploadReader(context.Background(), name, bytes.NewReader(data), int64(len(data))))
}

func download(c *client.Client, name string) ([]byte, error) {
	var buf bytes.Buffer
	_, err := c.Download(context.Background(), name, &buf)
	return buf.Bytes(), err
}

func downloadShared(c *client.Client, owner, name string) ([]byte, error) {
	var buf bytes.Buffer
	_, err := c.DownloadShared(context.Background(), owner, name, &buf)
	return buf.Bytes(), err
}

// rawLogin opens a connection that speaks the protocol by hand.
func rawLogin(t *testing.T, addr, username string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, wire.WriteString(conn, username))
	ok, err := wire.ReadResult(conn)
	require.NoError(t, err)
	require.True(t, ok, "handshake for %s rejected", username)
	return conn
}

func TestHandshake_CreatesUserDirAndRecord(t *testing.T) {
	srv := startServer(t, nil)
	srv.dial(t, "alice")

	info, err := os.Stat(filepath.Join(srv.root, "alice"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	grants, err := srv.shares.Grants(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, grants)

	data, err := os.ReadFile(filepath.Join(srv.root, flatfile.FileName))
	require.NoError(t, err)
	assert.Equal(t, "alice\n", string(data))
}

func TestHandshake_DuplicateUsernameRejected(t *testing.T) {
	srv := startServer(t, nil)
	first := srv.dial(t, "alice")

	_, err := client.Dial(context.Background(), srv.addr, "alice")
	require.ErrorIs(t, err, client.ErrUsernameInUse)

	// The first session is unaffected
	entries, err := first.Browse(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHandshake_UsernameReleasedOnDisconnect(t *testing.T) {
	srv := startServer(t, nil)

	c, err := client.Dial(context.Background(), srv.addr, "alice")
	require.NoError(t, err)
	require.NoError(t, c.Close())
	srv.waitLoggedOut(t, "alice")

	srv.dial(t, "alice")
}

func TestHandshake_InvalidUsernames(t *testing.T) {
	srv := startServer(t, func(cfg *Config) { cfg.MaxUsernameLength = 16 })

	for _, name := range []string{"", "..", ".hidden", "a/b", `a\b`, "a|b", "bad\nname", strings.Repeat("x", 17), flatfile.FileName} {
		t.Run(fmt.Sprintf("%q", name), func(t *testing.T) {
			_, err := client.Dial(context.Background(), srv.addr, name)
			require.ErrorIs(t, err, client.ErrUsernameInUse)
		})
	}
	assert.Equal(t, 0, srv.adapter.sessions.Count())
}

func TestHandshake_PeerClosesEarly(t *testing.T) {
	srv := startServer(t, nil)

	conn, err := net.Dial("tcp", srv.addr)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return srv.adapter.GetActiveConnections() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUploadDownload_RoundTrip(t *testing.T) {
	srv := startServer(t, nil)
	c := srv.dial(t, "alice")

	data := make([]byte, 100*1024+17)
	_, err := rand.Read(data)
	require.NoError(t, err)

	upload(t, c, "docs/blob.bin", data)

	got, err := download(c, "docs/blob.bin")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	onDisk, err := os.ReadFile(filepath.Join(srv.root, "alice", "docs", "blob.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)
}

func TestDownload_MissingFile(t *testing.T) {
	srv := startServer(t, nil)
	c := srv.dial(t, "alice")

	_, err := download(c, "nope.txt")
	require.ErrorIs(t, err, client.ErrNotFound)

	// The session keeps working after an absent download
	upload(t, c, "yes.txt", []byte("yes"))
}

func TestUpload_InvalidPathDrainsPayload(t *testing.T) {
	srv := startServer(t, nil)
	c := srv.dial(t, "alice")

	err := c.UploadReader(context.Background(), "../escape.txt", strings.NewReader("payload"), 7)
	require.ErrorIs(t, err, client.ErrRejected)

	_, statErr := os.Stat(filepath.Join(srv.root, "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))

	// The stream is still aligned on frames
	upload(t, c, "ok.txt", []byte("ok"))
	got, err := download(c, "ok.txt")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(got))
}

func TestUpload_DisconnectRemovesPartialFile(t *testing.T) {
	srv := startServer(t, nil)
	conn := rawLogin(t, srv.addr, "alice")

	require.NoError(t, wire.WriteOpcode(conn, wire.OpUpload))
	require.NoError(t, wire.WriteString(conn, "partial.bin"))
	require.NoError(t, wire.WriteInt64(conn, 1000))
	_, err := conn.Write(make([]byte, 10))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	srv.waitLoggedOut(t, "alice")
	_, statErr := os.Stat(filepath.Join(srv.root, "alice", "partial.bin"))
	assert.True(t, os.IsNotExist(statErr), "partial upload should be removed")
}

func TestBrowse(t *testing.T) {
	srv := startServer(t, nil)
	conn := rawLogin(t, srv.addr, "alice")
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	// The empty listing is the bare text, with no length prefix
	require.NoError(t, wire.WriteOpcode(conn, wire.OpBrowse))
	reply := make([]byte, len(wire.EmptyListing))
	_, err := io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, wire.EmptyListing, string(reply))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	n, err := conn.Read(make([]byte, 1))
	assert.Zero(t, n, "nothing may follow the listing")
	assert.Error(t, err)

	c := srv.dial(t, "bob")
	upload(t, c, "notes.txt", []byte("hello world!"))
	upload(t, c, "sub dir/a b.txt", []byte("x"))

	entries, err := c.Browse(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "notes.txt", entries[0].Path)
	assert.Equal(t, int64(12), entries[0].Size)
	assert.WithinDuration(t, time.Now(), entries[0].ModTime, time.Minute)
	assert.Equal(t, "sub dir/a b.txt", entries[1].Path)
	assert.Equal(t, int64(1), entries[1].Size)
}

func TestShareScenario(t *testing.T) {
	srv := startServer(t, nil)
	ctx := context.Background()
	alice := srv.dial(t, "alice")
	bob := srv.dial(t, "bob")

	content := []byte("hello world!")
	upload(t, alice, "notes.txt", content)

	entries, err := alice.Browse(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "notes.txt", entries[0].Path)
	assert.Equal(t, int64(12), entries[0].Size)

	require.NoError(t, alice.Share(ctx, "notes.txt", "bob"))

	got, err := downloadShared(bob, "alice", "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	require.NoError(t, alice.Revoke(ctx, "notes.txt"))

	_, err = downloadShared(bob, "alice", "notes.txt")
	require.ErrorIs(t, err, client.ErrNotFound)
}

func TestDownloadShared_RequiresGrant(t *testing.T) {
	srv := startServer(t, nil)
	alice := srv.dial(t, "alice")
	bob := srv.dial(t, "bob")

	upload(t, alice, "secret.txt", []byte("secret"))

	_, err := downloadShared(bob, "alice", "secret.txt")
	require.ErrorIs(t, err, client.ErrNotFound)

	// Owners can always read their own files through DSH
	got, err := downloadShared(alice, "alice", "secret.txt")
	require.NoError(t, err)
	assert.Equal(t, "secret", string(got))
}

func TestReupload_RevokesShares(t *testing.T) {
	srv := startServer(t, nil)
	ctx := context.Background()
	alice := srv.dial(t, "alice")
	bob := srv.dial(t, "bob")

	upload(t, alice, "f.txt", []byte("v1"))
	require.NoError(t, alice.Share(ctx, "f.txt", "bob"))

	upload(t, alice, "f.txt", []byte("v2"))

	_, err := downloadShared(bob, "alice", "f.txt")
	require.ErrorIs(t, err, client.ErrNotFound)

	granted, err := srv.shares.HasGrant(ctx, "bob", sharing.Token("alice", "f.txt"))
	require.NoError(t, err)
	assert.False(t, granted)
}

// createFailingStore fails Create while failCreate is set.
type createFailingStore struct {
	*fs.FSStore
	failCreate atomic.Bool
}

func (s *createFailingStore) Create(ctx context.Context, owner, rel string) (store.Upload, error) {
	if s.failCreate.Load() {
		return nil, errors.New("no space left on device")
	}
	return s.FSStore.Create(ctx, owner, rel)
}

func TestReupload_FailedCreateKeepsShares(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fsStore, err := fs.NewFSStore(ctx, root)
	require.NoError(t, err)
	files := &createFailingStore{FSStore: fsStore}

	srv := startServerWithFiles(t, root, files, nil)
	alice := srv.dial(t, "alice")
	bob := srv.dial(t, "bob")

	upload(t, alice, "f.txt", []byte("v1"))
	require.NoError(t, alice.Share(ctx, "f.txt", "bob"))

	files.failCreate.Store(true)
	err = alice.UploadReader(ctx, "f.txt", strings.NewReader("v2"), 2)
	require.ErrorIs(t, err, client.ErrRejected)

	granted, err := srv.shares.HasGrant(ctx, "bob", sharing.Token("alice", "f.txt"))
	require.NoError(t, err)
	assert.True(t, granted, "a rejected upload must not drop existing grants")

	got, err := downloadShared(bob, "alice", "f.txt")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))
}

func TestDelete_RevokesShares(t *testing.T) {
	srv := startServer(t, nil)
	ctx := context.Background()
	alice := srv.dial(t, "alice")
	srv.dial(t, "bob")
	srv.dial(t, "carol")

	upload(t, alice, "f.txt", []byte("data"))
	require.NoError(t, alice.Share(ctx, "f.txt", "bob"))
	require.NoError(t, alice.Share(ctx, "f.txt", "carol"))

	require.NoError(t, alice.Delete(ctx, "f.txt"))

	records, err := srv.shares.Records(ctx)
	require.NoError(t, err)
	for _, rec := range records {
		assert.False(t, rec.Has("alice/f.txt"), "%s still holds a grant", rec.Username)
	}

	_, statErr := os.Stat(filepath.Join(srv.root, "alice", "f.txt"))
	assert.True(t, os.IsNotExist(statErr))

	require.ErrorIs(t, alice.Delete(ctx, "f.txt"), client.ErrRejected)
}

func TestRename(t *testing.T) {
	srv := startServer(t, nil)
	ctx := context.Background()
	alice := srv.dial(t, "alice")
	bob := srv.dial(t, "bob")

	upload(t, alice, "old.txt", []byte("data"))
	upload(t, alice, "taken.txt", []byte("other"))
	require.NoError(t, alice.Share(ctx, "old.txt", "bob"))

	require.ErrorIs(t, alice.Rename(ctx, "old.txt", "taken.txt"), client.ErrRejected)
	require.ErrorIs(t, alice.Rename(ctx, "missing.txt", "new.txt"), client.ErrRejected)

	require.NoError(t, alice.Rename(ctx, "old.txt", "new.txt"))

	got, err := download(alice, "new.txt")
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))

	grants, err := srv.shares.Grants(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, grants)

	_, err = downloadShared(bob, "alice", "new.txt")
	require.ErrorIs(t, err, client.ErrNotFound)
}

func TestShare_Failures(t *testing.T) {
	srv := startServer(t, nil)
	ctx := context.Background()
	alice := srv.dial(t, "alice")
	srv.dial(t, "bob")

	upload(t, alice, "f.txt", []byte("data"))

	tests := []struct {
		name   string
		file   string
		target string
	}{
		{name: "missing file", file: "nope.txt", target: "bob"},
		{name: "self share", file: "f.txt", target: "alice"},
		{name: "unknown user", file: "f.txt", target: "mallory"},
		{name: "invalid target", file: "f.txt", target: "a|b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, alice.Share(ctx, tt.file, tt.target), client.ErrRejected)
		})
	}
}

func TestShare_Idempotent(t *testing.T) {
	srv := startServer(t, nil)
	ctx := context.Background()
	alice := srv.dial(t, "alice")
	srv.dial(t, "bob")

	upload(t, alice, "f.txt", []byte("data"))
	require.NoError(t, alice.Share(ctx, "f.txt", "bob"))
	require.NoError(t, alice.Share(ctx, "./f.txt", "bob"))

	grants, err := srv.shares.Grants(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice/f.txt"}, grants)
}

func TestRevoke_NothingGranted(t *testing.T) {
	srv := startServer(t, nil)
	alice := srv.dial(t, "alice")

	upload(t, alice, "f.txt", []byte("data"))
	require.ErrorIs(t, alice.Revoke(context.Background(), "f.txt"), client.ErrRejected)
}

func TestUnknownOpcode_Ignored(t *testing.T) {
	srv := startServer(t, nil)
	conn := rawLogin(t, srv.addr, "alice")
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	// The unknown opcode and a valid request arrive in a single write
	_, err := conn.Write([]byte("XYZ" + string(wire.OpBrowse)))
	require.NoError(t, err)

	reply := make([]byte, len(wire.EmptyListing))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, wire.EmptyListing, string(reply))

	// Several unknown opcodes in a row are skipped one by one
	c := srv.dial(t, "bob")
	require.NoError(t, c.SendRaw(context.Background(), []byte("XYZQQQ")))
	upload(t, c, "after.txt", []byte("still here"))
	got, err := download(c, "after.txt")
	require.NoError(t, err)
	assert.Equal(t, "still here", string(got))
}

func TestFieldTooLong_EndsSession(t *testing.T) {
	srv := startServer(t, func(cfg *Config) { cfg.MaxFieldLength = 300 })
	conn := rawLogin(t, srv.addr, "alice")

	require.NoError(t, wire.WriteOpcode(conn, wire.OpDownload))
	require.NoError(t, wire.WriteString(conn, strings.Repeat("a", 301)))

	srv.waitLoggedOut(t, "alice")
}

func TestStop_DropsSessions(t *testing.T) {
	srv := startServer(t, nil)
	c := srv.dial(t, "alice")
	srv.dial(t, "bob")

	require.Len(t, srv.adapter.ActiveSessions(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.adapter.Stop(ctx))

	assert.Equal(t, 0, srv.adapter.sessions.Count())
	assert.Equal(t, int32(0), srv.adapter.GetActiveConnections())

	_, err := c.Browse(context.Background())
	require.Error(t, err)

	_, err = net.DialTimeout("tcp", srv.addr, time.Second)
	require.Error(t, err, "listener should be closed")

	// Stop is idempotent
	require.NoError(t, srv.adapter.Stop(ctx))
}

func TestMaxConnections(t *testing.T) {
	srv := startServer(t, func(cfg *Config) { cfg.MaxConnections = 1 })
	first := srv.dial(t, "alice")

	// The second connection completes the TCP handshake in the backlog but
	// is not accepted until the first one leaves
	result := make(chan error, 1)
	go func() {
		c, err := client.Dial(context.Background(), srv.addr, "bob")
		if err == nil {
			_ = c.Close()
		}
		result <- err
	}()

	select {
	case err := <-result:
		t.Fatalf("second dial completed while at the limit: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, first.Close())

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("second dial never completed")
	}
}

func TestConcurrentShareRevoke_RegistryStaysWellFormed(t *testing.T) {
	srv := startServer(t, nil)
	ctx := context.Background()

	const users = 6
	const rounds = 15

	clients := make([]*client.Client, users)
	for i := range clients {
		clients[i] = srv.dial(t, fmt.Sprintf("user%d", i))
		upload(t, clients[i], "shared.txt", []byte(fmt.Sprintf("from user%d", i)))
	}

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *client.Client) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				target := fmt.Sprintf("user%d", (i+r%(users-1)+1)%users)
				if err := c.Share(ctx, "shared.txt", target); err != nil {
					t.Errorf("user%d share with %s: %v", i, target, err)
					return
				}
				if r%3 == 2 {
					if err := c.Revoke(ctx, "shared.txt"); err != nil {
						t.Errorf("user%d revoke: %v", i, err)
						return
					}
				}
			}
		}(i, c)
	}
	wg.Wait()

	data, err := os.ReadFile(srv.shares.Path())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, users)

	seen := make(map[string]bool)
	for _, line := range lines {
		fields := strings.Split(line, sharing.Separator)
		username := fields[0]
		assert.Regexp(t, `^user\d$`, username)
		assert.False(t, seen[username], "duplicate record for %s", username)
		seen[username] = true

		for _, token := range fields[1:] {
			assert.True(t, sharing.ValidToken(token), "malformed token %q", token)
			owner, rel, _ := sharing.ParseToken(token)
			assert.Regexp(t, `^user\d$`, owner)
			assert.Equal(t, "shared.txt", rel)
		}
	}
}

func TestDetectLocalIPv4(t *testing.T) {
	ip := net.ParseIP(detectLocalIPv4())
	require.NotNil(t, ip)
	assert.NotNil(t, ip.To4())
}

func TestNew_InvalidConfigPanics(t *testing.T) {
	assert.Panics(t, func() { New(Config{Address: "::1"}, nil, nil) })
	assert.Panics(t, func() { New(Config{MaxConnections: -1}, nil, nil) })
}
