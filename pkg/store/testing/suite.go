package testing

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/marmos91/sharebox/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreTestSuite exercises the store.FileStore contract so every backend
// (filesystem, S3) is held to the same behavior.
//
// Usage:
//
//	func TestMyStore(t *testing.T) {
//	    suite := &storetesting.StoreTestSuite{
//	        NewStore: func(t *testing.T) store.FileStore {
//	            return mystore.New(t.TempDir())
//	        },
//	    }
//	    suite.Run(t)
//	}
type StoreTestSuite struct {
	// NewStore creates a fresh, empty store for each subtest.
	NewStore func(t *testing.T) store.FileStore
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("BasicOperations", func(t *testing.T) { RunBasicTests(t, suite.NewStore(t)) })
	t.Run("UploadLifecycle", func(t *testing.T) { RunUploadTests(t, suite.NewStore(t)) })
	t.Run("Rename", func(t *testing.T) { RunRenameTests(t, suite.NewStore(t)) })
	t.Run("Listing", func(t *testing.T) { RunListTests(t, suite.NewStore(t)) })
	t.Run("PathSafety", func(t *testing.T) { RunPathSafetyTests(t, suite.NewStore(t)) })
}

func testContext() context.Context {
	return context.Background()
}

// MustPut writes data to owner/rel and fails the test on error.
func MustPut(t *testing.T, s store.FileStore, owner, rel string, data []byte) {
	t.Helper()
	up, err := s.Create(testContext(), owner, rel)
	require.NoError(t, err, "Create should succeed")
	_, err = up.Write(data)
	require.NoError(t, err, "Write should succeed")
	require.NoError(t, up.Commit(testContext()), "Commit should succeed")
}

// MustGet reads owner/rel and fails the test on error.
func MustGet(t *testing.T, s store.FileStore, owner, rel string) []byte {
	t.Helper()
	rc, size, err := s.Open(testContext(), owner, rel)
	require.NoError(t, err, "Open should succeed")
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), size, "reported size should match content")
	return data
}

// AssertNotFound checks that owner/rel does not exist.
func AssertNotFound(t *testing.T, s store.FileStore, owner, rel string) {
	t.Helper()
	_, err := s.Stat(testContext(), owner, rel)
	assert.True(t, errors.Is(err, store.ErrNotFound), "expected ErrNotFound for %s/%s, got %v", owner, rel, err)
}

func RunBasicTests(t *testing.T, s store.FileStore) {
	ctx := testContext()
	require.NoError(t, s.EnsureUserDir(ctx, "alice"))

	t.Run("PutAndGet", func(t *testing.T) {
		data := []byte("hello world!")
		MustPut(t, s, "alice", "notes.txt", data)
		assert.Equal(t, data, MustGet(t, s, "alice", "notes.txt"))

		info, err := s.Stat(ctx, "alice", "notes.txt")
		require.NoError(t, err)
		assert.Equal(t, "notes.txt", info.Path)
		assert.Equal(t, int64(len(data)), info.Size)
		assert.False(t, info.ModTime.IsZero())
	})

	t.Run("Overwrite", func(t *testing.T) {
		MustPut(t, s, "alice", "over.txt", []byte("first version, long"))
		MustPut(t, s, "alice", "over.txt", []byte("second"))
		assert.Equal(t, []byte("second"), MustGet(t, s, "alice", "over.txt"))
	})

	t.Run("EmptyFile", func(t *testing.T) {
		MustPut(t, s, "alice", "empty.bin", nil)
		assert.Empty(t, MustGet(t, s, "alice", "empty.bin"))
	})

	t.Run("OpenMissing", func(t *testing.T) {
		_, _, err := s.Open(ctx, "alice", "missing.txt")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Remove", func(t *testing.T) {
		MustPut(t, s, "alice", "gone.txt", []byte("x"))
		require.NoError(t, s.Remove(ctx, "alice", "gone.txt"))
		AssertNotFound(t, s, "alice", "gone.txt")

		assert.ErrorIs(t, s.Remove(ctx, "alice", "gone.txt"), store.ErrNotFound)
	})

	t.Run("OwnersAreIsolated", func(t *testing.T) {
		require.NoError(t, s.EnsureUserDir(ctx, "bob"))
		MustPut(t, s, "alice", "private.txt", []byte("alice"))
		AssertNotFound(t, s, "bob", "private.txt")
	})
}

func RunUploadTests(t *testing.T, s store.FileStore) {
	ctx := testContext()
	require.NoError(t, s.EnsureUserDir(ctx, "alice"))

	t.Run("AbortLeavesNothing", func(t *testing.T) {
		up, err := s.Create(ctx, "alice", "partial.bin")
		require.NoError(t, err)
		_, err = up.Write(bytes.Repeat([]byte{1}, 4096))
		require.NoError(t, err)
		require.NoError(t, up.Abort())

		AssertNotFound(t, s, "alice", "partial.bin")
	})

	t.Run("ChunkedWrites", func(t *testing.T) {
		up, err := s.Create(ctx, "alice", "chunks.bin")
		require.NoError(t, err)

		var want []byte
		for i := 0; i < 10; i++ {
			chunk := bytes.Repeat([]byte{byte(i)}, 1000)
			want = append(want, chunk...)
			_, err := up.Write(chunk)
			require.NoError(t, err)
		}
		require.NoError(t, up.Commit(ctx))

		assert.Equal(t, want, MustGet(t, s, "alice", "chunks.bin"))
	})

	t.Run("NestedPath", func(t *testing.T) {
		MustPut(t, s, "alice", "a/b/c.txt", []byte("deep"))
		assert.Equal(t, []byte("deep"), MustGet(t, s, "alice", "a/b/c.txt"))
	})
}

func RunRenameTests(t *testing.T, s store.FileStore) {
	ctx := testContext()
	require.NoError(t, s.EnsureUserDir(ctx, "alice"))

	t.Run("Success", func(t *testing.T) {
		MustPut(t, s, "alice", "old.txt", []byte("content"))
		require.NoError(t, s.Rename(ctx, "alice", "old.txt", "new.txt"))

		AssertNotFound(t, s, "alice", "old.txt")
		assert.Equal(t, []byte("content"), MustGet(t, s, "alice", "new.txt"))
	})

	t.Run("SourceMissing", func(t *testing.T) {
		err := s.Rename(ctx, "alice", "nope.txt", "other.txt")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("TargetExists", func(t *testing.T) {
		MustPut(t, s, "alice", "src.txt", []byte("src"))
		MustPut(t, s, "alice", "dst.txt", []byte("dst"))

		err := s.Rename(ctx, "alice", "src.txt", "dst.txt")
		assert.ErrorIs(t, err, store.ErrExists)
		assert.Equal(t, []byte("src"), MustGet(t, s, "alice", "src.txt"))
		assert.Equal(t, []byte("dst"), MustGet(t, s, "alice", "dst.txt"))
	})

	t.Run("IntoSubdirectory", func(t *testing.T) {
		MustPut(t, s, "alice", "move.txt", []byte("m"))
		require.NoError(t, s.Rename(ctx, "alice", "move.txt", "sub/moved.txt"))
		assert.Equal(t, []byte("m"), MustGet(t, s, "alice", "sub/moved.txt"))
	})
}

func RunListTests(t *testing.T, s store.FileStore) {
	ctx := testContext()
	require.NoError(t, s.EnsureUserDir(ctx, "carol"))

	t.Run("Empty", func(t *testing.T) {
		files, err := s.List(ctx, "carol")
		require.NoError(t, err)
		assert.Empty(t, files)
	})

	t.Run("RecursiveSorted", func(t *testing.T) {
		MustPut(t, s, "carol", "b.txt", []byte("bb"))
		MustPut(t, s, "carol", "a.txt", []byte("a"))
		MustPut(t, s, "carol", "dir/c.txt", []byte("ccc"))

		files, err := s.List(ctx, "carol")
		require.NoError(t, err)
		require.Len(t, files, 3)

		assert.Equal(t, "a.txt", files[0].Path)
		assert.Equal(t, int64(1), files[0].Size)
		assert.Equal(t, "b.txt", files[1].Path)
		assert.Equal(t, "dir/c.txt", files[2].Path)
		assert.Equal(t, int64(3), files[2].Size)
	})
}

func RunPathSafetyTests(t *testing.T, s store.FileStore) {
	ctx := testContext()
	require.NoError(t, s.EnsureUserDir(ctx, "alice"))
	require.NoError(t, s.EnsureUserDir(ctx, "bob"))
	MustPut(t, s, "bob", "secret.txt", []byte("bob only"))

	for _, rel := range []string{"../bob/secret.txt", "/etc/passwd", "", "a/../../bob/secret.txt"} {
		_, _, err := s.Open(ctx, "alice", rel)
		assert.ErrorIs(t, err, store.ErrInvalidPath, "path %q", rel)

		_, err = s.Create(ctx, "alice", rel)
		assert.ErrorIs(t, err, store.ErrInvalidPath, "path %q", rel)
	}

	assert.ErrorIs(t, s.EnsureUserDir(ctx, "../escape"), store.ErrInvalidOwner)
}
