package testing

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/marmos91/sharebox/pkg/sharing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RegistryTestSuite exercises the sharing.Store contract.
//
// Usage:
//
//	suite := &sharingtesting.RegistryTestSuite{
//	    NewStore: func(t *testing.T) sharing.Store {
//	        return flatfile.NewInRoot(t.TempDir())
//	    },
//	}
//	suite.Run(t)
type RegistryTestSuite struct {
	// NewStore returns a fresh, uninitialized registry for each subtest.
	NewStore func(t *testing.T) sharing.Store
}

// Run executes all tests in the suite.
func (suite *RegistryTestSuite) Run(t *testing.T) {
	t.Run("Users", func(t *testing.T) { RunUserTests(t, suite.open(t)) })
	t.Run("Grants", func(t *testing.T) { RunGrantTests(t, suite.open(t)) })
	t.Run("Revocation", func(t *testing.T) { RunRevocationTests(t, suite.open(t)) })
	t.Run("Concurrency", func(t *testing.T) { RunConcurrencyTests(t, suite.open(t)) })
}

func (suite *RegistryTestSuite) open(t *testing.T) sharing.Store {
	t.Helper()
	s := suite.NewStore(t)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func RunUserTests(t *testing.T, s sharing.Store) {
	ctx := context.Background()

	t.Run("EnsureUserCreatesEmptyRecord", func(t *testing.T) {
		require.NoError(t, s.EnsureUser(ctx, "alice"))

		grants, err := s.Grants(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, grants)
	})

	t.Run("EnsureUserIsIdempotent", func(t *testing.T) {
		require.NoError(t, s.EnsureUser(ctx, "bob"))
		require.NoError(t, s.EnsureUser(ctx, "bob"))

		records, err := s.Records(ctx)
		require.NoError(t, err)

		count := 0
		for _, r := range records {
			if r.Username == "bob" {
				count++
			}
		}
		assert.Equal(t, 1, count, "at most one record per username")
	})

	t.Run("UnknownUser", func(t *testing.T) {
		_, err := s.Grants(ctx, "nobody")
		assert.ErrorIs(t, err, sharing.ErrUserNotFound)

		has, err := s.HasGrant(ctx, "nobody", "alice/a.txt")
		require.NoError(t, err)
		assert.False(t, has)
	})
}

func RunGrantTests(t *testing.T, s sharing.Store) {
	ctx := context.Background()
	require.NoError(t, s.EnsureUser(ctx, "alice"))
	require.NoError(t, s.EnsureUser(ctx, "bob"))

	t.Run("Grant", func(t *testing.T) {
		require.NoError(t, s.Grant(ctx, "bob", "alice/notes.txt"))

		has, err := s.HasGrant(ctx, "bob", "alice/notes.txt")
		require.NoError(t, err)
		assert.True(t, has)

		has, err = s.HasGrant(ctx, "alice", "alice/notes.txt")
		require.NoError(t, err)
		assert.False(t, has, "grant must only apply to the grantee")
	})

	t.Run("GrantIsIdempotent", func(t *testing.T) {
		require.NoError(t, s.Grant(ctx, "bob", "alice/dup.txt"))
		require.NoError(t, s.Grant(ctx, "bob", "alice/dup.txt"))

		grants, err := s.Grants(ctx, "bob")
		require.NoError(t, err)

		count := 0
		for _, g := range grants {
			if g == "alice/dup.txt" {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})

	t.Run("GrantToUnknownUser", func(t *testing.T) {
		err := s.Grant(ctx, "mallory", "alice/notes.txt")
		assert.ErrorIs(t, err, sharing.ErrUserNotFound)
	})

	t.Run("InvalidToken", func(t *testing.T) {
		err := s.Grant(ctx, "bob", "alice/a | b")
		assert.ErrorIs(t, err, sharing.ErrInvalidToken)
	})

	t.Run("GrantsPreserveOrder", func(t *testing.T) {
		require.NoError(t, s.EnsureUser(ctx, "carol"))
		require.NoError(t, s.Grant(ctx, "carol", "alice/1.txt"))
		require.NoError(t, s.Grant(ctx, "carol", "alice/2.txt"))
		require.NoError(t, s.Grant(ctx, "carol", "bob/3.txt"))

		grants, err := s.Grants(ctx, "carol")
		require.NoError(t, err)
		assert.Equal(t, []string{"alice/1.txt", "alice/2.txt", "bob/3.txt"}, grants)
	})
}

func RunRevocationTests(t *testing.T, s sharing.Store) {
	ctx := context.Background()
	for _, u := range []string{"alice", "bob", "carol"} {
		require.NoError(t, s.EnsureUser(ctx, u))
	}

	t.Run("RevokeSingleGrantee", func(t *testing.T) {
		require.NoError(t, s.Grant(ctx, "bob", "alice/one.txt"))
		require.NoError(t, s.Grant(ctx, "carol", "alice/one.txt"))

		removed, err := s.Revoke(ctx, "bob", "alice/one.txt")
		require.NoError(t, err)
		assert.True(t, removed)

		has, err := s.HasGrant(ctx, "carol", "alice/one.txt")
		require.NoError(t, err)
		assert.True(t, has, "other grantees keep their grant")

		removed, err = s.Revoke(ctx, "bob", "alice/one.txt")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("RevokeAll", func(t *testing.T) {
		require.NoError(t, s.Grant(ctx, "bob", "alice/all.txt"))
		require.NoError(t, s.Grant(ctx, "carol", "alice/all.txt"))
		require.NoError(t, s.Grant(ctx, "carol", "alice/keep.txt"))

		n, err := s.RevokeAll(ctx, "alice/all.txt")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		records, err := s.Records(ctx)
		require.NoError(t, err)
		for _, r := range records {
			assert.False(t, r.Has("alice/all.txt"), "%s still holds revoked token", r.Username)
		}

		has, err := s.HasGrant(ctx, "carol", "alice/keep.txt")
		require.NoError(t, err)
		assert.True(t, has)
	})

	t.Run("RevokeAllNothing", func(t *testing.T) {
		n, err := s.RevokeAll(ctx, "alice/never-shared.txt")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("RevokeUnknownUser", func(t *testing.T) {
		removed, err := s.Revoke(ctx, "nobody", "alice/x.txt")
		require.NoError(t, err)
		assert.False(t, removed)
	})
}

// RunConcurrencyTests hammers the registry from many goroutines and checks
// that no update is lost.
func RunConcurrencyTests(t *testing.T, s sharing.Store) {
	ctx := context.Background()
	const workers = 16
	const perWorker = 10

	for w := 0; w < workers; w++ {
		require.NoError(t, s.EnsureUser(ctx, fmt.Sprintf("user%d", w)))
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker*2)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			grantee := fmt.Sprintf("user%d", w)
			for i := 0; i < perWorker; i++ {
				token := fmt.Sprintf("owner/file-%d.txt", i)
				if err := s.Grant(ctx, grantee, token); err != nil {
					errs <- err
				}
				// Odd files are revoked again, even files stay granted
				if i%2 == 1 {
					if _, err := s.Revoke(ctx, grantee, token); err != nil {
						errs <- err
					}
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	records, err := s.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, workers)

	for _, r := range records {
		assert.Len(t, r.Tokens, perWorker/2, "record %s", r.Username)
		for i := 0; i < perWorker; i += 2 {
			assert.True(t, r.Has(fmt.Sprintf("owner/file-%d.txt", i)), "record %s lost grant %d", r.Username, i)
		}
	}
}
