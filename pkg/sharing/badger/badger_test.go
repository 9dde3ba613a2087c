package badger

import (
	"context"
	"testing"

	"github.com/marmos91/sharebox/pkg/sharing"
	sharingtesting "github.com/marmos91/sharebox/pkg/sharing/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerStore(t *testing.T) {
	suite := &sharingtesting.RegistryTestSuite{
		NewStore: func(t *testing.T) sharing.Store {
			s, err := New(context.Background(), BadgerStoreConfig{DBPath: t.TempDir()})
			require.NoError(t, err)
			return s
		},
	}
	suite.Run(t)
}

func TestBadgerStore_Persistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(ctx, BadgerStoreConfig{DBPath: dir})
	require.NoError(t, err)
	require.NoError(t, s.EnsureUser(ctx, "bob"))
	require.NoError(t, s.Grant(ctx, "bob", "alice/notes.txt"))
	require.NoError(t, s.Close())

	s, err = New(ctx, BadgerStoreConfig{DBPath: dir})
	require.NoError(t, err)
	defer s.Close()

	has, err := s.HasGrant(ctx, "bob", "alice/notes.txt")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestBadgerStore_InMemory(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, BadgerStoreConfig{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.EnsureUser(ctx, "alice"))
	records, err := s.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].Username)
}

func TestBadgerStore_RequiresPath(t *testing.T) {
	_, err := New(context.Background(), BadgerStoreConfig{})
	assert.Error(t, err)
}
