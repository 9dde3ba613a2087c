package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryRegister_RejectsDuplicate(t *testing.T) {
	reg := New()

	require.True(t, reg.TryRegister(Session{Username: "alice", SessionID: "s1"}))
	assert.False(t, reg.TryRegister(Session{Username: "alice", SessionID: "s2"}))
	assert.Equal(t, 1, reg.Count())

	sessions := reg.List()
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID, "first session must be unaffected")
	assert.False(t, sessions[0].ConnectedAt.IsZero())
}

func TestUnregister_RequiresMatchingSession(t *testing.T) {
	reg := New()
	require.True(t, reg.TryRegister(Session{Username: "alice", SessionID: "s1"}))

	assert.False(t, reg.Unregister("alice", "other"))
	assert.True(t, reg.Contains("alice"))

	assert.True(t, reg.Unregister("alice", "s1"))
	assert.False(t, reg.Contains("alice"))
	assert.False(t, reg.Unregister("alice", "s1"))
}

func TestReRegisterAfterUnregister(t *testing.T) {
	reg := New()
	require.True(t, reg.TryRegister(Session{Username: "bob", SessionID: "a"}))
	require.True(t, reg.Unregister("bob", "a"))
	assert.True(t, reg.TryRegister(Session{Username: "bob", SessionID: "b"}))
}

func TestListSorted(t *testing.T) {
	reg := New()
	for _, u := range []string{"carol", "alice", "bob"} {
		require.True(t, reg.TryRegister(Session{Username: u, SessionID: u}))
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, reg.Usernames())
}

func TestClear(t *testing.T) {
	reg := New()
	require.True(t, reg.TryRegister(Session{Username: "alice", SessionID: "1"}))
	reg.Clear()
	assert.Zero(t, reg.Count())
	assert.False(t, reg.Unregister("alice", "1"))
}

// TestTryRegister_Concurrent races many goroutines for the same name;
// exactly one must win.
func TestTryRegister_Concurrent(t *testing.T) {
	reg := New()
	var wins atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if reg.TryRegister(Session{Username: "racer", SessionID: fmt.Sprint(i)}) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1, reg.Count())
}
