package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_ServesMetrics(t *testing.T) {
	InitRegistry()
	require.True(t, IsEnabled())

	srv := NewServer(ServerConfig{Address: "127.0.0.1", Port: 0})
	// Port 0 is replaced by the default, so bind explicitly to an ephemeral port
	srv.addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}

func TestServer_StopIsIdempotent(t *testing.T) {
	srv := NewServer(ServerConfig{})
	ctx := context.Background()
	assert.NoError(t, srv.Stop(ctx))
	assert.NoError(t, srv.Stop(ctx))
}
