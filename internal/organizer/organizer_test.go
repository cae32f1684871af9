package organizer

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clapshot/clapshot-server/internal/logging"
)

// pairedBridges wires two in-process Bridges over a net.Pipe so tests can
// exercise the protocol without spawning a real Organizer process.
func pairedBridges(t *testing.T) (client *Bridge, server *Bridge) {
	t.Helper()
	a, b := net.Pipe()
	client = newBridge(a, logging.NewDefault())
	server = newBridge(b, logging.NewDefault())
	t.Cleanup(func() { client.Close(); server.Close() })
	return client, server
}

func TestCallRoundTrips(t *testing.T) {
	client, server := pairedBridges(t)

	server.Handle("ping", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var req map[string]string
		require.NoError(t, json.Unmarshal(params, &req))
		return map[string]string{"pong": req["ping"]}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var resp map[string]string
	err := client.Call(ctx, "ping", map[string]string{"ping": "hi"}, &resp)
	require.NoError(t, err)
	assert.Equal(t, "hi", resp["pong"])
}

func TestCallPropagatesHandlerError(t *testing.T) {
	client, server := pairedBridges(t)

	server.Handle("explode", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, assertErr
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.Call(ctx, "explode", nil, nil)
	require.Error(t, err)
}

var assertErr = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestCallToUnknownMethodFails(t *testing.T) {
	client, _ := pairedBridges(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.Call(ctx, "does_not_exist", nil, nil)
	require.Error(t, err)
}

func TestCallRespectsContextCancellation(t *testing.T) {
	client, server := pairedBridges(t)
	_ = server // server never replies, simulating a hung Organizer

	server.Handle("slow", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		select {} // never returns
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := client.Call(ctx, "slow", nil, nil)
	require.Error(t, err)
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestHandshakeRetriesThenSucceeds(t *testing.T) {
	client, server := pairedBridges(t)

	attempts := 0
	server.Handle("handshake", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, assertErr
		}
		return HandshakeResponse{OK: true, Features: []string{"authz"}}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := Handshake(ctx, client, HandshakeRequest{CoreVersion: "1.0", DataDir: filepath.Join(t.TempDir())})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, 3, attempts)
}
