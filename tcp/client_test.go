package tcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEchoClient creates a client against srv whose received regions are
// delivered on the returned channel.
func newEchoClient(t *testing.T, srv *Server, opts ClientOptions) (*Client, chan []byte) {
	t.Helper()

	received := make(chan []byte, 16)
	handler := &ClientHandler{
		SessionHandler: SessionHandler{
			OnReceived: func(s *Session, data []byte) {
				cp := make([]byte, len(data))
				copy(cp, data)
				received <- cp
			},
		},
	}

	client := NewClient(opts, handler, nil)
	t.Cleanup(func() { _ = client.Close() })

	return client, received
}

func TestClient_ConnectSendReceive(t *testing.T) {
	srv := startEchoServer(t)
	client, received := newEchoClient(t, srv, DefaultClientOptions(srv.Address()))

	require.NoError(t, client.Connect())
	assert.True(t, client.IsConnected())
	assert.True(t, client.IsHandshaked())
	assert.Equal(t, StateConnected, client.State())

	require.True(t, client.SendString("hello"))

	select {
	case data := <-received:
		assert.Equal(t, []byte("hello"), data)
	case <-time.After(3 * time.Second):
		t.Fatal("no echo received")
	}

	assert.Eventually(t, func() bool {
		return client.BytesSent() == 5 && client.BytesReceived() == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_ConnectFailure(t *testing.T) {
	opts := DefaultClientOptions("127.0.0.1:1")
	opts.ConnectTimeout = time.Second

	client := NewClient(opts, nil, nil)
	t.Cleanup(func() { _ = client.Close() })

	assert.Error(t, client.Connect())
	assert.Equal(t, StateDisconnected, client.State())
	assert.False(t, client.IsConnected())
}

func TestClient_DoubleConnectRejected(t *testing.T) {
	srv := startEchoServer(t)
	client, _ := newEchoClient(t, srv, DefaultClientOptions(srv.Address()))

	require.NoError(t, client.Connect())
	assert.Error(t, client.Connect())
}

func TestClient_DisconnectAndReconnect(t *testing.T) {
	srv := startEchoServer(t)
	client, received := newEchoClient(t, srv, DefaultClientOptions(srv.Address()))

	require.NoError(t, client.Connect())
	require.NoError(t, client.Disconnect())
	assert.False(t, client.IsConnected())
	assert.False(t, client.Send([]byte("x")))

	require.NoError(t, client.Reconnect())
	assert.True(t, client.IsConnected())

	require.True(t, client.SendString("back"))
	select {
	case data := <-received:
		assert.Equal(t, []byte("back"), data)
	case <-time.After(3 * time.Second):
		t.Fatal("no echo after reconnect")
	}
}

func TestClient_BytesAccumulateAcrossConnections(t *testing.T) {
	srv := startEchoServer(t)
	client, received := newEchoClient(t, srv, DefaultClientOptions(srv.Address()))

	require.NoError(t, client.Connect())
	require.True(t, client.SendString("one"))
	select {
	case <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("no first echo")
	}

	require.NoError(t, client.Reconnect())
	require.True(t, client.SendString("two"))
	select {
	case <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("no second echo")
	}

	assert.Eventually(t, func() bool { return client.BytesSent() == 6 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return client.BytesReceived() == 6 }, 2*time.Second, 10*time.Millisecond)
}

func TestClient_AutoReconnect(t *testing.T) {
	srv := startEchoServer(t)

	opts := DefaultClientOptions(srv.Address())
	opts.AutoReconnect = true
	opts.ReconnectMinDelay = 20 * time.Millisecond
	opts.ReconnectMaxDelay = 100 * time.Millisecond

	client, received := newEchoClient(t, srv, opts)
	require.NoError(t, client.Connect())

	require.Eventually(t, func() bool { return allSessionsReady(srv, 1) }, 2*time.Second, 10*time.Millisecond)

	// Drop the connection from the server side; the client should dial
	// back on its own with a new session.
	previous := client.Session()
	for _, sess := range srv.sessions.Snapshot() {
		sess.Disconnect()
	}

	require.Eventually(t, func() bool {
		current := client.Session()
		return current != nil && current != previous && current.IsConnected()
	}, 5*time.Second, 20*time.Millisecond)

	require.True(t, client.SendString("alive"))
	select {
	case data := <-received:
		assert.Equal(t, []byte("alive"), data)
	case <-time.After(3 * time.Second):
		t.Fatal("no echo after auto-reconnect")
	}
}

func TestClient_CloseIsTerminalAndIdempotent(t *testing.T) {
	srv := startEchoServer(t)
	client, _ := newEchoClient(t, srv, DefaultClientOptions(srv.Address()))

	require.NoError(t, client.Connect())
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	assert.Equal(t, StateClosed, client.State())
	assert.False(t, client.Send([]byte("x")))
	assert.Error(t, client.Connect())
	assert.False(t, client.ConnectAsync())
}

func TestClient_SendSyncNotConnected(t *testing.T) {
	client := NewClient(DefaultClientOptions("127.0.0.1:1"), nil, nil)
	t.Cleanup(func() { _ = client.Close() })

	_, err := client.SendSync([]byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_ConnectAsync(t *testing.T) {
	srv := startEchoServer(t)
	client, _ := newEchoClient(t, srv, DefaultClientOptions(srv.Address()))

	assert.True(t, client.ConnectAsync())
	require.Eventually(t, func() bool { return client.IsConnected() }, 3*time.Second, 10*time.Millisecond)
}
