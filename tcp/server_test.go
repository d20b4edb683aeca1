package tcp

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-sockets/cacher"
)

// startEchoServer starts a plain server that echoes every received region
// back to its sender.
func startEchoServer(t *testing.T) *Server {
	t.Helper()

	handler := &ServerHandler{
		NewSession: func(s *Session) *SessionHandler {
			return &SessionHandler{
				OnReceived: func(s *Session, data []byte) {
					s.Send(data)
				},
			}
		},
	}

	srv := NewServer("echo", "127.0.0.1:0", handler, DefaultOptions(), nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		if srv.IsRunning() {
			_ = srv.Stop()
		}
	})

	return srv
}

// dialServer opens a raw client connection to the server.
func dialServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", srv.Address(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

// readExactly reads n bytes from conn within the deadline.
func readExactly(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)

	return buf
}

// allSessionsReady reports whether exactly n sessions are registered and
// handshaked.
func allSessionsReady(srv *Server, n int) bool {
	sessions := srv.sessions.Snapshot()
	if len(sessions) != n {
		return false
	}
	for _, s := range sessions {
		if !s.IsHandshaked() {
			return false
		}
	}
	return true
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer("lifecycle", "127.0.0.1:0", nil, DefaultOptions(), nil)

	require.NoError(t, srv.Start())
	assert.True(t, srv.IsRunning())
	assert.NotEqual(t, "127.0.0.1:0", srv.Address())

	t.Run("double start fails", func(t *testing.T) {
		assert.Error(t, srv.Start())
	})

	require.NoError(t, srv.Stop())
	assert.False(t, srv.IsRunning())

	t.Run("stop when not running fails", func(t *testing.T) {
		assert.Error(t, srv.Stop())
	})
}

func TestServer_Echo(t *testing.T) {
	srv := startEchoServer(t)
	conn := dialServer(t, srv)

	_, err := conn.Write([]byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, []byte("hello"), readExactly(t, conn, 5))

	assert.Eventually(t, func() bool {
		return srv.BytesReceived() == 5 && srv.BytesSent() == 5
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return srv.ConnectedSessions() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, srv.SessionHighWater(), int64(1))
}

func TestServer_Multicast(t *testing.T) {
	srv := startEchoServer(t)

	conns := make([]net.Conn, 3)
	for i := range conns {
		conns[i] = dialServer(t, srv)
	}

	require.Eventually(t, func() bool { return allSessionsReady(srv, 3) }, 2*time.Second, 10*time.Millisecond)

	queued := srv.MulticastString("ping")
	assert.Equal(t, 3, queued)

	for _, conn := range conns {
		assert.Equal(t, []byte("ping"), readExactly(t, conn, 4))
	}
}

func TestServer_MulticastSync(t *testing.T) {
	srv := startEchoServer(t)

	conns := make([]net.Conn, 2)
	for i := range conns {
		conns[i] = dialServer(t, srv)
	}

	require.Eventually(t, func() bool { return allSessionsReady(srv, 2) }, 2*time.Second, 10*time.Millisecond)

	sent, err := srv.MulticastSync([]byte("sync"))
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	for _, conn := range conns {
		assert.Equal(t, []byte("sync"), readExactly(t, conn, 4))
	}
}

func TestServer_DisconnectOnSentinel(t *testing.T) {
	var mu sync.Mutex
	var captured *Session

	handler := &ServerHandler{
		NewSession: func(s *Session) *SessionHandler {
			mu.Lock()
			captured = s
			mu.Unlock()
			return &SessionHandler{
				OnReceived: func(s *Session, data []byte) {
					if string(data) == "!" {
						s.Disconnect()
					}
				},
			}
		},
	}

	srv := NewServer("sentinel", "127.0.0.1:0", handler, DefaultOptions(), nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		if srv.IsRunning() {
			_ = srv.Stop()
		}
	})

	conn := dialServer(t, srv)
	_, err := conn.Write([]byte("!"))
	require.NoError(t, err)

	// The peer observes the close as EOF.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	mu.Lock()
	sess := captured
	mu.Unlock()
	require.NotNil(t, sess)
	assert.False(t, sess.IsConnected())
	assert.False(t, sess.Send([]byte("after")))
	assert.Eventually(t, func() bool { return srv.ConnectedSessions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_StopDisconnectsSessions(t *testing.T) {
	srv := startEchoServer(t)

	c1 := dialServer(t, srv)
	c2 := dialServer(t, srv)
	require.Eventually(t, func() bool { return allSessionsReady(srv, 2) }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Stop())
	assert.Equal(t, 0, srv.ConnectedSessions())

	for _, conn := range []net.Conn{c1, c2} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, err := conn.Read(make([]byte, 1))
		assert.Error(t, err)
	}
}

func TestServer_Restart(t *testing.T) {
	events := &eventLog{}
	handler := &ServerHandler{
		OnStarted:   func(srv *Server) { events.add("started") },
		OnStopping:  func(srv *Server) { events.add("stopping") },
		OnStopped:   func(srv *Server) { events.add("stopped") },
		OnRestarted: func(srv *Server) { events.add("restarted") },
		NewSession: func(s *Session) *SessionHandler {
			return &SessionHandler{OnReceived: func(s *Session, data []byte) { s.Send(data) }}
		},
	}

	srv := NewServer("restart", "127.0.0.1:0", handler, DefaultOptions(), nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		if srv.IsRunning() {
			_ = srv.Stop()
		}
	})

	require.NoError(t, srv.Restart())
	assert.True(t, srv.IsRunning())
	assert.Equal(t, []string{"started", "stopping", "stopped", "started", "restarted"}, events.snapshot())

	// A fresh client cannot tell the restarted server from a new one.
	conn := dialServer(t, srv)
	_, err := conn.Write([]byte("again"))
	require.NoError(t, err)
	assert.Equal(t, []byte("again"), readExactly(t, conn, 5))
}

func TestServer_SessionLifecycleCallbackOrder(t *testing.T) {
	events := &eventLog{}
	handler := &ServerHandler{
		NewSession: func(s *Session) *SessionHandler {
			return &SessionHandler{
				OnConnecting:   func(s *Session) { events.add("connecting") },
				OnConnected:    func(s *Session) { events.add("connected") },
				OnReceived:     func(s *Session, data []byte) { events.add("received") },
				OnDisconnected: func(s *Session) { events.add("disconnected") },
			}
		},
	}

	srv := NewServer("order", "127.0.0.1:0", handler, DefaultOptions(), nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		if srv.IsRunning() {
			_ = srv.Stop()
		}
	})

	conn := dialServer(t, srv)
	_, err := conn.Write([]byte("data"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool { return events.count("disconnected") == 1 }, 2*time.Second, 10*time.Millisecond)

	log := events.snapshot()
	require.NotEmpty(t, log)
	assert.Equal(t, "connecting", log[0])
	assert.Equal(t, "connected", log[1])
	assert.Equal(t, "disconnected", log[len(log)-1])
	assert.Equal(t, 1, events.count("connecting"))
	assert.Equal(t, 1, events.count("connected"))
	assert.Equal(t, 1, events.count("received"))
}

func TestServer_SessionCacheInjection(t *testing.T) {
	ctx := context.Background()
	peers := cacher.NewMemoryCacher[[]byte](time.Minute, time.Minute)

	// The handler records the last payload per peer in the injected
	// cache, then echoes it.
	handler := &ServerHandler{
		NewSession: func(s *Session) *SessionHandler {
			return &SessionHandler{
				OnReceived: func(s *Session, data []byte) {
					cp := make([]byte, len(data))
					copy(cp, data)
					_ = s.Cache().Set(ctx, s.RemoteEndpoint().String(), cp, time.Minute)
					s.Send(data)
				},
			}
		},
	}

	opts := DefaultOptions()
	opts.Cache = peers

	srv := NewServer("cached-echo", "127.0.0.1:0", handler, opts, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		if srv.IsRunning() {
			_ = srv.Stop()
		}
	})

	require.Equal(t, peers, srv.Cache())

	conn := dialServer(t, srv)
	peerKey := conn.LocalAddr().String()

	_, err := conn.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), readExactly(t, conn, 5))

	assert.Eventually(t, func() bool {
		cached, found := peers.Get(ctx, peerKey)
		return found && string(cached) == "hello"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_FindSession(t *testing.T) {
	srv := startEchoServer(t)
	conn := dialServer(t, srv)
	_ = conn

	require.Eventually(t, func() bool { return srv.ConnectedSessions() == 1 }, 2*time.Second, 10*time.Millisecond)

	sessions := srv.sessions.Snapshot()
	require.Len(t, sessions, 1)

	found, ok := srv.FindSession(sessions[0].ID())
	assert.True(t, ok)
	assert.Equal(t, sessions[0], found)

	_, ok = srv.FindSession(999999)
	assert.False(t, ok)
}
