package tcp

import (
	"github.com/cyberinferno/go-sockets/socketerr"
)

// SessionHandler is the capability set a session owner installs to observe
// one connection. Every field is optional; nil fields are skipped. Handlers
// are invoked from the session's pump goroutines: callbacks for the same
// session never run concurrently with themselves, but callbacks for
// different sessions may run in parallel.
//
// A panic escaping a handler is recovered at the dispatch boundary,
// surfaced through OnError, and drives disconnect; user code never kills a
// pump goroutine. Panics from OnDisconnecting, OnDisconnected, and OnError
// are recovered and logged only.
type SessionHandler struct {
	// OnConnecting fires while the connection is being wired up, before
	// OnConnected.
	OnConnecting func(s *Session)

	// OnConnected fires once the session owns its socket. It precedes
	// every other callback for the session.
	OnConnected func(s *Session)

	// OnHandshaking fires when the TLS handshake begins. Never fires on
	// plain sessions.
	OnHandshaking func(s *Session)

	// OnHandshaked fires when the TLS handshake completes. It falls
	// between OnConnected and the first OnReceived. Never fires on plain
	// sessions.
	OnHandshaked func(s *Session)

	// OnDisconnecting fires when disconnect begins, before the socket is
	// closed.
	OnDisconnecting func(s *Session)

	// OnDisconnected fires exactly once, after every other callback for
	// the session.
	OnDisconnected func(s *Session)

	// OnReceived fires with each freshly read region. The slice is only
	// valid for the duration of the call; copy it to retain it. The next
	// read is not issued until the handler returns, so a slow handler
	// back-pressures the peer.
	OnReceived func(s *Session, data []byte)

	// OnSent fires after each completed write with the number of bytes
	// just written and the bytes still pending in the pipeline.
	OnSent func(s *Session, sent uint64, pending uint64)

	// OnEmpty fires when the send pipeline has fully drained.
	OnEmpty func(s *Session)

	// OnError fires for errors that are not ordinary disconnects
	// (see socketerr.Kind.Expected).
	OnError func(s *Session, kind socketerr.Kind, err error)
}

// ServerHandler is the capability set installed on a server. Every field is
// optional.
type ServerHandler struct {
	// OnStarted fires after the listener is bound and the accept loop is
	// running.
	OnStarted func(srv *Server)

	// OnStopping fires when a stop begins, before sessions are
	// disconnected.
	OnStopping func(srv *Server)

	// OnStopped fires after the listener is closed and every session has
	// finished disconnecting.
	OnStopped func(srv *Server)

	// OnRestarted fires after a successful Restart.
	OnRestarted func(srv *Server)

	// OnError fires for listener-level errors that are not ordinary
	// disconnects. The accept loop re-arms afterwards.
	OnError func(srv *Server, kind socketerr.Kind, err error)

	// NewSession produces the handler set for a freshly accepted session.
	// A nil factory (or a nil return) installs an empty handler set.
	NewSession func(s *Session) *SessionHandler
}

// ClientState represents the current lifecycle state of a Client.
type ClientState int

const (
	StateDisconnected ClientState = iota // Not connected and not attempting to connect
	StateConnecting                      // Connection attempt in progress
	StateConnected                       // Connected (plain clients; TLS clients report Handshaking/Handshaked instead)
	StateHandshaking                     // TLS handshake in progress
	StateHandshaked                      // TLS handshake complete
	StateReconnecting                    // Waiting out the backoff delay before redialing
	StateClosed                          // Client closed; it will not reconnect
)

// String returns a human-readable name for the client state.
func (cs ClientState) String() string {
	switch cs {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateHandshaking:
		return "Handshaking"
	case StateHandshaked:
		return "Handshaked"
	case StateReconnecting:
		return "Reconnecting"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ClientHandler extends SessionHandler with client-level callbacks. The
// embedded session callbacks observe whichever session the client currently
// owns.
type ClientHandler struct {
	SessionHandler

	// OnStateChanged fires when the client's lifecycle state changes.
	OnStateChanged func(c *Client, state ClientState)

	// OnConnectError fires when a connect or redial attempt fails before
	// a session exists.
	OnConnectError func(c *Client, kind socketerr.Kind, err error)
}
