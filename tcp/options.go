package tcp

import (
	"crypto/tls"
	"time"

	"github.com/cyberinferno/go-sockets/cacher"
)

// Options configures a server and the sessions it accepts. A server with a
// non-nil TLS config is a TLS server: every accepted session performs the
// handshake before its pumps start.
type Options struct {
	// KeepAlive enables OS TCP keep-alive probes on accepted connections.
	KeepAlive bool
	// NoDelay disables Nagle's algorithm on accepted connections.
	NoDelay bool
	// ReuseAddress sets SO_REUSEADDR on the listener.
	ReuseAddress bool
	// ReusePort sets SO_REUSEPORT on the listener where the platform
	// supports it.
	ReusePort bool
	// DualMode clears IPV6_V6ONLY so an IPv6 listener also accepts IPv4
	// peers.
	DualMode bool
	// AcceptBacklog is the requested listen queue depth. It is not passed
	// to the listener: the Go runtime sizes the real backlog from the
	// system maximum, whatever this field holds.
	AcceptBacklog int
	// ReceiveBufferSize is the initial per-session receive buffer
	// capacity and the socket-level receive buffer hint.
	ReceiveBufferSize int
	// SendBufferSize is the initial capacity of each per-session send
	// buffer and the socket-level send buffer hint.
	SendBufferSize int
	// MaxReceiveBufferSize caps receive buffer growth. The buffer doubles
	// whenever a read fills it completely, up to this cap.
	MaxReceiveBufferSize int
	// TLS, when non-nil, is the prepared TLS configuration (certificate,
	// protocol versions, client certificate policy, peer verification)
	// used to wrap every accepted connection.
	TLS *tls.Config
	// Cache, when non-nil, is a TTL cache handed through to session
	// handlers via Session.Cache (e.g. peer metadata keyed by endpoint).
	// The engine never reads or writes it; it exists so handlers receive
	// the cache as an explicit dependency instead of ambient state.
	Cache cacher.Cacher[[]byte]
}

// DefaultOptions returns server options with 4 KiB initial buffers, an
// 8 MiB receive buffer cap, and no socket options enabled.
//
// Returns:
//   - An Options value with default sizes
func DefaultOptions() Options {
	return Options{
		AcceptBacklog:        1024,
		ReceiveBufferSize:    4096,
		SendBufferSize:       4096,
		MaxReceiveBufferSize: 8 << 20,
	}
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// Address is the "host:port" to connect to.
	Address string
	// KeepAlive enables OS TCP keep-alive probes.
	KeepAlive bool
	// NoDelay disables Nagle's algorithm.
	NoDelay bool
	// ConnectTimeout bounds each dial attempt; 0 means no timeout.
	ConnectTimeout time.Duration
	// ReceiveBufferSize is the initial receive buffer capacity and socket
	// hint.
	ReceiveBufferSize int
	// SendBufferSize is the initial capacity of each send buffer and the
	// socket hint.
	SendBufferSize int
	// MaxReceiveBufferSize caps receive buffer growth.
	MaxReceiveBufferSize int
	// TLS, when non-nil, makes this a TLS client: after the TCP connect
	// the client performs the handshake with this prepared configuration.
	// If ServerName is empty it is derived from Address.
	TLS *tls.Config
	// Cache, when non-nil, is a TTL cache handed through to session
	// handlers via Session.Cache. The engine never reads or writes it.
	Cache cacher.Cacher[[]byte]
	// AutoReconnect redials automatically after an unexpected disconnect
	// or failed connect attempt.
	AutoReconnect bool
	// ReconnectMinDelay is the initial redial delay.
	ReconnectMinDelay time.Duration
	// ReconnectMaxDelay caps the exponential redial delay.
	ReconnectMaxDelay time.Duration
}

// DefaultClientOptions returns client options for the given address:
// 10s connect timeout, 4 KiB initial buffers, 8 MiB receive cap, redial
// delays between 500ms and 30s, auto-reconnect off.
//
// Parameters:
//   - address: The "host:port" to connect to
//
// Returns:
//   - A ClientOptions value with defaults; override fields as needed
func DefaultClientOptions(address string) ClientOptions {
	return ClientOptions{
		Address:              address,
		ConnectTimeout:       10 * time.Second,
		ReceiveBufferSize:    4096,
		SendBufferSize:       4096,
		MaxReceiveBufferSize: 8 << 20,
		ReconnectMinDelay:    500 * time.Millisecond,
		ReconnectMaxDelay:    30 * time.Second,
	}
}
