// Package tcp provides asynchronous stream endpoints: a server with a
// session registry and broadcast, the session engine shared by servers and
// clients, and an auto-reconnecting client. TLS endpoints are the same
// types with a prepared tls.Config installed; the handshake becomes an
// extra phase between connect and the pumps.
package tcp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/go-sockets/buffer"
	"github.com/cyberinferno/go-sockets/cacher"
	"github.com/cyberinferno/go-sockets/endpoint"
	"github.com/cyberinferno/go-sockets/logger"
	"github.com/cyberinferno/go-sockets/socketerr"
)

// ErrNotConnected is returned by synchronous sends on a session that is not
// connected or has not completed its handshake.
var ErrNotConnected = errors.New("session is not connected")

// ErrSendInFlight is returned by synchronous sends while an asynchronous
// send is draining; the two must not interleave on the wire.
var ErrSendInFlight = errors.New("asynchronous send in flight")

// Session is one established stream connection, accepted by a server or
// initiated by a client. It owns its socket exclusively, runs a continuous
// receive pump, and drains sends through a double-buffered single-writer
// pipeline: callers append into the main buffer under the send lock while
// at most one drain goroutine writes the flush buffer to the wire. The two
// buffers swap only when the flush side is fully drained, which bounds
// memory to the high-water of each side.
//
// All methods are safe for concurrent use.
type Session struct {
	id      uint64
	server  *Server
	handler *SessionHandler
	logger  logger.Logger
	cache   cacher.Cacher[[]byte]

	connMu sync.Mutex
	conn   net.Conn

	sendMu       sync.Mutex
	mainBuf      *buffer.Buffer
	flushBuf     *buffer.Buffer
	flushOffset  int
	sending      bool
	bytesPending uint64
	bytesSending uint64

	connected   atomic.Bool
	handshaked  atomic.Bool
	receiving   atomic.Bool
	pumpStarted atomic.Bool

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	recvBuf       []byte
	maxRecvBuffer int

	finalizeOnce sync.Once
	onFinalized  func(s *Session)
}

// newSession wires a session around an established connection. The caller
// marks it connected, runs the handshake phase if any, and starts the pump.
func newSession(id uint64, conn net.Conn, srv *Server, log logger.Logger, recvSize, sendSize, maxRecvSize int) *Session {
	if recvSize <= 0 {
		recvSize = 4096
	}
	if sendSize < 0 {
		sendSize = 0
	}
	if maxRecvSize < recvSize {
		maxRecvSize = recvSize
	}

	return &Session{
		id:            id,
		server:        srv,
		handler:       &SessionHandler{},
		logger:        log,
		conn:          conn,
		mainBuf:       buffer.New(sendSize),
		flushBuf:      buffer.New(sendSize),
		recvBuf:       make([]byte, recvSize),
		maxRecvBuffer: maxRecvSize,
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() uint64 {
	return s.id
}

// Server returns the owning server, or nil for client-owned sessions.
func (s *Session) Server() *Server {
	return s.server
}

// Cache returns the application cache injected through the owning
// endpoint's options, or nil when none was configured. The engine never
// touches it; handlers use it for per-peer state without reaching for
// shared globals.
func (s *Session) Cache() cacher.Cacher[[]byte] {
	return s.cache
}

// IsConnected reports whether the session is connected.
func (s *Session) IsConnected() bool {
	return s.connected.Load()
}

// IsHandshaked reports whether the session is ready for application data.
// Plain sessions are handshaked as soon as they connect; TLS sessions once
// the handshake completes.
func (s *Session) IsHandshaked() bool {
	return s.handshaked.Load()
}

// LocalEndpoint returns the local address of the session's socket, or the
// zero endpoint if it cannot be determined.
func (s *Session) LocalEndpoint() endpoint.Endpoint {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()

	if conn == nil {
		return endpoint.Endpoint{}
	}

	ep, err := endpoint.FromAddr(conn.LocalAddr())
	if err != nil {
		return endpoint.Endpoint{}
	}

	return ep
}

// RemoteEndpoint returns the peer address of the session's socket, or the
// zero endpoint if it cannot be determined.
func (s *Session) RemoteEndpoint() endpoint.Endpoint {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()

	if conn == nil {
		return endpoint.Endpoint{}
	}

	ep, err := endpoint.FromAddr(conn.RemoteAddr())
	if err != nil {
		return endpoint.Endpoint{}
	}

	return ep
}

// BytesSent returns the number of bytes written to the wire so far.
func (s *Session) BytesSent() uint64 {
	return s.bytesSent.Load()
}

// BytesReceived returns the number of bytes read from the wire so far.
func (s *Session) BytesReceived() uint64 {
	return s.bytesReceived.Load()
}

// BytesPending returns the bytes appended but not yet handed to the drain.
func (s *Session) BytesPending() uint64 {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.bytesPending
}

// BytesSending returns the bytes handed to the drain but not yet written.
func (s *Session) BytesSending() uint64 {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.bytesSending
}

// ReceiveBufferCapacity returns the current capacity of the receive buffer.
// The buffer doubles whenever a read fills it, up to the configured cap.
func (s *Session) ReceiveBufferCapacity() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.recvBuf)
}

// Send appends data to the send pipeline. The bytes reach the wire in
// append order; data is copied and may be reused by the caller immediately.
//
// Parameters:
//   - data: The bytes to send
//
// Returns:
//   - true if the bytes were queued, false if the session is not connected
//     or not handshaked
func (s *Session) Send(data []byte) bool {
	if !s.connected.Load() || !s.handshaked.Load() {
		return false
	}
	if len(data) == 0 {
		return true
	}

	s.sendMu.Lock()
	s.mainBuf.Append(data)
	s.bytesPending = uint64(s.mainBuf.Size())
	if s.sending {
		// The active drain picks these bytes up on its next swap.
		s.sendMu.Unlock()
		return true
	}
	s.sending = true
	s.sendMu.Unlock()

	go s.sendLoop()
	return true
}

// SendString appends the bytes of text to the send pipeline.
//
// Parameters:
//   - text: The string to send
//
// Returns:
//   - true if the bytes were queued, false if the session is not connected
//     or not handshaked
func (s *Session) SendString(text string) bool {
	if !s.connected.Load() || !s.handshaked.Load() {
		return false
	}
	if len(text) == 0 {
		return true
	}

	s.sendMu.Lock()
	s.mainBuf.AppendString(text)
	s.bytesPending = uint64(s.mainBuf.Size())
	if s.sending {
		s.sendMu.Unlock()
		return true
	}
	s.sending = true
	s.sendMu.Unlock()

	go s.sendLoop()
	return true
}

// SendPart appends n bytes of data starting at off to the send pipeline.
//
// Parameters:
//   - data: The source slice
//   - off: Offset of the first byte to send
//   - n: Number of bytes to send
//
// Returns:
//   - true if the bytes were queued, false if the range is invalid or the
//     session is not connected or not handshaked
func (s *Session) SendPart(data []byte, off, n int) bool {
	if off < 0 || n < 0 || off+n > len(data) {
		return false
	}

	return s.Send(data[off : off+n])
}

// SendSync writes data directly to the socket in the caller's goroutine,
// blocking until the OS accepts the bytes. It is rejected with
// ErrSendInFlight while an asynchronous send is draining; otherwise it
// holds the send lock for the duration of the write so it can never
// interleave with a pipeline swap.
//
// Parameters:
//   - data: The bytes to send
//
// Returns:
//   - The number of bytes written
//   - ErrNotConnected, ErrSendInFlight, or the write error
func (s *Session) SendSync(data []byte) (int, error) {
	if !s.connected.Load() || !s.handshaked.Load() {
		return 0, ErrNotConnected
	}

	s.sendMu.Lock()
	if s.sending {
		s.sendMu.Unlock()
		return 0, ErrSendInFlight
	}
	conn := s.conn
	n, err := conn.Write(data)
	s.sendMu.Unlock()

	if n > 0 {
		s.bytesSent.Add(uint64(n))
		if s.server != nil {
			s.server.bytesSent.Add(uint64(n))
		}
	}

	if err != nil {
		s.reportError(err)
		s.Disconnect()
		return n, fmt.Errorf("synchronous send failed: %w", err)
	}

	return n, nil
}

// SendSyncString writes the bytes of text synchronously.
//
// Parameters:
//   - text: The string to send
//
// Returns:
//   - The number of bytes written and an error as for SendSync
func (s *Session) SendSyncString(text string) (int, error) {
	return s.SendSync([]byte(text))
}

// Disconnect shuts the session down: it closes the socket, clears the send
// pipeline, and fires OnDisconnecting/OnDisconnected. Idempotent.
//
// Returns:
//   - true on the first call that observed the session connected, false on
//     every later call
func (s *Session) Disconnect() bool {
	if !s.connected.CompareAndSwap(true, false) {
		return false
	}

	s.dispatchDisconnecting()
	s.handshaked.Store(false)

	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.connMu.Unlock()

	s.sendMu.Lock()
	s.mainBuf.Clear()
	s.flushBuf.Clear()
	s.flushOffset = 0
	s.bytesPending = 0
	s.bytesSending = 0
	s.sendMu.Unlock()

	// When a pump is running it observes the closed socket and finalizes
	// from its exit path, keeping OnDisconnected after every OnReceived.
	if !s.pumpStarted.Load() {
		s.finalize()
	}

	return true
}

// handshake wraps the connection in a TLS stream using the prepared config
// and runs the negotiation. On success the session operates on the TLS
// stream and is marked handshaked.
func (s *Session) handshake(cfg *tls.Config, asClient bool) error {
	s.dispatchHandshaking()

	s.connMu.Lock()
	raw := s.conn
	s.connMu.Unlock()

	var tlsConn *tls.Conn
	if asClient {
		tlsConn = tls.Client(raw, cfg)
	} else {
		tlsConn = tls.Server(raw, cfg)
	}

	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}

	s.connMu.Lock()
	s.conn = tlsConn
	s.connMu.Unlock()

	s.handshaked.Store(true)
	s.dispatchHandshaked()

	s.sendMu.Lock()
	empty := s.mainBuf.Empty() && s.flushBuf.Empty()
	s.sendMu.Unlock()
	if empty {
		s.dispatchEmpty()
	}

	return nil
}

// markReady marks a plain session ready for application data.
func (s *Session) markReady() {
	s.handshaked.Store(true)
}

// receiveLoop is the receive pump: exactly one read is outstanding while
// the session is connected. Each read dispatches OnReceived inline, then
// re-arms; a read that fills the buffer completely doubles it up to the
// configured cap. The pump finalizes the session on exit.
func (s *Session) receiveLoop() {
	s.pumpStarted.Store(true)
	defer s.finalize()

	for s.connected.Load() {
		s.connMu.Lock()
		conn := s.conn
		buf := s.recvBuf
		s.connMu.Unlock()

		s.receiving.Store(true)
		n, err := conn.Read(buf)
		s.receiving.Store(false)

		if n > 0 {
			s.bytesReceived.Add(uint64(n))
			if s.server != nil {
				s.server.bytesReceived.Add(uint64(n))
			}

			s.dispatchReceived(buf[:n])

			if n == len(buf) && len(buf) < s.maxRecvBuffer {
				grown := len(buf) * 2
				if grown > s.maxRecvBuffer {
					grown = s.maxRecvBuffer
				}
				s.connMu.Lock()
				s.recvBuf = make([]byte, grown)
				s.connMu.Unlock()
			}
		}

		if err != nil {
			if s.connected.Load() {
				s.reportError(err)
				s.Disconnect()
			}
			return
		}
	}
}

// sendLoop drains the flush buffer to the wire. At most one instance runs
// per session, guarded by the sending flag. The buffers swap only when the
// flush side is fully drained, so callers always append into a buffer the
// writer is not reading.
func (s *Session) sendLoop() {
	for {
		s.sendMu.Lock()
		if s.flushOffset >= s.flushBuf.Size() {
			s.flushBuf.Clear()
			s.flushOffset = 0
			s.mainBuf, s.flushBuf = s.flushBuf, s.mainBuf
			s.bytesSending += uint64(s.flushBuf.Size())
			s.bytesPending = 0
		}

		if s.flushBuf.Empty() || !s.connected.Load() {
			drained := s.flushBuf.Empty()
			s.sending = false
			s.sendMu.Unlock()
			if drained && s.connected.Load() {
				s.dispatchEmpty()
			}
			return
		}

		chunk := s.flushBuf.Data()[s.flushOffset:]
		conn := s.conn
		s.sendMu.Unlock()

		n, err := conn.Write(chunk)

		if n > 0 {
			s.sendMu.Lock()
			s.flushOffset += n
			if s.bytesSending >= uint64(n) {
				s.bytesSending -= uint64(n)
			} else {
				s.bytesSending = 0
			}
			pending := s.bytesPending + s.bytesSending
			s.sendMu.Unlock()

			s.bytesSent.Add(uint64(n))
			if s.server != nil {
				s.server.bytesSent.Add(uint64(n))
			}

			s.dispatchSent(uint64(n), pending)
		}

		if err != nil {
			s.sendMu.Lock()
			s.sending = false
			s.sendMu.Unlock()

			if s.connected.Load() {
				s.reportError(err)
				s.Disconnect()
			}
			return
		}
	}
}

// finalize runs the terminal callbacks exactly once and removes the session
// from its server's registry.
func (s *Session) finalize() {
	s.finalizeOnce.Do(func() {
		s.dispatchDisconnected()
		if s.server != nil {
			s.server.unregister(s)
		}
		if s.onFinalized != nil {
			s.onFinalized(s)
		}
	})
}

// reportError classifies err and surfaces it through OnError unless it is
// an ordinary disconnect kind.
func (s *Session) reportError(err error) {
	kind := socketerr.Classify(err)
	if kind.Expected() {
		return
	}

	s.dispatchError(kind, err)
}

// guard invokes f, converting an escaping panic into a log entry.
func (s *Session) guard(f func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			s.logger.Error("session callback panic", logger.Field{Key: "session", Value: s.id}, logger.Field{Key: "panic", Value: r})
		}
	}()

	f()
	return
}

// dispatchPanic surfaces a recovered callback panic and drives disconnect.
func (s *Session) dispatchPanic() {
	if h := s.handler.OnError; h != nil {
		s.guard(func() { h(s, socketerr.Unknown, fmt.Errorf("session callback panicked")) })
	}
	s.Disconnect()
}

func (s *Session) dispatchConnecting() {
	if h := s.handler.OnConnecting; h != nil {
		if s.guard(func() { h(s) }) {
			s.dispatchPanic()
		}
	}
}

func (s *Session) dispatchConnected() {
	if h := s.handler.OnConnected; h != nil {
		if s.guard(func() { h(s) }) {
			s.dispatchPanic()
		}
	}
}

func (s *Session) dispatchHandshaking() {
	if h := s.handler.OnHandshaking; h != nil {
		if s.guard(func() { h(s) }) {
			s.dispatchPanic()
		}
	}
}

func (s *Session) dispatchHandshaked() {
	if h := s.handler.OnHandshaked; h != nil {
		if s.guard(func() { h(s) }) {
			s.dispatchPanic()
		}
	}
}

func (s *Session) dispatchDisconnecting() {
	if h := s.handler.OnDisconnecting; h != nil {
		s.guard(func() { h(s) })
	}
}

func (s *Session) dispatchDisconnected() {
	if h := s.handler.OnDisconnected; h != nil {
		s.guard(func() { h(s) })
	}
}

func (s *Session) dispatchReceived(data []byte) {
	if h := s.handler.OnReceived; h != nil {
		if s.guard(func() { h(s, data) }) {
			s.dispatchPanic()
		}
	}
}

func (s *Session) dispatchSent(sent, pending uint64) {
	if h := s.handler.OnSent; h != nil {
		if s.guard(func() { h(s, sent, pending) }) {
			s.dispatchPanic()
		}
	}
}

func (s *Session) dispatchEmpty() {
	if h := s.handler.OnEmpty; h != nil {
		if s.guard(func() { h(s) }) {
			s.dispatchPanic()
		}
	}
}

func (s *Session) dispatchError(kind socketerr.Kind, err error) {
	if h := s.handler.OnError; h != nil {
		s.guard(func() { h(s, kind, err) })
	}
}
