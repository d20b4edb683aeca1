package tcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/cyberinferno/go-sockets/cacher"
	"github.com/cyberinferno/go-sockets/idgenerator"
	"github.com/cyberinferno/go-sockets/logger"
	"github.com/cyberinferno/go-sockets/safemap"
	"github.com/cyberinferno/go-sockets/socketerr"
	"github.com/cyberinferno/go-sockets/sockopt"
)

// Server accepts stream connections and drives one Session per connection.
// A server whose Options carry a TLS config is a TLS server: accepted
// sessions handshake before their pumps start. Sessions live in a registry
// keyed by ID from OnConnected until their disconnect completes; broadcast
// iterates a snapshot of the registry so no lock is held across user
// callbacks.
//
// Lifecycle: created → started → (restarted)* → stopped. Stop and Restart
// must not be called from within a session callback; they wait for every
// session to finish disconnecting.
type Server struct {
	name    string
	address string
	opts    Options
	handler *ServerHandler
	logger  logger.Logger

	mu        sync.Mutex
	listener  net.Listener
	running   atomic.Bool
	acceptWG  sync.WaitGroup
	sessionWG sync.WaitGroup

	boundAddr atomic.Value

	sessions *safemap.SafeMap[uint64, *Session]
	ids      *idgenerator.IdGenerator

	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	sessionHighWater atomic.Int64
}

// NewServer creates a server that will bind to address when started.
//
// Parameters:
//   - name: Server name used in log entries
//   - address: The "host:port" to bind (port 0 picks a free port)
//   - handler: Server callbacks and the session handler factory; may be nil
//   - opts: Server and per-session configuration (see DefaultOptions)
//   - log: Structured logger; nil installs a no-op logger
//
// Returns:
//   - A new Server ready to Start
func NewServer(name, address string, handler *ServerHandler, opts Options, log logger.Logger) *Server {
	if handler == nil {
		handler = &ServerHandler{}
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Server{
		name:     name,
		address:  address,
		opts:     opts,
		handler:  handler,
		logger:   log.With(logger.Field{Key: "server", Value: name}),
		sessions: safemap.NewSafeMap[uint64, *Session](),
		ids:      idgenerator.NewIdGenerator(0),
	}
}

// Name returns the server name.
func (s *Server) Name() string {
	return s.name
}

// Address returns the bound listener address once started (useful when the
// configured port was 0), or the configured address otherwise. Safe to call
// from any callback.
func (s *Server) Address() string {
	if addr, ok := s.boundAddr.Load().(string); ok && addr != "" {
		return addr
	}

	return s.address
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// IsTLS reports whether accepted sessions perform a TLS handshake.
func (s *Server) IsTLS() bool {
	return s.opts.TLS != nil
}

// Cache returns the application cache injected through Options.Cache, or
// nil when none was configured. Every accepted session hands the same
// cache to its handlers via Session.Cache.
func (s *Server) Cache() cacher.Cacher[[]byte] {
	return s.opts.Cache
}

// ConnectedSessions returns the number of sessions currently registered.
func (s *Server) ConnectedSessions() int {
	return s.sessions.Len()
}

// SessionHighWater returns the highest number of simultaneously registered
// sessions observed since creation.
func (s *Server) SessionHighWater() int64 {
	return s.sessionHighWater.Load()
}

// BytesSent returns the total bytes written across all sessions.
func (s *Server) BytesSent() uint64 {
	return s.bytesSent.Load()
}

// BytesReceived returns the total bytes read across all sessions.
func (s *Server) BytesReceived() uint64 {
	return s.bytesReceived.Load()
}

// FindSession returns the registered session with the given ID, if any.
//
// Parameters:
//   - id: The session ID to look up
//
// Returns:
//   - The session and true if registered, or nil and false otherwise
func (s *Server) FindSession(id uint64) (*Session, bool) {
	return s.sessions.Load(id)
}

// Start binds the listener and begins the accept loop.
//
// Returns:
//   - An error if the server is already running or the bind fails
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Server) startLocked() error {
	if s.running.Load() {
		return fmt.Errorf("server %s already running", s.name)
	}

	lc := net.ListenConfig{
		Control: sockopt.Control(sockopt.Options{
			ReuseAddress: s.opts.ReuseAddress,
			ReusePort:    s.opts.ReusePort,
			DualMode:     s.opts.DualMode,
		}),
	}

	ln, err := lc.Listen(context.Background(), "tcp", s.address)
	if err != nil {
		s.logger.Error("failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server %s failed to start: %w", s.name, err)
	}

	s.listener = ln
	s.boundAddr.Store(ln.Addr().String())
	s.running.Store(true)

	s.acceptWG.Add(1)
	go s.acceptLoop(ln)

	s.logger.Info("server started", logger.Field{Key: "addr", Value: ln.Addr().String()})
	s.dispatchStarted()

	return nil
}

// Stop closes the listener, disconnects every registered session, and
// waits for all of them to finish. Session disconnects report no errors;
// only a failure to close the listener is returned.
//
// Returns:
//   - An error if the server was not running, or the listener close error
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Server) stopLocked() error {
	if !s.running.Load() {
		return fmt.Errorf("server %s not running", s.name)
	}

	s.dispatchStopping()
	s.running.Store(false)

	var result *multierror.Error
	if err := s.listener.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("listener close: %w", err))
	}

	for _, sess := range s.sessions.Snapshot() {
		sess.Disconnect()
	}

	s.acceptWG.Wait()
	s.sessionWG.Wait()
	s.listener = nil
	s.ids.Reset()

	s.logger.Info("server stopped")
	s.dispatchStopped()

	return result.ErrorOrNil()
}

// Restart stops the server and starts it again on the same address.
//
// Returns:
//   - The first error from the stop or the start
func (s *Server) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stopLocked(); err != nil {
		return err
	}
	if err := s.startLocked(); err != nil {
		return err
	}

	s.dispatchRestarted()
	return nil
}

// Multicast queues data on every registered session's send pipeline. The
// registry is snapshotted first; sessions that disconnect concurrently are
// skipped by their own Send gate.
//
// Parameters:
//   - data: The bytes to broadcast
//
// Returns:
//   - The number of sessions the payload was queued to
func (s *Server) Multicast(data []byte) int {
	queued := 0
	for _, sess := range s.sessions.Snapshot() {
		if sess.Send(data) {
			queued++
		}
	}

	return queued
}

// MulticastString queues the bytes of text on every registered session.
//
// Parameters:
//   - text: The string to broadcast
//
// Returns:
//   - The number of sessions the payload was queued to
func (s *Server) MulticastString(text string) int {
	return s.Multicast([]byte(text))
}

// MulticastSync writes data synchronously to every registered session,
// aggregating per-session errors.
//
// Parameters:
//   - data: The bytes to broadcast
//
// Returns:
//   - The number of sessions written to and the aggregated errors
func (s *Server) MulticastSync(data []byte) (int, error) {
	sent := 0
	var result *multierror.Error
	for _, sess := range s.sessions.Snapshot() {
		if _, err := sess.SendSync(data); err != nil {
			result = multierror.Append(result, fmt.Errorf("session %d: %w", sess.ID(), err))
			continue
		}
		sent++
	}

	return sent, result.ErrorOrNil()
}

// acceptLoop keeps exactly one accept outstanding while the server runs.
// Accept errors are surfaced through the server's OnError and the loop
// re-arms; a failed session setup never poisons the listener.
func (s *Server) acceptLoop(ln net.Listener) {
	defer s.acceptWG.Done()

	for s.running.Load() {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}

			s.logger.Warn("accept error", logger.Field{Key: "error", Value: err})
			s.reportError(err)
			continue
		}

		s.sessionWG.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn builds a session around an accepted connection, walks it
// through connect (and handshake for TLS servers), and runs its receive
// pump in this goroutine.
func (s *Server) serveConn(conn net.Conn) {
	defer s.sessionWG.Done()

	if !s.running.Load() {
		_ = conn.Close()
		return
	}

	id := s.ids.Id()
	sess := newSession(id, conn, s,
		s.logger.With(logger.Field{Key: "session", Value: id}),
		s.opts.ReceiveBufferSize, s.opts.SendBufferSize, s.opts.MaxReceiveBufferSize)
	sess.cache = s.opts.Cache

	if s.handler.NewSession != nil {
		if h := s.handler.NewSession(sess); h != nil {
			sess.handler = h
		}
	}

	sess.dispatchConnecting()
	s.applyConnOptions(conn)
	s.register(sess)

	sess.connected.Store(true)
	if s.opts.TLS == nil {
		sess.markReady()
	}
	sess.dispatchConnected()

	// A stop that raced this accept missed the session in its snapshot;
	// tear it down here instead of leaving it to linger past Stop.
	if !s.running.Load() {
		sess.Disconnect()
		return
	}

	if s.opts.TLS != nil {
		if err := sess.handshake(s.opts.TLS, false); err != nil {
			s.logger.Warn("session handshake failed",
				logger.Field{Key: "session", Value: id},
				logger.Field{Key: "error", Value: err})
			sess.dispatchError(socketerr.NotConnected, err)
			sess.Disconnect()
			return
		}
	}

	sess.receiveLoop()
}

// applyConnOptions applies per-connection socket options from the server
// configuration.
func (s *Server) applyConnOptions(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}

	_ = tcpConn.SetKeepAlive(s.opts.KeepAlive)
	_ = tcpConn.SetNoDelay(s.opts.NoDelay)
	if s.opts.ReceiveBufferSize > 0 {
		_ = tcpConn.SetReadBuffer(s.opts.ReceiveBufferSize)
	}
	if s.opts.SendBufferSize > 0 {
		_ = tcpConn.SetWriteBuffer(s.opts.SendBufferSize)
	}
}

// register stores the session and advances the high-water mark.
func (s *Server) register(sess *Session) {
	s.sessions.Store(sess.id, sess)

	count := int64(s.sessions.Len())
	for {
		high := s.sessionHighWater.Load()
		if count <= high || s.sessionHighWater.CompareAndSwap(high, count) {
			return
		}
	}
}

// unregister drops the session from the registry; called from the
// session's own finalize path.
func (s *Server) unregister(sess *Session) {
	s.sessions.Delete(sess.id)
}

// reportError classifies err and surfaces it through the server handler
// unless it is an ordinary disconnect kind.
func (s *Server) reportError(err error) {
	kind := socketerr.Classify(err)
	if kind.Expected() {
		return
	}

	if h := s.handler.OnError; h != nil {
		h(s, kind, err)
	}
}

func (s *Server) dispatchStarted() {
	if h := s.handler.OnStarted; h != nil {
		h(s)
	}
}

func (s *Server) dispatchStopping() {
	if h := s.handler.OnStopping; h != nil {
		h(s)
	}
}

func (s *Server) dispatchStopped() {
	if h := s.handler.OnStopped; h != nil {
		h(s)
	}
}

func (s *Server) dispatchRestarted() {
	if h := s.handler.OnRestarted; h != nil {
		h(s)
	}
}
