// Package udp provides a datagram endpoint usable as either side of a
// request/response exchange: single-shot asynchronous receive and send
// slots, synchronous sends, and multicast group membership. Unlike the
// stream packages there is no per-peer state and no automatic re-arm; the
// caller re-arms receive from its own handlers, which is the natural
// datagram rhythm.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/cyberinferno/go-sockets/cacher"
	"github.com/cyberinferno/go-sockets/endpoint"
	"github.com/cyberinferno/go-sockets/logger"
	"github.com/cyberinferno/go-sockets/safeset"
	"github.com/cyberinferno/go-sockets/socketerr"
	"github.com/cyberinferno/go-sockets/sockopt"
)

// ErrNotStarted is returned by synchronous sends on a socket that is not
// started.
var ErrNotStarted = errors.New("socket is not started")

// ErrSendInFlight is returned by synchronous sends while an asynchronous
// send is outstanding.
var ErrSendInFlight = errors.New("asynchronous send in flight")

// maxDatagramSize bounds receive buffer growth; a UDP payload cannot
// exceed this.
const maxDatagramSize = 65507

// Handler is the capability set installed on a Socket. Every field is
// optional; nil fields are skipped.
type Handler struct {
	// OnStarted fires after the socket is bound (and joined to its group
	// when started in multicast mode).
	OnStarted func(s *Socket)

	// OnStopped fires after the socket is closed.
	OnStopped func(s *Socket)

	// OnReceived fires with the source endpoint and the received
	// datagram. The slice is only valid for the duration of the call.
	// The socket does not re-arm by itself; call ReceiveAsync from the
	// handler to keep receiving.
	OnReceived func(s *Socket, from endpoint.Endpoint, data []byte)

	// OnSent fires after an asynchronous send completes with the
	// destination endpoint and the number of bytes sent.
	OnSent func(s *Socket, to endpoint.Endpoint, sent int)

	// OnError fires for errors that are not ordinary disconnects.
	OnError func(s *Socket, kind socketerr.Kind, err error)
}

// Options configures a Socket.
type Options struct {
	// ReuseAddress sets SO_REUSEADDR before bind. Forced on for
	// multicast receivers so several processes can share the group port.
	ReuseAddress bool
	// ReusePort sets SO_REUSEPORT where supported.
	ReusePort bool
	// ReceiveBufferSize is the initial receive buffer capacity and the
	// socket-level receive buffer hint.
	ReceiveBufferSize int
	// SendBufferSize is the socket-level send buffer hint.
	SendBufferSize int
	// MulticastTTL is the time-to-live applied to outgoing multicast
	// datagrams; 0 leaves the OS default.
	MulticastTTL int
	// MulticastLoopback controls whether outgoing multicast datagrams
	// loop back to the sending host.
	MulticastLoopback bool
	// MulticastInterface, when non-nil, pins group membership and
	// outgoing multicast to one interface.
	MulticastInterface *net.Interface
	// Cache, when non-nil, is a TTL cache handed through to handlers via
	// Socket.Cache (e.g. per-sender state keyed by endpoint). The socket
	// never reads or writes it; handlers receive it as an explicit
	// dependency instead of ambient state.
	Cache cacher.Cacher[[]byte]
}

// DefaultOptions returns socket options with an 8 KiB receive buffer and
// multicast loopback enabled.
//
// Returns:
//   - An Options value with defaults
func DefaultOptions() Options {
	return Options{
		ReceiveBufferSize: 8192,
		MulticastLoopback: true,
	}
}

// Socket is a single datagram socket serving both server and client roles.
// It keeps at most one receive and one send outstanding; both slots are
// atomic flags. The hot path is not lock-free: ReceiveAsync and SendAsync
// take the socket mutex briefly to read the connection, and a receive holds
// the receive-buffer mutex across the read and the OnReceived dispatch.
type Socket struct {
	name    string
	opts    Options
	handler *Handler
	logger  logger.Logger

	mu        sync.Mutex
	conn      *net.UDPConn
	group     endpoint.Endpoint
	lastAddr  string
	lastPort  int
	lastGroup bool

	groups *safeset.SafeSet[string]

	running   atomic.Bool
	receiving atomic.Bool
	sending   atomic.Bool

	recvMu  sync.Mutex
	recvBuf []byte

	bytesSent         atomic.Uint64
	bytesReceived     atomic.Uint64
	datagramsSent     atomic.Uint64
	datagramsReceived atomic.Uint64
}

// NewSocket creates a datagram socket. Call Start or StartMulticast to
// bind it.
//
// Parameters:
//   - name: Socket name used in log entries
//   - handler: Socket callbacks; may be nil
//   - opts: Socket configuration (see DefaultOptions)
//   - log: Structured logger; nil installs a no-op logger
//
// Returns:
//   - A new Socket ready to Start
func NewSocket(name string, handler *Handler, opts Options, log logger.Logger) *Socket {
	if handler == nil {
		handler = &Handler{}
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	if opts.ReceiveBufferSize <= 0 {
		opts.ReceiveBufferSize = 8192
	}

	return &Socket{
		name:    name,
		opts:    opts,
		handler: handler,
		logger:  log.With(logger.Field{Key: "socket", Value: name}),
		groups:  safeset.NewSafeSet[string](),
		recvBuf: make([]byte, opts.ReceiveBufferSize),
	}
}

// Name returns the socket name.
func (s *Socket) Name() string {
	return s.name
}

// IsRunning reports whether the socket is bound.
func (s *Socket) IsRunning() bool {
	return s.running.Load()
}

// Cache returns the application cache injected through Options.Cache, or
// nil when none was configured.
func (s *Socket) Cache() cacher.Cacher[[]byte] {
	return s.opts.Cache
}

// LocalEndpoint returns the bound address, or the zero endpoint when the
// socket is not started.
func (s *Socket) LocalEndpoint() endpoint.Endpoint {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return endpoint.Endpoint{}
	}

	ep, err := endpoint.FromAddr(conn.LocalAddr())
	if err != nil {
		return endpoint.Endpoint{}
	}

	return ep
}

// Group returns the multicast group the socket was started against, or the
// zero endpoint when started in unicast mode.
func (s *Socket) Group() endpoint.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group
}

// JoinedGroups returns the multicast group addresses currently joined.
func (s *Socket) JoinedGroups() []string {
	return s.groups.Values()
}

// BytesSent returns the total bytes sent.
func (s *Socket) BytesSent() uint64 {
	return s.bytesSent.Load()
}

// BytesReceived returns the total bytes received.
func (s *Socket) BytesReceived() uint64 {
	return s.bytesReceived.Load()
}

// DatagramsSent returns the number of datagrams sent.
func (s *Socket) DatagramsSent() uint64 {
	return s.datagramsSent.Load()
}

// DatagramsReceived returns the number of datagrams received.
func (s *Socket) DatagramsReceived() uint64 {
	return s.datagramsReceived.Load()
}

// Start binds the socket to the given address and port in unicast mode.
//
// Parameters:
//   - address: Literal IP address to bind (e.g. "127.0.0.1", "0.0.0.0")
//   - port: Port to bind; 0 picks a free port
//
// Returns:
//   - An error if the socket is already running or the bind fails
func (s *Socket) Start(address string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(address, port, false)
}

// StartMulticast binds the socket for multicast reception: the port is
// bound with address reuse, the group is joined, and TTL/loopback options
// are applied. Datagrams sent with Multicast go to the group address.
//
// Parameters:
//   - group: Multicast group address (e.g. "239.255.0.1")
//   - port: Group port
//
// Returns:
//   - An error if the socket is already running, group is not a multicast
//     address, the bind fails, or the join fails
func (s *Socket) StartMulticast(group string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(group, port, true)
}

func (s *Socket) startLocked(address string, port int, multicast bool) error {
	if s.running.Load() {
		return fmt.Errorf("socket %s already running", s.name)
	}

	ep, err := endpoint.New(address, port)
	if err != nil {
		return fmt.Errorf("socket %s: %w", s.name, err)
	}

	bindAddr := ep.String()
	opts := sockopt.Options{ReuseAddress: s.opts.ReuseAddress, ReusePort: s.opts.ReusePort}
	if multicast {
		if !ep.IsMulticast() {
			return fmt.Errorf("socket %s: %s is not a multicast group address", s.name, address)
		}
		// Receivers share the group port.
		opts.ReuseAddress = true
		wildcard := "0.0.0.0"
		if ep.IP.To4() == nil {
			wildcard = "::"
		}
		bindAddr = net.JoinHostPort(wildcard, fmt.Sprint(port))
	}

	lc := net.ListenConfig{Control: sockopt.Control(opts)}
	pc, err := lc.ListenPacket(context.Background(), "udp", bindAddr)
	if err != nil {
		s.logger.Error("failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("socket %s failed to start: %w", s.name, err)
	}

	conn := pc.(*net.UDPConn)
	if s.opts.ReceiveBufferSize > 0 {
		_ = conn.SetReadBuffer(s.opts.ReceiveBufferSize)
	}
	if s.opts.SendBufferSize > 0 {
		_ = conn.SetWriteBuffer(s.opts.SendBufferSize)
	}

	s.conn = conn
	s.lastAddr = address
	s.lastPort = port
	s.lastGroup = multicast
	s.running.Store(true)

	if multicast {
		s.group = ep
		if err := s.joinLocked(ep); err != nil {
			s.running.Store(false)
			s.group = endpoint.Endpoint{}
			_ = conn.Close()
			s.conn = nil
			return err
		}
		s.applyMulticastOptions(ep)
	}

	s.logger.Info("socket started", logger.Field{Key: "addr", Value: conn.LocalAddr().String()})
	if h := s.handler.OnStarted; h != nil {
		h(s)
	}

	return nil
}

// Stop leaves every joined group and closes the socket. In-flight receive
// and send completions observe the closed socket and become no-ops.
//
// Returns:
//   - An error if the socket was not running, or the aggregated errors
//     from group leaves and the close
func (s *Socket) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Socket) stopLocked() error {
	if !s.running.Load() {
		return fmt.Errorf("socket %s not running", s.name)
	}

	s.running.Store(false)

	var result *multierror.Error
	for _, group := range s.groups.Values() {
		if ep, err := endpoint.New(group, s.lastPort); err == nil {
			if err := s.leaveGroup(ep); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	s.groups.Clear()

	if err := s.conn.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close: %w", err))
	}
	s.conn = nil
	s.group = endpoint.Endpoint{}

	s.logger.Info("socket stopped")
	if h := s.handler.OnStopped; h != nil {
		h(s)
	}

	return result.ErrorOrNil()
}

// Restart stops the socket and starts it again the same way it was last
// started.
//
// Returns:
//   - The first error from the stop or the start
func (s *Socket) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr, port, multicast := s.lastAddr, s.lastPort, s.lastGroup
	if err := s.stopLocked(); err != nil {
		return err
	}

	return s.startLocked(addr, port, multicast)
}

// ReceiveAsync arms the receive slot: one recvfrom completes in the
// background and fires OnReceived. The slot is single-shot; re-arm from
// the handler to keep receiving.
//
// Returns:
//   - true if the slot was armed, false if the socket is not running or a
//     receive is already outstanding
func (s *Socket) ReceiveAsync() bool {
	if !s.running.Load() {
		return false
	}
	if !s.receiving.CompareAndSwap(false, true) {
		return false
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.receiving.Store(false)
		return false
	}

	go s.receiveOnce(conn)
	return true
}

func (s *Socket) receiveOnce(conn *net.UDPConn) {
	s.recvMu.Lock()
	buf := s.recvBuf
	n, addr, err := conn.ReadFromUDP(buf)
	s.receiving.Store(false)

	if err != nil {
		s.recvMu.Unlock()
		if s.running.Load() {
			s.reportError(err)
		}
		return
	}

	s.bytesReceived.Add(uint64(n))
	s.datagramsReceived.Add(1)

	from, _ := endpoint.FromAddr(addr)
	s.dispatchReceived(from, buf[:n])

	if n == len(buf) && len(buf) < maxDatagramSize {
		grown := len(buf) * 2
		if grown > maxDatagramSize {
			grown = maxDatagramSize
		}
		s.recvBuf = make([]byte, grown)
	}
	s.recvMu.Unlock()
}

// SendAsync submits a single sendto in the background and fires OnSent on
// completion. At most one asynchronous send is outstanding at a time.
//
// Parameters:
//   - to: Destination endpoint
//   - data: The datagram payload; copied, the caller may reuse it
//
// Returns:
//   - true if the send was submitted, false if the socket is not running
//     or a send is already outstanding
func (s *Socket) SendAsync(to endpoint.Endpoint, data []byte) bool {
	if !s.running.Load() {
		return false
	}
	if !s.sending.CompareAndSwap(false, true) {
		return false
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.sending.Store(false)
		return false
	}

	payload := make([]byte, len(data))
	copy(payload, data)

	go func() {
		n, err := conn.WriteToUDP(payload, to.UDPAddr())
		s.sending.Store(false)

		if err != nil {
			if s.running.Load() {
				s.reportError(err)
			}
			return
		}

		s.bytesSent.Add(uint64(n))
		s.datagramsSent.Add(1)
		s.dispatchSent(to, n)
	}()

	return true
}

// SendSync writes one datagram in the caller's goroutine, blocking until
// the OS accepts it. Rejected while an asynchronous send is outstanding.
//
// Parameters:
//   - to: Destination endpoint
//   - data: The datagram payload
//
// Returns:
//   - The number of bytes sent
//   - ErrNotStarted, ErrSendInFlight, or the write error
func (s *Socket) SendSync(to endpoint.Endpoint, data []byte) (int, error) {
	if !s.running.Load() {
		return 0, ErrNotStarted
	}
	if s.sending.Load() {
		return 0, ErrSendInFlight
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, ErrNotStarted
	}

	n, err := conn.WriteToUDP(data, to.UDPAddr())
	if n > 0 {
		s.bytesSent.Add(uint64(n))
		s.datagramsSent.Add(1)
	}
	if err != nil {
		return n, fmt.Errorf("synchronous send failed: %w", err)
	}

	return n, nil
}

// SendSyncString writes the bytes of text as one datagram.
//
// Parameters:
//   - to: Destination endpoint
//   - text: The datagram payload
//
// Returns:
//   - The number of bytes sent and an error as for SendSync
func (s *Socket) SendSyncString(to endpoint.Endpoint, text string) (int, error) {
	return s.SendSync(to, []byte(text))
}

// Multicast sends data to the configured group address asynchronously.
// Only valid on sockets started with StartMulticast.
//
// Parameters:
//   - data: The datagram payload
//
// Returns:
//   - true if the send was submitted, false if no group is configured or
//     a send is already outstanding
func (s *Socket) Multicast(data []byte) bool {
	s.mu.Lock()
	group := s.group
	s.mu.Unlock()

	if group.IsZero() {
		return false
	}

	return s.SendAsync(group, data)
}

// MulticastSync sends data to the configured group address synchronously.
//
// Parameters:
//   - data: The datagram payload
//
// Returns:
//   - The number of bytes sent, or an error if no group is configured or
//     the send fails
func (s *Socket) MulticastSync(data []byte) (int, error) {
	s.mu.Lock()
	group := s.group
	s.mu.Unlock()

	if group.IsZero() {
		return 0, fmt.Errorf("socket %s has no multicast group", s.name)
	}

	return s.SendSync(group, data)
}

// reportError classifies err and surfaces it through OnError unless it is
// an ordinary disconnect kind.
func (s *Socket) reportError(err error) {
	kind := socketerr.Classify(err)
	if kind.Expected() {
		return
	}

	if h := s.handler.OnError; h != nil {
		h(s, kind, err)
	}
}

// dispatchReceived invokes OnReceived, recovering an escaping panic.
func (s *Socket) dispatchReceived(from endpoint.Endpoint, data []byte) {
	h := s.handler.OnReceived
	if h == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("receive callback panic", logger.Field{Key: "panic", Value: r})
		}
	}()

	h(s, from, data)
}

// dispatchSent invokes OnSent, recovering an escaping panic.
func (s *Socket) dispatchSent(to endpoint.Endpoint, sent int) {
	h := s.handler.OnSent
	if h == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("send callback panic", logger.Field{Key: "panic", Value: r})
		}
	}()

	h(s, to, sent)
}
