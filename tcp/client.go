package tcp

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/cyberinferno/go-sockets/cacher"
	"github.com/cyberinferno/go-sockets/idgenerator"
	"github.com/cyberinferno/go-sockets/logger"
	"github.com/cyberinferno/go-sockets/socketerr"
)

// clientSessionIds keys the sessions created by every client in the
// process; a client session has no registry, the ID only tags log entries
// and callbacks.
var clientSessionIds = idgenerator.NewIdGenerator(0)

// Client is an outbound stream endpoint. It owns socket creation and
// connect (plus the TLS handshake when Options.TLS is set) and then runs
// the same receive pump and double-buffered send pipeline as an accepted
// session. After a disconnect the client may be connected again; with
// AutoReconnect enabled it redials by itself, pacing attempts with a
// jittered exponential backoff.
//
// All methods are safe for concurrent use.
type Client struct {
	opts    ClientOptions
	handler *ClientHandler
	logger  logger.Logger

	mu           sync.Mutex
	state        ClientState
	session      *Session
	closed       bool
	reconnecting bool
	loopStarted  bool

	stopChan      chan struct{}
	reconnectChan chan struct{}
	wg            sync.WaitGroup

	backoff *backoff.Backoff

	totalSent     atomic.Uint64
	totalReceived atomic.Uint64
}

// NewClient creates a client for the configured address. The client starts
// disconnected; call Connect or ConnectAsync.
//
// Parameters:
//   - opts: Connection and behavior settings (see DefaultClientOptions)
//   - handler: Client and session callbacks; may be nil
//   - log: Structured logger; nil installs a no-op logger
//
// Returns:
//   - A new Client; call Close when done to release its goroutines
func NewClient(opts ClientOptions, handler *ClientHandler, log logger.Logger) *Client {
	if handler == nil {
		handler = &ClientHandler{}
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	minDelay := opts.ReconnectMinDelay
	if minDelay <= 0 {
		minDelay = 500 * time.Millisecond
	}
	maxDelay := opts.ReconnectMaxDelay
	if maxDelay < minDelay {
		maxDelay = 30 * time.Second
	}

	return &Client{
		opts:          opts,
		handler:       handler,
		logger:        log.With(logger.Field{Key: "client", Value: opts.Address}),
		state:         StateDisconnected,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
		backoff: &backoff.Backoff{
			Min:    minDelay,
			Max:    maxDelay,
			Jitter: true,
		},
	}
}

// State returns the client's current lifecycle state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the client currently owns a connected
// session.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	return sess != nil && sess.IsConnected()
}

// IsHandshaked reports whether the client's session is ready for
// application data.
func (c *Client) IsHandshaked() bool {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	return sess != nil && sess.IsHandshaked()
}

// Cache returns the application cache injected through
// ClientOptions.Cache, or nil when none was configured. Every session the
// client creates hands the same cache to its handlers via Session.Cache.
func (c *Client) Cache() cacher.Cacher[[]byte] {
	return c.opts.Cache
}

// Session returns the session the client currently owns, or nil when
// disconnected.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// BytesSent returns the bytes written across all connections of this
// client, including the current one.
func (c *Client) BytesSent() uint64 {
	total := c.totalSent.Load()
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	if sess != nil {
		total += sess.BytesSent()
	}

	return total
}

// BytesReceived returns the bytes read across all connections of this
// client, including the current one.
func (c *Client) BytesReceived() uint64 {
	total := c.totalReceived.Load()
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	if sess != nil {
		total += sess.BytesReceived()
	}

	return total
}

// Connect dials the configured address, performs the TLS handshake when
// configured, and starts the receive pump.
//
// Returns:
//   - An error if the client is closed, already connected or connecting,
//     or if the dial or handshake fails
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	if c.state == StateConnecting || c.state == StateHandshaking ||
		(c.session != nil && c.session.IsConnected()) {
		c.mu.Unlock()
		return fmt.Errorf("already connected or connecting")
	}
	c.mu.Unlock()

	return c.connect()
}

// ConnectAsync starts a connect attempt in the background. Failures are
// surfaced through OnConnectError (and drive auto-reconnect when enabled).
//
// Returns:
//   - true if the attempt was started, false if the client is closed or
//     already connected or connecting
func (c *Client) ConnectAsync() bool {
	c.mu.Lock()
	if c.closed || c.state == StateConnecting || c.state == StateHandshaking ||
		(c.session != nil && c.session.IsConnected()) {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.connect(); err != nil {
			c.triggerReconnect()
		}
	}()

	return true
}

// Disconnect closes the current session. The client stays usable; Connect
// may be called again. Auto-reconnect is not triggered by a manual
// disconnect.
//
// Returns:
//   - nil if already disconnected or closed, or the error from the session
//     teardown (currently always nil)
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	sess := c.session
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if sess != nil {
		sess.Disconnect()
	}

	return nil
}

// DisconnectAsync closes the current session in the background.
//
// Returns:
//   - true if a teardown was started, false when already disconnected or
//     closed
func (c *Client) DisconnectAsync() bool {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.Disconnect()
	}()

	return true
}

// Reconnect disconnects and immediately dials again.
//
// Returns:
//   - The error from the new connect attempt
func (c *Client) Reconnect() error {
	if err := c.Disconnect(); err != nil {
		return err
	}

	return c.Connect()
}

// ReconnectAsync disconnects and dials again in the background.
//
// Returns:
//   - true if the attempt was started, false if the client is closed
func (c *Client) ReconnectAsync() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Reconnect(); err != nil {
			c.triggerReconnect()
		}
	}()

	return true
}

// Close shuts the client down permanently: the session is disconnected,
// background goroutines stop, and the state becomes Closed. Idempotent.
//
// Returns:
//   - nil
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sess := c.session
	c.mu.Unlock()

	if sess != nil {
		sess.Disconnect()
	}

	close(c.stopChan)
	c.wg.Wait()

	c.mu.Lock()
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	return nil
}

// Send queues data on the current session's send pipeline.
//
// Parameters:
//   - data: The bytes to send
//
// Returns:
//   - true if queued, false when not connected or not handshaked
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	return sess != nil && sess.Send(data)
}

// SendString queues the bytes of text on the current session.
//
// Parameters:
//   - text: The string to send
//
// Returns:
//   - true if queued, false when not connected or not handshaked
func (c *Client) SendString(text string) bool {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	return sess != nil && sess.SendString(text)
}

// SendPart queues n bytes of data starting at off on the current session.
//
// Parameters:
//   - data: The source slice
//   - off: Offset of the first byte to send
//   - n: Number of bytes to send
//
// Returns:
//   - true if queued, false when the range is invalid or the client is not
//     connected or not handshaked
func (c *Client) SendPart(data []byte, off, n int) bool {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	return sess != nil && sess.SendPart(data, off, n)
}

// SendSync writes data directly to the socket, blocking the caller.
//
// Parameters:
//   - data: The bytes to send
//
// Returns:
//   - The number of bytes written and an error as for Session.SendSync
func (c *Client) SendSync(data []byte) (int, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	if sess == nil {
		return 0, ErrNotConnected
	}

	return sess.SendSync(data)
}

// connect performs one dial attempt and wires the resulting session.
func (c *Client) connect() error {
	c.setState(StateConnecting)

	dialer := net.Dialer{Timeout: c.opts.ConnectTimeout}
	conn, err := dialer.Dial("tcp", c.opts.Address)
	if err != nil {
		c.setState(StateDisconnected)
		c.dispatchConnectError(err)
		return fmt.Errorf("failed to connect to %s: %w", c.opts.Address, err)
	}

	c.applyConnOptions(conn)

	id := clientSessionIds.Id()
	sess := newSession(id, conn, nil,
		c.logger.With(logger.Field{Key: "session", Value: id}),
		c.opts.ReceiveBufferSize, c.opts.SendBufferSize, c.opts.MaxReceiveBufferSize)
	sess.cache = c.opts.Cache
	sess.handler = &c.handler.SessionHandler
	sess.onFinalized = c.sessionFinalized

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("client is closed")
	}
	c.session = sess
	c.mu.Unlock()

	sess.dispatchConnecting()
	sess.connected.Store(true)
	if c.opts.TLS == nil {
		sess.markReady()
	}
	sess.dispatchConnected()

	if c.opts.TLS != nil {
		c.setState(StateHandshaking)
		if err := sess.handshake(c.tlsConfig(), true); err != nil {
			sess.dispatchError(socketerr.NotConnected, err)
			sess.Disconnect()
			c.setState(StateDisconnected)
			return err
		}
		c.setState(StateHandshaked)
	} else {
		c.setState(StateConnected)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		sess.receiveLoop()
	}()

	if c.opts.AutoReconnect {
		c.startReconnectLoop()
	}

	c.backoff.Reset()
	return nil
}

// tlsConfig returns the prepared TLS configuration, deriving ServerName
// from the dial address when the caller left it empty.
func (c *Client) tlsConfig() *tls.Config {
	cfg := c.opts.TLS
	if cfg.ServerName != "" || cfg.InsecureSkipVerify {
		return cfg
	}

	host, _, err := net.SplitHostPort(c.opts.Address)
	if err != nil {
		return cfg
	}

	derived := cfg.Clone()
	derived.ServerName = host
	return derived
}

// applyConnOptions applies per-connection socket options from the client
// configuration.
func (c *Client) applyConnOptions(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}

	_ = tcpConn.SetKeepAlive(c.opts.KeepAlive)
	_ = tcpConn.SetNoDelay(c.opts.NoDelay)
	if c.opts.ReceiveBufferSize > 0 {
		_ = tcpConn.SetReadBuffer(c.opts.ReceiveBufferSize)
	}
	if c.opts.SendBufferSize > 0 {
		_ = tcpConn.SetWriteBuffer(c.opts.SendBufferSize)
	}
}

// sessionFinalized runs from the session's finalize path after
// OnDisconnected. An unexpected drop rolls the cumulative counters and
// triggers auto-reconnect.
func (c *Client) sessionFinalized(sess *Session) {
	c.totalSent.Add(sess.BytesSent())
	c.totalReceived.Add(sess.BytesReceived())

	c.mu.Lock()
	if c.session == sess {
		c.session = nil
	}
	unexpected := c.state == StateConnected || c.state == StateHandshaking || c.state == StateHandshaked
	if unexpected {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	if unexpected {
		c.triggerReconnect()
	}
}

// startReconnectLoop launches the redial goroutine once per client.
func (c *Client) startReconnectLoop() {
	c.mu.Lock()
	if c.loopStarted || c.closed {
		c.mu.Unlock()
		return
	}
	c.loopStarted = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.reconnectLoop()
}

// reconnectLoop waits out the backoff delay after each trigger and dials
// again, re-triggering itself while attempts keep failing.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		case <-c.reconnectChan:
		}

		c.mu.Lock()
		if c.closed || c.reconnecting {
			c.mu.Unlock()
			continue
		}
		c.reconnecting = true
		c.setStateLocked(StateReconnecting)
		c.mu.Unlock()

		delay := c.backoff.Duration()
		c.logger.Debug("reconnecting", logger.Field{Key: "delay", Value: delay.String()})

		select {
		case <-c.stopChan:
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
			return
		case <-time.After(delay):
		}

		err := c.connect()

		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()

		if err != nil {
			c.triggerReconnect()
		}
	}
}

// triggerReconnect requests a redial when auto-reconnect is enabled.
func (c *Client) triggerReconnect() {
	c.mu.Lock()
	enabled := c.opts.AutoReconnect && !c.closed
	c.mu.Unlock()

	if !enabled {
		return
	}

	c.startReconnectLoop()

	select {
	case c.reconnectChan <- struct{}{}:
	default:
	}
}

// setState updates the lifecycle state and notifies the state handler.
func (c *Client) setState(state ClientState) {
	c.mu.Lock()
	c.setStateLocked(state)
	c.mu.Unlock()
}

// setStateLocked updates the state with c.mu held; the notification runs
// on its own goroutine so handlers may call back into the client.
func (c *Client) setStateLocked(state ClientState) {
	if c.state == state {
		return
	}
	c.state = state

	if h := c.handler.OnStateChanged; h != nil {
		go h(c, state)
	}
}

// dispatchConnectError surfaces a failed dial attempt.
func (c *Client) dispatchConnectError(err error) {
	if h := c.handler.OnConnectError; h != nil {
		h(c, socketerr.Classify(err), err)
	}
}
