// Package sockopt builds the Control callbacks used with net.ListenConfig
// to apply listener-level socket options (address/port reuse, dual-stack
// binds) before a socket is bound.
package sockopt

import "syscall"

// Options selects the socket options applied by Control before bind.
type Options struct {
	// ReuseAddress sets SO_REUSEADDR so restarted listeners can rebind
	// while old connections linger in TIME_WAIT. Required for multicast
	// receivers sharing a port.
	ReuseAddress bool
	// ReusePort sets SO_REUSEPORT so multiple sockets may bind the same
	// address and port. Ignored on platforms without the option.
	ReusePort bool
	// DualMode clears IPV6_V6ONLY on IPv6 sockets so a single listener
	// accepts both IPv4 and IPv6 peers.
	DualMode bool
}

// Control returns a function suitable for net.ListenConfig.Control (and
// net.Dialer.Control) that applies the selected options to the raw socket.
// A nil return means no options are selected and the caller can leave
// Control unset.
//
// Parameters:
//   - opts: The socket options to apply
//
// Returns:
//   - A control callback, or nil when opts selects nothing
func Control(opts Options) func(network, address string, c syscall.RawConn) error {
	if !opts.ReuseAddress && !opts.ReusePort && !opts.DualMode {
		return nil
	}

	return func(network, address string, c syscall.RawConn) error {
		var optErr error
		err := c.Control(func(fd uintptr) {
			optErr = apply(fd, network, opts)
		})
		if err != nil {
			return err
		}

		return optErr
	}
}
