//go:build unix

package sockopt

import (
	"strings"

	"golang.org/x/sys/unix"
)

// apply sets the selected options on the raw descriptor. Failures from
// SO_REUSEPORT are ignored on kernels that lack it.
func apply(fd uintptr, network string, opts Options) error {
	if opts.ReuseAddress {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return err
		}
	}

	if opts.ReusePort {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	}

	if opts.DualMode && strings.HasSuffix(network, "6") {
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			return err
		}
	}

	return nil
}
