package udp

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/cyberinferno/go-sockets/endpoint"
	"github.com/cyberinferno/go-sockets/logger"
)

// JoinMulticastGroup joins the given group address on the socket. Joining
// a group the socket is already a member of is a no-op.
//
// Parameters:
//   - address: Multicast group address (e.g. "239.255.0.1", "ff02::1")
//
// Returns:
//   - An error if the socket is not running, the address is not a
//     multicast group, or the join fails
func (s *Socket) JoinMulticastGroup(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return ErrNotStarted
	}

	ep, err := endpoint.New(address, 0)
	if err != nil {
		return err
	}

	return s.joinLocked(ep)
}

// LeaveMulticastGroup leaves the given group address.
//
// Parameters:
//   - address: Multicast group address to leave
//
// Returns:
//   - An error if the socket is not running, the socket is not a member
//     of the group, or the leave fails
func (s *Socket) LeaveMulticastGroup(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return ErrNotStarted
	}

	if !s.groups.Contains(address) {
		return fmt.Errorf("socket %s is not a member of %s", s.name, address)
	}

	ep, err := endpoint.New(address, 0)
	if err != nil {
		return err
	}

	if err := s.leaveGroup(ep); err != nil {
		return err
	}

	s.groups.Remove(address)
	return nil
}

// joinLocked joins ep's group; caller holds s.mu.
func (s *Socket) joinLocked(ep endpoint.Endpoint) error {
	if !ep.IsMulticast() {
		return fmt.Errorf("%s is not a multicast group address", ep.IP.String())
	}

	key := ep.IP.String()
	if s.groups.Contains(key) {
		return nil
	}

	group := &net.UDPAddr{IP: ep.IP}
	var err error
	if ep.IP.To4() != nil {
		err = ipv4.NewPacketConn(s.conn).JoinGroup(s.opts.MulticastInterface, group)
	} else {
		err = ipv6.NewPacketConn(s.conn).JoinGroup(s.opts.MulticastInterface, group)
	}
	if err != nil {
		return fmt.Errorf("failed to join group %s: %w", key, err)
	}

	s.groups.Add(key)
	s.logger.Info("joined multicast group", logger.Field{Key: "group", Value: key})
	return nil
}

// leaveGroup drops membership of ep's group; caller holds s.mu and updates
// the group set.
func (s *Socket) leaveGroup(ep endpoint.Endpoint) error {
	group := &net.UDPAddr{IP: ep.IP}
	var err error
	if ep.IP.To4() != nil {
		err = ipv4.NewPacketConn(s.conn).LeaveGroup(s.opts.MulticastInterface, group)
	} else {
		err = ipv6.NewPacketConn(s.conn).LeaveGroup(s.opts.MulticastInterface, group)
	}
	if err != nil {
		return fmt.Errorf("failed to leave group %s: %w", ep.IP.String(), err)
	}

	s.logger.Info("left multicast group", logger.Field{Key: "group", Value: ep.IP.String()})
	return nil
}

// applyMulticastOptions sets TTL, loopback, and the outgoing interface for
// multicast sends; caller holds s.mu. Option failures are logged, not
// fatal, since defaults remain usable.
func (s *Socket) applyMulticastOptions(ep endpoint.Endpoint) {
	if ep.IP.To4() != nil {
		pc := ipv4.NewPacketConn(s.conn)
		if s.opts.MulticastTTL > 0 {
			if err := pc.SetMulticastTTL(s.opts.MulticastTTL); err != nil {
				s.logger.Warn("failed to set multicast TTL", logger.Field{Key: "error", Value: err})
			}
		}
		if err := pc.SetMulticastLoopback(s.opts.MulticastLoopback); err != nil {
			s.logger.Warn("failed to set multicast loopback", logger.Field{Key: "error", Value: err})
		}
		if s.opts.MulticastInterface != nil {
			if err := pc.SetMulticastInterface(s.opts.MulticastInterface); err != nil {
				s.logger.Warn("failed to set multicast interface", logger.Field{Key: "error", Value: err})
			}
		}
		return
	}

	pc := ipv6.NewPacketConn(s.conn)
	if s.opts.MulticastTTL > 0 {
		if err := pc.SetMulticastHopLimit(s.opts.MulticastTTL); err != nil {
			s.logger.Warn("failed to set multicast hop limit", logger.Field{Key: "error", Value: err})
		}
	}
	if err := pc.SetMulticastLoopback(s.opts.MulticastLoopback); err != nil {
		s.logger.Warn("failed to set multicast loopback", logger.Field{Key: "error", Value: err})
	}
	if s.opts.MulticastInterface != nil {
		if err := pc.SetMulticastInterface(s.opts.MulticastInterface); err != nil {
			s.logger.Warn("failed to set multicast interface", logger.Field{Key: "error", Value: err})
		}
	}
}
