// Package endpoint provides the address/port value type used as the bind
// and connect target for every socket in this library, including multicast
// group addresses for datagram sockets.
package endpoint

import (
	"fmt"
	"net"
	"strconv"
)

// Endpoint identifies a network peer by IP address and port. The zero value
// is not a valid endpoint; construct one with New, Resolve, or FromAddr.
type Endpoint struct {
	IP   net.IP
	Port int
}

// New builds an Endpoint from a textual IP address and port.
//
// Parameters:
//   - address: A literal IPv4 or IPv6 address (e.g. "127.0.0.1", "::1", "239.255.0.1")
//   - port: The port number
//
// Returns:
//   - The Endpoint, or an error if address is not a literal IP
func New(address string, port int) (Endpoint, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return Endpoint{}, fmt.Errorf("invalid IP address %q", address)
	}

	return Endpoint{IP: ip, Port: port}, nil
}

// Resolve builds an Endpoint from a host name or literal address by
// resolving it through the system resolver. The first returned address wins.
//
// Parameters:
//   - host: A host name or literal IP address
//   - port: The port number
//
// Returns:
//   - The resolved Endpoint, or an error if resolution fails
func Resolve(host string, port int) (Endpoint, error) {
	if ip := net.ParseIP(host); ip != nil {
		return Endpoint{IP: ip, Port: port}, nil
	}

	addrs, err := net.LookupIP(host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to resolve %q: %w", host, err)
	}

	return Endpoint{IP: addrs[0], Port: port}, nil
}

// FromAddr builds an Endpoint from a net.Addr as returned by the net
// package (TCPAddr, UDPAddr, or anything whose String form is "host:port").
//
// Parameters:
//   - addr: The address to convert
//
// Returns:
//   - The Endpoint, or an error if addr carries no usable host:port form
func FromAddr(addr net.Addr) (Endpoint, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return Endpoint{IP: a.IP, Port: a.Port}, nil
	case *net.UDPAddr:
		return Endpoint{IP: a.IP, Port: a.Port}, nil
	}

	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Endpoint{}, fmt.Errorf("address %q has no host:port form: %w", addr.String(), err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("address %q has an invalid port: %w", addr.String(), err)
	}

	return New(host, port)
}

// String returns the "host:port" form of the endpoint, bracketing IPv6
// addresses.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(e.Port))
}

// TCPAddr returns the endpoint as a *net.TCPAddr.
func (e Endpoint) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: e.IP, Port: e.Port}
}

// UDPAddr returns the endpoint as a *net.UDPAddr.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: e.Port}
}

// IsMulticast reports whether the endpoint's address is a multicast group
// address (224.0.0.0/4 for IPv4, ff00::/8 for IPv6).
func (e Endpoint) IsMulticast() bool {
	return e.IP != nil && e.IP.IsMulticast()
}

// IsZero reports whether the endpoint is the zero value.
func (e Endpoint) IsZero() bool {
	return e.IP == nil && e.Port == 0
}
