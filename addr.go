package reactor

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// InetAddress wraps an IPv4 or IPv6 endpoint, the form the Acceptor binds
// to and TcpConnection.PeerAddress/LocalAddress return.
type InetAddress struct {
	IP   net.IP
	Port int
}

// NewInetAddress resolves host:port style addresses (an empty host binds
// all interfaces) into an InetAddress. host may be empty, a literal IP,
// or a hostname.
func NewInetAddress(host string, port int) (InetAddress, error) {
	if host == "" {
		return InetAddress{IP: net.IPv4zero, Port: port}, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return InetAddress{}, fmt.Errorf("reactor: resolve %q: %w", host, err)
		}
		ip = ips[0]
	}
	return InetAddress{IP: ip, Port: port}, nil
}

// String renders the address in host:port form.
func (a InetAddress) String() string {
	return net.JoinHostPort(a.IP.String(), fmt.Sprintf("%d", a.Port))
}

// sockaddr converts the InetAddress to the unix package's sockaddr
// representation, choosing IPv4 or IPv6 by the length of the IP.
func (a InetAddress) sockaddr() (unix.Sockaddr, error) {
	if ip4 := a.IP.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = a.Port
		copy(sa.Addr[:], ip4)
		return &sa, nil
	}
	ip6 := a.IP.To16()
	if ip6 == nil {
		return nil, fmt.Errorf("reactor: invalid IP %v", a.IP)
	}
	var sa unix.SockaddrInet6
	sa.Port = a.Port
	copy(sa.Addr[:], ip6)
	return &sa, nil
}

// inetAddressFromSockaddr converts a sockaddr obtained from Accept/Getsockname
// back into an InetAddress.
func inetAddressFromSockaddr(sa unix.Sockaddr) InetAddress {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return InetAddress{IP: net.IP(s.Addr[:]).To4(), Port: s.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, s.Addr[:])
		return InetAddress{IP: ip, Port: s.Port}
	default:
		return InetAddress{}
	}
}

func isIPv6(ip net.IP) bool { return ip.To4() == nil }

// getsockname wraps unix.Getsockname for server.go's local-address
// lookup on a freshly accepted fd.
func getsockname(fd int) (unix.Sockaddr, error) {
	return unix.Getsockname(fd)
}
