package peer

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Socket is the datagram endpoint the client sends and receives on.
type Socket interface {
	ReadFrom(b []byte) (int, netip.AddrPort, error)
	WriteTo(b []byte, dst netip.AddrPort) (int, error)
	SetMulticastTTL(ttl int) error
	SetMulticastInterface(name string) error
	Close() error
}

// ListenFunc binds an ephemeral socket on the wildcard address of network
// ("udp4" or "udp6").
type ListenFunc func(network string) (Socket, error)

// Resolver looks up host addresses.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// ListenUDP is the default ListenFunc.
func ListenUDP(network string) (Socket, error) {
	var laddr *net.UDPAddr
	switch network {
	case "udp4":
		laddr = &net.UDPAddr{IP: net.IPv4zero}
	case "udp6":
		laddr = &net.UDPAddr{IP: net.IPv6unspecified}
	default:
		return nil, fmt.Errorf("peer: unsupported network %q", network)
	}
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	s := &udpSocket{conn: conn}
	if network == "udp4" {
		s.p4 = ipv4.NewPacketConn(conn)
	} else {
		s.p6 = ipv6.NewPacketConn(conn)
	}
	return s, nil
}

type udpSocket struct {
	conn *net.UDPConn
	p4   *ipv4.PacketConn
	p6   *ipv6.PacketConn
}

func (s *udpSocket) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	return s.conn.ReadFromUDPAddrPort(b)
}

func (s *udpSocket) WriteTo(b []byte, dst netip.AddrPort) (int, error) {
	return s.conn.WriteToUDPAddrPort(b, dst)
}

func (s *udpSocket) SetMulticastTTL(ttl int) error {
	if s.p4 != nil {
		return s.p4.SetMulticastTTL(ttl)
	}
	return s.p6.SetMulticastHopLimit(ttl)
}

func (s *udpSocket) SetMulticastInterface(name string) error {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return err
	}
	if s.p4 != nil {
		return s.p4.SetMulticastInterface(ifi)
	}
	return s.p6.SetMulticastInterface(ifi)
}

func (s *udpSocket) Close() error {
	return s.conn.Close()
}

// isBroadcast reports the IPv4 limited broadcast address.
func isBroadcast(a netip.Addr) bool {
	return a.Is4() && a == netip.AddrFrom4([4]byte{255, 255, 255, 255})
}

func networkFor(a netip.Addr) string {
	if a.Is4() {
		return "udp4"
	}
	return "udp6"
}
