package pool

import (
	"net"
	"strings"
)

// Protocol identifies the transport kind of a pooled connection.
// Stream transports (TCP) and datagram transports (UDP) are kept in
// separate idle buckets so callers can ask for one or the other.
type Protocol int

const (
	// ProtocolUnknown marks a connection whose transport kind could not
	// be determined. Unknown connections are usable but never cached.
	ProtocolUnknown Protocol = iota
	// ProtocolTCP is a stream transport.
	ProtocolTCP
	// ProtocolUDP is a datagram transport.
	ProtocolUDP
)

// String returns "TCP", "UDP" or "Unknown".
func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	default:
		return "Unknown"
	}
}

// IsTCP reports whether the protocol is ProtocolTCP.
func (p Protocol) IsTCP() bool { return p == ProtocolTCP }

// IsUDP reports whether the protocol is ProtocolUDP.
func (p Protocol) IsUDP() bool { return p == ProtocolUDP }

// ParseProtocol parses a protocol name, case-insensitively.
// Unrecognized values yield ProtocolUnknown.
func ParseProtocol(s string) Protocol {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TCP":
		return ProtocolTCP
	case "UDP":
		return ProtocolUDP
	default:
		return ProtocolUnknown
	}
}

// MarshalText implements encoding.TextMarshaler for config files.
func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for config files.
func (p *Protocol) UnmarshalText(text []byte) error {
	*p = ParseProtocol(string(text))
	return nil
}

// Classified is implemented by connections that carry fixed transport
// metadata of their own, such as tunneled or proxied links whose
// addresses do not reveal a protocol or IP family. Detection honors it
// before inspecting the concrete connection type or its addresses.
type Classified interface {
	net.Conn
	TransportProtocol() Protocol
	TransportIPVersion() IPVersion
}

// DetectProtocol classifies a connection's transport kind. It checks
// the Classified interface first, then the concrete type, then the
// network name of the connection's addresses.
func DetectProtocol(c net.Conn) Protocol {
	if c == nil {
		return ProtocolUnknown
	}
	if cl, ok := c.(Classified); ok {
		return cl.TransportProtocol()
	}
	switch c.(type) {
	case *net.TCPConn:
		return ProtocolTCP
	case *net.UDPConn:
		return ProtocolUDP
	}
	if addr := c.RemoteAddr(); addr != nil {
		if p := protocolFromNetwork(addr.Network()); p != ProtocolUnknown {
			return p
		}
	}
	if addr := c.LocalAddr(); addr != nil {
		return protocolFromNetwork(addr.Network())
	}
	return ProtocolUnknown
}

func protocolFromNetwork(network string) Protocol {
	switch {
	case strings.HasPrefix(network, "tcp"):
		return ProtocolTCP
	case strings.HasPrefix(network, "udp"):
		return ProtocolUDP
	default:
		return ProtocolUnknown
	}
}
