package pool

import (
	"net"
	"strings"
)

// IPVersion identifies the IP family of a pooled connection.
type IPVersion int

const (
	// IPVersionUnknown marks a connection whose IP family could not be
	// determined. Unknown connections are usable but never cached.
	IPVersionUnknown IPVersion = iota
	// IPVersionV4 is an IPv4 connection.
	IPVersionV4
	// IPVersionV6 is an IPv6 connection.
	IPVersionV6
)

// String returns "IPv4", "IPv6" or "Unknown".
func (v IPVersion) String() string {
	switch v {
	case IPVersionV4:
		return "IPv4"
	case IPVersionV6:
		return "IPv6"
	default:
		return "Unknown"
	}
}

// IsV4 reports whether the version is IPVersionV4.
func (v IPVersion) IsV4() bool { return v == IPVersionV4 }

// IsV6 reports whether the version is IPVersionV6.
func (v IPVersion) IsV6() bool { return v == IPVersionV6 }

// ParseIPVersion parses an IP family name, case-insensitively.
// Accepts "ipv4"/"4" and "ipv6"/"6"; everything else yields
// IPVersionUnknown.
func ParseIPVersion(s string) IPVersion {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ipv4", "4":
		return IPVersionV4
	case "ipv6", "6":
		return IPVersionV6
	default:
		return IPVersionUnknown
	}
}

// MarshalText implements encoding.TextMarshaler for config files.
func (v IPVersion) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for config files.
func (v *IPVersion) UnmarshalText(text []byte) error {
	*v = ParseIPVersion(string(text))
	return nil
}

// IPVersionOfAddr classifies a network address by its IP family.
func IPVersionOfAddr(addr net.Addr) IPVersion {
	if addr == nil {
		return IPVersionUnknown
	}
	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			host = addr.String()
		}
		ip = net.ParseIP(host)
	}
	switch {
	case ip == nil:
		return IPVersionUnknown
	case ip.To4() != nil:
		return IPVersionV4
	default:
		return IPVersionV6
	}
}

// DetectIPVersion classifies a connection's IP family. It checks the
// Classified interface first, then the remote address, then the local
// address.
func DetectIPVersion(c net.Conn) IPVersion {
	if c == nil {
		return IPVersionUnknown
	}
	if cl, ok := c.(Classified); ok {
		return cl.TransportIPVersion()
	}
	if v := IPVersionOfAddr(c.RemoteAddr()); v != IPVersionUnknown {
		return v
	}
	return IPVersionOfAddr(c.LocalAddr())
}
