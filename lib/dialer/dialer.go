// Package dialer builds dial and accept functions for connection
// pools. Factories return plain pool.Dialer values for TCP, UDP, and
// I2P targets; the With* helpers layer retry, rate limiting, and
// circuit breaking on top so a pool that loses its target does not
// hammer it on every acquire.
package dialer

import (
	"context"
	"fmt"
	"net"

	"github.com/go-i2p/netpool/lib/pool"
	"github.com/go-i2p/netpool/lib/validation"

	apperrors "github.com/go-i2p/netpool/lib/errors"
)

// Net returns a dialer that opens connections to addr over the given
// network ("tcp", "tcp4", "tcp6", "udp", "udp4", "udp6"). The network
// already fixes the transport kind, so the acquire hint is not
// consulted.
func Net(network, addr string) (pool.Dialer, error) {
	if err := validation.ValidateDialTarget(network, addr); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrDialTargetInvalid, err)
	}

	var d net.Dialer
	return func(ctx context.Context, _ pool.Protocol) (net.Conn, error) {
		return d.DialContext(ctx, network, addr)
	}, nil
}

// TCP returns a stream dialer for addr.
func TCP(addr string) (pool.Dialer, error) {
	return Net("tcp", addr)
}

// UDP returns a datagram dialer for addr.
func UDP(addr string) (pool.Dialer, error) {
	return Net("udp", addr)
}

// Dual returns a dialer that picks its transport from the acquire
// hint: datagram hints dial the UDP address, everything else dials the
// TCP address.
func Dual(tcpAddr, udpAddr string) (pool.Dialer, error) {
	tcp, err := TCP(tcpAddr)
	if err != nil {
		return nil, err
	}
	udp, err := UDP(udpAddr)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, hint pool.Protocol) (net.Conn, error) {
		if hint.IsUDP() {
			return udp(ctx, hint)
		}
		return tcp(ctx, hint)
	}, nil
}

// classifiedConn pins transport metadata onto a connection whose
// addresses reveal neither a protocol nor an IP family.
type classifiedConn struct {
	net.Conn
	proto pool.Protocol
	ipv   pool.IPVersion
}

func (c *classifiedConn) TransportProtocol() pool.Protocol {
	return c.proto
}

func (c *classifiedConn) TransportIPVersion() pool.IPVersion {
	return c.ipv
}

// Classify wraps conn with fixed transport metadata. The pool buckets
// wrapped connections by the declared kind instead of treating them as
// unclassifiable single-use connections. Tunneled and proxied links
// need this; their addresses carry no usable protocol or IP family.
func Classify(conn net.Conn, proto pool.Protocol, ipv pool.IPVersion) net.Conn {
	return &classifiedConn{Conn: conn, proto: proto, ipv: ipv}
}

// ClassifyAcceptor returns an acceptor that classifies every accepted
// connection, for server pools listening on tunneled transports.
func ClassifyAcceptor(proto pool.Protocol, ipv pool.IPVersion) pool.Acceptor {
	return func(ln net.Listener) (net.Conn, error) {
		conn, err := ln.Accept()
		if err != nil {
			return nil, err
		}
		return Classify(conn, proto, ipv), nil
	}
}
