package dialer

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/go-i2p/i2pkeys"
	"github.com/go-i2p/onramp"

	"github.com/go-i2p/netpool/lib/pool"

	apperrors "github.com/go-i2p/netpool/lib/errors"
)

// DefaultSAMAddress is the default SAM bridge address.
const DefaultSAMAddress = "127.0.0.1:7656"

// I2PDialer dials streaming connections to a fixed I2P destination
// through a local SAM bridge. The session is created on the first dial
// and reused afterwards. Keys are stored under the tunnel name, so the
// local destination survives restarts. Close tears the session down;
// a dial after Close builds a fresh one.
type I2PDialer struct {
	mu      sync.Mutex
	name    string
	samAddr string
	options []string
	dest    string
	garlic  *onramp.Garlic
	ipv     pool.IPVersion
}

// NewI2PDialer creates a dialer for the given I2P destination. name is
// the tunnel name the session keys are stored under. An empty samAddr
// selects DefaultSAMAddress, nil options select onramp.OPT_DEFAULTS.
func NewI2PDialer(name, samAddr, dest string, options []string) *I2PDialer {
	if samAddr == "" {
		samAddr = DefaultSAMAddress
	}
	if len(options) == 0 {
		options = onramp.OPT_DEFAULTS
	}

	return &I2PDialer{
		name:    name,
		samAddr: samAddr,
		options: options,
		dest:    dest,
		ipv:     bridgeIPVersion(samAddr),
	}
}

// Dial opens a stream to the configured destination. It satisfies
// pool.Dialer, so attach it with cfg.Dialer = d.Dial. Streaming
// sessions cannot satisfy datagram hints.
func (d *I2PDialer) Dial(ctx context.Context, hint pool.Protocol) (net.Conn, error) {
	if hint.IsUDP() {
		return nil, fmt.Errorf("%w: streaming session cannot dial datagrams", apperrors.ErrDialTargetInvalid)
	}

	g, err := d.session()
	if err != nil {
		return nil, err
	}

	conn, err := dialGarlic(ctx, g, d.dest)
	if err != nil {
		return nil, err
	}

	// The stream's addresses are I2P destinations, which reveal no
	// protocol or IP family. Pin the metadata so the pool can cache it.
	return Classify(conn, pool.ProtocolTCP, d.ipv), nil
}

// Close tears down the SAM session.
func (d *I2PDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.garlic == nil {
		return nil
	}
	err := d.garlic.Close()
	d.garlic = nil
	return err
}

func (d *I2PDialer) session() (*onramp.Garlic, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.garlic != nil {
		return d.garlic, nil
	}

	log.WithField("name", d.name).WithField("sam", d.samAddr).Debug("opening I2P session")
	g, err := onramp.NewGarlic(d.name, d.samAddr, d.options)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2P session: %w", err)
	}
	d.garlic = g
	return g, nil
}

// dialGarlic bridges the acquire context onto onramp's plain Dial. A
// late connection arriving after cancellation is closed, not leaked.
func dialGarlic(ctx context.Context, g *onramp.Garlic, dest string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}

	ch := make(chan result, 1)
	go func() {
		conn, err := g.Dial("tcp", dest)
		ch <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

// garlicListener ties the lifetime of the SAM session to the listener.
type garlicListener struct {
	net.Listener
	garlic *onramp.Garlic
}

func (l *garlicListener) Close() error {
	err := l.Listener.Close()
	if gerr := l.garlic.Close(); gerr != nil && err == nil {
		err = gerr
	}
	return err
}

// NewI2PListener opens a streaming listener through the SAM bridge for
// server pools. Closing the listener also closes the session. Pair it
// with ClassifyAcceptor so inbound streams can be bucketed.
func NewI2PListener(name, samAddr string, options []string) (net.Listener, error) {
	if samAddr == "" {
		samAddr = DefaultSAMAddress
	}
	if len(options) == 0 {
		options = onramp.OPT_DEFAULTS
	}

	g, err := onramp.NewGarlic(name, samAddr, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2P session: %w", err)
	}

	ln, err := g.Listen()
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("failed to listen on I2P session: %w", err)
	}

	log.WithField("name", name).WithField("addr", DestinationOf(ln.Addr())).Info("I2P listener ready")
	return &garlicListener{Listener: ln, garlic: g}, nil
}

// DestinationOf extracts the base32 destination from an I2P-backed
// address, falling back to String for other address types.
func DestinationOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if a, ok := addr.(i2pkeys.I2PAddr); ok {
		return a.Base32()
	}
	return addr.String()
}

// bridgeIPVersion classifies pooled I2P connections by the IP family
// of the SAM bridge carrying them.
func bridgeIPVersion(samAddr string) pool.IPVersion {
	host, _, err := net.SplitHostPort(samAddr)
	if err != nil {
		return pool.IPVersionV4
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return pool.IPVersionV4
	}
	if ip.To4() == nil {
		return pool.IPVersionV6
	}
	return pool.IPVersionV4
}
