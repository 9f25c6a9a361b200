package pool

import (
	"net"
	"sync/atomic"
	"time"
	"weak"
)

// PooledConn is a borrowed connection. It implements net.Conn; Close
// returns the connection to the pool instead of closing the socket.
// The pool reference is weak so an outstanding handle does not keep an
// abandoned pool alive; if the pool is gone by release time the
// underlying connection is simply closed.
type PooledConn struct {
	conn     *Conn
	pool     weak.Pointer[poolInner]
	broken   atomic.Bool
	released atomic.Bool
}

func newPooledConn(pool weak.Pointer[poolInner], c *Conn) *PooledConn {
	return &PooledConn{conn: c, pool: pool}
}

// Read reads from the underlying connection.
func (pc *PooledConn) Read(b []byte) (int, error) {
	if pc.released.Load() {
		return 0, &ConnectionClosedError{ID: pc.conn.id}
	}
	n, err := pc.conn.raw.Read(b)
	pc.conn.touch()
	return n, err
}

// Write writes to the underlying connection.
func (pc *PooledConn) Write(b []byte) (int, error) {
	if pc.released.Load() {
		return 0, &ConnectionClosedError{ID: pc.conn.id}
	}
	n, err := pc.conn.raw.Write(b)
	pc.conn.touch()
	return n, err
}

// Close returns the connection to the pool. Only the first call
// releases; later calls return ErrConnectionClosed.
func (pc *PooledConn) Close() error {
	if !pc.released.CompareAndSwap(false, true) {
		return &ConnectionClosedError{ID: pc.conn.id}
	}
	if in := pc.pool.Value(); in != nil {
		in.release(pc.conn, pc.broken.Load())
		return nil
	}
	return pc.conn.close()
}

// Discard marks the connection broken so Close removes it from the
// pool instead of parking it idle. Use it after a protocol error that
// leaves the connection in an unknown state.
func (pc *PooledConn) Discard() {
	pc.broken.Store(true)
	pc.conn.markUnhealthy()
}

// LocalAddr returns the local address of the underlying connection.
func (pc *PooledConn) LocalAddr() net.Addr {
	return pc.conn.raw.LocalAddr()
}

// RemoteAddr returns the remote address of the underlying connection.
func (pc *PooledConn) RemoteAddr() net.Addr {
	return pc.conn.raw.RemoteAddr()
}

// SetDeadline sets the read and write deadlines on the underlying
// connection.
func (pc *PooledConn) SetDeadline(t time.Time) error {
	if pc.released.Load() {
		return &ConnectionClosedError{ID: pc.conn.id}
	}
	return pc.conn.raw.SetDeadline(t)
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (pc *PooledConn) SetReadDeadline(t time.Time) error {
	if pc.released.Load() {
		return &ConnectionClosedError{ID: pc.conn.id}
	}
	return pc.conn.raw.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline on the underlying
// connection.
func (pc *PooledConn) SetWriteDeadline(t time.Time) error {
	if pc.released.Load() {
		return &ConnectionClosedError{ID: pc.conn.id}
	}
	return pc.conn.raw.SetWriteDeadline(t)
}

// ID returns the pool-assigned connection id.
func (pc *PooledConn) ID() uint64 {
	return pc.conn.id
}

// Protocol returns the transport protocol of the connection.
func (pc *PooledConn) Protocol() Protocol {
	return pc.conn.protocol
}

// IPVersion returns the IP version of the connection.
func (pc *PooledConn) IPVersion() IPVersion {
	return pc.conn.ipVersion
}

// Raw exposes the underlying net.Conn for calls the handle does not
// forward. Closing it directly leaves the pool's accounting wrong;
// use Discard and Close instead.
func (pc *PooledConn) Raw() net.Conn {
	return pc.conn.raw
}

// ReuseCount returns how many times the connection has been borrowed
// from the idle buckets.
func (pc *PooledConn) ReuseCount() int64 {
	return pc.conn.ReuseCount()
}

// Age returns how long ago the connection was created.
func (pc *PooledConn) Age() time.Duration {
	return pc.conn.Age()
}
