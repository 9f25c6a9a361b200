package pool

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// connIDCounter issues pool-wide connection ids. The first id is 1;
// id 0 is never issued so it can mean "no connection" in logs and
// errors. On wraparound the counter restarts at 1.
var connIDCounter atomic.Uint64

func nextConnID() uint64 {
	for {
		cur := connIDCounter.Load()
		next := cur + 1
		if next == 0 {
			next = 1
		}
		if connIDCounter.CompareAndSwap(cur, next) {
			if cur > next {
				log.Warn("connection id counter wrapped, restarting at 1")
			}
			return next
		}
	}
}

// Conn is a managed connection. It wraps the raw transport with the
// identity and lifecycle state the pool tracks: transport kind, IP
// family, timestamps, health, and usage flags. All mutable state is
// atomic so the acquire path, the release path and the reaper can
// inspect it without locking.
type Conn struct {
	id        uint64
	raw       net.Conn
	protocol  Protocol
	ipVersion IPVersion
	createdAt time.Time
	closeFn   func(net.Conn) error

	lastUsed        atomic.Int64 // unix nanos
	lastHealthCheck atomic.Int64 // unix nanos, 0 = never checked
	healthy         atomic.Bool
	closed          atomic.Bool
	inUse           atomic.Bool
	reuses          atomic.Int64
	leakReported    atomic.Bool
}

// newConn wraps a raw transport, classifying its protocol and IP
// family and assigning the next connection id.
func newConn(raw net.Conn, closeFn func(net.Conn) error) *Conn {
	c := &Conn{
		id:        nextConnID(),
		raw:       raw,
		protocol:  DetectProtocol(raw),
		ipVersion: DetectIPVersion(raw),
		createdAt: time.Now(),
		closeFn:   closeFn,
	}
	c.healthy.Store(true)
	c.lastUsed.Store(c.createdAt.UnixNano())
	return c
}

// ID returns the pool-wide connection id.
func (c *Conn) ID() uint64 { return c.id }

// Raw returns the underlying transport connection.
func (c *Conn) Raw() net.Conn { return c.raw }

// Protocol returns the connection's transport kind.
func (c *Conn) Protocol() Protocol { return c.protocol }

// IPVersion returns the connection's IP family.
func (c *Conn) IPVersion() IPVersion { return c.ipVersion }

// CreatedAt returns when the connection was created.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// Age returns how long the connection has existed.
func (c *Conn) Age() time.Duration { return time.Since(c.createdAt) }

// LastUsed returns when the connection was last borrowed or returned.
func (c *Conn) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

// IdleTime returns how long the connection has sat idle. A connection
// currently in use reports zero.
func (c *Conn) IdleTime() time.Duration {
	if c.inUse.Load() {
		return 0
	}
	return time.Since(c.LastUsed())
}

// ReuseCount returns how many times the connection has been borrowed
// from the idle buckets.
func (c *Conn) ReuseCount() int64 { return c.reuses.Load() }

// IsHealthy reports whether the connection passed its last health
// check and has not been marked bad.
func (c *Conn) IsHealthy() bool { return c.healthy.Load() }

// IsClosed reports whether the connection has been closed.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

// InUse reports whether the connection is currently borrowed.
func (c *Conn) InUse() bool { return c.inUse.Load() }

// String describes the connection for logs.
func (c *Conn) String() string {
	return fmt.Sprintf("conn %d (%s/%s)", c.id, c.protocol, c.ipVersion)
}

func (c *Conn) touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}

func (c *Conn) markInUse() {
	c.inUse.Store(true)
	c.touch()
}

func (c *Conn) markIdle() {
	c.inUse.Store(false)
	c.touch()
}

// tryMarkIdle clears the in-use flag if it was set. Exactly one of the
// releaser and the reaper wins this transition, which keeps the active
// gauge from being decremented twice.
func (c *Conn) tryMarkIdle() bool {
	if c.inUse.CompareAndSwap(true, false) {
		c.touch()
		return true
	}
	return false
}

func (c *Conn) incrementReuse() {
	c.reuses.Add(1)
}

func (c *Conn) markUnhealthy() {
	c.healthy.Store(false)
}

// updateHealth records a health check result and stamps the check time.
func (c *Conn) updateHealth(ok bool) {
	c.healthy.Store(ok)
	c.lastHealthCheck.Store(time.Now().UnixNano())
}

// shouldHealthCheck reports whether a check is due. A zero interval
// disables checking; a never-checked connection is always due.
func (c *Conn) shouldHealthCheck(interval time.Duration) bool {
	if interval <= 0 {
		return false
	}
	last := c.lastHealthCheck.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) >= interval
}

// isExpired reports whether the connection is past its maximum
// lifetime. A zero lifetime means connections never expire.
func (c *Conn) isExpired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return c.Age() > maxLifetime
}

// isIdleExpired reports whether the connection has sat idle past the
// idle timeout. A zero timeout disables idle expiry; a connection in
// use never idle-expires.
func (c *Conn) isIdleExpired(idleTimeout time.Duration) bool {
	if idleTimeout <= 0 {
		return false
	}
	return c.IdleTime() > idleTimeout
}

// isLeaked reports whether the connection has been held in use longer
// than the leak timeout. A zero timeout disables leak detection.
func (c *Conn) isLeaked(leakTimeout time.Duration) bool {
	if leakTimeout <= 0 {
		return false
	}
	if !c.inUse.Load() {
		return false
	}
	return time.Since(c.LastUsed()) > leakTimeout
}

// leakedDuration returns how long the connection has been held in use,
// or false if it is not held past the leak timeout.
func (c *Conn) leakedDuration(leakTimeout time.Duration) (time.Duration, bool) {
	if !c.isLeaked(leakTimeout) {
		return 0, false
	}
	return time.Since(c.LastUsed()), true
}

// reportLeakOnce returns true the first time it is called for this
// connection, so a leak is counted and logged a single time.
func (c *Conn) reportLeakOnce() bool {
	return c.leakReported.CompareAndSwap(false, true)
}

// close shuts the connection down exactly once. A configured close
// hook replaces the default close of the raw transport; a panicking
// hook is caught and the raw transport closed anyway.
func (c *Conn) close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.healthy.Store(false)
	if c.closeFn != nil {
		return c.runCloseFn()
	}
	return c.raw.Close()
}

func (c *Conn) runCloseFn() (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("connection_id", c.id).
				WithField("panic", r).
				Error("close hook panicked, closing raw connection")
			err = c.raw.Close()
		}
	}()
	return c.closeFn(c.raw)
}
