package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"weak"
)

// closeBatchSize is how many connections a closing pool force-removes
// per pass once the drain deadline has passed.
const closeBatchSize = 10

// Pool manages reusable transport connections, stream and datagram,
// over IPv4 and IPv6. Callers borrow with Get and its typed variants
// and give back by closing the returned handle. Idle connections are
// kept in per-kind buckets; capacity, lifetime, idle expiry, health
// checking and leak detection are enforced by a background reaper.
type Pool struct {
	inner *poolInner
}

// poolInner holds the shared state. The reaper, the prewarmer and the
// borrowed handles reference it weakly, so dropping the last Pool
// lets the whole structure be collected and the background tasks exit.
type poolInner struct {
	cfg      Config
	registry *registry
	buckets  *bucketSet
	stats    *statsCollector

	waitMu   sync.Mutex
	waitCond *sync.Cond

	active atomic.Int64
	closed atomic.Bool

	self weak.Pointer[poolInner]
}

// New validates the configuration and starts the pool. Client pools
// with a connection floor also start a prewarmer.
func New(cfg Config) (*Pool, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	in := &poolInner{
		cfg:      cfg,
		registry: newRegistry(),
		buckets:  newBucketSet(cfg.MaxIdleConnections),
		stats:    newStatsCollector(cfg.EnableStats),
	}
	in.waitCond = sync.NewCond(&in.waitMu)
	in.self = weak.Make(in)

	interval := cfg.HealthCheckInterval
	if interval <= 0 {
		interval = time.Second
	}
	go runReaper(in.self, interval)
	if cfg.Mode.IsClient() && cfg.MinConnections > 0 {
		go runPrewarmer(in.self, cfg.MinConnections)
	}

	log.WithField("mode", cfg.Mode.String()).
		WithField("max_connections", cfg.MaxConnections).
		WithField("max_idle_connections", cfg.MaxIdleConnections).
		Debug("pool created")
	return &Pool{inner: in}, nil
}

// Get borrows a connection of any kind, preferring idle TCP over UDP
// and IPv4 over IPv6. The configured acquire timeout applies when the
// context carries no deadline.
func (p *Pool) Get(ctx context.Context) (*PooledConn, error) {
	return p.inner.get(ctx, ProtocolUnknown, IPVersionUnknown)
}

// GetTCP borrows a stream connection.
func (p *Pool) GetTCP(ctx context.Context) (*PooledConn, error) {
	return p.inner.get(ctx, ProtocolTCP, IPVersionUnknown)
}

// GetUDP borrows a datagram connection.
func (p *Pool) GetUDP(ctx context.Context) (*PooledConn, error) {
	return p.inner.get(ctx, ProtocolUDP, IPVersionUnknown)
}

// GetIPv4 borrows an IPv4 connection of any kind.
func (p *Pool) GetIPv4(ctx context.Context) (*PooledConn, error) {
	return p.inner.get(ctx, ProtocolUnknown, IPVersionV4)
}

// GetIPv6 borrows an IPv6 connection of any kind.
func (p *Pool) GetIPv6(ctx context.Context) (*PooledConn, error) {
	return p.inner.get(ctx, ProtocolUnknown, IPVersionV6)
}

// GetMatch borrows a connection matching both constraints. Unknown on
// either axis leaves that axis unconstrained.
func (p *Pool) GetMatch(ctx context.Context, proto Protocol, ipVersion IPVersion) (*PooledConn, error) {
	return p.inner.get(ctx, proto, ipVersion)
}

// Stats returns a snapshot of the pool counters. With stats disabled
// it is the zero value.
func (p *Pool) Stats() Stats {
	return p.inner.stats.Snapshot()
}

// IsClosed reports whether Close has been called.
func (p *Pool) IsClosed() bool {
	return p.inner.closed.Load()
}

// ActiveCount returns the number of currently borrowed connections.
func (p *Pool) ActiveCount() int64 {
	return p.inner.active.Load()
}

// IdleCount returns the approximate number of idle connections across
// all buckets.
func (p *Pool) IdleCount() int64 {
	return p.inner.buckets.idleCount()
}

// Close shuts the pool down: waiters are woken, idle connections are
// closed, borrowers get up to the leak timeout to finish, and whatever
// remains is force-closed. A second Close returns ErrPoolClosed.
func (p *Pool) Close() error {
	return p.inner.close()
}

// get is the acquire loop: probe the idle buckets, otherwise create,
// otherwise wait for a release, all under one deadline measured from
// entry.
func (in *poolInner) get(ctx context.Context, proto Protocol, ipVersion IPVersion) (*PooledConn, error) {
	start := time.Now()
	in.stats.recordGetRequest()
	PoolGetRequests.Inc()

	timeout := in.cfg.GetConnectionTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
		if timeout < 0 {
			timeout = 0
		}
	}
	targets, n := targetBuckets(proto, ipVersion)

	for {
		if in.closed.Load() {
			return nil, ErrPoolClosed
		}
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, in.getTimedOut(timeout, start)
			}
			in.stats.recordGetFailure()
			PoolGetFailures.Inc()
			return nil, err
		}
		if timeout > 0 && time.Since(start) > timeout {
			return nil, in.getTimedOut(timeout, start)
		}

		for i := 0; i < n; i++ {
			c := in.buckets.pop(targets[i])
			if c == nil {
				continue
			}
			in.stats.recordIdlePop(c.protocol, c.ipVersion)
			if !in.validForBorrow(c) {
				log.WithField("connection_id", c.id).
					Debug("discarding invalid idle connection")
				in.removeConnection(c)
				continue
			}
			return in.finishBorrow(c, true, start), nil
		}

		c, err := in.createConnection(ctx, proto, ipVersion)
		if err == nil {
			return in.finishBorrow(c, false, start), nil
		}

		var exhausted *ExhaustedError
		if errors.As(err, &exhausted) {
			if timeout <= 0 {
				in.stats.recordGetFailure()
				PoolGetFailures.Inc()
				return nil, err
			}
			if remaining := timeout - time.Since(start); remaining > 0 {
				in.waitForRelease(ctx, remaining)
			}
			continue
		}

		in.stats.recordGetFailure()
		PoolGetFailures.Inc()
		var invalid *InvalidConnectionError
		if !errors.As(err, &invalid) {
			in.stats.recordConnectionError()
		}
		return nil, err
	}
}

func (in *poolInner) getTimedOut(timeout time.Duration, start time.Time) error {
	waited := time.Since(start)
	in.stats.recordGetTimeout()
	PoolGetFailures.Inc()
	PoolGetTimeouts.Inc()
	log.WithField("timeout", timeout).
		WithField("waited", waited).
		Debug("connection acquisition timed out")
	return &TimeoutError{Timeout: timeout, Waited: waited}
}

// finishBorrow marks a connection busy and hands it out.
func (in *poolInner) finishBorrow(c *Conn, reused bool, start time.Time) *PooledConn {
	c.markInUse()
	if reused {
		c.incrementReuse()
	}
	in.active.Add(1)
	in.stats.recordActiveDelta(1)
	in.runBorrowHook(c)
	waited := time.Since(start)
	in.stats.recordGetSuccess(reused, waited)
	PoolAcquireLatency.Observe(waited.Seconds())
	return newPooledConn(in.self, c)
}

// createConnection makes one new connection: capacity pre-check, dial
// or accept, on-created hook, constraint verification, then the
// capacity double-check under the registry write lock.
func (in *poolInner) createConnection(ctx context.Context, proto Protocol, ipVersion IPVersion) (*Conn, error) {
	if current, full := in.registry.atCapacity(in.cfg.MaxConnections); full {
		return nil, &ExhaustedError{Current: current, Max: in.cfg.MaxConnections}
	}

	var raw net.Conn
	var err error
	if in.cfg.Mode.IsServer() {
		raw, err = in.cfg.Acceptor(in.cfg.Listener)
	} else {
		dialCtx, cancel := context.WithTimeout(ctx, in.cfg.ConnectionTimeout)
		raw, err = in.cfg.Dialer(dialCtx, proto)
		cancel()
	}
	if err != nil {
		return nil, &CreateError{Err: err}
	}
	if raw == nil {
		return nil, &CreateError{Err: errors.New("factory returned nil connection")}
	}

	if in.cfg.OnCreated != nil {
		if err := in.runCreatedHook(raw); err != nil {
			raw.Close()
			return nil, &CreateError{Err: err}
		}
	}

	c := newConn(raw, in.cfg.CloseConn)
	if proto != ProtocolUnknown && c.protocol != proto {
		c.close()
		return nil, &InvalidConnectionError{
			ID:     c.id,
			Reason: fmt.Sprintf("created %s connection, want %s", c.protocol, proto),
		}
	}
	if ipVersion != IPVersionUnknown && c.ipVersion != ipVersion {
		c.close()
		return nil, &InvalidConnectionError{
			ID:     c.id,
			Reason: fmt.Sprintf("created %s connection, want %s", c.ipVersion, ipVersion),
		}
	}

	if err := in.registry.insertCapped(c, in.cfg.MaxConnections); err != nil {
		c.close()
		return nil, err
	}
	in.stats.recordCreated(c.protocol, c.ipVersion)
	PoolConnectionsCreated.Inc()
	log.WithField("connection_id", c.id).
		WithField("protocol", c.protocol.String()).
		WithField("ip_version", c.ipVersion.String()).
		Debug("created connection")
	return c, nil
}

// validForBorrow is the borrowability test applied to idle
// connections: open, healthy, not expired, not idle-expired.
func (in *poolInner) validForBorrow(c *Conn) bool {
	return !c.IsClosed() && c.IsHealthy() &&
		!c.isExpired(in.cfg.MaxLifetime) &&
		!c.isIdleExpired(in.cfg.IdleTimeout)
}

// release gives a borrowed connection back. The in-use flag is cleared
// by CAS so the releaser and the reaper cannot both decrement the
// active gauge. Exactly one waiter is woken no matter which way the
// connection goes.
func (in *poolInner) release(c *Conn, broken bool) {
	defer in.waitCond.Signal()
	PoolReleases.Inc()

	if c.tryMarkIdle() {
		in.active.Add(-1)
		in.stats.recordActiveDelta(-1)
	}
	if in.closed.Load() || broken || c.IsClosed() {
		in.removeConnection(c)
		return
	}

	if c.protocol == ProtocolUDP && in.cfg.ClearUDPBufferOnReturn {
		n, err := clearUDPReadBuffer(c.raw, in.cfg.UDPBufferClearTimeout, in.cfg.MaxBufferClearPackets)
		if err != nil {
			log.WithError(err).
				WithField("connection_id", c.id).
				Debug("datagram drain failed on release")
		} else if n > 0 {
			log.WithField("connection_id", c.id).
				WithField("packets", n).
				Debug("drained buffered datagrams on release")
		}
	}

	in.runReturnHook(c)

	if !in.validForBorrow(c) {
		in.removeConnection(c)
		return
	}
	idx, ok := bucketIndex(c.protocol, c.ipVersion)
	if !ok {
		log.WithField("connection_id", c.id).
			Debug("connection has no idle bucket, closing")
		in.removeConnection(c)
		return
	}
	if !in.buckets.push(idx, c) {
		in.removeConnection(c)
		return
	}
	in.stats.recordIdlePush(c.protocol, c.ipVersion)
}

// removeConnection closes a connection and deletes it from the
// registry and, if it is queued, from its idle bucket. Safe to call
// twice; only the call that wins the registry removal records stats.
func (in *poolInner) removeConnection(c *Conn) {
	if c.tryMarkIdle() {
		in.active.Add(-1)
		in.stats.recordActiveDelta(-1)
	}
	found, orphans := in.buckets.removeIfPresent(c)
	if found {
		in.stats.recordIdlePop(c.protocol, c.ipVersion)
	}
	if err := c.close(); err != nil {
		log.WithError(err).
			WithField("connection_id", c.id).
			Debug("error closing connection")
	}
	if in.registry.remove(c) {
		in.stats.recordClosed(c.protocol, c.ipVersion)
		PoolConnectionsClosed.Inc()
	}
	for _, o := range orphans {
		in.stats.recordIdlePop(o.protocol, o.ipVersion)
		if err := o.close(); err != nil {
			log.WithError(err).
				WithField("connection_id", o.id).
				Debug("error closing connection")
		}
		if in.registry.remove(o) {
			in.stats.recordClosed(o.protocol, o.ipVersion)
			PoolConnectionsClosed.Inc()
		}
	}
}

// addIdleConnection parks a fresh connection in its bucket without it
// ever being borrowed. Used by the prewarmer.
func (in *poolInner) addIdleConnection(c *Conn) {
	if in.closed.Load() {
		in.removeConnection(c)
		return
	}
	c.markIdle()
	idx, ok := bucketIndex(c.protocol, c.ipVersion)
	if !ok {
		in.removeConnection(c)
		return
	}
	if !in.buckets.push(idx, c) {
		in.removeConnection(c)
		return
	}
	in.stats.recordIdlePush(c.protocol, c.ipVersion)
}

// waitForRelease parks the caller until a release signals, the
// remaining time runs out or the context is done.
func (in *poolInner) waitForRelease(ctx context.Context, d time.Duration) {
	in.waitMu.Lock()
	defer in.waitMu.Unlock()
	if in.closed.Load() {
		return
	}
	in.waitLocked(ctx, d)
}

// waitLocked blocks on the condition variable with a timer and context
// bridge, since a sync.Cond cannot time out on its own. Callers hold
// waitMu.
func (in *poolInner) waitLocked(ctx context.Context, d time.Duration) {
	done := make(chan struct{})
	timer := time.NewTimer(d)
	go func() {
		select {
		case <-ctx.Done():
			in.waitCond.Broadcast()
		case <-timer.C:
			in.waitCond.Broadcast()
		case <-done:
		}
	}()
	in.waitCond.Wait()
	timer.Stop()
	close(done)
}

func (in *poolInner) close() error {
	if !in.closed.CompareAndSwap(false, true) {
		return ErrPoolClosed
	}
	log.Debug("closing pool")
	in.waitCond.Broadcast()

	for i := 0; i < numBuckets; i++ {
		for _, c := range in.buckets.drain(i) {
			in.stats.recordIdlePop(c.protocol, c.ipVersion)
			in.removeConnection(c)
		}
	}

	if d := in.cfg.ConnectionLeakTimeout; d > 0 && in.active.Load() > 0 {
		in.waitActiveDrained(d)
	}

	for {
		snap := in.registry.snapshot()
		if len(snap) == 0 {
			break
		}
		if len(snap) > closeBatchSize {
			snap = snap[:closeBatchSize]
		}
		for _, c := range snap {
			in.removeConnection(c)
		}
	}
	log.Debug("pool closed")
	return nil
}

// waitActiveDrained gives borrowers until the deadline to release
// before close force-removes what is left.
func (in *poolInner) waitActiveDrained(d time.Duration) {
	deadline := time.Now().Add(d)
	in.waitMu.Lock()
	defer in.waitMu.Unlock()
	for in.active.Load() > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			log.WithField("active", in.active.Load()).
				Warn("closing pool with connections still borrowed")
			return
		}
		in.waitLocked(context.Background(), remaining)
	}
}

func (in *poolInner) runCreatedHook(raw net.Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("on-created hook panicked")
			err = fmt.Errorf("on-created hook panicked: %v", r)
		}
	}()
	return in.cfg.OnCreated(raw)
}

func (in *poolInner) runBorrowHook(c *Conn) {
	if in.cfg.OnBorrow == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithField("connection_id", c.id).
				WithField("panic", r).
				Error("on-borrow hook panicked")
		}
	}()
	in.cfg.OnBorrow(c.raw)
}

func (in *poolInner) runReturnHook(c *Conn) {
	if in.cfg.OnReturn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithField("connection_id", c.id).
				WithField("panic", r).
				Error("on-return hook panicked")
		}
	}()
	in.cfg.OnReturn(c.raw)
}
