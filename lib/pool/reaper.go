package pool

import (
	"context"
	"time"
	"weak"
)

// reaperProbeSlice bounds how long the reaper sleeps before probing
// whether its pool is still alive, so it exits promptly after Close
// or after the pool is garbage collected.
const reaperProbeSlice = 100 * time.Millisecond

// runReaper wakes every interval and sweeps the pool: leak detection
// on borrowed connections, lifetime expiry, and health checks on idle
// ones. It only upgrades its weak reference for the duration of a
// sweep.
func runReaper(self weak.Pointer[poolInner], interval time.Duration) {
	for {
		if !sleepWhileAlive(self, interval) {
			return
		}
		in := self.Value()
		if in == nil || in.closed.Load() {
			return
		}
		in.sweep()
	}
}

// sleepWhileAlive sleeps for d in short slices, giving up early when
// the pool has been closed or collected.
func sleepWhileAlive(self weak.Pointer[poolInner], d time.Duration) bool {
	for elapsed := time.Duration(0); elapsed < d; elapsed += reaperProbeSlice {
		slice := reaperProbeSlice
		if remaining := d - elapsed; remaining < slice {
			slice = remaining
		}
		time.Sleep(slice)
		in := self.Value()
		if in == nil || in.closed.Load() {
			return false
		}
	}
	return true
}

// sweep walks a snapshot of every pooled connection. Borrowed
// connections are checked for leaks and lifetime expiry; idle ones are
// revalidated and health checked. Each eviction wakes one waiter since
// it frees a capacity slot.
func (in *poolInner) sweep() {
	leakAfter := in.cfg.ConnectionLeakTimeout
	for _, c := range in.registry.snapshot() {
		if c.InUse() {
			if d, leaked := c.leakedDuration(leakAfter); leaked {
				if c.reportLeakOnce() {
					in.stats.recordLeak()
					PoolLeakedConnections.Inc()
					log.WithError(&LeakedError{ID: c.id, Timeout: leakAfter}).
						WithField("connection_id", c.id).
						WithField("borrowed_for", d).
						Warn("connection borrowed past leak timeout")
				}
				if d > 2*leakAfter {
					log.WithField("connection_id", c.id).
						WithField("borrowed_for", d).
						Warn("force closing leaked connection")
					in.removeConnection(c)
					in.waitCond.Signal()
				}
				continue
			}
			if c.isExpired(in.cfg.MaxLifetime) {
				c.markUnhealthy()
			}
			continue
		}

		if !in.validForBorrow(c) {
			log.WithField("connection_id", c.id).
				Debug("reaping invalid idle connection")
			in.removeConnection(c)
			in.waitCond.Signal()
			continue
		}
		if in.cfg.EnableHealthCheck && in.cfg.HealthChecker != nil &&
			c.shouldHealthCheck(in.cfg.HealthCheckInterval) {
			in.stats.recordHealthCheckAttempt()
			healthy := in.runHealthCheck(c)
			c.updateHealth(healthy)
			if !healthy {
				in.stats.recordHealthCheckFailure()
				PoolHealthCheckFailures.Inc()
				log.WithField("connection_id", c.id).
					Debug("health check failed, removing connection")
				in.removeConnection(c)
				in.waitCond.Signal()
			}
		}
	}
}

// runHealthCheck applies the configured checker under the health check
// timeout. A panicking checker counts as unhealthy.
func (in *poolInner) runHealthCheck(c *Conn) (healthy bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("connection_id", c.id).
				WithField("panic", r).
				Error("health checker panicked")
			healthy = false
		}
	}()
	if d := in.cfg.HealthCheckTimeout; d > 0 {
		c.raw.SetDeadline(time.Now().Add(d))
		defer c.raw.SetDeadline(time.Time{})
	}
	return in.cfg.HealthChecker(c.raw)
}

// runPrewarmer dials connections until the pool holds its configured
// floor, parking each one idle. It stops at the first failure rather
// than hammering an unreachable peer.
func runPrewarmer(self weak.Pointer[poolInner], target int) {
	for created := 0; created < target; created++ {
		in := self.Value()
		if in == nil || in.closed.Load() {
			return
		}
		c, err := in.createConnection(context.Background(), ProtocolUnknown, IPVersionUnknown)
		if err != nil {
			log.WithError(err).
				WithField("created", created).
				WithField("target", target).
				Debug("prewarm stopped")
			return
		}
		in.addIdleConnection(c)
	}
}
