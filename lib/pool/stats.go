package pool

import (
	"math"
	"sync/atomic"
	"time"
)

// updateTimeThrottle bounds how often the last-update timestamp is
// refreshed.
const updateTimeThrottle = 100 * time.Millisecond

// Stats is a point-in-time snapshot of the pool's counters. Each field
// is read atomically but the snapshot as a whole is not: under load,
// related fields may exhibit transient skew (an idle gauge one ahead
// of the total, and so on). The registry, not the gauges, is what the
// pool enforces capacity against.
type Stats struct {
	TotalConnectionsCreated int64
	TotalConnectionsClosed  int64

	CurrentConnections       int64
	CurrentIdleConnections   int64
	CurrentActiveConnections int64

	CurrentIPv4Connections     int64
	CurrentIPv6Connections     int64
	CurrentIPv4IdleConnections int64
	CurrentIPv6IdleConnections int64

	CurrentTCPConnections     int64
	CurrentUDPConnections     int64
	CurrentTCPIdleConnections int64
	CurrentUDPIdleConnections int64

	TotalGetRequests int64
	SuccessfulGets   int64
	FailedGets       int64
	TimeoutGets      int64

	HealthCheckAttempts  int64
	HealthCheckFailures  int64
	UnhealthyConnections int64

	ConnectionErrors  int64
	LeakedConnections int64

	TotalConnectionsReused int64
	AverageReuseCount      float64

	AverageGetTime time.Duration
	TotalGetTime   time.Duration
	LastUpdateTime time.Time
}

// statsCollector maintains the pool counters. All updates go through
// an overflow-safe CAS add that clamps at the integer extremes rather
// than wrapping; saturation is logged once per collector.
type statsCollector struct {
	enabled bool

	totalConnectionsCreated atomic.Int64
	totalConnectionsClosed  atomic.Int64

	currentConnections       atomic.Int64
	currentIdleConnections   atomic.Int64
	currentActiveConnections atomic.Int64

	currentIPv4Connections     atomic.Int64
	currentIPv6Connections     atomic.Int64
	currentIPv4IdleConnections atomic.Int64
	currentIPv6IdleConnections atomic.Int64

	currentTCPConnections     atomic.Int64
	currentUDPConnections     atomic.Int64
	currentTCPIdleConnections atomic.Int64
	currentUDPIdleConnections atomic.Int64

	totalGetRequests atomic.Int64
	successfulGets   atomic.Int64
	failedGets       atomic.Int64
	timeoutGets      atomic.Int64

	healthCheckAttempts  atomic.Int64
	healthCheckFailures  atomic.Int64
	unhealthyConnections atomic.Int64

	connectionErrors  atomic.Int64
	leakedConnections atomic.Int64

	totalConnectionsReused atomic.Int64

	totalGetTimeNanos   atomic.Int64
	averageGetTimeNanos atomic.Int64
	lastUpdateNanos     atomic.Int64

	saturationWarned atomic.Bool
}

func newStatsCollector(enabled bool) *statsCollector {
	return new(statsCollector).init(enabled)
}

func (s *statsCollector) init(enabled bool) *statsCollector {
	s.enabled = enabled
	return s
}

// add applies a delta with clamping at the int64 extremes.
func (s *statsCollector) add(f *atomic.Int64, delta int64) {
	for {
		cur := f.Load()
		next := cur + delta
		clamped := false
		if delta > 0 && next < cur {
			next = math.MaxInt64
			clamped = true
		} else if delta < 0 && next > cur {
			next = math.MinInt64
			clamped = true
		}
		if clamped && s.saturationWarned.CompareAndSwap(false, true) {
			log.Warn("pool stats counter saturated, clamping")
		}
		if f.CompareAndSwap(cur, next) {
			return
		}
	}
}

// touchUpdateTime refreshes the last-update timestamp, at most once
// per throttle window. Losing the CAS race means another updater just
// stamped it, which is as good.
func (s *statsCollector) touchUpdateTime() {
	now := time.Now().UnixNano()
	last := s.lastUpdateNanos.Load()
	if now-last < int64(updateTimeThrottle) {
		return
	}
	s.lastUpdateNanos.CompareAndSwap(last, now)
}

func (s *statsCollector) recordCreated(p Protocol, v IPVersion) {
	if !s.enabled {
		return
	}
	s.add(&s.totalConnectionsCreated, 1)
	s.add(&s.currentConnections, 1)
	switch p {
	case ProtocolTCP:
		s.add(&s.currentTCPConnections, 1)
	case ProtocolUDP:
		s.add(&s.currentUDPConnections, 1)
	}
	switch v {
	case IPVersionV4:
		s.add(&s.currentIPv4Connections, 1)
	case IPVersionV6:
		s.add(&s.currentIPv6Connections, 1)
	}
	s.touchUpdateTime()
}

func (s *statsCollector) recordClosed(p Protocol, v IPVersion) {
	if !s.enabled {
		return
	}
	s.add(&s.totalConnectionsClosed, 1)
	s.add(&s.currentConnections, -1)
	switch p {
	case ProtocolTCP:
		s.add(&s.currentTCPConnections, -1)
	case ProtocolUDP:
		s.add(&s.currentUDPConnections, -1)
	}
	switch v {
	case IPVersionV4:
		s.add(&s.currentIPv4Connections, -1)
	case IPVersionV6:
		s.add(&s.currentIPv6Connections, -1)
	}
	s.touchUpdateTime()
}

func (s *statsCollector) recordIdlePush(p Protocol, v IPVersion) {
	if !s.enabled {
		return
	}
	s.add(&s.currentIdleConnections, 1)
	switch p {
	case ProtocolTCP:
		s.add(&s.currentTCPIdleConnections, 1)
	case ProtocolUDP:
		s.add(&s.currentUDPIdleConnections, 1)
	}
	switch v {
	case IPVersionV4:
		s.add(&s.currentIPv4IdleConnections, 1)
	case IPVersionV6:
		s.add(&s.currentIPv6IdleConnections, 1)
	}
	s.touchUpdateTime()
}

func (s *statsCollector) recordIdlePop(p Protocol, v IPVersion) {
	if !s.enabled {
		return
	}
	s.add(&s.currentIdleConnections, -1)
	switch p {
	case ProtocolTCP:
		s.add(&s.currentTCPIdleConnections, -1)
	case ProtocolUDP:
		s.add(&s.currentUDPIdleConnections, -1)
	}
	switch v {
	case IPVersionV4:
		s.add(&s.currentIPv4IdleConnections, -1)
	case IPVersionV6:
		s.add(&s.currentIPv6IdleConnections, -1)
	}
	s.touchUpdateTime()
}

func (s *statsCollector) recordActiveDelta(delta int64) {
	if !s.enabled {
		return
	}
	s.add(&s.currentActiveConnections, delta)
	s.touchUpdateTime()
}

func (s *statsCollector) recordGetRequest() {
	if !s.enabled {
		return
	}
	s.add(&s.totalGetRequests, 1)
	s.touchUpdateTime()
}

func (s *statsCollector) recordGetSuccess(reused bool, waited time.Duration) {
	if !s.enabled {
		return
	}
	s.add(&s.successfulGets, 1)
	if reused {
		s.add(&s.totalConnectionsReused, 1)
	}
	s.recordGetTime(waited)
	s.touchUpdateTime()
}

func (s *statsCollector) recordGetFailure() {
	if !s.enabled {
		return
	}
	s.add(&s.failedGets, 1)
	s.touchUpdateTime()
}

func (s *statsCollector) recordGetTimeout() {
	if !s.enabled {
		return
	}
	s.add(&s.failedGets, 1)
	s.add(&s.timeoutGets, 1)
	s.touchUpdateTime()
}

func (s *statsCollector) recordConnectionError() {
	if !s.enabled {
		return
	}
	s.add(&s.connectionErrors, 1)
	s.touchUpdateTime()
}

func (s *statsCollector) recordHealthCheckAttempt() {
	if !s.enabled {
		return
	}
	s.add(&s.healthCheckAttempts, 1)
	s.touchUpdateTime()
}

func (s *statsCollector) recordHealthCheckFailure() {
	if !s.enabled {
		return
	}
	s.add(&s.healthCheckFailures, 1)
	s.add(&s.unhealthyConnections, 1)
	s.touchUpdateTime()
}

func (s *statsCollector) recordLeak() {
	if !s.enabled {
		return
	}
	s.add(&s.leakedConnections, 1)
	s.touchUpdateTime()
}

// recordGetTime adds to the running total and refreshes the average.
// The average recompute is a bounded stabilization loop: under heavy
// contention it retries a few times and then lets a later recording
// correct the value.
func (s *statsCollector) recordGetTime(waited time.Duration) {
	s.add(&s.totalGetTimeNanos, waited.Nanoseconds())
	for i := 0; i < 3; i++ {
		old := s.averageGetTimeNanos.Load()
		total := s.totalGetTimeNanos.Load()
		n := s.successfulGets.Load()
		if n <= 0 {
			return
		}
		if s.averageGetTimeNanos.CompareAndSwap(old, total/n) {
			return
		}
	}
}

// Snapshot reads every counter. With stats disabled it returns the
// zero value.
func (s *statsCollector) Snapshot() Stats {
	if !s.enabled {
		return Stats{}
	}
	st := Stats{
		TotalConnectionsCreated: s.totalConnectionsCreated.Load(),
		TotalConnectionsClosed:  s.totalConnectionsClosed.Load(),

		CurrentConnections:       s.currentConnections.Load(),
		CurrentIdleConnections:   s.currentIdleConnections.Load(),
		CurrentActiveConnections: s.currentActiveConnections.Load(),

		CurrentIPv4Connections:     s.currentIPv4Connections.Load(),
		CurrentIPv6Connections:     s.currentIPv6Connections.Load(),
		CurrentIPv4IdleConnections: s.currentIPv4IdleConnections.Load(),
		CurrentIPv6IdleConnections: s.currentIPv6IdleConnections.Load(),

		CurrentTCPConnections:     s.currentTCPConnections.Load(),
		CurrentUDPConnections:     s.currentUDPConnections.Load(),
		CurrentTCPIdleConnections: s.currentTCPIdleConnections.Load(),
		CurrentUDPIdleConnections: s.currentUDPIdleConnections.Load(),

		TotalGetRequests: s.totalGetRequests.Load(),
		SuccessfulGets:   s.successfulGets.Load(),
		FailedGets:       s.failedGets.Load(),
		TimeoutGets:      s.timeoutGets.Load(),

		HealthCheckAttempts:  s.healthCheckAttempts.Load(),
		HealthCheckFailures:  s.healthCheckFailures.Load(),
		UnhealthyConnections: s.unhealthyConnections.Load(),

		ConnectionErrors:  s.connectionErrors.Load(),
		LeakedConnections: s.leakedConnections.Load(),

		TotalConnectionsReused: s.totalConnectionsReused.Load(),

		AverageGetTime: time.Duration(s.averageGetTimeNanos.Load()),
		TotalGetTime:   time.Duration(s.totalGetTimeNanos.Load()),
	}
	if st.TotalConnectionsCreated > 0 {
		st.AverageReuseCount = float64(st.TotalConnectionsReused) / float64(st.TotalConnectionsCreated)
	}
	if nanos := s.lastUpdateNanos.Load(); nanos != 0 {
		st.LastUpdateTime = time.Unix(0, nanos)
	}
	return st
}
