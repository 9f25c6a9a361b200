package pool

import "github.com/go-i2p/netpool/lib/metrics"

// Pool metrics for Prometheus exposition. Counters are maintained
// inline by the pool; gauges are refreshed from a stats snapshot via
// UpdateMetrics.
var (
	// PoolConnectionsCreated counts connections opened by the pool.
	PoolConnectionsCreated = metrics.NewCounter(
		"netpool_connections_created_total",
		"Total connections opened by the pool",
	)
	// PoolConnectionsClosed counts connections closed by the pool.
	PoolConnectionsClosed = metrics.NewCounter(
		"netpool_connections_closed_total",
		"Total connections closed by the pool",
	)
	// PoolGetRequests counts acquisition attempts.
	PoolGetRequests = metrics.NewCounter(
		"netpool_get_requests_total",
		"Total connection acquisition attempts",
	)
	// PoolGetFailures counts acquisitions that returned an error.
	PoolGetFailures = metrics.NewCounter(
		"netpool_get_failures_total",
		"Total failed connection acquisitions",
	)
	// PoolGetTimeouts counts acquisitions that gave up waiting.
	PoolGetTimeouts = metrics.NewCounter(
		"netpool_get_timeouts_total",
		"Total connection acquisitions that timed out",
	)
	// PoolReleases counts connections handed back to the pool.
	PoolReleases = metrics.NewCounter(
		"netpool_release_total",
		"Total connection releases",
	)
	// PoolHealthCheckFailures counts failed idle health checks.
	PoolHealthCheckFailures = metrics.NewCounter(
		"netpool_health_check_failures_total",
		"Total connections that failed health checks",
	)
	// PoolLeakedConnections counts connections held past the leak timeout.
	PoolLeakedConnections = metrics.NewCounter(
		"netpool_leaked_connections_total",
		"Total connections held past the leak timeout",
	)
	// PoolConnectionsCurrent is the number of connections currently managed.
	PoolConnectionsCurrent = metrics.NewGauge(
		"netpool_connections_current",
		"Current number of connections managed by the pool",
	)
	// PoolConnectionsIdle is the number of connections parked idle.
	PoolConnectionsIdle = metrics.NewGauge(
		"netpool_connections_idle",
		"Current number of idle connections in the pool",
	)
	// PoolConnectionsActive is the number of connections currently borrowed.
	PoolConnectionsActive = metrics.NewGauge(
		"netpool_connections_active",
		"Number of connections currently borrowed",
	)
	// PoolConnectionsTCP is the number of current stream connections.
	PoolConnectionsTCP = metrics.NewGauge(
		"netpool_connections_tcp",
		"Current number of TCP connections in the pool",
	)
	// PoolConnectionsUDP is the number of current datagram connections.
	PoolConnectionsUDP = metrics.NewGauge(
		"netpool_connections_udp",
		"Current number of UDP connections in the pool",
	)
	// PoolConnectionsIPv4 is the number of current IPv4 connections.
	PoolConnectionsIPv4 = metrics.NewGauge(
		"netpool_connections_ipv4",
		"Current number of IPv4 connections in the pool",
	)
	// PoolConnectionsIPv6 is the number of current IPv6 connections.
	PoolConnectionsIPv6 = metrics.NewGauge(
		"netpool_connections_ipv6",
		"Current number of IPv6 connections in the pool",
	)
	// PoolAcquireLatency tracks time spent acquiring connections.
	PoolAcquireLatency = metrics.NewHistogram(
		"netpool_acquire_duration_seconds",
		"Time spent acquiring a connection from the pool",
		metrics.DefaultLatencyBuckets,
	)
)

// UpdateMetrics updates the pool gauges from a stats snapshot. Call it
// periodically, typically from the same loop that scrapes Stats.
func UpdateMetrics(stats Stats) {
	PoolConnectionsCurrent.Set(stats.CurrentConnections)
	PoolConnectionsIdle.Set(stats.CurrentIdleConnections)
	PoolConnectionsActive.Set(stats.CurrentActiveConnections)
	PoolConnectionsTCP.Set(stats.CurrentTCPConnections)
	PoolConnectionsUDP.Set(stats.CurrentUDPConnections)
	PoolConnectionsIPv4.Set(stats.CurrentIPv4Connections)
	PoolConnectionsIPv6.Set(stats.CurrentIPv6Connections)
}
