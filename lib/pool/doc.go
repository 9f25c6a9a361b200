// Package pool provides a transport-aware connection pool for
// reusable stream and datagram connections over IPv4 and IPv6.
//
// The pool supports:
//   - Separate idle buckets per transport protocol and IP version
//   - Typed acquisition (TCP, UDP, IPv4, IPv6, or any combination)
//   - Client mode (dialing out) and server mode (pooling accepted connections)
//   - Configurable capacity, idle timeout, lifetime and acquire timeout
//   - Health checking and leak detection for pooled connections
//   - Datagram buffer draining on release
//   - Metrics and detailed statistics for pool utilization
//
// # Basic Usage
//
//	cfg := pool.DefaultConfig()
//	cfg.MaxConnections = 10
//	cfg.Dialer = func(ctx context.Context, hint pool.Protocol) (net.Conn, error) {
//	    var d net.Dialer
//	    return d.DialContext(ctx, "tcp", "localhost:8080")
//	}
//
//	p, err := pool.New(cfg)
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	conn, err := p.Get(ctx)
//	if err != nil {
//	    return err
//	}
//	defer conn.Close() // returns the connection to the pool
//
//	// conn is a net.Conn; use it directly.
//
// After a protocol error that leaves a connection in an unknown state,
// call conn.Discard() before Close so the pool drops it instead of
// handing it to the next borrower.
//
// # Typed Acquisition
//
// GetTCP, GetUDP, GetIPv4 and GetIPv6 constrain one axis; GetMatch
// constrains both. Connections whose transport or IP version cannot be
// classified are handed out once and never parked idle.
//
// # Health Checking
//
// With EnableHealthCheck set, idle connections are probed on the
// health check interval:
//
//	cfg.HealthChecker = func(conn net.Conn) bool {
//	    // Try a ping operation.
//	    return ping(conn) == nil
//	}
//
// # Metrics
//
// Pool metrics are automatically registered with the metrics package:
//   - netpool_connections_created_total: Connections opened
//   - netpool_connections_closed_total: Connections closed
//   - netpool_get_requests_total: Acquisition attempts
//   - netpool_get_failures_total: Failed acquisitions
//   - netpool_get_timeouts_total: Acquisitions that timed out
//   - netpool_release_total: Connection releases
//   - netpool_connections_current: Connections currently managed
//   - netpool_connections_idle: Connections currently idle
//   - netpool_connections_active: Connections currently borrowed
//   - netpool_health_check_failures_total: Health check failures
//   - netpool_leaked_connections_total: Connections held past the leak timeout
package pool
