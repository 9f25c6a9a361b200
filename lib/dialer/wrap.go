package dialer

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/go-i2p/netpool/lib/metrics"
	"github.com/go-i2p/netpool/lib/pool"
	"github.com/go-i2p/netpool/lib/ratelimit"
	"github.com/go-i2p/netpool/lib/resilience"

	apperrors "github.com/go-i2p/netpool/lib/errors"
)

// WithRetry returns a dialer that retries failed dials with doubling
// backoff. attempts counts total tries, delay seeds the backoff.
// Context cancellation stops the retries immediately.
func WithRetry(next pool.Dialer, attempts int, delay time.Duration) pool.Dialer {
	if attempts < 1 {
		attempts = 1
	}

	return func(ctx context.Context, hint pool.Protocol) (net.Conn, error) {
		var lastErr error
		backoff := delay
		for attempt := 1; attempt <= attempts; attempt++ {
			if attempt > 1 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
			}

			conn, err := next(ctx, hint)
			if err == nil {
				return conn, nil
			}
			lastErr = err
			log.WithError(err).WithField("attempt", attempt).Debug("dial attempt failed")
		}
		return nil, lastErr
	}
}

// WithThrottle returns a dialer that refuses dials beyond rate tokens
// per second with a burst ceiling. Refused dials fail with
// ErrDialThrottled without touching the network.
func WithThrottle(next pool.Dialer, rate float64, burst int) pool.Dialer {
	limiter := ratelimit.New(rate, burst)

	return func(ctx context.Context, hint pool.Protocol) (net.Conn, error) {
		if !limiter.Allow() {
			metrics.RateLimitRejections.Inc()
			return nil, apperrors.ErrDialThrottled
		}
		return next(ctx, hint)
	}
}

// AcceptThrottle drops inbound connections from remote addresses that
// connect faster than the configured rate, so one busy peer cannot
// monopolize a server pool. Throttled connections are closed and the
// accept loop moves on to the next one.
type AcceptThrottle struct {
	next    pool.Acceptor
	limiter *ratelimit.KeyedLimiter
}

// NewAcceptThrottle wraps next with per-remote-address rate limiting.
// A nil next uses pool.DefaultAcceptor. rate is connections per second
// per address, burst the allowance above it; idleFor bounds how long
// per-address state outlives its last connection.
func NewAcceptThrottle(next pool.Acceptor, rate float64, burst int, idleFor time.Duration) *AcceptThrottle {
	if next == nil {
		next = pool.DefaultAcceptor
	}
	if idleFor <= 0 {
		idleFor = 5 * time.Minute
	}
	return &AcceptThrottle{
		next:    next,
		limiter: ratelimit.NewKeyed(rate, burst, idleFor),
	}
}

// Accept takes connections from the listener until one arrives from an
// address within its rate allowance. Use the method value as a
// pool.Acceptor.
func (t *AcceptThrottle) Accept(ln net.Listener) (net.Conn, error) {
	for {
		conn, err := t.next(ln)
		if err != nil {
			return nil, err
		}
		if t.limiter.Allow(acceptKey(conn)) {
			return conn, nil
		}
		metrics.RateLimitRejections.Inc()
		log.WithField("remote", conn.RemoteAddr()).Debug("throttled inbound connection")
		conn.Close()
	}
}

// Close releases the per-address limiter state.
func (t *AcceptThrottle) Close() {
	t.limiter.Close()
}

// acceptKey buckets a connection by remote host, falling back to the
// whole address string when there is no port to strip.
func acceptKey(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// WithBreaker returns a dialer guarded by cb. While the circuit is
// open, dials fail with ErrDialRejected without touching the network.
// Dial outcomes feed the breaker's failure counting.
func WithBreaker(next pool.Dialer, cb *resilience.CircuitBreaker) pool.Dialer {
	return func(ctx context.Context, hint pool.Protocol) (net.Conn, error) {
		var conn net.Conn
		err := cb.ExecuteWithContext(ctx, func(ctx context.Context) error {
			c, err := next(ctx, hint)
			if err != nil {
				return err
			}
			conn = c
			return nil
		})
		if err != nil {
			if errors.Is(err, resilience.ErrCircuitOpen) {
				return nil, apperrors.ErrDialRejected
			}
			return nil, err
		}
		return conn, nil
	}
}
