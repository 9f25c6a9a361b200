package pool

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Shared test addresses. The mocks below classify by address, so a
// connection built from tcp4Addr detects as TCP over IPv4 and so on.
var (
	tcp4Addr = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4242}
	tcp6Addr = &net.TCPAddr{IP: net.ParseIP("::1"), Port: 4242}
	udp4Addr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4242}
	udp6Addr = &net.UDPAddr{IP: net.ParseIP("::1"), Port: 4242}
)

// timeoutErr is what a read on an empty mock queue reports.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// mockConn is an in-memory net.Conn for pool tests. Writes queue
// packets that later reads return in order; reading an empty queue
// reports a timeout, like a quiet datagram socket would.
type mockConn struct {
	mu      sync.Mutex
	pending [][]byte
	closed  bool
	local   net.Addr
	remote  net.Addr
}

func newMockConn(local, remote net.Addr) *mockConn {
	return &mockConn{local: local, remote: remote}
}

func newTCPMock() *mockConn { return newMockConn(tcp4Addr, tcp4Addr) }
func newUDPMock() *mockConn { return newMockConn(udp4Addr, udp4Addr) }

func (m *mockConn) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.EOF
	}
	if len(m.pending) == 0 {
		return 0, timeoutErr{}
	}
	n := copy(b, m.pending[0])
	m.pending = m.pending[1:]
	return n, nil
}

func (m *mockConn) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	m.pending = append(m.pending, buf)
	return len(b), nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *mockConn) LocalAddr() net.Addr                { return m.local }
func (m *mockConn) RemoteAddr() net.Addr               { return m.remote }
func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

// mockDialer returns a Dialer handing out loopback mocks, honoring the
// transport hint, and counting its calls.
func mockDialer(counter *int32) Dialer {
	return func(ctx context.Context, hint Protocol) (net.Conn, error) {
		atomic.AddInt32(counter, 1)
		if hint.IsUDP() {
			return newUDPMock(), nil
		}
		return newTCPMock(), nil
	}
}

// failingDialer returns a Dialer that always fails.
func failingDialer(counter *int32) Dialer {
	return func(ctx context.Context, hint Protocol) (net.Conn, error) {
		atomic.AddInt32(counter, 1)
		return nil, errors.New("dial refused")
	}
}

// recordingDialer keeps every connection it creates so tests can
// inspect them after the pool is done with them.
type recordingDialer struct {
	mu    sync.Mutex
	conns []*mockConn
	addr  net.Addr
}

func (d *recordingDialer) dial(ctx context.Context, hint Protocol) (net.Conn, error) {
	addr := d.addr
	if addr == nil {
		addr = tcp4Addr
	}
	c := newMockConn(addr, addr)
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *recordingDialer) created() []*mockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*mockConn, len(d.conns))
	copy(out, d.conns)
	return out
}

// mockListener feeds pre-queued connections to a server pool.
type mockListener struct {
	conns  chan net.Conn
	closed atomic.Bool
}

func newMockListener(conns ...net.Conn) *mockListener {
	l := &mockListener{conns: make(chan net.Conn, len(conns)+1)}
	for _, c := range conns {
		l.conns <- c
	}
	return l
}

func (l *mockListener) Accept() (net.Conn, error) {
	c, ok := <-l.conns
	if !ok {
		return nil, net.ErrClosed
	}
	return c, nil
}

func (l *mockListener) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		close(l.conns)
	}
	return nil
}

func (l *mockListener) Addr() net.Addr { return tcp4Addr }

// testConfig returns a small client config wired to the given dialer,
// with the background tasks quieted so each test controls its own
// timing.
func testConfig(d Dialer) Config {
	cfg := DefaultConfig()
	cfg.Dialer = d
	cfg.MaxConnections = 4
	cfg.MinConnections = 0
	cfg.GetConnectionTimeout = 2 * time.Second
	cfg.HealthCheckInterval = time.Hour
	cfg.EnableHealthCheck = false
	cfg.ConnectionLeakTimeout = 0
	return cfg
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{Mode: ModeClient})
	if err == nil {
		t.Fatal("expected error for config without dialer")
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestGetAndRelease(t *testing.T) {
	var dials int32
	p, err := New(testConfig(mockDialer(&dials)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conn == nil {
		t.Fatal("Get returned nil connection")
	}
	if got := p.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount = %d, want 1", got)
	}

	stats := p.Stats()
	if stats.TotalConnectionsCreated != 1 {
		t.Errorf("TotalConnectionsCreated = %d, want 1", stats.TotalConnectionsCreated)
	}
	if stats.CurrentActiveConnections != 1 {
		t.Errorf("CurrentActiveConnections = %d, want 1", stats.CurrentActiveConnections)
	}
	if stats.TotalGetRequests != 1 || stats.SuccessfulGets != 1 {
		t.Errorf("gets = %d/%d, want 1/1", stats.SuccessfulGets, stats.TotalGetRequests)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := p.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount after release = %d, want 0", got)
	}
	if got := p.IdleCount(); got != 1 {
		t.Errorf("IdleCount after release = %d, want 1", got)
	}
	stats = p.Stats()
	if stats.CurrentIdleConnections != 1 {
		t.Errorf("CurrentIdleConnections = %d, want 1", stats.CurrentIdleConnections)
	}
	if atomic.LoadInt32(&dials) != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
}

func TestGetReusesIdleConnection(t *testing.T) {
	var dials int32
	p, err := New(testConfig(mockDialer(&dials)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	first, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	id := first.ID()
	first.Close()

	second, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	defer second.Close()

	if second.ID() != id {
		t.Errorf("reused connection id = %d, want %d", second.ID(), id)
	}
	if second.ReuseCount() != 1 {
		t.Errorf("ReuseCount = %d, want 1", second.ReuseCount())
	}
	if atomic.LoadInt32(&dials) != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
	stats := p.Stats()
	if stats.TotalConnectionsReused != 1 {
		t.Errorf("TotalConnectionsReused = %d, want 1", stats.TotalConnectionsReused)
	}
}

func TestGetRespectsMaxConnections(t *testing.T) {
	var dials int32
	cfg := testConfig(mockDialer(&dials))
	cfg.MaxConnections = 2
	cfg.GetConnectionTimeout = 0
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	c1, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get 1: %v", err)
	}
	defer c1.Close()
	c2, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get 2: %v", err)
	}
	defer c2.Close()

	_, err = p.Get(context.Background())
	if err == nil {
		t.Fatal("expected error at capacity")
	}
	if !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("expected ErrPoolExhausted, got %v", err)
	}
	if atomic.LoadInt32(&dials) != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}
	if stats := p.Stats(); stats.FailedGets != 1 {
		t.Errorf("FailedGets = %d, want 1", stats.FailedGets)
	}
}

func TestGetWaitsForRelease(t *testing.T) {
	var dials int32
	cfg := testConfig(mockDialer(&dials))
	cfg.MaxConnections = 1
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	held, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	id := held.ID()

	go func() {
		time.Sleep(50 * time.Millisecond)
		held.Close()
	}()

	start := time.Now()
	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("waiting Get: %v", err)
	}
	defer conn.Close()

	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("Get returned after %v, expected to wait for the release", elapsed)
	}
	if conn.ID() != id {
		t.Errorf("got connection %d, want reused %d", conn.ID(), id)
	}
	if atomic.LoadInt32(&dials) != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
}

func TestGetTimeout(t *testing.T) {
	var dials int32
	cfg := testConfig(mockDialer(&dials))
	cfg.MaxConnections = 1
	cfg.GetConnectionTimeout = 100 * time.Millisecond
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	held, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer held.Close()

	start := time.Now()
	_, err = p.Get(context.Background())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TimeoutError, got %T", err)
	}
	if te.Timeout != cfg.GetConnectionTimeout {
		t.Errorf("TimeoutError.Timeout = %v, want %v", te.Timeout, cfg.GetConnectionTimeout)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timed out after %v, expected about 100ms", elapsed)
	}
	stats := p.Stats()
	if stats.TimeoutGets != 1 {
		t.Errorf("TimeoutGets = %d, want 1", stats.TimeoutGets)
	}
	if stats.FailedGets != 1 {
		t.Errorf("FailedGets = %d, want 1", stats.FailedGets)
	}
}

func TestGetContextCancellation(t *testing.T) {
	var dials int32
	cfg := testConfig(mockDialer(&dials))
	cfg.MaxConnections = 1
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	held, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer held.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = p.Get(ctx)
	if err == nil {
		t.Fatal("expected error from canceled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestGetContextDeadlineOverridesConfig(t *testing.T) {
	var dials int32
	cfg := testConfig(mockDialer(&dials))
	cfg.MaxConnections = 1
	cfg.GetConnectionTimeout = 30 * time.Second
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	held, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer held.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = p.Get(ctx)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Get took %v, expected the context deadline to cut it short", elapsed)
	}
}

func TestGetDialError(t *testing.T) {
	var dials int32
	cfg := testConfig(failingDialer(&dials))
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	_, err = p.Get(context.Background())
	if err == nil {
		t.Fatal("expected dial error")
	}
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("expected ErrConnectionFailed, got %v", err)
	}
	stats := p.Stats()
	if stats.FailedGets != 1 {
		t.Errorf("FailedGets = %d, want 1", stats.FailedGets)
	}
	if stats.ConnectionErrors != 1 {
		t.Errorf("ConnectionErrors = %d, want 1", stats.ConnectionErrors)
	}
	if stats.TotalConnectionsCreated != 0 {
		t.Errorf("TotalConnectionsCreated = %d, want 0", stats.TotalConnectionsCreated)
	}
}

func TestTypedGetsSelectTransport(t *testing.T) {
	var dials int32
	p, err := New(testConfig(mockDialer(&dials)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	tcp, err := p.GetTCP(context.Background())
	if err != nil {
		t.Fatalf("GetTCP: %v", err)
	}
	if !tcp.Protocol().IsTCP() {
		t.Errorf("GetTCP protocol = %v, want TCP", tcp.Protocol())
	}

	udp, err := p.GetUDP(context.Background())
	if err != nil {
		t.Fatalf("GetUDP: %v", err)
	}
	if !udp.Protocol().IsUDP() {
		t.Errorf("GetUDP protocol = %v, want UDP", udp.Protocol())
	}

	tcp.Close()
	udp.Close()

	// Both kinds are idle now. An unconstrained Get prefers streams.
	any, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer any.Close()
	if !any.Protocol().IsTCP() {
		t.Errorf("unconstrained Get protocol = %v, want TCP preferred", any.Protocol())
	}

	match, err := p.GetMatch(context.Background(), ProtocolUDP, IPVersionV4)
	if err != nil {
		t.Fatalf("GetMatch: %v", err)
	}
	defer match.Close()
	if !match.Protocol().IsUDP() || !match.IPVersion().IsV4() {
		t.Errorf("GetMatch = %v/%v, want UDP/IPv4", match.Protocol(), match.IPVersion())
	}
}

func TestGetIPv6(t *testing.T) {
	d := &recordingDialer{addr: tcp6Addr}
	var dials int32
	cfg := testConfig(func(ctx context.Context, hint Protocol) (net.Conn, error) {
		atomic.AddInt32(&dials, 1)
		return d.dial(ctx, hint)
	})
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	conn, err := p.GetIPv6(context.Background())
	if err != nil {
		t.Fatalf("GetIPv6: %v", err)
	}
	if !conn.IPVersion().IsV6() {
		t.Errorf("IPVersion = %v, want IPv6", conn.IPVersion())
	}
	conn.Close()

	// The released connection parks in the v6 stream bucket and is
	// found again by a family-constrained acquire.
	again, err := p.GetIPv6(context.Background())
	if err != nil {
		t.Fatalf("second GetIPv6: %v", err)
	}
	defer again.Close()
	if atomic.LoadInt32(&dials) != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
}

func TestGetIPVersionMismatch(t *testing.T) {
	var dials int32
	cfg := testConfig(mockDialer(&dials))
	cfg.GetConnectionTimeout = 0
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	// The dialer only produces IPv4 connections, so a v6 acquire gets
	// a connection that fails constraint verification.
	_, err = p.GetIPv6(context.Background())
	if err == nil {
		t.Fatal("expected error for unsatisfiable family")
	}
	if !errors.Is(err, ErrInvalidConnection) {
		t.Errorf("expected ErrInvalidConnection, got %v", err)
	}
	if stats := p.Stats(); stats.ConnectionErrors != 0 {
		t.Errorf("ConnectionErrors = %d, want 0 for constraint mismatch", stats.ConnectionErrors)
	}
}

func TestUnknownConnectionsNeverCached(t *testing.T) {
	var dials int32
	cfg := testConfig(func(ctx context.Context, hint Protocol) (net.Conn, error) {
		atomic.AddInt32(&dials, 1)
		return newMockConn(nil, nil), nil
	})
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conn.Protocol() != ProtocolUnknown {
		t.Errorf("Protocol = %v, want Unknown", conn.Protocol())
	}
	raw := conn.Raw().(*mockConn)
	conn.Close()

	if got := p.IdleCount(); got != 0 {
		t.Errorf("IdleCount = %d, want 0 for unclassified connection", got)
	}
	if !raw.IsClosed() {
		t.Error("released unclassified connection should be closed")
	}

	second, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	defer second.Close()
	if atomic.LoadInt32(&dials) != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}
}

func TestPooledConnReadWrite(t *testing.T) {
	var dials int32
	p, err := New(testConfig(mockDialer(&dials)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	msg := []byte("hello pool")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, len(msg))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Errorf("Read = %q, want %q", buf[:n], msg)
	}

	if conn.LocalAddr() == nil || conn.RemoteAddr() == nil {
		t.Error("expected addresses to pass through")
	}
	if err := conn.SetDeadline(time.Now().Add(time.Second)); err != nil {
		t.Errorf("SetDeadline: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := conn.Read(buf); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Read after release = %v, want ErrConnectionClosed", err)
	}
	if _, err := conn.Write(msg); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Write after release = %v, want ErrConnectionClosed", err)
	}
	if err := conn.SetDeadline(time.Time{}); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("SetDeadline after release = %v, want ErrConnectionClosed", err)
	}
	if err := conn.Close(); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("second Close = %v, want ErrConnectionClosed", err)
	}
}

func TestDiscardRemovesConnection(t *testing.T) {
	d := &recordingDialer{}
	p, err := New(testConfig(d.dial))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	conn.Discard()
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := p.IdleCount(); got != 0 {
		t.Errorf("IdleCount = %d, want 0 after discard", got)
	}
	mocks := d.created()
	if len(mocks) != 1 || !mocks[0].IsClosed() {
		t.Error("discarded connection should be closed")
	}
	stats := p.Stats()
	if stats.TotalConnectionsClosed != 1 {
		t.Errorf("TotalConnectionsClosed = %d, want 1", stats.TotalConnectionsClosed)
	}

	next, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get after discard: %v", err)
	}
	defer next.Close()
	if len(d.created()) != 2 {
		t.Errorf("created = %d, want 2", len(d.created()))
	}
}

func TestPoolClose(t *testing.T) {
	d := &recordingDialer{}
	p, err := New(testConfig(d.dial))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c1, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get 1: %v", err)
	}
	c2, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get 2: %v", err)
	}
	c1.Close()
	c2.Close()

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !p.IsClosed() {
		t.Error("IsClosed = false after Close")
	}
	for i, m := range d.created() {
		if !m.IsClosed() {
			t.Errorf("connection %d not closed by pool Close", i)
		}
	}
	if stats := p.Stats(); stats.CurrentConnections != 0 {
		t.Errorf("CurrentConnections = %d, want 0", stats.CurrentConnections)
	}

	if err := p.Close(); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("second Close = %v, want ErrPoolClosed", err)
	}
	if _, err := p.Get(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Get after Close = %v, want ErrPoolClosed", err)
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	var dials int32
	cfg := testConfig(mockDialer(&dials))
	cfg.MaxConnections = 1
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	held, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer held.Close()

	result := make(chan error, 1)
	go func() {
		_, err := p.Get(context.Background())
		result <- err
	}()

	time.Sleep(50 * time.Millisecond)
	p.Close()

	select {
	case err := <-result:
		if !errors.Is(err, ErrPoolClosed) {
			t.Errorf("waiter got %v, want ErrPoolClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}
}

func TestCloseWaitsForBorrowers(t *testing.T) {
	d := &recordingDialer{}
	cfg := testConfig(d.dial)
	cfg.ConnectionLeakTimeout = 500 * time.Millisecond
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	go func() {
		time.Sleep(80 * time.Millisecond)
		conn.Close()
	}()

	start := time.Now()
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 50*time.Millisecond {
		t.Errorf("Close returned after %v, expected it to wait for the borrower", elapsed)
	}
	if elapsed > 450*time.Millisecond {
		t.Errorf("Close took %v, expected the release to end the wait early", elapsed)
	}
	if got := p.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount = %d, want 0", got)
	}
	mocks := d.created()
	if len(mocks) != 1 || !mocks[0].IsClosed() {
		t.Error("borrowed connection should be closed after Close")
	}
}

func TestIdleTimeoutEvicts(t *testing.T) {
	d := &recordingDialer{}
	cfg := testConfig(d.dial)
	cfg.IdleTimeout = 30 * time.Millisecond
	cfg.MaxLifetime = 0
	cfg.HealthCheckInterval = 50 * time.Millisecond
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	conn.Close()

	waitFor(t, 2*time.Second, func() bool {
		return p.IdleCount() == 0
	})
	mocks := d.created()
	if len(mocks) != 1 || !mocks[0].IsClosed() {
		t.Error("idle-expired connection should be closed")
	}
}

func TestMaxLifetimeCheckedOnAcquire(t *testing.T) {
	d := &recordingDialer{}
	cfg := testConfig(d.dial)
	cfg.IdleTimeout = 0
	cfg.MaxLifetime = 30 * time.Millisecond
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	first, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	firstID := first.ID()
	first.Close()

	time.Sleep(60 * time.Millisecond)

	second, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	defer second.Close()
	if second.ID() == firstID {
		t.Error("expired connection was handed out again")
	}
	if len(d.created()) != 2 {
		t.Errorf("created = %d, want 2", len(d.created()))
	}
	mocks := d.created()
	if !mocks[0].IsClosed() {
		t.Error("expired connection should be closed")
	}
}

func TestHealthCheckEvictsUnhealthy(t *testing.T) {
	d := &recordingDialer{}
	var checks int32
	cfg := testConfig(d.dial)
	cfg.EnableHealthCheck = true
	cfg.HealthCheckInterval = 40 * time.Millisecond
	cfg.HealthChecker = func(conn net.Conn) bool {
		atomic.AddInt32(&checks, 1)
		return false
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	conn.Close()

	waitFor(t, 2*time.Second, func() bool {
		return p.IdleCount() == 0
	})
	if atomic.LoadInt32(&checks) == 0 {
		t.Error("health checker never invoked")
	}
	stats := p.Stats()
	if stats.HealthCheckAttempts == 0 {
		t.Errorf("HealthCheckAttempts = %d, want > 0", stats.HealthCheckAttempts)
	}
	if stats.HealthCheckFailures == 0 {
		t.Errorf("HealthCheckFailures = %d, want > 0", stats.HealthCheckFailures)
	}
	mocks := d.created()
	if len(mocks) != 1 || !mocks[0].IsClosed() {
		t.Error("unhealthy connection should be closed")
	}
}

func TestLeakDetection(t *testing.T) {
	d := &recordingDialer{}
	cfg := testConfig(d.dial)
	cfg.MaxConnections = 1
	cfg.ConnectionLeakTimeout = 40 * time.Millisecond
	cfg.HealthCheckInterval = 30 * time.Millisecond
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return p.Stats().LeakedConnections >= 1
	})
	// Past twice the leak timeout the reaper force-closes the
	// connection and frees its capacity slot.
	waitFor(t, 2*time.Second, func() bool {
		return p.ActiveCount() == 0
	})
	mocks := d.created()
	if len(mocks) != 1 || !mocks[0].IsClosed() {
		t.Error("leaked connection should be force-closed")
	}

	time.Sleep(100 * time.Millisecond)
	if got := p.Stats().LeakedConnections; got != 1 {
		t.Errorf("LeakedConnections = %d, want 1 (reported once)", got)
	}

	// The capacity slot held by the leaked connection is usable again
	// even though its handle was never released.
	fresh, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get after force-close: %v", err)
	}
	if err := fresh.Close(); err != nil {
		t.Fatalf("release after force-close: %v", err)
	}

	// The original handle is stale now; closing it is still safe.
	if err := conn.Close(); err != nil {
		t.Errorf("Close of force-closed handle: %v", err)
	}
}

func TestPrewarmFillsFloor(t *testing.T) {
	var dials int32
	cfg := testConfig(mockDialer(&dials))
	cfg.MinConnections = 2
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	waitFor(t, 2*time.Second, func() bool {
		return p.IdleCount() == 2
	})
	if atomic.LoadInt32(&dials) != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer conn.Close()
	if atomic.LoadInt32(&dials) != 2 {
		t.Errorf("Get dialed fresh despite prewarmed idle connections")
	}
}

func TestServerModeAccepts(t *testing.T) {
	ln := newMockListener(newTCPMock(), newTCPMock())
	cfg := testConfig(nil)
	cfg.Mode = ModeServer
	cfg.Listener = ln
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c1, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get 1: %v", err)
	}
	c2, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get 2: %v", err)
	}
	if !c1.Protocol().IsTCP() || !c1.IPVersion().IsV4() {
		t.Errorf("accepted connection classified %v/%v, want TCP/IPv4", c1.Protocol(), c1.IPVersion())
	}
	if got := p.ActiveCount(); got != 2 {
		t.Errorf("ActiveCount = %d, want 2", got)
	}

	c1.Close()
	c2.Close()
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ln.Close()
}

func TestOnCreatedRejection(t *testing.T) {
	d := &recordingDialer{}
	cfg := testConfig(d.dial)
	cfg.GetConnectionTimeout = 0
	cfg.OnCreated = func(net.Conn) error { return errors.New("handshake failed") }
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	_, err = p.Get(context.Background())
	if err == nil {
		t.Fatal("expected error from rejected connection")
	}
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("expected ErrConnectionFailed, got %v", err)
	}
	mocks := d.created()
	if len(mocks) != 1 || !mocks[0].IsClosed() {
		t.Error("rejected connection should be closed")
	}
	if stats := p.Stats(); stats.TotalConnectionsCreated != 0 {
		t.Errorf("TotalConnectionsCreated = %d, want 0", stats.TotalConnectionsCreated)
	}
}

func TestBorrowAndReturnHooks(t *testing.T) {
	var dials, borrows, returns int32
	cfg := testConfig(mockDialer(&dials))
	cfg.OnBorrow = func(net.Conn) { atomic.AddInt32(&borrows, 1) }
	cfg.OnReturn = func(net.Conn) { atomic.AddInt32(&returns, 1) }
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := atomic.LoadInt32(&borrows); got != 1 {
		t.Errorf("borrow hook ran %d times, want 1", got)
	}
	if got := atomic.LoadInt32(&returns); got != 0 {
		t.Errorf("return hook ran %d times before release", got)
	}
	conn.Close()
	if got := atomic.LoadInt32(&returns); got != 1 {
		t.Errorf("return hook ran %d times, want 1", got)
	}
}

func TestCloseConnHook(t *testing.T) {
	d := &recordingDialer{}
	var hooked int32
	cfg := testConfig(d.dial)
	cfg.CloseConn = func(c net.Conn) error {
		atomic.AddInt32(&hooked, 1)
		return c.Close()
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	conn.Discard()
	conn.Close()

	if got := atomic.LoadInt32(&hooked); got != 1 {
		t.Errorf("close hook ran %d times, want 1", got)
	}
	mocks := d.created()
	if len(mocks) != 1 || !mocks[0].IsClosed() {
		t.Error("close hook should have closed the raw connection")
	}
}

func TestUDPBufferClearedOnReturn(t *testing.T) {
	var dials int32
	p, err := New(testConfig(mockDialer(&dials)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	conn, err := p.GetUDP(context.Background())
	if err != nil {
		t.Fatalf("GetUDP: %v", err)
	}
	raw := conn.Raw().(*mockConn)
	for i := 0; i < 3; i++ {
		if _, err := conn.Write([]byte("stale datagram")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if raw.PendingCount() != 3 {
		t.Fatalf("PendingCount = %d, want 3", raw.PendingCount())
	}
	conn.Close()

	if got := raw.PendingCount(); got != 0 {
		t.Errorf("PendingCount after release = %d, want 0", got)
	}
	if got := p.IdleCount(); got != 1 {
		t.Errorf("IdleCount = %d, want 1 (drained connection stays pooled)", got)
	}
}

func TestMaxIdleConnectionsCap(t *testing.T) {
	d := &recordingDialer{}
	cfg := testConfig(d.dial)
	cfg.MaxConnections = 4
	cfg.MaxIdleConnections = 2
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	var conns []*PooledConn
	for i := 0; i < 3; i++ {
		c, err := p.Get(context.Background())
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		conns = append(conns, c)
	}
	for _, c := range conns {
		c.Close()
	}

	if got := p.IdleCount(); got != 2 {
		t.Errorf("IdleCount = %d, want 2", got)
	}
	stats := p.Stats()
	if stats.TotalConnectionsClosed != 1 {
		t.Errorf("TotalConnectionsClosed = %d, want 1 (overflow closed)", stats.TotalConnectionsClosed)
	}
	closed := 0
	for _, m := range d.created() {
		if m.IsClosed() {
			closed++
		}
	}
	if closed != 1 {
		t.Errorf("closed mocks = %d, want 1", closed)
	}
}

func TestStatsDisabled(t *testing.T) {
	var dials int32
	cfg := testConfig(mockDialer(&dials))
	cfg.EnableStats = false
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	conn.Close()

	stats := p.Stats()
	if stats != (Stats{}) {
		t.Errorf("Stats with collection disabled = %+v, want zero value", stats)
	}
}

func TestConcurrentGetRelease(t *testing.T) {
	var dials int32
	cfg := testConfig(mockDialer(&dials))
	cfg.MaxConnections = 4
	cfg.GetConnectionTimeout = 5 * time.Second
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	const workers = 8
	const iterations = 25

	var failures int32
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				conn, err := p.Get(context.Background())
				if err != nil {
					atomic.AddInt32(&failures, 1)
					continue
				}
				if _, err := conn.Write([]byte("ping")); err != nil {
					atomic.AddInt32(&failures, 1)
				}
				conn.Close()
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&failures); got != 0 {
		t.Errorf("failures = %d, want 0", got)
	}
	if got := p.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount = %d, want 0", got)
	}
	stats := p.Stats()
	if stats.CurrentConnections > 4 {
		t.Errorf("CurrentConnections = %d, exceeds max 4", stats.CurrentConnections)
	}
	if stats.CurrentConnections != stats.TotalConnectionsCreated-stats.TotalConnectionsClosed {
		t.Errorf("CurrentConnections = %d, want created-closed = %d",
			stats.CurrentConnections, stats.TotalConnectionsCreated-stats.TotalConnectionsClosed)
	}
	if stats.SuccessfulGets != workers*iterations {
		t.Errorf("SuccessfulGets = %d, want %d", stats.SuccessfulGets, workers*iterations)
	}
}

func TestUpdateMetrics(t *testing.T) {
	stats := Stats{
		CurrentConnections:       5,
		CurrentIdleConnections:   3,
		CurrentActiveConnections: 2,
		CurrentTCPConnections:    4,
		CurrentUDPConnections:    1,
		CurrentIPv4Connections:   5,
	}
	UpdateMetrics(stats)

	if got := PoolConnectionsCurrent.Value(); got != 5 {
		t.Errorf("PoolConnectionsCurrent = %d, want 5", got)
	}
	if got := PoolConnectionsIdle.Value(); got != 3 {
		t.Errorf("PoolConnectionsIdle = %d, want 3", got)
	}
	if got := PoolConnectionsActive.Value(); got != 2 {
		t.Errorf("PoolConnectionsActive = %d, want 2", got)
	}
	if got := PoolConnectionsTCP.Value(); got != 4 {
		t.Errorf("PoolConnectionsTCP = %d, want 4", got)
	}
	if got := PoolConnectionsUDP.Value(); got != 1 {
		t.Errorf("PoolConnectionsUDP = %d, want 1", got)
	}
}
