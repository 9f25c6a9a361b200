// poolbench is a workload driver for netpool connection pools.
//
// It drives a transport-aware pool against TCP and UDP echo targets at
// a configurable concurrency, printing pool statistics as it runs and
// optionally serving Prometheus metrics. When no target is given it
// starts an in-process echo server, so soak and exhaustion runs need
// no external services.
//
// Usage:
//
//	poolbench [flags]
//	poolbench serve [addr]
//
// Flags:
//
//	-config string
//	    Path to a TOML pool configuration file
//	-write-config string
//	    Write the default configuration to the given path and exit
//	-target string
//	    TCP echo target (host:port); started in-process when empty
//	-udp
//	    Mix datagram acquisitions into the workload
//	-udp-target string
//	    UDP echo target (host:port); started in-process when empty
//	-workers int
//	    Concurrent workers (default 8)
//	-duration string
//	    How long to run (default "30s")
//	-max-conns int
//	    Override the pool's connection ceiling (0 keeps the config value)
//	-metrics string
//	    Listen address for the Prometheus text endpoint
//	-dial-rate float
//	    Dial rate limit per second (0 disables throttling)
//	-dial-burst int
//	    Dial rate limit burst (default 4)
//	-dial-retries int
//	    Retry failed dials this many times with backoff
//	-breaker
//	    Guard dials with a circuit breaker
//	-v
//	    Enable verbose logging
//	-version
//	    Print version and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-i2p/netpool/lib/dialer"
	"github.com/go-i2p/netpool/lib/metrics"
	"github.com/go-i2p/netpool/lib/pool"
	"github.com/go-i2p/netpool/lib/resilience"
	"github.com/go-i2p/netpool/lib/validation"
	"github.com/go-i2p/netpool/version"
)

const defaultServeAddr = "127.0.0.1:4747"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to a TOML pool configuration file")
	writeConfig := flag.String("write-config", "", "Write the default configuration to the given path and exit")
	target := flag.String("target", "", "TCP echo target (host:port); started in-process when empty")
	useUDP := flag.Bool("udp", false, "Mix datagram acquisitions into the workload")
	udpTarget := flag.String("udp-target", "", "UDP echo target (host:port); started in-process when empty")
	workers := flag.Int("workers", 8, "Concurrent workers")
	durationArg := flag.String("duration", "30s", "How long to run")
	maxConns := flag.Int("max-conns", 0, "Override the pool's connection ceiling (0 keeps the config value)")
	metricsAddr := flag.String("metrics", "", "Listen address for the Prometheus text endpoint")
	dialRate := flag.Float64("dial-rate", 0, "Dial rate limit per second (0 disables throttling)")
	dialBurst := flag.Int("dial-burst", 4, "Dial rate limit burst")
	dialRetries := flag.Int("dial-retries", 0, "Retry failed dials this many times with backoff")
	useBreaker := flag.Bool("breaker", false, "Guard dials with a circuit breaker")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "poolbench - connection pool workload driver\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  poolbench [flags]          Run a pooled echo workload\n")
		fmt.Fprintf(os.Stderr, "  poolbench serve [addr]     Run a TCP+UDP echo server\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("poolbench version %s\n", version.Full())
		return 0
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if *writeConfig != "" {
		cfg := pool.DefaultConfig()
		if err := pool.SaveConfig(&cfg, *writeConfig); err != nil {
			logger.Error("failed to write config", "error", err)
			return 1
		}
		fmt.Printf("Wrote default configuration to %s\n", *writeConfig)
		return 0
	}

	args := flag.Args()
	if len(args) > 0 && args[0] == "serve" {
		addr := defaultServeAddr
		if len(args) > 1 {
			addr = args[1]
		}
		return runServe(logger, addr)
	}

	runFor, err := validation.ValidateRunDuration(*durationArg)
	if err != nil {
		logger.Error("invalid -duration", "error", err)
		return 1
	}
	if err := validation.ValidateWorkerCount(*workers); err != nil {
		logger.Error("invalid -workers", "error", err)
		return 1
	}
	if err := validation.ValidateMetricsAddr(*metricsAddr); err != nil {
		logger.Error("invalid -metrics", "error", err)
		return 1
	}

	// Pool configuration: defaults, then config file, then overrides.
	cfg := pool.DefaultConfig()
	if *configPath != "" {
		loaded, err := pool.LoadConfig(*configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			return 1
		}
		cfg = *loaded
	}
	if *maxConns > 0 {
		cfg.MaxConnections = *maxConns
	}

	// Spin up in-process echo targets when none were given.
	tcpAddr := *target
	if tcpAddr == "" {
		srv, err := newEchoServer()
		if err != nil {
			logger.Error("failed to start echo server", "error", err)
			return 1
		}
		defer srv.close()
		tcpAddr = srv.tcpAddr()
		logger.Info("started in-process echo server", "addr", tcpAddr)
	}

	udpAddr := *udpTarget
	if *useUDP && udpAddr == "" {
		srv, err := newUDPEcho()
		if err != nil {
			logger.Error("failed to start UDP echo server", "error", err)
			return 1
		}
		defer srv.Close()
		udpAddr = srv.LocalAddr().String()
		logger.Info("started in-process UDP echo server", "addr", udpAddr)
	}

	d, err := buildDialer(tcpAddr, udpAddr, *useUDP, *dialRate, *dialBurst, *dialRetries, *useBreaker)
	if err != nil {
		logger.Error("failed to build dialer", "error", err)
		return 1
	}
	cfg.Dialer = d

	p, err := pool.New(cfg)
	if err != nil {
		logger.Error("failed to create pool", "error", err)
		return 1
	}

	// Optional Prometheus endpoint.
	var metricsSrv *http.Server
	if *metricsAddr != "" {
		metrics.RecordStartTime()
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", "addr", *metricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), runFor)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("poolbench started",
		"version", version.Version,
		"target", tcpAddr,
		"workers", *workers,
		"duration", runFor,
		"max_conns", cfg.MaxConnections)

	var counts benchCounts
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWorker(ctx, p, *useUDP, &counts)
		}()
	}

	// Periodic progress reporting while the workers run.
	reportDone := make(chan struct{})
	go func() {
		defer close(reportDone)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := p.Stats()
				pool.UpdateMetrics(stats)
				logger.Info("progress",
					"ops", counts.ops.Load(),
					"errors", counts.errors.Load(),
					"open", stats.CurrentConnections,
					"idle", stats.CurrentIdleConnections,
					"active", stats.CurrentActiveConnections,
					"created", stats.TotalConnectionsCreated,
					"reused", stats.TotalConnectionsReused)
			}
		}
	}()

	wg.Wait()
	<-reportDone

	final := p.Stats()
	if err := p.Close(); err != nil {
		logger.Error("pool close failed", "error", err)
	}

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		metricsSrv.Shutdown(shutdownCtx)
	}

	fmt.Printf("\n=== poolbench summary ===\n")
	fmt.Printf("Operations:    %d\n", counts.ops.Load())
	fmt.Printf("Errors:        %d\n", counts.errors.Load())
	fmt.Printf("Created:       %d\n", final.TotalConnectionsCreated)
	fmt.Printf("Reused:        %d\n", final.TotalConnectionsReused)
	fmt.Printf("Get timeouts:  %d\n", final.TimeoutGets)
	fmt.Printf("Avg get time:  %s\n", final.AverageGetTime)
	fmt.Printf("Avg reuse:     %.1f\n", final.AverageReuseCount)

	return 0
}

// benchCounts aggregates worker results.
type benchCounts struct {
	ops    atomic.Int64
	errors atomic.Int64
}

// runWorker acquires, echoes, and releases in a loop until the context
// ends. Roughly a quarter of acquisitions ask for datagram transports
// when the workload mixes UDP.
func runWorker(ctx context.Context, p *pool.Pool, useUDP bool, counts *benchCounts) {
	payload := []byte("poolbench ping")
	buf := make([]byte, len(payload))

	for i := 0; ctx.Err() == nil; i++ {
		var conn *pool.PooledConn
		var err error
		if useUDP && i%4 == 3 {
			conn, err = p.GetUDP(ctx)
		} else {
			conn, err = p.Get(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			counts.errors.Add(1)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if err := echoOnce(conn, payload, buf); err != nil {
			counts.errors.Add(1)
			conn.Discard()
			conn.Close()
			continue
		}
		conn.Close()
		counts.ops.Add(1)
	}
}

// echoOnce writes the payload and reads it back under a deadline. The
// deadline is cleared again before the connection goes back to the
// pool so later borrowers start fresh.
func echoOnce(conn *pool.PooledConn, payload, buf []byte) error {
	if err := conn.SetDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return err
	}
	if _, err := conn.Write(payload); err != nil {
		return err
	}
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	return conn.SetDeadline(time.Time{})
}

// buildDialer assembles the dial chain: base factory, then throttling,
// then circuit breaking, then retries on the outside.
func buildDialer(tcpAddr, udpAddr string, useUDP bool, rate float64, burst, retries int, breaker bool) (pool.Dialer, error) {
	var d pool.Dialer
	var err error
	if useUDP && udpAddr != "" {
		d, err = dialer.Dual(tcpAddr, udpAddr)
	} else {
		d, err = dialer.TCP(tcpAddr)
	}
	if err != nil {
		return nil, err
	}

	if rate > 0 {
		d = dialer.WithThrottle(d, rate, burst)
	}
	if breaker {
		cb := resilience.NewCircuitBreaker("poolbench-dial", resilience.DefaultCircuitBreakerConfig())
		d = dialer.WithBreaker(d, cb)
	}
	if retries > 0 {
		d = dialer.WithRetry(d, retries+1, 100*time.Millisecond)
	}
	return d, nil
}

// runServe runs a TCP and UDP echo server on addr until SIGINT.
func runServe(logger *slog.Logger, addr string) int {
	if err := validation.ValidateListenAddr(addr); err != nil {
		logger.Error("invalid listen address", "error", err)
		return 1
	}

	srv, err := newEchoServerOn(addr)
	if err != nil {
		logger.Error("failed to start echo server", "error", err)
		return 1
	}
	defer srv.close()

	udpConn, err := newUDPEchoOn(addr)
	if err != nil {
		logger.Error("failed to start UDP echo server", "error", err)
		return 1
	}
	defer udpConn.Close()

	fmt.Printf("TCP echo on %s\n", srv.tcpAddr())
	fmt.Printf("UDP echo on %s\n", udpConn.LocalAddr())
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("echo server stopped")
	return 0
}

// echoServer is a minimal TCP echo loop for self-contained runs.
type echoServer struct {
	ln net.Listener
}

func newEchoServer() (*echoServer, error) {
	return newEchoServerOn("127.0.0.1:0")
}

func newEchoServerOn(addr string) (*echoServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &echoServer{ln: ln}
	go s.acceptLoop()
	return s, nil
}

func (s *echoServer) tcpAddr() string {
	return s.ln.Addr().String()
}

func (s *echoServer) close() error {
	return s.ln.Close()
}

func (s *echoServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			io.Copy(c, c)
		}(conn)
	}
}

// newUDPEcho starts a UDP echo loop on a random loopback port.
func newUDPEcho() (*net.UDPConn, error) {
	return newUDPEchoOn("127.0.0.1:0")
}

func newUDPEchoOn(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	pc, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	go func() {
		buf := make([]byte, 65535)
		for {
			n, raddr, err := pc.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if _, err := pc.WriteToUDP(buf[:n], raddr); err != nil {
				return
			}
		}
	}()
	return pc, nil
}
