// Package testutil provides loopback network fixtures for exercising
// connection pools and dialers against real TCP and UDP endpoints.
// Every fixture binds 127.0.0.1 on a random port, so tests need no
// external services and can always run.
package testutil

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultDialTimeout bounds connectivity checks against fixtures.
	DefaultDialTimeout = 5 * time.Second

	// DefaultProbeInterval is the poll interval used by WaitReachable.
	DefaultProbeInterval = 10 * time.Millisecond
)

// EchoServer is a loopback TCP server that echoes every byte back to
// the sender. It counts accepted and live connections so tests can
// assert on pool reuse and cleanup.
type EchoServer struct {
	mu       sync.RWMutex
	ln       net.Listener
	addr     string
	running  bool
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	accepted atomic.Int64
	active   atomic.Int64
}

// NewEchoServer starts an echo server on a random loopback port.
func NewEchoServer() (*EchoServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &EchoServer{
		ln:      ln,
		addr:    ln.Addr().String(),
		running: true,
		conns:   make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// Addr returns the host:port the server is listening on.
func (s *EchoServer) Addr() string {
	return s.addr
}

// AcceptedCount returns the total number of connections accepted.
func (s *EchoServer) AcceptedCount() int64 {
	return s.accepted.Load()
}

// ActiveCount returns the number of client connections currently open.
func (s *EchoServer) ActiveCount() int64 {
	return s.active.Load()
}

// CloseClients forcibly closes every live client connection while
// leaving the listener up. Tests use this to make pooled idle
// connections go stale.
func (s *EchoServer) CloseClients() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Close shuts down the listener and all live connections.
func (s *EchoServer) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	err := s.ln.Close()
	s.CloseClients()
	s.wg.Wait()
	return err
}

func (s *EchoServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *EchoServer) handleConn(conn net.Conn) {
	defer s.wg.Done()

	s.accepted.Add(1)
	s.active.Add(1)
	s.track(conn)
	defer func() {
		s.untrack(conn)
		s.active.Add(-1)
		conn.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			return
		}
	}
}

func (s *EchoServer) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *EchoServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// UDPEchoServer is a loopback UDP server that echoes every datagram
// back to the sender.
type UDPEchoServer struct {
	mu      sync.Mutex
	pc      *net.UDPConn
	addr    string
	running bool
	wg      sync.WaitGroup
	packets atomic.Int64
}

// NewUDPEchoServer starts a UDP echo server on a random loopback port.
func NewUDPEchoServer() (*UDPEchoServer, error) {
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}

	s := &UDPEchoServer{
		pc:      pc,
		addr:    pc.LocalAddr().String(),
		running: true,
	}

	s.wg.Add(1)
	go s.serveLoop()

	return s, nil
}

// Addr returns the host:port the server is listening on.
func (s *UDPEchoServer) Addr() string {
	return s.addr
}

// PacketCount returns the total number of datagrams echoed.
func (s *UDPEchoServer) PacketCount() int64 {
	return s.packets.Load()
}

// Close shuts down the server.
func (s *UDPEchoServer) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	err := s.pc.Close()
	s.wg.Wait()
	return err
}

func (s *UDPEchoServer) serveLoop() {
	defer s.wg.Done()

	buf := make([]byte, 65535)
	for {
		n, raddr, err := s.pc.ReadFromUDP(buf)
		if err != nil {
			return
		}
		s.packets.Add(1)
		if _, err := s.pc.WriteToUDP(buf[:n], raddr); err != nil {
			return
		}
	}
}

// WaitReachable polls addr with short TCP dials until one succeeds or
// the timeout expires. It returns the last dial error on timeout.
func WaitReachable(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		conn, err := net.DialTimeout("tcp", addr, DefaultDialTimeout)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return lastErr
		}
		time.Sleep(DefaultProbeInterval)
	}
}
