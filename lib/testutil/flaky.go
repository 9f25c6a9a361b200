package testutil

import (
	"net"
	"sync"
	"sync/atomic"
)

// DropServer is a loopback TCP server that accepts connections and
// closes them immediately. Dials succeed but the first read or write
// on the client side fails, which is useful for driving circuit
// breakers and retry paths.
type DropServer struct {
	mu      sync.Mutex
	ln      net.Listener
	addr    string
	running bool
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// NewDropServer starts a drop server on a random loopback port.
func NewDropServer() (*DropServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &DropServer{
		ln:      ln,
		addr:    ln.Addr().String(),
		running: true,
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// Addr returns the host:port the server is listening on.
func (s *DropServer) Addr() string {
	return s.addr
}

// DroppedCount returns the number of connections accepted and dropped.
func (s *DropServer) DroppedCount() int64 {
	return s.dropped.Load()
}

// Close shuts down the server.
func (s *DropServer) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *DropServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.dropped.Add(1)
		conn.Close()
	}
}

// StallServer is a loopback TCP server that accepts connections and
// then never reads or writes. Client reads block until a deadline
// fires, which is useful for exercising health check and I/O timeout
// paths.
type StallServer struct {
	mu      sync.Mutex
	ln      net.Listener
	addr    string
	running bool
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
	held    atomic.Int64
}

// NewStallServer starts a stall server on a random loopback port.
func NewStallServer() (*StallServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &StallServer{
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
func (s *StallServer) Addr() string {
	return s.addr
}

// HeldCount returns the number of connections currently held open.
func (s *StallServer) HeldCount() int64 {
	return s.held.Load()
}

// Close shuts down the server and releases every held connection.
func (s *StallServer) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	err := s.ln.Close()
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	return err
}

func (s *StallServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.held.Add(1)
	}
}

// RefusedAddr returns a loopback address with no listener behind it.
// Dials to the address fail fast with connection refused. The port is
// obtained by binding and immediately closing a listener, so a rare
// reuse by another process is possible.
func RefusedAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr, nil
}
