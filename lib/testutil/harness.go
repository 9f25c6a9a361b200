package testutil

import (
	"fmt"
	"sync"
)

// Harness manages a set of named loopback servers for integration
// tests that need several dial targets at once, such as keyed rate
// limiting or per-endpoint circuit breakers.
type Harness struct {
	mu sync.RWMutex

	tcpServers map[string]*EchoServer
	udpServers map[string]*UDPEchoServer

	// Track creation order for cleanup
	order []harnessEntry
}

type harnessEntry struct {
	kind string
	id   string
}

// NewHarness creates an empty harness.
func NewHarness() *Harness {
	return &Harness{
		tcpServers: make(map[string]*EchoServer),
		udpServers: make(map[string]*UDPEchoServer),
	}
}

// StartTCP starts a TCP echo server under the given id.
func (h *Harness) StartTCP(id string) (*EchoServer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.tcpServers[id]; exists {
		return nil, fmt.Errorf("server %s already exists", id)
	}

	s, err := NewEchoServer()
	if err != nil {
		return nil, fmt.Errorf("failed to start server %s: %w", id, err)
	}

	h.tcpServers[id] = s
	h.order = append(h.order, harnessEntry{kind: "tcp", id: id})

	log.WithField("id", id).WithField("addr", s.Addr()).Debug("started echo server")
	return s, nil
}

// StartUDP starts a UDP echo server under the given id.
func (h *Harness) StartUDP(id string) (*UDPEchoServer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.udpServers[id]; exists {
		return nil, fmt.Errorf("server %s already exists", id)
	}

	s, err := NewUDPEchoServer()
	if err != nil {
		return nil, fmt.Errorf("failed to start server %s: %w", id, err)
	}

	h.udpServers[id] = s
	h.order = append(h.order, harnessEntry{kind: "udp", id: id})

	log.WithField("id", id).WithField("addr", s.Addr()).Debug("started UDP echo server")
	return s, nil
}

// TCP returns the TCP echo server with the given id, or nil.
func (h *Harness) TCP(id string) *EchoServer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tcpServers[id]
}

// UDP returns the UDP echo server with the given id, or nil.
func (h *Harness) UDP(id string) *UDPEchoServer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.udpServers[id]
}

// ServerCount returns the number of servers started.
func (h *Harness) ServerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tcpServers) + len(h.udpServers)
}

// Addrs returns a map of server ids to their listen addresses.
func (h *Harness) Addrs() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	addrs := make(map[string]string, len(h.tcpServers)+len(h.udpServers))
	for id, s := range h.tcpServers {
		addrs[id] = s.Addr()
	}
	for id, s := range h.udpServers {
		addrs[id] = s.Addr()
	}
	return addrs
}

// Cleanup stops all servers in reverse creation order. Should be
// called with defer after creating the harness.
func (h *Harness) Cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.WithField("servers", len(h.order)).Debug("cleaning up harness")

	for i := len(h.order) - 1; i >= 0; i-- {
		entry := h.order[i]
		var err error
		switch entry.kind {
		case "tcp":
			if s, ok := h.tcpServers[entry.id]; ok {
				err = s.Close()
			}
		case "udp":
			if s, ok := h.udpServers[entry.id]; ok {
				err = s.Close()
			}
		}
		if err != nil {
			log.WithError(err).WithField("id", entry.id).Warn("error stopping server")
		}
	}

	h.tcpServers = make(map[string]*EchoServer)
	h.udpServers = make(map[string]*UDPEchoServer)
	h.order = nil
}
