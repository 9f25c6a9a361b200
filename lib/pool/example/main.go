// Example demonstrates basic usage of the connection pool against a
// loopback echo server.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/go-i2p/netpool/lib/dialer"
	"github.com/go-i2p/netpool/lib/pool"
)

func main() {
	addr := startEchoServer()

	p := createPool(addr)
	defer p.Close()

	roundTrip(p)
	showReuse(p)
	printStats(p)
}

// startEchoServer runs a loopback echo server for the example.
func startEchoServer() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// createPool builds a small client pool against addr.
func createPool(addr string) *pool.Pool {
	d, err := dialer.TCP(addr)
	if err != nil {
		log.Fatalf("Failed to build dialer: %v", err)
	}

	cfg := pool.DefaultConfig()
	cfg.MaxConnections = 4
	cfg.MinConnections = 0
	cfg.Dialer = d

	p, err := pool.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create pool: %v", err)
	}
	return p
}

// roundTrip borrows a connection, echoes a message, and releases it.
func roundTrip(p *pool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := p.Get(ctx)
	if err != nil {
		log.Fatalf("Failed to acquire: %v", err)
	}
	// Close returns the connection to the pool instead of closing the
	// socket.
	defer conn.Close()

	msg := []byte("hello pool")
	if _, err := conn.Write(msg); err != nil {
		log.Fatalf("Write failed: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		log.Fatalf("Read failed: %v", err)
	}
	fmt.Printf("Echoed: %s\n", buf)
}

// showReuse demonstrates that sequential acquisitions come back to the
// same physical connection.
func showReuse(p *pool.Pool) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		conn, err := p.Get(ctx)
		if err != nil {
			log.Fatalf("Failed to acquire: %v", err)
		}
		fmt.Printf("Acquisition %d: connection #%d (reused %d times)\n",
			i+1, conn.ID(), conn.ReuseCount())
		conn.Close()
	}
}

// printStats dumps a few pool counters.
func printStats(p *pool.Pool) {
	stats := p.Stats()
	fmt.Printf("\n=== Pool Stats ===\n")
	fmt.Printf("Created: %d\n", stats.TotalConnectionsCreated)
	fmt.Printf("Reused:  %d\n", stats.TotalConnectionsReused)
	fmt.Printf("Idle:    %d\n", stats.CurrentIdleConnections)
	fmt.Printf("Gets:    %d (%d ok)\n", stats.TotalGetRequests, stats.SuccessfulGets)
}
