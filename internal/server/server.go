// Package server implements the TCP-facing half of the daemon: the frame
// protocol listener described in spec.md §4.6, the subscription control
// path of §4.4, and the client-side half of response pairing (§4.5).
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"brickd/internal/pending"
	"brickd/internal/protocol"
	"brickd/internal/registry"
)

// DeviceRouter is the narrow capability the server needs from the hotplug
// layer: enqueue a frame to one device's worker, or to every worker at
// once. The server never holds a worker reference directly.
type DeviceRouter interface {
	EnqueueTo(workerID string, f protocol.Frame) error
	BroadcastToDevices(f protocol.Frame)
}

// Server owns the TCP listener and the set of live connections.
type Server struct {
	addr     string
	registry *registry.Registry
	pending  *pending.Queues
	router   DeviceRouter

	nextID atomic.Uint64

	mu        sync.Mutex
	listener  net.Listener
	wg        sync.WaitGroup
}

// New returns a Server bound to addr (host:port, e.g. ":4223") once Serve
// is called.
func New(addr string, reg *registry.Registry, pend *pending.Queues, router DeviceRouter) *Server {
	return &Server{addr: addr, registry: reg, pending: pend, router: router}
}

// Serve listens and accepts connections until ctx is canceled or an Accept
// error occurs. It blocks until the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Printf("server: listening on %s", s.addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}
		id := fmt.Sprintf("c%d", s.nextID.Add(1))
		c := newConnection(id, conn, s.registry, s.pending, s.router)
		s.registry.AddClient(id, c)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.run(ctx)
		}()
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
