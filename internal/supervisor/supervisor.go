// Package supervisor owns process-level startup and shutdown: wiring the
// registry, pending queues, USB hotplug controller, and TCP server
// together, and reacting to SIGINT/SIGTERM the way
// guiperry-HASHER/cmd/driver/hasher-server/main.go's signal handler does.
package supervisor

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/gousb"

	"brickd/internal/hotplug"
	"brickd/internal/pending"
	"brickd/internal/protocol"
	"brickd/internal/registry"
	"brickd/internal/server"
	"brickd/internal/statusapi"
)

// Supervisor is the daemon's top-level object: it owns every long-lived
// subsystem and tears them down in the right order exactly once.
type Supervisor struct {
	Registry *registry.Registry
	Pending  *pending.Queues
	Hotplug  *hotplug.Controller
	Server   *server.Server
	Status   *statusapi.Server

	usbCtx   *gousb.Context
	httpAddr string

	shutdownOnce sync.Once
}

// New wires every subsystem together. addr is the TCP listen address for
// the frame protocol server; httpAddr, if non-empty, starts the read-only
// status API.
func New(addr, httpAddr, version string) *Supervisor {
	reg := registry.New()
	pend := pending.New(pending.DefaultBound)
	usbCtx := gousb.NewContext()
	hp := hotplug.New(usbCtx, reg, pend)
	srv := server.New(addr, reg, pend, hp)

	s := &Supervisor{
		Registry: reg,
		Pending:  pend,
		Hotplug:  hp,
		Server:   srv,
		usbCtx:   usbCtx,
		httpAddr: httpAddr,
	}
	if httpAddr != "" {
		s.Status = statusapi.New(reg, hp, version)
	}
	return s
}

// Run starts every subsystem and blocks until SIGINT/SIGTERM or ctx is
// canceled, then shuts down in reverse dependency order. It returns the
// error that caused the TCP server to stop, if any.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go s.Hotplug.Run(ctx)

	if s.Status != nil {
		go func() {
			if err := s.Status.Serve(s.httpAddr); err != nil {
				log.Printf("supervisor: status api stopped: %v", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Server.Serve(ctx) }()

	select {
	case <-sigCh:
		log.Println("supervisor: received shutdown signal")
	case <-ctx.Done():
	}

	cancel()
	s.Shutdown()
	return <-serveErr
}

// Shutdown tears everything down exactly once: stops accepting
// connections, announces every still-registered device as gone, and closes
// the USB context. Safe to call more than once (spec.md §5's idempotence
// requirement).
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() {
		log.Println("supervisor: shutting down")
		s.Server.Close()

		// Hotplug.Shutdown closes every worker and hands back the ids it
		// owned; it is the only component that still knows which ones were
		// active, so it drives the teardown loop rather than the registry's
		// own (worker-id-free) snapshot.
		for _, workerID := range s.Hotplug.Shutdown() {
			for _, dev := range s.Registry.TearDownWorker(workerID) {
				frame := protocol.NewDenumerateBroadcast(dev.UID, dev.Name, dev.Global)
				s.Registry.BroadcastToClients(frame)
			}
		}
		s.usbCtx.Close()
	})
}
