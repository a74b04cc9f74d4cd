package server

import (
	"context"
	"io"
	"log"
	"net"
	"sync"

	"brickd/internal/pending"
	"brickd/internal/protocol"
	"brickd/internal/registry"
)

// outboxSize bounds the per-connection delivery channel. spec.md's
// original implementation hands frames to Twisted's unbounded reactor
// write queue; a Go daemon instead gives every client a generous bounded
// channel and drops with a warning rather than let one slow reader grow
// memory without limit, matching spec.md §5's "no unbounded blocking"
// principle for the USB side applied symmetrically here.
const outboxSize = 256

const readBufferSize = 4096

// connection is one accepted TCP client: its own reassembly buffer and its
// own delivery capability, wired into the registry as a registry.Sink.
type connection struct {
	id       string
	conn     net.Conn
	registry *registry.Registry
	pending  *pending.Queues
	router   DeviceRouter

	outbox    chan protocol.Frame
	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(id string, conn net.Conn, reg *registry.Registry, pend *pending.Queues, router DeviceRouter) *connection {
	return &connection{
		id:       id,
		conn:     conn,
		registry: reg,
		pending:  pend,
		router:   router,
		outbox:   make(chan protocol.Frame, outboxSize),
		done:     make(chan struct{}),
	}
}

// Deliver implements registry.Sink. It never blocks: a full outbox means a
// slow or stuck client, and the frame is dropped with a warning rather than
// stalling the USB worker or registry goroutine that called it.
func (c *connection) Deliver(f protocol.Frame) {
	select {
	case c.outbox <- f.Clone():
	default:
		log.Printf("server: %s: outbox full, dropping frame", c.id)
	}
}

func (c *connection) run(ctx context.Context) {
	defer c.cleanup()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-writerDone:
		}
	}()

	c.readLoop()

	c.conn.Close()
	c.cleanup()
	<-writerDone
}

func (c *connection) writeLoop() {
	for {
		select {
		case out, ok := <-c.outbox:
			if !ok {
				return
			}
			if _, err := c.conn.Write(out); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) readLoop() {
	var reassembler protocol.Reassembler
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if err != io.EOF {
				log.Printf("server: %s: read: %v", c.id, err)
			}
			return
		}
		frames := reassembler.Feed(buf[:n])
		for _, f := range frames {
			c.dispatch(f)
		}
		if reassembler.Malformed() {
			log.Printf("server: %s: malformed frame, closing connection", c.id)
			return
		}
	}
}

// dispatch implements spec.md §4.4 and §4.6: broadcast frames are fanned
// out to every device (with the get-stack-id subtype also driving
// subscription), and device-addressed frames register a pending-response
// entry before being routed to the owning worker.
func (c *connection) dispatch(f protocol.Frame) {
	if f.IsBroadcast() {
		if f.Type() == protocol.TypeGetStackID && len(f) >= 12 {
			uid := f.EnumerateUID()
			c.registry.SubscribeByUID(uid, c.id, c)
		}
		c.router.BroadcastToDevices(f)
		return
	}

	global := f.StackID()
	dev, ok := c.registry.DeviceByGlobal(global)
	if !ok {
		return
	}
	c.pending.Register(global, f.RequestKey(), c)
	if err := c.router.EnqueueTo(dev.WorkerID, f); err != nil {
		log.Printf("server: %s: enqueue to %s: %v", c.id, dev.WorkerID, err)
	}
}

func (c *connection) cleanup() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.registry.RemoveClient(c.id)
		c.pending.RemoveSink(c)
	})
}
