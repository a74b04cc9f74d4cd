// Package usbworker drives one physical brick: it owns the routing table
// translating between the brick's own local stack ids and the daemon's
// global ones, pumps the enumeration protocol, and bridges inbound frames
// into the registry/pending layers (spec.md §4).
package usbworker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"brickd/internal/pending"
	"brickd/internal/protocol"
	"brickd/internal/registry"
	"brickd/internal/routing"
)

// WriteQueueSize bounds the outbound MPSC queue clients push frames into
// (spec.md §5). It matches NumWriteTransfer: beyond that, pushers feel
// backpressure from the channel send blocking rather than the gousb stream.
const WriteQueueSize = NumWriteTransfer

// Worker owns one brick's transport, routing table, and lifecycle. All
// exported methods are safe for concurrent use.
type Worker struct {
	ID        string
	transport Transport
	table     *routing.Table
	registry  *registry.Registry
	pending   *pending.Queues

	writeQueue chan protocol.Frame
	alive      atomic.Bool
	deadOnce   sync.Once
	onDead     func(id string)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a worker for a freshly opened device. Start must be called
// to begin pumping frames.
func New(id string, transport Transport, reg *registry.Registry, pend *pending.Queues, onDead func(id string)) *Worker {
	w := &Worker{
		ID:         id,
		transport:  transport,
		table:      routing.NewTable(),
		registry:   reg,
		pending:    pend,
		writeQueue: make(chan protocol.Frame, WriteQueueSize),
		onDead:     onDead,
	}
	w.alive.Store(true)
	return w
}

// Start launches the reader and writer pumps and kicks off stack
// enumeration (spec.md §4.1: a brick that just appeared is asked to
// announce every stack id it carries).
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(2)
	go w.writeLoop(ctx)
	go w.readLoop(ctx)
	// Best effort: if the queue is already full the request is dropped
	// rather than blocking Start, and a request still queued when the
	// worker dies is never written.
	select {
	case w.writeQueue <- protocol.NewEnumerateRequest():
	default:
	}
}

// Alive reports whether the worker's transport is still believed usable.
func (w *Worker) Alive() bool { return w.alive.Load() }

// Enqueue hands a frame to the device's outbound queue. It blocks while the
// queue and transport pipeline are full — the daemon's sole backpressure
// mechanism (spec.md §5) — and returns an error once the worker has died.
func (w *Worker) Enqueue(f protocol.Frame) error {
	if !w.alive.Load() {
		return fmt.Errorf("usbworker: %s is not alive", w.ID)
	}
	w.writeQueue <- f
	return nil
}

// Close idempotently tears the worker down: cancels the pumps, closes the
// transport (unblocking any in-flight Read/Write), and waits for both
// goroutines to exit.
func (w *Worker) Close() {
	w.deadOnce.Do(func() {
		w.alive.Store(false)
		if w.cancel != nil {
			w.cancel()
		}
		w.transport.Close()
	})
	w.wg.Wait()
}

func (w *Worker) markDead(cause error) {
	w.deadOnce.Do(func() {
		w.alive.Store(false)
		log.Printf("usbworker: %s lost: %v", w.ID, cause)
		if w.cancel != nil {
			w.cancel()
		}
		w.transport.Close()
		if w.onDead != nil {
			go w.onDead(w.ID)
		}
	})
}

func (w *Worker) writeLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-w.writeQueue:
			if !ok {
				return
			}
			w.table.ApplyOut(frame)
			if err := w.transport.WriteFrame(ctx, frame); err != nil {
				w.markDead(err)
				return
			}
		}
	}
}

func (w *Worker) readLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		raw, err := w.transport.ReadFrame(ctx)
		if err != nil {
			w.markDead(err)
			return
		}
		frame, err := protocol.Parse(raw)
		if err != nil {
			log.Printf("usbworker: %s sent malformed frame: %v", w.ID, err)
			continue
		}
		w.dispatch(frame)
	}
}

// dispatch applies routing translation and hands the frame to the
// registry/pending layers, reconstructing original_source/src/brickd/
// usb_device.py's apply_routing_table_in + read_callback sequence.
func (w *Worker) dispatch(frame protocol.Frame) {
	switch {
	case frame.IsEnumerateCallback():
		if len(frame) < protocol.EnumerateCallbackLength {
			log.Printf("usbworker: %s: short enumeration callback frame (%d bytes), dropping", w.ID, len(frame))
			return
		}
		w.handleEnumerateCallback(frame)
	case frame.IsGetStackIDReply():
		if len(frame) <= protocol.OffsetGetStackIDReply {
			log.Printf("usbworker: %s: short get-stack-id reply frame (%d bytes), dropping", w.ID, len(frame))
			return
		}
		local := frame.GetStackIDReplyValue()
		frame.SetGetStackIDReplyValue(w.table.ToGlobal(local))
		frame.SetStackID(w.table.ToGlobal(frame.StackID()))
	case frame.IsBroadcast():
		// No other broadcast-shaped frame type exists in this protocol
		// version; pass it through unrewritten.
	default:
		w.table.ApplyIn(frame)
	}

	key := frame.RequestKey()
	global := frame.StackID()
	if sink, ok := w.pending.Pop(global, key); ok {
		sink.Deliver(frame)
		return
	}
	if frame.IsBroadcast() {
		w.registry.BroadcastToClients(frame)
		return
	}
	w.registry.DeliverToSubscribers(global, frame)
}

// handleEnumerateCallback implements spec.md §4.2's collision handling: a
// local stack id that now carries a different UID than the one occupying
// its mapped global slot means the brick's firmware reused an id (e.g. a
// master brick reset), or another brick's worker got there first with the
// same local id (every Master Brick stack starts numbering at 1, and one
// read goroutine per worker runs concurrently per spec.md §5), and the
// daemon must remap it to a fresh global id before the registry sees it.
//
// Collision-detect, allocate, and create happen as one atomic registry
// call so a second worker racing the same local id reliably observes the
// first worker's claim instead of both committing distinct devices under
// the same global id.
func (w *Worker) handleEnumerateCallback(frame protocol.Frame) {
	local := frame.EnumerateLocalStackID()
	uid := frame.EnumerateUID()
	candidate := w.table.ToGlobal(local)

	global, remapped, err := w.registry.ResolveEnumeration(w.ID, candidate, uid, frame.EnumerateName())
	if err != nil {
		log.Printf("usbworker: %s: global stack id space exhausted, dropping enumeration for local id %d", w.ID, local)
		return
	}
	if remapped {
		w.table.Remap(local, global)
	}

	frame.SetEnumerateStackID(global)
	frame.SetStackID(protocol.StackIDBroadcast)
}
