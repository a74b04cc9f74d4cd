// Package pending implements the per-(device, request_key) response
// pairing queue described in spec.md §3 and §4.5: a client frame routed to
// a specific device registers a delivery capability before the frame is
// enqueued for the USB write, and the device's eventual reply pops the
// oldest registration under the same key.
package pending

import (
	"log"
	"sync"

	"brickd/internal/registry"
)

// DefaultBound is the maximum number of outstanding registrations kept per
// key. spec.md §9 calls this cap out a configurable invariant rather than a
// hardcoded constant, so callers may override it via New.
const DefaultBound = 25

type key struct {
	global     byte
	requestKey [2]byte
}

// Queues is the process-wide (well, per-connection-set) table of pending
// response registrations. It is safe for concurrent use: the TCP goroutines
// register before enqueuing a write, and the USB worker's read pipeline
// pops on every inbound frame.
type Queues struct {
	bound int
	mu    sync.Mutex
	fifo  map[key][]registry.Sink
}

// New returns a Queues with the given per-key bound.
func New(bound int) *Queues {
	if bound <= 0 {
		bound = DefaultBound
	}
	return &Queues{bound: bound, fifo: make(map[key][]registry.Sink)}
}

// Register records sink as the delivery target for the next reply under
// (global, requestKey). Must be called before the corresponding frame is
// handed to the device's write queue, so the registration is visible by the
// time a reply could arrive (spec.md §4.5). On overflow the new
// registration is dropped and a warning logged; existing entries are left
// untouched (spec.md §7).
func (q *Queues) Register(global byte, requestKey [2]byte, sink registry.Sink) {
	k := key{global, requestKey}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.fifo[k]) >= q.bound {
		log.Printf("pending: queue for device %d key %v at bound %d, dropping new registration", global, requestKey, q.bound)
		return
	}
	q.fifo[k] = append(q.fifo[k], sink)
}

// Pop removes and returns the oldest registration under (global,
// requestKey), if any.
func (q *Queues) Pop(global byte, requestKey [2]byte) (registry.Sink, bool) {
	k := key{global, requestKey}
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.fifo[k]
	if len(entries) == 0 {
		return nil, false
	}
	sink := entries[0]
	if len(entries) == 1 {
		delete(q.fifo, k)
	} else {
		q.fifo[k] = entries[1:]
	}
	return sink, true
}

// RemoveSink drops every occurrence of sink from every key's queue, used
// when a client disconnects (spec.md §4.6). Best-effort: entries already
// popped are untouched, matching the "stale entry discarded by delivery"
// policy.
func (q *Queues) RemoveSink(sink registry.Sink) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for k, entries := range q.fifo {
		filtered := entries[:0:0]
		for _, s := range entries {
			if s != sink {
				filtered = append(filtered, s)
			}
		}
		if len(filtered) == 0 {
			delete(q.fifo, k)
		} else {
			q.fifo[k] = filtered
		}
	}
}
