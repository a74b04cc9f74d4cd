// Package registry holds the process-wide device table and connected
// client list described in spec.md §3. It is owned by the supervisor and
// threaded explicitly into every subsystem that needs it — nothing reaches
// it ambiently.
//
// Mutation discipline (spec.md §5): the client list and subscriber sets are
// mutated only from the TCP server goroutines (client add/remove,
// subscriptions); device records are created by USB workers on enumeration
// (ResolveEnumeration) and removed by the hotplug controller and supervisor
// (TearDownWorker). USB workers otherwise only read the registry to fan out
// frames and never touch subscriber sets or the client list.
package registry

import (
	"fmt"
	"sync"

	"brickd/internal/protocol"
)

// Sink is the narrow "deliver a frame to this client" capability. It is the
// single primitive crossing the USB-worker-goroutine -> TCP-client-goroutine
// boundary described in spec.md §9.
type Sink interface {
	Deliver(f protocol.Frame)
}

// Device is one brick's registry record, keyed by its daemon-global stack
// id. WorkerID is a lookup key, never an owning reference — tearing a
// worker down is the hotplug controller's job, driven by WorkerID, not by
// a method call through this record.
type Device struct {
	WorkerID    string
	Global      byte
	UID         [8]byte
	Name        string
	subscribers map[string]Sink
}

// Registry is the process-wide device table plus client list. All methods
// are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	devices map[byte]*Device   // global stack id -> record
	owned   map[string][]byte  // worker id -> global ids it currently owns
	clients map[string]Sink    // connection id -> delivery capability
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		devices: make(map[byte]*Device),
		owned:   make(map[string][]byte),
		clients: make(map[string]Sink),
	}
}

// AddClient registers a newly accepted TCP connection.
func (r *Registry) AddClient(id string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[id] = sink
}

// RemoveClient drops a disconnected client from the global list and from
// every device's subscriber set. Best-effort: a stale delivery reference
// already popped from a pending-response queue is simply discarded by the
// delivery layer, per spec.md §4.6.
func (r *Registry) RemoveClient(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
	for _, dev := range r.devices {
		delete(dev.subscribers, id)
	}
}

// Clients returns a snapshot of every connected client's delivery
// capability, used to fan broadcast frames out to everyone.
func (r *Registry) Clients() []Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sink, 0, len(r.clients))
	for _, sink := range r.clients {
		out = append(out, sink)
	}
	return out
}

// ClientCount reports how many clients are currently connected.
func (r *Registry) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// DeviceByGlobal looks up a device record by its global stack id.
func (r *Registry) DeviceByGlobal(global byte) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[global]
	return dev, ok
}

// AllocateGlobalID scans 1..254 for a global stack id not currently in use.
// It makes no reservation: the id it returns is free only at the instant
// the lock is held, and another goroutine can claim it before the caller
// acts on the result. Callers that need allocate-then-claim to be atomic
// must use ResolveEnumeration instead. Returns ok=false if the space is
// exhausted (spec.md §4.2/§7: log at error, drop the enumeration callback,
// the device stays partially invisible).
func (r *Registry) AllocateGlobalID() (byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocateLocked()
}

// allocateLocked is AllocateGlobalID's body, callable from within another
// method that already holds r.mu.
func (r *Registry) allocateLocked() (byte, bool) {
	for id := 1; id < 255; id++ {
		if _, taken := r.devices[byte(id)]; !taken {
			return byte(id), true
		}
	}
	return 0, false
}

// CreateDevice installs a new device record under global, owned by
// workerID. Global id 0 is never a valid key; callers must not pass it.
func (r *Registry) CreateDevice(workerID string, global byte, uid [8]byte, name string) error {
	if global == protocol.StackIDBroadcast {
		return fmt.Errorf("registry: refusing to register device at broadcast id 0")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[global]; exists {
		return fmt.Errorf("registry: global id %d already registered", global)
	}
	r.devices[global] = &Device{
		WorkerID:    workerID,
		Global:      global,
		UID:         uid,
		Name:        name,
		subscribers: make(map[string]Sink),
	}
	r.owned[workerID] = append(r.owned[workerID], global)
	return nil
}

// ResolveEnumeration performs collision-detection, allocation, and
// registration for an enumeration callback as a single atomic operation.
// candidateGlobal is the global id the worker's routing table currently
// maps the device's local stack id to (ordinarily the identity mapping).
//
// Every USB worker runs its own read goroutine concurrently (spec.md §5),
// so two bricks enumerating at the same local id race this exact check;
// doing detect+allocate+create under one lock hold, instead of three
// separate registry calls, is what makes the second worker's collision
// reliably observed instead of both workers racing CreateDevice directly.
//
// If no device is registered at candidateGlobal, it registers uid/name
// there and returns (candidateGlobal, false, nil). If a device is already
// registered there with the same UID, this is a re-announcement of a
// device already known and nothing changes: it returns (candidateGlobal,
// false, nil) without error. If a different UID occupies candidateGlobal,
// a fresh id is allocated and registered instead, and remapped=true tells
// the caller to update its routing table's local->global mapping.
func (r *Registry) ResolveEnumeration(workerID string, candidateGlobal byte, uid [8]byte, name string) (assigned byte, remapped bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	assigned = candidateGlobal
	if dev, ok := r.devices[assigned]; ok {
		if dev.UID == uid {
			return assigned, false, nil
		}
		fresh, ok := r.allocateLocked()
		if !ok {
			return 0, false, fmt.Errorf("registry: global stack id space exhausted")
		}
		assigned = fresh
		remapped = true
	}

	if _, exists := r.devices[assigned]; !exists {
		r.devices[assigned] = &Device{
			WorkerID:    workerID,
			Global:      assigned,
			UID:         uid,
			Name:        name,
			subscribers: make(map[string]Sink),
		}
		r.owned[workerID] = append(r.owned[workerID], assigned)
	}
	return assigned, remapped, nil
}

// SubscribeByUID implements the "get stack id" control message (spec.md
// §4.4): every device record whose UID matches gets the client's delivery
// capability added to its subscriber set. Duplicate subscriptions from the
// same client are no-ops. Returns the number of devices subscribed to.
func (r *Registry) SubscribeByUID(uid [8]byte, clientID string, sink Sink) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, dev := range r.devices {
		if dev.UID == uid {
			dev.subscribers[clientID] = sink
			n++
		}
	}
	return n
}

// DeliverToSubscribers fans an unsolicited frame out to every client
// subscribed to the given device.
func (r *Registry) DeliverToSubscribers(global byte, f protocol.Frame) {
	r.mu.Lock()
	dev, ok := r.devices[global]
	var sinks []Sink
	if ok {
		sinks = make([]Sink, 0, len(dev.subscribers))
		for _, s := range dev.subscribers {
			sinks = append(sinks, s)
		}
	}
	r.mu.Unlock()
	for _, s := range sinks {
		s.Deliver(f)
	}
}

// BroadcastToClients fans a frame out to every connected TCP client,
// regardless of subscription — used for true broadcasts (stack id 0
// unsolicited frames) and for the synthetic denumerate announcement.
func (r *Registry) BroadcastToClients(f protocol.Frame) {
	for _, sink := range r.Clients() {
		sink.Deliver(f)
	}
}

// TearDownWorker removes every device owned by workerID and returns their
// records, so the caller (hotplug controller) can synthesize "device gone"
// broadcasts before the records disappear. Safe to call twice: the second
// call finds nothing owned and returns nil, satisfying shutdown
// idempotence (spec.md §5).
func (r *Registry) TearDownWorker(workerID string) []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	globals := r.owned[workerID]
	delete(r.owned, workerID)
	out := make([]*Device, 0, len(globals))
	for _, g := range globals {
		if dev, ok := r.devices[g]; ok {
			out = append(out, dev)
			delete(r.devices, g)
		}
	}
	return out
}

// DeviceCount reports how many devices are currently registered, used for
// the uniqueness invariant in tests and the status API.
func (r *Registry) DeviceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// Snapshot returns a point-in-time copy of global id -> UID/name, for the
// read-only status API. It never exposes subscriber sinks.
func (r *Registry) Snapshot() map[byte]struct {
	UID  [8]byte
	Name string
} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[byte]struct {
		UID  [8]byte
		Name string
	}, len(r.devices))
	for id, dev := range r.devices {
		out[id] = struct {
			UID  [8]byte
			Name string
		}{UID: dev.UID, Name: dev.Name}
	}
	return out
}
