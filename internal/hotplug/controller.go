// Package hotplug discovers and retires brick USB devices. gousb exposes no
// hotplug-callback API anywhere in the reference corpus, so discovery is a
// polling diff against the currently tracked device set — the direct
// translation of original_source/src/brickd/usb_notifier.py's
// find_all_devices/notify_added/notify_removed loop.
package hotplug

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/gousb"

	"brickd/internal/pending"
	"brickd/internal/protocol"
	"brickd/internal/registry"
	"brickd/internal/usbworker"
)

// PollInterval is how often the controller re-scans the USB bus.
const PollInterval = 500 * time.Millisecond

// SettleDelay is how long a newly seen device is left alone before it is
// claimed, giving the kernel time to finish its own enumeration
// (original_source's usb_notifier applies a similar grace period).
const SettleDelay = 100 * time.Millisecond

// Controller owns the set of currently active usbworker.Workers and reacts
// to both new devices appearing and tracked ones disappearing.
type Controller struct {
	usbCtx   *gousb.Context
	registry *registry.Registry
	pending  *pending.Queues

	mu     sync.Mutex
	active map[string]*usbworker.Worker
}

func deviceID(bus, address int) string {
	return fmt.Sprintf("%03d:%03d", bus, address)
}

// New returns a Controller driving the given gousb context. The caller
// owns usbCtx's lifetime (close it after Run returns).
func New(usbCtx *gousb.Context, reg *registry.Registry, pend *pending.Queues) *Controller {
	return &Controller{
		usbCtx:   usbCtx,
		registry: reg,
		pending:  pend,
		active:   make(map[string]*usbworker.Worker),
	}
}

// Run polls for new and departed bricks until ctx is canceled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Deliberately does not close workers here: the supervisor
			// calls Shutdown explicitly so it can synthesize denumerate
			// broadcasts for each device before its worker disappears,
			// without racing this goroutine's own teardown.
			return
		case <-ticker.C:
			c.scan(ctx)
		}
	}
}

// scan opens every not-yet-tracked matching device, lets it settle, then
// hands it a worker. Devices that vanish are reaped by their own worker's
// onDead callback (a failed USB transfer is a reliable, immediate signal
// that a brick disappeared; no separate bus diff is needed for removal).
func (c *Controller) scan(ctx context.Context) {
	devices, err := c.usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor != usbworker.VendorID || desc.Product != usbworker.ProductID {
			return false
		}
		c.mu.Lock()
		_, tracked := c.active[deviceID(desc.Bus, desc.Address)]
		c.mu.Unlock()
		return !tracked
	})
	if err != nil {
		log.Printf("hotplug: scan: %v", err)
	}
	for _, dev := range devices {
		id := deviceID(dev.Desc.Bus, dev.Desc.Address)
		go c.adopt(ctx, id, dev)
	}
}

func (c *Controller) adopt(ctx context.Context, id string, dev *gousb.Device) {
	select {
	case <-time.After(SettleDelay):
	case <-ctx.Done():
		dev.Close()
		return
	}

	transport, err := usbworker.OpenUSBTransport(dev)
	if err != nil {
		log.Printf("hotplug: %s: claim failed: %v", id, err)
		dev.Close()
		return
	}

	w := usbworker.New(id, transport, c.registry, c.pending, c.onWorkerDead)

	c.mu.Lock()
	if _, exists := c.active[id]; exists {
		c.mu.Unlock()
		w.Close()
		return
	}
	c.active[id] = w
	c.mu.Unlock()

	log.Printf("hotplug: %s: claimed", id)
	w.Start(ctx)
}

// onWorkerDead tears a departed brick's devices out of the registry and
// announces their disappearance to every connected client, reconstructing
// usb_device.py's delete() broadcast.
func (c *Controller) onWorkerDead(id string) {
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()

	for _, dev := range c.registry.TearDownWorker(id) {
		frame := protocol.NewDenumerateBroadcast(dev.UID, dev.Name, dev.Global)
		c.registry.BroadcastToClients(frame)
	}
	log.Printf("hotplug: %s: removed", id)
}

// Shutdown closes every currently tracked worker and returns their worker
// ids, so the caller (the supervisor) can synthesize a denumerate broadcast
// for each device those workers owned before the records disappear. Safe
// to call more than once: a second call finds nothing tracked and closes
// nothing.
func (c *Controller) Shutdown() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.active))
	workers := make([]*usbworker.Worker, 0, len(c.active))
	for id, w := range c.active {
		ids = append(ids, id)
		workers = append(workers, w)
	}
	c.active = make(map[string]*usbworker.Worker)
	c.mu.Unlock()

	for _, w := range workers {
		w.Close()
	}
	return ids
}

// ActiveCount reports how many bricks are currently claimed, used by the
// status API.
func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// EnqueueTo hands a frame to a specific worker's outbound queue, used by
// the server for non-broadcast client frames addressed to a known device.
func (c *Controller) EnqueueTo(workerID string, f protocol.Frame) error {
	c.mu.Lock()
	w, ok := c.active[workerID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("hotplug: worker %s not active", workerID)
	}
	return w.Enqueue(f)
}

// BroadcastToDevices hands a frame to every currently claimed worker's
// outbound queue, reconstructing brick_protocol.py's handle_broadcast: a
// client broadcast is written to every physical device once, regardless of
// how many bricks that device's stack carries.
func (c *Controller) BroadcastToDevices(f protocol.Frame) {
	c.mu.Lock()
	workers := make([]*usbworker.Worker, 0, len(c.active))
	for _, w := range c.active {
		workers = append(workers, w)
	}
	c.mu.Unlock()
	for _, w := range workers {
		if err := w.Enqueue(f.Clone()); err != nil {
			log.Printf("hotplug: broadcast to %s: %v", w.ID, err)
		}
	}
}
