// Package routing implements the per-device local<->global stack-id
// translation described in spec.md §3 and §4.2. Each USB device worker owns
// exactly one Table; only that worker ever mutates it.
package routing

// Table is a bidirectional mapping between a device's local stack-id space
// (as the brick reports it on the USB wire) and the daemon-wide global
// stack-id space exposed to TCP clients. Both directions start as the
// identity mapping and are grown only when a collision is detected.
type Table struct {
	in  [256]byte // in[local] = global
	out [256]byte // out[global] = local
}

// NewTable returns a Table initialized to the identity mapping in both
// directions.
func NewTable() *Table {
	t := &Table{}
	for i := 0; i < 256; i++ {
		t.in[i] = byte(i)
		t.out[i] = byte(i)
	}
	return t
}

// ToGlobal translates a local stack id to its current global id.
func (t *Table) ToGlobal(local byte) byte { return t.in[local] }

// ToLocal translates a global stack id back to the local id the device
// expects on the wire.
func (t *Table) ToLocal(global byte) byte { return t.out[global] }

// Remap points local at a newly chosen global id, used when a collision is
// resolved. It updates both directions so that the round-trip invariant
// (ToLocal(ToGlobal(local)) == local) keeps holding for the new pairing.
func (t *Table) Remap(local, global byte) {
	t.in[local] = global
	t.out[global] = local
}

// ApplyOut rewrites byte 0 of an outbound frame (client -> device) from
// global to local, in place.
func (t *Table) ApplyOut(data []byte) {
	data[0] = t.ToLocal(data[0])
}

// ApplyIn rewrites byte 0 of an inbound frame (device -> client) from local
// to global, in place. Callers handling the two special broadcast frame
// types (enumerate-callback, get-stack-id reply) must not call this —
// those carry the stack id to rewrite at a different offset and are
// handled by the caller directly against ToGlobal/Remap.
func (t *Table) ApplyIn(data []byte) {
	data[0] = t.ToGlobal(data[0])
}
