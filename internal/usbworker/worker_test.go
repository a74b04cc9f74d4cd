package usbworker

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"brickd/internal/pending"
	"brickd/internal/protocol"
	"brickd/internal/registry"
)

// fakeTransport is an in-memory brick: reads are served from a channel the
// test feeds, writes land in a channel the test can drain or leave full to
// exercise backpressure.
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
}

func newFakeTransport(outBuf int) *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, outBuf),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f, ok := <-t.in:
		if !ok {
			return nil, errors.New("fake transport: device gone")
		}
		return f, nil
	case <-t.closed:
		return nil, errors.New("fake transport: closed")
	}
}

func (t *fakeTransport) WriteFrame(ctx context.Context, frame []byte) error {
	select {
	case t.out <- append([]byte(nil), frame...):
		return nil
	case <-t.closed:
		return errors.New("fake transport: closed")
	}
}

func (t *fakeTransport) Close() error {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	return nil
}

func enumerateCallback(uid [8]byte, name string, localStackID byte) []byte {
	f := make([]byte, 54)
	f[0] = 0
	f[1] = protocol.TypeEnumerateCallback
	binary.LittleEndian.PutUint16(f[2:4], 54)
	copy(f[4:12], uid[:])
	copy(f[12:52], name)
	f[52] = localStackID
	f[53] = 1 // present (not a denumerate)
	return f
}

type recordingSink struct{ frames []protocol.Frame }

func (s *recordingSink) Deliver(f protocol.Frame) { s.frames = append(s.frames, f) }

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestWorkerEnumerateCallbackRegistersDeviceAndBroadcasts(t *testing.T) {
	reg := registry.New()
	client := &recordingSink{}
	reg.AddClient("c1", client)

	tr := newFakeTransport(8)
	w := New("bus1", tr, reg, pending.New(pending.DefaultBound), nil)
	w.Start(context.Background())
	defer w.Close()

	// drain the auto-sent enumerate request
	<-tr.out

	uid := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	tr.in <- enumerateCallback(uid, "Master Brick", 1)

	waitFor(t, "device registered", func() bool { return reg.DeviceCount() == 1 })
	waitFor(t, "client got callback", func() bool { return len(client.frames) == 1 })

	dev, ok := reg.DeviceByGlobal(1)
	if !ok || dev.UID != uid || dev.Name != "Master Brick" {
		t.Fatalf("device not registered as expected: %+v ok=%v", dev, ok)
	}
}

func TestWorkerPendingResponseBypassesBroadcast(t *testing.T) {
	reg := registry.New()
	broadcastClient := &recordingSink{}
	reg.AddClient("c1", broadcastClient)
	reg.CreateDevice("bus1", 5, [8]byte{9}, "Stepper")

	pend := pending.New(pending.DefaultBound)
	specific := &recordingSink{}
	pend.Register(5, [2]byte{5, 10}, specific)

	tr := newFakeTransport(8)
	w := New("bus1", tr, reg, pend, nil)
	w.Start(context.Background())
	defer w.Close()
	<-tr.out

	reply := make([]byte, 8)
	reply[0] = 5 // already-local==global in identity table
	reply[1] = 10
	binary.LittleEndian.PutUint16(reply[2:4], 8)
	tr.in <- reply

	waitFor(t, "pending sink delivered", func() bool { return len(specific.frames) == 1 })
	if len(broadcastClient.frames) != 0 {
		t.Fatalf("expected no broadcast fanout when a pending registration claims the reply")
	}
}

func TestWorkerUnsolicitedFansOutToSubscribers(t *testing.T) {
	reg := registry.New()
	uid := [8]byte{1}
	reg.CreateDevice("bus1", 5, uid, "Stepper")
	sub := &recordingSink{}
	reg.SubscribeByUID(uid, "c1", sub)

	tr := newFakeTransport(8)
	w := New("bus1", tr, reg, pending.New(pending.DefaultBound), nil)
	w.Start(context.Background())
	defer w.Close()
	<-tr.out

	unsolicited := make([]byte, 8)
	unsolicited[0] = 5
	unsolicited[1] = 20
	binary.LittleEndian.PutUint16(unsolicited[2:4], 8)
	tr.in <- unsolicited

	waitFor(t, "subscriber delivered", func() bool { return len(sub.frames) == 1 })
}

func TestWorkerWriteBackpressureBlocksUntilDrained(t *testing.T) {
	reg := registry.New()
	tr := newFakeTransport(0) // unbuffered: a write blocks until something reads it
	w := New("bus1", tr, reg, pending.New(pending.DefaultBound), nil)
	w.Start(context.Background())
	defer w.Close()
	<-tr.out // drain the auto-enumerate so the pipeline starts empty

	// The queue (capacity WriteQueueSize) plus the one frame the writer
	// pulls out and blocks trying to hand to the transport absorb
	// WriteQueueSize+1 enqueues without blocking the caller.
	frame, _ := protocol.Parse([]byte{1, 1, 4, 0})
	for i := 0; i < WriteQueueSize+1; i++ {
		if err := w.Enqueue(frame.Clone()); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	done := make(chan struct{})
	go func() {
		w.Enqueue(frame.Clone())
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("enqueue should have blocked under backpressure")
	case <-time.After(50 * time.Millisecond):
	}

	<-tr.out // let the writer hand off its stuck frame, freeing a slot
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("enqueue never unblocked after drain")
	}
}

// shortSpecialFrame builds a well-formed-per-Parse frame (4..64 bytes, a
// device is free to send a truncated reply) that is nonetheless too short
// for the named special-frame accessor's fixed offsets.
func shortSpecialFrame(typ byte, length int) []byte {
	f := make([]byte, length)
	f[0] = 0
	f[1] = typ
	binary.LittleEndian.PutUint16(f[2:4], uint16(length))
	return f
}

func TestWorkerDropsShortEnumerateCallbackFrameInsteadOfPanicking(t *testing.T) {
	reg := registry.New()
	tr := newFakeTransport(8)
	w := New("bus1", tr, reg, pending.New(pending.DefaultBound), nil)
	w.Start(context.Background())
	defer w.Close()
	<-tr.out

	tr.in <- shortSpecialFrame(protocol.TypeEnumerateCallback, 10) // < EnumerateCallbackLength

	// Follow with a well-formed callback: if the short frame had wedged or
	// crashed the read loop, this would never be observed.
	uid := [8]byte{1, 2, 3}
	tr.in <- enumerateCallback(uid, "Master Brick", 1)
	waitFor(t, "device registered after short frame was dropped", func() bool { return reg.DeviceCount() == 1 })
	if !w.Alive() {
		t.Fatalf("worker died handling a short enumeration callback frame")
	}
}

func TestWorkerDropsShortGetStackIDReplyFrameInsteadOfPanicking(t *testing.T) {
	reg := registry.New()
	tr := newFakeTransport(8)
	w := New("bus1", tr, reg, pending.New(pending.DefaultBound), nil)
	w.Start(context.Background())
	defer w.Close()
	<-tr.out

	tr.in <- shortSpecialFrame(protocol.TypeGetStackID, 10) // < OffsetGetStackIDReply+1

	uid := [8]byte{4, 5, 6}
	tr.in <- enumerateCallback(uid, "Master Brick", 1)
	waitFor(t, "device registered after short frame was dropped", func() bool { return reg.DeviceCount() == 1 })
	if !w.Alive() {
		t.Fatalf("worker died handling a short get-stack-id reply frame")
	}
}

func TestWorkerDiesOnTransportFailureAndNotifies(t *testing.T) {
	reg := registry.New()
	tr := newFakeTransport(8)
	notified := make(chan string, 1)
	w := New("bus1", tr, reg, pending.New(pending.DefaultBound), func(id string) { notified <- id })
	w.Start(context.Background())
	<-tr.out

	close(tr.in) // simulate the read pump observing device loss

	waitFor(t, "worker marked dead", func() bool { return !w.Alive() })
	select {
	case id := <-notified:
		if id != "bus1" {
			t.Fatalf("got onDead(%q), want bus1", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("onDead never called")
	}
	w.Close()
}
