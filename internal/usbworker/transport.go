package usbworker

import "context"

// Transport abstracts the USB bulk endpoints a worker drives. The
// gousb-backed implementation lives in transport_usb.go; tests exercise
// the worker against an in-memory fake that behaves like a brick.
type Transport interface {
	// ReadFrame blocks until one complete frame (the brick always emits
	// exactly one frame per IN completion, spec.md §4.1) is available, ctx
	// is canceled, or the device is lost.
	ReadFrame(ctx context.Context) ([]byte, error)

	// WriteFrame submits frame on the OUT endpoint. It may block when the
	// pipeline of in-flight write transfers is full — that blocking is the
	// daemon's only backpressure valve (spec.md §4.3, §5).
	WriteFrame(ctx context.Context, frame []byte) error

	// Close cancels outstanding transfers and releases the device.
	Close() error
}
