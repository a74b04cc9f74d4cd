package usbworker

import (
	"context"
	"fmt"

	"github.com/google/gousb"

	"brickd/internal/protocol"
)

// VendorID and ProductID identify a Tinkerforge brick's USB interface
// (original_source/src/brickd/config.py).
const (
	VendorID     = gousb.ID(0x16D0)
	ProductID    = gousb.ID(0x063D)
	configNumber = 1
	ifaceNumber  = 0
	ifaceAlt     = 0
	inEndpoint   = 0x84
	outEndpoint  = 0x05

	// NumReadTransfer and NumWriteTransfer mirror brickd's
	// NUM_READ_TRANSFER / NUM_WRITE_TRANSFER: the number of bulk transfers
	// gousb keeps pipelined on each direction.
	NumReadTransfer  = 5
	NumWriteTransfer = 5
)

// usbTransport drives a brick's bulk endpoints through gousb's streaming
// API. gousb has no libusb1-style per-transfer callback surface; Stream is
// its idiomatic equivalent of a pool of pipelined transfers, and its
// Read/Write blocking behavior is exactly the backpressure spec.md asks the
// write side to exhibit.
type usbTransport struct {
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	reads  *gousb.ReadStream
	writes *gousb.WriteStream
}

// OpenUSBTransport claims the device's bulk interface and starts the
// read/write transfer pipelines.
func OpenUSBTransport(dev *gousb.Device) (Transport, error) {
	if err := dev.SetAutoDetach(true); err != nil {
		return nil, fmt.Errorf("usbworker: set auto detach: %w", err)
	}
	cfg, err := dev.Config(configNumber)
	if err != nil {
		return nil, fmt.Errorf("usbworker: claim config %d: %w", configNumber, err)
	}
	intf, err := cfg.Interface(ifaceNumber, ifaceAlt)
	if err != nil {
		cfg.Close()
		return nil, fmt.Errorf("usbworker: claim interface %d: %w", ifaceNumber, err)
	}
	in, err := intf.InEndpoint(inEndpoint)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, fmt.Errorf("usbworker: open in-endpoint: %w", err)
	}
	out, err := intf.OutEndpoint(outEndpoint)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, fmt.Errorf("usbworker: open out-endpoint: %w", err)
	}
	reads, err := in.NewStream(protocol.MaxFrameSize, NumReadTransfer)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, fmt.Errorf("usbworker: start read stream: %w", err)
	}
	writes, err := out.NewStream(protocol.MaxFrameSize, NumWriteTransfer)
	if err != nil {
		reads.Close()
		intf.Close()
		cfg.Close()
		return nil, fmt.Errorf("usbworker: start write stream: %w", err)
	}
	return &usbTransport{dev: dev, cfg: cfg, intf: intf, reads: reads, writes: writes}, nil
}

func (t *usbTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	buf := make([]byte, protocol.MaxFrameSize)
	n, err := t.reads.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (t *usbTransport) WriteFrame(ctx context.Context, frame []byte) error {
	_, err := t.writes.Write(frame)
	return err
}

func (t *usbTransport) Close() error {
	t.reads.Close()
	t.writes.Close()
	t.intf.Close()
	t.cfg.Close()
	return t.dev.Close()
}
