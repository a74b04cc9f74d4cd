// Package protocol implements the binary frame format spoken on both the
// USB bulk endpoints and the TCP client sockets.
//
// Frame layout, little-endian where multi-byte:
//
//	offset 0: stack id   (1 byte, 0 = broadcast/enumeration)
//	offset 1: type       (1 byte)
//	offset 2: length     (2 bytes, total frame length including header)
//	offset 4: payload    (length-4 bytes)
package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the number of bytes before the payload begins.
	HeaderSize = 4

	// MaxFrameSize is the largest frame the USB endpoints will carry.
	MaxFrameSize = 64

	// StackIDBroadcast is the reserved stack id for broadcast/enumeration
	// traffic. It is never a valid global or local device stack id.
	StackIDBroadcast = 0

	// TypeEnumerate is the outbound request a worker sends on open to
	// discover the devices present in its stack.
	TypeEnumerate = 254

	// TypeEnumerateCallback is the per-device reply to TypeEnumerate, and
	// is also the shape the synthetic "device gone" broadcast reuses.
	TypeEnumerateCallback = 253

	// TypeGetStackID is the subscription control message: a client sends
	// this with a UID payload to subscribe to a brick's unsolicited frames.
	TypeGetStackID = 255

	// enumerate-callback payload offsets, relative to the start of the frame.
	offsetEnumerateUID     = 4
	offsetEnumerateName    = 12
	offsetEnumerateStackID = 52
	offsetEnumerateDenum   = 53
	lenEnumerateUID        = 8
	lenEnumerateName       = 40

	// EnumerateCallbackLength is the minimum length a type-253 enumeration
	// callback (or the synthetic denumerate broadcast, which reuses the same
	// layout) must carry before its fixed-offset fields can be read safely.
	EnumerateCallbackLength = offsetEnumerateDenum + 1 // 54 bytes, no CRC trailer modeled here

	// OffsetGetStackIDReply is the byte offset of the stack id a type-255
	// reply carries. A frame must have at least OffsetGetStackIDReply+1
	// bytes before GetStackIDReplyValue/SetGetStackIDReplyValue are safe.
	OffsetGetStackIDReply = 55
)

// Frame is a decoded view over a frame's bytes. It never copies the
// underlying slice; callers that need to retain a frame past the
// lifetime of the buffer it was parsed from must clone it themselves.
type Frame []byte

// Parse validates and wraps a complete frame. It returns an error if the
// declared length disagrees with the number of bytes supplied, or if the
// frame violates the 4..MaxFrameSize bound.
func Parse(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("protocol: frame too short: %d bytes", len(data))
	}
	length := binary.LittleEndian.Uint16(data[2:4])
	if length < HeaderSize || length > MaxFrameSize {
		return nil, fmt.Errorf("protocol: declared length %d out of bounds [%d,%d]", length, HeaderSize, MaxFrameSize)
	}
	if int(length) != len(data) {
		return nil, fmt.Errorf("protocol: declared length %d does not match buffer length %d", length, len(data))
	}
	return Frame(data), nil
}

// StackID returns the first header byte.
func (f Frame) StackID() byte { return f[0] }

// SetStackID overwrites the first header byte in place.
func (f Frame) SetStackID(id byte) { f[0] = id }

// Type returns the frame's function type.
func (f Frame) Type() byte { return f[1] }

// Length returns the declared total frame length.
func (f Frame) Length() uint16 { return binary.LittleEndian.Uint16(f[2:4]) }

// Payload returns the bytes after the header.
func (f Frame) Payload() []byte { return f[HeaderSize:] }

// RequestKey returns the first two header bytes (stack id, type), used to
// pair a device response back to the client request that caused it.
func (f Frame) RequestKey() [2]byte { return [2]byte{f[0], f[1]} }

// Clone returns an independent copy of the frame's bytes.
func (f Frame) Clone() Frame {
	out := make(Frame, len(f))
	copy(out, f)
	return out
}

// IsBroadcast reports whether the frame targets stack id 0.
func (f Frame) IsBroadcast() bool { return f.StackID() == StackIDBroadcast }

// IsEnumerateCallback reports whether this is a type-253 enumeration
// callback on the broadcast stack id.
func (f Frame) IsEnumerateCallback() bool {
	return f.IsBroadcast() && f.Type() == TypeEnumerateCallback
}

// IsGetStackIDReply reports whether this is a type-255 reply on the
// broadcast stack id.
func (f Frame) IsGetStackIDReply() bool {
	return f.IsBroadcast() && f.Type() == TypeGetStackID
}

// EnumerateUID extracts the 8-byte UID from an enumeration-callback frame.
// Callers must first check IsEnumerateCallback (or equivalent length).
func (f Frame) EnumerateUID() [8]byte {
	var uid [8]byte
	copy(uid[:], f[offsetEnumerateUID:offsetEnumerateUID+lenEnumerateUID])
	return uid
}

// EnumerateName extracts the (NUL-padded) 40-byte name field and trims
// trailing NUL bytes.
func (f Frame) EnumerateName() string {
	raw := f[offsetEnumerateName : offsetEnumerateName+lenEnumerateName]
	end := len(raw)
	for end > 0 && raw[end-1] == 0 {
		end--
	}
	return string(raw[:end])
}

// EnumerateLocalStackID returns the local stack id embedded at byte 52 of
// an enumeration-callback frame.
func (f Frame) EnumerateLocalStackID() byte { return f[offsetEnumerateStackID] }

// SetEnumerateStackID rewrites byte 52, used when translating a device's
// local stack id to its daemon-global id before forwarding to clients.
func (f Frame) SetEnumerateStackID(id byte) { f[offsetEnumerateStackID] = id }

// GetStackIDReplyValue returns the stack id a type-255 reply carries at
// byte 55.
func (f Frame) GetStackIDReplyValue() byte { return f[OffsetGetStackIDReply] }

// SetGetStackIDReplyValue rewrites byte 55 of a type-255 reply.
func (f Frame) SetGetStackIDReplyValue(id byte) { f[OffsetGetStackIDReply] = id }

// NewEnumerateRequest builds the 4-byte outbound enumerate request a worker
// sends on open: stack id 0, type 254, length 4, no payload.
func NewEnumerateRequest() Frame {
	f := make(Frame, HeaderSize)
	f[0] = StackIDBroadcast
	f[1] = TypeEnumerate
	binary.LittleEndian.PutUint16(f[2:4], HeaderSize)
	return f
}

// NewDenumerateBroadcast builds the synthetic "device gone" frame delivered
// to every client when a brick disappears. Its payload layout mirrors the
// enumeration-callback frame exactly, with the boolean at offset 53 set to
// false to signal denumerate (this offset and shape are taken directly from
// the original brickd implementation's USBDevice.delete()).
func NewDenumerateBroadcast(uid [8]byte, name string, globalStackID byte) Frame {
	f := make(Frame, EnumerateCallbackLength)
	f[0] = StackIDBroadcast
	f[1] = TypeEnumerateCallback
	binary.LittleEndian.PutUint16(f[2:4], EnumerateCallbackLength)
	copy(f[offsetEnumerateUID:offsetEnumerateUID+lenEnumerateUID], uid[:])
	var nameBuf [lenEnumerateName]byte
	copy(nameBuf[:], name)
	copy(f[offsetEnumerateName:offsetEnumerateName+lenEnumerateName], nameBuf[:])
	f[offsetEnumerateStackID] = globalStackID
	f[offsetEnumerateDenum] = 0 // false: this brick has gone away
	return f
}
