package protocol

import "encoding/binary"

// Reassembler turns an arbitrarily chunked TCP byte stream back into whole
// frames. It never splits or coalesces frames itself — a client may write
// one byte at a time or batch several frames into one write, and either
// way the Reassembler emits exactly the frames that were written, in order.
type Reassembler struct {
	buf []byte
}

// Feed appends a chunk of stream bytes and returns every frame that became
// complete as a result, in order. Each returned frame is an independent
// copy, safe to retain past the next Feed call.
func (r *Reassembler) Feed(chunk []byte) []Frame {
	r.buf = append(r.buf, chunk...)

	var frames []Frame
	for {
		if len(r.buf) < HeaderSize {
			break
		}
		length := int(binary.LittleEndian.Uint16(r.buf[2:4]))
		if length < HeaderSize || length > MaxFrameSize {
			// Malformed length field: the caller is expected to treat this
			// as a protocol violation and close the connection. We stop
			// emitting further frames from this buffer rather than guess.
			break
		}
		if len(r.buf) < length {
			break
		}
		frame := make(Frame, length)
		copy(frame, r.buf[:length])
		frames = append(frames, frame)
		r.buf = r.buf[length:]
	}
	// Compact so the backing array doesn't grow unbounded across many
	// small Feed calls once fully drained.
	if len(r.buf) == 0 {
		r.buf = nil
	}
	return frames
}

// Pending returns the number of bytes buffered waiting for the rest of a
// frame to arrive.
func (r *Reassembler) Pending() int { return len(r.buf) }

// Malformed reports whether the buffered bytes begin with a declared length
// outside [HeaderSize, MaxFrameSize] — a protocol violation the caller must
// react to by closing the connection (spec.md §4.6), since Feed will never
// make progress past it on its own.
func (r *Reassembler) Malformed() bool {
	if len(r.buf) < HeaderSize {
		return false
	}
	length := int(binary.LittleEndian.Uint16(r.buf[2:4]))
	return length < HeaderSize || length > MaxFrameSize
}
