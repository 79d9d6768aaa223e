package codec

import "encoding/binary"

// MaxFrameSize bounds a single payload, excluding the 4-byte length prefix
// itself (spec.md §4.7).
const MaxFrameSize = 16 * 1024 * 1024

const lengthPrefixSize = 4

// Frame prepends payload with a 4-byte big-endian length prefix. Returns
// FrameTooLargeError if payload exceeds MaxFrameSize.
func Frame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, &FrameTooLargeError{Size: len(payload)}
	}
	out := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(out[:lengthPrefixSize], uint32(len(payload)))
	copy(out[lengthPrefixSize:], payload)
	return out, nil
}

// FrameDecoder incrementally extracts complete frames from a byte stream
// that may deliver fragmented or coalesced TCP reads (spec.md §4.8 "Receive
// path"). It is single-reader: callers push bytes as they arrive and drain
// whatever complete frames are currently buffered.
type FrameDecoder struct {
	buf []byte
}

// NewFrameDecoder creates an empty decoder.
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{}
}

// Push appends newly-read bytes and returns every complete frame payload
// now available, in arrival order. Incomplete trailing bytes are retained
// for the next call. A frame whose declared length exceeds MaxFrameSize is
// a protocol violation and returns FrameTooLargeError; the caller decides
// whether that closes the connection.
func (d *FrameDecoder) Push(data []byte) ([][]byte, error) {
	d.buf = append(d.buf, data...)

	var frames [][]byte
	for {
		if len(d.buf) < lengthPrefixSize {
			return frames, nil
		}
		size := binary.BigEndian.Uint32(d.buf[:lengthPrefixSize])
		if size > MaxFrameSize {
			return frames, &FrameTooLargeError{Size: int(size)}
		}
		total := lengthPrefixSize + int(size)
		if len(d.buf) < total {
			return frames, nil
		}
		frame := make([]byte, size)
		copy(frame, d.buf[lengthPrefixSize:total])
		frames = append(frames, frame)
		d.buf = d.buf[total:]
	}
}

// Pending returns the number of buffered-but-incomplete bytes, for
// diagnostics/tests.
func (d *FrameDecoder) Pending() int { return len(d.buf) }
