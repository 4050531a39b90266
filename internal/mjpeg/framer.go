// Package mjpeg reconstitutes discrete JPEG images from a continuous byte
// stream, the way multipart MJPEG sources deliver them.
package mjpeg

import "bytes"

var (
	soiMarker = []byte{0xff, 0xd8} // start of image
	eoiMarker = []byte{0xff, 0xd9} // end of image
)

// Framer accumulates stream chunks and emits complete JPEG buffers, start
// and end markers included. It has no knowledge of the transport and accepts
// arbitrary chunk boundaries, including boundaries inside a marker. Memory
// is bounded by the largest single frame in flight.
type Framer struct {
	buf     []byte
	inFrame bool
	scanned int // how far the EOI scan has progressed, to avoid rescans
}

// NewFramer creates an empty framer.
func NewFramer() *Framer {
	return &Framer{}
}

// Write appends one chunk and returns every complete JPEG now available, in
// stream order. Returned slices are copies and stay valid across later
// writes. A frame is never emitted before its end marker has been seen, and
// no byte is ever emitted twice.
func (f *Framer) Write(chunk []byte) [][]byte {
	f.buf = append(f.buf, chunk...)

	var frames [][]byte
	for {
		if !f.inFrame {
			i := bytes.Index(f.buf, soiMarker)
			if i < 0 {
				// A marker may straddle the chunk boundary; keep the
				// last byte in case it is the 0xff half.
				if len(f.buf) > 1 {
					f.buf = f.buf[len(f.buf)-1:]
				}
				return frames
			}
			// Discard any garbage ahead of the start marker.
			f.buf = f.buf[i:]
			f.inFrame = true
			f.scanned = len(soiMarker)
		}

		j := bytes.Index(f.buf[f.scanned:], eoiMarker)
		if j < 0 {
			// Resume the next scan one byte back, the 0xff half of the
			// end marker may be the last byte we have.
			f.scanned = len(f.buf) - 1
			if f.scanned < len(soiMarker) {
				f.scanned = len(soiMarker)
			}
			return frames
		}

		end := f.scanned + j + len(eoiMarker)
		frame := make([]byte, end)
		copy(frame, f.buf[:end])
		frames = append(frames, frame)

		f.buf = f.buf[end:]
		f.inFrame = false
		f.scanned = 0
	}
}

// Reset drops all buffered state. Used when a stream restarts.
func (f *Framer) Reset() {
	f.buf = nil
	f.inFrame = false
	f.scanned = 0
}
