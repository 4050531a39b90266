package relay

import (
	"context"
	"errors"
	"io"

	"screenrelay/pkg/protocol"
)

// ErrSourceUnavailable means a capture source failed to start. The engine
// reacts by failing over to the fallback path, or by entering the error
// state if no fallback exists.
var ErrSourceUnavailable = errors.New("relay: capture source unavailable")

// VideoParams are the negotiated parameters of a capture source.
type VideoParams struct {
	Codec     protocol.Codec
	Width     int
	Height    int
	FrameRate float64
}

// RecordType discriminates the records a VideoSource emits.
type RecordType int

const (
	// RecordConfiguration carries codec configuration bytes (SPS/PPS).
	RecordConfiguration RecordType = iota
	// RecordData carries one encoded frame.
	RecordData
	// RecordResize announces new stream dimensions, e.g. device rotation.
	RecordResize
)

// Record is one unit of a structured video source's output.
type Record struct {
	Type     RecordType
	Bytes    []byte
	Keyframe bool
	PTS      int64

	// New dimensions, set on RecordResize only.
	Width  int
	Height int
}

// VideoSource is a structured H.264 capture source: negotiate once, then
// consume the record stream until it closes on disconnect. The sequence is
// lazy and not restartable; a reconnect needs a fresh source.
type VideoSource interface {
	// Negotiate opens the source and returns its stream parameters. Returns
	// an error wrapping ErrSourceUnavailable when capture cannot start.
	Negotiate(ctx context.Context) (VideoParams, error)

	// Records returns the record stream. The channel is closed when the
	// source disconnects. Only valid after a successful Negotiate.
	Records() <-chan Record

	// Close releases the source and unblocks the record stream.
	Close() error
}

// ByteSource is a continuous MJPEG byte-stream capture source. The stream
// carries back-to-back JPEG images that the engine runs through the framer.
type ByteSource interface {
	// Open starts capture and returns the byte stream. Returns an error
	// wrapping ErrSourceUnavailable when capture cannot start.
	Open(ctx context.Context) (io.ReadCloser, error)

	// Params returns the source's codec, dimensions and frame rate.
	Params() VideoParams
}

// Poller is the fallback capture path: one screenshot per call, driven at a
// fixed cadence by the engine.
type Poller interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// Capture bundles the production paths available for one device. Video and
// Bytes are the primary candidates (Video preferred); Poll is the fallback.
// Any of the three may be nil.
type Capture struct {
	Video VideoSource
	Bytes ByteSource
	Poll  Poller
}

// Automation executes control commands against one device. The payload is
// opaque to the relay and passed through verbatim.
type Automation interface {
	Execute(ctx context.Context, deviceID, action string, payload []byte) error
}
