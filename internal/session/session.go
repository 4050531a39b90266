// Package session holds the authoritative map from device id to live relay
// state: at most one producer connection, any number of consumer
// connections, and the cached stream metadata late joiners need.
package session

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"screenrelay/pkg/protocol"
)

// ErrSessionNotFound is returned for operations referencing an unknown
// device id. It is reported to the caller and never fatal to the registry.
var ErrSessionNotFound = errors.New("session: not found")

// Conn is the write side of one peer connection. Implementations must be
// safe for concurrent writes.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

// CaptureMode names which production path is feeding a session.
type CaptureMode string

const (
	CaptureModeNone     CaptureMode = "none"
	CaptureModePrimary  CaptureMode = "primary"
	CaptureModeFallback CaptureMode = "fallback"
)

// consumerBuffer is the per-consumer outbound queue depth. A consumer whose
// queue is full is skipped for that broadcast, never awaited.
const consumerBuffer = 64

type consumer struct {
	id   string
	conn Conn
	ch   chan []byte
}

// run drains the consumer's queue onto its socket. It exits when the queue
// is closed by detach, or detaches itself when the socket write fails. The
// socket itself stays owned by the server shell and is not closed here.
func (c *consumer) run(r *Registry, deviceID string) {
	for msg := range c.ch {
		if err := c.conn.WriteMessage(msg); err != nil {
			r.logger.Debug("consumer write failed, detaching",
				zap.String("deviceId", deviceID),
				zap.String("consumerId", c.id),
				zap.Error(err))
			r.DetachConsumer(deviceID, c.id)
			return
		}
	}
}

// Session is the live relay state for one device id.
type Session struct {
	deviceID    string
	producer    Conn
	consumers   map[string]*consumer
	metadata    *protocol.Metadata
	lastFrame   *protocol.Frame
	frameCount  uint64
	lastFrameAt time.Time
	captureMode CaptureMode
	evict       *time.Timer

	// disconnectSent records that the consumers were already told the
	// producer is gone, so a later teardown does not repeat the envelope.
	disconnectSent bool

	mu sync.Mutex
}

func (s *Session) cancelEvictionLocked() {
	if s.evict != nil {
		s.evict.Stop()
		s.evict = nil
	}
}
