package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"screenrelay/internal/metrics"
	"screenrelay/pkg/models"
	"screenrelay/pkg/protocol"
)

// Registry maps device ids to sessions with thread-safe mutation. It is the
// only component allowed to touch a session's producer slot or consumer set.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	grace   time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger

	// OnIdle, when set, is called after a session has spent the whole grace
	// window without consumers. The relay engine hooks this to stop the
	// capture source.
	OnIdle func(deviceID string)
}

// NewRegistry creates a registry. grace is how long an empty session is
// retained to tolerate transient reconnects before eviction.
func NewRegistry(grace time.Duration, m *metrics.Metrics, logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		grace:    grace,
		metrics:  m,
		logger:   logger.Named("session"),
	}
}

func (r *Registry) get(deviceID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[deviceID]
}

func (r *Registry) getOrCreate(deviceID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[deviceID]; ok {
		return s
	}
	s := &Session{
		deviceID:    deviceID,
		consumers:   make(map[string]*consumer),
		captureMode: CaptureModeNone,
	}
	r.sessions[deviceID] = s
	r.metrics.RecordSessionCreated()
	r.logger.Info("session created", zap.String("deviceId", deviceID))
	return s
}

// AttachProducer installs conn as the session's producer, creating the
// session if absent. A previous producer is closed first: the newest
// producer always wins, two never coexist. Cached metadata is reset until
// the new producer announces it.
func (r *Registry) AttachProducer(deviceID string, conn Conn) {
	s := r.getOrCreate(deviceID)

	s.mu.Lock()
	old := s.producer
	s.producer = conn
	s.metadata = nil
	s.lastFrame = nil
	s.disconnectSent = false
	s.cancelEvictionLocked()
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
		r.metrics.ProducersSuperseded.Inc()
		r.logger.Info("producer superseded", zap.String("deviceId", deviceID))
	}
	r.metrics.ProducersAttached.Inc()
	r.logger.Info("producer attached", zap.String("deviceId", deviceID))
}

// DetachProducer clears the producer slot and broadcasts a
// device_disconnected envelope to all current consumers. When conn is
// non-nil the detach only applies if conn still owns the slot, so a
// superseded producer's cleanup cannot evict its replacement.
func (r *Registry) DetachProducer(deviceID string, conn Conn) {
	s := r.get(deviceID)
	if s == nil {
		return
	}

	msg, err := protocol.Encode(protocol.NewDeviceDisconnected(deviceID))
	if err != nil {
		return
	}

	s.mu.Lock()
	if conn != nil && s.producer != conn {
		s.mu.Unlock()
		return
	}
	old := s.producer
	s.producer = nil
	s.captureMode = CaptureModeNone
	s.disconnectSent = true
	for _, c := range s.consumers {
		select {
		case c.ch <- msg:
		default:
		}
	}
	if len(s.consumers) == 0 {
		r.scheduleEvictionLocked(s)
	}
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
		r.logger.Info("producer detached", zap.String("deviceId", deviceID))
	}
}

// AttachConsumer adds a viewer connection, creating the session if absent,
// and returns the consumer id used for detach. If stream metadata is
// already known the consumer immediately receives it, ahead of any frame,
// without waiting for the next producer announcement.
func (r *Registry) AttachConsumer(deviceID string, conn Conn) string {
	s := r.getOrCreate(deviceID)

	c := &consumer{
		id:   uuid.NewString(),
		conn: conn,
		ch:   make(chan []byte, consumerBuffer),
	}

	s.mu.Lock()
	s.cancelEvictionLocked()
	s.consumers[c.id] = c
	if s.metadata != nil {
		if msg, err := protocol.Encode(s.metadata); err == nil {
			c.ch <- msg // fresh buffered channel, cannot block
		}
	}
	s.mu.Unlock()

	go c.run(r, deviceID)

	r.metrics.RecordConsumerAttached()
	r.logger.Info("consumer attached",
		zap.String("deviceId", deviceID),
		zap.String("consumerId", c.id))
	return c.id
}

// DetachConsumer removes a consumer. Detaching an id that is already gone
// is a no-op, not an error. When the last consumer leaves, eviction is
// scheduled after the grace window unless a new consumer attaches first.
func (r *Registry) DetachConsumer(deviceID, consumerID string) {
	s := r.get(deviceID)
	if s == nil {
		return
	}

	s.mu.Lock()
	c, ok := s.consumers[consumerID]
	if ok {
		delete(s.consumers, consumerID)
		close(c.ch)
		if len(s.consumers) == 0 {
			r.scheduleEvictionLocked(s)
		}
	}
	s.mu.Unlock()

	if ok {
		r.metrics.RecordConsumerDetached()
		r.logger.Info("consumer detached",
			zap.String("deviceId", deviceID),
			zap.String("consumerId", consumerID))
	}
}

// Broadcast serializes the envelope once and queues it to every currently
// attached consumer. A consumer whose queue is full is skipped for this
// broadcast; per-device ordering for the remaining consumers matches the
// caller's emission order.
func (r *Registry) Broadcast(deviceID string, m protocol.Message) error {
	s := r.get(deviceID)
	if s == nil {
		return ErrSessionNotFound
	}

	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	s.mu.Lock()
	codec := ""
	keyframe := false
	switch f := m.(type) {
	case *protocol.Frame:
		s.frameCount++
		s.lastFrameAt = time.Now()
		s.lastFrame = f
		codec = protocol.CodecMJPEG.Name()
	case *protocol.DataFrame:
		s.frameCount++
		s.lastFrameAt = time.Now()
		codec = protocol.CodecH264.Name()
		if s.metadata != nil {
			codec = s.metadata.CodecName
		}
		keyframe = f.Keyframe
	}
	for _, c := range s.consumers {
		select {
		case c.ch <- data:
		default:
			r.metrics.RecordFrameDropped("slow_consumer")
		}
	}
	s.mu.Unlock()

	if codec != "" {
		r.metrics.RecordFrame(codec, len(data), keyframe)
	}
	return nil
}

// AnnounceMetadata caches the metadata envelope for late joiners and
// broadcasts it to the consumers already attached.
func (r *Registry) AnnounceMetadata(deviceID string, md *protocol.Metadata) error {
	s := r.get(deviceID)
	if s == nil {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	s.metadata = md
	s.mu.Unlock()

	return r.Broadcast(deviceID, md)
}

// ResendMetadata sends the cached metadata envelope to a single consumer,
// answering a request_metadata envelope. Unknown ids are ignored.
func (r *Registry) ResendMetadata(deviceID, consumerID string) {
	s := r.get(deviceID)
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consumers[consumerID]
	if !ok || s.metadata == nil {
		return
	}
	if msg, err := protocol.Encode(s.metadata); err == nil {
		select {
		case c.ch <- msg:
		default:
		}
	}
}

// SendToProducer writes one envelope toward the session's producer
// connection. Used for keep-alive pings and forwarded configuration.
func (r *Registry) SendToProducer(deviceID string, m protocol.Message) error {
	s := r.get(deviceID)
	if s == nil {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	p := s.producer
	s.mu.Unlock()
	if p == nil {
		return ErrSessionNotFound
	}

	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return p.WriteMessage(data)
}

// ForwardToProducer writes an already-encoded envelope toward the producer
// verbatim, preserving fields the relay does not model.
func (r *Registry) ForwardToProducer(deviceID string, raw []byte) error {
	s := r.get(deviceID)
	if s == nil {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	p := s.producer
	s.mu.Unlock()
	if p == nil {
		return ErrSessionNotFound
	}
	return p.WriteMessage(raw)
}

// SetCaptureMode records which production path is feeding the session.
func (r *Registry) SetCaptureMode(deviceID string, mode CaptureMode) {
	s := r.get(deviceID)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.captureMode = mode
	s.mu.Unlock()
}

// LatestFrame returns the raw JPEG bytes of the most recent mjpeg frame
// broadcast for the device.
func (r *Registry) LatestFrame(deviceID string) ([]byte, error) {
	s := r.get(deviceID)
	if s == nil {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	f := s.lastFrame
	s.mu.Unlock()
	if f == nil {
		return nil, ErrSessionNotFound
	}
	return f.JPEG()
}

// Teardown destroys a session immediately: the producer socket is closed,
// every consumer receives a device_disconnected envelope and is detached
// (their sockets stay open, owned by the server shell), and the device id
// is freed. Safe to call mid-broadcast.
func (r *Registry) Teardown(deviceID string) {
	r.mu.Lock()
	s := r.sessions[deviceID]
	if s == nil {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, deviceID)
	r.mu.Unlock()

	msg, _ := protocol.Encode(protocol.NewDeviceDisconnected(deviceID))

	s.mu.Lock()
	s.cancelEvictionLocked()
	p := s.producer
	s.producer = nil
	// A producer detach already announced the disconnect; every other
	// teardown (attached producer, or a session that never had one) still
	// owes its consumers the envelope.
	announce := msg != nil && !s.disconnectSent
	s.disconnectSent = true
	n := len(s.consumers)
	for id, c := range s.consumers {
		if announce {
			select {
			case c.ch <- msg:
			default:
			}
		}
		delete(s.consumers, id)
		close(c.ch)
	}
	s.mu.Unlock()

	if p != nil {
		_ = p.Close()
	}
	for i := 0; i < n; i++ {
		r.metrics.RecordConsumerDetached()
	}
	r.metrics.RecordSessionEvicted()
	r.logger.Info("session torn down", zap.String("deviceId", deviceID))
}

// scheduleEvictionLocked arms the grace timer. Caller holds s.mu.
func (r *Registry) scheduleEvictionLocked(s *Session) {
	s.cancelEvictionLocked()
	deviceID := s.deviceID
	s.evict = time.AfterFunc(r.grace, func() {
		r.evictIfIdle(deviceID)
	})
}

// evictIfIdle fires after the grace window. A session that is still without
// consumers is reported idle; one that also has no producer is destroyed
// and its device id freed.
func (r *Registry) evictIfIdle(deviceID string) {
	r.mu.Lock()
	s := r.sessions[deviceID]
	if s == nil {
		r.mu.Unlock()
		return
	}

	s.mu.Lock()
	idle := len(s.consumers) == 0
	destroyed := idle && s.producer == nil
	if destroyed {
		delete(r.sessions, deviceID)
	}
	s.mu.Unlock()
	r.mu.Unlock()

	if destroyed {
		r.metrics.RecordSessionEvicted()
		r.logger.Info("session evicted", zap.String("deviceId", deviceID))
	}
	if idle && r.OnIdle != nil {
		r.OnIdle(deviceID)
	}
}

// Info returns a point-in-time view of one session.
func (r *Registry) Info(deviceID string) (models.SessionInfo, error) {
	s := r.get(deviceID)
	if s == nil {
		return models.SessionInfo{}, ErrSessionNotFound
	}
	return r.snapshot(s), nil
}

// Sessions returns a point-in-time view of every session, ordered by
// device id for stable API output.
func (r *Registry) Sessions() []models.SessionInfo {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	infos := make([]models.SessionInfo, 0, len(all))
	for _, s := range all {
		infos = append(infos, r.snapshot(s))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].DeviceID < infos[j].DeviceID })
	return infos
}

func (r *Registry) snapshot(s *Session) models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := models.SessionInfo{
		DeviceID:    s.deviceID,
		HasProducer: s.producer != nil,
		CaptureMode: string(s.captureMode),
		Consumers:   len(s.consumers),
		FrameCount:  s.frameCount,
	}
	if s.metadata != nil {
		info.Codec = s.metadata.CodecName
		info.Width = s.metadata.Width
		info.Height = s.metadata.Height
		info.FrameRate = s.metadata.FPS
	}
	if !s.lastFrameAt.IsZero() {
		info.LastFrameAt = s.lastFrameAt.Format(time.RFC3339)
	}
	return info
}

// Len returns the number of sessions currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
