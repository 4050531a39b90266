// Package relay ties a device's capture source to its session: it probes
// the primary capture path, fails over to screenshot polling when the
// primary is unavailable, and re-frames each source's output into wire
// envelopes.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"screenrelay/internal/devicelock"
	"screenrelay/internal/metrics"
	"screenrelay/internal/mjpeg"
	"screenrelay/internal/session"
	"screenrelay/pkg/protocol"
)

// ErrNoAutomation is returned when a command arrives and no automation sink
// is configured.
var ErrNoAutomation = errors.New("relay: no automation sink configured")

// State is the relay state for one device.
type State string

const (
	StateIdle              State = "idle"
	StateConnecting        State = "connecting"
	StateStreamingPrimary  State = "streaming_primary"
	StateStreamingFallback State = "streaming_fallback"
	StateStopped           State = "stopped"
	StateError             State = "error"
)

// maxPollFailures is how many consecutive screenshot failures the fallback
// path tolerates before giving up on the session.
const maxPollFailures = 5

// readBufferSize is the chunk size for byte-stream sources.
const readBufferSize = 32 * 1024

// Config holds the engine's policy values.
type Config struct {
	// ProbeTimeout bounds how long the primary capture path may take to
	// become available before the engine fails over.
	ProbeTimeout time.Duration

	// FallbackFPS, FallbackWidth and FallbackHeight describe the
	// screenshot-polling path announced to consumers.
	FallbackFPS    int
	FallbackWidth  int
	FallbackHeight int
}

func (c Config) withDefaults() Config {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.FallbackFPS <= 0 {
		c.FallbackFPS = 15
	}
	if c.FallbackWidth <= 0 {
		c.FallbackWidth = 1170
	}
	if c.FallbackHeight <= 0 {
		c.FallbackHeight = 2532
	}
	return c
}

// sourceConn stands in as the session's producer connection for
// engine-driven capture sources. Closing it cancels the run, which is how a
// superseding producer or a registry teardown stops the source.
type sourceConn struct {
	cancel context.CancelFunc
}

func (c *sourceConn) WriteMessage([]byte) error { return nil }

func (c *sourceConn) Close() error {
	c.cancel()
	return nil
}

type run struct {
	deviceID string
	cancel   context.CancelFunc
	conn     *sourceConn
	done     chan struct{}

	mu    sync.Mutex
	state State
}

func (r *run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *run) getState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Engine drives one relay run per device. It never reaches into session
// internals; all shared state goes through the registry, and multi-step
// device operations are serialized by the device lock registry.
type Engine struct {
	registry *session.Registry
	locks    *devicelock.Registry
	metrics  *metrics.Metrics
	auto     Automation
	logger   *zap.Logger
	cfg      Config

	mu   sync.Mutex
	runs map[string]*run
}

// New creates an engine. auto may be nil when no automation sink exists.
func New(registry *session.Registry, locks *devicelock.Registry, m *metrics.Metrics, auto Automation, logger *zap.Logger, cfg Config) *Engine {
	return &Engine{
		registry: registry,
		locks:    locks,
		metrics:  m,
		auto:     auto,
		logger:   logger.Named("relay"),
		cfg:      cfg.withDefaults(),
		runs:     make(map[string]*run),
	}
}

// Start begins streaming for a device. The primary path is probed within
// the configured window (structured video first, then byte stream); on
// failure the engine fails over to screenshot polling. With no usable path
// the run ends in the error state and the error is returned; the engine
// does not auto-retry. A second Start for the same device supersedes the
// first.
func (e *Engine) Start(ctx context.Context, deviceID string, capture Capture) error {
	return e.locks.WithLock(ctx, deviceID, func() error {
		return e.start(ctx, deviceID, capture)
	})
}

func (e *Engine) start(ctx context.Context, deviceID string, capture Capture) error {
	e.stopRun(deviceID)

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		deviceID: deviceID,
		cancel:   cancel,
		conn:     &sourceConn{cancel: cancel},
		done:     make(chan struct{}),
		state:    StateConnecting,
	}
	e.mu.Lock()
	e.runs[deviceID] = r
	e.mu.Unlock()

	probeCtx, cancelProbe := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	defer cancelProbe()

	triedPrimary := false

	if capture.Video != nil {
		triedPrimary = true
		params, err := capture.Video.Negotiate(probeCtx)
		if err == nil {
			md, mdErr := protocol.NewMetadata(params.Codec, params.Width, params.Height, params.FrameRate)
			if mdErr != nil {
				e.failRun(r, cancel)
				return mdErr
			}
			e.registry.AttachProducer(deviceID, r.conn)
			e.registry.SetCaptureMode(deviceID, session.CaptureModePrimary)
			_ = e.registry.AnnounceMetadata(deviceID, md)
			r.setState(StateStreamingPrimary)
			go e.runVideo(runCtx, r, capture.Video, params)
			e.logger.Info("streaming on primary video capture",
				zap.String("deviceId", deviceID),
				zap.String("codec", params.Codec.Name()),
				zap.Int("width", params.Width),
				zap.Int("height", params.Height))
			return nil
		}
		e.logger.Warn("primary video capture unavailable",
			zap.String("deviceId", deviceID), zap.Error(err))
	}

	if capture.Bytes != nil {
		triedPrimary = true
		rc, err := capture.Bytes.Open(probeCtx)
		if err == nil {
			params := capture.Bytes.Params()
			md, mdErr := protocol.NewMetadata(params.Codec, params.Width, params.Height, params.FrameRate)
			if mdErr != nil {
				_ = rc.Close()
				e.failRun(r, cancel)
				return mdErr
			}
			e.registry.AttachProducer(deviceID, r.conn)
			e.registry.SetCaptureMode(deviceID, session.CaptureModePrimary)
			_ = e.registry.AnnounceMetadata(deviceID, md)
			r.setState(StateStreamingPrimary)
			go e.runBytes(runCtx, r, rc)
			e.logger.Info("streaming on primary byte capture",
				zap.String("deviceId", deviceID),
				zap.String("codec", params.Codec.Name()))
			return nil
		}
		e.logger.Warn("primary byte capture unavailable",
			zap.String("deviceId", deviceID), zap.Error(err))
	}

	if capture.Poll != nil {
		if triedPrimary {
			e.metrics.Failovers.Inc()
		}
		md, mdErr := protocol.NewMetadata(protocol.CodecMJPEG,
			e.cfg.FallbackWidth, e.cfg.FallbackHeight, float64(e.cfg.FallbackFPS))
		if mdErr != nil {
			e.failRun(r, cancel)
			return mdErr
		}
		e.registry.AttachProducer(deviceID, r.conn)
		e.registry.SetCaptureMode(deviceID, session.CaptureModeFallback)
		_ = e.registry.AnnounceMetadata(deviceID, md)
		r.setState(StateStreamingFallback)
		go e.runPoll(runCtx, r, capture.Poll)
		e.logger.Info("streaming on fallback screenshot polling",
			zap.String("deviceId", deviceID),
			zap.Int("fps", e.cfg.FallbackFPS))
		return nil
	}

	e.failRun(r, cancel)
	return fmt.Errorf("%w: no capture path available for device %s", ErrSourceUnavailable, deviceID)
}

// failRun parks a run in the terminal error state. It stays visible until
// the caller retries Start or calls Stop.
func (e *Engine) failRun(r *run, cancel context.CancelFunc) {
	cancel()
	r.setState(StateError)
	close(r.done)
}

// Stop ends streaming for a device: the capture source is cancelled, the
// producer socket closed, and every consumer detached with a
// device_disconnected envelope. Safe to call mid-broadcast.
func (e *Engine) Stop(ctx context.Context, deviceID string) error {
	return e.locks.WithLock(ctx, deviceID, func() error {
		e.stopRun(deviceID)
		e.registry.Teardown(deviceID)
		return nil
	})
}

func (e *Engine) stopRun(deviceID string) {
	e.mu.Lock()
	r := e.runs[deviceID]
	delete(e.runs, deviceID)
	e.mu.Unlock()
	if r == nil {
		return
	}
	r.cancel()
	<-r.done
}

// State reports the relay state for a device. Devices without a run are
// idle.
func (e *Engine) State(deviceID string) State {
	e.mu.Lock()
	r := e.runs[deviceID]
	e.mu.Unlock()
	if r == nil {
		return StateIdle
	}
	return r.getState()
}

// ForwardCommand passes an automation command to the device's sink,
// serialized through the device lock so concurrent commands against one
// device never race. The payload is not interpreted.
func (e *Engine) ForwardCommand(ctx context.Context, deviceID string, cmd *protocol.Command) error {
	if e.auto == nil {
		return ErrNoAutomation
	}
	err := e.locks.WithLock(ctx, deviceID, func() error {
		return e.auto.Execute(ctx, deviceID, cmd.Action, cmd.Payload)
	})
	if err != nil {
		return err
	}
	e.metrics.RecordCommand(cmd.Action)
	return nil
}

// runVideo forwards a structured video source: data records become `data`
// envelopes with keyframe flag and pts carried through unchanged,
// configuration records become `configuration` envelopes, and resize
// records re-announce metadata so consumers can reconfigure their decoder
// without reconnecting.
func (e *Engine) runVideo(ctx context.Context, r *run, src VideoSource, params VideoParams) {
	defer e.finishRun(r, src)

	recs := src.Records()
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-recs:
			if !ok {
				return
			}
			switch rec.Type {
			case RecordConfiguration:
				_ = e.registry.Broadcast(r.deviceID, protocol.NewConfiguration(rec.Bytes))
			case RecordData:
				_ = e.registry.Broadcast(r.deviceID, protocol.NewDataFrame(rec.Bytes, rec.Keyframe, rec.PTS))
			case RecordResize:
				md, err := protocol.NewMetadata(params.Codec, rec.Width, rec.Height, params.FrameRate)
				if err == nil {
					_ = e.registry.AnnounceMetadata(r.deviceID, md)
					e.logger.Info("stream resized",
						zap.String("deviceId", r.deviceID),
						zap.Int("width", rec.Width),
						zap.Int("height", rec.Height))
				}
			}
		}
	}
}

// runBytes forwards an MJPEG byte stream through the framer, emitting one
// `frame` envelope per complete JPEG.
func (e *Engine) runBytes(ctx context.Context, r *run, rc io.ReadCloser) {
	defer e.finishRun(r, rc)

	// Closing the reader is what cancels an in-flight Read.
	go func() {
		<-ctx.Done()
		_ = rc.Close()
	}()

	framer := mjpeg.NewFramer()
	buf := make([]byte, readBufferSize)
	var pts int64
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			for _, jpeg := range framer.Write(buf[:n]) {
				pts++
				frame, ferr := protocol.NewFrame(jpeg, pts)
				if ferr != nil {
					continue
				}
				_ = e.registry.Broadcast(r.deviceID, frame)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				e.logger.Warn("byte stream read failed",
					zap.String("deviceId", r.deviceID), zap.Error(err))
			}
			return
		}
	}
}

// runPoll drives the fallback path at a fixed cadence. Individual
// screenshot failures are tolerated; a run of consecutive failures ends the
// session.
func (e *Engine) runPoll(ctx context.Context, r *run, p Poller) {
	defer e.finishRun(r, nil)

	interval := time.Second / time.Duration(e.cfg.FallbackFPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pts int64
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			shot, err := p.Screenshot(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				e.logger.Warn("screenshot poll failed",
					zap.String("deviceId", r.deviceID),
					zap.Int("consecutive", failures),
					zap.Error(err))
				if failures >= maxPollFailures {
					return
				}
				continue
			}
			failures = 0
			pts++
			frame, ferr := protocol.NewFrame(shot, pts)
			if ferr != nil {
				continue
			}
			_ = e.registry.Broadcast(r.deviceID, frame)
		}
	}
}

// finishRun is the single exit path for streaming loops: it cancels the
// sibling goroutines, detaches the producer (broadcasting
// device_disconnected), and retires the run.
func (e *Engine) finishRun(r *run, closer io.Closer) {
	r.cancel()
	if closer != nil {
		_ = closer.Close()
	}
	if s := r.getState(); s == StateStreamingPrimary || s == StateStreamingFallback {
		r.setState(StateStopped)
	}
	e.registry.DetachProducer(r.deviceID, r.conn)

	e.mu.Lock()
	if e.runs[r.deviceID] == r {
		delete(e.runs, r.deviceID)
	}
	e.mu.Unlock()

	close(r.done)
	e.logger.Info("relay run finished", zap.String("deviceId", r.deviceID))
}
