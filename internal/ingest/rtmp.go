// Package ingest accepts RTMP publishes from devices that push their
// screen as an H.264 stream, and feeds the frames into the session
// registry as a producer.
package ingest

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
	"go.uber.org/zap"

	"screenrelay/internal/auth"
	"screenrelay/internal/muxer"
	"screenrelay/internal/session"
	"screenrelay/pkg/protocol"
)

// Server accepts RTMP connections and bridges each publish into a device
// session. The publishing name carries the device id, optionally with a
// publish token: "deviceId?token=xxx".
type Server struct {
	addr     string
	registry *session.Registry
	auth     *auth.Manager
	logger   *zap.Logger
	server   *rtmp.Server
}

// New creates an RTMP ingest server.
func New(addr string, registry *session.Registry, authManager *auth.Manager, logger *zap.Logger) *Server {
	s := &Server{
		addr:     addr,
		registry: registry,
		auth:     authManager,
		logger:   logger.Named("ingest"),
	}
	s.server = rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: s.onConnect,
	})
	return s
}

// ListenAndServe starts accepting RTMP connections. Blocks until Close.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("rtmp ingest listening", zap.String("addr", s.addr))
	return s.server.Serve(listener)
}

func (s *Server) onConnect(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
	s.logger.Debug("rtmp connection", zap.String("remote", conn.RemoteAddr().String()))

	handler := &connHandler{
		registry: s.registry,
		auth:     s.auth,
		logger:   s.logger,
		conn:     conn,
	}
	return conn, &rtmp.ConnConfig{
		Handler: handler,
		ControlState: rtmp.StreamControlStateConfig{
			DefaultBandwidthWindowSize: 6 * 1024 * 1024,
		},
	}
}

// Close shuts down the ingest server.
func (s *Server) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// producerConn adapts an RTMP publisher into a session producer. Messages
// sent toward the producer have nowhere to go over RTMP and are dropped;
// closing it tears the TCP connection down, which is how a superseding
// producer evicts an RTMP publisher.
type producerConn struct {
	conn net.Conn
}

func (p *producerConn) WriteMessage([]byte) error { return nil }
func (p *producerConn) Close() error              { return p.conn.Close() }

type connHandler struct {
	rtmp.DefaultHandler

	registry *session.Registry
	auth     *auth.Manager
	logger   *zap.Logger
	conn     net.Conn

	mu       sync.RWMutex
	deviceID string
	producer *producerConn
	sps      [][]byte
	pps      [][]byte
}

// OnPublish validates the publish token and attaches the connection as the
// device's producer.
func (h *connHandler) OnPublish(ctx *rtmp.StreamContext, timestamp uint32, cmd *rtmpmsg.NetStreamPublish) error {
	deviceID, token := parseDeviceAndToken(cmd.PublishingName)
	if deviceID == "" {
		return fmt.Errorf("empty device id in publishing name")
	}

	if err := h.auth.ValidateToken(token, deviceID); err != nil {
		h.logger.Warn("publish rejected",
			zap.String("deviceId", deviceID),
			zap.Error(err))
		return fmt.Errorf("authentication failed: %w", err)
	}
	h.auth.MarkTokenUsed(token)

	producer := &producerConn{conn: h.conn}

	h.mu.Lock()
	h.deviceID = deviceID
	h.producer = producer
	h.mu.Unlock()

	h.registry.AttachProducer(deviceID, producer)
	h.registry.SetCaptureMode(deviceID, session.CaptureModePrimary)

	md, err := protocol.NewMetadata(protocol.CodecH264, 0, 0, 0)
	if err != nil {
		return err
	}
	if err := h.registry.AnnounceMetadata(deviceID, md); err != nil {
		return err
	}

	h.logger.Info("rtmp publish started",
		zap.String("deviceId", deviceID),
		zap.String("remote", h.conn.RemoteAddr().String()))
	return nil
}

// OnVideo converts each FLV video packet to Annex-B and broadcasts it as a
// data envelope. The sequence header is absorbed into stored SPS/PPS that
// get prepended to every keyframe so late joiners can decode.
func (h *connHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	h.mu.RLock()
	deviceID := h.deviceID
	h.mu.RUnlock()
	if deviceID == "" {
		return nil
	}

	videoData, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	if len(videoData) == 0 {
		return nil
	}

	isSequenceHeader, isKeyFrame, avcData, err := muxer.ParseFLVVideoPacket(videoData)
	if err != nil {
		h.logger.Debug("skipping unparsable video packet", zap.Error(err))
		return nil
	}

	if isSequenceHeader {
		avcConfig, err := muxer.ParseAVCDecoderConfigurationRecord(avcData)
		if err != nil {
			h.logger.Warn("bad AVC sequence header", zap.Error(err))
			return nil
		}
		h.mu.Lock()
		h.sps = avcConfig.SPS
		h.pps = avcConfig.PPS
		h.mu.Unlock()
		return nil
	}

	annexBData, err := muxer.ConvertAVCCToAnnexB(avcData)
	if err != nil {
		h.logger.Debug("avcc conversion failed, passing through", zap.Error(err))
		annexBData = avcData
	}

	frameData := annexBData
	if isKeyFrame {
		h.mu.RLock()
		sps, pps := h.sps, h.pps
		h.mu.RUnlock()
		if len(sps) > 0 && len(pps) > 0 {
			frameData = muxer.PrependSPSPPSAnnexB(annexBData, sps, pps)
		}
	}

	env := protocol.NewDataFrame(frameData, isKeyFrame, int64(timestamp))
	if err := h.registry.Broadcast(deviceID, env); err != nil {
		h.logger.Debug("broadcast failed", zap.String("deviceId", deviceID), zap.Error(err))
	}
	return nil
}

// OnAudio drops audio; the relay only carries the screen.
func (h *connHandler) OnAudio(timestamp uint32, payload io.Reader) error {
	_, err := io.Copy(io.Discard, payload)
	return err
}

// OnClose detaches the producer when the publisher goes away.
func (h *connHandler) OnClose() {
	h.mu.Lock()
	deviceID := h.deviceID
	producer := h.producer
	h.deviceID = ""
	h.producer = nil
	h.mu.Unlock()

	if deviceID == "" {
		return
	}

	h.logger.Info("rtmp publish ended", zap.String("deviceId", deviceID))
	h.registry.DetachProducer(deviceID, producer)
}

func parseDeviceAndToken(publishingName string) (deviceID, token string) {
	deviceID = publishingName
	if i := strings.IndexByte(publishingName, '?'); i >= 0 {
		deviceID = publishingName[:i]
		query := publishingName[i+1:]
		for _, kv := range strings.Split(query, "&") {
			if v, ok := strings.CutPrefix(kv, "token="); ok {
				token = v
			}
		}
	}
	return deviceID, token
}
