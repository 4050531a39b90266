package wsserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"screenrelay/internal/relay"
	"screenrelay/internal/session"
	"screenrelay/pkg/protocol"
)

// handleProducer accepts a device's websocket and feeds everything it sends
// into the session registry. The token minted by POST /api/v1/publish must
// come in the token query parameter.
func (s *Server) handleProducer(c *gin.Context) {
	deviceID := c.Param("deviceId")
	token := c.Query("token")

	if err := s.auth.ValidateToken(token, deviceID); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid publish token"})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("producer upgrade failed", zap.String("deviceId", deviceID), zap.Error(err))
		return
	}
	s.auth.MarkTokenUsed(token)

	conn := NewWSConn(ws)
	s.registry.AttachProducer(deviceID, conn)
	defer s.registry.DetachProducer(deviceID, conn)

	// The server never writes to an idle producer socket on its own, so a
	// silently-dead one would go unnoticed until the next pong reply. The
	// keep-alive ticker surfaces it; a failed write closes the socket and
	// unblocks the read loop below.
	stopPings := make(chan struct{})
	defer close(stopPings)
	go s.producerKeepAlive(conn, deviceID, stopPings)

	s.logger.Info("producer connected",
		zap.String("deviceId", deviceID),
		zap.String("remote", c.ClientIP()))

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.logger.Info("producer disconnected",
				zap.String("deviceId", deviceID),
				zap.Error(err))
			return
		}

		env, err := protocol.Parse(data)
		if err != nil {
			s.logger.Debug("dropping producer message",
				zap.String("deviceId", deviceID),
				zap.Error(err))
			continue
		}

		switch env.Type {
		case protocol.TypeMetadata:
			s.announceProducerMetadata(deviceID, env.Metadata)

		case protocol.TypeFrame:
			if err := s.registry.Broadcast(deviceID, env.Frame); err != nil {
				s.logger.Debug("frame broadcast failed", zap.Error(err))
			}

		case protocol.TypeData:
			if err := s.registry.Broadcast(deviceID, env.Data); err != nil {
				s.logger.Debug("data broadcast failed", zap.Error(err))
			}

		case protocol.TypeConfiguration:
			if err := s.registry.Broadcast(deviceID, env.Configuration); err != nil {
				s.logger.Debug("configuration broadcast failed", zap.Error(err))
			}

		case protocol.TypePing:
			s.replyPong(conn)

		case protocol.TypePong:
			// keep-alive acknowledgement

		default:
			s.logger.Debug("unexpected producer envelope",
				zap.String("deviceId", deviceID),
				zap.String("type", string(env.Type)))
		}
	}
}

// announceProducerMetadata rebuilds the metadata envelope from its codec id
// so the cached copy always carries a consistent id and name pair.
func (s *Server) announceProducerMetadata(deviceID string, in *protocol.Metadata) {
	codec, err := protocol.CodecFromID(in.Codec)
	if err != nil {
		s.logger.Warn("producer sent invalid codec",
			zap.String("deviceId", deviceID),
			zap.Int("codec", in.Codec))
		return
	}

	md, err := protocol.NewMetadata(codec, in.Width, in.Height, in.FPS)
	if err != nil {
		return
	}

	s.registry.SetCaptureMode(deviceID, session.CaptureModePrimary)
	if err := s.registry.AnnounceMetadata(deviceID, md); err != nil {
		s.logger.Debug("metadata announce failed", zap.Error(err))
	}
}

// handleConsumer accepts a viewer's websocket and attaches it to the
// session. Frames flow out through the registry's per-consumer writer; the
// read loop only services control messages.
func (s *Server) handleConsumer(c *gin.Context) {
	deviceID := c.Param("deviceId")

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("consumer upgrade failed", zap.String("deviceId", deviceID), zap.Error(err))
		return
	}

	conn := NewWSConn(ws)
	consumerID := s.registry.AttachConsumer(deviceID, conn)
	defer s.registry.DetachConsumer(deviceID, consumerID)

	s.logger.Info("consumer connected",
		zap.String("deviceId", deviceID),
		zap.String("consumerId", consumerID),
		zap.String("remote", c.ClientIP()))

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.logger.Info("consumer disconnected",
				zap.String("deviceId", deviceID),
				zap.String("consumerId", consumerID))
			return
		}

		env, err := protocol.Parse(data)
		if err != nil {
			s.logger.Debug("dropping consumer message",
				zap.String("deviceId", deviceID),
				zap.Error(err))
			continue
		}

		switch env.Type {
		case protocol.TypeRequestMetadata:
			s.registry.ResendMetadata(deviceID, consumerID)

		case protocol.TypeCommand:
			s.handleConsumerCommand(c, conn, deviceID, env.Command)

		case protocol.TypeConfiguration:
			// Consumer-supplied configuration goes to the producer verbatim.
			if err := s.registry.ForwardToProducer(deviceID, env.Raw); err != nil {
				s.logger.Debug("configuration forward failed", zap.Error(err))
			}

		case protocol.TypePing:
			s.replyPong(conn)

		default:
			s.logger.Debug("unexpected consumer envelope",
				zap.String("deviceId", deviceID),
				zap.String("type", string(env.Type)))
		}
	}
}

// handleConsumerCommand services a command envelope. Screenshot requests are
// served by the relay itself from the cached frame; everything else goes to
// the device's automation sink.
func (s *Server) handleConsumerCommand(c *gin.Context, conn *WSConn, deviceID string, cmd *protocol.Command) {
	if cmd.Action == "screenshot" {
		path, err := s.snapshots.Capture(c.Request.Context(), deviceID)
		if err != nil {
			s.logger.Warn("screenshot command failed",
				zap.String("deviceId", deviceID),
				zap.Error(err))
			return
		}
		payload, _ := json.Marshal(gin.H{"path": path})
		reply, err := protocol.Encode(&protocol.Command{
			Type:    protocol.TypeCommand,
			Action:  "screenshot",
			Payload: payload,
		})
		if err == nil {
			conn.WriteMessage(reply)
		}
		return
	}

	if err := s.engine.ForwardCommand(c.Request.Context(), deviceID, cmd); err != nil {
		if errors.Is(err, relay.ErrNoAutomation) {
			s.logger.Debug("command dropped, no automation sink",
				zap.String("action", cmd.Action))
			return
		}
		s.logger.Warn("command forward failed",
			zap.String("deviceId", deviceID),
			zap.String("action", cmd.Action),
			zap.Error(err))
	}
}

// producerKeepAlive emits ping envelopes toward the producer socket until
// the connection goes away. No pong is required to keep the session alive.
func (s *Server) producerKeepAlive(conn *WSConn, deviceID string, stop <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			data, err := protocol.Encode(protocol.NewPing())
			if err != nil {
				return
			}
			if err := conn.WriteMessage(data); err != nil {
				s.logger.Info("producer keep-alive failed, closing socket",
					zap.String("deviceId", deviceID),
					zap.Error(err))
				conn.Close()
				return
			}
			s.metrics.PingsSent.Inc()
		}
	}
}

func (s *Server) replyPong(conn *WSConn) {
	if data, err := protocol.Encode(protocol.NewPong()); err == nil {
		conn.WriteMessage(data)
	}
}
