// Package wsserver exposes the relay over HTTP: the producer and consumer
// websocket endpoints, the session REST API and the Prometheus scrape
// endpoint.
package wsserver

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"screenrelay/internal/auth"
	"screenrelay/internal/metrics"
	"screenrelay/internal/relay"
	"screenrelay/internal/session"
	"screenrelay/internal/snapshot"
	"screenrelay/pkg/models"
)

// Server wires the HTTP surface to the relay's components.
type Server struct {
	router    *gin.Engine
	registry  *session.Registry
	engine    *relay.Engine
	auth      *auth.Manager
	snapshots *snapshot.Service
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
	upgrader  websocket.Upgrader

	// rtmpIngestAddr is the advertised RTMP base, e.g. "rtmp://host:1935".
	rtmpIngestAddr string
	// wsBaseURL is the advertised websocket base, e.g. "ws://host:8080".
	wsBaseURL string
	// pingInterval is the keep-alive cadence toward producer sockets.
	pingInterval time.Duration
}

// New creates the HTTP server.
func New(
	registry *session.Registry,
	engine *relay.Engine,
	authManager *auth.Manager,
	snapshots *snapshot.Service,
	m *metrics.Metrics,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
	rtmpIngestAddr, wsBaseURL string,
	pingInterval time.Duration,
) *Server {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	s := &Server{
		registry:  registry,
		engine:    engine,
		auth:      authManager,
		snapshots: snapshots,
		metrics:   m,
		gatherer:  gatherer,
		logger:    logger.Named("http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rtmpIngestAddr: rtmpIngestAddr,
		wsBaseURL:      wsBaseURL,
		pingInterval:   pingInterval,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestMetrics())

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	ws := router.Group("/ws")
	{
		ws.GET("/producer/:deviceId", s.handleProducer)
		ws.GET("/consumer/:deviceId", s.handleConsumer)
	}

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.POST("/v1/publish", s.handlePublish)
		api.GET("/v1/sessions", s.handleListSessions)
		api.GET("/v1/sessions/:deviceId", s.handleGetSession)
		api.POST("/v1/sessions/:deviceId/stop", s.handleStopSession)
		api.POST("/v1/sessions/:deviceId/snapshot", s.handleSnapshot)
		api.GET("/v1/sessions/:deviceId/snapshots", s.handleListSnapshots)
		api.GET("/v1/sessions/:deviceId/snapshots/:name", s.handleDownloadSnapshot)
	}

	s.router = router
}

// Run starts serving on addr. Blocks.
func (s *Server) Run(addr string) error {
	s.logger.Info("http server listening", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Handler returns the underlying handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.metrics.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status())
	}
}

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handlePublish(c *gin.Context) {
	var req models.PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := s.auth.GeneratePublishToken(req.DeviceID, req.ExpiresIn, c.ClientIP())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, models.PublishResponse{
		ProducerURL: fmt.Sprintf("%s/ws/producer/%s?token=%s", s.wsBaseURL, req.DeviceID, token.Token),
		RTMPURL:     fmt.Sprintf("%s/live/%s?token=%s", s.rtmpIngestAddr, req.DeviceID, token.Token),
		DeviceID:    req.DeviceID,
		Token:       token.Token,
		ExpiresAt:   token.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.registry.Sessions()
	for i := range sessions {
		sessions[i].State = s.relayState(sessions[i].DeviceID)
	}

	c.JSON(http.StatusOK, models.SessionListResponse{
		Sessions: sessions,
		Total:    len(sessions),
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	deviceID := c.Param("deviceId")

	info, err := s.registry.Info(deviceID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	info.State = s.relayState(deviceID)

	c.JSON(http.StatusOK, info)
}

func (s *Server) handleStopSession(c *gin.Context) {
	deviceID := c.Param("deviceId")

	if _, err := s.registry.Info(deviceID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	if err := s.engine.Stop(c.Request.Context(), deviceID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  "session stopped",
		"deviceId": deviceID,
	})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	deviceID := c.Param("deviceId")

	path, err := s.snapshots.Capture(c.Request.Context(), deviceID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no frame available"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deviceId": deviceID,
		"path":     path,
	})
}

func (s *Server) handleListSnapshots(c *gin.Context) {
	deviceID := c.Param("deviceId")

	names, err := s.snapshots.List(c.Request.Context(), deviceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deviceId":  deviceID,
		"snapshots": names,
	})
}

func (s *Server) handleDownloadSnapshot(c *gin.Context) {
	deviceID := c.Param("deviceId")
	name := c.Param("name")

	// Backends that can sign URLs hand the download off to the object store.
	if url, ok := s.snapshots.SignedURL(deviceID, name); ok {
		c.Redirect(http.StatusFound, url)
		return
	}

	data, err := s.snapshots.Read(c.Request.Context(), deviceID, name)
	if err != nil {
		if errors.Is(err, snapshot.ErrBadName) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid snapshot name"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
		return
	}

	c.Data(http.StatusOK, "image/jpeg", data)
}

// relayState reports the engine state for API output, empty when the engine
// has no run for the device.
func (s *Server) relayState(deviceID string) string {
	if s.engine == nil {
		return ""
	}
	if st := s.engine.State(deviceID); st != relay.StateIdle {
		return string(st)
	}
	return ""
}
