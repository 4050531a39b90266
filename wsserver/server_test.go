package wsserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"screenrelay/internal/auth"
	"screenrelay/internal/devicelock"
	"screenrelay/internal/metrics"
	"screenrelay/internal/relay"
	"screenrelay/internal/session"
	"screenrelay/internal/snapshot"
	"screenrelay/internal/storage"
	"screenrelay/pkg/models"
	"screenrelay/pkg/protocol"
)

func newTestServer(t *testing.T) (*httptest.Server, *auth.Manager, *session.Registry) {
	t.Helper()
	return newTestServerWithPing(t, time.Minute)
}

func newTestServerWithPing(t *testing.T, pingInterval time.Duration) (*httptest.Server, *auth.Manager, *session.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	logger := zap.NewNop()
	reg := session.NewRegistry(time.Minute, m, logger)
	locks := devicelock.NewRegistry()
	engine := relay.New(reg, locks, m, nil, logger, relay.Config{})
	am := auth.New(time.Hour, 24*time.Hour)

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	snaps := snapshot.NewService(reg, store, m, logger)

	srv := New(reg, engine, am, snaps, m, promReg, logger,
		"rtmp://localhost:1935", "ws://localhost:8080", pingInterval)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, am, reg
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Parse(data)
	require.NoError(t, err)
	return env
}

func mintToken(t *testing.T, am *auth.Manager, deviceID string) string {
	t.Helper()
	token, err := am.GeneratePublishToken(deviceID, 0, "")
	require.NoError(t, err)
	return token.Token
}

func TestPing(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPublishIssuesToken(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/publish", "application/json",
		strings.NewReader(`{"deviceId":"dev-1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body models.PublishResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "dev-1", body.DeviceID)
	assert.Len(t, body.Token, 64)
	assert.Contains(t, body.ProducerURL, "/ws/producer/dev-1?token=")
	assert.Contains(t, body.RTMPURL, "rtmp://")
}

func TestPublishRequiresDeviceID(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/publish", "application/json",
		strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProducerRejectedWithoutToken(t *testing.T) {
	ts, _, _ := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/producer/dev-1"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProducerToConsumerRelay(t *testing.T) {
	ts, am, _ := newTestServer(t)
	token := mintToken(t, am, "dev-1")

	producer := dialWS(t, wsURL(ts, "/ws/producer/dev-1?token="+token))
	consumer := dialWS(t, wsURL(ts, "/ws/consumer/dev-1"))

	md, err := protocol.NewMetadata(protocol.CodecMJPEG, 390, 844, 30)
	require.NoError(t, err)
	mdData, err := protocol.Encode(md)
	require.NoError(t, err)
	require.NoError(t, producer.WriteMessage(websocket.TextMessage, mdData))

	env := readEnvelope(t, consumer)
	require.Equal(t, protocol.TypeMetadata, env.Type)
	assert.Equal(t, "mjpeg", env.Metadata.CodecName)
	assert.Equal(t, 390, env.Metadata.Width)

	frame, err := protocol.NewFrame([]byte{0xFF, 0xD8, 0xFF, 0xD9}, 1)
	require.NoError(t, err)
	frameData, err := protocol.Encode(frame)
	require.NoError(t, err)
	require.NoError(t, producer.WriteMessage(websocket.TextMessage, frameData))

	env = readEnvelope(t, consumer)
	require.Equal(t, protocol.TypeFrame, env.Type)
	assert.Equal(t, int64(1), env.Frame.PTS)

	// producer going away notifies the consumer
	producer.Close()
	env = readEnvelope(t, consumer)
	assert.Equal(t, protocol.TypeDeviceDisconnected, env.Type)
}

func TestLateConsumerGetsMetadataReplay(t *testing.T) {
	ts, am, _ := newTestServer(t)
	token := mintToken(t, am, "dev-1")

	producer := dialWS(t, wsURL(ts, "/ws/producer/dev-1?token="+token))

	md, err := protocol.NewMetadata(protocol.CodecH264, 390, 844, 0)
	require.NoError(t, err)
	mdData, err := protocol.Encode(md)
	require.NoError(t, err)
	require.NoError(t, producer.WriteMessage(websocket.TextMessage, mdData))
	time.Sleep(50 * time.Millisecond)

	consumer := dialWS(t, wsURL(ts, "/ws/consumer/dev-1"))
	env := readEnvelope(t, consumer)
	require.Equal(t, protocol.TypeMetadata, env.Type)
	assert.Equal(t, "h264", env.Metadata.CodecName)
}

func TestConsumerPingGetsPong(t *testing.T) {
	ts, _, _ := newTestServer(t)

	consumer := dialWS(t, wsURL(ts, "/ws/consumer/dev-1"))
	ping, err := protocol.Encode(protocol.NewPing())
	require.NoError(t, err)
	require.NoError(t, consumer.WriteMessage(websocket.TextMessage, ping))

	env := readEnvelope(t, consumer)
	assert.Equal(t, protocol.TypePong, env.Type)
}

func TestSessionsAPI(t *testing.T) {
	ts, am, _ := newTestServer(t)
	token := mintToken(t, am, "dev-1")

	producer := dialWS(t, wsURL(ts, "/ws/producer/dev-1?token="+token))
	defer producer.Close()
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get(ts.URL + "/api/v1/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body models.SessionListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "dev-1", body.Sessions[0].DeviceID)
	assert.True(t, body.Sessions[0].HasProducer)

	resp2, err := http.Get(ts.URL + "/api/v1/sessions/dev-1")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	resp3, err := http.Get(ts.URL + "/api/v1/sessions/ghost")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestStopSession(t *testing.T) {
	ts, am, reg := newTestServer(t)
	token := mintToken(t, am, "dev-1")

	producer := dialWS(t, wsURL(ts, "/ws/producer/dev-1?token="+token))
	defer producer.Close()
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Post(ts.URL+"/api/v1/sessions/dev-1/stop", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	deadline := time.Now().Add(2 * time.Second)
	for reg.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, reg.Len())

	resp2, err := http.Post(ts.URL+"/api/v1/sessions/ghost/stop", "application/json", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestSnapshotEndpoint(t *testing.T) {
	ts, am, _ := newTestServer(t)
	token := mintToken(t, am, "dev-1")

	producer := dialWS(t, wsURL(ts, "/ws/producer/dev-1?token="+token))
	defer producer.Close()

	// no frame yet
	resp, err := http.Post(ts.URL+"/api/v1/sessions/dev-1/snapshot", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	frame, err := protocol.NewFrame([]byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}, 1)
	require.NoError(t, err)
	frameData, err := protocol.Encode(frame)
	require.NoError(t, err)
	require.NoError(t, producer.WriteMessage(websocket.TextMessage, frameData))
	time.Sleep(50 * time.Millisecond)

	resp2, err := http.Post(ts.URL+"/api/v1/sessions/dev-1/snapshot", "application/json", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var body struct {
		Path string `json:"path"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.True(t, strings.HasPrefix(body.Path, "dev-1/"))

	resp3, err := http.Get(ts.URL + "/api/v1/sessions/dev-1/snapshots")
	require.NoError(t, err)
	defer resp3.Body.Close()

	var listing struct {
		Snapshots []string `json:"snapshots"`
	}
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&listing))
	assert.Len(t, listing.Snapshots, 1)
}

func TestProducerReceivesKeepAlivePings(t *testing.T) {
	ts, am, _ := newTestServerWithPing(t, 50*time.Millisecond)
	token := mintToken(t, am, "dev-1")

	producer := dialWS(t, wsURL(ts, "/ws/producer/dev-1?token="+token))

	env := readEnvelope(t, producer)
	assert.Equal(t, protocol.TypePing, env.Type)
}

func TestSnapshotDownload(t *testing.T) {
	ts, am, _ := newTestServer(t)
	token := mintToken(t, am, "dev-1")

	producer := dialWS(t, wsURL(ts, "/ws/producer/dev-1?token="+token))
	defer producer.Close()

	jpeg := []byte{0xFF, 0xD8, 0x02, 0xFF, 0xD9}
	frame, err := protocol.NewFrame(jpeg, 1)
	require.NoError(t, err)
	frameData, err := protocol.Encode(frame)
	require.NoError(t, err)
	require.NoError(t, producer.WriteMessage(websocket.TextMessage, frameData))
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Post(ts.URL+"/api/v1/sessions/dev-1/snapshot", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Path string `json:"path"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	name := strings.TrimPrefix(body.Path, "dev-1/")

	resp2, err := http.Get(ts.URL + "/api/v1/sessions/dev-1/snapshots/" + name)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, "image/jpeg", resp2.Header.Get("Content-Type"))

	got, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Equal(t, jpeg, got)

	resp3, err := http.Get(ts.URL + "/api/v1/sessions/dev-1/snapshots/missing.jpg")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)

	resp4, err := http.Get(ts.URL + "/api/v1/sessions/dev-1/snapshots/a..b.jpg")
	require.NoError(t, err)
	defer resp4.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp4.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
