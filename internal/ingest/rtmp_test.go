package ingest

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
	"go.uber.org/zap"

	"screenrelay/internal/auth"
	"screenrelay/internal/metrics"
	"screenrelay/internal/muxer"
	"screenrelay/internal/session"
	"screenrelay/pkg/protocol"
)

type fakeConsumer struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *fakeConsumer) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, append([]byte(nil), data...))
	return nil
}

func (c *fakeConsumer) Close() error { return nil }

func (c *fakeConsumer) waitMessages(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([][]byte(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
	return nil
}

func newTestHandler(t *testing.T) (*connHandler, *session.Registry, *auth.Manager) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	reg := session.NewRegistry(time.Minute, m, zap.NewNop())
	am := auth.New(time.Hour, time.Hour)

	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	return &connHandler{
		registry: reg,
		auth:     am,
		logger:   zap.NewNop(),
		conn:     server,
	}, reg, am
}

func TestParseDeviceAndToken(t *testing.T) {
	dev, token := parseDeviceAndToken("dev-1?token=abc")
	assert.Equal(t, "dev-1", dev)
	assert.Equal(t, "abc", token)

	dev, token = parseDeviceAndToken("dev-1")
	assert.Equal(t, "dev-1", dev)
	assert.Empty(t, token)

	dev, token = parseDeviceAndToken("dev-1?foo=bar&token=xyz")
	assert.Equal(t, "dev-1", dev)
	assert.Equal(t, "xyz", token)
}

func TestPublishRequiresValidToken(t *testing.T) {
	h, _, _ := newTestHandler(t)

	err := h.OnPublish(nil, 0, &rtmpmsg.NetStreamPublish{PublishingName: "dev-1?token=bogus"})
	assert.Error(t, err)
}

func TestPublishAttachesProducerAndAnnouncesH264(t *testing.T) {
	h, reg, am := newTestHandler(t)

	token, err := am.GeneratePublishToken("dev-1", 0, "")
	require.NoError(t, err)

	viewer := &fakeConsumer{}
	reg.AttachConsumer("dev-1", viewer)

	require.NoError(t, h.OnPublish(nil, 0, &rtmpmsg.NetStreamPublish{
		PublishingName: "dev-1?token=" + token.Token,
	}))

	msgs := viewer.waitMessages(t, 1)
	var md protocol.Metadata
	require.NoError(t, json.Unmarshal(msgs[0], &md))
	assert.Equal(t, protocol.TypeMetadata, md.Type)
	assert.Equal(t, "h264", md.CodecName)

	info, err := reg.Info("dev-1")
	require.NoError(t, err)
	assert.True(t, info.HasProducer)
	assert.Equal(t, "primary", info.CaptureMode)
}

func flvKeyframe(t *testing.T, nal []byte) []byte {
	t.Helper()
	avcc := make([]byte, 4+len(nal))
	binary.BigEndian.PutUint32(avcc, uint32(len(nal)))
	copy(avcc[4:], nal)
	// frame type 1 (key) + codec 7, AVCPacketType 1, zero composition time
	return append([]byte{0x17, 0x01, 0x00, 0x00, 0x00}, avcc...)
}

func TestVideoPacketsBroadcastAsAnnexB(t *testing.T) {
	h, reg, am := newTestHandler(t)

	token, err := am.GeneratePublishToken("dev-1", 0, "")
	require.NoError(t, err)
	require.NoError(t, h.OnPublish(nil, 0, &rtmpmsg.NetStreamPublish{
		PublishingName: "dev-1?token=" + token.Token,
	}))

	viewer := &fakeConsumer{}
	reg.AttachConsumer("dev-1", viewer)

	// sequence header with one SPS and one PPS
	sps := []byte{0x67, 0x42, 0x00, 0x1F}
	pps := []byte{0x68, 0xCE, 0x38, 0x80}
	seqBody := []byte{0x01, 0x42, 0x00, 0x1F, 0xFF, 0xE1, 0x00, 0x04}
	seqBody = append(seqBody, sps...)
	seqBody = append(seqBody, 0x01, 0x00, 0x04)
	seqBody = append(seqBody, pps...)
	seqPacket := append([]byte{0x17, 0x00, 0x00, 0x00, 0x00}, seqBody...)
	require.NoError(t, h.OnVideo(0, bytes.NewReader(seqPacket)))

	idr := []byte{0x65, 0xAA, 0xBB}
	require.NoError(t, h.OnVideo(40, bytes.NewReader(flvKeyframe(t, idr))))

	// metadata replay + one data frame
	msgs := viewer.waitMessages(t, 2)
	var df protocol.DataFrame
	require.NoError(t, json.Unmarshal(msgs[1], &df))
	assert.Equal(t, protocol.TypeData, df.Type)
	assert.True(t, df.Keyframe)
	assert.Equal(t, "40", df.PTS)

	want := muxer.PrependSPSPPSAnnexB(
		append(append([]byte{}, muxer.StartCode4...), idr...),
		[][]byte{sps}, [][]byte{pps})
	assert.Equal(t, want, []byte(df.Data))
}

func TestCloseDetachesProducer(t *testing.T) {
	h, reg, am := newTestHandler(t)

	token, err := am.GeneratePublishToken("dev-1", 0, "")
	require.NoError(t, err)
	require.NoError(t, h.OnPublish(nil, 0, &rtmpmsg.NetStreamPublish{
		PublishingName: "dev-1?token=" + token.Token,
	}))

	viewer := &fakeConsumer{}
	reg.AttachConsumer("dev-1", viewer)

	h.OnClose()

	msgs := viewer.waitMessages(t, 2) // metadata replay + disconnect
	var env struct {
		Type protocol.Type `json:"type"`
	}
	require.NoError(t, json.Unmarshal(msgs[1], &env))
	assert.Equal(t, protocol.TypeDeviceDisconnected, env.Type)

	info, err := reg.Info("dev-1")
	require.NoError(t, err)
	assert.False(t, info.HasProducer)
}
