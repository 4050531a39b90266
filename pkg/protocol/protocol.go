// Package protocol defines the JSON wire envelopes exchanged between the
// relay and its producer/consumer WebSocket peers. Every message is a flat
// JSON object discriminated by a "type" tag; exactly one variant's fields
// are populated per message.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Type is the envelope discriminator tag.
type Type string

const (
	TypeMetadata           Type = "metadata"
	TypeFrame              Type = "frame"
	TypeData               Type = "data"
	TypeDeviceDisconnected Type = "device_disconnected"
	TypePing               Type = "ping"
	TypePong               Type = "pong"
	TypeCommand            Type = "command"
	TypeRequestMetadata    Type = "request_metadata"
	TypeConfiguration      Type = "configuration"
)

var (
	// ErrInvalidCodec is returned when a codec value is outside the closed
	// enumeration.
	ErrInvalidCodec = errors.New("protocol: invalid codec")

	// ErrMalformedJSON is returned by Parse for input that is not valid JSON.
	// Callers should drop the message and keep the connection open.
	ErrMalformedJSON = errors.New("protocol: malformed JSON")

	// ErrUnknownType is returned by Parse for envelopes whose type tag is not
	// part of the protocol. Callers should drop the message and keep the
	// connection open.
	ErrUnknownType = errors.New("protocol: unknown envelope type")

	// ErrNegativePTS is returned when a frame carries a negative presentation
	// counter.
	ErrNegativePTS = errors.New("protocol: negative pts")
)

// Message is any wire envelope variant.
type Message interface {
	MessageType() Type
}

// ByteArray marshals as a JSON array of byte values rather than the base64
// string encoding/json uses for []byte. Raw H.264 payloads are carried this
// way so browser consumers can feed them to a decoder without re-decoding.
type ByteArray []byte

// MarshalJSON implements json.Marshaler.
func (b ByteArray) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, len(b)*4+2)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var ints []uint16
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v > 0xff {
			return fmt.Errorf("byte array value %d out of range", v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// Metadata announces the decode parameters for a stream. The codec id and
// name are always derived from one Codec value, never set independently.
type Metadata struct {
	Type      Type    `json:"type"`
	Codec     int     `json:"codec"`
	CodecName string  `json:"codecName"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FPS       float64 `json:"fps,omitempty"`
}

func (m *Metadata) MessageType() Type { return TypeMetadata }

// NewMetadata builds a metadata envelope. Pass fps <= 0 to omit the frame
// rate from the wire message.
func NewMetadata(codec Codec, width, height int, fps float64) (*Metadata, error) {
	if !codec.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCodec, int(codec))
	}
	m := &Metadata{
		Type:      TypeMetadata,
		Codec:     int(codec),
		CodecName: codec.Name(),
		Width:     width,
		Height:    height,
	}
	if fps > 0 {
		m.FPS = fps
	}
	return m, nil
}

// Frame carries one complete JPEG image, base64-encoded.
type Frame struct {
	Type  Type   `json:"type"`
	Data  string `json:"data"`
	PTS   int64  `json:"pts"`
	Codec string `json:"codec"`
}

func (f *Frame) MessageType() Type { return TypeFrame }

// NewFrame builds a frame envelope from raw JPEG bytes and a monotonically
// increasing presentation counter.
func NewFrame(jpeg []byte, pts int64) (*Frame, error) {
	if pts < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNegativePTS, pts)
	}
	return &Frame{
		Type:  TypeFrame,
		Data:  base64.StdEncoding.EncodeToString(jpeg),
		PTS:   pts,
		Codec: CodecMJPEG.Name(),
	}, nil
}

// JPEG decodes the base64 payload back to raw JPEG bytes.
func (f *Frame) JPEG() ([]byte, error) {
	return base64.StdEncoding.DecodeString(f.Data)
}

// DataFrame carries raw H.264 bytes. The presentation timestamp is a 64-bit
// value serialized as its exact decimal string so it survives JSON's lack of
// 64-bit integers without precision loss.
type DataFrame struct {
	Type     Type      `json:"type"`
	Data     ByteArray `json:"data"`
	Keyframe bool      `json:"keyframe"`
	PTS      string    `json:"pts"`
}

func (d *DataFrame) MessageType() Type { return TypeData }

// NewDataFrame builds a data envelope from raw codec bytes.
func NewDataFrame(data []byte, keyframe bool, pts int64) *DataFrame {
	return &DataFrame{
		Type:     TypeData,
		Data:     data,
		Keyframe: keyframe,
		PTS:      strconv.FormatInt(pts, 10),
	}
}

// Timestamp parses the decimal pts string back to an int64.
func (d *DataFrame) Timestamp() (int64, error) {
	return strconv.ParseInt(d.PTS, 10, 64)
}

// DeviceDisconnected tells consumers the producer side of a session is gone.
type DeviceDisconnected struct {
	Type     Type   `json:"type"`
	DeviceID string `json:"deviceId"`
}

func (d *DeviceDisconnected) MessageType() Type { return TypeDeviceDisconnected }

// NewDeviceDisconnected builds a device_disconnected envelope.
func NewDeviceDisconnected(deviceID string) *DeviceDisconnected {
	return &DeviceDisconnected{Type: TypeDeviceDisconnected, DeviceID: deviceID}
}

// Heartbeat is a ping or pong envelope. The timestamp is milliseconds since
// the Unix epoch.
type Heartbeat struct {
	Type      Type  `json:"type"`
	Timestamp int64 `json:"timestamp"`
}

func (h *Heartbeat) MessageType() Type { return h.Type }

// NewPing builds a ping envelope stamped with the current time.
func NewPing() *Heartbeat {
	return &Heartbeat{Type: TypePing, Timestamp: time.Now().UnixMilli()}
}

// NewPong builds a pong envelope stamped with the current time.
func NewPong() *Heartbeat {
	return &Heartbeat{Type: TypePong, Timestamp: time.Now().UnixMilli()}
}

// Command is an automation request from a consumer. The payload is opaque to
// the relay and forwarded verbatim to the device's automation sink.
type Command struct {
	Type    Type            `json:"type"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (c *Command) MessageType() Type { return TypeCommand }

// RequestMetadata asks the registry to resend the cached metadata envelope.
type RequestMetadata struct {
	Type Type `json:"type"`
}

func (r *RequestMetadata) MessageType() Type { return TypeRequestMetadata }

// NewRequestMetadata builds a request_metadata envelope.
func NewRequestMetadata() *RequestMetadata {
	return &RequestMetadata{Type: TypeRequestMetadata}
}

// Configuration carries codec configuration bytes (SPS/PPS for H.264). The
// relay forwards these without interpretation.
type Configuration struct {
	Type Type      `json:"type"`
	Data ByteArray `json:"data,omitempty"`
}

func (c *Configuration) MessageType() Type { return TypeConfiguration }

// NewConfiguration builds a configuration envelope.
func NewConfiguration(data []byte) *Configuration {
	return &Configuration{Type: TypeConfiguration, Data: data}
}

// Encode serializes a message to its JSON wire form.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Envelope is the decoded form of an incoming wire message. Exactly one
// variant pointer is non-nil, matching Type.
type Envelope struct {
	Type            Type
	Metadata        *Metadata
	Frame           *Frame
	Data            *DataFrame
	Disconnected    *DeviceDisconnected
	Ping            *Heartbeat
	Pong            *Heartbeat
	Command         *Command
	RequestMetadata *RequestMetadata
	Configuration   *Configuration

	// Raw holds the original bytes so opaque envelopes can be forwarded
	// verbatim.
	Raw []byte
}

// Parse decodes one wire message. It returns ErrMalformedJSON or
// ErrUnknownType as values, never panics; both mean "drop this message,
// keep the connection open".
func Parse(data []byte) (*Envelope, error) {
	var header struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}

	env := &Envelope{Type: header.Type, Raw: data}
	var target any
	switch header.Type {
	case TypeMetadata:
		env.Metadata = &Metadata{}
		target = env.Metadata
	case TypeFrame:
		env.Frame = &Frame{}
		target = env.Frame
	case TypeData:
		env.Data = &DataFrame{}
		target = env.Data
	case TypeDeviceDisconnected:
		env.Disconnected = &DeviceDisconnected{}
		target = env.Disconnected
	case TypePing:
		env.Ping = &Heartbeat{}
		target = env.Ping
	case TypePong:
		env.Pong = &Heartbeat{}
		target = env.Pong
	case TypeCommand:
		env.Command = &Command{}
		target = env.Command
	case TypeRequestMetadata:
		env.RequestMetadata = &RequestMetadata{}
		target = env.RequestMetadata
	case TypeConfiguration:
		env.Configuration = &Configuration{}
		target = env.Configuration
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, header.Type)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	return env, nil
}
