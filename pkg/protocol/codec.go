package protocol

import "fmt"

// Codec identifies a video codec on the wire. The numeric ids are part of
// the public protocol contract and must never change for existing values.
type Codec int

const (
	CodecH264  Codec = 0
	CodecMJPEG Codec = 1
	CodecH265  Codec = 2
)

var codecNames = map[Codec]string{
	CodecH264:  "h264",
	CodecMJPEG: "mjpeg",
	CodecH265:  "h265",
}

// Valid reports whether the codec is a member of the closed enumeration.
func (c Codec) Valid() bool {
	_, ok := codecNames[c]
	return ok
}

// Name returns the canonical codec name, or "unknown" for values outside
// the enumeration.
func (c Codec) Name() string {
	if name, ok := codecNames[c]; ok {
		return name
	}
	return "unknown"
}

// String implements fmt.Stringer.
func (c Codec) String() string {
	return c.Name()
}

// CodecFromName resolves a canonical codec name back to its Codec value.
func CodecFromName(name string) (Codec, error) {
	for c, n := range codecNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidCodec, name)
}

// CodecFromID resolves a wire codec id back to its Codec value.
func CodecFromID(id int) (Codec, error) {
	c := Codec(id)
	if !c.Valid() {
		return 0, fmt.Errorf("%w: id %d", ErrInvalidCodec, id)
	}
	return c, nil
}
