package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame's payload. A peer announcing a larger
// frame is violating the protocol and its connection should be dropped.
const MaxFrameSize = 4 << 20

// Marshaler is implemented by every top-level envelope in this package.
type Marshaler interface {
	Marshal() []byte
}

// Encoder writes length-prefixed frames. Each frame is a 4-byte big-endian
// payload length followed by the payload itself.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one frame containing m's encoding.
func (e *Encoder) Encode(m Marshaler) error {
	payload := m.Marshal()
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("encode: frame of %d bytes exceeds limit", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := e.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("encode: write header: %w", err)
	}
	if _, err := e.w.Write(payload); err != nil {
		return fmt.Errorf("encode: write payload: %w", err)
	}
	return nil
}

// Decoder reads length-prefixed frames.
type Decoder struct {
	r io.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads exactly one frame and returns its payload. io.EOF is
// returned untouched when the stream ends cleanly on a frame boundary.
func (d *Decoder) Decode() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("decode: read header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("decode: frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, fmt.Errorf("decode: read payload: %w", err)
	}
	return payload, nil
}
