package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds the declared length of a single frame. Oversized
// frames are treated as hostile and the owning connection is closed.
const MaxFrameSize = 1 << 20 // 1 MiB

var (
	// ErrFrameTooLarge is returned when a frame's declared length exceeds
	// MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrMalformed is returned when a frame body is not a valid envelope.
	ErrMalformed = errors.New("malformed envelope")
)

// Encode writes one frame: a 4-byte big-endian length followed by the
// JSON-encoded envelope. It is total for any envelope within MaxFrameSize.
func Encode(w io.Writer, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)

	_, err = w.Write(frame)
	return err
}

// Decoder reads a finite sequence of envelopes from a byte stream. Next
// blocks while awaiting the remainder of a partial frame and terminates
// with io.EOF on clean stream closure, or with a framing error after which
// the stream must be discarded.
type Decoder struct {
	r io.Reader
}

// NewDecoder creates a Decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next returns the next envelope on the stream.
func (d *Decoder) Next() (*Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame header", ErrMalformed)
		}
		return nil, err
	}

	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, fmt.Errorf("%w: truncated frame body", ErrMalformed)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &env, nil
}
