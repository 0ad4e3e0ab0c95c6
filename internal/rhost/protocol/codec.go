package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFrameSize bounds a single encoded message.
	MaxFrameSize = 16 * 1024 * 1024

	// frameOverhead is reserved for the envelope around a blob payload.
	frameOverhead = 4 * 1024

	// MaxBlobChunk is the largest blob payload whose base64 encoding still
	// fits in one frame.
	MaxBlobChunk = (MaxFrameSize - frameOverhead) / 4 * 3
)

// ErrFrameTooLarge is reported when an encoded message exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds limit")

// EncodeError reports a message that could not be encoded. Nothing was
// written, so the connection is still usable.
type EncodeError struct {
	Name string
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encoding %s: %v", e.Name, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// Decoder reads newline-delimited messages.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxFrameSize)
	return &Decoder{scanner: scanner}
}

// Decode reads the next message. Blank lines are skipped.
// Returns io.EOF when the stream ends cleanly.
func (d *Decoder) Decode() (*Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return Unmarshal(line)
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Encoder writes newline-delimited messages. It is not safe for concurrent use.
type Encoder struct {
	w io.Writer
}

// NewEncoder creates an encoder over w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes msg followed by a newline in a single write.
func (e *Encoder) Encode(msg *Message) error {
	data, err := Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = e.w.Write(data)
	return err
}

// Marshal encodes a message without framing.
func Marshal(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, &EncodeError{Name: msg.Name, Err: err}
	}
	if len(data) > MaxFrameSize {
		return nil, &EncodeError{Name: msg.Name, Err: fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))}
	}
	return data, nil
}

// Unmarshal decodes a single unframed message.
func Unmarshal(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if msg.Name == "" {
		return nil, fmt.Errorf("decoding message: missing name")
	}
	return &msg, nil
}
