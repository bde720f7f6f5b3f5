// Package wire provides CBOR message framing for the labfeed protocol.
//
// Envelopes are length-delimited with a uvarint prefix and encoded as
// deterministic CBOR. This allows efficient streaming of variable-length
// messages over TCP.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/labfeed/labfeed/config"
	"github.com/labfeed/labfeed/internal/errors"
)

// Reader reads length-delimited envelopes from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r  *bufio.Reader
	mu sync.Mutex

	maxSize int
}

// NewReader creates a Reader wrapping the given io.Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), maxSize: config.DefaultMaxMessageSize}
}

// Read reads and unmarshals the next envelope.
// Returns an error if the message exceeds the maximum message size.
func (r *Reader) Read() (*Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	size, err := binary.ReadUvarint(r.r)
	if err != nil {
		return nil, fmt.Errorf("read envelope length: %w", err)
	}
	if size > uint64(r.maxSize) {
		return nil, fmt.Errorf("envelope of %d bytes exceeds limit %d: %w",
			size, r.maxSize, errors.ErrMalformedMessage)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, fmt.Errorf("read envelope body: %w", err)
	}

	env := &Envelope{}
	if err := Unmarshal(buf, env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", errors.ErrMalformedMessage)
	}
	return env, nil
}

// Writer writes length-delimited envelopes to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write marshals and writes an envelope with length prefix.
func (w *Writer) Write(env *Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Encode marshals an envelope with its length prefix into a byte slice.
// Used by senders that queue framed bytes instead of writing directly.
func Encode(env *Envelope) ([]byte, error) {
	body, err := Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	buf := make([]byte, 0, len(body)+binary.MaxVarintLen32)
	buf = binary.AppendUvarint(buf, uint64(len(body)))
	return append(buf, body...), nil
}

// Conn combines Reader and Writer for bidirectional communication.
type Conn struct {
	*Reader
	*Writer
}

// NewConn creates a Conn from an io.ReadWriter (e.g., net.Conn).
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		Reader: NewReader(rw),
		Writer: NewWriter(rw),
	}
}

// =============================================================================
// Error Envelope Helpers
// =============================================================================

// NewError creates an error envelope with the given request ID, error code,
// and message. Error codes should be from the errors package (errors.Code*).
func NewError(id uint64, code int32, msg string) *Envelope {
	return &Envelope{
		Id:    id,
		Type:  TypeError,
		Error: &Error{Code: code, Message: msg},
	}
}

// NewErrorFromErr creates an error envelope from a Go error.
// It automatically maps the error to the appropriate wire code.
func NewErrorFromErr(id uint64, err error) *Envelope {
	return NewError(id, errors.ErrorToCode(err), err.Error())
}

// NewErrorf creates an error envelope with a formatted message.
func NewErrorf(id uint64, code int32, format string, args ...interface{}) *Envelope {
	return NewError(id, code, fmt.Sprintf(format, args...))
}
