package message

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultMaxFrameSize bounds a single encoded message.
const DefaultMaxFrameSize = 8 << 20

var (
	// ErrFrameTooLarge is returned by Reader when a frame exceeds its limit.
	ErrFrameTooLarge = errors.New("message frame too large")

	// ErrMalformedFrame wraps every failure to parse a frame as an envelope.
	ErrMalformedFrame = errors.New("malformed message frame")
)

// Encode serializes m as one newline-terminated JSON object.
func Encode(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", m.Type, err)
	}
	return buf.Bytes(), nil
}

// Decode parses one encoded message. Trailing whitespace is ignored.
func Decode(data []byte) (*Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &m, nil
}

// Reader reads newline-delimited messages from a stream.
type Reader struct {
	r   *bufio.Reader
	max int
}

// NewReader returns a Reader with the default frame limit.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64<<10), max: DefaultMaxFrameSize}
}

// ReadFrame returns the next raw frame without the trailing newline.
func (r *Reader) ReadFrame() ([]byte, error) {
	var frame []byte
	for {
		chunk, err := r.r.ReadSlice('\n')
		if len(frame)+len(chunk) > r.max {
			return nil, ErrFrameTooLarge
		}
		frame = append(frame, chunk...)
		if err == nil {
			return bytes.TrimRight(frame, "\r\n"), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(bytes.TrimSpace(frame)) > 0 {
			return frame, nil
		}
		return nil, err
	}
}

// Read returns the next message. Blank lines are skipped. A frame that is
// not a valid envelope is returned as a decode error; the stream stays
// usable.
func (r *Reader) Read() (*Message, error) {
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}
		return Decode(frame)
	}
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Writer writes newline-delimited messages. It is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	timeout time.Duration
}

// NewWriter returns a Writer. When w supports write deadlines and timeout is
// positive, every write is bounded by it.
func NewWriter(w io.Writer, timeout time.Duration) *Writer {
	return &Writer{w: w, timeout: timeout}
}

// Write encodes and writes m.
func (w *Writer) Write(m *Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if d, ok := w.w.(writeDeadliner); ok && w.timeout > 0 {
		d.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s message: %w", m.Type, err)
	}
	return nil
}
