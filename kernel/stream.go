package kernel

import (
	"bytes"
	"sync"

	"github.com/zhubert/plural-kernel/message"
)

// OutStream is an io.Writer that publishes what is written to it as stream
// messages. Complete lines are published as they are written; a trailing
// partial line waits for Flush.
type OutStream struct {
	name   string
	pub    *Publisher
	parent *message.Message

	mu  sync.Mutex
	buf bytes.Buffer
}

func newOutStream(name string, pub *Publisher, parent *message.Message) *OutStream {
	return &OutStream{name: name, pub: pub, parent: parent}
}

// Name returns the stream name, stdout or stderr.
func (s *OutStream) Name() string {
	return s.name
}

func (s *OutStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.buf.Write(p)
	var data string
	if i := bytes.LastIndexByte(s.buf.Bytes(), '\n'); i >= 0 {
		data = string(s.buf.Next(i + 1))
	}
	s.mu.Unlock()

	if data != "" {
		if err := s.publish(data); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// WriteString writes str.
func (s *OutStream) WriteString(str string) (int, error) {
	return s.Write([]byte(str))
}

// Flush publishes anything still buffered.
func (s *OutStream) Flush() error {
	s.mu.Lock()
	data := s.buf.String()
	s.buf.Reset()
	s.mu.Unlock()

	if data == "" {
		return nil
	}
	return s.publish(data)
}

func (s *OutStream) publish(data string) error {
	return s.pub.Publish(message.TypeStream, message.Stream{Name: s.name, Data: data}, s.parent)
}
