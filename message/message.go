// Package message defines the envelope exchanged between a controller and a
// kernel, the session that stamps it, and the content shapes of every
// recognized message type.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Type identifies the kind of message carried by an envelope.
type Type string

const (
	TypeExecuteRequest    Type = "execute_request"
	TypeExecuteReply      Type = "execute_reply"
	TypeCompleteRequest   Type = "complete_request"
	TypeCompleteReply     Type = "complete_reply"
	TypeObjectInfoRequest Type = "object_info_request"
	TypeObjectInfoReply   Type = "object_info_reply"
	TypeHistoryRequest    Type = "history_request"
	TypeHistoryReply      Type = "history_reply"
	TypePromptRequest     Type = "prompt_request"
	TypePromptReply       Type = "prompt_reply"
	TypeInputRequest      Type = "input_request"
	TypeInputReply        Type = "input_reply"
	TypePyin              Type = "pyin"
	TypePyout             Type = "pyout"
	TypePyerr             Type = "pyerr"
	TypeStream            Type = "stream"
)

const (
	requestSuffix = "_request"
	replySuffix   = "_reply"
)

// IsRequest reports whether t names a request.
func (t Type) IsRequest() bool {
	return strings.HasSuffix(string(t), requestSuffix)
}

// ReplyType returns the reply type answering a request type:
// "complete_request" becomes "complete_reply". Types without the request
// suffix get "_reply" appended.
func ReplyType(t Type) Type {
	return Type(strings.TrimSuffix(string(t), requestSuffix) + replySuffix)
}

// Header is the identifying subset of a message. A reply carries the header
// of the request it answers, not the whole request.
type Header struct {
	ID       string `json:"id"`
	Type     Type   `json:"type"`
	Session  string `json:"session"`
	Username string `json:"username,omitempty"`
}

// Message is one protocol envelope.
type Message struct {
	ID       string          `json:"id"`
	Type     Type            `json:"type"`
	Session  string          `json:"session"`
	Username string          `json:"username,omitempty"`
	Parent   *Header         `json:"parent"`
	Content  json.RawMessage `json:"content"`
	Metadata map[string]any  `json:"metadata"`
}

// Header returns the identifying subset of m.
func (m *Message) Header() *Header {
	return &Header{
		ID:       m.ID,
		Type:     m.Type,
		Session:  m.Session,
		Username: m.Username,
	}
}

// ParentID returns the id of the request m answers, or "" for unsolicited
// messages.
func (m *Message) ParentID() string {
	if m.Parent == nil {
		return ""
	}
	return m.Parent.ID
}

// Decode unmarshals the content of m into v.
func (m *Message) Decode(v any) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("%s message has no content", m.Type)
	}
	if err := json.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("failed to decode %s content: %w", m.Type, err)
	}
	return nil
}

// Fields returns the content of m as a generic field map.
func (m *Message) Fields() (map[string]any, error) {
	fields := map[string]any{}
	if len(m.Content) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(m.Content, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode %s content: %w", m.Type, err)
	}
	return fields, nil
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(id=%s parent=%s)", m.Type, m.ID, m.ParentID())
}

// Session is the process-wide identity stamped on every outgoing message.
// It is immutable once created.
type Session struct {
	token    string
	username string
}

// NewSession returns a session with a fresh token owned by username.
func NewSession(username string) *Session {
	return &Session{
		token:    uuid.New().String(),
		username: username,
	}
}

// Token returns the session token.
func (s *Session) Token() string {
	return s.token
}

// Username returns the session owner.
func (s *Session) Username() string {
	return s.username
}

// Msg builds a message of type t with the given content. When parent is
// non-nil the new message answers it.
func (s *Session) Msg(t Type, content any, parent *Message) (*Message, error) {
	raw, err := marshalContent(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s content: %w", t, err)
	}
	m := &Message{
		ID:       uuid.New().String(),
		Type:     t,
		Session:  s.token,
		Username: s.username,
		Content:  raw,
	}
	if parent != nil {
		m.Parent = parent.Header()
	}
	return m, nil
}

func marshalContent(content any) (json.RawMessage, error) {
	switch c := content.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(c) == 0 {
			return json.RawMessage("{}"), nil
		}
		// Stored compact, as the encoder would write it.
		var buf bytes.Buffer
		if err := json.Compact(&buf, c); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return json.Marshal(content)
}
