package message

import (
	"encoding/json"
	"fmt"
)

// Kind is the JSON kind a required content field must have.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	}
	return "unknown"
}

// Requirement names a content field that must be present with a given kind.
type Requirement struct {
	Field string
	Kind  Kind
}

// ValidationError reports a malformed message.
type ValidationError struct {
	Type   Type
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed %s message: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("malformed %s message: field %q: %s", e.Type, e.Field, e.Reason)
}

var requirements = map[Type][]Requirement{
	TypeExecuteRequest: {
		{"code", KindString},
	},
	TypeCompleteRequest: {
		{"text", KindString},
		{"line", KindString},
	},
	TypeObjectInfoRequest: {
		{"oname", KindString},
	},
	TypeHistoryRequest: {
		{"index", KindNumber},
		{"raw", KindBool},
		{"output", KindBool},
	},
	TypeInputRequest: {
		{"prompt", KindString},
	},
}

// Requirements returns the required content fields for t.
func Requirements(t Type) []Requirement {
	return requirements[t]
}

// Validate checks the envelope fields of m and the required content fields
// of its type. Types without requirements only get the envelope check;
// unknown fields are ignored.
func Validate(m *Message) error {
	if m.ID == "" {
		return &ValidationError{Type: m.Type, Reason: "missing id"}
	}
	if m.Type == "" {
		return &ValidationError{Reason: "missing type"}
	}
	reqs := requirements[m.Type]
	if len(reqs) == 0 {
		return nil
	}

	var fields map[string]json.RawMessage
	if len(m.Content) == 0 {
		return &ValidationError{Type: m.Type, Reason: "missing content"}
	}
	if err := json.Unmarshal(m.Content, &fields); err != nil {
		return &ValidationError{Type: m.Type, Reason: "content is not an object"}
	}

	for _, req := range reqs {
		raw, ok := fields[req.Field]
		if !ok || string(raw) == "null" {
			return &ValidationError{Type: m.Type, Field: req.Field, Reason: "missing required field"}
		}
		if kindOf(raw) != req.Kind {
			return &ValidationError{Type: m.Type, Field: req.Field, Reason: "want " + req.Kind.String()}
		}
	}
	return nil
}

func kindOf(raw json.RawMessage) Kind {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return -1
	}
	switch v.(type) {
	case string:
		return KindString
	case float64:
		return KindNumber
	case bool:
		return KindBool
	}
	return -1
}
