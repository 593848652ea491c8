package message

// Reply status values.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusAborted = "aborted"
)

// Stream names carried by Stream content.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

type ExecuteRequest struct {
	Code   string `json:"code"`
	Silent bool   `json:"silent"`
}

// NextPrompt describes the prompt the controller should show next.
type NextPrompt struct {
	PromptString string `json:"prompt_string"`
	PromptNumber int    `json:"prompt_number"`
	InputSep     string `json:"input_sep"`
}

// ExecuteReply answers an execute request. The error fields are set only
// when Status is StatusError.
type ExecuteReply struct {
	Status       string         `json:"status"`
	Payload      map[string]any `json:"payload,omitempty"`
	PromptNumber int            `json:"prompt_number"`
	NextPrompt   *NextPrompt    `json:"next_prompt,omitempty"`
	EName        string         `json:"ename,omitempty"`
	EValue       string         `json:"evalue,omitempty"`
	Traceback    []string       `json:"traceback,omitempty"`
}

// CompleteRequest asks for completions of Text within Line. A nil CursorPos
// means the cursor sits at the end of Text.
type CompleteRequest struct {
	Text      string `json:"text"`
	Line      string `json:"line"`
	CursorPos *int   `json:"cursor_pos"`
	Block     string `json:"block"`
}

type CompleteReply struct {
	Matches []string `json:"matches"`
	Status  string   `json:"status"`
}

type ObjectInfoRequest struct {
	OName string `json:"oname"`
}

type ObjectInfoReply struct {
	DocString string `json:"docstring"`
}

type HistoryRequest struct {
	Index  int  `json:"index"`
	Raw    bool `json:"raw"`
	Output bool `json:"output"`
}

// HistoryReply maps input numbers to the source (and optionally output) of
// each entry. Keys are decimal strings on the wire.
type HistoryReply struct {
	History map[string]string `json:"history"`
}

type PromptReply struct {
	PromptString string `json:"prompt_string"`
	PromptNumber int    `json:"prompt_number"`
	InputSep     string `json:"input_sep"`
}

type InputRequest struct {
	Prompt string `json:"prompt"`
}

// InputReply carries the controller's answer. Value is a pointer so a reply
// that omits it can be told apart from an empty answer.
type InputReply struct {
	Value *string `json:"value"`
}

type Pyin struct {
	Code string `json:"code"`
}

type Pyout struct {
	Data         string `json:"data"`
	PromptNumber int    `json:"prompt_number"`
}

type Pyerr struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

type Stream struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

// ErrorContent is the reply content for a request whose handler failed.
type ErrorContent struct {
	Status    string   `json:"status"`
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// AbortedContent is the reply content for a request rejected while the
// kernel drains its queue after a failure.
type AbortedContent struct {
	Status string `json:"status"`
}

// Status extracts the status field of a reply, or "" when it has none.
func (m *Message) Status() string {
	var s struct {
		Status string `json:"status"`
	}
	if err := m.Decode(&s); err != nil {
		return ""
	}
	return s.Status
}
