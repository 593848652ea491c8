package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/zhubert/plural-kernel/message"
)

// ErrInputUnavailable is returned by ExecContext.Input once the request that
// owned the context has been answered.
var ErrInputUnavailable = errors.New("input is only available while a request is running")

// Shell runs the commands a kernel receives. The kernel calls it from a
// single goroutine, one request at a time.
type Shell interface {
	// Execute runs code. The returned payload is copied into the reply.
	Execute(ctx context.Context, code string, ec *ExecContext) (map[string]any, error)

	// Complete returns candidate completions for text at cursorPos in line.
	Complete(text, line string, cursorPos int) []string

	// ObjectInfo returns the docstring of the dotted name oname, or "".
	ObjectInfo(oname string) string

	// History returns input history keyed by input number. A negative index
	// selects every entry.
	History(index int, raw, output bool) map[int]string

	// Prompt describes the prompt state after the last execution.
	Prompt() PromptInfo
}

// PromptInfo is the prompt state reported in execute and prompt replies.
type PromptInfo struct {
	// Count is the number of the last executed input.
	Count int

	// Next is the prompt string for the next input.
	Next string

	// InputSep is printed before the next prompt.
	InputSep string
}

// ExecError describes a failed execution. Shells return it so the error
// reply carries a name and traceback; any other error is reported as a
// generic "Error".
type ExecError struct {
	Name      string
	Value     string
	Traceback []string
}

func (e *ExecError) Error() string {
	if e.Value == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Value)
}

// errorContent converts a handler failure into reply content.
func errorContent(err error) message.ErrorContent {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		tb := execErr.Traceback
		if tb == nil {
			tb = []string{}
		}
		return message.ErrorContent{
			Status:    message.StatusError,
			EName:     execErr.Name,
			EValue:    execErr.Value,
			Traceback: tb,
		}
	}
	if errors.Is(err, context.Canceled) {
		return message.ErrorContent{
			Status:    message.StatusError,
			EName:     "Interrupted",
			EValue:    "execution interrupted",
			Traceback: []string{},
		}
	}
	return message.ErrorContent{
		Status:    message.StatusError,
		EName:     "Error",
		EValue:    err.Error(),
		Traceback: []string{},
	}
}

// ExecContext is what a running execute request may do besides computing:
// write to its output streams, display a result, and ask the controller for
// input. It is valid only until the request is answered.
type ExecContext struct {
	Stdout io.Writer
	Stderr io.Writer

	parent  *message.Message
	flush   func()
	display func(data string, promptNumber int) error

	mu     sync.Mutex
	input  func(ctx context.Context, prompt string) (string, error)
	closed bool
}

func newExecContext(parent *message.Message, pub *Publisher, stdin *inputRequester) *ExecContext {
	stdout := newOutStream(message.StreamStdout, pub, parent)
	stderr := newOutStream(message.StreamStderr, pub, parent)
	return &ExecContext{
		Stdout: stdout,
		Stderr: stderr,
		parent: parent,
		flush: func() {
			stderr.Flush()
			stdout.Flush()
		},
		display: func(data string, promptNumber int) error {
			stdout.Flush()
			return pub.Publish(message.TypePyout, message.Pyout{Data: data, PromptNumber: promptNumber}, parent)
		},
		input: func(ctx context.Context, prompt string) (string, error) {
			return stdin.request(ctx, parent, prompt)
		},
	}
}

// LocalExecContext returns an ExecContext that is not attached to a kernel.
// Output goes to stdout and stderr, displayed results are written to stdout,
// and input is read with readInput, which may be nil.
func LocalExecContext(stdout, stderr io.Writer, readInput func(ctx context.Context, prompt string) (string, error)) *ExecContext {
	return &ExecContext{
		Stdout: stdout,
		Stderr: stderr,
		flush:  func() {},
		display: func(data string, promptNumber int) error {
			_, err := fmt.Fprintf(stdout, "Out[%d]: %s\n", promptNumber, data)
			return err
		},
		input: readInput,
	}
}

// Parent returns the request being executed, or nil for a local context.
func (ec *ExecContext) Parent() *message.Message {
	return ec.parent
}

// Input flushes both output streams and asks the controller for a line of
// input, blocking until it answers or ctx is done.
func (ec *ExecContext) Input(ctx context.Context, prompt string) (string, error) {
	ec.mu.Lock()
	input, closed := ec.input, ec.closed
	ec.mu.Unlock()
	if closed || input == nil {
		return "", ErrInputUnavailable
	}

	ec.flush()
	return input(ctx, prompt)
}

// Display shows data as the result of input number promptNumber.
func (ec *ExecContext) Display(data string, promptNumber int) error {
	return ec.display(data, promptNumber)
}

// Close flushes the streams and revokes the input capability. The kernel
// closes every context it creates once the request has run.
func (ec *ExecContext) Close() {
	ec.flush()

	ec.mu.Lock()
	ec.closed = true
	ec.input = nil
	ec.mu.Unlock()
}
