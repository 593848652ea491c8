// Package shell is a small line-oriented interpreter used as the kernel's
// built-in Shell. Each line is one statement:
//
//	name = expr          assign
//	print expr           write expr to stdout
//	input expr -> name   ask the controller for a line and store it
//	raise expr           fail with a RuntimeError
//	del name             remove a variable
//	sleep expr           wait for expr seconds or until interrupted
//	expr                 display the value of expr
//
// Expressions are numbers, double-quoted strings and variable names joined
// by "+". Lines starting with "#" are comments.
package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zhubert/plural-kernel/kernel"
	"github.com/zhubert/plural-kernel/logger"
)

const (
	promptFormat = "In [%d]: "
	inputSep     = "\n"
)

var keywords = []string{"del", "input", "print", "raise", "sleep"}

var keywordDocs = map[string]string{
	"del":   "del name\n\nRemove a variable from the namespace.",
	"input": "input prompt -> name\n\nAsk the controller for a line of input and store it in name.",
	"print": "print expr\n\nWrite the value of expr to stdout.",
	"raise": "raise expr\n\nFail the current execution with a RuntimeError.",
	"sleep": "sleep seconds\n\nPause execution. An interrupt ends the pause.",
}

type entry struct {
	raw    string
	output string
}

// Shell is the built-in line interpreter. It is safe for concurrent use,
// though the kernel only calls it from its dispatch loop.
type Shell struct {
	mu      sync.Mutex
	ns      map[string]Value
	history map[int]entry
	count   int
	log     *slog.Logger
}

var _ kernel.Shell = (*Shell)(nil)

// New returns a shell with an empty namespace.
func New() *Shell {
	return &Shell{
		ns:      make(map[string]Value),
		history: make(map[int]entry),
		log:     logger.WithComponent("shell"),
	}
}

// Set assigns a variable.
func (s *Shell) Set(name string, v Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ns[name] = v
}

// Get returns a variable.
func (s *Shell) Get(name string) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.ns[name]
	return v, ok
}

// Execute runs every line of code. Execution stops at the first failing
// line; lines before it keep their effects.
func (s *Shell) Execute(ctx context.Context, code string, ec *kernel.ExecContext) (map[string]any, error) {
	s.mu.Lock()
	s.count++
	n := s.count
	s.history[n] = entry{raw: code}
	s.mu.Unlock()

	var last string
	for i, line := range strings.Split(code, "\n") {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := s.run(ctx, strings.TrimSpace(line), n, ec)
		if err != nil {
			return nil, s.failure(err, i+1, line)
		}
		if out != "" {
			last = out
		}
	}

	if last != "" {
		s.mu.Lock()
		e := s.history[n]
		e.output = last
		s.history[n] = e
		s.mu.Unlock()
	}
	return nil, nil
}

func (s *Shell) failure(err error, lineNo int, line string) error {
	var ee *evalError
	if !errors.As(err, &ee) {
		return err
	}
	s.log.Debug("execution failed", "line", lineNo, "error", err)
	return &kernel.ExecError{
		Name:      ee.name,
		Value:     ee.msg,
		Traceback: []string{fmt.Sprintf("line %d: %s", lineNo, strings.TrimSpace(line)), ee.Error()},
	}
}

// run executes one statement and returns the repr it displayed, if any.
func (s *Shell) run(ctx context.Context, line string, n int, ec *kernel.ExecContext) (string, error) {
	if line == "" || strings.HasPrefix(line, "#") {
		return "", nil
	}

	keyword, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch keyword {
	case "print":
		v, err := s.evalLocked(rest)
		if err != nil {
			return "", err
		}
		fmt.Fprintln(ec.Stdout, v.Text())
		return "", nil

	case "input":
		promptExpr, name, ok := strings.Cut(rest, "->")
		name = strings.TrimSpace(name)
		if !ok || !isIdent(name) {
			return "", &evalError{name: "SyntaxError", msg: "usage: input prompt -> name"}
		}
		prompt := ""
		if p := strings.TrimSpace(promptExpr); p != "" {
			v, err := s.evalLocked(p)
			if err != nil {
				return "", err
			}
			prompt = v.Text()
		}
		value, err := ec.Input(ctx, prompt)
		if err != nil {
			return "", err
		}
		s.Set(name, String(value))
		return "", nil

	case "raise":
		msg := "error"
		if rest != "" {
			v, err := s.evalLocked(rest)
			if err != nil {
				return "", err
			}
			msg = v.Text()
		}
		return "", &evalError{name: "RuntimeError", msg: msg}

	case "del":
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.ns[rest]; !ok {
			return "", &evalError{name: "NameError", msg: fmt.Sprintf("name %q is not defined", rest)}
		}
		delete(s.ns, rest)
		return "", nil

	case "sleep":
		v, err := s.evalLocked(rest)
		if err != nil {
			return "", err
		}
		if !v.IsNum {
			return "", &evalError{name: "TypeError", msg: "sleep needs a number of seconds"}
		}
		select {
		case <-time.After(time.Duration(v.Num * float64(time.Second))):
			return "", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if name, expr, ok := strings.Cut(line, "="); ok && isIdent(strings.TrimSpace(name)) {
		name = strings.TrimSpace(name)
		v, err := s.evalLocked(strings.TrimSpace(expr))
		if err != nil {
			return "", err
		}
		s.Set(name, v)
		return "", nil
	}

	v, err := s.evalLocked(line)
	if err != nil {
		return "", err
	}
	repr := v.Repr()
	if err := ec.Display(repr, n); err != nil {
		return "", err
	}
	return repr, nil
}

func (s *Shell) evalLocked(expr string) (Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eval(expr)
}

// ObjectInfo documents a keyword or variable. Dotted names resolve only when
// nothing follows the first segment, since values have no attributes.
func (s *Shell) ObjectInfo(oname string) string {
	parts := strings.Split(oname, ".")
	if len(parts) != 1 {
		return ""
	}
	name := parts[0]
	if doc, ok := keywordDocs[name]; ok {
		return doc
	}
	v, ok := s.Get(name)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s %s = %s", v.Kind(), name, v.Repr())
}

// History returns input history. A negative index returns every entry;
// otherwise only the entry with that number, if it exists. Without raw, the
// source is returned with comments and blank lines removed. With output, the
// last displayed result is appended.
func (s *Shell) History(index int, raw, output bool) map[int]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int]string)
	for _, n := range slices.Sorted(maps.Keys(s.history)) {
		if index >= 0 && n != index {
			continue
		}
		e := s.history[n]
		src := e.raw
		if !raw {
			src = clean(src)
		}
		if output && e.output != "" {
			src += "\n# Out: " + e.output
		}
		out[n] = src
	}
	return out
}

func clean(src string) string {
	var lines []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// Prompt reports the execution count and the next prompt.
func (s *Shell) Prompt() kernel.PromptInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return kernel.PromptInfo{
		Count:    s.count,
		Next:     fmt.Sprintf(promptFormat, s.count+1),
		InputSep: inputSep,
	}
}
