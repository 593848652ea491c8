package shell

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Value is a shell value: a number or a string.
type Value struct {
	Num   float64
	Str   string
	IsNum bool
}

// Number returns a numeric value.
func Number(n float64) Value {
	return Value{Num: n, IsNum: true}
}

// String returns a string value.
func String(s string) Value {
	return Value{Str: s}
}

// Text is how print shows the value.
func (v Value) Text() string {
	if v.IsNum {
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	}
	return v.Str
}

// Repr is how the value is displayed as a result.
func (v Value) Repr() string {
	if v.IsNum {
		return v.Text()
	}
	return strconv.Quote(v.Str)
}

// Kind names the value type.
func (v Value) Kind() string {
	if v.IsNum {
		return "number"
	}
	return "string"
}

// eval evaluates expr: one or more terms joined by "+". Terms are numbers,
// double-quoted strings or variable names. Numbers add; anything else
// concatenates as text only when every term is a string.
func (s *Shell) eval(expr string) (Value, error) {
	terms, err := splitTerms(expr)
	if err != nil {
		return Value{}, err
	}

	var result Value
	for i, term := range terms {
		v, err := s.term(term)
		if err != nil {
			return Value{}, err
		}
		if i == 0 {
			result = v
			continue
		}
		if v.IsNum != result.IsNum {
			return Value{}, &evalError{name: "TypeError", msg: fmt.Sprintf("cannot add %s and %s", result.Kind(), v.Kind())}
		}
		if v.IsNum {
			result.Num += v.Num
		} else {
			result.Str += v.Str
		}
	}
	return result, nil
}

func (s *Shell) term(term string) (Value, error) {
	switch {
	case strings.HasPrefix(term, `"`):
		str, err := strconv.Unquote(term)
		if err != nil {
			return Value{}, &evalError{name: "SyntaxError", msg: "invalid string literal " + term}
		}
		return String(str), nil
	case isIdent(term):
		v, ok := s.ns[term]
		if !ok {
			return Value{}, &evalError{name: "NameError", msg: fmt.Sprintf("name %q is not defined", term)}
		}
		return v, nil
	default:
		n, err := strconv.ParseFloat(term, 64)
		if err != nil {
			return Value{}, &evalError{name: "SyntaxError", msg: "invalid syntax: " + term}
		}
		return Number(n), nil
	}
}

// splitTerms splits expr on "+" outside string literals.
func splitTerms(expr string) ([]string, error) {
	var (
		terms   []string
		current strings.Builder
		inStr   bool
		escaped bool
	)
	flush := func() error {
		term := strings.TrimSpace(current.String())
		if term == "" {
			return &evalError{name: "SyntaxError", msg: "empty expression"}
		}
		terms = append(terms, term)
		current.Reset()
		return nil
	}

	for _, r := range expr {
		switch {
		case escaped:
			escaped = false
		case inStr && r == '\\':
			escaped = true
		case r == '"':
			inStr = !inStr
		case r == '+' && !inStr:
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		current.WriteRune(r)
	}
	if inStr {
		return nil, &evalError{name: "SyntaxError", msg: "unterminated string literal"}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return terms, nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}

// evalError is converted to a kernel.ExecError with a traceback by Execute.
type evalError struct {
	name string
	msg  string
}

func (e *evalError) Error() string {
	return e.name + ": " + e.msg
}
