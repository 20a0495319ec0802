package merge

import (
	"fmt"
	"strings"

	"campuscast/internal/fields"
)

// segment is either literal text or a token name. tok is empty for literals.
type segment struct {
	lit string
	tok string
}

// Template is a parsed message template. It is immutable and safe to render
// from many goroutines.
type Template struct {
	src    string
	segs   []segment
	tokens []string
	eng    *Engine
}

// Parse splits text into literal and token segments.
//
// A token is '{' + one or more word characters + '}'. Braces around anything
// else ("{}", "{ a }") stay literal. An opening brace with no closing brace
// before the end of text, or before another opening brace, is malformed.
func Parse(text string) (*Template, error) {
	t := &Template{src: text}
	seen := map[string]bool{}
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			t.segs = append(t.segs, segment{lit: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(text); {
		if text[i] != '{' {
			lit.WriteByte(text[i])
			i++
			continue
		}
		end := -1
		for j := i + 1; j < len(text); j++ {
			if text[j] == '}' {
				end = j
				break
			}
			if text[j] == '{' {
				break
			}
		}
		if end < 0 {
			return nil, &MalformedTemplateError{Offset: i}
		}
		name := text[i+1 : end]
		if !fields.IsName(name) {
			lit.WriteString(text[i : end+1])
			i = end + 1
			continue
		}
		flush()
		t.segs = append(t.segs, segment{tok: name})
		if !seen[name] {
			seen[name] = true
			t.tokens = append(t.tokens, name)
		}
		i = end + 1
	}
	flush()
	return t, nil
}

// Source returns the original template text.
func (t *Template) Source() string { return t.src }

// Tokens returns distinct token names in order of first appearance.
func (t *Template) Tokens() []string {
	return append([]string(nil), t.tokens...)
}

// MalformedTemplateError reports an unterminated '{'.
type MalformedTemplateError struct {
	Offset int
}

func (e *MalformedTemplateError) Error() string {
	return fmt.Sprintf("malformed template: unterminated '{' at offset %d", e.Offset)
}

// RenderError reports a resolver that panicked while rendering one recipient.
type RenderError struct {
	RecipientID string
	Token       string
	Value       any
}

func (e *RenderError) Error() string {
	if e.RecipientID != "" {
		return fmt.Sprintf("render %s: field %q panicked: %v", e.RecipientID, e.Token, e.Value)
	}
	return fmt.Sprintf("render: field %q panicked: %v", e.Token, e.Value)
}

// UnresolvedTokenWarning lists tokens that rendered as empty because neither
// the registry nor custom data defined them. It is never fatal.
type UnresolvedTokenWarning struct {
	RecipientID string
	Tokens      []string
}

func (w *UnresolvedTokenWarning) Error() string {
	return fmt.Sprintf("unresolved tokens for %s: %s", w.RecipientID, strings.Join(w.Tokens, ", "))
}
