package merge

import (
	"strings"

	"campuscast/internal/fields"
)

// RenderedMessage is the output of one render.
type RenderedMessage struct {
	RecipientID string
	Text        string
	Unresolved  []string
}

// Warning returns the unresolved-token warning, or nil when every token resolved.
func (m RenderedMessage) Warning() *UnresolvedTokenWarning {
	if len(m.Unresolved) == 0 {
		return nil
	}
	return &UnresolvedTokenWarning{RecipientID: m.RecipientID, Tokens: append([]string(nil), m.Unresolved...)}
}

// Engine validates and renders templates against one field registry.
type Engine struct {
	reg *fields.Registry
}

func NewEngine(reg *fields.Registry) *Engine {
	if reg == nil {
		reg = fields.NewRegistry()
	}
	return &Engine{reg: reg}
}

func (e *Engine) Registry() *fields.Registry { return e.reg }

// Compile parses text once for rendering many contexts.
func (e *Engine) Compile(text string) (*Template, error) {
	t, err := Parse(text)
	if err != nil {
		return nil, err
	}
	t.eng = e
	return t, nil
}

// Validate returns the distinct tokens of text that are neither registered
// nor among customKeys, in order of first appearance.
func (e *Engine) Validate(text string, customKeys ...string) ([]string, error) {
	t, err := Parse(text)
	if err != nil {
		return nil, err
	}
	return e.Unknown(t, customKeys...), nil
}

// Unknown is Validate over an already compiled template.
func (e *Engine) Unknown(t *Template, customKeys ...string) []string {
	custom := make(map[string]bool, len(customKeys))
	for _, k := range customKeys {
		custom[k] = true
	}
	var out []string
	for _, name := range t.tokens {
		if e.reg.Has(name) || custom[name] {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Render parses and renders text in one step.
func (e *Engine) Render(text string, ctx *fields.RenderContext) (RenderedMessage, error) {
	t, err := Parse(text)
	if err != nil {
		return RenderedMessage{}, err
	}
	return e.RenderTemplate(t, ctx)
}

// RenderTemplate substitutes every token of t in a single pass. Resolver
// output is written as-is and never re-scanned for tokens.
//
// Lookup order: registry, then ctx.Custom, then empty (recorded as unresolved).
func (e *Engine) RenderTemplate(t *Template, ctx *fields.RenderContext) (msg RenderedMessage, err error) {
	if ctx == nil {
		ctx = &fields.RenderContext{}
	}
	if ctx.User != nil {
		msg.RecipientID = ctx.User.ID
	}

	var (
		b       strings.Builder
		current string
		seen    map[string]bool
	)
	defer func() {
		if r := recover(); r != nil {
			msg = RenderedMessage{RecipientID: msg.RecipientID}
			err = &RenderError{RecipientID: msg.RecipientID, Token: current, Value: r}
		}
	}()

	b.Grow(len(t.src))
	for _, s := range t.segs {
		if s.tok == "" {
			b.WriteString(s.lit)
			continue
		}
		current = s.tok
		if fn, ok := e.reg.Lookup(s.tok); ok {
			b.WriteString(fn(ctx))
			continue
		}
		if v, ok := ctx.Custom[s.tok]; ok {
			b.WriteString(v)
			continue
		}
		if seen == nil {
			seen = map[string]bool{}
		}
		if !seen[s.tok] {
			seen[s.tok] = true
			msg.Unresolved = append(msg.Unresolved, s.tok)
		}
	}
	msg.Text = b.String()
	return msg, nil
}

// Render renders t with the engine that compiled it. A template from Parse
// has no registry and resolves custom data only.
func (t *Template) Render(ctx *fields.RenderContext) (RenderedMessage, error) {
	e := t.eng
	if e == nil {
		e = NewEngine(nil)
	}
	return e.RenderTemplate(t, ctx)
}
