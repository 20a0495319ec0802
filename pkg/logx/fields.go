package logx

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// Field mutates a zerolog event. Fields apply in order; a repeated key keeps
// the later value.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field {
	return func(e *zerolog.Event) { e.Int64(k, v) }
}
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Strings(k string, v []string) Field {
	return func(e *zerolog.Event) { e.Strs(k, v) }
}
func Any(k string, v any) Field { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// Shared keys for the dispatch path.
const (
	KeyComponent = "comp"
	KeyJob       = "job"
	KeyRecipient = "recipient"
	KeySchedule  = "schedule"
)

func Component(name string) Field { return String(KeyComponent, name) }
func Job(id string) Field         { return String(KeyJob, id) }
func Recipient(id string) Field   { return String(KeyRecipient, id) }
func Schedule(id string) Field    { return String(KeySchedule, id) }

// MaxBodyRunes bounds message text written by Body.
const MaxBodyRunes = 280

// Body logs a rendered message under k, cut to MaxBodyRunes. The full length
// goes to k+"_len" when the text was cut.
func Body(k, text string) Field {
	return func(e *zerolog.Event) {
		n := utf8.RuneCountInString(text)
		if n <= MaxBodyRunes {
			e.Str(k, text)
			return
		}
		cut := 0
		for i := range text {
			if cut == MaxBodyRunes {
				e.Str(k, text[:i]+"...")
				break
			}
			cut++
		}
		e.Int(k+"_len", n)
	}
}
