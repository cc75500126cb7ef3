package logx

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Field adds one or more keys to an event. A later field with the same key
// wins.
type Field func(e *zerolog.Event)

func String(k, v string) Field                 { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field                { return func(e *zerolog.Event) { e.Int(k, v) } }
func Uint64(k string, v uint64) Field          { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field              { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Any(k string, v any) Field                { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Stringer(k string, v fmt.Stringer) Field  { return func(e *zerolog.Event) { e.Stringer(k, v) } }

func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Fields bundles fs into a single Field so packages can export ready-made
// field sets for their own types.
func Fields(fs ...Field) Field {
	return func(e *zerolog.Event) {
		for _, f := range fs {
			if f != nil {
				f(e)
			}
		}
	}
}
