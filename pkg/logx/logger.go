package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"
)

// Logger writes structured events through a Service or a fixed zerolog
// logger. The zero value discards everything.
type Logger struct {
	svc    *Service
	base   *zerolog.Logger
	comp   string
	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{base: &zl}
}

// NewWriter returns a JSON logger on w that ignores Service config.
func NewWriter(w io.Writer, level string) Logger {
	zl := zerolog.New(w).Level(levelOr(level, LevelDebug)).With().Timestamp().Logger()
	return Logger{base: &zl}
}

func (l Logger) IsZero() bool {
	return l.svc == nil && l.base == nil && l.comp == "" && len(l.fields) == 0
}

// Component tags the logger with comp=name. When the logger belongs to a
// Service, Config.Components can set a level for name alone.
func (l Logger) Component(name string) Logger {
	cp := l
	cp.comp = name
	return cp
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

func (l Logger) Enabled(level Level) bool {
	_, threshold := l.sink()
	return level >= threshold
}

func (l Logger) Trace(msg string, fields ...Field) { l.log(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.log(LevelError, msg, fields) }

func (l Logger) sink() (zerolog.Logger, Level) {
	switch {
	case l.svc != nil:
		out := l.svc.output()
		return out.zl, out.levelFor(l.comp)
	case l.base != nil:
		return *l.base, l.base.GetLevel()
	default:
		return zerolog.Nop(), zerolog.Disabled
	}
}

func (l Logger) log(level Level, msg string, fields []Field) {
	zl, threshold := l.sink()
	if level < threshold {
		return
	}
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if caller := shortCaller(3); caller != "" {
		e.Str(zerolog.CallerFieldName, caller)
	}
	if l.comp != "" {
		e.Str("comp", l.comp)
	}
	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}

// shortCaller renders file:line of the frame skip levels up.
func shortCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}
