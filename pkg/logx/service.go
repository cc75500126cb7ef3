package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultFilePath = "./slotd.log"
)

type Config struct {
	Level string
	// Components overrides Level per component name (see Logger.Component),
	// e.g. {"slot-table": "trace"}.
	Components map[string]string
	Console    bool
	File       FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// output is one immutable generation of sinks and levels.
type output struct {
	zl    zerolog.Logger
	level Level
	comps map[string]Level
}

func (o *output) levelFor(comp string) Level {
	if l, ok := o.comps[comp]; ok {
		return l
	}
	return o.level
}

var discard = &output{zl: zerolog.Nop(), level: zerolog.Disabled}

// Service owns the process log sinks. Loggers derived from it follow every
// Apply without being rebuilt.
type Service struct {
	mu   sync.Mutex
	file *os.File
	cur  atomic.Pointer[output]
}

// New applies cfg and returns the Service with its root Logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) output() *output {
	if out := s.cur.Load(); out != nil {
		return out
	}
	return discard
}

// Apply swaps sinks and levels. Safe for concurrent use with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	level := levelOr(cfg.Level, LevelInfo)
	comps := make(map[string]Level, len(cfg.Components))
	for name, lvl := range cfg.Components {
		comps[strings.TrimSpace(name)] = levelOr(lvl, level)
	}

	var writers []io.Writer
	var file *os.File
	if cfg.File.Enabled {
		f, err := openLogFile(cfg.File.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Console || len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}

	// Levels are enforced per component in Logger.log, so the writer itself
	// passes everything.
	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(LevelTrace).With().Timestamp().Logger()
	s.cur.Store(&output{zl: zl, level: level, comps: comps})

	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
}

// Close detaches every sink and closes the log file. Later events are
// dropped.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Store(discard)
	f := s.file
	s.file = nil
	if f != nil {
		return f.Close()
	}
	return nil
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultFilePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir for %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func consoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
	cw.FormatCaller = func(i any) string {
		s, _ := i.(string)
		return s
	}
	return cw
}
