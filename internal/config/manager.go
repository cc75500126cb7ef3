package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "slotd/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	watchRetryMin   = 250 * time.Millisecond
	watchRetryMax   = 5 * time.Second
)

var errWatcherClosed = errors.New("config watcher closed")

// Validator decides whether a parsed config may be committed.
type Validator func(ctx context.Context, cfg *Config) error

// Manager holds the committed config and reloads it when its file changes.
// Subscribers receive a Change for every committed reload.
type Manager struct {
	path     string
	validate Validator
	log      logx.Logger

	mu   sync.RWMutex
	cur  *Config
	subs map[chan Change]struct{}
}

// NewManager returns a manager for the config file at path. validate may be
// nil.
func NewManager(path string, validate Validator) *Manager {
	return &Manager{
		path:     path,
		validate: validate,
		log:      logx.Nop(),
		subs:     make(map[chan Change]struct{}),
	}
}

func (m *Manager) Path() string { return m.path }

// SetLogger must be called before Watch.
func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Load parses, validates and commits the config file.
func (m *Manager) Load(ctx context.Context) (*Config, error) {
	cfg, err := m.parse()
	if err != nil {
		return nil, err
	}
	if m.validate != nil {
		if err := m.validate(ctx, cfg); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	m.cur = cfg
	m.mu.Unlock()
	return cfg, nil
}

func (m *Manager) parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

// Subscribe returns a channel of committed changes. A subscriber that falls
// behind loses its oldest pending change, never the newest.
func (m *Manager) Subscribe(buffer int) (<-chan Change, func()) {
	ch := make(chan Change, max(buffer, 1))
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// commit swaps in c.Next and fans c out. Only the Watch goroutine commits, so
// draining a full subscriber here cannot race another send.
func (m *Manager) commit(c Change) {
	m.mu.Lock()
	m.cur = c.Next
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for ch := range m.subs {
		for sent := false; !sent; {
			select {
			case ch <- c:
				sent = true
			default:
				select {
				case <-ch:
				default:
				}
			}
		}
	}
}

// reload re-reads the file and commits it when a section changed and the
// validator accepts it.
func (m *Manager) reload(ctx context.Context) {
	next, err := m.parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	c := Diff(m.Get(), next)
	if len(c.Sections) == 0 {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return
	}
	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validate(vctx, next)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}
	m.commit(c)
	m.log.Debug("config committed", logx.Any("sections", c.Sections), logx.Bool("restart", c.Restart))
}

// Watch reloads the config whenever its file changes, until ctx is done.
// The parent directory is watched because editors often replace the file.
// A failed watcher is recreated with capped exponential backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	wait := watchRetryMin
	for {
		started, err := m.watch(ctx, dir, file)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			wait = watchRetryMin
		}
		m.log.Warn("config watcher stopped", logx.String("dir", dir), logx.Err(err), logx.Duration("retry_in", wait))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		wait = min(wait*2, watchRetryMax)
	}
}

// watch runs one fsnotify watcher. started reports whether it got as far as
// watching dir.
func (m *Manager) watch(ctx context.Context, dir, file string) (started bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errWatcherClosed
			}
			if filepath.Base(ev.Name) != file || ev.Op == fsnotify.Chmod {
				continue
			}
			debounce.Reset(reloadDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return true, errWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; the file may have changed.
				debounce.Reset(reloadDebounce)
			}
			m.log.Warn("config watch error", logx.Err(err))
		case <-debounce.C:
			m.reload(ctx)
		}
	}
}
