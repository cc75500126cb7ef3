package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"slotd/internal/config"
	"slotd/internal/debug"
	"slotd/internal/eventbus"
	"slotd/internal/node"
	rtsup "slotd/internal/runtime/supervisor"
	"slotd/internal/storage"
	logx "slotd/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	reg   *prometheus.Registry

	node  *node.Service
	debug *debug.Server
}

// New loads and validates the config at cfgPath and builds every component.
// Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, config.Validate)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(cfg.ResolveLogging())
	cfgm.SetLogger(log.Component("config"))

	nodeCfg, err := mapNodeConfig(cfg)
	if err != nil {
		return nil, err
	}
	debugCfg := mapDebugConfig(cfg)
	sc := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bus := eventbus.New()
	n, err := node.New(nodeCfg, node.Deps{
		Log:      log,
		Bus:      bus,
		Store:    store,
		Registry: reg,
	})
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	dbg := debug.New(debugCfg, debug.Sources{Node: n, Gatherer: reg, Store: store}, log)

	return &App{
		cfgm:  cfgm,
		log:   log.Component("app"),
		logs:  logs,
		bus:   bus,
		store: store,
		reg:   reg,
		node:  n,
		debug: dbg,
	}, nil
}

// Node exposes the slot service for embedding callers.
func (a *App) Node() *node.Service { return a.node }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	if err := a.node.Start(a.sup); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	a.debug.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	changes, unsubCfg := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsubCfg()
		for {
			select {
			case <-c.Done():
				return
			case ch, ok := <-changes:
				if !ok {
					return
				}
				a.applyConfig(c, ch)
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) logEvent(e eventbus.Event) {
	fields := []logx.Field{logx.String("type", string(e.Type)), logx.Uint64("seq", e.Seq)}
	if e.Report != nil {
		fields = append(fields, logx.Int("slots", e.Report.Len()), logx.Int("free", e.Report.Free()))
	} else {
		fields = append(fields, logx.Int("index", e.Slot.Index), logx.String("allocation", e.Slot.AllocationID))
		if e.Slot.Cause != "" {
			fields = append(fields, logx.String("cause", e.Slot.Cause))
		}
	}
	a.log.Debug("event", fields...)
}

// applyConfig applies the live sections of a reload. Node layout and
// storage changes are only logged.
func (a *App) applyConfig(ctx context.Context, c config.Change) {
	if len(c.Sections) == 0 || c.Next == nil {
		return
	}
	changed := logx.String("changed", strings.Join(c.Sections, ","))

	if c.Has("logging") {
		a.logs.Apply(c.Next.ResolveLogging())
	}
	if c.Has("report") {
		if r, err := c.Next.ResolveReport(); err != nil {
			a.log.Warn("invalid report config; keeping previous", logx.Err(err))
		} else if err := a.node.ApplyReport(mapReportConfig(r)); err != nil {
			a.log.Warn("report config not applied", logx.Err(err))
		}
	}
	if c.Has("debug") {
		a.debug.Reconfigure(ctx, mapDebugConfig(c.Next))
	}

	if c.Restart {
		a.log.Warn("node or storage config changed; restart required for changes to take effect", changed)
	}
	a.log.Info("config reloaded", append([]logx.Field{changed}, c.Fields...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	// The node waits for resident tasks, whose watchers run on the app
	// supervisor; cancel it only afterwards.
	step("node", 10*time.Second, a.node.Stop)
	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
