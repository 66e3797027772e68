// Package app builds popupguard from its config file and runs it.
package app

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"popupguard/internal/config"
	"popupguard/internal/decision"
	"popupguard/internal/eventbus"
	"popupguard/internal/messaging"
	"popupguard/internal/runtime/supervisor"
	"popupguard/internal/storage"
	"popupguard/internal/task/scheduler"
	"popupguard/internal/transport/httpapi"
	logx "popupguard/pkg/logx"
)

// sdNotify is a no-op (false, nil) outside systemd.
var sdNotify = daemon.SdNotify

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	outbox  *messaging.Outbox
	limited *messaging.Limited
	mgr     *decision.Manager
	sched   *scheduler.Service
	api     *httpapi.Server
	addr    string
	ln      net.Listener
	stopped atomic.Bool
}

// NewApp loads cfgPath (defaults when the file is absent) and builds every
// component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load(true)
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}
	r, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(r.Logging)
	appLog := log.With(logx.String("comp", "app"))

	store, err := storage.Open(storageConfig(r), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage ready", logx.String("driver", r.Storage.Driver), logx.String("path", r.Storage.Path))

	bus := eventbus.New()
	outbox := messaging.NewOutbox(r.Channel.QueueSize, log.With(logx.String("comp", "outbox")))
	limited := messaging.NewLimited(outbox, limitedConfig(r), log.With(logx.String("comp", "channel")))
	mgr := decision.New(store, limited, decisionOptions(r, bus, log.With(logx.String("comp", "decision"))))
	sched := scheduler.New(schedulerConfig(r), log.With(logx.String("comp", "scheduler")))
	api := httpapi.New(serverConfig(r), mgr, outbox, log.With(logx.String("comp", "http")))

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		outbox:  outbox,
		limited: limited,
		mgr:     mgr,
		sched:   sched,
		api:     api,
		addr:    r.Server.Addr,
	}
	if err := sched.AddSchedule(CleanupJobName, r.Cleanup.Schedule, r.Cleanup.Timeout, a.cleanup); err != nil {
		mgr.Close()
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("cleanup.schedule: %w", err)
	}
	return a, nil
}

// Manager exposes the decision manager, mainly for tests and embedding.
func (a *App) Manager() *decision.Manager { return a.mgr }

// Addr returns the bound HTTP address once Start has succeeded.
func (a *App) Addr() net.Addr {
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.addr, err)
	}
	a.ln = ln

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)

	n, err := a.mgr.Restore(a.sup.Context())
	if err != nil {
		// A damaged mirror must not keep the service down; entries are lost.
		a.log.Error("restore pending decisions failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("recovered pending decisions", logx.Int("count", n))
	}

	a.sched.Start(a.sup.Context())

	a.sup.Go("http.serve", func(c context.Context) error {
		return a.api.ServeListener(c, ln)
	})

	// Audit trail of decision lifecycle events.
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
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if ev, ok := e.Data.(eventbus.DecisionEvent); ok {
					fields = append(fields, logx.String("popup", ev.PopupID), logx.String("domain", ev.Domain))
					if ev.Decision != "" {
						fields = append(fields, logx.String("decision", ev.Decision))
					}
				}
				a.log.Debug("event", fields...)
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := sdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.String("addr", ln.Addr().String()))
	return nil
}

// applyConfig applies the hot-reloadable sections of newCfg. Server,
// decisions, channel.queue_size and storage changes are reported and
// otherwise left for the next restart.
func (a *App) applyConfig(old, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(old, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	r, err := newCfg.Resolve()
	if err != nil {
		a.log.Warn("config reload rejected", logx.Err(err))
		return
	}
	if restart := config.RestartRequired(old, newCfg); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(r.Logging)
	a.limited.Apply(limitedConfig(r))
	if slices.Contains(sections, "cleanup") {
		a.sched.Apply(schedulerConfig(r))
		if err := a.sched.AddSchedule(CleanupJobName, r.Cleanup.Schedule, r.Cleanup.Timeout, a.cleanup); err != nil {
			a.log.Warn("cleanup schedule rejected; keeping previous", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) cleanup(ctx context.Context) error {
	_, err := a.mgr.CleanupExpiredDecisions(ctx)
	return err
}

// Stop shuts everything down in dependency order. Only the first call has an
// effect.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if a.sup == nil {
		// Never started: only release what NewApp opened.
		a.mgr.Close()
		err := a.store.Close()
		_ = a.logs.Close()
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = sdNotify(false, daemon.SdNotifyStopping)

	// Cancel first so the HTTP server and loops start unwinding.
	a.sup.Cancel()

	// step bounds one shutdown stage without extending the caller's deadline.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// The HTTP server drains in-flight requests before its goroutine returns.
	step("supervisor", 6*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("decisions", time.Second, func(context.Context) error { a.mgr.Close(); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	if n := a.bus.Dropped(); n > 0 {
		a.log.Info("audit events dropped", logx.Int64("count", int64(n)))
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
