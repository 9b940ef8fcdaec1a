// Package platform wires configuration, logging, the agent registry, the
// scheduler and the supporting services into one runnable process.
package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"opsagent/internal/agent"
	"opsagent/internal/agent/builtin"
	"opsagent/internal/config"
	"opsagent/internal/eventbus"
	"opsagent/internal/metrics"
	"opsagent/internal/notifier"
	"opsagent/internal/runtime/supervisor"
	"opsagent/internal/storage"
	"opsagent/internal/task/scheduler"
	logx "opsagent/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Platform struct {
	cfgm *config.ConfigManager
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	recorder *storage.Recorder

	notif *notifier.Service
	reg   *agent.Registry
	sched *scheduler.Scheduler

	prom        *prometheus.Registry
	metricsLoop func(ctx context.Context)
	msrv        *metrics.Server

	ctxSrc   ContextSource
	fileSrc  *FileContextSource
	sdNotify func(state string) bool

	sup *supervisor.Supervisor

	mu            sync.Mutex
	cycleID       scheduler.JobID
	cycleInterval time.Duration
}

type options struct {
	ctxSrc   ContextSource
	sink     notifier.Sink
	sdNotify func(state string) bool
	schedOps []scheduler.Option
}

type Option func(*options)

// WithContextSource replaces the context_file source.
func WithContextSource(src ContextSource) Option {
	return func(o *options) { o.ctxSrc = src }
}

// WithSink replaces the default logging alert sink.
func WithSink(s notifier.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithServiceNotifier replaces the systemd notification call.
func WithServiceNotifier(fn func(state string) bool) Option {
	return func(o *options) { o.sdNotify = fn }
}

// WithSchedulerOptions forwards options to the scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(o *options) { o.schedOps = append(o.schedOps, opts...) }
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*Platform, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(cfg.Logging.LogxConfig())
	log := root.With(logx.String("comp", "platform"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	bus := eventbus.New()

	p := &Platform{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		sdNotify: o.sdNotify,
	}
	if p.sdNotify == nil {
		p.sdNotify = systemdNotify
	}

	st, err := OpenStore(cfg, root)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if st != nil {
		p.store = st
		p.recorder = storage.NewRecorder(st, bus, root)
		log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	p.notif = notifier.New(mapNotifierConfig(cfg), o.sink, root, bus)

	p.reg = agent.NewRegistry(mapAgentConfig(cfg), root, bus)
	for _, a := range builtin.All(cfg.Agents) {
		if err := p.reg.Register(a); err != nil {
			_ = p.closeStore()
			_ = logSvc.Close()
			return nil, err
		}
		if cfg.Agents.IsDisabled(a.Name()) {
			p.reg.Disable(a.Name())
		}
	}

	p.sched = scheduler.New(mapSchedulerConfig(cfg), root, bus, o.schedOps...)

	p.prom = prometheus.NewRegistry()
	p.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mc := metrics.NewCollectors(metricsNamespace(cfg), p.prom, p.reg, p.sched, bus)
	p.metricsLoop = mc.Watch(bus)
	p.msrv = metrics.NewServer(mapMetricsConfig(cfg), p.prom, p.health, root)

	p.fileSrc = NewFileContextSource(cfg.ContextFile)
	p.ctxSrc = o.ctxSrc
	if p.ctxSrc == nil {
		p.ctxSrc = p.fileSrc
	}

	if err := p.scheduleDefaultJobs(cfg.Agents.ExecutionIntervalDuration()); err != nil {
		_ = p.closeStore()
		_ = logSvc.Close()
		return nil, err
	}

	logSvc.SetAlertFunc(p.logAlert)
	return p, nil
}

func (p *Platform) Config() *config.Config             { return p.cfgm.Get() }
func (p *Platform) Registry() *agent.Registry          { return p.reg }
func (p *Platform) Scheduler() *scheduler.Scheduler    { return p.sched }
func (p *Platform) Notifier() *notifier.Service        { return p.notif }
func (p *Platform) Store() storage.Store               { return p.store }
func (p *Platform) Bus() eventbus.Bus                  { return p.bus }
func (p *Platform) Gatherer() prometheus.Gatherer      { return p.prom }
func (p *Platform) ContextSource() ContextSource       { return p.ctxSrc }
func (p *Platform) Logger() logx.Logger                { return p.log }
func (p *Platform) Supervisor() *supervisor.Supervisor { return p.sup }

// Done is closed when the platform supervisor context is cancelled.
func (p *Platform) Done() <-chan struct{} {
	if p.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.sup.Context().Done()
}

// Err returns the first error recorded by the platform supervisor.
func (p *Platform) Err() error {
	if p.sup == nil {
		return nil
	}
	return p.sup.Err()
}

// Start launches every service and reports READY to systemd.
func (p *Platform) Start(ctx context.Context) error {
	if p.sup != nil {
		return errors.New("platform already started")
	}
	p.sup = supervisor.New(ctx, supervisor.WithLogger(p.log))
	run := p.sup.Context()

	p.notif.Start(run)
	if err := p.sched.Start(run); err != nil {
		return err
	}
	p.msrv.Start(run)

	if p.recorder != nil {
		p.sup.Go("storage.recorder", func(c context.Context) error {
			p.recorder.Run(c)
			return nil
		})
	}
	p.sup.Go("metrics.events", func(c context.Context) error {
		p.metricsLoop(c)
		return nil
	})

	// Optional: log events for debugging.
	events, unsub := p.bus.Subscribe(128)
	p.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				p.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := p.cfgm.Subscribe(8)
	p.sup.Go("config.reload", func(c context.Context) error {
		defer p.cfgm.Unsubscribe(sub)
		p.reloadLoop(c, sub)
		return nil
	})
	p.sup.Go("config.watch", p.cfgm.Watch)

	if interval := watchdogInterval(); interval > 0 {
		p.sup.Go("systemd.watchdog", func(c context.Context) error {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return nil
				case <-t.C:
					p.sdNotify(sdWatchdog)
				}
			}
		})
	}

	if p.sdNotify(sdReady) {
		p.log.Debug("systemd notified", logx.String("state", sdReady))
	}
	p.log.Info("platform started",
		logx.Int("agents", len(p.reg.Names())),
		logx.Int("jobs", len(p.sched.ListJobs())),
		logx.Bool("metrics", p.msrv.Enabled()),
		logx.Bool("storage", p.store != nil),
	)
	return nil
}

// Stop shuts the services down in dependency order. Each step is bounded so
// one component cannot stall the rest.
func (p *Platform) Stop(ctx context.Context) error {
	if p.sup == nil {
		p.notif.Stop(ctx)
		err := p.closeStore()
		_ = p.logs.Close()
		return err
	}
	p.log.Info("stopping")
	p.sdNotify(sdStopping)

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				p.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			p.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			p.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Scheduler first so no new alerts or executions start.
	step("scheduler", 5*time.Second, p.sched.Stop)
	step("metrics", time.Second, func(c context.Context) error { p.msrv.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { p.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, p.sup.Stop)
	if snap := p.sup.Snapshot(); snap.Active > 0 {
		var names []string
		for _, l := range snap.Loops {
			if l.Active > 0 {
				names = append(names, l.Name)
			}
		}
		p.log.Warn("loops still running after stop", logx.Int64("active", snap.Active), logx.String("loops", strings.Join(names, ",")))
	}
	step("storage", time.Second, func(context.Context) error { return p.closeStore() })

	p.log.Info("stopped")
	p.logs.SetAlertFunc(nil)
	_ = p.logs.Close()
	return errors.Join(errs...)
}

// OpenStore opens the history store configured in cfg. It returns (nil, nil)
// when storage is disabled.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, enabled := mapStorageConfig(cfg)
	if !enabled {
		return nil, nil
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return st, nil
}

func (p *Platform) closeStore() error {
	if p.store == nil {
		return nil
	}
	return p.store.Close()
}

// health backs /healthz: unhealthy while stopping or when no enabled agent is
// healthy.
func (p *Platform) health() error {
	if p.sup != nil && p.sup.Context().Err() != nil {
		return errors.New("stopping")
	}
	oh := p.reg.OverallHealth()
	if oh.Enabled > 0 && oh.Healthy == 0 {
		return fmt.Errorf("0/%d agents healthy", oh.Enabled)
	}
	return nil
}

// alert queues a for delivery. Failures are only logged at debug level so the
// log alert hook cannot feed back into the notifier.
func (p *Platform) alert(ctx context.Context, a notifier.Alert) {
	if err := p.notif.Notify(ctx, a); err != nil && !errors.Is(err, notifier.ErrDisabled) {
		p.log.Debug("alert not queued", logx.String("title", a.Title), logx.Err(err))
	}
}

// logAlert receives records from the logx alert hook.
func (p *Platform) logAlert(level logx.Level, text string) {
	sev := notifier.Warning
	if level >= logx.LevelError {
		sev = notifier.Critical
	}
	title := text
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	_ = p.notif.Notify(context.Background(), notifier.Alert{
		Severity: sev,
		Source:   "log",
		Title:    title,
		Text:     text,
	})
}
