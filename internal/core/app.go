// Package core wires the engine together: config, logging, storage, the
// reminder channels, the dose state machine, recovery workers and the
// optional surfaces (notification pipeline, HTTP API).
package core

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"medremind/internal/catalog"
	"medremind/internal/config"
	"medremind/internal/dose"
	"medremind/internal/eventbus"
	"medremind/internal/httpapi"
	"medremind/internal/materialize"
	"medremind/internal/notify"
	"medremind/internal/readmodel"
	"medremind/internal/remind"
	"medremind/internal/storage"
	"medremind/internal/worker"
	logx "medremind/pkg/logx"
	sd "medremind/pkg/systemd"
)

const telegramTokenEnv = "MEDREMIND_TELEGRAM_TOKEN"

type App struct {
	cfgMgr *config.Manager
	cfg    *config.Config
	logs   *logx.Service
	log    logx.Logger
	loc    *time.Location

	store storage.Store
	bus   eventbus.Bus

	precise  *remind.PreciseTimers
	jobs     *remind.JobQueue
	rem      *remind.Scheduler
	notif    *notify.Service
	doses    *dose.Service
	mat      *materialize.Materializer
	cat      *catalog.Service
	boot     *worker.Boot
	rollover *worker.Rollover
	sweep    *worker.Sweep
	today    *readmodel.Today
	http     *httpapi.Server

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
	mu      sync.Mutex
}

// NewApp loads the config and constructs every component. Nothing runs
// until Start.
func NewApp(cfgPath string) (*App, error) {
	a := &App{}

	a.cfgMgr = config.NewManager(cfgPath, logx.Logger{})
	cfg, err := a.cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	a.cfg = cfg

	a.logs, a.log = logx.New(logCfg(cfg.Logging))
	a.cfgMgr.SetLogger(a.log.With(logx.String("comp", "config")))

	a.loc, err = cfg.Location()
	if err != nil {
		return nil, err
	}

	a.store, err = storage.Open(storageCfg(cfg.Storage), a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a.bus = eventbus.New()

	// The fire path closes over the app so the dose service, constructed
	// below, can depend on the scheduler that triggers it.
	fire := func(ctx context.Context, p remind.Payload) { a.doses.HandleFire(ctx, p) }

	a.precise = remind.NewPreciseTimers(fire, cfg.Remind.PreciseTimersEnabled(),
		a.log.With(logx.String("comp", "timers")))
	a.jobs = remind.NewJobQueue(jobCfg(cfg.Remind), fire,
		a.log.With(logx.String("comp", "jobqueue")))

	a.notif, err = a.buildNotifier(cfg)
	if err != nil {
		return nil, err
	}
	a.rem = remind.NewScheduler(a.precise, a.jobs, a.notif,
		a.log.With(logx.String("comp", "remind")))

	audit := func(ctx context.Context, action string, recordID int64, detail string) {
		err := a.store.AppendAudit(ctx, storage.AuditEntry{
			At:       time.Now(),
			RecordID: recordID,
			Action:   action,
			Detail:   detail,
		})
		if err != nil {
			a.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
		}
	}
	a.doses = dose.New(a.store, a.rem, a.notif, a.bus, audit, a.loc,
		a.log.With(logx.String("comp", "dose")))

	a.mat = materialize.New(a.store, a.loc, a.log.With(logx.String("comp", "materialize")))
	a.cat = catalog.New(a.store, a.mat, a.rem, a.bus, a.loc,
		a.log.With(logx.String("comp", "catalog")))

	wlog := a.log.With(logx.String("comp", "worker"))
	a.rollover = worker.NewRollover(a.store, a.mat, a.rem, a.bus, a.loc, wlog)
	a.boot = worker.NewBoot(a.store, a.rem, a.rollover, a.bus, a.loc, wlog)
	a.sweep = worker.NewSweep(a.store, a.rem, a.loc, cfg.Remind.SweepSpec, wlog)

	a.today = readmodel.New(a.store, a.bus, a.loc, a.log.With(logx.String("comp", "readmodel")))

	if cfg.HTTP != nil && cfg.HTTP.Enabled {
		a.http = httpapi.NewServer(httpapi.Config{Addr: cfg.HTTP.Addr, Pprof: cfg.HTTP.Pprof},
			a.doses, a.cat, a.today, a.store, a.loc,
			a.log.With(logx.String("comp", "http")))
	}
	return a, nil
}

// Catalog exposes the inventory service, mainly for embedding callers.
func (a *App) Catalog() *catalog.Service { return a.cat }

// Doses exposes the dose state machine.
func (a *App) Doses() *dose.Service { return a.doses }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.notif.Start(runCtx)
	a.jobs.Start(runCtx)
	a.today.Start(runCtx)

	if err := a.sweep.Start(runCtx); err != nil {
		return err
	}

	// Boot recovery retries in the background so a slow disk does not hold
	// up the whole process.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runBootRecovery(runCtx)
	}()

	if a.http != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.http.Start(); err != nil {
				a.log.Error("http api stopped", logx.Err(err))
			}
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgMgr.Watch(runCtx); err != nil {
			a.log.Warn("config watch ended", logx.Err(err))
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.followConfig(runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		sd.Watchdog(runCtx)
	}()

	if sd.NotifyReady() {
		a.log.Debug("systemd readiness notified")
	}
	a.log.Info("medremind started", logx.String("tz", a.loc.String()))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.mu.Unlock()

	sd.NotifyStopping()
	if a.cancel != nil {
		a.cancel()
	}

	if a.http != nil {
		if err := a.http.Stop(ctx); err != nil {
			a.log.Warn("http shutdown failed", logx.Err(err))
		}
	}
	a.sweep.Stop()
	a.rollover.Stop()
	a.today.Stop()
	a.precise.Stop()
	a.jobs.Stop()
	a.notif.Stop()
	a.wg.Wait()

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.log.Info("medremind stopped")
	return a.logs.Close()
}

const (
	bootRetryMax   = 5
	bootRetryDelay = 10 * time.Second
)

func (a *App) runBootRecovery(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		err := a.boot.Run(ctx)
		if err == nil {
			return
		}
		a.log.Warn("boot recovery failed",
			logx.Int("attempt", attempt), logx.Err(err))
		if attempt >= bootRetryMax {
			a.log.Error("boot recovery gave up; reminders resume at next rollover")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(bootRetryDelay):
		}
	}
}

func (a *App) followConfig(ctx context.Context) {
	updates := a.cfgMgr.Subscribe(2)
	defer a.cfgMgr.Unsubscribe(updates)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			a.applyConfig(cfg)
		}
	}
}

// applyConfig hot-applies what can change at runtime; the rest takes effect
// on restart.
func (a *App) applyConfig(cfg *config.Config) {
	changed := config.SummarizeChange(a.cfg, cfg)
	a.cfg = cfg

	a.logs.Apply(logCfg(cfg.Logging))
	a.precise.SetAvailable(cfg.Remind.PreciseTimersEnabled())

	for _, section := range changed {
		switch section {
		case "timezone", "storage", "notifier", "telegram", "http":
			a.log.Warn("config section needs a restart to apply",
				logx.String("section", section))
		}
	}
	a.log.Info("config applied", logx.Any("changed", changed))
}

func (a *App) buildNotifier(cfg *config.Config) (*notify.Service, error) {
	ncfg := notify.Config{Enabled: true}
	channel := "log"
	if n := cfg.Notifier; n != nil {
		ncfg.Enabled = n.Enabled
		ncfg.Workers = n.Workers
		ncfg.QueueSize = n.QueueSize
		ncfg.RatePerSec = n.RatePerSec
		ncfg.RetryMax = n.RetryMax
		ncfg.RetryBase, _ = config.ParseDurationField("notifier.retry_base", n.RetryBase)
		ncfg.DedupWindow, _ = config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
		if n.Channel != "" {
			channel = n.Channel
		}
	}

	nlog := a.log.With(logx.String("comp", "notify"))
	var sender notify.Sender
	switch channel {
	case "telegram":
		token := ""
		var chatID int64
		if cfg.Telegram != nil {
			token = cfg.Telegram.Token
			chatID = cfg.Telegram.ChatID
		}
		if token == "" {
			token = os.Getenv(telegramTokenEnv)
		}
		ts, err := notify.NewTelegramSender(notify.TelegramConfig{
			Token:  token,
			ChatID: chatID,
		}, nlog)
		if err != nil {
			return nil, fmt.Errorf("telegram notifier: %w", err)
		}
		sender = ts
	default:
		sender = notify.NewLogSender(nlog)
	}
	return notify.New(ncfg, sender, a.bus, nlog), nil
}

func logCfg(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File != "", Path: c.File},
	}
}

func storageCfg(c config.StorageConfig) storage.Config {
	busy, _ := config.ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	return storage.Config{Path: c.Path, BusyTimeout: busy}
}

func jobCfg(c config.RemindConfig) remind.JobQueueConfig {
	tick, _ := config.ParseDurationField("remind.job_tick", c.JobTick)
	return remind.JobQueueConfig{
		Workers:   c.JobWorkers,
		QueueSize: c.JobQueueSize,
		Tick:      tick,
	}
}
