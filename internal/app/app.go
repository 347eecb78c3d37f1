// Package app wires the services together and owns their lifecycle.
package app

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"heraldbot/internal/bot"
	"heraldbot/internal/config"
	"heraldbot/internal/observability/metrics"
	"heraldbot/internal/services/access"
	"heraldbot/internal/services/campaign"
	"heraldbot/internal/services/dispatch"
	"heraldbot/internal/store"
	"heraldbot/internal/transport"
	"heraldbot/internal/transport/telegram"
	"heraldbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	logSvc *logx.Service
	log    logx.Logger

	adapter  *telegram.Adapter
	st       *store.Store
	resolver *access.Resolver
	router   *bot.Router
	metrics *metrics.Service

	// cron is rescheduled by the reload goroutine and torn down by Stop.
	cronMu sync.Mutex
	cron   *cron.Cron

	updates chan transport.Update

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	applyEnvToken(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, err
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		applyEnvToken(c)
		return config.Validate(c)
	})

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    pollTimeout,
		SendRatePerSec: cfg.Telegram.SendRatePerSec,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	ttl, err := config.ParseDurationField("store.ttl", cfg.Store.TTL)
	if err != nil {
		return nil, err
	}
	busy, err := config.ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout)
	if err != nil {
		return nil, err
	}
	storeCfg := store.Config{
		Driver:      cfg.Store.Driver,
		Path:        cfg.Store.Path,
		TTL:         ttl,
		BusyTimeout: busy,
	}
	storeLog := log.With(logx.String("comp", "store"))
	backend, err := store.Open(storeCfg, storeLog)
	if err != nil {
		return nil, err
	}
	st := store.New(storeCfg, backend, storeLog)

	resolver := access.New(st, adapter, log.With(logx.String("comp", "access")),
		access.WithObserver(metrics.ObserveAccessCheck))
	dispatcher := dispatch.New(adapter, log.With(logx.String("comp", "dispatch")))
	reconciler := dispatch.NewReconciler(st, log.With(logx.String("comp", "dispatch")))
	runner := campaign.NewRunner(dispatcher, reconciler, log.With(logx.String("comp", "campaign")))

	router := bot.NewRouter(bot.Deps{
		Adapter:  adapter,
		Store:    st,
		Resolver: resolver,
		Drafts:   campaign.NewManager(),
		Launcher: runner,
		Log:      log.With(logx.String("comp", "bot")),
		AdminIDs: cfg.Telegram.AdminUserIDs,
		// Reads the live config so pacing overrides apply without restart.
		Tuning: func(kind campaign.Kind) dispatch.Options {
			return tuningFor(kind, cfgm.Get())
		},
		OnReport: func(kind campaign.Kind, rep dispatch.Report, pruned int) {
			metrics.ObserveReport(kind.String(), rep.Successful, rep.Failed, pruned)
		},
	})

	metricsSvc := metrics.New(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Addr:    cfg.Metrics.Addr,
	}, log.With(logx.String("comp", "metrics")))

	return &App{
		cfgm:     cfgm,
		logSvc:   logSvc,
		log:      log.With(logx.String("comp", "app")),
		adapter:  adapter,
		st:       st,
		resolver: resolver,
		router:   router,
		metrics:  metricsSvc,
		updates:  make(chan transport.Update, 256),
	}, nil
}

// applyEnvToken lets deployments keep the bot token out of the config
// file; HERALDBOT_TOKEN fills it when the file leaves it empty.
func applyEnvToken(cfg *config.Config) {
	if cfg != nil && strings.TrimSpace(cfg.Telegram.Token) == "" {
		cfg.Telegram.Token = os.Getenv("HERALDBOT_TOKEN")
	}
}

// tuningFor applies config overrides on top of the kind's built-in
// pacing.
func tuningFor(kind campaign.Kind, cfg *config.Config) dispatch.Options {
	opts := kind.DispatchDefaults()
	if cfg == nil {
		return opts
	}
	var t config.CampaignTuning
	switch kind {
	case campaign.KindChannelBroadcast:
		t = cfg.Dispatch.Channels
	case campaign.KindUserBroadcast:
		t = cfg.Dispatch.Users
	case campaign.KindQuickText:
		t = cfg.Dispatch.Quick
	}
	if t.BatchSize > 0 {
		opts.BatchSize = t.BatchSize
	}
	if d, err := config.ParseDurationField("dispatch.delay", t.Delay); err == nil && d > 0 {
		opts.InterBatchDelay = d
	}
	if t.ProgressEvery > 0 {
		opts.ProgressEvery = t.ProgressEvery
	}
	return opts
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		cancel()
		return err
	}
	if err := a.metrics.Start(runCtx); err != nil {
		a.log.Warn("metrics server failed to start", logx.Err(err))
	}
	a.startAccessRecheck(runCtx, a.cfgm.Get())

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.router.DispatchLoop(runCtx, a.updates)
	}()

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			if err := a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			}); err != nil {
				a.log.Warn("logging reconfigure failed", logx.Err(err))
			}
			a.router.SetAdmins(cfg.Telegram.AdminUserIDs)
			a.startAccessRecheck(ctx, cfg)
			a.log.Info("config reloaded")
		}
	}
}

// startAccessRecheck (re)schedules the periodic accessibility pass. An
// empty cron spec disables it.
func (a *App) startAccessRecheck(ctx context.Context, cfg *config.Config) {
	a.cronMu.Lock()
	defer a.cronMu.Unlock()
	if a.cron != nil {
		a.cron.Stop()
		a.cron = nil
	}
	if cfg == nil || cfg.Access.RecheckCron == "" {
		return
	}
	c := cron.New()
	_, err := c.AddFunc(cfg.Access.RecheckCron, func() {
		jobCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		accessible, total := a.resolver.Resolve(jobCtx)
		a.log.Info("periodic access re-check done",
			logx.Int("accessible", len(accessible)),
			logx.Int("total", total))
	})
	if err != nil {
		a.log.Warn("invalid access.recheck_cron; periodic re-check disabled",
			logx.String("spec", cfg.Access.RecheckCron), logx.Err(err))
		return
	}
	c.Start()
	a.cron = c
}

// stopAccessRecheck tears the scheduler down, waiting up to wait for a
// running job to drain.
func (a *App) stopAccessRecheck(wait time.Duration) {
	a.cronMu.Lock()
	c := a.cron
	a.cron = nil
	a.cronMu.Unlock()
	if c == nil {
		return
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(wait):
	}
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.cancel != nil {
		a.cancel()
	}
	a.stopAccessRecheck(2 * time.Second)
	_ = a.adapter.Stop(ctx)
	a.metrics.Stop(ctx)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		a.log.Warn("shutdown timed out waiting for background loops")
	}

	if err := a.st.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.logSvc.Close()
}
