// Package app wires the hub together: config, logging, storage, the
// shared cooldown tier, the push pipeline, the dispatch coordinator and
// the HTTP ingest server, plus lifecycle (hot reload, janitor,
// readiness, shutdown).
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"apphub/internal/chatstore"
	"apphub/internal/config"
	"apphub/internal/confidence"
	"apphub/internal/directory"
	"apphub/internal/dispatch"
	"apphub/internal/eventbus"
	"apphub/internal/gateway"
	"apphub/internal/proactive"
	"apphub/internal/push"
	"apphub/internal/ratelimit"
	"apphub/internal/server"
	logx "apphub/pkg/logx"
)

const defaultChatRetention = 720 * time.Hour

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus     eventbus.Bus
	redis   *redis.Client
	store   *chatstore.Store
	dir     *directory.FileDirectory
	pushSvc *push.Service
	limiter *ratelimit.Limiter
	srv     *server.Server
	cron    *cron.Cron
}

// New builds the full object graph from the config file at path. No
// background work starts until Run.
func New(configPath string) (*App, error) {
	cfgMgr := config.NewManager(configPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgMgr.SetLogger(log.With(logx.String("svc", "config")))

	a := &App{
		cfgMgr: cfgMgr,
		logSvc: logSvc,
		log:    log,
		bus:    eventbus.New(),
	}
	if err := a.build(cfg); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	store, err := chatstore.Open(chatstore.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("svc", "chatstore")))
	if err != nil {
		return fmt.Errorf("open chat store: %w", err)
	}
	a.store = store

	dir, err := directory.Open(cfg.Directory.Path, a.log.With(logx.String("svc", "directory")))
	if err != nil {
		return fmt.Errorf("open app directory: %w", err)
	}
	a.dir = dir

	// The shared cooldown tier is optional; without Redis the limiter
	// degrades to process-local.
	var shared ratelimit.SharedStore
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		shared = ratelimit.NewRedisStore(a.redis)
	} else {
		a.log.Warn("redis not configured; proactive cooldown is process-local")
	}
	window, err := config.ParseDurationOrDefault("proactive.cooldown_window", cfg.Proactive.CooldownWindow, ratelimit.DefaultWindow)
	if err != nil {
		return err
	}
	a.limiter = ratelimit.New(shared, window, a.log.With(logx.String("svc", "ratelimit")))

	gwTimeout, err := config.ParseDurationOrDefault("gateway.timeout", cfg.Gateway.Timeout, 30*time.Second)
	if err != nil {
		return err
	}
	gw := gateway.New(gateway.Config{
		BaseURL: cfg.Gateway.BaseURL,
		Timeout: gwTimeout,
	}, a.log.With(logx.String("svc", "gateway")))

	pushCfg, err := pushConfig(cfg.Push)
	if err != nil {
		return err
	}
	a.pushSvc = push.New(pushCfg, gw, a.log.With(logx.String("svc", "push")), a.bus)

	proc := proactive.New(a.limiter, gw, gw, gw, store, a.pushSvc, a.bus, a.log.With(logx.String("svc", "proactive")))
	images := confidence.NewRunner(gw, a.log.With(logx.String("svc", "confidence")))

	coord := dispatch.New(
		dispatch.Config{Workers: cfg.Dispatch.Workers},
		dir, store, store, store, proc, a.pushSvc, images,
		a.bus, a.log.With(logx.String("svc", "dispatch")),
	)

	a.srv = server.New(cfg.Server, coord, store, a.log.With(logx.String("svc", "http")))

	if cfg.Janitor.Enabled {
		if err := a.buildJanitor(cfg.Janitor); err != nil {
			return err
		}
	}
	return nil
}

func pushConfig(pc *config.PushConfig) (push.Config, error) {
	var out push.Config
	if pc == nil {
		return out, nil
	}
	retryBase, err := config.ParseDurationField("push.retry_base", pc.RetryBase)
	if err != nil {
		return out, err
	}
	retryMaxDelay, err := config.ParseDurationField("push.retry_max_delay", pc.RetryMaxDelay)
	if err != nil {
		return out, err
	}
	dedupWindow, err := config.ParseDurationField("push.dedup_window", pc.DedupWindow)
	if err != nil {
		return out, err
	}
	out = push.Config{
		Workers:         pc.Workers,
		QueueSize:       pc.QueueSize,
		RatePerSec:      pc.RatePerSec,
		RetryMax:        pc.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedupWindow,
		DedupMaxEntries: pc.DedupMaxEntries,
	}
	return out, nil
}

func (a *App) buildJanitor(jc config.JanitorConfig) error {
	spec := jc.Spec
	if spec == "" {
		spec = "@every 1m"
	}
	retention, err := config.ParseDurationOrDefault("janitor.chat_retention", jc.ChatRetention, defaultChatRetention)
	if err != nil {
		return err
	}
	log := a.log.With(logx.String("svc", "janitor"))

	c := cron.New()
	_, err = c.AddFunc(spec, func() {
		pruned := a.limiter.PruneLocal()
		deduped := a.pushSvc.PruneDedup()
		var trimmed int64
		if retention > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			n, err := a.store.TrimOlderThan(ctx, time.Now().Add(-retention))
			cancel()
			if err != nil {
				log.Warn("chat trim failed", logx.Err(err))
			} else {
				trimmed = n
			}
		}
		if pruned > 0 || deduped > 0 || trimmed > 0 {
			log.Debug("janitor pass",
				logx.Int("ratelimit_pruned", pruned),
				logx.Int("dedup_pruned", deduped),
				logx.Int64("messages_trimmed", trimmed),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("janitor spec %q: %w", spec, err)
	}
	a.cron = c
	return nil
}

// Run starts background services and blocks serving HTTP until ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	a.pushSvc.Start(ctx)
	if a.cron != nil {
		a.cron.Start()
	}

	// Hot reload: watch the config file and re-apply what can change at
	// runtime (log level/sinks, the app registry).
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		if err := a.cfgMgr.Watch(watchCtx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	updates := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(updates)
	go a.applyUpdates(watchCtx, updates)

	errCh := make(chan error, 1)
	go func() { errCh <- a.srv.ListenAndServe() }()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http shutdown failed", logx.Err(err))
	}
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	a.pushSvc.Stop(shutdownCtx)
	return nil
}

func (a *App) applyUpdates(ctx context.Context, updates chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok || cfg == nil {
				return
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			if err := a.dir.Reload(); err != nil {
				a.log.Warn("app registry reload failed", logx.Err(err))
			}
			a.log.Info("config reloaded")
		}
	}
}

// Close releases resources; safe on a partially built app.
func (a *App) Close() error {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.logSvc != nil {
		_ = a.logSvc.Close()
	}
	return nil
}
