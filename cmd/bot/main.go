package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"schedbot/internal/config"
	"schedbot/internal/engine"
	"schedbot/internal/flow"
	"schedbot/internal/observability/pprof"
	"schedbot/internal/runtime/supervisor"
	"schedbot/internal/store"
	"schedbot/internal/transport/telegram"
	"schedbot/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logSvc, log, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	if err != nil {
		return err
	}
	defer logSvc.Close()

	st, err := store.Open(ctx, store.Config{
		Driver:         cfg.Store.Driver,
		URI:            cfg.Store.URI,
		Database:       cfg.Store.Database,
		Collection:     cfg.Store.Collection,
		Path:           cfg.Store.Path,
		BusyTimeout:    config.DurationOr(cfg.Store.BusyTimeout, 0),
		ConnectTimeout: config.DurationOr(cfg.Store.ConnectTimeout, 5*time.Second),
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		log.Error("store connection failed", logx.Err(err))
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close(context.Background())

	tg, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    config.DurationOr(cfg.Telegram.PollTimeout, 10*time.Second),
		SendRatePerSec: cfg.Telegram.SendRatePerSec,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("starting telegram: %w", err)
	}

	eng := engine.New(engine.Config{
		TickInterval:      config.DurationOr(cfg.Engine.TickInterval, time.Second),
		RecoverRetries:    cfg.Engine.RecoverRetries,
		RecoverRetryDelay: config.DurationOr(cfg.Engine.RecoverRetryDelay, 2*time.Second),
	}, st, tg, log.With(logx.String("comp", "engine")))

	// Rebuild triggers from the store before accepting commands.
	if err := eng.Recover(ctx); err != nil {
		log.Error("schedule recovery failed", logx.Err(err))
		return fmt.Errorf("recovering schedules: %w", err)
	}

	fl := flow.New(flow.Config{
		SessionTTL: config.DurationOr(cfg.Flow.SessionTTL, 15*time.Minute),
	}, eng, tg, log.With(logx.String("comp", "flow")))
	tg.Bind(fl)

	sup := supervisor.New(ctx, supervisor.WithLogger(log.With(logx.String("comp", "supervisor"))))
	sup.Go("engine", func(ctx context.Context) error {
		eng.Run(ctx)
		return nil
	})
	sup.Go("flow-sessions", func(ctx context.Context) error {
		fl.Run(ctx)
		return nil
	})
	sup.Go("config-watch", func(ctx context.Context) error {
		err := config.Watch(ctx, cfgPath, log.With(logx.String("comp", "config")), func(c config.Config) {
			logSvc.SetLevel(c.Logging.Level)
		})
		if err != nil {
			// The bot runs fine without hot reload.
			log.Warn("config watcher unavailable", logx.Err(err))
		}
		return nil
	})
	sup.Go("sd-notify", func(ctx context.Context) error {
		notifySystemd(ctx, log)
		return nil
	})
	if dbg := pprof.New(pprof.Config{Addr: cfg.Debug.PprofAddr}, log.With(logx.String("comp", "pprof"))); dbg.Enabled() {
		sup.Go("pprof", func(ctx context.Context) error {
			// A broken debug listener is not worth a non-zero exit.
			if err := dbg.Run(ctx); err != nil {
				log.Warn("pprof server failed", logx.Err(err))
			}
			return nil
		})
	}

	log.Info("bot started")
	tg.Run(ctx)

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return sup.Wait(waitCtx)
}

// notifySystemd reports readiness and feeds the watchdog when the process
// runs under systemd with Type=notify; otherwise it is a no-op.
func notifySystemd(ctx context.Context, log logx.Logger) {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		log.Debug("systemd readiness notified")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			return
		case <-ticker.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
