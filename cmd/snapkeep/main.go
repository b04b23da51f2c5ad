package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"snapkeep/internal/backup"
	"snapkeep/internal/config"
	"snapkeep/internal/document"
	"snapkeep/internal/retention"
	"snapkeep/internal/runtime/lifecycle"
	"snapkeep/internal/storage"
	"snapkeep/internal/watch"
	logx "snapkeep/pkg/logx"
)

func main() {
	var (
		cfgPath string
		list    bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (json or yaml)")
	flag.BoolVar(&list, "list", false, "list stored backups and exit")
	flag.Parse()

	if err := run(cfgPath, list); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(cfgPath string, list bool) error {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(cfg.LogxConfig())
	defer logSvc.Close()
	mgr.SetLogger(log)
	mgr.SetValidator(func(_ context.Context, c *config.Config) error { return c.Validate() })

	stCfg, err := cfg.StorageConfig()
	if err != nil {
		return err
	}
	store, err := storage.Open(stCfg, log.With(logx.String("component", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	if list {
		return listBackups(store)
	}

	lc := lifecycle.New(context.Background(), lifecycle.WithLogger(log))
	reg := document.NewRegistry(log.With(logx.String("component", "registry")))

	// Cadence mode follows config reloads.
	mode, err := cfg.AutoSaveMode()
	if err != nil {
		return err
	}
	var cadence atomicMode
	cadence.set(mode)

	bCfg, err := cfg.BackupSchedulerConfig()
	if err != nil {
		return err
	}
	sched := backup.New(bCfg, store, &cadence, log.With(logx.String("component", "backup")))
	defer sched.Close()
	sched.Attach(reg)

	// Watched files never report clean (there is no save in watcher mode), so
	// gate shutdown on pending work only; embedders get the drain policy.
	policy := backup.DrainVetoPolicy
	if cfg.Watch != nil {
		policy = func(_ lifecycle.Reason, _, pending int) bool { return pending > 0 }
	}
	sched.RegisterShutdownGate(lc, reg.DirtyCount, policy)

	lc.Go("config-watch", mgr.Watch)
	sub := mgr.Subscribe(4)
	lc.Go0("config-apply", func(ctx context.Context) {
		defer mgr.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-sub:
				if !ok || next == nil {
					return
				}
				logSvc.Apply(next.LogxConfig())
				if m, err := next.AutoSaveMode(); err == nil && m != cadence.Mode() {
					log.Info("auto-save mode changed", logx.String("mode", m.String()))
					cadence.set(m)
				}
				// Storage driver and backup delays apply on next start.
			}
		}
	})

	if cfg.Watch != nil {
		w := watch.New(cfg.Watch.Dir, reg, log.With(logx.String("component", "watch")))
		lc.Go("fs-watch", w.Run)
	}

	maxAge, err := cfg.RetentionMaxAge()
	if err != nil {
		return err
	}
	sweeper := retention.New(
		retention.Config{
			Enabled:  cfg.Retention.Enabled,
			MaxAge:   maxAge,
			Schedule: cfg.RetentionSchedule(),
		},
		store,
		func(uri string) bool { return reg.IsDirty(uri) || sched.HasPending(uri) },
		log.With(logx.String("component", "retention")),
	)
	if err := sweeper.Start(lc.Context()); err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	defer sweeper.Stop()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("snapkeep started",
		logx.String("config", cfgPath),
		logx.String("storage", stCfg.Driver),
		logx.String("autosave", mode.String()),
	)

	waitForShutdown(lc, log)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return lc.Wait(stopCtx)
}

// waitForShutdown keeps retrying the shutdown intent while the backup gate
// vetoes it (pending backups still draining). A second signal or the drain
// deadline forces shutdown regardless.
func waitForShutdown(lc *lifecycle.Coordinator, log logx.Logger) {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	<-sig
	log.Info("shutdown requested")

	const drainDeadline = 30 * time.Second
	deadline := time.NewTimer(drainDeadline)
	defer deadline.Stop()
	retry := time.NewTicker(500 * time.Millisecond)
	defer retry.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		vetoed := lc.RequestShutdown(ctx, lifecycle.ReasonQuit)
		cancel()
		if !vetoed {
			return
		}

		select {
		case <-sig:
			log.Warn("forced shutdown")
			lc.Cancel()
			return
		case <-deadline.C:
			log.Warn("drain deadline exceeded; forcing shutdown")
			lc.Cancel()
			return
		case <-retry.C:
		}
	}
}

func listBackups(store storage.Store) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	backups, err := store.List(ctx)
	if err != nil {
		return err
	}
	for _, b := range backups {
		fmt.Printf("%s\tv%d\t%s\n", b.URI, b.Version, b.UpdatedAt.Format(time.RFC3339))
	}
	fmt.Printf("%d backup(s)\n", len(backups))
	return nil
}

// atomicMode is a CadenceProvider updated from config reloads.
type atomicMode struct{ v atomic.Int64 }

func (a *atomicMode) set(m backup.AutoSaveMode) { a.v.Store(int64(m)) }
func (a *atomicMode) Mode() backup.AutoSaveMode { return backup.AutoSaveMode(a.v.Load()) }
