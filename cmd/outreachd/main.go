// Command outreachd runs the outreach orchestration service: job queue,
// worker pool, scheduler, session manager, and the HTTP/websocket API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/outreachd/outreachd/pkg/config"
	"github.com/outreachd/outreachd/pkg/core"
	"github.com/outreachd/outreachd/pkg/platform"
	"github.com/outreachd/outreachd/pkg/processor"
	"github.com/outreachd/outreachd/pkg/queue"
	"github.com/outreachd/outreachd/pkg/quota"
	"github.com/outreachd/outreachd/pkg/realtime"
	"github.com/outreachd/outreachd/pkg/runner"
	"github.com/outreachd/outreachd/pkg/scheduler"
	"github.com/outreachd/outreachd/pkg/server"
	"github.com/outreachd/outreachd/pkg/session"
	"github.com/outreachd/outreachd/pkg/storage"
	"github.com/outreachd/outreachd/pkg/worker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("outreachd exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	jobStorage := storage.NewGormStorage(db)
	if err := jobStorage.Migrate(ctx); err != nil {
		return err
	}
	store := storage.NewGormStore(db)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	hub := realtime.NewHub()

	sessions := session.NewManager(
		session.ChromeLauncher(cfg.Headless),
		cfg.PlatformEntryURL,
		session.WithIdleTimeout(cfg.SessionIdleTimeout),
		session.WithNotifier(hub),
	)

	automation := platform.New("https://www.linkedin.com/login")

	q := queue.New(jobStorage)
	quotas := quota.New(store)
	actionRunner := runner.New(sessions, store, automation)

	procCfg := processor.Config{
		Store:     store,
		Quota:     quotas,
		Runner:    actionRunner,
		Automator: automation,
		Budget:    cfg.RunBudget,
	}
	q.Register(core.KindRequestAction, processor.NewConnect(procCfg))
	q.Register(core.KindFollowUpAction, processor.NewFollowUp(procCfg))
	q.Register(core.KindReconcile, processor.NewReconcile(store, q))

	pool := worker.New(q,
		worker.Kind(core.KindRequestAction),
		worker.Kind(core.KindFollowUpAction),
		worker.Kind(core.KindReconcile),
		worker.Concurrency(cfg.Concurrency),
		worker.PollInterval(cfg.PollInterval),
	)

	sched := scheduler.New(scheduler.Config{
		Queue:       q,
		Store:       store,
		ImportLimit: cfg.ImportLimit,
	})

	api := server.New(q, sched, sessions, hub)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return pool.Start(gctx) })
	g.Go(func() error { return sessions.Start(gctx) })
	g.Go(func() error { return sched.Start(gctx) })

	g.Go(func() error {
		slog.Info("outreachd listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
