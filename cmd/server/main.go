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

	"github.com/podushkina/taskdispatch/internal/api"
	"github.com/podushkina/taskdispatch/internal/config"
	"github.com/podushkina/taskdispatch/internal/control"
	"github.com/podushkina/taskdispatch/internal/dispatch"
	"github.com/podushkina/taskdispatch/internal/jobs"
	"github.com/podushkina/taskdispatch/internal/logx"
	"github.com/podushkina/taskdispatch/internal/queue"
	"github.com/podushkina/taskdispatch/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logx.New(os.Stdout, cfg.Env, cfg.SlogLevel())

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Without the broker the server still accepts work, on the in-process
	// queue only.
	client, err := queue.Connect(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if err != nil {
		logger.Warn("broker unreachable, using local queue only", slog.Any("error", err))
	} else {
		defer client.Close()
		logger.Info("connected to redis", slog.String("addr", cfg.RedisAddr))
	}

	st, err := openStore(cfg, client, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	docs, err := openDocuments(ctx, cfg)
	if err != nil {
		return err
	}

	reg := jobs.Defaults(jobs.Deps{
		Providers: newProviders(cfg, logger),
		Docs:      docs,
		Logger:    logger,
	})

	local := queue.NewLocalQueue(cfg.LocalQueueSize)
	defer local.Close()

	opts := worker.Options{TaskTimeLimit: cfg.TaskTimeLimit}
	var primary, fallback queue.WorkQueue = local, nil
	if client != nil {
		primary, fallback = queue.NewRedisQueue(client), local
		opts.Revoker = queue.NewRevoker(client)
	}

	group := worker.NewGroup(st, reg, logger, opts)
	if client != nil {
		group.AddPool(primary, cfg.WorkerCount)
	}
	group.AddPool(local, cfg.LocalWorkerCount)
	group.Start(ctx)

	dispatcher := dispatch.New(reg, st, primary, fallback, dispatch.Policy{
		Threshold:   cfg.AsyncThreshold,
		SyncTimeout: cfg.SyncTimeout,
	}, logger)

	ctl := control.New(st, group, control.Options{
		StaleAfter: cfg.StaleAfter,
		Retention:  cfg.TaskRetention,
	}, logger)
	go ctl.Run(ctx, cfg.SweepInterval)

	handler := api.NewHandler(dispatcher, ctl, logger)
	router := api.NewRouter(handler, logger, cfg.CORSOrigins)

	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Sync tasks hold the connection for up to SyncTimeout.
		WriteTimeout: cfg.SyncTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			slog.String("port", cfg.ServerPort),
			slog.Int("async_threshold", dispatcher.Policy().Threshold),
			slog.Duration("sync_timeout", dispatcher.Policy().SyncTimeout),
			slog.Any("kinds", reg.Kinds()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}

	stop()
	group.Stop()
	logger.Info("server stopped")
	return nil
}
