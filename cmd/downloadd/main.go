package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/flock"
	"github.com/italolelis/downloadd/internal/cleanup"
	"github.com/italolelis/downloadd/internal/config"
	"github.com/italolelis/downloadd/internal/download"
	"github.com/italolelis/downloadd/internal/engine"
	"github.com/italolelis/downloadd/internal/engine/httpengine"
	"github.com/italolelis/downloadd/internal/http/admin"
	"github.com/italolelis/downloadd/internal/ipc"
	"github.com/italolelis/downloadd/internal/logctx"
	"github.com/italolelis/downloadd/internal/netmon"
	"github.com/italolelis/downloadd/internal/notifier"
	"github.com/italolelis/downloadd/internal/queue"
	"github.com/italolelis/downloadd/internal/slot"
	"github.com/italolelis/downloadd/internal/storage/sqlite"
	"github.com/italolelis/downloadd/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// version is injected at build time.
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("download daemon starting...", "version", version, "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// fail brings the whole daemon down with a recorded cause. Used for
	// persistence failures: without a reachable database there is no source
	// of truth to keep running against.
	ctx, fail := context.WithCancelCause(ctx)
	defer fail(nil)

	// =========================================================================
	// Single Instance Lock
	if err := os.MkdirAll(filepath.Dir(cfg.LockFilePath), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	lock := flock.New(cfg.LockFilePath)

	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire instance lock: %w", err)
	}

	if !locked {
		return fmt.Errorf("another instance already holds %s", cfg.LockFilePath)
	}
	defer lock.Unlock()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init database: %w", err)
	}
	defer database.Close()

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}

	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(sctx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	store := sqlite.NewStore(database, tel)
	store.OnFailure(func(err error) {
		logger.Error("persistence failure, shutting down", "err", err)
		fail(err)
	})

	// =========================================================================
	// Start Notification
	var notif notifier.Notifier = notifier.Noop{}
	if cfg.WebhookURL != "" {
		notif = &notifier.WebhookNotifier{WebhookURL: cfg.WebhookURL}
	}

	// =========================================================================
	// Wire the Core: slot table, engine, queue, scheduler
	ids := download.NewIDGenerator()
	requestQueue := queue.New()
	mon := netmon.New()

	table := slot.NewTable(slot.Config{
		Capacity:    cfg.MaxClients,
		DownloadDir: cfg.DownloadDir,
	}, store, requestQueue, ids, notif, tel, logger)

	callbacks := table.Callbacks()

	eng := httpengine.New(&http.Client{}, cfg.MaxParallel, callbacks, logger)

	sched := queue.NewScheduler(requestQueue, eng, store, mon,
		queue.WithCycleInterval(cfg.QueueCycleInterval),
		queue.WithFailureHook(func(e queue.Entry, code engine.Code) {
			// A request the scheduler failed never reached the engine, so
			// its terminal event is raised here.
			callbacks.OnTerminal(e.Request, download.StateFailed, code)
		}),
		queue.WithOutcomeHook(func(o queue.Outcome) {
			tel.RecordAdmission(o.String())
		}),
	)

	table.Bind(eng, sched)

	// =========================================================================
	// Crash Recovery
	if err := table.Recover(ctx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	// =========================================================================
	// Start IPC Socket
	ln, err := listenSocket(cfg.SocketPath)
	if err != nil {
		return err
	}

	defer os.Remove(cfg.SocketPath)

	ipcServer := ipc.NewServer(ln, &ipc.ProcAuthorizer{}, table.Admit, table.Sweep, cfg.SweepInterval, cfg.ReceiveTimeout, tel)

	// =========================================================================
	// Start Admin Surface
	r := chi.NewRouter()
	r.Mount("/", admin.NewHandler(table, requestQueue, tel).Routes())

	server := &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	logger.Info("accepting clients",
		"socket", cfg.SocketPath,
		"admin", cfg.Web.BindAddress,
		"max_clients", cfg.MaxClients,
		"max_parallel", cfg.MaxParallel,
	)

	// =========================================================================
	// Run
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ipcServer.Run(gctx)
	})

	g.Go(func() error {
		if err := sched.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(sctx); err != nil {
			logger.Error("failed to gracefully shutdown the admin server", "err", err)

			return server.Close()
		}

		return nil
	})

	g.Go(func() error {
		janitor(gctx, cfg, store, table)

		return nil
	})

	g.Go(func() error {
		observeQueues(gctx, requestQueue, tel)

		return nil
	})

	err = g.Wait()

	// Slots drain last: every event already queued is still delivered, in
	// order, before the daemon exits.
	table.Shutdown()

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		err = fmt.Errorf("persistence failure: %w", cause)
	}

	logger.Info("shutdown complete")

	return err
}

// listenSocket binds the unix socket, replacing a stale file left by an
// unclean exit. The instance lock guarantees the file is not a live socket.
func listenSocket(path string) (*net.UnixListener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}

	if err := os.Chmod(path, 0o666); err != nil {
		ln.Close()

		return nil, fmt.Errorf("failed to chmod socket: %w", err)
	}

	return ln, nil
}

// janitor periodically deletes orphaned temp files and expired history rows.
func janitor(ctx context.Context, cfg *config.Config, store *sqlite.Store, table *slot.Table) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down")

			return
		case <-ticker.C:
			live := table.LiveTempPaths()

			err := cleanup.DeleteStaleTempFiles(ctx, cfg.DownloadDir, cfg.KeepTempFor, func(path string) bool {
				_, ok := live[path]

				return ok
			})
			if err != nil {
				logger.Error("failed to delete stale temp files", "err", err)
			}

			if err := cleanup.PruneHistory(ctx, store, cfg.KeepHistoryFor); err != nil {
				logger.Error("failed to prune history", "err", err)
			}
		}
	}
}

// observeQueues samples queue partition depths into the metrics pipeline.
func observeQueues(ctx context.Context, q *queue.Queue, tel *telemetry.Telemetry) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for class, depth := range q.Depths() {
				tel.RecordQueueDepth(class, depth)
			}
		}
	}
}
