package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/config"
	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/daemon"
	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/logging"
	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/metrics"
	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/prompt"
	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/version"
)

// httpShutdownTimeout bounds how long in-flight webhook requests may take
// once shutdown starts.
const httpShutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and review queue in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ServerAddr = addr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServer(ctx, cfg, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")

	return cmd
}

// runServer wires every component and serves until ctx is done. Shutdown
// stops intake first, then lets the in-flight review finish, then flushes
// metrics.
func runServer(ctx context.Context, cfg *config.Config, console io.Writer) error {
	root, err := logging.Setup(logging.Options{
		Level:         cfg.Log.Level,
		Dir:           cfg.Log.Dir,
		MaxFiles:      cfg.Log.MaxFiles,
		MaxFileSizeMB: cfg.Log.MaxFileSizeMB,
		Console:       console,
	})
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer root.Close()

	logger := root.Logger(logging.SubsystemServer)
	logger.Info("starting pullwarden", "version", version.Version)

	templates, err := prompt.LoadSet(cfg.TemplateMapPath)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}
	watcher := daemon.NewTemplateWatcher(cfg.TemplateMapPath, templates, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("template hot reload disabled", "path", cfg.TemplateMapPath, "error", err)
	}

	rec := metrics.NewRecorder()
	persister, err := startPersister(ctx, cfg, rec, root.Logger(logging.SubsystemMetrics))
	if err != nil {
		watcher.Stop()
		return err
	}

	errorLog, err := daemon.NewErrorLog(daemon.DefaultErrorLogPath())
	if err != nil {
		logger.Warn("error log disabled", "error", err)
	} else {
		logger.Info("error log", "path", errorLog.Path())
	}

	reviewer := daemon.NewReviewer(cfg, watcher, rec, errorLog, root)
	queue := daemon.NewQueue(reviewer.Handle, root.Logger(logging.SubsystemQueue))
	rec.SetQueueLengthFunc(queue.Len)

	var metricsHandler http.Handler
	if reg, err := metrics.NewRegistry(rec); err != nil {
		logger.Warn("metrics endpoint disabled", "error", err)
	} else {
		metricsHandler = metrics.Handler(reg)
	}

	server := daemon.NewServer(cfg, queue, rec, metricsHandler, errorLog, root.Logger(logging.SubsystemWebhook))

	if logging.IsTerminal() {
		printBanner(console, cfg)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start(ctx) }()

	var runErr error
	select {
	case runErr = <-serveErr:
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdown(cfg, logger, server, queue, persister, watcher, errorLog)
	if runErr != nil {
		return fmt.Errorf("serve: %w", runErr)
	}
	logger.Info("stopped")
	return nil
}

// startPersister restores metrics from the configured store and starts the
// periodic flush. With persistence disabled it returns a nil Persister.
// The Persister owns the store and closes it on Stop.
func startPersister(ctx context.Context, cfg *config.Config, rec *metrics.Recorder, logger *slog.Logger) (*metrics.Persister, error) {
	if !cfg.Metrics.PersistEnabled {
		logger.Info("metrics persistence disabled")
		return nil, nil
	}
	store, err := metrics.OpenStore(cfg.Metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("open metrics store: %w", err)
	}
	interval := time.Duration(cfg.Metrics.FlushIntervalSeconds) * time.Second
	p := metrics.NewPersister(rec, store, interval, logger)
	p.Restore(ctx)
	p.Start()
	return p, nil
}

func shutdown(cfg *config.Config, logger *slog.Logger, server *daemon.Server, queue *daemon.Queue,
	persister *metrics.Persister, watcher *daemon.TemplateWatcher, errorLog *daemon.ErrorLog) {
	httpCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	if err := server.Stop(httpCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	cancel()

	// The in-flight review is bounded by the agent timeout; allow one more
	// minute for sync and cleanup.
	queueTimeout := time.Duration(cfg.JobTimeoutMinutes)*time.Minute + time.Minute
	if queue.Active() {
		logger.Info("waiting for the in-flight review", "timeout", queueTimeout, "dropping", queue.Len())
	}
	queueCtx, cancel := context.WithTimeout(context.Background(), queueTimeout)
	if err := queue.Close(queueCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("in-flight review did not finish before shutdown", "timeout", queueTimeout)
		} else {
			logger.Warn("queue shutdown", "error", err)
		}
	}
	cancel()

	if persister != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		if err := persister.Stop(flushCtx); err != nil {
			logger.Warn("final metrics flush", "error", err)
		}
		cancel()
	}

	watcher.Stop()
	if err := errorLog.Close(); err != nil {
		logger.Warn("close error log", "error", err)
	}
}

func printBanner(w io.Writer, cfg *config.Config) {
	secret := "on"
	if cfg.WebhookSecret == "" {
		secret = "OFF"
	}
	workspaces := "any"
	if len(cfg.AllowedWorkspaces) > 0 {
		workspaces = fmt.Sprint(cfg.AllowedWorkspaces)
	}
	fmt.Fprintf(w, "\npullwarden %s\n", version.Version)
	fmt.Fprintf(w, "  webhook     http://%s%s\n", cfg.ServerAddr, daemon.WebhookPath)
	fmt.Fprintf(w, "  signatures  %s\n", secret)
	fmt.Fprintf(w, "  workspaces  %s\n", workspaces)
	fmt.Fprintf(w, "  events      %s\n", cfg.EventFilter)
	fmt.Fprintf(w, "  agent       %s (%s)\n", cfg.AgentCommand, cfg.AgentModel)
	fmt.Fprintf(w, "  data dir    %s\n\n", config.DataDir())
}
