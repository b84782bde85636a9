package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orrn/kiosk/internal/api"
	"github.com/orrn/kiosk/internal/api/handlers"
	"github.com/orrn/kiosk/internal/api/middleware"
	"github.com/orrn/kiosk/internal/backend/cups"
	"github.com/orrn/kiosk/internal/broadcast"
	"github.com/orrn/kiosk/internal/config"
	"github.com/orrn/kiosk/internal/core"
	"github.com/orrn/kiosk/internal/db"
	"github.com/orrn/kiosk/internal/logging"
	"github.com/orrn/kiosk/internal/outbox"
	"github.com/orrn/kiosk/internal/remote"
	"github.com/orrn/kiosk/internal/scheduler"
)

const (
	shutdownTimeout   = 10 * time.Second
	ownerFlushTimeout = 2 * time.Minute
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	SecureCookies bool
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the kiosk agent",
		Long: `Run the kiosk agent: the local HTTP and websocket API for the kiosk
screen, the health probe, recovery polling, the notification outbox and
the scheduled housekeeping tasks.

Example:
  kiosk serve --config /etc/kiosk/kiosk.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.SecureCookies, "secure-cookies", false, "mark owner session cookies secure (only behind TLS)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, logger, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	appLog := logging.Component(logger, "app")

	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			appLog.Error("error closing database", "error", err)
		}
	}()

	client := remote.NewClient(cfg.Remote, cfg.Kiosk.ID, logging.Component(logger, "remote"))
	backend := cups.New(cfg.Printer, cups.ExecRunner, logging.Component(logger, "cups"))

	queue, err := openOutbox(cfg, client, logger)
	if err != nil {
		return err
	}

	hub := broadcast.NewHub(0, logging.Component(logger, "hub"))
	suppression := core.NewSuppressionFlag()

	monitor := core.NewMonitor(backend, hub, queue, client, store, suppression, &cfg.Monitor, logging.Component(logger, "monitor"))
	jobs := core.NewJobManager(backend, monitor, store, logging.Component(logger, "event"))

	internet := core.InternetCheck(&http.Client{Timeout: cfg.Health.CheckTimeout}, cfg.Health.InternetURL)
	probe := core.NewHealthProbe(internet, backend.PrinterPresent, hub, queue, client, suppression,
		cfg.Health.Interval, cfg.Health.CheckTimeout, logging.Component(logger, "health"))
	recovery := core.NewRecoveryCoordinator(client, hub, queue, cfg.Recovery.Interval, cfg.Remote.RequestTimeout,
		logging.Component(logger, "recovery"))

	sched := scheduler.New(logging.Component(logger, "scheduler"))
	if err := registerTasks(sched, cfg, client, queue, store.Jobs, logging.Component(logger, "scheduler")); err != nil {
		return WrapExitError(ExitCommandError, "invalid schedule", err)
	}

	auth, err := middleware.NewAuthMiddleware(store.Settings, opts.SecureCookies)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialise owner auth", err)
	}

	router := api.NewRouter(api.Handlers{
		Auth:   auth,
		Print:  handlers.NewPrintHandler(client, jobs, hub, recovery, logging.Component(logger, "event")),
		Health: handlers.NewHealthHandler(probe, newDiagnostics(cfg, backend.PrinterPresent)),
		Events: handlers.NewEventHandler(hub, appLog),
		Jobs:   handlers.NewJobHandler(store.Jobs, jobs),
		Outbox: handlers.NewOutboxHandler(queue, ownerFlushTimeout),
	}, appLog)

	srv := &http.Server{
		Addr:         listenAddr(cfg),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			appLog.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return queue.Run(gctx) })
	g.Go(func() error { return probe.Run(gctx) })
	g.Go(func() error { return recovery.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		appLog.Info("http server listening", "addr", srv.Addr, "kiosk_id", cfg.Kiosk.ID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		jobs.Stop()
		return err
	})

	// Leftovers from the previous run go out as soon as the loop is up.
	queue.Kick()

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "kiosk stopped", err)
	}
	appLog.Info("kiosk stopped gracefully")
	return nil
}

func openOutbox(cfg *config.Config, client *remote.Client, logger *slog.Logger) (*outbox.Outbox, error) {
	queue, err := outbox.Open(outbox.Config{
		Path:        cfg.Outbox.Path,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		Timeout:     cfg.Remote.RequestTimeout,
	}, client, logging.Component(logger, "outbox"))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open outbox", err)
	}
	return queue, nil
}

type heartbeater interface {
	Heartbeat(ctx context.Context, message string) error
}

type pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// registerTasks installs the periodic heartbeat, outbox flush and history
// retention. An empty schedule disables its task.
func registerTasks(s *scheduler.Scheduler, cfg *config.Config, hb heartbeater, queue core.Kicker, history pruner, logger *slog.Logger) error {
	if cfg.Heartbeat.Schedule != "" {
		err := s.Add("heartbeat", cfg.Heartbeat.Schedule, cfg.Remote.RequestTimeout, func(ctx context.Context) error {
			return hb.Heartbeat(ctx, cfg.Heartbeat.Message)
		})
		if err != nil {
			return err
		}
	}

	if cfg.Outbox.FlushSchedule != "" {
		err := s.Add("outbox-flush", cfg.Outbox.FlushSchedule, time.Second, func(context.Context) error {
			queue.Kick()
			return nil
		})
		if err != nil {
			return err
		}
	}

	if cfg.Database.RetentionDays > 0 {
		err := s.Add("history-prune", "@daily", time.Minute, func(ctx context.Context) error {
			cutoff := time.Now().AddDate(0, 0, -cfg.Database.RetentionDays)
			n, err := history.PruneBefore(ctx, cutoff)
			if err != nil {
				return err
			}
			logger.Info("pruned job history", "rows", n, "before", cutoff.Format(time.RFC3339))
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func newDiagnostics(cfg *config.Config, printer core.Check) *core.Diagnostics {
	client := &http.Client{Timeout: cfg.Health.CheckTimeout}
	return core.NewDiagnostics(cfg.Health.CheckTimeout,
		core.DiagnosticCheck{Name: "internet", Check: core.InternetCheck(client, cfg.Health.InternetURL)},
		core.DiagnosticCheck{Name: "backend", Check: core.PortCheck(cfg.Diagnostics.BackendAddr)},
		core.DiagnosticCheck{Name: "frontend", Check: core.PortCheck(cfg.Diagnostics.FrontendAddr)},
		core.DiagnosticCheck{Name: "printer", Check: printer},
	)
}
