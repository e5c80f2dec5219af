package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/coverwatch/internal/api"
	"github.com/JakeFAU/coverwatch/internal/pipeline"
)

const shutdownGrace = 10 * time.Second

// newWatchCmd creates the 'watch' subcommand: cycles on a cron schedule plus the
// ops HTTP server, until SIGINT/SIGTERM.
func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Runs cycles on a schedule and serves the ops API",
		Long: `Starts the ops HTTP server (health, metrics, cycle history, manual
trigger) and runs a monitoring cycle on the configured cron schedule. The
process exits gracefully on SIGINT or SIGTERM, waiting for an in-flight cycle.`,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(appInstance, &err)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watch(ctx, appInstance)
		},
	}
	return cmd
}

func watch(ctx context.Context, appInstance App) error {
	cfg := appInstance.Config()
	logger := appInstance.Logger()
	runner := appInstance.Runner()

	scheduler := cron.New(
		cron.WithLogger(cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))),
		cron.WithChain(cron.Recover(cron.PrintfLogger(zap.NewStdLog(logger.Named("cron"))))),
	)
	// Cycles never observe shutdown; once issued they run to completion.
	cycleCtx := context.WithoutCancel(ctx)
	runCycle := func(trigger string) {
		sum, err := runner.Run(cycleCtx)
		switch {
		case errors.Is(err, pipeline.ErrCycleRunning):
			logger.Info("cycle skipped; previous cycle still running", zap.String("trigger", trigger))
		case err != nil:
			logger.Error("cycle failed", zap.String("trigger", trigger), zap.Error(err))
		default:
			logger.Info("cycle finished",
				zap.String("trigger", trigger),
				zap.String("cycle_id", sum.CycleID),
				zap.Int("changed", len(sum.Changed)),
			)
		}
	}
	if _, err := scheduler.AddFunc(cfg.Schedule.Cron, func() { runCycle("schedule") }); err != nil {
		return fmt.Errorf("schedule %q: %w", cfg.Schedule.Cron, err)
	}

	apiServer := api.NewServer(cycleCtx, runner, appInstance.Cycles(), api.Config{
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout(),
	}, logger.Named("api"))
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	scheduler.Start()
	logger.Info("scheduler started", zap.String("cron", cfg.Schedule.Cron))
	var startup sync.WaitGroup
	if cfg.Schedule.RunOnStart {
		startup.Add(1)
		go func() {
			defer startup.Done()
			runCycle("startup")
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	<-scheduler.Stop().Done()
	startup.Wait()
	waitIdle(context.Background(), runner)
	logger.Info("shutdown complete")
	return runErr
}

// waitIdle blocks until no cycle is running or ctx ends.
func waitIdle(ctx context.Context, runner api.CycleRunner) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for runner.Running() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
