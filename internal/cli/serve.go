package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/metrics"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/worker"
)

// NewServeCmd creates the serve command.
func NewServeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the conductor daemon",
		Long: `Run the worker pools, outbox deliverer, janitor, and HTTP listener.
Stops claiming on SIGINT/SIGTERM and drains in-flight work before exiting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := app.loadSystem()
			if err != nil {
				return err
			}
			defer sys.Close()
			return runServe(cmd.Context(), sys)
		},
	}
}

func runServe(parent context.Context, sys *System) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := sys.Logger
	cfg := sys.Config

	orchPool := worker.NewPool(sys.Store, sys.Queue, model.QueueOrchestrator,
		cfg.Workers.Orchestrator, queueLease(cfg, model.QueueOrchestrator), log)
	sys.Handlers.RegisterOrchestrator(orchPool)

	runPool := worker.NewPool(sys.Store, sys.Queue, model.QueueRun,
		cfg.Workers.Orchestrator, queueLease(cfg, model.QueueRun), log)
	sys.Handlers.RegisterRun(runPool)

	agentPool := worker.NewPool(sys.Store, sys.Queue, model.QueueAgent,
		cfg.Workers.Agent, queueLease(cfg, model.QueueAgent), log)
	sys.Handlers.RegisterAgents(agentPool)

	if err := sys.Janitor.Start(ctx); err != nil {
		return err
	}
	defer sys.Janitor.Stop()

	mux := http.NewServeMux()
	mux.Handle("/webhooks/github", sys.Webhook)
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poolErr(orchPool.Run(gctx)) })
	g.Go(func() error { return poolErr(runPool.Run(gctx)) })
	g.Go(func() error { return poolErr(agentPool.Run(gctx)) })
	g.Go(func() error {
		err := sys.Deliverer.Run(gctx, time.Second)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	log.Info("conductor serving",
		zap.String("addr", cfg.MetricsAddr),
		zap.String("database", cfg.DatabasePath))

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve exited: %w", err)
	}
	return nil
}

// poolErr swallows the expected cancellation error from a draining pool.
func poolErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func queueLease(cfg *config.Config, name string) time.Duration {
	return cfg.Queues[name].Lease
}
