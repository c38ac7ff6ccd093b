package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"slices"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/exflow/pkg/exflow/api"
	"github.com/randalmurphal/exflow/pkg/exflow/broker"
	"github.com/randalmurphal/exflow/pkg/exflow/pipeline"
)

// stageNames lists every consumer group the service runs.
var stageNames = []string{pipeline.MatcherGroup, pipeline.RunnerGroup}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd(cfgPath func() string) *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, every pipeline stage, the SLA watcher and dead-letter redrive",
		Long: `Run the HTTP API, every pipeline stage, the SLA watcher and dead-letter redrive.

Examples:
  exflow serve --config exflow.yaml
  EXFLOW_STORE_DRIVER=sqlite EXFLOW_STORE_PATH=/var/lib/exflow.db exflow serve
  exflow serve --no-workers   # API only; run stages with "exflow worker"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(cfgPath(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			var stages []string
			if !noWorkers {
				stages = stageNames
			}
			return a.serve(ctx, stages)
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the API without running pipeline stages")
	return cmd
}

func workerCmd(cfgPath func() string) *cobra.Command {
	var stages []string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run consumer groups for the given stages",
		Long: `Run one member of each named consumer group. Members of the same group
share partitions through leases, so any number of worker processes can run
against one durable store.

Stages: ` + pipeline.MatcherGroup + `, ` + pipeline.RunnerGroup,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, s := range stages {
				if !slices.Contains(stageNames, s) {
					return fmt.Errorf("unknown stage %q (want one of %v)", s, stageNames)
				}
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(cfgPath(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close(context.Background())
			return a.runGroups(ctx, stages)
		},
	}
	cmd.Flags().StringSliceVarP(&stages, "stage", "s", stageNames, "stages to run")
	return cmd
}

// runGroups runs one group member per stage until ctx is cancelled.
func (a *app) runGroups(ctx context.Context, names []string) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		stage, ok := a.svc.Stage(name)
		if !ok {
			return fmt.Errorf("unknown stage %q", name)
		}
		g, err := broker.NewGroup(stage, a.store, a.brokerOptions()...)
		if err != nil {
			return err
		}
		a.logger.Info("consumer group started",
			slog.String("consumer_group", name),
			slog.String("owner", g.Owner()),
		)
		eg.Go(func() error { return g.Run(ctx) })
	}
	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", a.telemetry.MetricsHandler())
	r.Mount("/", api.NewHandler(a.svc, a.logger))
	return r
}

func (a *app) serve(ctx context.Context, stages []string) error {
	h := a.cfg.HTTP
	srv := &http.Server{
		Addr:         h.Addr,
		Handler:      a.router(),
		ReadTimeout:  h.ReadTimeout.Std(),
		WriteTimeout: h.WriteTimeout.Std(),
	}

	if len(stages) > 0 {
		if a.cfg.SLA.Enabled {
			w := a.svc.SLAWatcher(a.cfg.SLA.Threshold.Std(), a.cfg.SLA.Interval.Std())
			w.Start(ctx)
			defer w.Stop()
		}
		if a.cfg.Redrive.Enabled {
			a.svc.Redriver().Start(ctx)
			defer a.svc.Redriver().Stop()
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		a.logger.Info("http listening", slog.String("addr", h.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), h.ShutdownTimeout.Std())
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if len(stages) > 0 {
		eg.Go(func() error { return a.runGroups(ctx, stages) })
	}
	return eg.Wait()
}
