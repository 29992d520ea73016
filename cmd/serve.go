package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pgflo/pg_ingest/pkg/api"
	"github.com/pgflo/pg_ingest/pkg/cluster"
)

var autostart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin server, the scheduler and cluster coordination",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := rt.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close connections")
			}
		}()

		opts := []api.Option{api.WithCoordinator(rt.coordinator), api.WithMetrics(rt.metrics), api.WithTables(rt.store)}
		if rt.nifi != nil {
			opts = append(opts, api.WithNiFi(rt.nifi))
		}
		server := api.NewServer(rt.manager, opts...)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.Run(gctx, cfg.Server.Addr(), cfg.Server.ShutdownTimeout)
		})
		g.Go(func() error {
			return rt.coordinator.Run(gctx)
		})
		g.Go(func() error {
			return rt.scheduler.Run(gctx, cfg.Server.ShutdownTimeout)
		})

		if autostart {
			startContinuous(gctx, rt)
		}

		<-gctx.Done()
		log.Info().Msg("Shutting down")

		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		stopErr := rt.manager.StopAll(stopCtx)

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return stopErr
	},
}

func init() {
	serveCmd.Flags().BoolVar(&autostart, "autostart", true, "start continuous CDC tasks through the coordinator on boot")
}

// startContinuous hands CDC tasks to the coordinator; tasks locked by another node stay there
func startContinuous(ctx context.Context, rt *runtime) {
	for _, t := range rt.manager.Tasks() {
		if !t.Continuous() {
			continue
		}
		config, err := taskJSON(t)
		if err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Msg("Failed to encode task")
			continue
		}
		switch err := rt.coordinator.StartTask(ctx, t.ID, config); {
		case err == nil:
			log.Info().Str("task_id", t.ID).Msg("Continuous task started")
		case errors.Is(err, cluster.ErrLockNotAcquired):
			log.Info().Str("task_id", t.ID).Msg("Continuous task runs on another node")
		default:
			log.Error().Err(err).Str("task_id", t.ID).Msg("Failed to start continuous task")
		}
	}
}
