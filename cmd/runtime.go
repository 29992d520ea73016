package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/pgflo/pg_ingest/pkg/cluster"
	"github.com/pgflo/pg_ingest/pkg/config"
	"github.com/pgflo/pg_ingest/pkg/metadata"
	"github.com/pgflo/pg_ingest/pkg/metrics"
	"github.com/pgflo/pg_ingest/pkg/natsbus"
	"github.com/pgflo/pg_ingest/pkg/notify"
	"github.com/pgflo/pg_ingest/pkg/offsets"
	"github.com/pgflo/pg_ingest/pkg/scheduler"
	"github.com/pgflo/pg_ingest/pkg/task"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

// runtime holds the services shared by all tasks of a process
type runtime struct {
	cfg         *config.Config
	store       *metadata.PostgresMetadataStore
	metrics     *metrics.Metrics
	nifi        *notify.NiFiClient
	manager     *task.Manager
	coordinator cluster.Coordinator
	scheduler   *scheduler.Scheduler
	tasks       []task.Task

	closers []func() error
}

// clusterStats forwards flush counters to the coordinator once it exists
type clusterStats struct {
	coordinator cluster.Coordinator
}

func (s *clusterStats) RecordStatistics(ctx context.Context, taskID string, processed, failed int64) error {
	if s.coordinator == nil {
		return nil
	}
	return s.coordinator.RecordStatistics(ctx, taskID, processed, failed)
}

func newRuntime(ctx context.Context, cfg *config.Config) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	tasks, err := task.Load(cfg.Tasks)
	if err != nil {
		return nil, err
	}
	rt.tasks = tasks

	logger := utils.NewComponentLogger("metadata")
	rt.store, err = metadata.NewPostgresMetadataStore(ctx, cfg.Database.ConnectionString(), logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.store.Close)
	if err := rt.store.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	stats := &clusterStats{}
	deps := task.Deps{
		DB:       rt.store.Pool(),
		Offsets:  rt.store,
		Registry: rt.store,
		Metrics:  rt.metrics,
		Stats:    stats,
	}

	if cfg.Offsets.Backend == config.OffsetsFile {
		fileStore, err := offsets.NewFileStore(cfg.Offsets.Path)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, fileStore.Close)
		deps.Offsets = fileStore
		deps.LocalOffsets = true
	}

	if cfg.NiFi.Enabled {
		rt.nifi = notify.NewNiFiClient(cfg.NiFi)
		deps.NiFi = rt.nifi
		deps.NiFiConfig = cfg.NiFi
	}

	if cfg.NATS.Enabled() {
		client, err := natsbus.NewNATSClient(cfg.NATS.URL, cfg.NATS.Stream, "pg_ingest_ready", cfg.NATS.ReadyPrefix+".>")
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		rt.closers = append(rt.closers, client.Close)
		deps.Publisher = client
		deps.ReadyPrefix = cfg.NATS.ReadyPrefix
	}

	rt.manager = task.NewManager(task.NewFactory(deps),
		task.WithLogStore(rt.store),
		task.WithStatsStore(rt.store),
		task.WithMetrics(rt.metrics),
	)
	for _, t := range tasks {
		if err := rt.manager.Register(t); err != nil {
			return nil, err
		}
	}

	nodeID := cfg.Redis.NodeID
	if nodeID == "" {
		nodeID = cluster.DefaultNodeID(cfg.Server.Port)
	}
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		rt.coordinator = cluster.NewRedisCoordinator(client, nodeID, rt.manager)
	} else {
		rt.coordinator = cluster.NewLocalCoordinator(nodeID, rt.manager)
	}
	stats.coordinator = rt.coordinator
	rt.manager.OnFinish(func(taskID string, _ task.Status, err error) {
		rt.coordinator.TaskFinished(taskID, err)
	})

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return nil, err
	}
	rt.scheduler = scheduler.New(rt.manager,
		scheduler.WithNextRecorder(rt.store),
		scheduler.WithLocation(loc),
	)
	if err := rt.scheduler.AddTasks(tasks); err != nil {
		return nil, err
	}

	log.Info().
		Str("node_id", nodeID).
		Int("tasks", len(tasks)).
		Bool("redis", cfg.Redis.Enabled).
		Bool("nifi", cfg.NiFi.Enabled).
		Str("offsets", cfg.Offsets.Backend).
		Msg("Runtime ready")
	return rt, nil
}

// Close releases connections in reverse order of creation
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
