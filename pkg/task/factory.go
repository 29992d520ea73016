package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pgflo/pg_ingest/pkg/ingestlog"
	"github.com/pgflo/pg_ingest/pkg/metadata"
	"github.com/pgflo/pg_ingest/pkg/metrics"
	"github.com/pgflo/pg_ingest/pkg/natsbus"
	"github.com/pgflo/pg_ingest/pkg/notify"
	"github.com/pgflo/pg_ingest/pkg/offsets"
	"github.com/pgflo/pg_ingest/pkg/pipeline"
	"github.com/pgflo/pg_ingest/pkg/routing"
	"github.com/pgflo/pg_ingest/pkg/rules"
	"github.com/pgflo/pg_ingest/pkg/schema"
	"github.com/pgflo/pg_ingest/pkg/sinks"
	"github.com/pgflo/pg_ingest/pkg/source"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

const notifyCloseTimeout = 30 * time.Second

// SinkDB is the ODS database: DDL goes through Exec and Query, batches through Begin
type SinkDB interface {
	schema.DB
	sinks.TxBeginner
}

// TableRegistry records the ODS tables a task created or changed
type TableRegistry interface {
	RegisterTable(ctx context.Context, reg metadata.TableRegistration) error
}

// Deps are the shared services tasks are built from
type Deps struct {
	DB SinkDB
	// Offsets is read at start; it must be the metadata store in DB unless LocalOffsets is set
	Offsets offsets.Store
	// LocalOffsets saves offsets in Offsets after each batch instead of in the batch transaction
	LocalOffsets bool
	Registry     TableRegistry
	Metrics      *metrics.Metrics
	Stats        pipeline.StatsRecorder
	NiFi         notify.Trigger
	NiFiConfig   notify.NiFiConfig
	// Publisher and ReadyPrefix enable readiness messages on NATS
	Publisher   notify.Publisher
	ReadyPrefix string
	// SourceFactory overrides how sources are created
	SourceFactory func(t Task) (source.Source, error)
}

// Factory builds pipelines for tasks
type Factory struct {
	deps   Deps
	logger utils.Logger
}

func NewFactory(deps Deps) *Factory {
	if deps.SourceFactory == nil {
		deps.SourceFactory = NewSource
	}
	return &Factory{deps: deps, logger: utils.NewComponentLogger("task_factory")}
}

// Build wires source, rules, routing, sink and notifiers of a task into a pipeline
func (f *Factory) Build(ctx context.Context, t Task, rec *ingestlog.Recorder) (Runnable, error) {
	if f.deps.DB == nil {
		return nil, errors.New("no sink database configured")
	}
	if f.deps.Offsets == nil {
		return nil, errors.New("no offset store configured")
	}

	engine := rules.NewRuleEngine()
	if err := engine.LoadRules(t.RulesConfig()); err != nil {
		return nil, err
	}
	router := routing.NewRouter()
	if err := router.LoadRoutes(t.Routes()); err != nil {
		return nil, err
	}

	sink, err := f.buildSink(t)
	if err != nil {
		return nil, err
	}

	dispatcher, notifier, err := f.buildNotifier(t)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}

	src, err := f.deps.SourceFactory(t)
	if err != nil {
		_ = sink.Close()
		return nil, fmt.Errorf("failed to create source: %w", err)
	}

	opts := []pipeline.Option{
		pipeline.WithBatchSize(t.BatchSize),
		pipeline.WithFlushInterval(t.FlushInterval),
		pipeline.WithRetry(t.Retry),
		pipeline.WithRules(engine),
		pipeline.WithRouter(router),
		pipeline.WithRecorder(rec),
		pipeline.WithMetrics(f.deps.Metrics),
	}
	if f.deps.LocalOffsets {
		opts = append(opts, pipeline.WithLocalOffsets())
	}
	if f.deps.Stats != nil {
		opts = append(opts, pipeline.WithStats(f.deps.Stats))
	}
	if notifier != nil {
		opts = append(opts, pipeline.WithNotifier(notifier))
	}

	f.logger.Info().
		Str("task_id", t.ID).
		Str("source", string(t.SourceName())).
		Int("tables", len(t.Tables)).
		Bool("mirror", t.Mirror != nil).
		Bool("nifi", dispatcher != nil).
		Msg("Built task pipeline")

	p := pipeline.New(t.ID, string(t.SourceName()), src, sink, f.deps.Offsets, opts...)
	return &taskRun{Pipeline: p, dispatcher: dispatcher, logger: f.logger}, nil
}

func (f *Factory) buildSink(t Task) (sinks.Sink, error) {
	schemas := schema.NewManager(f.deps.DB, schema.WithDDLHook(func(op string, table schema.TableName) {
		f.deps.Metrics.DDL(table.String(), op)
	}))

	opts := []sinks.PostgresOption{sinks.WithTablePrefix(t.Prefix())}
	if t.TargetSchema != "" {
		opts = append(opts, sinks.WithTargetSchema(t.TargetSchema))
	}
	if f.deps.Registry != nil {
		opts = append(opts, sinks.WithSchemaObserver(f.registerTable(t)))
	}
	pg := sinks.NewPostgresSink(f.deps.DB, schemas, opts...)

	if t.Mirror == nil {
		return pg, nil
	}
	prefix := strings.TrimSuffix(t.Mirror.SubjectPrefix, ".")
	client, err := natsbus.NewNATSClient(t.Mirror.URL, t.Mirror.Stream, "mirror_"+t.ID, prefix+".>")
	if err != nil {
		return nil, fmt.Errorf("failed to connect mirror: %w", err)
	}
	return sinks.NewMirroredSink(pg, sinks.NewNATSSink(client, prefix)), nil
}

// registerTable returns a schema observer adding created or altered tables to the registry
func (f *Factory) registerTable(t Task) sinks.SchemaObserver {
	return func(info *schema.TableInfo, change schema.Change) {
		if !change.Changed() {
			return
		}
		reg := metadata.TableRegistration{
			TaskID:       t.ID,
			SourceTable:  strings.TrimPrefix(info.Name.Name, strings.ToLower(t.Prefix())),
			TargetSchema: info.Name.Schema,
			TargetTable:  info.Name.Name,
			KeyColumns:   info.KeyColumns,
			DataColumns:  info.DataColumns(),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.deps.Registry.RegisterTable(ctx, reg); err != nil {
			f.logger.Warn().Err(err).Str("table", info.Name.String()).Msg("Failed to register table")
		}
	}
}

func (f *Factory) buildNotifier(t Task) (*notify.Dispatcher, notify.Notifier, error) {
	var notifiers notify.Multi
	var dispatcher *notify.Dispatcher

	if tables := t.NotifyTables(); f.deps.NiFi != nil && len(tables) > 0 {
		d, err := notify.NewDispatcher(f.deps.NiFi, f.deps.NiFiConfig, tables,
			notify.WithResultObserver(f.deps.Metrics.Notification))
		if err != nil {
			return nil, nil, err
		}
		dispatcher = d
		notifiers = append(notifiers, d)
	}
	if f.deps.Publisher != nil && f.deps.ReadyPrefix != "" {
		notifiers = append(notifiers, notify.NewNATSNotifier(f.deps.Publisher, f.deps.ReadyPrefix, f.deps.Metrics.Notification))
	}

	switch len(notifiers) {
	case 0:
		return nil, nil, nil
	case 1:
		return dispatcher, notifiers[0], nil
	default:
		return dispatcher, notifiers, nil
	}
}

// NewSource creates the source a task reads from
func NewSource(t Task) (source.Source, error) {
	switch t.SourceName() {
	case source.KindAPI:
		return source.NewAPISource(*t.Source.API)
	case source.KindFile:
		return source.NewFileSource(*t.Source.File)
	case source.KindNATS:
		return source.NewNATSSource(*t.Source.NATS)
	case source.KindKafka:
		cfg := *t.Source.Kafka
		if cfg.ConsumerGroup == "" {
			cfg.ConsumerGroup = "pg_ingest_" + t.ID
		}
		if cfg.ClientID == "" {
			cfg.ClientID = "pg_ingest-" + t.ID
		}
		return source.NewKafkaSource(cfg)
	case source.KindPostgres:
		cfg := *t.Source.Postgres
		if cfg.Group == "" {
			cfg.Group = t.ID
		}
		if len(cfg.Tables) == 0 {
			for _, tbl := range t.Tables {
				cfg.Tables = append(cfg.Tables, tbl.SourceTable)
			}
		}
		return source.NewPostgresSourceFromConfig(cfg)
	}
	return nil, fmt.Errorf("task %s: no source for %s", t.ID, t.SourceName())
}

// taskRun runs the pipeline and releases the notifications it left queued
type taskRun struct {
	*pipeline.Pipeline
	dispatcher *notify.Dispatcher
	logger     utils.Logger
}

func (r *taskRun) Run(ctx context.Context) error {
	if r.dispatcher == nil {
		return r.Pipeline.Run(ctx)
	}
	r.dispatcher.Start()
	err := r.Pipeline.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyCloseTimeout)
	defer cancel()
	if closeErr := r.dispatcher.Close(closeCtx); closeErr != nil {
		r.logger.Warn().Err(closeErr).Msg("Failed to release queued notifications")
	}
	return err
}
