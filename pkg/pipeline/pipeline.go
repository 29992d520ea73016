// Package pipeline moves change events from a source into a sink for one task run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pgflo/pg_ingest/pkg/ingestlog"
	"github.com/pgflo/pg_ingest/pkg/metrics"
	"github.com/pgflo/pg_ingest/pkg/notify"
	"github.com/pgflo/pg_ingest/pkg/offsets"
	"github.com/pgflo/pg_ingest/pkg/routing"
	"github.com/pgflo/pg_ingest/pkg/rules"
	"github.com/pgflo/pg_ingest/pkg/schema"
	"github.com/pgflo/pg_ingest/pkg/sinks"
	"github.com/pgflo/pg_ingest/pkg/source"
	"github.com/pgflo/pg_ingest/pkg/txbuffer"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

const (
	defaultBatchSize       = 1000
	defaultFlushInterval   = 500 * time.Millisecond
	defaultShutdownTimeout = 30 * time.Second
)

// StatsRecorder receives the event counters of every flush
type StatsRecorder interface {
	RecordStatistics(ctx context.Context, taskID string, processed, failed int64) error
}

// TargetNamer maps a table name onto the table the sink writes it to
type TargetNamer interface {
	TargetTable(sourceTable string) schema.TableName
}

// Result is what a run did
type Result struct {
	Processed int64
	Failed    int64
	Flushes   int
	Position  string
}

// Pipeline reads events from a source, applies rules and routing, and writes them to a sink in
// batches. A batch is flushed when it reaches the batch size or when the flush interval elapses.
type Pipeline struct {
	taskID       string
	sourceName   string
	source       source.Source
	sink         sinks.Sink
	offsets      offsets.Store
	ruleEngine   *rules.RuleEngine
	router       *routing.Router
	consolidator txbuffer.OperationConsolidator
	recorder     *ingestlog.Recorder
	metrics      *metrics.Metrics
	stats        StatsRecorder
	notifier     notify.Notifier
	logger       utils.Logger

	batchSize       int
	flushInterval   time.Duration
	shutdownTimeout time.Duration
	retry           utils.RetryConfig
	localOffsets    bool

	buffer   []*utils.ChangeEvent
	received []*utils.ChangeEvent
	sourceOf map[string]string
	failed   int64
	result   Result
}

// Option is a function type that modifies Pipeline configuration
type Option func(*Pipeline)

// WithBatchSize sets the number of buffered events that triggers a flush
func WithBatchSize(size int) Option {
	return func(p *Pipeline) {
		if size > 0 {
			p.batchSize = size
		}
	}
}

// WithFlushInterval sets the longest time events wait in the buffer
func WithFlushInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.flushInterval = d
		}
	}
}

// WithShutdownTimeout bounds the final flush after the run context is cancelled
func WithShutdownTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.shutdownTimeout = d
		}
	}
}

// WithRetry sets the backoff used for sink writes
func WithRetry(cfg utils.RetryConfig) Option {
	return func(p *Pipeline) {
		p.retry = cfg
	}
}

// WithLocalOffsets keeps offsets in the offset store even when the sink can checkpoint them
func WithLocalOffsets() Option {
	return func(p *Pipeline) {
		p.localOffsets = true
	}
}

// WithRules sets the rule engine applied to every event
func WithRules(engine *rules.RuleEngine) Option {
	return func(p *Pipeline) {
		p.ruleEngine = engine
	}
}

// WithRouter sets the router applied after the rules
func WithRouter(router *routing.Router) Option {
	return func(p *Pipeline) {
		p.router = router
	}
}

// WithRecorder sets the run log updated after each flush
func WithRecorder(r *ingestlog.Recorder) Option {
	return func(p *Pipeline) {
		p.recorder = r
	}
}

// WithMetrics sets the Prometheus collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithStats sets where per-flush counters are added
func WithStats(s StatsRecorder) Option {
	return func(p *Pipeline) {
		p.stats = s
	}
}

// WithNotifier sets the receiver of per-table flush summaries
func WithNotifier(n notify.Notifier) Option {
	return func(p *Pipeline) {
		p.notifier = n
	}
}

// New creates a pipeline for one task. sourceName keys the task's offset in store.
func New(taskID, sourceName string, src source.Source, sink sinks.Sink, store offsets.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		taskID:          taskID,
		sourceName:      sourceName,
		source:          src,
		sink:            sink,
		offsets:         store,
		consolidator:    txbuffer.NewDefaultOperationConsolidator(),
		logger:          utils.NewComponentLogger("pipeline"),
		batchSize:       defaultBatchSize,
		flushInterval:   defaultFlushInterval,
		shutdownTimeout: defaultShutdownTimeout,
		sourceOf:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.buffer = make([]*utils.ChangeEvent, 0, p.batchSize)
	return p
}

// OffsetKey is the key the pipeline stores its position under
func (p *Pipeline) OffsetKey() string {
	return offsets.Key(p.taskID, p.sourceName)
}

// Result returns the counters of the run so far
func (p *Pipeline) Result() Result {
	return p.result
}

// Run starts the source at the stored offset and processes events until the source ends, fails or
// ctx is cancelled. Buffered events are flushed and the source and sink closed before Run returns.
// A flush that exhausts its retries ends the run with that error.
func (p *Pipeline) Run(ctx context.Context) error {
	from, err := p.offsets.Load(ctx, p.OffsetKey())
	if err != nil {
		return p.shutdown(fmt.Errorf("failed to load offset: %w", err))
	}

	p.logger.Info().
		Str("task_id", p.taskID).
		Str("source", p.sourceName).
		Str("from", from).
		Int("batch_size", p.batchSize).
		Msg("Starting pipeline")

	events, err := p.source.Start(ctx, from)
	if err != nil {
		return p.shutdown(fmt.Errorf("failed to start source: %w", err))
	}
	if p.recorder != nil {
		if err := p.recorder.Running(ctx); err != nil {
			p.logger.Warn().Err(err).Str("task_id", p.taskID).Msg("Failed to save run log")
		}
	}

	flushTicker := time.NewTicker(p.flushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Str("task_id", p.taskID).Msg("Received shutdown signal. Flushing remaining events")
			return p.shutdown(p.finalFlush(ctx))

		case <-flushTicker.C:
			if err := p.flush(ctx); err != nil {
				return p.shutdown(p.flushFailed(ctx, err))
			}

		case ev, ok := <-events:
			if !ok {
				err := p.finalFlush(ctx)
				if srcErr := p.source.Err(); srcErr != nil {
					err = errors.Join(fmt.Errorf("source failed: %w", srcErr), err)
				}
				return p.shutdown(err)
			}
			p.process(ctx, ev)
			if len(p.buffer) >= p.batchSize {
				if err := p.flush(ctx); err != nil {
					return p.shutdown(p.flushFailed(ctx, err))
				}
			}
		}
	}
}

// process applies rules and routing and buffers the result. Events that fail either step are counted
// as failed and skipped; every received event is committed with the next flush.
func (p *Pipeline) process(ctx context.Context, ev *utils.ChangeEvent) {
	p.received = append(p.received, ev)
	ev.TaskID = p.taskID
	sourceTable := ev.Table

	current := ev
	if p.ruleEngine != nil {
		processed, err := p.ruleEngine.ApplyRules(current)
		if err != nil {
			p.reject(ctx, sourceTable, fmt.Errorf("failed to apply rules: %w", err))
			return
		}
		if processed == nil {
			p.logger.Debug().Str("table", sourceTable).Msg("Event filtered out by rules")
			return
		}
		current = processed
	}

	if p.router != nil {
		routed, err := p.router.ApplyRouting(current)
		if err != nil {
			p.reject(ctx, sourceTable, fmt.Errorf("failed to apply routing: %w", err))
			return
		}
		if routed == nil {
			p.logger.Debug().Str("table", sourceTable).Msg("Event filtered out by routing")
			return
		}
		current = routed
	}

	p.sourceOf[current.Table] = sourceTable
	p.buffer = append(p.buffer, current)
}

func (p *Pipeline) reject(ctx context.Context, table string, err error) {
	p.logger.Error().Err(err).Str("task_id", p.taskID).Str("table", table).Msg("Failed to process event")
	p.failed++
	p.result.Failed++
	p.metrics.EventsFailed(p.taskID, table, 1)
	if p.recorder != nil {
		if saveErr := p.recorder.AddFailure(ctx, 1, err); saveErr != nil {
			p.logger.Warn().Err(saveErr).Msg("Failed to save run log")
		}
	}
}

// flush writes the buffered events and the offset of the last received event, then commits the
// received events to the source. Nothing is committed when the write fails.
func (p *Pipeline) flush(ctx context.Context) error {
	if len(p.received) == 0 {
		return nil
	}

	start := time.Now()
	position := p.received[len(p.received)-1].Position
	batch := p.consolidator.Consolidate(p.buffer)

	p.logger.Debug().
		Str("task_id", p.taskID).
		Int("events", len(p.buffer)).
		Int("consolidated", len(batch)).
		Str("position", position).
		Msg("Flushing buffer")

	checkpointed, err := p.write(ctx, batch, position)
	if err != nil {
		p.metrics.EventsFailed(p.taskID, "", len(batch))
		return fmt.Errorf("failed to write batch: %w", err)
	}
	if !checkpointed {
		if err := p.offsets.Save(ctx, p.OffsetKey(), position); err != nil {
			return fmt.Errorf("failed to save offset: %w", err)
		}
	}
	if err := p.source.Commit(ctx, p.received); err != nil {
		return fmt.Errorf("failed to commit source: %w", err)
	}

	p.metrics.ObserveFlush(p.taskID, time.Since(start))
	p.afterFlush(ctx, batch, position)

	p.buffer = p.buffer[:0]
	p.received = p.received[:0]
	p.sourceOf = make(map[string]string)
	p.failed = 0
	return nil
}

// write stores the batch with retries; the bool reports whether the offset went with it
func (p *Pipeline) write(ctx context.Context, batch []*utils.ChangeEvent, position string) (bool, error) {
	cpSink, checkpointed := p.sink.(sinks.CheckpointSink)
	checkpointed = checkpointed && !p.localOffsets
	if !checkpointed && len(batch) == 0 {
		return false, nil
	}

	attempt := 0
	err := utils.WithRetryNotify(ctx, p.retry, func() error {
		attempt++
		var err error
		if checkpointed {
			err = cpSink.WriteBatchWithCheckpoint(ctx, batch, sinks.Checkpoint{Key: p.OffsetKey(), Position: position})
		} else {
			err = p.sink.WriteBatch(ctx, batch)
		}
		if err == nil {
			return nil
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) || !sinks.IsRetryable(err) {
			return utils.Permanent(err)
		}
		return err
	}, func(err error, wait time.Duration) {
		p.logger.Warn().
			Err(err).
			Str("task_id", p.taskID).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("Sink write failed, retrying")
	})
	return checkpointed, err
}

func (p *Pipeline) afterFlush(ctx context.Context, batch []*utils.ChangeEvent, position string) {
	n := int64(len(batch))
	p.result.Processed += n
	p.result.Flushes++
	p.result.Position = position

	summaries := p.summarize(batch, position)
	for _, s := range summaries {
		if s.Upserted > 0 {
			p.metrics.EventsProcessed(p.taskID, s.TargetTable, "upsert", s.Upserted)
		}
		if s.Deleted > 0 {
			p.metrics.EventsProcessed(p.taskID, s.TargetTable, "delete", s.Deleted)
		}
	}

	if p.recorder != nil && n > 0 {
		if err := p.recorder.AddSuccess(ctx, int(n)); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to save run log")
		}
		p.recorder.Logf("flushed %d events up to position %s", n, position)
	}
	if p.stats != nil && (n > 0 || p.failed > 0) {
		if err := p.stats.RecordStatistics(ctx, p.taskID, n, p.failed); err != nil {
			p.logger.Warn().Err(err).Str("task_id", p.taskID).Msg("Failed to record statistics")
		}
	}
	if p.notifier != nil {
		for _, s := range summaries {
			if err := p.notifier.Notify(ctx, s); err != nil {
				p.logger.Error().Err(err).Str("table", s.SourceTable).Msg("Failed to notify")
			}
		}
	}
}

// summarize counts the batch per target table, in first-seen order
func (p *Pipeline) summarize(batch []*utils.ChangeEvent, position string) []notify.ChangeSummary {
	namer, _ := p.sink.(TargetNamer)
	batchID := ingestlog.NewID()
	now := time.Now()

	index := make(map[string]int)
	var out []notify.ChangeSummary
	for _, ev := range batch {
		i, ok := index[ev.Table]
		if !ok {
			target := ev.Table
			if namer != nil {
				target = namer.TargetTable(ev.Table).Name
			}
			sourceTable := p.sourceOf[ev.Table]
			if sourceTable == "" {
				sourceTable = ev.Table
			}
			out = append(out, notify.ChangeSummary{
				TaskID:      p.taskID,
				BatchID:     batchID,
				SourceTable: sourceTable,
				TargetTable: target,
				Position:    position,
				ProcessedAt: now,
			})
			i = len(out) - 1
			index[ev.Table] = i
		}
		if ev.Type == utils.OperationDelete {
			out[i].Deleted++
		} else {
			out[i].Upserted++
		}
	}
	return out
}

// finalFlush flushes with a context that survives the cancellation of the run
func (p *Pipeline) finalFlush(ctx context.Context) error {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.shutdownTimeout)
	defer cancel()
	if err := p.flush(flushCtx); err != nil {
		return fmt.Errorf("failed to flush final buffer: %w", err)
	}
	return nil
}

// flushFailed retries the flush once more on shutdown when it failed because ctx was cancelled
func (p *Pipeline) flushFailed(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	return p.finalFlush(ctx)
}

// shutdown closes the source and the sink and returns cause joined with any close errors
func (p *Pipeline) shutdown(cause error) error {
	p.logger.Info().Str("task_id", p.taskID).Msg("Performing graceful shutdown cleanup")

	errs := []error{cause}
	if p.source != nil {
		if err := p.source.Close(); err != nil {
			p.logger.Error().Err(err).Msg("Failed to close source")
			errs = append(errs, fmt.Errorf("failed to close source: %w", err))
		}
	}
	if p.sink != nil {
		if err := p.sink.Close(); err != nil {
			p.logger.Error().Err(err).Msg("Failed to close sink")
			errs = append(errs, fmt.Errorf("failed to close sink: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err == nil {
		p.logger.Info().
			Str("task_id", p.taskID).
			Int64("processed", p.result.Processed).
			Int64("failed", p.result.Failed).
			Msg("Pipeline finished")
		return nil
	}
	p.logger.Error().Err(err).Str("task_id", p.taskID).Msg("Pipeline finished with errors")
	return err
}
