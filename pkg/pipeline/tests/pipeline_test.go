package tests

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pgflo/pg_ingest/pkg/notify"
	"github.com/pgflo/pg_ingest/pkg/offsets"
	"github.com/pgflo/pg_ingest/pkg/pipeline"
	"github.com/pgflo/pg_ingest/pkg/routing"
	"github.com/pgflo/pg_ingest/pkg/rules"
	"github.com/pgflo/pg_ingest/pkg/sinks"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

var fastRetry = utils.RetryConfig{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond}

func userEvents(n int) []*utils.ChangeEvent {
	events := make([]*utils.ChangeEvent, 0, n)
	for i := 1; i <= n; i++ {
		ev := &utils.ChangeEvent{
			Type:     utils.OperationInsert,
			Schema:   "public",
			Table:    "users",
			After:    map[string]interface{}{"id": int64(i), "name": "user" + strconv.Itoa(i)},
			Key:      utils.ReplicationKey{Type: utils.ReplicationKeyPK, Columns: []string{"id"}},
			Position: strconv.Itoa(i),
		}
		ev.EnsureColumns()
		events = append(events, ev)
	}
	return events
}

func TestPipeline_WritesAllEventsAndSavesOffset(t *testing.T) {
	src := &FakeSource{Events: userEvents(5)}
	sink := &FakeSink{}
	store := offsets.NewMemoryStore()

	p := pipeline.New("task1", "fake", src, sink, store, pipeline.WithBatchSize(2), pipeline.WithFlushInterval(time.Hour))
	require.NoError(t, p.Run(context.Background()))

	written := sink.Written()
	require.Len(t, written, 5)
	for _, ev := range written {
		assert.Equal(t, "task1", ev.TaskID)
	}
	assert.Len(t, sink.Batches, 3)

	pos, err := store.Load(context.Background(), "task1/fake")
	require.NoError(t, err)
	assert.Equal(t, "5", pos)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, src.CommittedPositions())
	assert.True(t, src.Closed)
	assert.True(t, sink.Closed)

	res := p.Result()
	assert.Equal(t, int64(5), res.Processed)
	assert.Equal(t, "5", res.Position)
	assert.Equal(t, 3, res.Flushes)
}

func TestPipeline_ResumesFromStoredOffset(t *testing.T) {
	src := &FakeSource{}
	store := offsets.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "task1/fake", "42"))

	p := pipeline.New("task1", "fake", src, &FakeSink{}, store)
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, "42", src.From)
}

func TestPipeline_FilteredEventsAreCommittedButNotWritten(t *testing.T) {
	engine := rules.NewRuleEngine()
	require.NoError(t, engine.LoadRules(rules.Config{Tables: map[string][]rules.RuleConfig{
		"users": {{Type: "filter", Column: "id", Parameters: map[string]interface{}{"operator": "gt", "value": 2}}},
	}}))

	src := &FakeSource{Events: userEvents(4)}
	sink := &FakeSink{}
	store := offsets.NewMemoryStore()

	p := pipeline.New("task1", "fake", src, sink, store, pipeline.WithRules(engine))
	require.NoError(t, p.Run(context.Background()))

	written := sink.Written()
	require.Len(t, written, 2)
	assert.Equal(t, int64(3), written[0].After["id"])
	assert.Len(t, src.CommittedPositions(), 4)

	pos, _ := store.Load(context.Background(), "task1/fake")
	assert.Equal(t, "4", pos)
}

func TestPipeline_ConsolidatesWithinBatch(t *testing.T) {
	events := userEvents(2)
	update := events[0].Clone()
	update.Type = utils.OperationUpdate
	update.After = map[string]interface{}{"id": int64(1), "name": "renamed"}
	update.Position = "3"
	del := events[1].Clone()
	del.Type = utils.OperationDelete
	del.Before, del.After = del.After, nil
	del.Position = "4"

	src := &FakeSource{Events: append(events, update, del)}
	sink := &FakeSink{}

	p := pipeline.New("task1", "fake", src, sink, offsets.NewMemoryStore())
	require.NoError(t, p.Run(context.Background()))

	written := sink.Written()
	require.Len(t, written, 1)
	assert.Equal(t, utils.OperationInsert, written[0].Type)
	assert.Equal(t, "renamed", written[0].After["name"])
	assert.Len(t, src.CommittedPositions(), 4)
}

func TestPipeline_CheckpointSinkStoresOffsetWithBatch(t *testing.T) {
	src := &FakeSource{Events: userEvents(3)}
	sink := &FakeCheckpointSink{}
	store := offsets.NewMemoryStore()

	p := pipeline.New("task1", "fake", src, sink, store)
	require.NoError(t, p.Run(context.Background()))

	require.Len(t, sink.Checkpoints, 1)
	assert.Equal(t, sinks.Checkpoint{Key: "task1/fake", Position: "3"}, sink.Checkpoints[0])
	assert.Empty(t, store.Keys())
}

func TestPipeline_RetriesTransientSinkErrors(t *testing.T) {
	src := &FakeSource{Events: userEvents(2)}
	sink := &FakeSink{Errs: []error{errors.New("connection reset"), errors.New("connection reset")}}

	p := pipeline.New("task1", "fake", src, sink, offsets.NewMemoryStore(), pipeline.WithRetry(fastRetry))
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, 3, sink.Calls)
	assert.Len(t, sink.Written(), 2)
}

func TestPipeline_DataErrorFailsRunWithoutCommit(t *testing.T) {
	src := &FakeSource{Events: userEvents(2)}
	pgErr := &pgconn.PgError{Code: "23502", Message: "null value violates not-null constraint"}
	sink := &FakeSink{Errs: []error{&sinks.WriteError{Table: "ods_users", Op: "INSERT", Err: pgErr}}}
	store := offsets.NewMemoryStore()

	p := pipeline.New("task1", "fake", src, sink, store, pipeline.WithRetry(fastRetry))
	err := p.Run(context.Background())
	require.Error(t, err)

	var writeErr *sinks.WriteError
	assert.ErrorAs(t, err, &writeErr)
	assert.Equal(t, 1, sink.Calls)
	assert.Empty(t, src.CommittedPositions())
	assert.Empty(t, store.Keys())
	assert.True(t, src.Closed)
}

func TestPipeline_RetriesExhausted(t *testing.T) {
	src := &FakeSource{Events: userEvents(1)}
	down := errors.New("connection refused")
	sink := &FakeSink{Errs: []error{down, down, down, down}}

	p := pipeline.New("task1", "fake", src, sink, offsets.NewMemoryStore(), pipeline.WithRetry(fastRetry))
	err := p.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, down)
	assert.Equal(t, 3, sink.Calls)
}

func TestPipeline_SourceErrorFailsRunAfterFlushing(t *testing.T) {
	srcErr := errors.New("replication slot dropped")
	src := &FakeSource{Events: userEvents(2), EndErr: srcErr}
	sink := &FakeSink{}

	p := pipeline.New("task1", "fake", src, sink, offsets.NewMemoryStore())
	err := p.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, srcErr)
	assert.Len(t, sink.Written(), 2)
}

func TestPipeline_StartErrorClosesSource(t *testing.T) {
	src := &FakeSource{StartErr: errors.New("no such slot")}

	p := pipeline.New("task1", "fake", src, &FakeSink{}, offsets.NewMemoryStore())
	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start source")
	assert.True(t, src.Closed)
}

func TestPipeline_CancelFlushesBufferedEvents(t *testing.T) {
	src := &FakeSource{Events: userEvents(3), Block: true}
	sink := &FakeSink{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	p := pipeline.New("task1", "fake", src, sink, offsets.NewMemoryStore(), pipeline.WithFlushInterval(time.Hour))
	go func() { done <- p.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	assert.Len(t, sink.Written(), 3)
}

func TestPipeline_NotifiesPerTableWithSourceName(t *testing.T) {
	router := routing.NewRouter()
	router.AddRoute(routing.TableRoute{SourceTable: "users", DestinationTable: "customers"})

	events := userEvents(2)
	del := events[0].Clone()
	del.Type = utils.OperationDelete
	del.Table = "users"
	del.Before = map[string]interface{}{"id": int64(9), "name": "gone"}
	del.After = nil
	del.Position = "3"

	notifier := &MockNotifier{}
	notifier.On("Notify", mock.Anything, mock.MatchedBy(func(s notify.ChangeSummary) bool {
		return s.SourceTable == "users" &&
			s.TargetTable == "ods_customers" &&
			s.Upserted == 2 &&
			s.Deleted == 1 &&
			s.TaskID == "task1" &&
			s.Position == "3"
	})).Return(nil).Once()

	stats := &MockStats{}
	stats.On("RecordStatistics", mock.Anything, "task1", int64(3), int64(0)).Return(nil).Once()

	src := &FakeSource{Events: append(events, del)}
	sink := &FakeCheckpointSink{}
	p := pipeline.New("task1", "fake", src, sink, offsets.NewMemoryStore(),
		pipeline.WithRouter(router),
		pipeline.WithNotifier(notifier),
		pipeline.WithStats(stats))
	require.NoError(t, p.Run(context.Background()))

	notifier.AssertExpectations(t)
	stats.AssertExpectations(t)
	for _, ev := range sink.Written() {
		assert.Equal(t, "customers", ev.Table)
	}
}

func TestPipeline_NotifierErrorDoesNotFailRun(t *testing.T) {
	notifier := &MockNotifier{}
	notifier.On("Notify", mock.Anything, mock.Anything).Return(errors.New("nifi unavailable"))

	p := pipeline.New("task1", "fake", &FakeSource{Events: userEvents(1)}, &FakeSink{}, offsets.NewMemoryStore(),
		pipeline.WithNotifier(notifier))
	require.NoError(t, p.Run(context.Background()))
	notifier.AssertNumberOfCalls(t, "Notify", 1)
}

func TestPipeline_RequiredFieldRejectsEvent(t *testing.T) {
	router := routing.NewRouter()
	router.AddRoute(routing.TableRoute{
		SourceTable:   "users",
		FieldMappings: []routing.FieldMapping{{SourceField: "email", Required: true}},
	})

	stats := &MockStats{}
	stats.On("RecordStatistics", mock.Anything, "task1", int64(0), int64(2)).Return(nil).Once()

	src := &FakeSource{Events: userEvents(2)}
	sink := &FakeSink{}
	p := pipeline.New("task1", "fake", src, sink, offsets.NewMemoryStore(),
		pipeline.WithRouter(router),
		pipeline.WithStats(stats))
	require.NoError(t, p.Run(context.Background()))

	assert.Empty(t, sink.Written())
	assert.Equal(t, int64(2), p.Result().Failed)
	assert.Len(t, src.CommittedPositions(), 2)
	stats.AssertExpectations(t)
}

func TestPipeline_LocalOffsetsBypassSinkCheckpoint(t *testing.T) {
	sink := &FakeCheckpointSink{}
	store := offsets.NewMemoryStore()

	p := pipeline.New("task1", "fake", &FakeSource{Events: userEvents(2)}, sink, store, pipeline.WithLocalOffsets())
	require.NoError(t, p.Run(context.Background()))

	assert.Empty(t, sink.Checkpoints)
	assert.Len(t, sink.Written(), 2)
	pos, _ := store.Load(context.Background(), "task1/fake")
	assert.Equal(t, "2", pos)
}
