// Package tests provides test utilities for the task package
package tests

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/pgflo/pg_ingest/pkg/ingestlog"
	"github.com/pgflo/pg_ingest/pkg/metadata"
	"github.com/pgflo/pg_ingest/pkg/pipeline"
	schematest "github.com/pgflo/pg_ingest/pkg/schema/tests"
	sinkstest "github.com/pgflo/pg_ingest/pkg/sinks/tests"
	"github.com/pgflo/pg_ingest/pkg/task"
)

// FakeSinkDB serves DDL from an in-memory catalog and batches from fake transactions
type FakeSinkDB struct {
	*schematest.FakeDB
	*sinkstest.FakeTxDB
}

func NewFakeSinkDB() *FakeSinkDB {
	return &FakeSinkDB{FakeDB: schematest.NewFakeDB(), FakeTxDB: &sinkstest.FakeTxDB{}}
}

// FakeRunnable finishes with Err, or blocks until its context ends when Block is set
type FakeRunnable struct {
	Err    error
	Block  bool
	Res    pipeline.Result
	Record *ingestlog.Recorder
}

func (r *FakeRunnable) Run(ctx context.Context) error {
	if r.Record != nil {
		_ = r.Record.AddSuccess(ctx, int(r.Res.Processed))
	}
	if r.Block {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.Err
}

func (r *FakeRunnable) Result() pipeline.Result {
	return r.Res
}

// FakeBuilder hands out runnables built by New and counts builds per task
type FakeBuilder struct {
	mu       sync.Mutex
	New      func(t task.Task) *FakeRunnable
	BuildErr error
	Builds   map[string]int
	started  chan string
}

func NewFakeBuilder(newRun func(t task.Task) *FakeRunnable) *FakeBuilder {
	return &FakeBuilder{New: newRun, Builds: make(map[string]int), started: make(chan string, 16)}
}

func (b *FakeBuilder) Build(_ context.Context, t task.Task, rec *ingestlog.Recorder) (task.Runnable, error) {
	b.mu.Lock()
	b.Builds[t.ID]++
	b.mu.Unlock()
	select {
	case b.started <- t.ID:
	default:
	}
	if b.BuildErr != nil {
		return nil, b.BuildErr
	}
	r := b.New(t)
	r.Record = rec
	return r, nil
}

// Started yields the id of every built task
func (b *FakeBuilder) Started() <-chan string {
	return b.started
}

func (b *FakeBuilder) BuildCount(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Builds[id]
}

// MockStatsStore is a mock implementation of task.StatsStore
type MockStatsStore struct {
	mock.Mock
}

func (m *MockStatsStore) RecordTaskRun(ctx context.Context, run metadata.TaskRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockStatsStore) SetTaskStatus(ctx context.Context, taskID string, status int) error {
	args := m.Called(ctx, taskID, status)
	return args.Error(0)
}

func (m *MockStatsStore) GetTaskStats(ctx context.Context, taskID string) (*metadata.TaskStats, error) {
	args := m.Called(ctx, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*metadata.TaskStats), args.Error(1)
}

// RecordingRegistry collects registered tables
type RecordingRegistry struct {
	mu     sync.Mutex
	Tables []metadata.TableRegistration
}

func (r *RecordingRegistry) RegisterTable(_ context.Context, reg metadata.TableRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tables = append(r.Tables, reg)
	return nil
}

func (r *RecordingRegistry) Registered() []metadata.TableRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]metadata.TableRegistration(nil), r.Tables...)
}
