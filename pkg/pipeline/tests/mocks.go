// Package tests provides test utilities for the pipeline package
package tests

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/pgflo/pg_ingest/pkg/notify"
	"github.com/pgflo/pg_ingest/pkg/schema"
	"github.com/pgflo/pg_ingest/pkg/sinks"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

// FakeSource emits a fixed list of events and then closes its channel, unless Block is set
type FakeSource struct {
	Events []*utils.ChangeEvent
	// Block keeps the channel open until the context is cancelled
	Block    bool
	StartErr error
	EndErr   error

	mu        sync.Mutex
	From      string
	Committed []*utils.ChangeEvent
	Commits   int
	Closed    bool
}

func (s *FakeSource) Start(ctx context.Context, from string) (<-chan *utils.ChangeEvent, error) {
	s.mu.Lock()
	s.From = from
	s.mu.Unlock()
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	out := make(chan *utils.ChangeEvent)
	go func() {
		defer close(out)
		for _, ev := range s.Events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if s.Block {
			<-ctx.Done()
		}
	}()
	return out, nil
}

func (s *FakeSource) Commit(_ context.Context, events []*utils.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Committed = append(s.Committed, events...)
	s.Commits++
	return nil
}

func (s *FakeSource) Err() error {
	return s.EndErr
}

func (s *FakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// CommittedPositions returns the positions of all committed events
func (s *FakeSource) CommittedPositions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Committed))
	for i, ev := range s.Committed {
		out[i] = ev.Position
	}
	return out
}

// FakeSink records batches. Errs are returned by consecutive writes before they start succeeding.
type FakeSink struct {
	mu      sync.Mutex
	Errs    []error
	Batches [][]*utils.ChangeEvent
	Calls   int
	Closed  bool
}

func (s *FakeSink) WriteBatch(_ context.Context, events []*utils.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	if len(s.Errs) > 0 {
		err := s.Errs[0]
		s.Errs = s.Errs[1:]
		return err
	}
	s.Batches = append(s.Batches, append([]*utils.ChangeEvent(nil), events...))
	return nil
}

func (s *FakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// Written returns every event written so far
func (s *FakeSink) Written() []*utils.ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*utils.ChangeEvent
	for _, b := range s.Batches {
		out = append(out, b...)
	}
	return out
}

// FakeCheckpointSink stores checkpoints with its batches and names targets with the ods_ prefix
type FakeCheckpointSink struct {
	FakeSink
	Checkpoints []sinks.Checkpoint
}

func (s *FakeCheckpointSink) WriteBatchWithCheckpoint(ctx context.Context, events []*utils.ChangeEvent, cp sinks.Checkpoint) error {
	if err := s.WriteBatch(ctx, events); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Checkpoints = append(s.Checkpoints, cp)
	return nil
}

func (s *FakeCheckpointSink) TargetTable(sourceTable string) schema.TableName {
	return schema.TargetTable("ods", schema.DefaultPrefix, sourceTable)
}

// MockNotifier is a mock implementation of notify.Notifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, summary notify.ChangeSummary) error {
	args := m.Called(ctx, summary)
	return args.Error(0)
}

// MockStats is a mock implementation of pipeline.StatsRecorder
type MockStats struct {
	mock.Mock
}

func (m *MockStats) RecordStatistics(ctx context.Context, taskID string, processed, failed int64) error {
	args := m.Called(ctx, taskID, processed, failed)
	return args.Error(0)
}
