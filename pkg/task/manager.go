package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/pgflo/pg_ingest/pkg/ingestlog"
	"github.com/pgflo/pg_ingest/pkg/metadata"
	"github.com/pgflo/pg_ingest/pkg/metrics"
	"github.com/pgflo/pg_ingest/pkg/pipeline"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

// Runnable is a built task run
type Runnable interface {
	Run(ctx context.Context) error
	Result() pipeline.Result
}

// Builder turns a task into a runnable pipeline
type Builder interface {
	Build(ctx context.Context, t Task, rec *ingestlog.Recorder) (Runnable, error)
}

// LogStore keeps run logs
type LogStore interface {
	ingestlog.Store
	ListIngestLogs(ctx context.Context, taskID string, limit int) ([]metadata.IngestLog, error)
}

// StatsStore keeps accumulated task counters
type StatsStore interface {
	RecordTaskRun(ctx context.Context, run metadata.TaskRun) error
	SetTaskStatus(ctx context.Context, taskID string, status int) error
	GetTaskStats(ctx context.Context, taskID string) (*metadata.TaskStats, error)
}

// FinishHook is told when a run ends. err is nil for runs that succeeded or were stopped.
type FinishHook func(taskID string, status Status, err error)

type runState struct {
	status  Status
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
	lastErr string
	stats   metadata.TaskStats
}

// Manager registers tasks and runs them on this node, one run per task at a time
type Manager struct {
	builder Builder
	logs    LogStore
	stats   StatsStore
	metrics *metrics.Metrics
	logger  utils.Logger

	mu       sync.Mutex
	onFinish FinishHook
	tasks    map[string]Task
	states   map[string]*runState
	wg       sync.WaitGroup
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithLogStore sets where run logs are saved; an in-memory store is used otherwise
func WithLogStore(s LogStore) ManagerOption {
	return func(m *Manager) {
		m.logs = s
	}
}

// WithStatsStore sets where task counters are persisted
func WithStatsStore(s StatsStore) ManagerOption {
	return func(m *Manager) {
		m.stats = s
	}
}

// WithMetrics sets the collectors updated for every run
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

func NewManager(builder Builder, opts ...ManagerOption) *Manager {
	m := &Manager{
		builder: builder,
		logger:  utils.NewComponentLogger("task_manager"),
		tasks:   make(map[string]Task),
		states:  make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logs == nil {
		m.logs = ingestlog.NewMemoryStore()
	}
	return m
}

// Register validates and adds a task, replacing an idle task with the same id
func (m *Manager) Register(t Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[t.ID]; ok && st.status == StatusRunning {
		return fmt.Errorf("%w: %s", ErrTaskRunning, t.ID)
	}
	m.tasks[t.ID] = t
	if _, ok := m.states[t.ID]; !ok {
		m.states[t.ID] = &runState{stats: metadata.TaskStats{TaskID: t.ID}}
	}
	return nil
}

// Task returns a registered task
func (m *Manager) Task(id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

// Tasks returns the registered tasks ordered by id
func (m *Manager) Tasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Execute runs a task and waits for it to finish
func (m *Manager) Execute(ctx context.Context, id string) error {
	runCtx, done, err := m.begin(ctx, id)
	if err != nil {
		return err
	}
	defer m.wg.Done()
	return m.run(runCtx, id, done)
}

// Start runs a task in the background. The run outlives ctx and ends when the task finishes or
// is stopped.
func (m *Manager) Start(ctx context.Context, id string) error {
	runCtx, done, err := m.begin(context.WithoutCancel(ctx), id)
	if err != nil {
		return err
	}
	go func() {
		defer m.wg.Done()
		if err := m.run(runCtx, id, done); err != nil {
			m.logger.Error().Err(err).Str("task_id", id).Msg("Task run failed")
		}
	}()
	return nil
}

func (m *Manager) begin(ctx context.Context, id string) (context.Context, chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	st := m.states[id]
	if st.status == StatusRunning {
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskRunning, id)
	}
	runCtx, cancel := context.WithCancel(ctx)
	st.status = StatusRunning
	st.cancel = cancel
	st.done = make(chan struct{})
	st.stopped = false
	m.wg.Add(1)
	return runCtx, st.done, nil
}

func (m *Manager) run(ctx context.Context, id string, done chan struct{}) error {
	defer close(done)
	t, _ := m.Task(id)
	started := time.Now()

	m.metrics.TaskStarted()
	defer m.metrics.TaskStopped()
	m.persistStatus(ctx, id, StatusRunning)

	rec := ingestlog.NewRecorder(m.logs, t.ID, t.Name)
	if err := rec.Start(ctx); err != nil {
		m.logger.Warn().Err(err).Str("task_id", id).Msg("Failed to save run log")
	}
	rec.Logf("task %s started", t.Name)

	m.logger.Info().Str("task_id", id).Str("type", string(t.Type)).Msg("Task started")

	var result pipeline.Result
	runnable, err := m.builder.Build(ctx, t, rec)
	if err == nil {
		err = runnable.Run(ctx)
		result = runnable.Result()
	} else {
		err = fmt.Errorf("failed to build task: %w", err)
	}

	status := m.finish(id, err)
	bg := context.WithoutCancel(ctx)
	if finishErr := rec.Finish(bg, err); finishErr != nil {
		m.logger.Warn().Err(finishErr).Str("task_id", id).Msg("Failed to save run log")
	}

	run := metadata.TaskRun{
		TaskID:     id,
		Status:     int(status),
		Processed:  result.Processed,
		Failed:     result.Failed,
		ExecutedAt: started,
	}
	if err != nil {
		run.Error = err.Error()
	}
	m.recordRun(bg, run)
	m.metrics.TaskRun(id, status.String())

	m.logger.Info().
		Str("task_id", id).
		Str("status", status.String()).
		Int64("processed", result.Processed).
		Int64("failed", result.Failed).
		Dur("elapsed", time.Since(started)).
		Msg("Task finished")

	if status == StatusStopped {
		err = nil
	}
	m.mu.Lock()
	hook := m.onFinish
	m.mu.Unlock()
	if hook != nil {
		hook(id, status, err)
	}
	return err
}

// OnFinish registers a hook called at the end of every run, before the run counts as done
func (m *Manager) OnFinish(hook FinishHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFinish = hook
}

// finish moves the task out of the running state. A stopped run ends as stopped whatever its error.
func (m *Manager) finish(id string, err error) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[id]
	switch {
	case st.stopped:
		st.status = StatusStopped
	case err != nil:
		st.status = StatusFailed
	default:
		st.status = StatusSucceeded
	}
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	st.lastErr = ""
	if err != nil && !st.stopped {
		st.lastErr = err.Error()
	}
	return st.status
}

func (m *Manager) recordRun(ctx context.Context, run metadata.TaskRun) {
	m.mu.Lock()
	st := m.states[run.TaskID]
	st.stats.Status = run.Status
	st.stats.TotalRuns++
	st.stats.TotalProcessed += run.Processed
	st.stats.TotalFailed += run.Failed
	executed := run.ExecutedAt
	st.stats.LastExecuteTime = &executed
	st.stats.LastError = run.Error
	st.stats.UpdatedAt = time.Now()
	m.mu.Unlock()

	if m.stats == nil {
		return
	}
	if err := m.stats.RecordTaskRun(ctx, run); err != nil {
		m.logger.Warn().Err(err).Str("task_id", run.TaskID).Msg("Failed to record task run")
	}
}

func (m *Manager) persistStatus(ctx context.Context, id string, status Status) {
	if m.stats == nil {
		return
	}
	if err := m.stats.SetTaskStatus(ctx, id, int(status)); err != nil {
		m.logger.Warn().Err(err).Str("task_id", id).Msg("Failed to save task status")
	}
}

// Stop cancels a running task and waits for it to wind down. Stopping an idle task is a no-op.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	st, ok := m.states[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if st.status != StatusRunning {
		m.mu.Unlock()
		return nil
	}
	st.stopped = true
	cancel, done := st.cancel, st.done
	m.mu.Unlock()

	m.logger.Info().Str("task_id", id).Msg("Stopping task")
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll stops every running task and waits for all runs to end
func (m *Manager) StopAll(ctx context.Context) error {
	var errs []error
	for _, t := range m.Tasks() {
		if err := m.Stop(ctx, t.ID); err != nil {
			errs = append(errs, err)
		}
	}
	m.wg.Wait()
	return errors.Join(errs...)
}

// Wait blocks until all runs started by the manager have ended
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Status returns the execution state of a task
func (m *Manager) Status(id string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return StatusIdle, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return st.status, nil
}

// Stats returns the accumulated counters of a task, from the stats store when one is set
func (m *Manager) Stats(ctx context.Context, id string) (*metadata.TaskStats, error) {
	m.mu.Lock()
	st, ok := m.states[id]
	var local metadata.TaskStats
	if ok {
		local = st.stats
		local.Status = int(st.status)
		local.LastError = st.lastErr
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	if m.stats != nil {
		stored, err := m.stats.GetTaskStats(ctx, id)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			return stored, nil
		}
	}
	return &local, nil
}

// Logs returns the most recent run logs of a task
func (m *Manager) Logs(ctx context.Context, id string, limit int) ([]metadata.IngestLog, error) {
	if _, err := m.Task(id); err != nil {
		return nil, err
	}
	return m.logs.ListIngestLogs(ctx, id, limit)
}

// StartLocal starts a task handed over by the cluster coordinator. A non-empty config is a JSON
// task definition that is registered first.
func (m *Manager) StartLocal(ctx context.Context, taskID string, config json.RawMessage) error {
	if len(config) > 0 && string(config) != "null" {
		var t Task
		if err := json.Unmarshal(config, &t); err != nil {
			return fmt.Errorf("failed to decode config of task %s: %w", taskID, err)
		}
		if t.ID == "" {
			t.ID = taskID
		}
		if t.ID != taskID {
			return fmt.Errorf("config of task %s carries id %s", taskID, t.ID)
		}
		if err := m.Register(t); err != nil {
			return err
		}
	}
	return m.Start(ctx, taskID)
}

// StopLocal stops a task on behalf of the cluster coordinator
func (m *Manager) StopLocal(taskID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return m.Stop(ctx, taskID)
}
