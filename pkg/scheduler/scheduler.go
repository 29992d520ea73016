// Package scheduler runs tasks on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pgflo/pg_ingest/pkg/task"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

// Runner executes a task and returns when the run ends
type Runner interface {
	Execute(ctx context.Context, id string) error
}

// NextRecorder stores when a task runs next
type NextRecorder interface {
	SetNextExecution(ctx context.Context, taskID string, next time.Time) error
}

type entry struct {
	id       cron.EntryID
	spec     string
	schedule cron.Schedule
}

// Scheduler fires scheduled task runs. A run that is due while the previous one is still going
// is skipped.
type Scheduler struct {
	runner   Runner
	recorder NextRecorder
	location *time.Location
	logger   utils.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]entry
	ctx     context.Context
	cancel  context.CancelFunc
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithNextRecorder records the next execution time after every registration and run
func WithNextRecorder(r NextRecorder) Option {
	return func(s *Scheduler) {
		s.recorder = r
	}
}

// WithLocation sets the time zone of schedules without a TZ= prefix
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.location = loc
	}
}

func New(runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:   runner,
		location: time.Local,
		logger:   utils.NewComponentLogger("scheduler"),
		entries:  make(map[string]entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(
		cron.WithParser(utils.CronParser),
		cron.WithLocation(s.location),
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger})),
	)
	return s
}

// AddTasks schedules every task that has a schedule
func (s *Scheduler) AddTasks(tasks []task.Task) error {
	for _, t := range tasks {
		if t.Schedule == "" {
			continue
		}
		if err := s.Add(t.ID, t.Schedule); err != nil {
			return err
		}
	}
	return nil
}

// Add schedules a task, replacing its previous schedule
func (s *Scheduler) Add(taskID, spec string) error {
	schedule, err := utils.CronParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("task %s: invalid schedule %q: %w", taskID, spec, err)
	}

	s.mu.Lock()
	if prev, ok := s.entries[taskID]; ok {
		s.cron.Remove(prev.id)
	}
	id := s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(taskID) }))
	s.entries[taskID] = entry{id: id, spec: spec, schedule: schedule}
	s.mu.Unlock()

	s.logger.Info().Str("task_id", taskID).Str("schedule", spec).Msg("Task scheduled")
	s.recordNext(taskID)
	return nil
}

// Remove unschedules a task
func (s *Scheduler) Remove(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[taskID]; ok {
		s.cron.Remove(e.id)
		delete(s.entries, taskID)
	}
}

// Next returns the next time a task runs
func (s *Scheduler) Next(taskID string) (time.Time, bool) {
	s.mu.Lock()
	e, ok := s.entries[taskID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return e.schedule.Next(time.Now().In(s.location)), true
}

// Scheduled returns the ids of scheduled tasks
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start begins firing schedules
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("tasks", len(s.Scheduled())).Msg("Scheduler started")
}

// Stop stops firing schedules, cancels runs it started and waits for them to return
func (s *Scheduler) Stop(ctx context.Context) error {
	cronCtx := s.cron.Stop()
	s.cancel()
	select {
	case <-cronCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the scheduler and stops it when ctx is done
func (s *Scheduler) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.Start()
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Stop(stopCtx)
}

func (s *Scheduler) fire(taskID string) {
	s.recordNext(taskID)

	s.logger.Info().Str("task_id", taskID).Msg("Running scheduled task")
	err := s.runner.Execute(s.ctx, taskID)
	switch {
	case err == nil:
	case errors.Is(err, task.ErrTaskRunning):
		s.logger.Warn().Str("task_id", taskID).Msg("Previous run still in progress, skipping")
	default:
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("Scheduled run failed")
	}
}

func (s *Scheduler) recordNext(taskID string) {
	if s.recorder == nil {
		return
	}
	next, ok := s.Next(taskID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.recorder.SetNextExecution(ctx, taskID, next); err != nil {
		s.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to record next execution")
	}
}

// cronLogger sends cron's own messages to the component logger
type cronLogger struct {
	logger utils.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	withFields(l.logger.Debug(), keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	withFields(l.logger.Error().Err(err), keysAndValues).Msg(msg)
}

func withFields(ev utils.LogEvent, keysAndValues []interface{}) utils.LogEvent {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, keysAndValues[i+1])
	}
	return ev
}
