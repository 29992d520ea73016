// Package ingestlog records the progress of a task run in the metadata store.
package ingestlog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pgflo/pg_ingest/pkg/metadata"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

// FlushEvery is the number of counted records after which the counters are persisted
const FlushEvery = 100

const maxExecuteLogBytes = 64 * 1024

// Store persists run logs
type Store interface {
	SaveIngestLog(ctx context.Context, l *metadata.IngestLog) error
}

// NewID returns a 32-character identifier for logs and batches
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Recorder tracks one run. Counters are saved every FlushEvery records and on each status change.
type Recorder struct {
	store  Store
	logger utils.Logger

	mu         sync.Mutex
	log        metadata.IngestLog
	execLog    strings.Builder
	sinceFlush int64
}

func NewRecorder(store Store, taskID, taskName string) *Recorder {
	return &Recorder{
		store:  store,
		logger: utils.NewComponentLogger("ingestlog"),
		log: metadata.IngestLog{
			ID:       NewID(),
			BatchID:  NewID(),
			TaskID:   taskID,
			TaskName: taskName,
			Status:   metadata.LogStarted,
		},
	}
}

// Start saves the log in the started state
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.StartTime = time.Now()
	r.log.Status = metadata.LogStarted
	r.appendLine("task started, batch " + r.log.BatchID)
	return r.saveLocked(ctx)
}

// Running marks the run as processing records
func (r *Recorder) Running(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.log.Status == metadata.LogRunning {
		return nil
	}
	r.log.Status = metadata.LogRunning
	r.appendLine("processing records")
	return r.saveLocked(ctx)
}

// AddSuccess counts written records
func (r *Recorder) AddSuccess(ctx context.Context, n int) error {
	return r.add(ctx, int64(n), 0)
}

// AddFailure counts records that could not be written
func (r *Recorder) AddFailure(ctx context.Context, n int, cause error) error {
	r.mu.Lock()
	if cause != nil {
		r.appendLine(fmt.Sprintf("%d records failed: %v", n, cause))
	}
	r.mu.Unlock()
	return r.add(ctx, 0, int64(n))
}

func (r *Recorder) add(ctx context.Context, success, failed int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.SuccessCount += success
	r.log.FailCount += failed
	r.log.RecordCount += success + failed
	r.sinceFlush += success + failed
	if r.sinceFlush < FlushEvery {
		return nil
	}
	return r.saveLocked(ctx)
}

// Logf appends a timestamped line to the execute log; it is saved with the next flush
func (r *Recorder) Logf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLine(fmt.Sprintf(format, args...))
}

// Finish saves the final counters. A nil cause is a successful run.
func (r *Recorder) Finish(ctx context.Context, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.log.EndTime = &now
	r.log.Status = metadata.LogFinished
	if cause != nil {
		r.log.ErrorMessage = cause.Error()
		r.appendLine("task failed: " + cause.Error())
	} else {
		r.appendLine(fmt.Sprintf("task finished: %d records, %d succeeded, %d failed",
			r.log.RecordCount, r.log.SuccessCount, r.log.FailCount))
	}
	return r.saveLocked(ctx)
}

// Snapshot returns a copy of the current log
func (r *Recorder) Snapshot() metadata.IngestLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.log
	l.ExecuteLog = r.execLog.String()
	return l
}

func (r *Recorder) appendLine(line string) {
	if r.execLog.Len() > maxExecuteLogBytes {
		return
	}
	r.execLog.WriteString("[" + time.Now().Format("2006-01-02 15:04:05") + "] " + line + "\n")
}

func (r *Recorder) saveLocked(ctx context.Context) error {
	r.sinceFlush = 0
	l := r.log
	l.ExecuteLog = r.execLog.String()
	if err := r.store.SaveIngestLog(ctx, &l); err != nil {
		r.logger.Error().Err(err).Str("task_id", l.TaskID).Str("log_id", l.ID).Msg("Failed to save ingest log")
		return err
	}
	return nil
}

// MemoryStore keeps run logs in memory for deployments without a metadata database
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string][]metadata.IngestLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]metadata.IngestLog)}
}

func (s *MemoryStore) SaveIngestLog(_ context.Context, l *metadata.IngestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	logs := s.logs[l.TaskID]
	for i := range logs {
		if logs[i].ID == l.ID {
			logs[i] = *l
			return nil
		}
	}
	s.logs[l.TaskID] = append(logs, *l)
	return nil
}

// ListIngestLogs returns the latest logs of a task, newest first
func (s *MemoryStore) ListIngestLogs(_ context.Context, taskID string, limit int) ([]metadata.IngestLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs := s.logs[taskID]
	out := make([]metadata.IngestLog, 0, len(logs))
	for i := len(logs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, logs[i])
	}
	return out, nil
}
