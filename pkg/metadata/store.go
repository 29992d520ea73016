// Package metadata keeps offsets, run logs, task statistics and the ODS table registry in PostgreSQL.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"github.com/pgflo/pg_ingest/pkg/utils"
)

// Schema and table names of the metadata store
const (
	Schema             = "pgingest_metadata"
	OffsetsTable       = Schema + ".offsets"
	IngestLogsTable    = Schema + ".ingest_logs"
	TaskStatsTable     = Schema + ".task_stats"
	TableRegistryTable = Schema + ".table_registry"
)

// PostgresMetadataStore implements the metadata store using PostgreSQL
type PostgresMetadataStore struct {
	pool   *pgxpool.Pool
	owned  bool
	logger utils.Logger
}

// NewPostgresMetadataStore creates a new PostgreSQL metadata store with its own pool
func NewPostgresMetadataStore(ctx context.Context, connString string, logger utils.Logger) (*PostgresMetadataStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &PostgresMetadataStore{
		pool:   pool,
		owned:  true,
		logger: logger,
	}, nil
}

// NewPostgresMetadataStoreFromPool creates a metadata store sharing an existing pool,
// which is what lets the sink write offsets in its own transactions
func NewPostgresMetadataStoreFromPool(pool *pgxpool.Pool, logger utils.Logger) *PostgresMetadataStore {
	return &PostgresMetadataStore{pool: pool, logger: logger}
}

// Pool returns the underlying connection pool
func (ms *PostgresMetadataStore) Pool() *pgxpool.Pool {
	return ms.pool
}

// Connect verifies the connection to PostgreSQL
func (ms *PostgresMetadataStore) Connect(ctx context.Context) error {
	return ms.pool.Ping(ctx)
}

// Close closes the connection pool when the store created it
func (ms *PostgresMetadataStore) Close() error {
	if ms.owned {
		ms.pool.Close()
	}
	return nil
}

// EnsureSchema creates the metadata schema and tables if they don't exist
func (ms *PostgresMetadataStore) EnsureSchema(ctx context.Context) error {
	schemas := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + Schema,

		`CREATE TABLE IF NOT EXISTS ` + OffsetsTable + ` (
			offset_key TEXT PRIMARY KEY,
			position TEXT NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS ` + IngestLogsTable + ` (
			id VARCHAR(32) PRIMARY KEY,
			batch_id VARCHAR(32) NOT NULL,
			task_id VARCHAR(64) NOT NULL,
			task_name TEXT,
			status INTEGER NOT NULL DEFAULT 0,
			start_time TIMESTAMP WITH TIME ZONE NOT NULL,
			end_time TIMESTAMP WITH TIME ZONE,
			record_count BIGINT DEFAULT 0,
			success_count BIGINT DEFAULT 0,
			fail_count BIGINT DEFAULT 0,
			error_message TEXT,
			execute_log TEXT,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,

		`CREATE INDEX IF NOT EXISTS idx_ingest_logs_task_start ON ` + IngestLogsTable + ` (task_id, start_time DESC)`,

		`CREATE TABLE IF NOT EXISTS ` + TaskStatsTable + ` (
			task_id VARCHAR(64) PRIMARY KEY,
			status INTEGER NOT NULL DEFAULT 0,
			total_runs BIGINT DEFAULT 0,
			total_processed BIGINT DEFAULT 0,
			total_failed BIGINT DEFAULT 0,
			last_execute_time TIMESTAMP WITH TIME ZONE,
			next_execute_time TIMESTAMP WITH TIME ZONE,
			last_error TEXT,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS ` + TableRegistryTable + ` (
			task_id VARCHAR(64) NOT NULL,
			source_table TEXT NOT NULL,
			target_schema TEXT NOT NULL,
			target_table TEXT NOT NULL,
			key_columns TEXT[],
			data_columns TEXT[],
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			PRIMARY KEY (task_id, source_table)
		)`,
	}

	for _, schema := range schemas {
		if _, err := ms.pool.Exec(ctx, schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	ms.logger.Info().Msg("Metadata schema ensured")
	return nil
}

// Load returns the stored position for an offset key, or "" when none was saved
func (ms *PostgresMetadataStore) Load(ctx context.Context, key string) (string, error) {
	var position string
	err := ms.pool.QueryRow(ctx,
		`SELECT position FROM `+OffsetsTable+` WHERE offset_key = $1`, key).Scan(&position)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to load offset %s: %w", key, err)
	}
	return position, nil
}

// Save stores the position for an offset key
func (ms *PostgresMetadataStore) Save(ctx context.Context, key, position string) error {
	_, err := ms.pool.Exec(ctx, `
		INSERT INTO `+OffsetsTable+` (offset_key, position, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (offset_key) DO UPDATE SET
			position = EXCLUDED.position,
			updated_at = EXCLUDED.updated_at`,
		key, position)
	if err != nil {
		return fmt.Errorf("failed to save offset %s: %w", key, err)
	}
	return nil
}

// SaveIngestLog inserts or updates a run log
func (ms *PostgresMetadataStore) SaveIngestLog(ctx context.Context, l *IngestLog) error {
	_, err := ms.pool.Exec(ctx, `
		INSERT INTO `+IngestLogsTable+`
		(id, batch_id, task_id, task_name, status, start_time, end_time,
		 record_count, success_count, fail_count, error_message, execute_log, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			end_time = EXCLUDED.end_time,
			record_count = EXCLUDED.record_count,
			success_count = EXCLUDED.success_count,
			fail_count = EXCLUDED.fail_count,
			error_message = EXCLUDED.error_message,
			execute_log = EXCLUDED.execute_log,
			updated_at = EXCLUDED.updated_at`,
		l.ID, l.BatchID, l.TaskID, l.TaskName, int(l.Status), l.StartTime, l.EndTime,
		l.RecordCount, l.SuccessCount, l.FailCount, l.ErrorMessage, l.ExecuteLog)
	if err != nil {
		return fmt.Errorf("failed to save ingest log %s: %w", l.ID, err)
	}
	return nil
}

// ListIngestLogs returns the latest run logs of a task, newest first
func (ms *PostgresMetadataStore) ListIngestLogs(ctx context.Context, taskID string, limit int) ([]IngestLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := ms.pool.Query(ctx, `
		SELECT id, batch_id, task_id, COALESCE(task_name, ''), status, start_time, end_time,
			   record_count, success_count, fail_count, COALESCE(error_message, ''), COALESCE(execute_log, '')
		FROM `+IngestLogsTable+`
		WHERE task_id = $1
		ORDER BY start_time DESC
		LIMIT $2`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ingest logs: %w", err)
	}
	defer rows.Close()

	var logs []IngestLog
	for rows.Next() {
		var l IngestLog
		var status int
		if err := rows.Scan(&l.ID, &l.BatchID, &l.TaskID, &l.TaskName, &status, &l.StartTime, &l.EndTime,
			&l.RecordCount, &l.SuccessCount, &l.FailCount, &l.ErrorMessage, &l.ExecuteLog); err != nil {
			return nil, fmt.Errorf("failed to scan ingest log: %w", err)
		}
		l.Status = LogStatus(status)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// RecordTaskRun adds a finished run to the task's counters
func (ms *PostgresMetadataStore) RecordTaskRun(ctx context.Context, run TaskRun) error {
	_, err := ms.pool.Exec(ctx, `
		INSERT INTO `+TaskStatsTable+`
		(task_id, status, total_runs, total_processed, total_failed, last_execute_time, last_error, updated_at)
		VALUES ($1, $2, 1, $3, $4, $5, $6, NOW())
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			total_runs = `+TaskStatsTable+`.total_runs + 1,
			total_processed = `+TaskStatsTable+`.total_processed + EXCLUDED.total_processed,
			total_failed = `+TaskStatsTable+`.total_failed + EXCLUDED.total_failed,
			last_execute_time = EXCLUDED.last_execute_time,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at`,
		run.TaskID, run.Status, run.Processed, run.Failed, run.ExecutedAt, run.Error)
	if err != nil {
		return fmt.Errorf("failed to record run for task %s: %w", run.TaskID, err)
	}
	return nil
}

// SetTaskStatus updates the status of a task without counting a run
func (ms *PostgresMetadataStore) SetTaskStatus(ctx context.Context, taskID string, status int) error {
	_, err := ms.pool.Exec(ctx, `
		INSERT INTO `+TaskStatsTable+` (task_id, status, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		taskID, status)
	if err != nil {
		return fmt.Errorf("failed to set status of task %s: %w", taskID, err)
	}
	return nil
}

// SetNextExecution records when the scheduler will run the task next
func (ms *PostgresMetadataStore) SetNextExecution(ctx context.Context, taskID string, next time.Time) error {
	_, err := ms.pool.Exec(ctx, `
		INSERT INTO `+TaskStatsTable+` (task_id, next_execute_time, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (task_id) DO UPDATE SET
			next_execute_time = EXCLUDED.next_execute_time,
			updated_at = EXCLUDED.updated_at`,
		taskID, next)
	if err != nil {
		return fmt.Errorf("failed to set next execution of task %s: %w", taskID, err)
	}
	return nil
}

// GetTaskStats returns the counters of a task, or nil when it never ran
func (ms *PostgresMetadataStore) GetTaskStats(ctx context.Context, taskID string) (*TaskStats, error) {
	var st TaskStats
	var lastErr *string
	err := ms.pool.QueryRow(ctx, `
		SELECT task_id, status, total_runs, total_processed, total_failed,
			   last_execute_time, next_execute_time, last_error, updated_at
		FROM `+TaskStatsTable+` WHERE task_id = $1`, taskID).
		Scan(&st.TaskID, &st.Status, &st.TotalRuns, &st.TotalProcessed, &st.TotalFailed,
			&st.LastExecuteTime, &st.NextExecuteTime, &lastErr, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get stats of task %s: %w", taskID, err)
	}
	if lastErr != nil {
		st.LastError = *lastErr
	}
	return &st, nil
}

// RegisterTable adds or updates an ODS table in the registry
func (ms *PostgresMetadataStore) RegisterTable(ctx context.Context, reg TableRegistration) error {
	_, err := ms.pool.Exec(ctx, `
		INSERT INTO `+TableRegistryTable+`
		(task_id, source_table, target_schema, target_table, key_columns, data_columns)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (task_id, source_table) DO UPDATE SET
			target_schema = EXCLUDED.target_schema,
			target_table = EXCLUDED.target_table,
			key_columns = EXCLUDED.key_columns,
			data_columns = EXCLUDED.data_columns,
			updated_at = NOW()`,
		reg.TaskID, reg.SourceTable, reg.TargetSchema, reg.TargetTable,
		pq.Array(reg.KeyColumns), pq.Array(reg.DataColumns))
	if err != nil {
		return fmt.Errorf("failed to register table %s.%s: %w", reg.TargetSchema, reg.TargetTable, err)
	}
	return nil
}

// ListTables returns the ODS tables registered for a task
func (ms *PostgresMetadataStore) ListTables(ctx context.Context, taskID string) ([]TableRegistration, error) {
	rows, err := ms.pool.Query(ctx, `
		SELECT task_id, source_table, target_schema, target_table, key_columns, data_columns, created_at, updated_at
		FROM `+TableRegistryTable+`
		WHERE task_id = $1
		ORDER BY source_table`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query table registry: %w", err)
	}
	defer rows.Close()

	var regs []TableRegistration
	for rows.Next() {
		var reg TableRegistration
		var keyColumns, dataColumns []string
		if err := rows.Scan(&reg.TaskID, &reg.SourceTable, &reg.TargetSchema, &reg.TargetTable,
			pq.Array(&keyColumns), pq.Array(&dataColumns), &reg.CreatedAt, &reg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan table registration: %w", err)
		}
		reg.KeyColumns = keyColumns
		reg.DataColumns = dataColumns
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}
