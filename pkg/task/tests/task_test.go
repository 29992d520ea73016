package tests

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgflo/pg_ingest/pkg/notify"
	"github.com/pgflo/pg_ingest/pkg/rules"
	"github.com/pgflo/pg_ingest/pkg/source"
	"github.com/pgflo/pg_ingest/pkg/task"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

const tasksYAML = `
tasks:
  - id: crm-cdc
    name: CRM replication
    type: CDC
    source_kind: KAFKA_DEBEZIUM
    batch_size: 500
    flush_interval: 2s
    source:
      kafka:
        brokers: ["localhost:9092"]
        topics: ["crm.public.users"]
    tables:
      - source_table: users
        target_table: customers
        key_columns: [user_id]
        column_mappings:
          - source: id
            destination: user_id
        rules:
          - type: exclude_column
            column: password
        nifi:
          enabled: true
          mode: 1
          dwd_processor_id: dwd-users
      - source_table: orders
  - id: daily-file
    type: FILE
    schedule: "0 30 2 * * *"
    target_prefix: stg_
    source:
      file:
        path: /data/orders.ndjson
        table: orders
`

func TestParse(t *testing.T) {
	tasks, err := task.Parse([]byte(tasksYAML))
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	cdc := tasks[0]
	assert.Equal(t, "CRM replication", cdc.Name)
	assert.Equal(t, source.KindKafka, cdc.SourceName())
	assert.True(t, cdc.Continuous())
	assert.Equal(t, 500, cdc.BatchSize)
	assert.Equal(t, "2s", cdc.FlushInterval.String())
	assert.Equal(t, "ods_", cdc.Prefix())

	file := tasks[1]
	assert.Equal(t, "daily-file", file.Name, "name defaults to the id")
	assert.Equal(t, source.KindFile, file.SourceName())
	assert.False(t, file.Continuous())
	assert.Equal(t, "stg_", file.Prefix())
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := task.Parse([]byte(`
tasks:
  - id: t1
    type: FILE
    colour: blue
    source:
      file:
        path: /tmp/x
`))
	require.Error(t, err)
}

func TestTask_Routes(t *testing.T) {
	tasks, err := task.Parse([]byte(tasksYAML))
	require.NoError(t, err)

	routes := tasks[0].Routes()
	require.Len(t, routes, 1, "tables without renames or mappings need no route")
	users := routes["users"]
	assert.Equal(t, "customers", users.DestinationTable)
	assert.Equal(t, []string{"user_id"}, users.KeyColumns)
	require.Len(t, users.ColumnMappings, 1)
	assert.Equal(t, "user_id", users.ColumnMappings[0].Destination)

	cfg := tasks[0].RulesConfig()
	require.Len(t, cfg.Tables["users"], 1)
	assert.Empty(t, cfg.Tables["orders"])
}

func TestTask_NotifyTables(t *testing.T) {
	tasks, err := task.Parse([]byte(tasksYAML))
	require.NoError(t, err)

	tables := tasks[0].NotifyTables()
	require.Len(t, tables, 1)
	assert.Equal(t, "users", tables[0].SourceTable)
	assert.Equal(t, "ods_customers", tables[0].TargetTable)
	assert.Equal(t, notify.ModeImmediate, tables[0].Mode)
	assert.Equal(t, "dwd-users", tables[0].DWDProcessorID)
}

func fileTask(id string) task.Task {
	return task.Task{
		ID:     id,
		Type:   task.TypeFile,
		Source: task.SourceConfig{File: &source.FileConfig{Path: "/tmp/in.ndjson", Table: "users"}},
	}
}

func TestTask_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*task.Task)
		errMsg string
	}{
		{name: "valid", modify: func(*task.Task) {}},
		{name: "missing id", modify: func(tk *task.Task) { tk.ID = "" }, errMsg: "task id is required"},
		{name: "unknown type", modify: func(tk *task.Task) { tk.Type = "FTP" }, errMsg: "unknown type"},
		{name: "file without source", modify: func(tk *task.Task) { tk.Source.File = nil }, errMsg: "requires source.file"},
		{name: "api without source", modify: func(tk *task.Task) { tk.Type = task.TypeAPI }, errMsg: "requires source.api"},
		{name: "cdc without kind", modify: func(tk *task.Task) { tk.Type = task.TypeCDC }, errMsg: "requires source_kind"},
		{
			name: "sql server needs kafka",
			modify: func(tk *task.Task) {
				tk.Type = task.TypeCDC
				tk.SourceKind = task.SourceSQLServerCDC
			},
			errMsg: "requires source.kafka",
		},
		{
			name: "unknown source kind",
			modify: func(tk *task.Task) {
				tk.Type = task.TypeCDC
				tk.SourceKind = "ORACLE_CDC"
			},
			errMsg: "unknown source kind",
		},
		{name: "bad schedule", modify: func(tk *task.Task) { tk.Schedule = "every day" }, errMsg: "invalid schedule"},
		{name: "negative batch", modify: func(tk *task.Task) { tk.BatchSize = -1 }, errMsg: "negative batch size"},
		{
			name:   "mirror without stream",
			modify: func(tk *task.Task) { tk.Mirror = &task.MirrorConfig{URL: "nats://localhost:4222"} },
			errMsg: "mirror requires",
		},
		{
			name: "duplicate table",
			modify: func(tk *task.Task) {
				tk.Tables = []task.TableConfig{{SourceTable: "users"}, {SourceTable: "users"}}
			},
			errMsg: "configured twice",
		},
		{
			name: "table without name",
			modify: func(tk *task.Task) {
				tk.Tables = []task.TableConfig{{TargetTable: "users"}}
			},
			errMsg: "has no source_table",
		},
		{
			name: "unknown rule",
			modify: func(tk *task.Task) {
				tk.Tables = []task.TableConfig{{SourceTable: "users", Rules: []rules.RuleConfig{{Type: "mask"}}}}
			},
			errMsg: "unknown rule type",
		},
		{
			name: "invalid notify schedule",
			modify: func(tk *task.Task) {
				tk.Tables = []task.TableConfig{{
					SourceTable: "users",
					NiFi:        &notify.TableConfig{Enabled: true, Mode: notify.ModeScheduled, Schedule: "soon"},
				}}
			},
			errMsg: "invalid notify schedule",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := fileTask("t1")
			tt.modify(&tk)
			err := tk.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestTask_SourceName(t *testing.T) {
	tk := task.Task{Type: task.TypeCDC, SourceKind: task.SourcePostgresCDC}
	assert.Equal(t, source.KindPostgres, tk.SourceName())
	tk.SourceKind = task.SourceNATS
	assert.Equal(t, source.KindNATS, tk.SourceName())
	tk.SourceKind = task.SourceMySQLCDC
	assert.Equal(t, source.KindKafka, tk.SourceName())
	tk.Type = task.TypeAPI
	assert.Equal(t, source.KindAPI, tk.SourceName())
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "running", task.StatusRunning.String())
	assert.Equal(t, "stopped", task.StatusStopped.String())
	assert.Equal(t, "status(9)", task.Status(9).String())
}

func TestLoad_Directory(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	write("b.yml", `
tasks:
  - id: second
    type: FILE
    source:
      file:
        path: /tmp/b
`)
	write("a.yaml", `
tasks:
  - id: first
    type: FILE
    source:
      file:
        path: /tmp/a
`)
	write("notes.txt", "not a task file")

	tasks, err := task.Load(dir)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "first", tasks[0].ID)
	assert.Equal(t, "second", tasks[1].ID)

	write("c.yaml", `
tasks:
  - id: first
    type: FILE
    source:
      file:
        path: /tmp/c
`)
	_, err = task.Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defined in both")
}

func TestLoad_SingleFileAndMissingPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(tasksYAML), 0o600))

	tasks, err := task.Load(path)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	_, err = task.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestTask_OperationsRouteOnly(t *testing.T) {
	tk := fileTask("t1")
	tk.Tables = []task.TableConfig{{SourceTable: "users", Operations: []utils.OperationType{utils.OperationInsert}}}
	require.NoError(t, tk.Validate())
	routes := tk.Routes()
	require.Contains(t, routes, "users")
	assert.Equal(t, []utils.OperationType{utils.OperationInsert}, routes["users"].Operations)
}
