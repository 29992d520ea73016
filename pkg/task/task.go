// Package task defines ingestion tasks, loads them from YAML and runs them.
package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/pgflo/pg_ingest/pkg/notify"
	"github.com/pgflo/pg_ingest/pkg/routing"
	"github.com/pgflo/pg_ingest/pkg/rules"
	"github.com/pgflo/pg_ingest/pkg/schema"
	"github.com/pgflo/pg_ingest/pkg/source"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

// Type is the kind of data a task ingests
type Type string

const (
	TypeAPI  Type = "API"
	TypeCDC  Type = "CDC"
	TypeFile Type = "FILE"
)

// SourceKind selects the change source of a CDC task
type SourceKind string

const (
	SourcePostgresCDC   SourceKind = "POSTGRESQL_CDC"
	SourceSQLServerCDC  SourceKind = "SQLSERVER_CDC"
	SourceMySQLCDC      SourceKind = "MYSQL_CDC"
	SourceKafkaDebezium SourceKind = "KAFKA_DEBEZIUM"
	SourceNATS          SourceKind = "NATS"
)

// Status is the execution state of a task on this node
type Status int

const (
	StatusIdle      Status = 0
	StatusRunning   Status = 1
	StatusSucceeded Status = 2
	StatusFailed    Status = 3
	StatusStopped   Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusStopped:
		return "stopped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var (
	// ErrTaskNotFound is returned for an unknown task id
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskRunning is returned when a task is started while it runs
	ErrTaskRunning = errors.New("task is already running")
)

// SourceConfig holds the settings of the task's source; only the one matching the task is used
type SourceConfig struct {
	Postgres *source.PostgresConfig `yaml:"postgres,omitempty" json:"postgres,omitempty"`
	Kafka    *source.KafkaConfig    `yaml:"kafka,omitempty" json:"kafka,omitempty"`
	NATS     *source.NATSConfig     `yaml:"nats,omitempty" json:"nats,omitempty"`
	File     *source.FileConfig     `yaml:"file,omitempty" json:"file,omitempty"`
	API      *source.APIConfig      `yaml:"api,omitempty" json:"api,omitempty"`
}

// MirrorConfig republishes everything written to the ODS tables on NATS
type MirrorConfig struct {
	URL           string `yaml:"url" json:"url"`
	Stream        string `yaml:"stream" json:"stream"`
	SubjectPrefix string `yaml:"subject_prefix" json:"subject_prefix"`
}

// TableConfig is the per-table setting of a task
type TableConfig struct {
	SourceTable    string                  `yaml:"source_table" json:"source_table"`
	TargetTable    string                  `yaml:"target_table,omitempty" json:"target_table,omitempty"`
	KeyColumns     []string                `yaml:"key_columns,omitempty" json:"key_columns,omitempty"`
	ColumnMappings []routing.ColumnMapping `yaml:"column_mappings,omitempty" json:"column_mappings,omitempty"`
	FieldMappings  []routing.FieldMapping  `yaml:"field_mappings,omitempty" json:"field_mappings,omitempty"`
	Operations     []utils.OperationType   `yaml:"operations,omitempty" json:"operations,omitempty"`
	Rules          []rules.RuleConfig      `yaml:"rules,omitempty" json:"rules,omitempty"`
	NiFi           *notify.TableConfig     `yaml:"nifi,omitempty" json:"nifi,omitempty"`
}

// Task is one ingestion job
type Task struct {
	ID            string            `yaml:"id" json:"id"`
	Name          string            `yaml:"name" json:"name"`
	Type          Type              `yaml:"type" json:"type"`
	SourceKind    SourceKind        `yaml:"source_kind,omitempty" json:"source_kind,omitempty"`
	Schedule      string            `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	TargetSchema  string            `yaml:"target_schema,omitempty" json:"target_schema,omitempty"`
	TargetPrefix  string            `yaml:"target_prefix,omitempty" json:"target_prefix,omitempty"`
	BatchSize     int               `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
	FlushInterval time.Duration     `yaml:"flush_interval,omitempty" json:"flush_interval,omitempty"`
	Retry         utils.RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`
	Source        SourceConfig      `yaml:"source" json:"source"`
	Tables        []TableConfig     `yaml:"tables,omitempty" json:"tables,omitempty"`
	Mirror        *MirrorConfig     `yaml:"mirror,omitempty" json:"mirror,omitempty"`
}

// SourceName is the source kind used in offset keys
func (t *Task) SourceName() source.Kind {
	switch t.Type {
	case TypeAPI:
		return source.KindAPI
	case TypeFile:
		return source.KindFile
	}
	switch t.SourceKind {
	case SourcePostgresCDC:
		return source.KindPostgres
	case SourceNATS:
		return source.KindNATS
	default:
		return source.KindKafka
	}
}

// Prefix returns the ODS table prefix
func (t *Task) Prefix() string {
	if t.TargetPrefix == "" {
		return schema.DefaultPrefix
	}
	return t.TargetPrefix
}

// Continuous reports whether the task streams until stopped rather than ending on its own
func (t *Task) Continuous() bool {
	return t.Type == TypeCDC
}

// RulesConfig collects the tables' rules
func (t *Task) RulesConfig() rules.Config {
	cfg := rules.Config{Tables: make(map[string][]rules.RuleConfig)}
	for _, tbl := range t.Tables {
		if len(tbl.Rules) > 0 {
			cfg.Tables[tbl.SourceTable] = append(cfg.Tables[tbl.SourceTable], tbl.Rules...)
		}
	}
	return cfg
}

// Routes builds a route for every table that renames, maps, restricts or re-keys
func (t *Task) Routes() map[string]routing.TableRoute {
	routes := make(map[string]routing.TableRoute)
	for _, tbl := range t.Tables {
		if tbl.TargetTable == "" && len(tbl.KeyColumns) == 0 && len(tbl.ColumnMappings) == 0 &&
			len(tbl.FieldMappings) == 0 && len(tbl.Operations) == 0 {
			continue
		}
		routes[tbl.SourceTable] = routing.TableRoute{
			SourceTable:      tbl.SourceTable,
			DestinationTable: tbl.TargetTable,
			ColumnMappings:   tbl.ColumnMappings,
			FieldMappings:    tbl.FieldMappings,
			Operations:       tbl.Operations,
			KeyColumns:       tbl.KeyColumns,
		}
	}
	return routes
}

// NotifyTables returns the NiFi settings of the tables that have them
func (t *Task) NotifyTables() []notify.TableConfig {
	var out []notify.TableConfig
	for _, tbl := range t.Tables {
		if tbl.NiFi == nil {
			continue
		}
		cfg := *tbl.NiFi
		if cfg.SourceTable == "" {
			cfg.SourceTable = tbl.SourceTable
		}
		if cfg.TargetTable == "" {
			name := tbl.TargetTable
			if name == "" {
				name = tbl.SourceTable
			}
			cfg.TargetTable = schema.TargetTable(t.TargetSchema, t.Prefix(), name).Name
		}
		out = append(out, cfg)
	}
	return out
}

// Validate checks the task and fills defaults
func (t *Task) Validate() error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if t.Name == "" {
		t.Name = t.ID
	}

	switch t.Type {
	case TypeAPI:
		if t.Source.API == nil {
			return fmt.Errorf("task %s: API task requires source.api", t.ID)
		}
	case TypeFile:
		if t.Source.File == nil {
			return fmt.Errorf("task %s: FILE task requires source.file", t.ID)
		}
	case TypeCDC:
		if err := t.validateCDCSource(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("task %s: unknown type %q", t.ID, t.Type)
	}

	if t.Schedule != "" {
		if _, err := utils.CronParser.Parse(t.Schedule); err != nil {
			return fmt.Errorf("task %s: invalid schedule %q: %w", t.ID, t.Schedule, err)
		}
	}
	if t.BatchSize < 0 {
		return fmt.Errorf("task %s: negative batch size", t.ID)
	}
	if t.Mirror != nil && (t.Mirror.Stream == "" || t.Mirror.SubjectPrefix == "") {
		return fmt.Errorf("task %s: mirror requires stream and subject_prefix", t.ID)
	}

	seen := make(map[string]bool)
	for i, tbl := range t.Tables {
		if tbl.SourceTable == "" {
			return fmt.Errorf("task %s: table %d has no source_table", t.ID, i)
		}
		if seen[tbl.SourceTable] {
			return fmt.Errorf("task %s: table %s configured twice", t.ID, tbl.SourceTable)
		}
		seen[tbl.SourceTable] = true
		if tbl.NiFi != nil {
			if err := tbl.NiFi.Validate(); err != nil {
				return fmt.Errorf("task %s: %w", t.ID, err)
			}
		}
	}

	if err := rules.NewRuleEngine().LoadRules(t.RulesConfig()); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	if err := routing.NewRouter().LoadRoutes(t.Routes()); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	return nil
}

func (t *Task) validateCDCSource() error {
	switch t.SourceKind {
	case SourcePostgresCDC:
		if t.Source.Postgres == nil {
			return fmt.Errorf("task %s: %s requires source.postgres", t.ID, t.SourceKind)
		}
	case SourceSQLServerCDC, SourceMySQLCDC, SourceKafkaDebezium:
		if t.Source.Kafka == nil {
			return fmt.Errorf("task %s: %s requires source.kafka", t.ID, t.SourceKind)
		}
	case SourceNATS:
		if t.Source.NATS == nil {
			return fmt.Errorf("task %s: %s requires source.nats", t.ID, t.SourceKind)
		}
	case "":
		return fmt.Errorf("task %s: CDC task requires source_kind", t.ID)
	default:
		return fmt.Errorf("task %s: unknown source kind %q", t.ID, t.SourceKind)
	}
	return nil
}
