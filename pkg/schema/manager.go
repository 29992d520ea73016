package schema

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pgflo/pg_ingest/pkg/utils"
)

// DB is the subset of pgxpool.Pool and pgx.Tx the manager needs
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ColumnInfo is an existing column of an ODS table
type ColumnInfo struct {
	Name      string
	DataType  string
	MaxLength int
}

func (c ColumnInfo) isShortVarchar() bool {
	return c.DataType == "character varying" && c.MaxLength > 0 && c.MaxLength <= VarcharLimit
}

// TableInfo is the cached state of an ODS table
type TableInfo struct {
	Name       TableName
	Columns    map[string]ColumnInfo
	KeyColumns []string
}

// HasColumn reports whether the table has a column
func (t *TableInfo) HasColumn(name string) bool {
	_, ok := t.Columns[name]
	return ok
}

// DataColumns returns the source columns of the table, without lineage columns
func (t *TableInfo) DataColumns() []string {
	cols := make([]string, 0, len(t.Columns))
	for name := range t.Columns {
		if !IsLineageColumn(name) {
			cols = append(cols, name)
		}
	}
	return cols
}

// Change summarizes what EnsureTable did
type Change struct {
	Created bool
	Added   []string
	Widened []string
}

// Changed reports whether any DDL ran
func (c Change) Changed() bool {
	return c.Created || len(c.Added) > 0 || len(c.Widened) > 0
}

// DDLHook is called after every DDL statement kind that ran ("create", "add_column", "widen_column")
type DDLHook func(op string, table TableName)

// Manager checks ODS table existence, creates missing tables and evolves existing ones
type Manager struct {
	db     DB
	logger utils.Logger
	hook   DDLHook

	mu     sync.Mutex
	tables map[TableName]*TableInfo
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithDDLHook registers a callback for DDL operations
func WithDDLHook(hook DDLHook) ManagerOption {
	return func(m *Manager) {
		m.hook = hook
	}
}

// NewManager creates a Manager issuing DDL through db
func NewManager(db DB, opts ...ManagerOption) *Manager {
	m := &Manager{
		db:     db,
		logger: utils.NewComponentLogger("schema"),
		tables: make(map[TableName]*TableInfo),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TableExists checks information_schema for the table
func (m *Manager) TableExists(ctx context.Context, t TableName) (bool, error) {
	rows, err := m.db.Query(ctx,
		`SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2`,
		t.Schema, t.Name)
	if err != nil {
		return false, &Error{Table: t, Op: "exists", Err: err}
	}
	defer rows.Close()
	exists := rows.Next()
	if err := rows.Err(); err != nil {
		return false, &Error{Table: t, Op: "exists", Err: err}
	}
	return exists, nil
}

func (m *Manager) loadColumns(ctx context.Context, t TableName) (map[string]ColumnInfo, error) {
	rows, err := m.db.Query(ctx, `
		SELECT column_name, data_type, COALESCE(character_maximum_length, 0)
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, t.Schema, t.Name)
	if err != nil {
		return nil, &Error{Table: t, Op: "columns", Err: err}
	}
	defer rows.Close()

	cols := make(map[string]ColumnInfo)
	for rows.Next() {
		var ci ColumnInfo
		if err := rows.Scan(&ci.Name, &ci.DataType, &ci.MaxLength); err != nil {
			return nil, &Error{Table: t, Op: "columns", Err: err}
		}
		cols[ci.Name] = ci
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Table: t, Op: "columns", Err: err}
	}
	return cols, nil
}

// Cached returns the cached table state, if any
func (m *Manager) Cached(t TableName) (*TableInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.tables[t]
	return info, ok
}

// Invalidate drops a table from the cache, forcing rediscovery on the next EnsureTable
func (m *Manager) Invalidate(t TableName) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, t)
}

// EnsureTable makes sure the ODS table exists and can hold the events of a batch.
// A missing table is created from the inferred columns; an existing one gets new columns.
// VARCHAR(255) columns become TEXT when longer strings arrive, and numeric columns are widened
// along INTEGER, BIGINT, NUMERIC, or to TEXT when strings arrive.
func (m *Manager) EnsureTable(ctx context.Context, t TableName, events []*utils.ChangeEvent) (*TableInfo, Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var change Change
	columns := InferColumns(events)
	keyColumns := batchKeyColumns(events)

	info, cached := m.tables[t]
	if !cached {
		exists, err := m.TableExists(ctx, t)
		if err != nil {
			return nil, change, err
		}

		if !exists {
			for _, stmt := range CreateTableStatements(t, columns, keyColumns) {
				if _, err := m.db.Exec(ctx, stmt); err != nil {
					return nil, change, &Error{Table: t, Op: "create", Err: err}
				}
			}
			change.Created = true
			m.fire("create", t)
			m.logger.Info().
				Str("table", t.String()).
				Int("columns", len(columns)).
				Strs("key_columns", keyColumns).
				Msg("Created ODS table")
		} else if len(keyColumns) > 0 {
			if _, err := m.db.Exec(ctx, UniqueKeyStatement(t, keyColumns)); err != nil {
				return nil, change, &Error{Table: t, Op: "unique_key", Err: err}
			}
		}

		if change.Created {
			info = &TableInfo{Name: t, Columns: createdColumns(columns), KeyColumns: keyColumns}
			m.tables[t] = info
			return info, change, nil
		}

		cols, err := m.loadColumns(ctx, t)
		if err != nil {
			return nil, change, err
		}
		info = &TableInfo{Name: t, Columns: cols, KeyColumns: keyColumns}
		m.tables[t] = info
	}

	if len(info.KeyColumns) == 0 && len(keyColumns) > 0 {
		if _, err := m.db.Exec(ctx, UniqueKeyStatement(t, keyColumns)); err != nil {
			return nil, change, &Error{Table: t, Op: "unique_key", Err: err}
		}
		info.KeyColumns = keyColumns
	}

	for _, col := range columns {
		if IsLineageColumn(col.Name) {
			continue
		}
		existing, ok := info.Columns[col.Name]
		if !ok {
			if _, err := m.db.Exec(ctx, AddColumnStatement(t, col)); err != nil {
				return nil, change, &Error{Table: t, Op: "add_column", Err: err}
			}
			info.Columns[col.Name] = ColumnInfo{Name: col.Name, DataType: dataTypeOf(col.Type), MaxLength: maxLengthOf(col.Type)}
			change.Added = append(change.Added, col.Name)
			m.fire("add_column", t)
			continue
		}
		target := numericTarget(existing.DataType, col)
		if target == "" && existing.isShortVarchar() && col.MaxLen > existing.MaxLength {
			target = TypeText
		}
		if target == "" {
			continue
		}
		if _, err := m.db.Exec(ctx, WidenColumnStatement(t, col.Name, target)); err != nil {
			return nil, change, &Error{Table: t, Op: "widen_column", Err: err}
		}
		info.Columns[col.Name] = ColumnInfo{Name: col.Name, DataType: dataTypeOf(target)}
		change.Widened = append(change.Widened, col.Name)
		m.fire("widen_column", t)
	}

	if len(change.Added) > 0 || len(change.Widened) > 0 {
		m.logger.Info().
			Str("table", t.String()).
			Strs("added", change.Added).
			Strs("widened", change.Widened).
			Msg("Evolved ODS table")
	}
	return info, change, nil
}

func createdColumns(columns []Column) map[string]ColumnInfo {
	cols := map[string]ColumnInfo{
		ColRowID:      {Name: ColRowID, DataType: "bigint"},
		ColTaskID:     {Name: ColTaskID, DataType: "character varying", MaxLength: 64},
		ColIngestTime: {Name: ColIngestTime, DataType: "timestamp without time zone"},
		ColUpdateTime: {Name: ColUpdateTime, DataType: "timestamp without time zone"},
		ColIsDeleted:  {Name: ColIsDeleted, DataType: "integer"},
		ColDeleteTime: {Name: ColDeleteTime, DataType: "timestamp without time zone"},
	}
	for _, col := range columns {
		if IsLineageColumn(col.Name) {
			continue
		}
		cols[col.Name] = ColumnInfo{Name: col.Name, DataType: dataTypeOf(col.Type), MaxLength: maxLengthOf(col.Type)}
	}
	return cols
}

func (m *Manager) fire(op string, t TableName) {
	if m.hook != nil {
		m.hook(op, t)
	}
}

// batchKeyColumns returns the key of the first event that has one
func batchKeyColumns(events []*utils.ChangeEvent) []string {
	for _, ev := range events {
		if cols := ev.KeyColumns(); len(cols) > 0 {
			return append([]string(nil), cols...)
		}
	}
	return nil
}

func dataTypeOf(t string) string {
	upper := strings.ToUpper(t)
	switch {
	case strings.HasPrefix(upper, "VARCHAR"):
		return "character varying"
	case upper == TypeText:
		return "text"
	default:
		return strings.ToLower(t)
	}
}

func maxLengthOf(t string) int {
	var n int
	if _, err := fmt.Sscanf(strings.ToUpper(t), "VARCHAR(%d)", &n); err == nil {
		return n
	}
	return 0
}
