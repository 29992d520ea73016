// Package tests provides test utilities for the schema package
package tests

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// FakeRows serves fixed rows through the pgx.Rows interface
type FakeRows struct {
	data [][]any
	pos  int
	err  error
}

func NewFakeRows(data ...[]any) *FakeRows {
	return &FakeRows{data: data, pos: -1}
}

func (r *FakeRows) Close()                                       {}
func (r *FakeRows) Err() error                                   { return r.err }
func (r *FakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *FakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *FakeRows) RawValues() [][]byte                          { return nil }
func (r *FakeRows) Conn() *pgx.Conn                              { return nil }

func (r *FakeRows) Next() bool {
	r.pos++
	return r.pos < len(r.data)
}

func (r *FakeRows) Values() ([]any, error) {
	return r.data[r.pos], nil
}

func (r *FakeRows) Scan(dest ...any) error {
	row := r.data[r.pos]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(row))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *int:
			*p = row[i].(int)
		case *int64:
			*p = row[i].(int64)
		case *bool:
			*p = row[i].(bool)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

// FakeDB answers information_schema queries from in-memory tables and records DDL
type FakeDB struct {
	mu      sync.Mutex
	Tables  map[string][][]any // "schema.table" -> rows of (column_name, data_type, max_length)
	Execs   []string
	ExecErr error
}

func NewFakeDB() *FakeDB {
	return &FakeDB{Tables: make(map[string][][]any)}
}

func (db *FakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.ExecErr != nil {
		return pgconn.CommandTag{}, db.ExecErr
	}
	db.Execs = append(db.Execs, sql)
	return pgconn.NewCommandTag("OK"), nil
}

func (db *FakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	key := fmt.Sprintf("%v.%v", args[0], args[1])
	cols, ok := db.Tables[key]

	switch {
	case strings.Contains(sql, "information_schema.tables"):
		if !ok {
			return NewFakeRows(), nil
		}
		return NewFakeRows([]any{1}), nil
	case strings.Contains(sql, "information_schema.columns"):
		return NewFakeRows(cols...), nil
	}
	return nil, fmt.Errorf("unexpected query: %s", sql)
}

// ExecsContaining returns the recorded statements that contain substr
func (db *FakeDB) ExecsContaining(substr string) []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []string
	for _, s := range db.Execs {
		if strings.Contains(s, substr) {
			out = append(out, s)
		}
	}
	return out
}
