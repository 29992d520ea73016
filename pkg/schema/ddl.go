package schema

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// maxIdentLen is PostgreSQL's NAMEDATALEN - 1
const maxIdentLen = 63

// Lineage columns added to every ODS table
const (
	ColRowID      = "ods_row_id"
	ColTaskID     = "data_source_task_id"
	ColIngestTime = "data_ingest_time"
	ColUpdateTime = "data_update_time"
	ColIsDeleted  = "is_deleted"
	ColDeleteTime = "delete_time"
)

var lineageColumns = []string{
	ColRowID + " BIGSERIAL PRIMARY KEY",
	ColTaskID + " VARCHAR(64)",
	ColIngestTime + " TIMESTAMP DEFAULT CURRENT_TIMESTAMP",
	ColUpdateTime + " TIMESTAMP",
	ColIsDeleted + " INTEGER DEFAULT 0",
	ColDeleteTime + " TIMESTAMP",
}

// IsLineageColumn reports whether a column is maintained by the sink rather than the source
func IsLineageColumn(name string) bool {
	switch name {
	case ColRowID, ColTaskID, ColIngestTime, ColUpdateTime, ColIsDeleted, ColDeleteTime:
		return true
	}
	return false
}

// DefaultPrefix is prepended to source table names to form ODS table names
const DefaultPrefix = "ods_"

// TableName identifies an ODS table
type TableName struct {
	Schema string
	Name   string
}

// TargetTable returns the ODS table for a source table
func TargetTable(sinkSchema, prefix, sourceTable string) TableName {
	if sinkSchema == "" {
		sinkSchema = "public"
	}
	return TableName{Schema: sinkSchema, Name: strings.ToLower(prefix + sourceTable)}
}

// Sanitize returns the quoted, schema-qualified identifier
func (t TableName) Sanitize() string {
	return pgx.Identifier{t.Schema, t.Name}.Sanitize()
}

func (t TableName) String() string {
	return t.Schema + "." + t.Name
}

// QuoteIdent quotes a single identifier
func QuoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// QuoteIdents quotes and joins identifiers with commas
func QuoteIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// IndexName builds prefix+table+suffix. Names longer than PostgreSQL keeps are shortened by cutting
// the table part and appending a hash of the full name, so distinct suffixes stay distinct.
func IndexName(prefix, table, suffix string) string {
	name := prefix + table + suffix
	if len(name) <= maxIdentLen {
		return name
	}
	hash := "_" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()[:8]
	keep := maxIdentLen - len(prefix) - len(suffix) - len(hash)
	for keep > 0 && !utf8.RuneStart(table[keep]) {
		keep--
	}
	return prefix + table[:keep] + hash + suffix
}

// CreateTableStatements returns the statements creating an ODS table with its lineage columns
// and indexes. keyColumns may be empty for tables without an identifiable key.
func CreateTableStatements(t TableName, columns []Column, keyColumns []string) []string {
	defs := make([]string, 0, len(columns)+len(lineageColumns))
	defs = append(defs, lineageColumns[0])
	for _, col := range columns {
		if IsLineageColumn(col.Name) {
			continue
		}
		defs = append(defs, fmt.Sprintf("%s %s", QuoteIdent(col.Name), col.Type))
	}
	defs = append(defs, lineageColumns[1:]...)

	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", t.Sanitize(), strings.Join(defs, ",\n\t")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			QuoteIdent(IndexName("idx_", t.Name, "_task_id")), t.Sanitize(), QuoteIdent(ColTaskID)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			QuoteIdent(IndexName("idx_", t.Name, "_ingest_time")), t.Sanitize(), QuoteIdent(ColIngestTime)),
	}
	if len(keyColumns) > 0 {
		stmts = append(stmts, UniqueKeyStatement(t, keyColumns))
	}
	return stmts
}

// UniqueKeyStatement returns the unique index that upserts resolve conflicts against
func UniqueKeyStatement(t TableName, keyColumns []string) string {
	return fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		QuoteIdent(IndexName("uk_", t.Name, "_source_key")), t.Sanitize(), QuoteIdents(keyColumns))
}

// AddColumnStatement returns the statement adding a new source column
func AddColumnStatement(t TableName, col Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", t.Sanitize(), QuoteIdent(col.Name), col.Type)
}

// WidenColumnStatement returns the statement changing a column to a wider type
func WidenColumnStatement(t TableName, column, colType string) string {
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
		t.Sanitize(), QuoteIdent(column), colType, QuoteIdent(column), colType)
}
