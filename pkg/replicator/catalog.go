package replicator

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

// TableRef names a source table
type TableRef struct {
	Schema string
	Table  string
}

func (t TableRef) String() string {
	return t.Schema + "." + t.Table
}

// Sanitize returns the quoted schema-qualified name
func (t TableRef) Sanitize() string {
	return pgx.Identifier{t.Schema, t.Table}.Sanitize()
}

// DiscoverTables lists the base tables of a schema
func DiscoverTables(ctx context.Context, conn Querier, schemaName string) ([]TableRef, error) {
	rows, err := conn.Query(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1
		AND table_type = 'BASE TABLE'
		ORDER BY table_name`,
		schemaName)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables in schema %s: %w", schemaName, err)
	}
	defer rows.Close()

	var tables []TableRef
	for rows.Next() {
		var tableName string
		if err := rows.Scan(&tableName); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, TableRef{Schema: schemaName, Table: tableName})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating table rows: %w", err)
	}
	return tables, nil
}

// EnsurePublication creates the publication over tables unless it exists
func EnsurePublication(ctx context.Context, conn Querier, name string, tables []TableRef) (bool, error) {
	var exists bool
	err := conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)", name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check if publication exists: %w", err)
	}
	if exists {
		return false, nil
	}
	if len(tables) == 0 {
		return false, ErrNoTables
	}

	sanitized := make([]string, len(tables))
	for i, t := range tables {
		sanitized[i] = t.Sanitize()
	}
	query := fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s",
		pgx.Identifier{name}.Sanitize(), strings.Join(sanitized, ", "))
	if _, err := conn.Exec(ctx, query); err != nil {
		return false, &ReplicationError{Op: "create publication", Err: err}
	}
	return true, nil
}

// EnsureReplicationSlot creates the slot through the walsender connection unless it exists
func EnsureReplicationSlot(ctx context.Context, conn Querier, repl ReplicationConnection, slot string) (bool, error) {
	var exists bool
	err := conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)", slot).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check replication slot: %w", err)
	}
	if exists {
		return false, nil
	}
	if _, err := repl.CreateReplicationSlot(ctx, slot); err != nil {
		return false, err
	}
	return true, nil
}

// ReplicaIdentityKey resolves the columns that identify a row in the table's WAL records.
// REPLICA IDENTITY FULL and NOTHING yield a FULL key without columns.
func ReplicaIdentityKey(ctx context.Context, conn Querier, t TableRef) (utils.ReplicationKey, error) {
	var identity string
	err := conn.QueryRow(ctx, `
		SELECT c.relreplident::text
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2`,
		t.Schema, t.Table).Scan(&identity)
	if err != nil {
		return utils.ReplicationKey{}, fmt.Errorf("failed to read replica identity of %s: %w", t, err)
	}

	var keyType utils.ReplicationKeyType
	var predicate string
	switch identity {
	case "d":
		keyType, predicate = utils.ReplicationKeyPK, "i.indisprimary"
	case "i":
		keyType, predicate = utils.ReplicationKeyUnique, "i.indisreplident"
	default:
		return utils.ReplicationKey{Type: utils.ReplicationKeyFull}, nil
	}

	rows, err := conn.Query(ctx, fmt.Sprintf(`
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1::regclass AND %s
		ORDER BY array_position(i.indkey::int2[], a.attnum)`, predicate),
		t.Sanitize())
	if err != nil {
		return utils.ReplicationKey{}, fmt.Errorf("failed to read key columns of %s: %w", t, err)
	}
	defer rows.Close()

	key := utils.ReplicationKey{Type: keyType}
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return utils.ReplicationKey{}, err
		}
		key.Columns = append(key.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return utils.ReplicationKey{}, err
	}
	if len(key.Columns) == 0 {
		return utils.ReplicationKey{Type: utils.ReplicationKeyFull}, nil
	}
	return key, nil
}

// ExportSnapshot exports the snapshot of a serializable read-only transaction together with
// the WAL position it corresponds to
func ExportSnapshot(ctx context.Context, tx pgx.Tx) (string, pglogrepl.LSN, error) {
	var snapshotID string
	var lsnText string
	err := tx.QueryRow(ctx, `SELECT pg_export_snapshot(), pg_current_wal_lsn()::text`).Scan(&snapshotID, &lsnText)
	if err != nil {
		return "", 0, fmt.Errorf("failed to export snapshot and get LSN: %w", err)
	}
	lsn, err := pglogrepl.ParseLSN(lsnText)
	if err != nil {
		return "", 0, err
	}
	return snapshotID, lsn, nil
}
