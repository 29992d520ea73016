package sinks

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/pgflo/pg_ingest/pkg/metadata"
	"github.com/pgflo/pg_ingest/pkg/schema"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

// TxBeginner is satisfied by pgxpool.Pool and pgx.Conn
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// SchemaObserver is told about every table a batch touched and any DDL that ran for it
type SchemaObserver func(info *schema.TableInfo, change schema.Change)

// PostgresSink writes change events into ODS tables with idempotent upserts and soft deletes
type PostgresSink struct {
	db       TxBeginner
	schemas  *schema.Manager
	target   string
	prefix   string
	observer SchemaObserver
	logger   utils.Logger
}

// PostgresOption configures a PostgresSink
type PostgresOption func(*PostgresSink)

// WithTargetSchema sets the schema ODS tables are created in
func WithTargetSchema(name string) PostgresOption {
	return func(s *PostgresSink) {
		s.target = name
	}
}

// WithTablePrefix sets the ODS table prefix
func WithTablePrefix(prefix string) PostgresOption {
	return func(s *PostgresSink) {
		s.prefix = prefix
	}
}

// WithSchemaObserver registers a callback invoked after tables are ensured
func WithSchemaObserver(fn SchemaObserver) PostgresOption {
	return func(s *PostgresSink) {
		s.observer = fn
	}
}

// NewPostgresSink creates a sink writing through db; DDL goes through the schema manager
func NewPostgresSink(db TxBeginner, schemas *schema.Manager, opts ...PostgresOption) *PostgresSink {
	s := &PostgresSink{
		db:      db,
		schemas: schemas,
		target:  "public",
		prefix:  schema.DefaultPrefix,
		logger:  utils.NewComponentLogger("postgres_sink"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TargetTable returns the ODS table events of a source table are written to
func (s *PostgresSink) TargetTable(sourceTable string) schema.TableName {
	return schema.TargetTable(s.target, s.prefix, sourceTable)
}

// WriteBatch writes all events in one transaction
func (s *PostgresSink) WriteBatch(ctx context.Context, events []*utils.ChangeEvent) error {
	return s.write(ctx, events, nil)
}

// WriteBatchWithCheckpoint writes all events and the checkpoint in one transaction
func (s *PostgresSink) WriteBatchWithCheckpoint(ctx context.Context, events []*utils.ChangeEvent, cp Checkpoint) error {
	return s.write(ctx, events, &cp)
}

func (s *PostgresSink) write(ctx context.Context, events []*utils.ChangeEvent, cp *Checkpoint) error {
	if len(events) == 0 && cp == nil {
		return nil
	}

	tables, err := s.ensureTables(ctx, events)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	var ops []queuedOp
	for _, ev := range events {
		target := s.TargetTable(ev.Table)
		info := tables[target]
		stmts, err := s.buildStatements(ev, info)
		if err != nil {
			return utils.Permanent(&WriteError{Table: target.String(), Op: string(ev.Type), Err: err})
		}
		for _, st := range stmts {
			batch.Queue(st.sql, st.args...)
			ops = append(ops, queuedOp{table: target.String(), op: string(ev.Type)})
		}
	}

	if cp != nil {
		sql, args, err := checkpointStatement(*cp)
		if err != nil {
			return utils.Permanent(fmt.Errorf("failed to build checkpoint statement: %w", err))
		}
		batch.Queue(sql, args...)
		ops = append(ops, queuedOp{table: metadata.OffsetsTable, op: "checkpoint"})
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	br := tx.SendBatch(ctx, batch)
	for _, op := range ops {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return &WriteError{Table: op.table, Op: op.op, Err: err}
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug().
		Int("events", len(events)).
		Int("statements", len(ops)).
		Bool("checkpoint", cp != nil).
		Msg("Batch written")
	return nil
}

type queuedOp struct {
	table string
	op    string
}

type statement struct {
	sql  string
	args []interface{}
}

func (s *PostgresSink) ensureTables(ctx context.Context, events []*utils.ChangeEvent) (map[schema.TableName]*schema.TableInfo, error) {
	groups := make(map[schema.TableName][]*utils.ChangeEvent)
	var order []schema.TableName
	for _, ev := range events {
		target := s.TargetTable(ev.Table)
		if _, ok := groups[target]; !ok {
			order = append(order, target)
		}
		groups[target] = append(groups[target], ev)
	}

	tables := make(map[schema.TableName]*schema.TableInfo, len(groups))
	for _, target := range order {
		info, change, err := s.schemas.EnsureTable(ctx, target, groups[target])
		if err != nil {
			return nil, err
		}
		tables[target] = info
		if s.observer != nil {
			s.observer(info, change)
		}
	}
	return tables, nil
}

func (s *PostgresSink) buildStatements(ev *utils.ChangeEvent, info *schema.TableInfo) ([]statement, error) {
	keyCols := ev.KeyColumns()
	if info != nil && len(info.KeyColumns) > 0 && len(keyCols) > 0 && !sameColumns(keyCols, info.KeyColumns) {
		// the unique index decides what ON CONFLICT can target
		if !hasColumns(ev.Row(), info.KeyColumns) {
			return nil, fmt.Errorf("event key %v does not match table key %v", keyCols, info.KeyColumns)
		}
		keyCols = info.KeyColumns
	}
	target := s.TargetTable(ev.Table)

	switch ev.Type {
	case utils.OperationInsert, utils.OperationRead, utils.OperationUpdate:
		var stmts []statement
		if len(keyCols) == 0 {
			if ev.Type == utils.OperationUpdate && len(ev.Before) > 0 {
				st, err := s.updateByImage(target, ev)
				if err != nil {
					return nil, err
				}
				return []statement{st}, nil
			}
			st, err := s.insert(target, ev, nil)
			if err != nil {
				return nil, err
			}
			return []statement{st}, nil
		}

		if keyChanged(ev, keyCols) {
			st, err := s.softDelete(target, ev.TaskID, keyPredicate(keyCols, ev.Before))
			if err != nil {
				return nil, err
			}
			stmts = append(stmts, st)
		}
		st, err := s.insert(target, ev, keyCols)
		if err != nil {
			return nil, err
		}
		return append(stmts, st), nil

	case utils.OperationDelete:
		if len(ev.Before) == 0 {
			return nil, fmt.Errorf("delete without before image")
		}
		var pred sq.Sqlizer
		if len(keyCols) > 0 {
			pred = keyPredicate(keyCols, ev.Before)
		} else {
			pred = imagePredicate(ev.Before)
		}
		st, err := s.softDelete(target, ev.TaskID, pred)
		if err != nil {
			return nil, err
		}
		return []statement{st}, nil

	default:
		return nil, fmt.Errorf("unsupported operation %s", ev.Type)
	}
}

// dataColumns returns the event's columns that carry a value for this write
func dataColumns(ev *utils.ChangeEvent) []string {
	cols := make([]string, 0, len(ev.Columns))
	for _, col := range ev.Columns {
		if schema.IsLineageColumn(col) || ev.IsColumnToasted(col) {
			continue
		}
		if _, ok := ev.Row()[col]; !ok {
			continue
		}
		cols = append(cols, col)
	}
	return cols
}

func (s *PostgresSink) insert(target schema.TableName, ev *utils.ChangeEvent, keyCols []string) (statement, error) {
	cols := dataColumns(ev)
	row := ev.Row()

	quoted := make([]string, 0, len(cols)+4)
	values := make([]interface{}, 0, len(cols)+4)
	for _, col := range cols {
		v, err := sinkValue(row[col])
		if err != nil {
			return statement{}, fmt.Errorf("column %s: %w", col, err)
		}
		quoted = append(quoted, schema.QuoteIdent(col))
		values = append(values, v)
	}
	quoted = append(quoted, schema.ColTaskID, schema.ColUpdateTime, schema.ColIsDeleted, schema.ColDeleteTime)
	values = append(values, ev.TaskID, sq.Expr("NOW()"), 0, nil)

	builder := sq.Insert(target.Sanitize()).
		Columns(quoted...).
		Values(values...).
		PlaceholderFormat(sq.Dollar)

	if len(keyCols) > 0 {
		sets := make([]string, 0, len(cols)+4)
		for _, col := range cols {
			q := schema.QuoteIdent(col)
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
		}
		sets = append(sets,
			fmt.Sprintf("%s = EXCLUDED.%s", schema.ColTaskID, schema.ColTaskID),
			schema.ColUpdateTime+" = NOW()",
			schema.ColIsDeleted+" = 0",
			schema.ColDeleteTime+" = NULL",
		)
		builder = builder.Suffix(fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s",
			schema.QuoteIdents(keyCols), strings.Join(sets, ", ")))
	}

	sql, args, err := builder.ToSql()
	return statement{sql: sql, args: args}, err
}

func (s *PostgresSink) updateByImage(target schema.TableName, ev *utils.ChangeEvent) (statement, error) {
	builder := sq.Update(target.Sanitize()).PlaceholderFormat(sq.Dollar)
	for _, col := range dataColumns(ev) {
		v, err := sinkValue(ev.After[col])
		if err != nil {
			return statement{}, fmt.Errorf("column %s: %w", col, err)
		}
		builder = builder.Set(schema.QuoteIdent(col), v)
	}
	sql, args, err := builder.
		Set(schema.ColTaskID, ev.TaskID).
		Set(schema.ColUpdateTime, sq.Expr("NOW()")).
		Where(imagePredicate(ev.Before)).
		Where(sq.Eq{schema.ColIsDeleted: 0}).
		ToSql()
	return statement{sql: sql, args: args}, err
}

func (s *PostgresSink) softDelete(target schema.TableName, taskID string, pred sq.Sqlizer) (statement, error) {
	sql, args, err := sq.Update(target.Sanitize()).
		Set(schema.ColIsDeleted, 1).
		Set(schema.ColDeleteTime, sq.Expr("NOW()")).
		Set(schema.ColUpdateTime, sq.Expr("NOW()")).
		Set(schema.ColTaskID, taskID).
		Where(pred).
		Where(sq.Eq{schema.ColIsDeleted: 0}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	return statement{sql: sql, args: args}, err
}

func keyPredicate(keyCols []string, image map[string]interface{}) sq.Sqlizer {
	and := sq.And{}
	for _, col := range keyCols {
		v, _ := sinkValue(image[col])
		and = append(and, sq.Eq{schema.QuoteIdent(col): v})
	}
	return and
}

// imagePredicate matches a row on every column of an image, treating NULLs as equal
func imagePredicate(image map[string]interface{}) sq.Sqlizer {
	cols := make([]string, 0, len(image))
	for col := range image {
		if !schema.IsLineageColumn(col) {
			cols = append(cols, col)
		}
	}
	sort.Strings(cols)

	and := sq.And{}
	for _, col := range cols {
		v, _ := sinkValue(image[col])
		and = append(and, sq.Expr(schema.QuoteIdent(col)+" IS NOT DISTINCT FROM ?", v))
	}
	return and
}

func checkpointStatement(cp Checkpoint) (string, []interface{}, error) {
	return sq.Insert(metadata.OffsetsTable).
		Columns("offset_key", "position", "updated_at").
		Values(cp.Key, cp.Position, sq.Expr("NOW()")).
		Suffix("ON CONFLICT (offset_key) DO UPDATE SET position = EXCLUDED.position, updated_at = EXCLUDED.updated_at").
		PlaceholderFormat(sq.Dollar).
		ToSql()
}

// sinkValue converts decoded values into something pgx can encode for any column type
func sinkValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		return val.String(), nil
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return val, nil
	}
}

// sameColumns compares column sets regardless of order
func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as, bs := slices.Clone(a), slices.Clone(b)
	sort.Strings(as)
	sort.Strings(bs)
	return slices.Equal(as, bs)
}

func hasColumns(row map[string]interface{}, cols []string) bool {
	for _, col := range cols {
		if _, ok := row[col]; !ok {
			return false
		}
	}
	return true
}

func keyChanged(ev *utils.ChangeEvent, keyCols []string) bool {
	if ev.Type != utils.OperationUpdate || len(ev.Before) == 0 {
		return false
	}
	for _, col := range keyCols {
		before, ok := ev.Before[col]
		if !ok {
			continue
		}
		if fmt.Sprint(before) != fmt.Sprint(ev.After[col]) {
			return true
		}
	}
	return false
}

// Close is a no-op; the pool is owned by the caller
func (s *PostgresSink) Close() error {
	return nil
}
