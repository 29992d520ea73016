package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgflo/pg_ingest/pkg/replicator"
	"github.com/pgflo/pg_ingest/pkg/txbuffer"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

// PostgresConfig configures the logical replication source
type PostgresConfig struct {
	replicator.Config `yaml:",inline" mapstructure:",squash"`
	SlotName          string        `yaml:"slot_name" mapstructure:"slot_name"`
	Publication       string        `yaml:"publication" mapstructure:"publication"`
	Snapshot          bool          `yaml:"snapshot" mapstructure:"snapshot"`
	MaxMemoryBytes    int64         `yaml:"max_memory_bytes" mapstructure:"max_memory_bytes"`
	SpillDir          string        `yaml:"spill_dir" mapstructure:"spill_dir"`
	StandbyTimeout    time.Duration `yaml:"standby_timeout" mapstructure:"standby_timeout"`
}

func (c PostgresConfig) slot() string {
	if c.SlotName != "" {
		return c.SlotName
	}
	return replicator.GenerateSlotName(c.Group)
}

func (c PostgresConfig) publication() string {
	if c.Publication != "" {
		return c.Publication
	}
	return replicator.GeneratePublicationName(c.Group)
}

// PostgresSource streams pgoutput changes. Each source transaction is buffered in the transaction
// store and consolidated at COMMIT; every emitted event carries the commit LSN as its position.
type PostgresSource struct {
	cfg          PostgresConfig
	replConn     replicator.ReplicationConnection
	stdConn      replicator.StandardConnection
	store        txbuffer.TransactionStore
	consolidator txbuffer.OperationConsolidator
	decoder      *utils.ValueDecoder
	logger       utils.Logger

	relations  map[uint32]*pglogrepl.RelationMessage
	inTx       bool
	receivedAt pglogrepl.LSN
	acked      atomic.Uint64

	mu  sync.Mutex
	err error
	wg  sync.WaitGroup
}

// NewPostgresSource wires a source from already constructed connections and transaction store
func NewPostgresSource(cfg PostgresConfig, repl replicator.ReplicationConnection, std replicator.StandardConnection, store txbuffer.TransactionStore) *PostgresSource {
	if cfg.StandbyTimeout <= 0 {
		cfg.StandbyTimeout = 10 * time.Second
	}
	return &PostgresSource{
		cfg:          cfg,
		replConn:     repl,
		stdConn:      std,
		store:        store,
		consolidator: txbuffer.NewDefaultOperationConsolidator(),
		decoder:      utils.NewValueDecoder(),
		logger:       utils.NewComponentLogger("source.postgres"),
		relations:    make(map[uint32]*pglogrepl.RelationMessage),
	}
}

// NewPostgresSourceFromConfig opens the connections and a Pebble spill directory for the source
func NewPostgresSourceFromConfig(cfg PostgresConfig) (*PostgresSource, error) {
	std, err := replicator.NewStandardConnection(cfg.Config)
	if err != nil {
		return nil, err
	}
	dir := cfg.SpillDir
	if dir == "" {
		dir = os.TempDir()
	}
	storePath := filepath.Join(dir, fmt.Sprintf("pg_ingest_tx_%s", cfg.slot()))
	store, err := txbuffer.NewTransactionStore(storePath, cfg.MaxMemoryBytes, utils.NewComponentLogger("txbuffer"))
	if err != nil {
		return nil, err
	}
	return NewPostgresSource(cfg, replicator.NewReplicationConnection(cfg.Config), std, store), nil
}

// Start connects, makes sure the publication and slot exist and begins streaming from the LSN in from.
// An empty from with Snapshot set first emits the current table contents as READ events.
func (s *PostgresSource) Start(ctx context.Context, from string) (<-chan *utils.ChangeEvent, error) {
	var startLSN pglogrepl.LSN
	if from != "" {
		lsn, err := pglogrepl.ParseLSN(from)
		if err != nil {
			return nil, fmt.Errorf("invalid start position %q: %w", from, err)
		}
		startLSN = lsn
	}

	if err := s.stdConn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect standard connection: %w", err)
	}
	if err := s.replConn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect replication connection: %w", err)
	}

	tables, err := s.tables(ctx)
	if err != nil {
		return nil, err
	}

	created, err := replicator.EnsurePublication(ctx, s.stdConn, s.cfg.publication(), tables)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info().Str("publication", s.cfg.publication()).Int("tables", len(tables)).Msg("Publication created")
	}

	created, err = replicator.EnsureReplicationSlot(ctx, s.stdConn, s.replConn, s.cfg.slot())
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info().Str("slot", s.cfg.slot()).Msg("Replication slot created")
	}

	s.acked.Store(uint64(startLSN))
	s.receivedAt = startLSN

	out := make(chan *utils.ChangeEvent, eventBufferSize)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		if err := s.run(ctx, out, startLSN, from == "" && s.cfg.Snapshot, tables); err != nil {
			s.setErr(err)
		}
	}()
	return out, nil
}

func (s *PostgresSource) tables(ctx context.Context) ([]replicator.TableRef, error) {
	if len(s.cfg.Tables) == 0 {
		return replicator.DiscoverTables(ctx, s.stdConn, s.cfg.SchemaOrDefault())
	}
	refs := make([]replicator.TableRef, 0, len(s.cfg.Tables))
	for _, name := range s.cfg.Tables {
		if schemaName, table, ok := strings.Cut(name, "."); ok {
			refs = append(refs, replicator.TableRef{Schema: schemaName, Table: table})
			continue
		}
		refs = append(refs, replicator.TableRef{Schema: s.cfg.SchemaOrDefault(), Table: name})
	}
	return refs, nil
}

func (s *PostgresSource) run(ctx context.Context, out chan<- *utils.ChangeEvent, startLSN pglogrepl.LSN, snapshot bool, tables []replicator.TableRef) error {
	if snapshot {
		lsn, err := s.snapshot(ctx, out, tables)
		if err != nil {
			return fmt.Errorf("snapshot failed: %w", err)
		}
		startLSN = lsn
		s.receivedAt = lsn
	}

	s.logger.Info().
		Str("slot", s.cfg.slot()).
		Str("startLSN", startLSN.String()).
		Msg("Starting WAL replication")

	err := s.replConn.StartReplication(ctx, s.cfg.slot(), startLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", s.cfg.publication()),
		},
	})
	if err != nil {
		return err
	}
	return s.stream(ctx, out)
}

func (s *PostgresSource) stream(ctx context.Context, out chan<- *utils.ChangeEvent) error {
	nextStatus := time.Now().Add(s.cfg.StandbyTimeout)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if time.Now().After(nextStatus) {
			if err := s.sendStandbyStatus(ctx); err != nil {
				return fmt.Errorf("failed to send standby status update: %w", err)
			}
			nextStatus = time.Now().Add(s.cfg.StandbyTimeout)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStatus)
		msg, err := s.replConn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return &replicator.ReplicationError{Op: "receive", Err: err}
		}

		switch msg := msg.(type) {
		case *pgproto3.CopyData:
			if err := s.handleCopyData(ctx, out, msg, &nextStatus); err != nil {
				return err
			}
		case *pgproto3.ErrorResponse:
			return &replicator.ReplicationError{Op: "receive", Err: fmt.Errorf("%s %s: %s", msg.Severity, msg.Code, msg.Message)}
		default:
			s.logger.Warn().Str("type", fmt.Sprintf("%T", msg)).Msg("Received unexpected message type")
		}
	}
}

func (s *PostgresSource) handleCopyData(ctx context.Context, out chan<- *utils.ChangeEvent, msg *pgproto3.CopyData, nextStatus *time.Time) error {
	if len(msg.Data) == 0 {
		return nil
	}
	switch msg.Data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
		if err != nil {
			return fmt.Errorf("failed to parse primary keepalive message: %w", err)
		}
		if pkm.ReplyRequested {
			*nextStatus = time.Time{}
		}
	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
		if err != nil {
			return fmt.Errorf("failed to parse XLogData: %w", err)
		}
		if err := s.processWALData(ctx, out, xld.WALData, xld.WALStart); err != nil {
			return err
		}
		if end := xld.WALStart + pglogrepl.LSN(len(xld.WALData)); end > s.receivedAt {
			s.receivedAt = end
		}
	default:
		s.logger.Warn().Uint8("messageType", msg.Data[0]).Msg("Received unexpected CopyData message type")
	}
	return nil
}

func (s *PostgresSource) processWALData(ctx context.Context, out chan<- *utils.ChangeEvent, walData []byte, lsn pglogrepl.LSN) error {
	logicalMsg, err := pglogrepl.Parse(walData)
	if err != nil {
		return fmt.Errorf("failed to parse WAL data: %w", err)
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		s.relations[msg.RelationID] = msg
		s.logger.Debug().Str("table", msg.RelationName).Uint32("id", msg.RelationID).Msg("Relation message received")
	case *pglogrepl.BeginMessage:
		s.inTx = true
		return s.store.Clear()
	case *pglogrepl.InsertMessage:
		return s.storeChange(msg.RelationID, utils.OperationInsert, nil, 0, msg.Tuple, lsn)
	case *pglogrepl.UpdateMessage:
		return s.storeChange(msg.RelationID, utils.OperationUpdate, msg.OldTuple, msg.OldTupleType, msg.NewTuple, lsn)
	case *pglogrepl.DeleteMessage:
		return s.storeChange(msg.RelationID, utils.OperationDelete, msg.OldTuple, msg.OldTupleType, nil, lsn)
	case *pglogrepl.TruncateMessage:
		s.logger.Warn().Int("relations", len(msg.RelationIDs)).Msg("TRUNCATE is not replicated to the sink")
	case *pglogrepl.CommitMessage:
		return s.handleCommit(ctx, out, msg)
	default:
		s.logger.Debug().Type("message", msg).Msg("Ignoring logical replication message")
	}
	return nil
}

func (s *PostgresSource) storeChange(relationID uint32, op utils.OperationType, oldTuple *pglogrepl.TupleData, oldType uint8, newTuple *pglogrepl.TupleData, lsn pglogrepl.LSN) error {
	relation, ok := s.relations[relationID]
	if !ok {
		return fmt.Errorf("unknown relation ID: %d", relationID)
	}

	ev := &utils.ChangeEvent{
		Type:        op,
		Schema:      relation.Namespace,
		Table:       relation.RelationName,
		Columns:     make([]string, len(relation.Columns)),
		ColumnTypes: make(map[string]string, len(relation.Columns)),
		Key:         relationKey(relation),
		Position:    lsn.String(),
		Source:      string(KindPostgres),
		EmittedAt:   time.Now(),
	}
	for i, col := range relation.Columns {
		ev.Columns[i] = col.Name
		if t := DeclaredTypeName(col.DataType, col.TypeModifier); t != "" {
			ev.ColumnTypes[col.Name] = t
		}
	}

	var err error
	if oldTuple != nil {
		ev.Before, _, err = s.decodeTuple(relation, oldTuple, oldType == pglogrepl.UpdateMessageTupleTypeKey)
		if err != nil {
			return err
		}
	}
	if newTuple != nil {
		var toasted map[string]bool
		ev.After, toasted, err = s.decodeTuple(relation, newTuple, false)
		if err != nil {
			return err
		}
		if len(toasted) > 0 {
			ev.ToastedColumns = toasted
		}
	}

	return s.store.Store(ev)
}

func relationKey(rel *pglogrepl.RelationMessage) utils.ReplicationKey {
	if rel.ReplicaIdentity == 'f' || rel.ReplicaIdentity == 'n' {
		return utils.ReplicationKey{Type: utils.ReplicationKeyFull}
	}
	key := utils.ReplicationKey{Type: utils.ReplicationKeyPK}
	if rel.ReplicaIdentity == 'i' {
		key.Type = utils.ReplicationKeyUnique
	}
	for _, col := range rel.Columns {
		if col.Flags == 1 {
			key.Columns = append(key.Columns, col.Name)
		}
	}
	if len(key.Columns) == 0 {
		return utils.ReplicationKey{Type: utils.ReplicationKeyFull}
	}
	return key
}

// decodeTuple decodes a pgoutput tuple. keyOnly restricts the image to replica identity columns.
func (s *PostgresSource) decodeTuple(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData, keyOnly bool) (map[string]interface{}, map[string]bool, error) {
	img := make(map[string]interface{}, len(tuple.Columns))
	var toasted map[string]bool
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		relCol := rel.Columns[i]
		if keyOnly && relCol.Flags != 1 {
			continue
		}
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			img[relCol.Name] = nil
		case pglogrepl.TupleDataTypeToast:
			if toasted == nil {
				toasted = make(map[string]bool)
			}
			toasted[relCol.Name] = true
		case pglogrepl.TupleDataTypeText, pglogrepl.TupleDataTypeBinary:
			format := int16(pgtype.TextFormatCode)
			if col.DataType == pglogrepl.TupleDataTypeBinary {
				format = pgtype.BinaryFormatCode
			}
			val, err := s.decoder.Decode(col.Data, relCol.DataType, format)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to decode %s.%s: %w", rel.RelationName, relCol.Name, err)
			}
			img[relCol.Name] = normalizeValue(val)
		}
	}
	return img, toasted, nil
}

func (s *PostgresSource) handleCommit(ctx context.Context, out chan<- *utils.ChangeEvent, msg *pglogrepl.CommitMessage) error {
	if !s.inTx {
		s.logger.Warn().Msg("Received COMMIT without corresponding BEGIN - skipping")
		return nil
	}
	s.inTx = false

	events, err := s.store.GetAllMessages()
	if err != nil {
		return fmt.Errorf("failed to get transaction messages: %w", err)
	}
	if len(events) == 0 {
		return s.store.Clear()
	}

	consolidated := s.consolidator.Consolidate(events)
	s.logger.Debug().
		Str("commit_lsn", msg.CommitLSN.String()).
		Str("end_lsn", msg.TransactionEndLSN.String()).
		Int("original_ops", len(events)).
		Int("consolidated_ops", len(consolidated)).
		Msg("Transaction consolidation completed")

	position := msg.TransactionEndLSN.String()
	for _, ev := range consolidated {
		ev.Position = position
		ev.CommittedAt = msg.CommitTime
		if !emit(ctx, out, ev) {
			return nil
		}
	}
	return s.store.Clear()
}

func (s *PostgresSource) sendStandbyStatus(ctx context.Context) error {
	acked := pglogrepl.LSN(s.acked.Load())
	written := s.receivedAt
	if written < acked {
		written = acked
	}
	return s.replConn.SendStandbyStatusUpdate(ctx, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: written,
		WALFlushPosition: acked,
		WALApplyPosition: acked,
		ClientTime:       time.Now(),
	})
}

// Commit acknowledges the highest position among events. Positions are transaction end LSNs, so a
// restart from the acknowledged LSN does not replay the last committed transaction.
func (s *PostgresSource) Commit(_ context.Context, events []*utils.ChangeEvent) error {
	var highest pglogrepl.LSN
	for _, ev := range events {
		if ev.Position == "" {
			continue
		}
		lsn, err := pglogrepl.ParseLSN(ev.Position)
		if err != nil {
			return fmt.Errorf("invalid position %q: %w", ev.Position, err)
		}
		if lsn > highest {
			highest = lsn
		}
	}
	for {
		current := s.acked.Load()
		if uint64(highest) <= current || s.acked.CompareAndSwap(current, uint64(highest)) {
			return nil
		}
	}
}

// AckedLSN returns the last acknowledged position
func (s *PostgresSource) AckedLSN() pglogrepl.LSN {
	return pglogrepl.LSN(s.acked.Load())
}

// snapshot copies the tables inside one serializable read-only transaction. Only the last row carries the
// snapshot LSN so an interrupted snapshot is repeated from scratch.
func (s *PostgresSource) snapshot(ctx context.Context, out chan<- *utils.ChangeEvent, tables []replicator.TableRef) (pglogrepl.LSN, error) {
	tx, err := s.stdConn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: pgx.ReadOnly})
	if err != nil {
		return 0, fmt.Errorf("failed to start snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	snapshotID, lsn, err := replicator.ExportSnapshot(ctx, tx)
	if err != nil {
		return 0, err
	}
	s.logger.Info().Str("snapshotID", snapshotID).Str("snapshotLSN", lsn.String()).Msg("Starting snapshot")

	var last *utils.ChangeEvent
	for _, t := range tables {
		key, err := replicator.ReplicaIdentityKey(ctx, s.stdConn, t)
		if err != nil {
			return 0, err
		}
		rows, err := tx.Query(ctx, "SELECT * FROM "+t.Sanitize())
		if err != nil {
			return 0, fmt.Errorf("failed to read %s: %w", t, err)
		}
		fields := rows.FieldDescriptions()
		var count int64
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				rows.Close()
				return 0, err
			}
			ev := &utils.ChangeEvent{
				Type:        utils.OperationRead,
				Schema:      t.Schema,
				Table:       t.Table,
				Columns:     make([]string, len(fields)),
				ColumnTypes: make(map[string]string, len(fields)),
				After:       make(map[string]interface{}, len(fields)),
				Key:         key,
				Source:      string(KindPostgres),
			}
			for i, fd := range fields {
				ev.Columns[i] = fd.Name
				ev.After[fd.Name] = normalizeValue(values[i])
				if typ := DeclaredTypeName(fd.DataTypeOID, fd.TypeModifier); typ != "" {
					ev.ColumnTypes[fd.Name] = typ
				}
			}
			if last != nil && !emit(ctx, out, last) {
				rows.Close()
				return 0, ctx.Err()
			}
			last = ev
			count++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, fmt.Errorf("error reading %s: %w", t, err)
		}
		s.logger.Info().Str("table", t.String()).Int64("rows", count).Msg("Snapshot of table completed")
	}
	if last != nil {
		last.Position = lsn.String()
		if !emit(ctx, out, last) {
			return 0, ctx.Err()
		}
	}
	return lsn, tx.Commit(ctx)
}

// catalogTypes only answers type-name lookups, which do not mutate it
var catalogTypes = utils.NewValueDecoder()

// DeclaredTypeName returns the PostgreSQL type for a column OID and type modifier, or "" when unknown
func DeclaredTypeName(oid uint32, typmod int32) string {
	switch oid {
	case pgtype.VarcharOID:
		if typmod > 4 {
			return fmt.Sprintf("varchar(%d)", typmod-4)
		}
		return "varchar"
	case pgtype.BPCharOID:
		if typmod > 4 {
			return fmt.Sprintf("char(%d)", typmod-4)
		}
		return "text"
	case pgtype.NumericOID:
		if typmod > 4 {
			precision := ((typmod - 4) >> 16) & 0xffff
			scale := (typmod - 4) & 0xffff
			return fmt.Sprintf("numeric(%d,%d)", precision, scale)
		}
		return "numeric"
	}
	return catalogTypes.TypeName(oid)
}

func (s *PostgresSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.logger.Error().Err(err).Msg("Replication stopped")
}

// Err reports why streaming stopped
func (s *PostgresSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close waits for the stream goroutine and releases connections and the transaction store
func (s *PostgresSource) Close() error {
	s.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if err := s.replConn.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.stdConn.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
