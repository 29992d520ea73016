package replicator

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OutputPlugin is the logical decoding plugin used for every slot
const OutputPlugin = "pgoutput"

// PostgresReplicationConnection is a walsender connection driven through pglogrepl
type PostgresReplicationConnection struct {
	Config Config
	Conn   *pgconn.PgConn
}

// NewReplicationConnection creates a new replication connection
func NewReplicationConnection(config Config) ReplicationConnection {
	return &PostgresReplicationConnection{Config: config}
}

// Connect opens the walsender connection
func (rc *PostgresReplicationConnection) Connect(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, rc.Config.ReplicationConnectionString())
	if err != nil {
		return &ReplicationError{Op: "connect", Err: err}
	}
	rc.Conn = conn
	return nil
}

// Close closes the connection
func (rc *PostgresReplicationConnection) Close(ctx context.Context) error {
	if rc.Conn == nil {
		return nil
	}
	err := rc.Conn.Close(ctx)
	rc.Conn = nil
	return err
}

// IdentifySystem returns the server's current WAL position
func (rc *PostgresReplicationConnection) IdentifySystem(ctx context.Context) (pglogrepl.IdentifySystemResult, error) {
	if rc.Conn == nil {
		return pglogrepl.IdentifySystemResult{}, ErrNotConnected
	}
	return pglogrepl.IdentifySystem(ctx, rc.Conn)
}

// CreateReplicationSlot creates a permanent pgoutput slot
func (rc *PostgresReplicationConnection) CreateReplicationSlot(ctx context.Context, slotName string) (pglogrepl.CreateReplicationSlotResult, error) {
	if rc.Conn == nil {
		return pglogrepl.CreateReplicationSlotResult{}, ErrNotConnected
	}
	result, err := pglogrepl.CreateReplicationSlot(ctx, rc.Conn, slotName, OutputPlugin,
		pglogrepl.CreateReplicationSlotOptions{Temporary: false})
	if err != nil {
		return result, &ReplicationError{Op: "create slot", Err: err}
	}
	return result, nil
}

// StartReplication starts streaming from startLSN
func (rc *PostgresReplicationConnection) StartReplication(ctx context.Context, slotName string, startLSN pglogrepl.LSN, options pglogrepl.StartReplicationOptions) error {
	if rc.Conn == nil {
		return ErrNotConnected
	}
	if err := pglogrepl.StartReplication(ctx, rc.Conn, slotName, startLSN, options); err != nil {
		return &ReplicationError{Op: "start replication", Err: err}
	}
	return nil
}

// ReceiveMessage waits for the next backend message
func (rc *PostgresReplicationConnection) ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error) {
	if rc.Conn == nil {
		return nil, ErrNotConnected
	}
	return rc.Conn.ReceiveMessage(ctx)
}

// SendStandbyStatusUpdate reports the written, flushed and applied positions
func (rc *PostgresReplicationConnection) SendStandbyStatusUpdate(ctx context.Context, status pglogrepl.StandbyStatusUpdate) error {
	if rc.Conn == nil {
		return ErrNotConnected
	}
	return pglogrepl.SendStandbyStatusUpdate(ctx, rc.Conn, status)
}

// StandardConnectionImpl is a pooled connection for catalog queries and snapshots
type StandardConnectionImpl struct {
	pool *pgxpool.Pool
	cfg  *pgxpool.Config
}

// NewStandardConnection parses the config; the pool is opened by Connect
func NewStandardConnection(config Config) (*StandardConnectionImpl, error) {
	cfg, err := pgxpool.ParseConfig(config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection config: %w", err)
	}
	return &StandardConnectionImpl{cfg: cfg}, nil
}

// Connect opens the pool and checks it
func (s *StandardConnectionImpl) Connect(ctx context.Context) error {
	pool, err := pgxpool.NewWithConfig(ctx, s.cfg)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	s.pool = pool
	return nil
}

// Close closes the pool
func (s *StandardConnectionImpl) Close(_ context.Context) error {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

func (s *StandardConnectionImpl) Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error) {
	if s.pool == nil {
		return pgconn.CommandTag{}, ErrNotConnected
	}
	return s.pool.Exec(ctx, sql, arguments...)
}

func (s *StandardConnectionImpl) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	if s.pool == nil {
		return nil, ErrNotConnected
	}
	return s.pool.Query(ctx, sql, args...)
}

func (s *StandardConnectionImpl) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return s.pool.QueryRow(ctx, sql, args...)
}

func (s *StandardConnectionImpl) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	if s.pool == nil {
		return nil, ErrNotConnected
	}
	return s.pool.BeginTx(ctx, txOptions)
}

var nonIdent = regexp.MustCompile(`[^a-z0-9_]+`)

func identPart(group string) string {
	return strings.Trim(nonIdent.ReplaceAllString(strings.ToLower(group), "_"), "_")
}

// GeneratePublicationName returns the publication owned by a replication group
func GeneratePublicationName(group string) string {
	return fmt.Sprintf("pg_ingest_%s_publication", identPart(group))
}

// GenerateSlotName returns the replication slot owned by a replication group. Slot names are
// limited to 63 characters.
func GenerateSlotName(group string) string {
	name := "pg_ingest_" + identPart(group)
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}
