package replicator

import (
	"context"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

// ReplicationConnection speaks the streaming replication protocol and carries pgoutput messages
type ReplicationConnection interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	IdentifySystem(ctx context.Context) (pglogrepl.IdentifySystemResult, error)
	CreateReplicationSlot(ctx context.Context, slotName string) (pglogrepl.CreateReplicationSlotResult, error)
	StartReplication(ctx context.Context, slotName string, startLSN pglogrepl.LSN, options pglogrepl.StartReplicationOptions) error
	ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error)
	SendStandbyStatusUpdate(ctx context.Context, status pglogrepl.StandbyStatusUpdate) error
}

// Querier runs catalog statements. Pools, connections and pgx.Tx all satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StandardConnection is the regular connection of a CDC source: catalog lookups,
// publication management and the snapshot transaction of the initial copy
type StandardConnection interface {
	Querier
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}
