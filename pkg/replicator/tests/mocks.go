// Package tests provides test utilities for the replicator package
package tests

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pgflo/pg_ingest/pkg/replicator"
	"github.com/stretchr/testify/mock"
)

var (
	_ replicator.ReplicationConnection = (*MockReplicationConnection)(nil)
	_ replicator.StandardConnection    = (*MockStandardConnection)(nil)
)

//nolint:revive // Test mock doesn't need comments
type MockReplicationConnection struct {
	mock.Mock
}

//nolint:revive // Test mock methods don't need comments
func (m *MockReplicationConnection) Connect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

//nolint:revive // Test mock methods don't need comments
func (m *MockReplicationConnection) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

//nolint:revive // Test mock methods don't need comments
func (m *MockReplicationConnection) IdentifySystem(ctx context.Context) (pglogrepl.IdentifySystemResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(pglogrepl.IdentifySystemResult), args.Error(1)
}

//nolint:revive // Test mock methods don't need comments
func (m *MockReplicationConnection) CreateReplicationSlot(ctx context.Context, slotName string) (pglogrepl.CreateReplicationSlotResult, error) {
	args := m.Called(ctx, slotName)
	return args.Get(0).(pglogrepl.CreateReplicationSlotResult), args.Error(1)
}

//nolint:revive // Test mock methods don't need comments
func (m *MockReplicationConnection) StartReplication(ctx context.Context, slotName string, startLSN pglogrepl.LSN, options pglogrepl.StartReplicationOptions) error {
	args := m.Called(ctx, slotName, startLSN, options)
	return args.Error(0)
}

//nolint:revive // Test mock methods don't need comments
func (m *MockReplicationConnection) ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error) {
	args := m.Called(ctx)
	msg, _ := args.Get(0).(pgproto3.BackendMessage)
	return msg, args.Error(1)
}

//nolint:revive // Test mock methods don't need comments
func (m *MockReplicationConnection) SendStandbyStatusUpdate(ctx context.Context, status pglogrepl.StandbyStatusUpdate) error {
	args := m.Called(ctx, status)
	return args.Error(0)
}

//nolint:revive // Test mock doesn't need comments
type MockStandardConnection struct {
	mock.Mock
}

//nolint:revive // Test mock methods don't need comments
func (m *MockStandardConnection) Connect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

//nolint:revive // Test mock methods don't need comments
func (m *MockStandardConnection) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

//nolint:revive // Test mock methods don't need comments
func (m *MockStandardConnection) Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

//nolint:revive // Test mock methods don't need comments
func (m *MockStandardConnection) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	ret := m.Called(ctx, sql, args)
	rows, _ := ret.Get(0).(pgx.Rows)
	return rows, ret.Error(1)
}

//nolint:revive // Test mock methods don't need comments
func (m *MockStandardConnection) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	ret := m.Called(ctx, sql, args)
	return ret.Get(0).(pgx.Row)
}

//nolint:revive // Test mock methods don't need comments
func (m *MockStandardConnection) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	args := m.Called(ctx, txOptions)
	tx, _ := args.Get(0).(pgx.Tx)
	return tx, args.Error(1)
}

// MockRow answers Scan with fixed values
type MockRow struct {
	Values []any
	Err    error
}

//nolint:revive // Test mock methods don't need comments
func (r *MockRow) Scan(dest ...any) error {
	if r.Err != nil {
		return r.Err
	}
	if len(dest) != len(r.Values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(r.Values))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.Values[i].(string)
		case *bool:
			*p = r.Values[i].(bool)
		case *int64:
			*p = r.Values[i].(int64)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}
