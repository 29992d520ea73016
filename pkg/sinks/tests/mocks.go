// Package tests provides test utilities for the sinks package
package tests

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"
)

// MockPublisher is a mock implementation of sinks.ChangePublisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishChange(subject string, data []byte, keyColumns []string) error {
	args := m.Called(subject, data, keyColumns)
	return args.Error(0)
}

func (m *MockPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

// FakeTxDB hands out FakeTx transactions and remembers them
type FakeTxDB struct {
	mu       sync.Mutex
	Txs      []*FakeTx
	BeginErr error
	// FailAt makes the n-th queued statement of the next batch fail (1-based, 0 disables)
	FailAt  int
	FailErr error
}

func (db *FakeTxDB) Begin(_ context.Context) (pgx.Tx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.BeginErr != nil {
		return nil, db.BeginErr
	}
	tx := &FakeTx{failAt: db.FailAt, failErr: db.FailErr}
	db.Txs = append(db.Txs, tx)
	return tx, nil
}

// LastTx returns the most recent transaction
func (db *FakeTxDB) LastTx() *FakeTx {
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.Txs) == 0 {
		return nil
	}
	return db.Txs[len(db.Txs)-1]
}

// FakeTx records batches; methods not overridden panic through the nil embedded interface
type FakeTx struct {
	pgx.Tx
	Queries    []*pgx.QueuedQuery
	Committed  bool
	RolledBack bool
	failAt     int
	failErr    error
}

func (tx *FakeTx) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	tx.Queries = append(tx.Queries, b.QueuedQueries...)
	return &fakeBatchResults{failAt: tx.failAt, failErr: tx.failErr}
}

func (tx *FakeTx) Commit(_ context.Context) error {
	tx.Committed = true
	return nil
}

func (tx *FakeTx) Rollback(_ context.Context) error {
	if !tx.Committed {
		tx.RolledBack = true
	}
	return nil
}

type fakeBatchResults struct {
	pgx.BatchResults
	n       int
	failAt  int
	failErr error
}

func (br *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	br.n++
	if br.failAt > 0 && br.n == br.failAt {
		if br.failErr == nil {
			return pgconn.CommandTag{}, errors.New("statement failed")
		}
		return pgconn.CommandTag{}, br.failErr
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (br *fakeBatchResults) Close() error { return nil }
