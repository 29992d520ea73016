package replicator

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a connection is used before Connect
	ErrNotConnected = errors.New("connection not established")
	// ErrNoTables is returned when a publication would cover no table
	ErrNoTables = errors.New("no tables found to replicate")
)

// ReplicationError wraps a failure of a replication protocol step
type ReplicationError struct {
	Op  string
	Err error
}

func (e *ReplicationError) Error() string {
	return fmt.Sprintf("replication %s failed: %v", e.Op, e.Err)
}

func (e *ReplicationError) Unwrap() error { return e.Err }
