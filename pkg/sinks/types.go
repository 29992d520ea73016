package sinks

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Checkpoint is the offset stored together with a batch
type Checkpoint struct {
	Key      string `json:"key"`
	Position string `json:"position"`
}

// WriteError wraps a failed statement with the table and operation it belonged to
type WriteError struct {
	Table string
	Op    string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s to %s: %v", e.Op, e.Table, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a sink error is worth another attempt.
// Connection, serialization, resource and shutdown failures are; data and schema errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return true
	}
	if len(pgErr.Code) < 2 {
		return true
	}
	switch pgErr.Code[:2] {
	case "08", "40", "53", "57", "58":
		return true
	default:
		return false
	}
}
