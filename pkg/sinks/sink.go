// Package sinks writes change events into ODS tables.
package sinks

import (
	"context"

	"github.com/pgflo/pg_ingest/pkg/utils"
)

// Sink defines the interface for change event destinations
type Sink interface {
	WriteBatch(ctx context.Context, events []*utils.ChangeEvent) error
	Close() error
}

// CheckpointSink writes a batch and the source offset atomically
type CheckpointSink interface {
	Sink
	WriteBatchWithCheckpoint(ctx context.Context, events []*utils.ChangeEvent, cp Checkpoint) error
}
