package sinks

import (
	"context"
	"errors"

	"github.com/pgflo/pg_ingest/pkg/schema"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

// MirroredSink writes every batch to the PostgreSQL sink first and then to a mirror. The offset
// checkpoint goes with the primary write, so a failed mirror write is repeated together with an
// idempotent rewrite of the primary.
type MirroredSink struct {
	primary *PostgresSink
	mirror  Sink
}

func NewMirroredSink(primary *PostgresSink, mirror Sink) *MirroredSink {
	return &MirroredSink{primary: primary, mirror: mirror}
}

// TargetTable returns the primary's ODS table for a source table
func (s *MirroredSink) TargetTable(sourceTable string) schema.TableName {
	return s.primary.TargetTable(sourceTable)
}

func (s *MirroredSink) WriteBatch(ctx context.Context, events []*utils.ChangeEvent) error {
	if err := s.primary.WriteBatch(ctx, events); err != nil {
		return err
	}
	return s.mirror.WriteBatch(ctx, events)
}

func (s *MirroredSink) WriteBatchWithCheckpoint(ctx context.Context, events []*utils.ChangeEvent, cp Checkpoint) error {
	if err := s.primary.WriteBatchWithCheckpoint(ctx, events, cp); err != nil {
		return err
	}
	return s.mirror.WriteBatch(ctx, events)
}

func (s *MirroredSink) Close() error {
	return errors.Join(s.primary.Close(), s.mirror.Close())
}
