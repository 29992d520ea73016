package sinks

import (
	"context"
	"fmt"

	"github.com/pgflo/pg_ingest/pkg/debezium"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

// ChangePublisher is the part of natsbus.NATSClient the mirror sink needs
type ChangePublisher interface {
	PublishChange(subject string, data []byte, keyColumns []string) error
	Close() error
}

// NATSSink republishes change events as Debezium envelopes on {prefix}.{schema}.{table}, where a
// NATS source of another task can pick them up.
type NATSSink struct {
	publisher ChangePublisher
	prefix    string
	logger    utils.Logger
}

func NewNATSSink(publisher ChangePublisher, subjectPrefix string) *NATSSink {
	return &NATSSink{
		publisher: publisher,
		prefix:    subjectPrefix,
		logger:    utils.NewComponentLogger("sink.nats"),
	}
}

// Subject returns the subject an event is published on
func (s *NATSSink) Subject(ev *utils.ChangeEvent) string {
	schemaName := ev.Schema
	if schemaName == "" {
		schemaName = "public"
	}
	return fmt.Sprintf("%s.%s.%s", s.prefix, schemaName, ev.Table)
}

func (s *NATSSink) WriteBatch(ctx context.Context, events []*utils.ChangeEvent) error {
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := debezium.Encode(ev)
		if err != nil {
			return &WriteError{Table: ev.QualifiedTable(), Op: string(ev.Type), Err: err}
		}
		if err := s.publisher.PublishChange(s.Subject(ev), data, ev.KeyColumns()); err != nil {
			return &WriteError{Table: ev.QualifiedTable(), Op: string(ev.Type), Err: err}
		}
	}
	s.logger.Debug().Int("events", len(events)).Msg("Mirrored batch to NATS")
	return nil
}

func (s *NATSSink) Close() error {
	return s.publisher.Close()
}
