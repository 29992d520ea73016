// Package source implements the change-event sources an ingestion task reads from.
package source

import (
	"context"
	"database/sql/driver"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

// Kind names a source implementation
type Kind string

const (
	KindPostgres Kind = "postgres"
	KindKafka    Kind = "kafka"
	KindNATS     Kind = "nats"
	KindFile     Kind = "file"
	KindAPI      Kind = "api"
)

const eventBufferSize = 1024

// Source produces change events. Events are delivered on the channel returned by Start, which is
// closed when the source is exhausted, fails or ctx is cancelled. Commit acknowledges events that
// reached the sink so the source does not deliver them again.
type Source interface {
	Start(ctx context.Context, from string) (<-chan *utils.ChangeEvent, error)
	Commit(ctx context.Context, events []*utils.ChangeEvent) error
	// Err reports why the event channel was closed, nil for a clean end
	Err() error
	Close() error
}

func emit(ctx context.Context, ch chan<- *utils.ChangeEvent, ev *utils.ChangeEvent) bool {
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now()
	}
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// normalizeValue turns driver-specific values into types the sink and the JSON codecs handle
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil, string, bool, int16, int32, int64, float32, float64, []byte, time.Time:
		return v
	case [16]byte:
		return uuid.UUID(val).String()
	case netip.Prefix:
		return val.String()
	case netip.Addr:
		return val.String()
	case driver.Valuer:
		out, err := val.Value()
		if err != nil {
			return fmt.Sprint(v)
		}
		return out
	case fmt.Stringer:
		return val.String()
	default:
		return v
	}
}
