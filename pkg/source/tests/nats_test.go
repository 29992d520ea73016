package tests

import (
	"context"
	"testing"
	"time"

	"github.com/pgflo/pg_ingest/pkg/debezium"
	"github.com/pgflo/pg_ingest/pkg/natsbus"
	"github.com/pgflo/pg_ingest/pkg/source"
	"github.com/pgflo/pg_ingest/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATSSource_RequiresStreamAndSubject(t *testing.T) {
	_, err := source.NewNATSSource(source.NATSConfig{URL: "nats://localhost:4222"})
	assert.Error(t, err)
}

func TestNATSSource_ConsumeAndCommit(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping NATS integration test in short mode")
	}
	stream := "pg_ingest_src_" + time.Now().Format("150405000000")
	subject := stream + ".users"

	publisher, err := natsbus.NewNATSClient("nats://localhost:4222", stream, "publisher", stream+".>")
	if err != nil {
		t.Skip("NATS server not available, skipping test")
	}
	defer func() { _ = publisher.Close() }()

	for _, name := range []string{"ann", "bob"} {
		payload, err := debezium.Encode(&utils.ChangeEvent{
			Type:    utils.OperationInsert,
			Schema:  "public",
			Table:   "users",
			Columns: []string{"name"},
			After:   map[string]interface{}{"name": name},
		})
		require.NoError(t, err)
		require.NoError(t, publisher.PublishMessage(subject, payload))
	}

	src, err := source.NewNATSSource(source.NATSConfig{
		URL:     "nats://localhost:4222",
		Stream:  stream,
		Subject: subject,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := src.Start(ctx, "")
	require.NoError(t, err)

	events := collect(t, ch, 2)
	assert.Equal(t, "1", events[0].Position)
	assert.Equal(t, "2", events[1].Position)
	assert.Equal(t, "ann", events[0].After["name"])
	assert.Equal(t, "nats", events[0].Source)

	require.NoError(t, src.Commit(ctx, events))
	cancel()
	require.NoError(t, src.Close())
}
