package tests

import (
	"context"
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pgflo/pg_ingest/pkg/sinks"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

func TestMirroredSink_WritesPrimaryThenMirror(t *testing.T) {
	primary, db, _ := newSink(t)
	publisher := new(MockPublisher)
	sink := sinks.NewMirroredSink(primary, sinks.NewNATSSink(publisher, "mirror"))

	publisher.On("PublishChange", "mirror.public.users", mock.Anything, []string{"id"}).Return(nil).Once()

	ev := userEvent(utils.OperationInsert, nil, map[string]interface{}{"id": json.Number("7")})
	err := sink.WriteBatchWithCheckpoint(context.Background(), []*utils.ChangeEvent{ev},
		sinks.Checkpoint{Key: "task-1/nats", Position: "12"})
	require.NoError(t, err)

	require.NotNil(t, db.LastTx())
	assert.True(t, db.LastTx().Committed)
	assert.Equal(t, "ods_users", sink.TargetTable("users").Name)
	publisher.AssertExpectations(t)
}

func TestMirroredSink_MirrorFailureIsReturned(t *testing.T) {
	primary, _, _ := newSink(t)
	publisher := new(MockPublisher)
	sink := sinks.NewMirroredSink(primary, sinks.NewNATSSink(publisher, "mirror"))

	publisher.On("PublishChange", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("nats: timeout")).Once()

	ev := userEvent(utils.OperationInsert, nil, map[string]interface{}{"id": json.Number("7")})
	err := sink.WriteBatch(context.Background(), []*utils.ChangeEvent{ev})
	require.Error(t, err)
	assert.True(t, sinks.IsRetryable(err))

	publisher.On("Close").Return(nil).Once()
	assert.NoError(t, sink.Close())
}
