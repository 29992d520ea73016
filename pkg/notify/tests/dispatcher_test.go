package tests

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pgflo/pg_ingest/pkg/notify"
)

func summary(records int) notify.ChangeSummary {
	return notify.ChangeSummary{
		TaskID:      "orders-task",
		SourceTable: "orders",
		TargetTable: "ods.ods_orders",
		Upserted:    records,
		ProcessedAt: time.Now(),
	}
}

func layer(name string) interface{} {
	return mock.MatchedBy(func(p notify.LayerPayload) bool { return p.Layer == name })
}

type resultCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *resultCounter) observe(_ string, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[result]++
}

func (c *resultCounter) get(result string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[result]
}

func immediateTable() notify.TableConfig {
	return notify.TableConfig{
		SourceTable:    "orders",
		Enabled:        true,
		Mode:           notify.ModeImmediate,
		BusinessDomain: "sales",
		DWDProcessorID: "dwd-1",
		DWSProcessorID: "dws-1",
	}
}

func TestDispatcher_ImmediateTriggersBothLayers(t *testing.T) {
	trigger := new(MockTrigger)
	counter := &resultCounter{}
	d, err := notify.NewDispatcher(trigger, notify.NiFiConfig{}, []notify.TableConfig{immediateTable()},
		notify.WithResultObserver(counter.observe))
	require.NoError(t, err)

	trigger.On("TriggerProcessor", mock.Anything, "dwd-1", mock.MatchedBy(func(p notify.LayerPayload) bool {
		s, ok := p.ChangeData.(notify.ChangeSummary)
		return p.Layer == notify.LayerDWD && p.SourceTable == "orders" && p.TargetTable == "ods.ods_orders" &&
			p.BusinessDomain == "sales" && p.AggregationType == "" && ok && s.Upserted == 3
	})).Return(nil).Once()
	trigger.On("TriggerProcessor", mock.Anything, "dws-1", mock.MatchedBy(func(p notify.LayerPayload) bool {
		return p.Layer == notify.LayerDWS && p.AggregationType == "summary"
	})).Return(nil).Once()

	require.NoError(t, d.Notify(context.Background(), summary(3)))
	require.NoError(t, d.Close(context.Background()))

	trigger.AssertExpectations(t)
	assert.Equal(t, 2, counter.get(notify.ResultSuccess))
}

func TestDispatcher_ImmediateFailsOnlyWhenEveryTriggerFails(t *testing.T) {
	trigger := new(MockTrigger)
	d, err := notify.NewDispatcher(trigger, notify.NiFiConfig{}, []notify.TableConfig{immediateTable()})
	require.NoError(t, err)

	trigger.On("TriggerProcessor", mock.Anything, "dwd-1", layer(notify.LayerDWD)).Return(errors.New("boom")).Once()
	trigger.On("TriggerProcessor", mock.Anything, "dws-1", layer(notify.LayerDWS)).Return(nil).Once()
	assert.NoError(t, d.Notify(context.Background(), summary(1)))

	trigger.On("TriggerProcessor", mock.Anything, "dwd-1", layer(notify.LayerDWD)).Return(errors.New("boom")).Once()
	trigger.On("TriggerProcessor", mock.Anything, "dws-1", layer(notify.LayerDWS)).Return(errors.New("down")).Once()
	err = d.Notify(context.Background(), summary(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "down")

	trigger.AssertExpectations(t)
}

func TestDispatcher_DisabledAndUnknownTablesAreSkipped(t *testing.T) {
	trigger := new(MockTrigger)
	counter := &resultCounter{}
	disabled := immediateTable()
	disabled.Enabled = false
	d, err := notify.NewDispatcher(trigger, notify.NiFiConfig{}, []notify.TableConfig{disabled},
		notify.WithResultObserver(counter.observe))
	require.NoError(t, err)

	require.NoError(t, d.Notify(context.Background(), summary(1)))
	other := summary(1)
	other.SourceTable, other.TargetTable = "customers", "ods.ods_customers"
	require.NoError(t, d.Notify(context.Background(), other))

	trigger.AssertNotCalled(t, "TriggerProcessor", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 2, counter.get(notify.ResultSkipped))
}

func TestDispatcher_BatchModeReleasesAtThreshold(t *testing.T) {
	trigger := new(MockTrigger)
	table := immediateTable()
	table.Mode = notify.ModeBatch
	table.BatchThreshold = 100
	table.DWSProcessorID = ""
	d, err := notify.NewDispatcher(trigger, notify.NiFiConfig{}, []notify.TableConfig{table})
	require.NoError(t, err)

	require.NoError(t, d.Notify(context.Background(), summary(60)))
	trigger.AssertNotCalled(t, "TriggerProcessor", mock.Anything, mock.Anything, mock.Anything)

	trigger.On("TriggerProcessor", mock.Anything, "dwd-1", mock.MatchedBy(func(p notify.BatchPayload) bool {
		return p.Type == "batch" && p.BatchSize == 2 && p.BatchData[1].Upserted == 50
	})).Return(nil).Once()
	require.NoError(t, d.Notify(context.Background(), summary(50)))
	trigger.AssertExpectations(t)

	require.NoError(t, d.Close(context.Background()))
	trigger.AssertNumberOfCalls(t, "TriggerProcessor", 1)
}

func TestDispatcher_ScheduledModeQueuesUntilFlush(t *testing.T) {
	trigger := new(MockTrigger)
	table := immediateTable()
	table.Mode = notify.ModeScheduled
	table.Schedule = "0 0 3 * * *"
	table.DWSProcessorID = ""
	d, err := notify.NewDispatcher(trigger, notify.NiFiConfig{}, []notify.TableConfig{table})
	require.NoError(t, err)
	d.Start()

	require.NoError(t, d.Notify(context.Background(), summary(1)))
	require.NoError(t, d.Notify(context.Background(), summary(2)))
	trigger.AssertNotCalled(t, "TriggerProcessor", mock.Anything, mock.Anything, mock.Anything)

	trigger.On("TriggerProcessor", mock.Anything, "dwd-1", mock.MatchedBy(func(p notify.BatchPayload) bool {
		return p.BatchSize == 2
	})).Return(nil).Once()
	require.NoError(t, d.Close(context.Background()))
	trigger.AssertExpectations(t)
}

func TestDispatcher_DelayedDWDIsSentOnClose(t *testing.T) {
	trigger := new(MockTrigger)
	table := immediateTable()
	table.DelaySeconds = 3600
	table.DWSProcessorID = ""
	d, err := notify.NewDispatcher(trigger, notify.NiFiConfig{}, []notify.TableConfig{table})
	require.NoError(t, err)

	require.NoError(t, d.Notify(context.Background(), summary(1)))
	trigger.On("TriggerProcessor", mock.Anything, "dwd-1", layer(notify.LayerDWD)).Return(nil).Once()

	require.NoError(t, d.Close(context.Background()))
	trigger.AssertExpectations(t)
}

func TestDispatcher_AsyncSendsFinishBeforeClose(t *testing.T) {
	trigger := new(MockTrigger)
	d, err := notify.NewDispatcher(trigger, notify.NiFiConfig{Async: true}, []notify.TableConfig{immediateTable()})
	require.NoError(t, err)

	trigger.On("TriggerProcessor", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("ignored")).Times(2)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Notify(ctx, summary(1)))
	cancel()
	require.NoError(t, d.Close(context.Background()))
	trigger.AssertExpectations(t)
}

func TestDispatcher_BusinessDomainRouting(t *testing.T) {
	trigger := new(MockTrigger)
	table := immediateTable()
	table.DWDProcessorID, table.DWSProcessorID = "", ""
	d, err := notify.NewDispatcher(trigger, notify.NiFiConfig{
		DomainProcessors: map[string]string{"sales": "domain-sales"},
	}, []notify.TableConfig{table})
	require.NoError(t, err)

	trigger.On("TriggerProcessor", mock.Anything, "domain-sales", mock.MatchedBy(func(p notify.DomainPayload) bool {
		return p.BusinessDomain == "sales"
	})).Return(nil).Once()
	require.NoError(t, d.Notify(context.Background(), summary(1)))
	trigger.AssertExpectations(t)

	err = d.TriggerByBusinessDomain(context.Background(), "finance", nil)
	assert.ErrorIs(t, err, notify.ErrNoDomainProcessor)
}

func TestTableConfig_Validate(t *testing.T) {
	assert.NoError(t, notify.TableConfig{SourceTable: "a", Mode: notify.ModeScheduled}.Validate())
	assert.NoError(t, notify.TableConfig{SourceTable: "a", Mode: notify.ModeScheduled, Schedule: "CRON_TZ=UTC 0 2 * * *"}.Validate())
	assert.Error(t, notify.TableConfig{SourceTable: "a", Mode: notify.ModeScheduled, Schedule: "every day"}.Validate())
	assert.Error(t, notify.TableConfig{SourceTable: "a", Mode: 7}.Validate())
	assert.Error(t, notify.TableConfig{SourceTable: "a", DelaySeconds: -1}.Validate())
}

func TestNATSNotifier(t *testing.T) {
	publisher := &RecordingPublisher{}
	counter := &resultCounter{}
	n := notify.NewNATSNotifier(publisher, "pg_ingest.ready.", counter.observe)

	require.NoError(t, n.Notify(context.Background(), summary(4)))
	require.Len(t, publisher.Subjects, 1)
	assert.Equal(t, "pg_ingest.ready.ods.ods_orders", publisher.Subjects[0])

	var decoded notify.ChangeSummary
	require.NoError(t, json.Unmarshal(publisher.Payloads[0], &decoded))
	assert.Equal(t, 4, decoded.Upserted)
	assert.Equal(t, "orders-task", decoded.TaskID)

	publisher.Err = errors.New("no responders")
	multi := notify.Multi{n}
	assert.Error(t, multi.Notify(context.Background(), summary(1)))
	assert.Equal(t, 1, counter.get(notify.ResultFailure))
	assert.Equal(t, 1, counter.get(notify.ResultSuccess))
}
