package tests

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pgflo/pg_ingest/pkg/ingestlog"
	"github.com/pgflo/pg_ingest/pkg/metrics"
	"github.com/pgflo/pg_ingest/pkg/notify"
	notifytest "github.com/pgflo/pg_ingest/pkg/notify/tests"
	"github.com/pgflo/pg_ingest/pkg/offsets"
	"github.com/pgflo/pg_ingest/pkg/source"
	"github.com/pgflo/pg_ingest/pkg/task"
)

func ordersFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orders.ndjson")
	lines := []string{
		`{"id":1,"amount":10.5,"status":"new"}`,
		`{"id":2,"amount":7,"status":"paid"}`,
		`{"id":3,"amount":1,"status":"new"}`,
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
	return path
}

func ordersTask(path string) task.Task {
	return task.Task{
		ID:   "orders-file",
		Type: task.TypeFile,
		Source: task.SourceConfig{File: &source.FileConfig{
			Path:       path,
			Table:      "orders",
			KeyColumns: []string{"id"},
		}},
		Tables: []task.TableConfig{{
			SourceTable: "orders",
			NiFi: &notify.TableConfig{
				Enabled:        true,
				Mode:           notify.ModeImmediate,
				DWDProcessorID: "dwd-orders",
			},
		}},
	}
}

func TestFactory_FileTaskEndToEnd(t *testing.T) {
	db := NewFakeSinkDB()
	store := offsets.NewMemoryStore()
	registry := &RecordingRegistry{}
	trigger := new(notifytest.MockTrigger)
	trigger.On("TriggerProcessor", mock.Anything, "dwd-orders", mock.MatchedBy(func(p notify.LayerPayload) bool {
		s, ok := p.ChangeData.(notify.ChangeSummary)
		return ok && p.Layer == notify.LayerDWD && s.SourceTable == "orders" && s.Upserted == 3
	})).Return(nil).Once()

	factory := task.NewFactory(task.Deps{
		DB:           db,
		Offsets:      store,
		LocalOffsets: true,
		Registry:     registry,
		Metrics:      metrics.New(),
		NiFi:         trigger,
	})
	m := task.NewManager(factory)
	require.NoError(t, m.Register(ordersTask(ordersFile(t))))

	require.NoError(t, m.Execute(context.Background(), "orders-file"))

	status, _ := m.Status("orders-file")
	assert.Equal(t, task.StatusSucceeded, status)

	assert.Len(t, db.ExecsContaining(`CREATE TABLE IF NOT EXISTS "public"."ods_orders"`), 1)
	tx := db.LastTx()
	require.NotNil(t, tx)
	assert.True(t, tx.Committed)
	assert.Len(t, tx.Queries, 3)

	pos, err := store.Load(context.Background(), offsets.Key("orders-file", string(source.KindFile)))
	require.NoError(t, err)
	assert.Equal(t, "3", pos)

	regs := registry.Registered()
	require.Len(t, regs, 1)
	assert.Equal(t, "orders", regs[0].SourceTable)
	assert.Equal(t, "ods_orders", regs[0].TargetTable)
	assert.Equal(t, []string{"id"}, regs[0].KeyColumns)

	stats, err := m.Stats(context.Background(), "orders-file")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalProcessed)

	trigger.AssertExpectations(t)
}

func TestFactory_RerunResumesFromOffset(t *testing.T) {
	db := NewFakeSinkDB()
	store := offsets.NewMemoryStore()
	tk := ordersTask(ordersFile(t))
	tk.Tables = nil

	m := task.NewManager(task.NewFactory(task.Deps{DB: db, Offsets: store, LocalOffsets: true}))
	require.NoError(t, m.Register(tk))
	require.NoError(t, m.Execute(context.Background(), tk.ID))
	txs := len(db.Txs)

	require.NoError(t, m.Execute(context.Background(), tk.ID))
	assert.Len(t, db.Txs, txs, "nothing new to write")

	stats, err := m.Stats(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalRuns)
	assert.Equal(t, int64(3), stats.TotalProcessed)
}

func TestFactory_BuildRequiresDatabaseAndOffsets(t *testing.T) {
	tk := ordersTask("/tmp/orders.ndjson")
	rec := ingestlog.NewRecorder(ingestlog.NewMemoryStore(), tk.ID, tk.ID)

	_, err := task.NewFactory(task.Deps{Offsets: offsets.NewMemoryStore()}).Build(context.Background(), tk, rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sink database")

	_, err = task.NewFactory(task.Deps{DB: NewFakeSinkDB()}).Build(context.Background(), tk, rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no offset store")
}

func TestFactory_SourceFactoryError(t *testing.T) {
	tk := ordersTask("/tmp/orders.ndjson")
	rec := ingestlog.NewRecorder(ingestlog.NewMemoryStore(), tk.ID, tk.ID)
	factory := task.NewFactory(task.Deps{
		DB:      NewFakeSinkDB(),
		Offsets: offsets.NewMemoryStore(),
		SourceFactory: func(task.Task) (source.Source, error) {
			return nil, os.ErrNotExist
		},
	})

	_, err := factory.Build(context.Background(), tk, rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewSource(t *testing.T) {
	src, err := task.NewSource(ordersTask("/tmp/orders.ndjson"))
	require.NoError(t, err)
	assert.IsType(t, &source.FileSource{}, src)

	_, err = task.NewSource(task.Task{
		ID:     "f",
		Type:   task.TypeFile,
		Source: task.SourceConfig{File: &source.FileConfig{}},
	})
	require.Error(t, err)
}
