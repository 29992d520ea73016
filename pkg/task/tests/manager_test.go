package tests

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pgflo/pg_ingest/pkg/cluster"
	"github.com/pgflo/pg_ingest/pkg/metadata"
	"github.com/pgflo/pg_ingest/pkg/pipeline"
	"github.com/pgflo/pg_ingest/pkg/task"
)

func waitStatus(t *testing.T, m *task.Manager, id string, want task.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := m.Status(id)
		return err == nil && s == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManager_ExecuteSucceeds(t *testing.T) {
	builder := NewFakeBuilder(func(task.Task) *FakeRunnable {
		return &FakeRunnable{Res: pipeline.Result{Processed: 7, Failed: 1}}
	})
	m := task.NewManager(builder)
	require.NoError(t, m.Register(fileTask("t1")))

	require.NoError(t, m.Execute(context.Background(), "t1"))

	status, err := m.Status("t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, status)

	stats, err := m.Stats(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalRuns)
	assert.Equal(t, int64(7), stats.TotalProcessed)
	assert.Equal(t, int64(1), stats.TotalFailed)
	assert.NotNil(t, stats.LastExecuteTime)

	logs, err := m.Logs(context.Background(), "t1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, metadata.LogFinished, logs[0].Status)
	assert.Equal(t, int64(7), logs[0].SuccessCount)
	assert.Contains(t, logs[0].ExecuteLog, "task t1 started")
}

func TestManager_ExecuteFails(t *testing.T) {
	builder := NewFakeBuilder(func(task.Task) *FakeRunnable {
		return &FakeRunnable{Err: errors.New("sink unavailable")}
	})
	m := task.NewManager(builder)
	require.NoError(t, m.Register(fileTask("t1")))

	err := m.Execute(context.Background(), "t1")
	require.Error(t, err)

	status, _ := m.Status("t1")
	assert.Equal(t, task.StatusFailed, status)

	stats, err := m.Stats(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "sink unavailable", stats.LastError)

	logs, err := m.Logs(context.Background(), "t1", 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "sink unavailable", logs[0].ErrorMessage)
}

func TestManager_BuildFailure(t *testing.T) {
	builder := NewFakeBuilder(nil)
	builder.BuildErr = errors.New("no sink database configured")
	m := task.NewManager(builder)
	require.NoError(t, m.Register(fileTask("t1")))

	err := m.Execute(context.Background(), "t1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to build task")

	status, _ := m.Status("t1")
	assert.Equal(t, task.StatusFailed, status)
}

func TestManager_UnknownTask(t *testing.T) {
	m := task.NewManager(NewFakeBuilder(nil))

	assert.ErrorIs(t, m.Execute(context.Background(), "nope"), task.ErrTaskNotFound)
	assert.ErrorIs(t, m.Start(context.Background(), "nope"), task.ErrTaskNotFound)
	assert.ErrorIs(t, m.Stop(context.Background(), "nope"), task.ErrTaskNotFound)
	_, err := m.Status("nope")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	_, err = m.Logs(context.Background(), "nope", 5)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestManager_StopRunningTask(t *testing.T) {
	builder := NewFakeBuilder(func(task.Task) *FakeRunnable {
		return &FakeRunnable{Block: true}
	})
	m := task.NewManager(builder)
	require.NoError(t, m.Register(fileTask("t1")))

	require.NoError(t, m.Start(context.Background(), "t1"))
	<-builder.Started()
	waitStatus(t, m, "t1", task.StatusRunning)

	assert.ErrorIs(t, m.Start(context.Background(), "t1"), task.ErrTaskRunning)
	assert.ErrorIs(t, m.Register(fileTask("t1")), task.ErrTaskRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx, "t1"))

	status, _ := m.Status("t1")
	assert.Equal(t, task.StatusStopped, status)

	stats, err := m.Stats(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, stats.LastError, "a stop is not a failure")

	require.NoError(t, m.Stop(ctx, "t1"), "stopping an idle task is a no-op")
}

func TestManager_StartOutlivesCallerContext(t *testing.T) {
	builder := NewFakeBuilder(func(task.Task) *FakeRunnable {
		return &FakeRunnable{Block: true}
	})
	m := task.NewManager(builder)
	require.NoError(t, m.Register(fileTask("t1")))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx, "t1"))
	<-builder.Started()
	cancel()

	time.Sleep(50 * time.Millisecond)
	status, _ := m.Status("t1")
	assert.Equal(t, task.StatusRunning, status)

	require.NoError(t, m.StopAll(context.Background()))
	status, _ = m.Status("t1")
	assert.Equal(t, task.StatusStopped, status)
}

type finished struct {
	id     string
	status task.Status
	err    error
}

func TestManager_OnFinishReportsEveryRunEnd(t *testing.T) {
	var fail bool
	builder := NewFakeBuilder(func(task.Task) *FakeRunnable {
		if fail {
			return &FakeRunnable{Err: errors.New("retries exhausted")}
		}
		return &FakeRunnable{Block: true}
	})
	m := task.NewManager(builder)
	require.NoError(t, m.Register(fileTask("t1")))

	ends := make(chan finished, 4)
	m.OnFinish(func(id string, status task.Status, err error) {
		ends <- finished{id: id, status: status, err: err}
	})

	require.NoError(t, m.Start(context.Background(), "t1"))
	<-builder.Started()
	waitStatus(t, m, "t1", task.StatusRunning)
	require.NoError(t, m.Stop(context.Background(), "t1"))

	end := <-ends
	assert.Equal(t, "t1", end.id)
	assert.Equal(t, task.StatusStopped, end.status)
	assert.NoError(t, end.err, "a stop is reported without the cancellation error")

	fail = true
	require.NoError(t, m.Start(context.Background(), "t1"))
	m.Wait()

	end = <-ends
	assert.Equal(t, task.StatusFailed, end.status)
	assert.EqualError(t, end.err, "retries exhausted")
}

func TestManager_FinishedRunReleasesCoordinatorTask(t *testing.T) {
	builder := NewFakeBuilder(func(task.Task) *FakeRunnable {
		return &FakeRunnable{Err: errors.New("sink unavailable")}
	})
	m := task.NewManager(builder)
	require.NoError(t, m.Register(fileTask("t1")))

	coordinator := cluster.NewLocalCoordinator("node-a:8080", m)
	m.OnFinish(func(id string, _ task.Status, err error) {
		coordinator.TaskFinished(id, err)
	})

	require.NoError(t, coordinator.StartTask(context.Background(), "t1", nil))
	m.Wait()

	require.Eventually(t, func() bool {
		info, err := coordinator.TaskInfo(context.Background(), "t1")
		return err == nil && info.Status != nil && info.Status.Status == cluster.StateError
	}, 5*time.Second, 10*time.Millisecond)

	info, err := coordinator.TaskInfo(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, info.RunningOnCurrentNode)
	assert.Contains(t, info.Status.Message, "sink unavailable")
}

func TestManager_StatsStore(t *testing.T) {
	store := new(MockStatsStore)
	store.On("SetTaskStatus", mock.Anything, "t1", int(task.StatusRunning)).Return(nil).Once()
	store.On("RecordTaskRun", mock.Anything, mock.MatchedBy(func(run metadata.TaskRun) bool {
		return run.TaskID == "t1" && run.Status == int(task.StatusSucceeded) && run.Processed == 3
	})).Return(nil).Once()
	stored := &metadata.TaskStats{TaskID: "t1", TotalRuns: 42}
	store.On("GetTaskStats", mock.Anything, "t1").Return(stored, nil).Once()

	builder := NewFakeBuilder(func(task.Task) *FakeRunnable {
		return &FakeRunnable{Res: pipeline.Result{Processed: 3}}
	})
	m := task.NewManager(builder, task.WithStatsStore(store))
	require.NoError(t, m.Register(fileTask("t1")))
	require.NoError(t, m.Execute(context.Background(), "t1"))

	stats, err := m.Stats(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), stats.TotalRuns)
	store.AssertExpectations(t)
}

func TestManager_StatsFallBackToLocalCounters(t *testing.T) {
	store := new(MockStatsStore)
	store.On("SetTaskStatus", mock.Anything, "t1", mock.Anything).Return(errors.New("db down"))
	store.On("RecordTaskRun", mock.Anything, mock.Anything).Return(errors.New("db down"))
	store.On("GetTaskStats", mock.Anything, "t1").Return(nil, nil)

	builder := NewFakeBuilder(func(task.Task) *FakeRunnable {
		return &FakeRunnable{Res: pipeline.Result{Processed: 2}}
	})
	m := task.NewManager(builder, task.WithStatsStore(store))
	require.NoError(t, m.Register(fileTask("t1")))
	require.NoError(t, m.Execute(context.Background(), "t1"), "stats errors do not fail a run")

	stats, err := m.Stats(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalRuns)
	assert.Equal(t, int64(2), stats.TotalProcessed)
}

func TestManager_StartLocalRegistersConfig(t *testing.T) {
	builder := NewFakeBuilder(func(task.Task) *FakeRunnable {
		return &FakeRunnable{}
	})
	m := task.NewManager(builder)

	cfg, err := json.Marshal(fileTask("remote"))
	require.NoError(t, err)
	require.NoError(t, m.StartLocal(context.Background(), "remote", cfg))
	m.Wait()

	tk, err := m.Task("remote")
	require.NoError(t, err)
	assert.Equal(t, task.TypeFile, tk.Type)
	assert.Equal(t, 1, builder.BuildCount("remote"))
	waitStatus(t, m, "remote", task.StatusSucceeded)

	require.NoError(t, m.StopLocal("remote"))

	err = m.StartLocal(context.Background(), "other", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carries id remote")

	assert.ErrorIs(t, m.StartLocal(context.Background(), "unknown", nil), task.ErrTaskNotFound)
}

func TestManager_TasksSorted(t *testing.T) {
	m := task.NewManager(NewFakeBuilder(nil))
	require.NoError(t, m.Register(fileTask("b")))
	require.NoError(t, m.Register(fileTask("a")))

	tasks := m.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].ID)
	assert.Equal(t, "b", tasks[1].ID)

	require.Error(t, m.Register(task.Task{ID: "bad"}))
}
