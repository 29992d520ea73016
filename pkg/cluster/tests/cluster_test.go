package tests

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pgflo/pg_ingest/pkg/cluster"
)

var taskConfig = json.RawMessage(`{"id":"orders","type":"CDC"}`)

var (
	_ cluster.Coordinator = (*cluster.LocalCoordinator)(nil)
	_ cluster.Coordinator = (*cluster.RedisCoordinator)(nil)
)

func TestHeartbeat_Alive(t *testing.T) {
	now := time.Now()
	hb := cluster.Heartbeat{Timestamp: now.Add(-59 * time.Second).UnixMilli()}
	assert.True(t, hb.Alive(now, time.Minute))
	hb.Timestamp = now.Add(-61 * time.Second).UnixMilli()
	assert.False(t, hb.Alive(now, time.Minute))
}

func TestDefaultNodeID(t *testing.T) {
	assert.Regexp(t, `:8080$`, cluster.DefaultNodeID(8080))
}

func TestLocalCoordinator_StartStop(t *testing.T) {
	ctx := context.Background()
	runner := new(MockRunner)
	c := cluster.NewLocalCoordinator("node-a:8080", runner)

	runner.On("StartLocal", mock.Anything, "orders", taskConfig).Return(nil).Once()
	require.NoError(t, c.StartTask(ctx, "orders", taskConfig))

	info, err := c.TaskInfo(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, info.RunningOnCurrentNode)
	assert.Equal(t, "node-a:8080", info.AssignedNode)
	assert.Equal(t, cluster.StateRunning, info.Status.Status)
	assert.JSONEq(t, string(taskConfig), string(info.Config))

	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, 1, nodes[0].LocalTaskCount)

	runner.On("StopLocal", "orders").Return(nil).Once()
	require.NoError(t, c.StopTask(ctx, "orders"))

	tasks, err := c.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.False(t, tasks[0].RunningOnCurrentNode)
	assert.Equal(t, cluster.StateStopped, tasks[0].Status.Status)
	runner.AssertExpectations(t)
}

func TestLocalCoordinator_StartFailureRecordsError(t *testing.T) {
	runner := new(MockRunner)
	c := cluster.NewLocalCoordinator("node-a:8080", runner)
	runner.On("StartLocal", mock.Anything, "orders", taskConfig).Return(errors.New("bad source")).Once()

	require.Error(t, c.StartTask(context.Background(), "orders", taskConfig))
	info, err := c.TaskInfo(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, cluster.StateError, info.Status.Status)
	assert.Contains(t, info.Status.Message, "bad source")
}

func TestLocalCoordinator_TaskFinished(t *testing.T) {
	ctx := context.Background()
	runner := new(MockRunner)
	c := cluster.NewLocalCoordinator("node-a:8080", runner)

	runner.On("StartLocal", mock.Anything, "orders", taskConfig).Return(nil).Twice()
	require.NoError(t, c.StartTask(ctx, "orders", taskConfig))
	c.TaskFinished("orders", nil)

	info, err := c.TaskInfo(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, info.RunningOnCurrentNode)
	assert.Equal(t, cluster.StateStopped, info.Status.Status)

	require.NoError(t, c.StartTask(ctx, "orders", taskConfig))
	c.TaskFinished("orders", errors.New("retries exhausted"))
	info, err = c.TaskInfo(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, cluster.StateError, info.Status.Status)
	assert.Contains(t, info.Status.Message, "retries exhausted")

	c.TaskFinished("unknown", nil)
	_, err = c.TaskInfo(ctx, "unknown")
	require.NoError(t, err)

	// finished tasks are not stopped again on shutdown
	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, c.Run(runCtx))
	runner.AssertExpectations(t)
	runner.AssertNotCalled(t, "StopLocal", "orders")
}

func TestLocalCoordinator_StatisticsAndRun(t *testing.T) {
	runner := new(MockRunner)
	c := cluster.NewLocalCoordinator("node-a:8080", runner)
	ctx := context.Background()

	require.NoError(t, c.RecordStatistics(ctx, "orders", 10, 0))
	require.NoError(t, c.RecordStatistics(ctx, "orders", 5, 2))
	stats, err := c.Statistics(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(15), stats.ProcessedCount)
	assert.Equal(t, int64(2), stats.ErrorCount)
	assert.Equal(t, "node-a:8080", stats.LastProcessNode)

	runner.On("StartLocal", mock.Anything, "orders", taskConfig).Return(nil).Once()
	runner.On("StopLocal", "orders").Return(nil).Once()
	require.NoError(t, c.StartTask(ctx, "orders", taskConfig))

	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, c.Run(runCtx))
	runner.AssertExpectations(t)
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping Redis integration test in short mode")
	}
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}
	require.NoError(t, client.FlushDB(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisCoordinator_LockingAndTakeover(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	timings := cluster.Timings{
		LockTTL:           time.Second,
		HeartbeatInterval: 100 * time.Millisecond,
		HeartbeatTTL:      time.Second,
		MonitorDelay:      time.Hour,
		MonitorInterval:   time.Hour,
		NodeDeadAfter:     time.Second,
	}

	runnerA := new(MockRunner)
	runnerB := new(MockRunner)
	nodeA := cluster.NewRedisCoordinator(client, "node-a:8080", runnerA, cluster.WithTimings(timings))
	nodeB := cluster.NewRedisCoordinator(client, "node-b:8080", runnerB, cluster.WithTimings(timings))

	runnerA.On("StartLocal", mock.Anything, "orders", mock.Anything).Return(nil).Once()
	require.NoError(t, nodeA.StartTask(ctx, "orders", taskConfig))
	assert.ErrorIs(t, nodeB.StartTask(ctx, "orders", taskConfig), cluster.ErrLockNotAcquired)

	info, err := nodeB.TaskInfo(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "node-a:8080", info.AssignedNode)
	assert.False(t, info.RunningOnCurrentNode)
	assert.Equal(t, cluster.StateRunning, info.Status.Status)

	require.NoError(t, nodeA.RecordStatistics(ctx, "orders", 3, 1))
	require.NoError(t, nodeB.RecordStatistics(ctx, "orders", 2, 0))
	stats, err := nodeA.Statistics(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.ProcessedCount)
	assert.Equal(t, int64(1), stats.ErrorCount)
	assert.Equal(t, "node-b:8080", stats.LastProcessNode)

	// node A never sent a heartbeat and its lock expires
	time.Sleep(1200 * time.Millisecond)
	runnerB.On("StartLocal", mock.Anything, "orders", mock.Anything).Return(nil).Once()
	nodeB.RecoverOrphans(ctx)

	info, err = nodeB.TaskInfo(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "node-b:8080", info.AssignedNode)
	assert.True(t, info.RunningOnCurrentNode)

	runnerB.On("StopLocal", "orders").Return(nil).Once()
	require.NoError(t, nodeB.StopTask(ctx, "orders"))
	exists, err := client.Exists(ctx, cluster.TaskLockPrefix+"orders").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	runnerA.AssertExpectations(t)
	runnerB.AssertExpectations(t)
}

func TestRedisCoordinator_HeartbeatAndShutdown(t *testing.T) {
	client := redisClient(t)
	timings := cluster.DefaultTimings
	timings.HeartbeatInterval = 50 * time.Millisecond
	runner := new(MockRunner)
	node := cluster.NewRedisCoordinator(client, "node-a:8080", runner, cluster.WithTimings(timings))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- node.Run(ctx) }()

	require.Eventually(t, func() bool {
		nodes, err := node.Nodes(context.Background())
		return err == nil && len(nodes) == 1 && nodes[0].NodeID == "node-a:8080"
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	nodes, err := node.Nodes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func fastTimings() cluster.Timings {
	return cluster.Timings{
		LockTTL:           time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTTL:      time.Second,
		MonitorDelay:      time.Hour,
		MonitorInterval:   time.Hour,
		NodeDeadAfter:     time.Second,
	}
}

func TestRedisCoordinator_TaskFinishedReleasesLock(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	runnerA := new(MockRunner)
	runnerB := new(MockRunner)
	nodeA := cluster.NewRedisCoordinator(client, "node-a:8080", runnerA, cluster.WithTimings(fastTimings()))
	nodeB := cluster.NewRedisCoordinator(client, "node-b:8080", runnerB, cluster.WithTimings(fastTimings()))

	runnerA.On("StartLocal", mock.Anything, "orders", mock.Anything).Return(nil).Once()
	require.NoError(t, nodeA.StartTask(ctx, "orders", taskConfig))

	nodeA.TaskFinished("orders", errors.New("retries exhausted"))

	info, err := nodeB.TaskInfo(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, info.AssignedNode)
	assert.Equal(t, cluster.StateError, info.Status.Status)
	assert.Contains(t, info.Status.Message, "retries exhausted")

	exists, err := client.Exists(ctx, cluster.TaskLockPrefix+"orders").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	// unassigned tasks are not orphans
	nodeB.RecoverOrphans(ctx)
	runnerB.AssertNotCalled(t, "StartLocal", mock.Anything, "orders", mock.Anything)

	// the lock is free for an explicit restart
	runnerB.On("StartLocal", mock.Anything, "orders", mock.Anything).Return(nil).Once()
	require.NoError(t, nodeB.StartTask(ctx, "orders", taskConfig))
	runnerA.AssertExpectations(t)
	runnerB.AssertExpectations(t)
}

func TestRedisCoordinator_LostLockStopsLocalRun(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	runner := new(MockRunner)
	node := cluster.NewRedisCoordinator(client, "node-a:8080", runner, cluster.WithTimings(fastTimings()))

	runner.On("StartLocal", mock.Anything, "orders", mock.Anything).Return(nil).Once()
	require.NoError(t, node.StartTask(ctx, "orders", taskConfig))

	// another node took the task over
	require.NoError(t, client.Set(ctx, cluster.TaskLockPrefix+"orders", "node-b:8080|1", time.Minute).Err())
	require.NoError(t, client.Set(ctx, cluster.TaskAssignmentPrefix+"orders", "node-b:8080", 0).Err())

	stopped := make(chan struct{})
	runner.On("StopLocal", "orders").Return(nil).Once().Run(func(mock.Arguments) { close(stopped) })

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- node.Run(runCtx) }()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("local run was not stopped after losing its lock")
	}
	cancel()
	require.NoError(t, <-done)

	owner, err := client.Get(ctx, cluster.TaskLockPrefix+"orders").Result()
	require.NoError(t, err)
	assert.Equal(t, "node-b:8080|1", owner)
	assignee, err := client.Get(ctx, cluster.TaskAssignmentPrefix+"orders").Result()
	require.NoError(t, err)
	assert.Equal(t, "node-b:8080", assignee)

	info, err := node.TaskInfo(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, info.RunningOnCurrentNode)
	runner.AssertExpectations(t)
}
