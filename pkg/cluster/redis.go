package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/pgflo/pg_ingest/pkg/utils"
)

// Redis key layout
const (
	KeyPrefix            = "pgingest:"
	TaskConfigPrefix     = KeyPrefix + "task:config:"
	TaskStatusPrefix     = KeyPrefix + "task:status:"
	TaskAssignmentPrefix = KeyPrefix + "task:assignment:"
	NodeHeartbeatPrefix  = KeyPrefix + "node:heartbeat:"
	ClusterTasksSet      = KeyPrefix + "cluster:tasks"
	TaskLockPrefix       = KeyPrefix + "lock:task:"
	StatisticsPrefix     = KeyPrefix + "statistics:"
)

// Timings of the Redis coordinator
type Timings struct {
	LockTTL           time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	MonitorDelay      time.Duration
	MonitorInterval   time.Duration
	NodeDeadAfter     time.Duration
}

var DefaultTimings = Timings{
	LockTTL:           30 * time.Second,
	HeartbeatInterval: 10 * time.Second,
	HeartbeatTTL:      30 * time.Second,
	MonitorDelay:      30 * time.Second,
	MonitorInterval:   60 * time.Second,
	NodeDeadAfter:     60 * time.Second,
}

// Lock values are "<node>|<acquired ms>"; the scripts compare the node part
var (
	renewLockScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. "|" then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseLockScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. "|" then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisCoordinator coordinates tasks through Redis. Only the node holding a task's lock runs it.
type RedisCoordinator struct {
	client  redis.UniversalClient
	nodeID  string
	runner  Runner
	timings Timings
	logger  utils.Logger

	mu    sync.Mutex
	local map[string]struct{}
}

// RedisOption configures a RedisCoordinator
type RedisOption func(*RedisCoordinator)

// WithTimings overrides DefaultTimings
func WithTimings(t Timings) RedisOption {
	return func(c *RedisCoordinator) {
		c.timings = t
	}
}

func NewRedisCoordinator(client redis.UniversalClient, nodeID string, runner Runner, opts ...RedisOption) *RedisCoordinator {
	c := &RedisCoordinator{
		client:  client,
		nodeID:  nodeID,
		runner:  runner,
		timings: DefaultTimings,
		logger:  utils.NewComponentLogger("cluster"),
		local:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCoordinator) NodeID() string {
	return c.nodeID
}

func (c *RedisCoordinator) StartTask(ctx context.Context, taskID string, config json.RawMessage) error {
	if err := c.saveTaskConfig(ctx, taskID, config); err != nil {
		return err
	}

	acquired, err := c.tryAcquireLock(ctx, taskID)
	if err != nil {
		return err
	}
	if !acquired {
		owner, _ := c.assignedNode(ctx, taskID)
		c.logger.Info().Str("task_id", taskID).Str("owner", owner).Msg("Task is running on another node")
		return fmt.Errorf("%w: %s", ErrLockNotAcquired, taskID)
	}

	if err := c.startLocal(ctx, taskID, config); err != nil {
		c.releaseLock(ctx, taskID)
		return fmt.Errorf("failed to start task %s: %w", taskID, err)
	}
	return nil
}

func (c *RedisCoordinator) startLocal(ctx context.Context, taskID string, config json.RawMessage) error {
	c.mu.Lock()
	_, running := c.local[taskID]
	c.mu.Unlock()
	if running {
		if err := c.stopLocal(ctx, taskID); err != nil {
			return err
		}
	}

	// assigned and marked running first; a run that ends at once reports through TaskFinished
	c.mu.Lock()
	c.local[taskID] = struct{}{}
	c.mu.Unlock()
	if err := c.client.Set(ctx, TaskAssignmentPrefix+taskID, c.nodeID, 0).Err(); err != nil {
		c.forget(taskID)
		return fmt.Errorf("failed to assign task: %w", err)
	}
	c.updateStatus(ctx, taskID, StateRunning, "task started on node "+c.nodeID)

	if err := c.runner.StartLocal(ctx, taskID, config); err != nil {
		c.forget(taskID)
		_ = c.client.Del(ctx, TaskAssignmentPrefix+taskID).Err()
		c.updateStatus(ctx, taskID, StateError, "start failed: "+err.Error())
		return err
	}
	c.logger.Info().Str("task_id", taskID).Str("node_id", c.nodeID).Msg("Task started")
	return nil
}

// forget drops a task from the local set and reports whether it was there
func (c *RedisCoordinator) forget(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.local[taskID]
	delete(c.local, taskID)
	return ok
}

// TaskFinished releases the lock and assignment of a run that ended on its own, so the task
// shows as stopped or failed instead of running
func (c *RedisCoordinator) TaskFinished(taskID string, runErr error) {
	if !c.forget(taskID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, message := finishState(c.nodeID, runErr)
	c.updateStatus(ctx, taskID, status, message)
	c.releaseLock(ctx, taskID)
	if err := c.client.Del(ctx, TaskAssignmentPrefix+taskID).Err(); err != nil {
		c.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to unassign finished task")
	}
	c.logger.Info().Str("task_id", taskID).Str("status", status).Msg("Task finished")
}

// abandon stops a local run whose lock now belongs to another node. The status and assignment
// keys are the new owner's and stay untouched.
func (c *RedisCoordinator) abandon(taskID string) {
	if !c.forget(taskID) {
		return
	}
	c.logger.Warn().Str("task_id", taskID).Str("node_id", c.nodeID).Msg("Lost task lock, stopping local run")
	if err := c.runner.StopLocal(taskID); err != nil {
		c.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to stop task after losing its lock")
	}
}

func (c *RedisCoordinator) stopLocal(ctx context.Context, taskID string) error {
	c.mu.Lock()
	delete(c.local, taskID)
	c.mu.Unlock()

	if err := c.runner.StopLocal(taskID); err != nil {
		c.updateStatus(ctx, taskID, StateError, "stop failed: "+err.Error())
		return err
	}
	c.updateStatus(ctx, taskID, StateStopped, "task stopped on node "+c.nodeID)
	return nil
}

func (c *RedisCoordinator) StopTask(ctx context.Context, taskID string) error {
	if err := c.stopLocal(ctx, taskID); err != nil {
		return fmt.Errorf("failed to stop task %s: %w", taskID, err)
	}
	c.releaseLock(ctx, taskID)
	if err := c.client.Del(ctx, TaskAssignmentPrefix+taskID).Err(); err != nil {
		return fmt.Errorf("failed to unassign task: %w", err)
	}
	return nil
}

func (c *RedisCoordinator) saveTaskConfig(ctx context.Context, taskID string, config json.RawMessage) error {
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, TaskConfigPrefix+taskID, []byte(config), 0)
		p.SAdd(ctx, ClusterTasksSet, taskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save task config: %w", err)
	}
	return nil
}

func (c *RedisCoordinator) lockValue() string {
	return c.nodeID + "|" + strconv.FormatInt(time.Now().UnixMilli(), 10)
}

func (c *RedisCoordinator) tryAcquireLock(ctx context.Context, taskID string) (bool, error) {
	ok, err := c.client.SetNX(ctx, TaskLockPrefix+taskID, c.lockValue(), c.timings.LockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock for %s: %w", taskID, err)
	}
	if ok {
		return true, nil
	}
	// a restart on the owning node keeps the lock
	renewed, err := renewLockScript.Run(ctx, c.client, []string{TaskLockPrefix + taskID},
		c.nodeID, c.timings.LockTTL.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to check lock owner for %s: %w", taskID, err)
	}
	return renewed == 1, nil
}

func (c *RedisCoordinator) releaseLock(ctx context.Context, taskID string) {
	if err := releaseLockScript.Run(ctx, c.client, []string{TaskLockPrefix + taskID}, c.nodeID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to release task lock")
	}
}

func (c *RedisCoordinator) renewLocks(ctx context.Context) {
	for _, taskID := range c.localTasks() {
		renewed, err := renewLockScript.Run(ctx, c.client, []string{TaskLockPrefix + taskID},
			c.nodeID, c.timings.LockTTL.Milliseconds()).Int64()
		if err != nil {
			c.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to renew task lock")
			continue
		}
		if renewed == 1 {
			continue
		}
		ok, err := c.tryAcquireLock(ctx, taskID)
		if err != nil {
			c.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to reacquire task lock")
			continue
		}
		if !ok {
			c.abandon(taskID)
		}
	}
}

func (c *RedisCoordinator) localTasks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.local))
	for id := range c.local {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *RedisCoordinator) updateStatus(ctx context.Context, taskID, status, message string) {
	data, err := json.Marshal(TaskState{
		TaskID:     taskID,
		Status:     status,
		Message:    message,
		NodeID:     c.nodeID,
		UpdateTime: time.Now().UnixMilli(),
	})
	if err == nil {
		err = c.client.Set(ctx, TaskStatusPrefix+taskID, data, 0).Err()
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to update task status")
	}
}

func (c *RedisCoordinator) assignedNode(ctx context.Context, taskID string) (string, error) {
	node, err := c.client.Get(ctx, TaskAssignmentPrefix+taskID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return node, err
}

func (c *RedisCoordinator) TaskInfo(ctx context.Context, taskID string) (*TaskInfo, error) {
	info := &TaskInfo{TaskID: taskID}

	config, err := c.client.Get(ctx, TaskConfigPrefix+taskID).Bytes()
	switch {
	case err == nil:
		info.Config = config
	case !errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("failed to read task config: %w", err)
	}

	status, err := c.client.Get(ctx, TaskStatusPrefix+taskID).Bytes()
	switch {
	case err == nil:
		var st TaskState
		if err := json.Unmarshal(status, &st); err == nil {
			info.Status = &st
		}
	case !errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("failed to read task status: %w", err)
	}

	if info.AssignedNode, err = c.assignedNode(ctx, taskID); err != nil {
		return nil, fmt.Errorf("failed to read task assignment: %w", err)
	}

	c.mu.Lock()
	_, info.RunningOnCurrentNode = c.local[taskID]
	c.mu.Unlock()
	return info, nil
}

func (c *RedisCoordinator) ListTasks(ctx context.Context) ([]TaskInfo, error) {
	ids, err := c.client.SMembers(ctx, ClusterTasksSet).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cluster tasks: %w", err)
	}
	sort.Strings(ids)
	tasks := make([]TaskInfo, 0, len(ids))
	for _, id := range ids {
		info, err := c.TaskInfo(ctx, id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *info)
	}
	return tasks, nil
}

func (c *RedisCoordinator) heartbeat(ctx context.Context) error {
	data, err := json.Marshal(Heartbeat{
		NodeID:         c.nodeID,
		Timestamp:      time.Now().UnixMilli(),
		LocalTaskCount: len(c.localTasks()),
	})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, NodeHeartbeatPrefix+c.nodeID, data, c.timings.HeartbeatTTL).Err()
}

func (c *RedisCoordinator) nodeHeartbeat(ctx context.Context, nodeID string) (*Heartbeat, error) {
	data, err := c.client.Get(ctx, NodeHeartbeatPrefix+nodeID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, nil
	}
	return &hb, nil
}

// Nodes returns the heartbeats of all live nodes
func (c *RedisCoordinator) Nodes(ctx context.Context) ([]Heartbeat, error) {
	var nodes []Heartbeat
	iter := c.client.Scan(ctx, 0, NodeHeartbeatPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		hb, err := c.nodeHeartbeat(ctx, strings.TrimPrefix(iter.Val(), NodeHeartbeatPrefix))
		if err != nil {
			return nil, err
		}
		if hb != nil {
			nodes = append(nodes, *hb)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan heartbeats: %w", err)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return nodes, nil
}

func (c *RedisCoordinator) nodeAlive(ctx context.Context, nodeID string) bool {
	hb, err := c.nodeHeartbeat(ctx, nodeID)
	if err != nil || hb == nil {
		return false
	}
	return hb.Alive(time.Now(), c.timings.NodeDeadAfter)
}

// RecoverOrphans takes over tasks assigned to nodes without a live heartbeat
func (c *RedisCoordinator) RecoverOrphans(ctx context.Context) {
	ids, err := c.client.SMembers(ctx, ClusterTasksSet).Result()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Task monitor failed to list tasks")
		return
	}
	for _, taskID := range ids {
		owner, err := c.assignedNode(ctx, taskID)
		if err != nil || owner == "" || owner == c.nodeID || c.nodeAlive(ctx, owner) {
			continue
		}
		c.logger.Warn().Str("task_id", taskID).Str("previous_node", owner).Msg("Found orphaned task, trying to take over")

		config, err := c.client.Get(ctx, TaskConfigPrefix+taskID).Bytes()
		if err != nil {
			continue
		}
		acquired, err := c.tryAcquireLock(ctx, taskID)
		if err != nil || !acquired {
			continue
		}
		if err := c.startLocal(ctx, taskID, config); err != nil {
			c.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to recover orphaned task")
			c.releaseLock(ctx, taskID)
		}
	}
}

func (c *RedisCoordinator) RecordStatistics(ctx context.Context, taskID string, processed, failed int64) error {
	key := StatisticsPrefix + taskID
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSetNX(ctx, key, "taskId", taskID)
		if processed > 0 {
			p.HIncrBy(ctx, key, "processedCount", processed)
		}
		if failed > 0 {
			p.HIncrBy(ctx, key, "errorCount", failed)
		}
		p.HSet(ctx, key, "lastProcessTime", time.Now().UnixMilli(), "lastProcessNode", c.nodeID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record statistics: %w", err)
	}
	return nil
}

func (c *RedisCoordinator) Statistics(ctx context.Context, taskID string) (*Statistics, error) {
	fields, err := c.client.HGetAll(ctx, StatisticsPrefix+taskID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read statistics: %w", err)
	}
	stats := &Statistics{TaskID: taskID, LastProcessNode: fields["lastProcessNode"]}
	stats.ProcessedCount, _ = strconv.ParseInt(fields["processedCount"], 10, 64)
	stats.ErrorCount, _ = strconv.ParseInt(fields["errorCount"], 10, 64)
	stats.LastProcessTime, _ = strconv.ParseInt(fields["lastProcessTime"], 10, 64)
	return stats, nil
}

// Run sends heartbeats and renews locks every HeartbeatInterval and checks for orphaned tasks
// after MonitorDelay, then every MonitorInterval. On return the local tasks are stopped and
// their locks released.
func (c *RedisCoordinator) Run(ctx context.Context) error {
	if err := c.heartbeat(ctx); err != nil {
		c.logger.Warn().Err(err).Str("node_id", c.nodeID).Msg("Failed to send heartbeat")
	}

	heartbeat := time.NewTicker(c.timings.HeartbeatInterval)
	defer heartbeat.Stop()
	monitor := time.NewTimer(c.timings.MonitorDelay)
	defer monitor.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-heartbeat.C:
			if err := c.heartbeat(ctx); err != nil {
				c.logger.Warn().Err(err).Str("node_id", c.nodeID).Msg("Failed to send heartbeat")
			}
			c.renewLocks(ctx)
		case <-monitor.C:
			c.RecoverOrphans(ctx)
			monitor.Reset(c.timings.MonitorInterval)
		}
	}
}

func (c *RedisCoordinator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, taskID := range c.localTasks() {
		if err := c.stopLocal(ctx, taskID); err != nil {
			c.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to stop local task")
		}
		c.releaseLock(ctx, taskID)
		_ = c.client.Del(ctx, TaskAssignmentPrefix+taskID).Err()
	}
	if err := c.client.Del(ctx, NodeHeartbeatPrefix+c.nodeID).Err(); err != nil {
		c.logger.Warn().Err(err).Str("node_id", c.nodeID).Msg("Failed to clear heartbeat")
	}
}
