package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// LocalCoordinator runs every task on this node and keeps cluster state in memory
type LocalCoordinator struct {
	nodeID string
	runner Runner

	mu      sync.Mutex
	configs map[string]json.RawMessage
	states  map[string]*TaskState
	running map[string]struct{}
	stats   map[string]*Statistics
}

func NewLocalCoordinator(nodeID string, runner Runner) *LocalCoordinator {
	return &LocalCoordinator{
		nodeID:  nodeID,
		runner:  runner,
		configs: make(map[string]json.RawMessage),
		states:  make(map[string]*TaskState),
		running: make(map[string]struct{}),
		stats:   make(map[string]*Statistics),
	}
}

func (c *LocalCoordinator) NodeID() string {
	return c.nodeID
}

func (c *LocalCoordinator) setState(taskID, status, message string) {
	c.states[taskID] = &TaskState{
		TaskID:     taskID,
		Status:     status,
		Message:    message,
		NodeID:     c.nodeID,
		UpdateTime: time.Now().UnixMilli(),
	}
}

func (c *LocalCoordinator) StartTask(ctx context.Context, taskID string, config json.RawMessage) error {
	c.mu.Lock()
	c.configs[taskID] = config
	_, running := c.running[taskID]
	c.mu.Unlock()

	if running {
		if err := c.runner.StopLocal(taskID); err != nil {
			return fmt.Errorf("failed to restart task %s: %w", taskID, err)
		}
	}
	// marked running first; a run that ends at once reports through TaskFinished
	c.mu.Lock()
	c.running[taskID] = struct{}{}
	c.setState(taskID, StateRunning, "task started on node "+c.nodeID)
	c.mu.Unlock()

	if err := c.runner.StartLocal(ctx, taskID, config); err != nil {
		c.mu.Lock()
		delete(c.running, taskID)
		c.setState(taskID, StateError, "start failed: "+err.Error())
		c.mu.Unlock()
		return fmt.Errorf("failed to start task %s: %w", taskID, err)
	}
	return nil
}

func (c *LocalCoordinator) StopTask(_ context.Context, taskID string) error {
	c.mu.Lock()
	delete(c.running, taskID)
	c.mu.Unlock()

	if err := c.runner.StopLocal(taskID); err != nil {
		c.mu.Lock()
		c.setState(taskID, StateError, "stop failed: "+err.Error())
		c.mu.Unlock()
		return fmt.Errorf("failed to stop task %s: %w", taskID, err)
	}
	c.mu.Lock()
	c.setState(taskID, StateStopped, "task stopped on node "+c.nodeID)
	c.mu.Unlock()
	return nil
}

// TaskFinished records the end of a run that was not stopped through the coordinator
func (c *LocalCoordinator) TaskFinished(taskID string, runErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.running[taskID]; !ok {
		return
	}
	delete(c.running, taskID)
	status, message := finishState(c.nodeID, runErr)
	c.setState(taskID, status, message)
}

func (c *LocalCoordinator) taskInfoLocked(taskID string) TaskInfo {
	info := TaskInfo{TaskID: taskID, Config: c.configs[taskID]}
	if st, ok := c.states[taskID]; ok {
		cp := *st
		info.Status = &cp
	}
	if _, ok := c.running[taskID]; ok {
		info.AssignedNode = c.nodeID
		info.RunningOnCurrentNode = true
	}
	return info
}

func (c *LocalCoordinator) TaskInfo(_ context.Context, taskID string) (*TaskInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.taskInfoLocked(taskID)
	return &info, nil
}

func (c *LocalCoordinator) ListTasks(_ context.Context) ([]TaskInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.configs))
	for id := range c.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	tasks := make([]TaskInfo, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, c.taskInfoLocked(id))
	}
	return tasks, nil
}

func (c *LocalCoordinator) Nodes(_ context.Context) ([]Heartbeat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return []Heartbeat{{
		NodeID:         c.nodeID,
		Timestamp:      time.Now().UnixMilli(),
		LocalTaskCount: len(c.running),
	}}, nil
}

func (c *LocalCoordinator) RecordStatistics(_ context.Context, taskID string, processed, failed int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.stats[taskID]
	if !ok {
		st = &Statistics{TaskID: taskID}
		c.stats[taskID] = st
	}
	st.ProcessedCount += processed
	st.ErrorCount += failed
	st.LastProcessTime = time.Now().UnixMilli()
	st.LastProcessNode = c.nodeID
	return nil
}

func (c *LocalCoordinator) Statistics(_ context.Context, taskID string) (*Statistics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.stats[taskID]; ok {
		cp := *st
		return &cp, nil
	}
	return &Statistics{TaskID: taskID}, nil
}

// Run blocks until ctx is done, then stops the local tasks
func (c *LocalCoordinator) Run(ctx context.Context) error {
	<-ctx.Done()
	c.mu.Lock()
	ids := make([]string, 0, len(c.running))
	for id := range c.running {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		_ = c.StopTask(context.Background(), id)
	}
	return nil
}
