// Package cluster decides which node runs a task and tracks task state across nodes.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Task states written to the status key
const (
	StateRunning = "RUNNING"
	StateStopped = "STOPPED"
	StateError   = "ERROR"
)

// ErrLockNotAcquired is returned when another node holds a task's lock
var ErrLockNotAcquired = errors.New("task lock held by another node")

// Runner starts and stops tasks on this node
type Runner interface {
	StartLocal(ctx context.Context, taskID string, config json.RawMessage) error
	StopLocal(taskID string) error
}

// TaskState is the last reported state of a task
type TaskState struct {
	TaskID     string `json:"taskId"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	NodeID     string `json:"nodeId"`
	UpdateTime int64  `json:"updateTime"`
}

// TaskInfo is the cluster view of a task
type TaskInfo struct {
	TaskID               string          `json:"taskId"`
	Config               json.RawMessage `json:"config,omitempty"`
	Status               *TaskState      `json:"status,omitempty"`
	AssignedNode         string          `json:"assignedNode"`
	RunningOnCurrentNode bool            `json:"runningOnCurrentNode"`
}

// Heartbeat is published by every live node
type Heartbeat struct {
	NodeID         string `json:"nodeId"`
	Timestamp      int64  `json:"timestamp"`
	LocalTaskCount int    `json:"localTaskCount"`
}

// Alive reports whether the heartbeat is younger than deadAfter
func (h Heartbeat) Alive(now time.Time, deadAfter time.Duration) bool {
	return now.Sub(time.UnixMilli(h.Timestamp)) < deadAfter
}

func finishState(nodeID string, runErr error) (string, string) {
	if runErr != nil {
		return StateError, "task failed on node " + nodeID + ": " + runErr.Error()
	}
	return StateStopped, "task finished on node " + nodeID
}

// Statistics are the event counters of a task across all nodes
type Statistics struct {
	TaskID          string `json:"taskId"`
	ProcessedCount  int64  `json:"processedCount"`
	ErrorCount      int64  `json:"errorCount"`
	LastProcessTime int64  `json:"lastProcessTime"`
	LastProcessNode string `json:"lastProcessNode"`
}

// Coordinator assigns tasks to nodes
type Coordinator interface {
	NodeID() string
	// StartTask stores the config and starts the task here unless another node holds its lock
	StartTask(ctx context.Context, taskID string, config json.RawMessage) error
	StopTask(ctx context.Context, taskID string) error
	TaskInfo(ctx context.Context, taskID string) (*TaskInfo, error)
	ListTasks(ctx context.Context) ([]TaskInfo, error)
	Nodes(ctx context.Context) ([]Heartbeat, error)
	// TaskFinished is called when a local run ends on its own; runErr is nil for a clean end
	TaskFinished(taskID string, runErr error)
	RecordStatistics(ctx context.Context, taskID string, processed, failed int64) error
	Statistics(ctx context.Context, taskID string) (*Statistics, error)
	// Run keeps the node's heartbeat and recovers orphaned tasks until ctx is done
	Run(ctx context.Context) error
}

// DefaultNodeID returns hostname:port, or a random id when the hostname is unavailable
func DefaultNodeID(port int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = uuid.NewString()[:8]
	}
	return fmt.Sprintf("%s:%d", host, port)
}
