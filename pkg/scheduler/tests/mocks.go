// Package tests provides test utilities for the scheduler package
package tests

import (
	"context"
	"sync"
	"time"
)

// RecordingRunner counts executions per task
type RecordingRunner struct {
	mu    sync.Mutex
	Calls map[string]int
	Err   error
}

func (r *RecordingRunner) Execute(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Calls == nil {
		r.Calls = make(map[string]int)
	}
	r.Calls[id]++
	return r.Err
}

func (r *RecordingRunner) Count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Calls[id]
}

// RecordingNext keeps the last next-execution time per task
type RecordingNext struct {
	mu   sync.Mutex
	Next map[string]time.Time
}

func (r *RecordingNext) SetNextExecution(_ context.Context, taskID string, next time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Next == nil {
		r.Next = make(map[string]time.Time)
	}
	r.Next[taskID] = next
	return nil
}

func (r *RecordingNext) Get(taskID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.Next[taskID]
	return t, ok
}
