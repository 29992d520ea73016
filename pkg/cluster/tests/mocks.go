// Package tests provides test utilities for the cluster package
package tests

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/mock"
)

// MockRunner is a mock implementation of cluster.Runner
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) StartLocal(ctx context.Context, taskID string, config json.RawMessage) error {
	args := m.Called(ctx, taskID, config)
	return args.Error(0)
}

func (m *MockRunner) StopLocal(taskID string) error {
	args := m.Called(taskID)
	return args.Error(0)
}
