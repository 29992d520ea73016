// Package tests provides test utilities for the api package
package tests

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/pgflo/pg_ingest/pkg/metadata"
)

// MockProcessorChecker is a mock implementation of api.ProcessorChecker
type MockProcessorChecker struct {
	mock.Mock
}

func (m *MockProcessorChecker) ProcessorStatus(ctx context.Context, processorID string) string {
	args := m.Called(ctx, processorID)
	return args.String(0)
}

// MockTableLister is a mock implementation of api.TableLister
type MockTableLister struct {
	mock.Mock
}

func (m *MockTableLister) ListTables(ctx context.Context, taskID string) ([]metadata.TableRegistration, error) {
	args := m.Called(ctx, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]metadata.TableRegistration), args.Error(1)
}
