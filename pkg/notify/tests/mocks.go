// Package tests provides test utilities for the notify package
package tests

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"
)

// MockTrigger is a mock implementation of notify.Trigger
type MockTrigger struct {
	mock.Mock
}

func (m *MockTrigger) TriggerProcessor(ctx context.Context, processorID string, data interface{}) error {
	args := m.Called(ctx, processorID, data)
	return args.Error(0)
}

// RecordingPublisher collects published messages
type RecordingPublisher struct {
	mu       sync.Mutex
	Subjects []string
	Payloads [][]byte
	Err      error
}

func (p *RecordingPublisher) PublishMessage(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Subjects = append(p.Subjects, subject)
	p.Payloads = append(p.Payloads, data)
	return nil
}
