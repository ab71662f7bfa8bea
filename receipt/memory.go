package receipt

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]*Record)}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Insert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.Receipt.RequestID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, rec.Receipt.RequestID)
	}
	rec.Receipt = rec.Receipt.clone()
	m.records[rec.Receipt.RequestID] = &rec
	return nil
}

func (m *Memory) Get(_ context.Context, requestID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	cp := *rec
	cp.Receipt = rec.Receipt.clone()
	return &cp, nil
}

func (m *Memory) Finalize(_ context.Context, requestID string, r Receipt, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if rec.State != StatePending {
		return ErrNotPending
	}
	rec.Receipt = r.clone()
	rec.State = StateFinal
	rec.FinalizedAt = &at
	return nil
}
