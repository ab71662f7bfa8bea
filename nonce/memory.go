package nonce

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Memory is an in-process Store. Expired records are pruned lazily.
type Memory struct {
	mu        sync.Mutex
	clock     clock.Clock
	records   map[string]Record
	lastPrune time.Time
}

// NewMemory returns an empty Memory store. A nil clock uses wall time.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{clock: clk, records: make(map[string]Record)}
}

func (m *Memory) Seen(_ context.Context, nonce string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[nonce]
	return ok && m.clock.Now().Before(r.ExpiresAt), nil
}

func (m *Memory) Consume(_ context.Context, nonce, keyID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.pruneLocked(now)

	if r, ok := m.records[nonce]; ok && now.Before(r.ExpiresAt) {
		return ErrReplayed
	}
	m.records[nonce] = Record{Nonce: nonce, KeyID: keyID, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	return nil
}

// Len returns the number of live records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.clock.Now())
	return len(m.records)
}

// pruneLocked drops expired records at most once a minute.
func (m *Memory) pruneLocked(now time.Time) {
	if now.Sub(m.lastPrune) < time.Minute && len(m.records) < 10000 {
		return
	}
	for k, r := range m.records {
		if !now.Before(r.ExpiresAt) {
			delete(m.records, k)
		}
	}
	m.lastPrune = now
}
