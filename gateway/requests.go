package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/polycrawl/paygate"
	"github.com/polycrawl/paygate/pricing"
	"github.com/polycrawl/paygate/receipt"
)

var (
	ErrRequestNotFound   = errors.New("gateway: request not found")
	ErrInvalidTransition = errors.New("gateway: invalid request transition")
)

// Status is the lifecycle state of a fetch request.
type Status string

const (
	StatusInitiated          Status = "initiated"
	StatusAwaitingSettlement Status = "awaiting_settlement"
	StatusSettled            Status = "settled"
	StatusFailed             Status = "failed"
)

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool { return s == StatusSettled || s == StatusFailed }

// CanTransition reports whether a request may move from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusInitiated:
		return next == StatusAwaitingSettlement || next.Terminal()
	case StatusAwaitingSettlement:
		return next.Terminal()
	}
	return false
}

// Request is one agent-initiated fetch attempt.
type Request struct {
	ID          string             `json:"id"`
	UserID      string             `json:"userId"`
	AgentID     string             `json:"agentId"`
	ResourceID  string             `json:"resourceId"`
	ProviderID  string             `json:"providerId"`
	Mode        string             `json:"mode"`
	Status      Status             `json:"status"`
	Settlement  receipt.Settlement `json:"settlement,omitempty"`
	BytesBilled int64              `json:"bytesBilled"`
	Cost        paygate.Amount     `json:"cost"`
	Failure     string             `json:"failure,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// Update carries the fields written with a transition. Zero values leave
// the stored field unchanged.
type Update struct {
	BytesBilled int64
	Cost        paygate.Amount
	Settlement  receipt.Settlement
	Failure     string
	At          time.Time
}

// RequestStore persists requests. Spend is committed once a request is
// awaiting settlement or settled, and SettledSpend counts both.
type RequestStore interface {
	pricing.SpendHistory

	Create(ctx context.Context, r Request) error
	Get(ctx context.Context, id string) (*Request, error)
	// Transition moves a request to next and applies u. It returns
	// ErrInvalidTransition when the current status does not allow it.
	Transition(ctx context.Context, id string, next Status, u Update) (*Request, error)
	// Committed lists a user's settled or awaiting requests created since
	// a time, oldest first.
	Committed(ctx context.Context, user string, since time.Time) ([]Request, error)
}

// MemoryRequests is an in-process RequestStore.
type MemoryRequests struct {
	mu       sync.RWMutex
	requests map[string]*Request
}

func NewMemoryRequests() *MemoryRequests {
	return &MemoryRequests{requests: make(map[string]*Request)}
}

var _ RequestStore = (*MemoryRequests)(nil)

func (m *MemoryRequests) Create(_ context.Context, r Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("gateway: request %s already exists", r.ID)
	}
	m.requests[r.ID] = &r
	return nil
}

func (m *MemoryRequests) Get(_ context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRequests) Transition(_ context.Context, id string, next Status, u Update) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if !r.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	r.Status = next
	if u.BytesBilled > 0 {
		r.BytesBilled = u.BytesBilled
	}
	if u.Cost > 0 {
		r.Cost = u.Cost
	}
	if u.Settlement != "" {
		r.Settlement = u.Settlement
	}
	if u.Failure != "" {
		r.Failure = u.Failure
	}
	if !u.At.IsZero() {
		r.UpdatedAt = u.At
	}
	cp := *r
	return &cp, nil
}

func committed(r *Request) bool {
	return r.Status == StatusSettled || r.Status == StatusAwaitingSettlement
}

func (m *MemoryRequests) SettledSpend(_ context.Context, user string, since time.Time, f pricing.SpendFilter) (paygate.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum paygate.Amount
	for _, r := range m.requests {
		if r.UserID != user || !committed(r) || r.CreatedAt.Before(since) {
			continue
		}
		if f.ResourceID != "" && r.ResourceID != f.ResourceID {
			continue
		}
		if f.Mode != "" && r.Mode != f.Mode {
			continue
		}
		sum += r.Cost
	}
	return sum, nil
}

func (m *MemoryRequests) Committed(_ context.Context, user string, since time.Time) ([]Request, error) {
	m.mu.RLock()
	var out []Request
	for _, r := range m.requests {
		if r.UserID == user && committed(r) && !r.CreatedAt.Before(since) {
			out = append(out, *r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
