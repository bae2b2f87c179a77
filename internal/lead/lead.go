package lead

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by stores that require the lead to exist.
var ErrNotFound = errors.New("lead not found")

// Lead statuses written by the call engine.
const (
	StatusTransferred = "transferred"
	StatusCompleted   = "completed"
)

// Updater is the lead collaborator. It is only called for calls that carry a lead id.
type Updater interface {
	AppendCallDuration(ctx context.Context, leadID int64, seconds int) error
	UpdateLeadStatus(ctx context.Context, leadID int64, status string) error
}

// Lead is the state MemoryUpdater keeps per lead.
type Lead struct {
	Durations []int
	Status    string
}

// MemoryUpdater records lead updates in memory.
type MemoryUpdater struct {
	mu    sync.Mutex
	leads map[int64]*Lead
}

func NewMemoryUpdater() *MemoryUpdater {
	return &MemoryUpdater{leads: make(map[int64]*Lead)}
}

func (m *MemoryUpdater) AppendCallDuration(_ context.Context, leadID int64, seconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(leadID).Durations = append(m.get(leadID).Durations, seconds)
	return nil
}

func (m *MemoryUpdater) UpdateLeadStatus(_ context.Context, leadID int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(leadID).Status = status
	return nil
}

// Get returns a copy of the recorded lead state.
func (m *MemoryUpdater) Get(leadID int64) (Lead, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[leadID]
	if !ok {
		return Lead{}, false
	}
	return Lead{Durations: append([]int(nil), l.Durations...), Status: l.Status}, true
}

func (m *MemoryUpdater) get(leadID int64) *Lead {
	l, ok := m.leads[leadID]
	if !ok {
		l = &Lead{}
		m.leads[leadID] = l
	}
	return l
}
