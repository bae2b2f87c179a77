package session

import (
	"sort"
	"sync"
	"time"
)

// Session links a switch-assigned channel id to the call record it belongs to.
type Session struct {
	SwitchID     string    `json:"switch_id"`
	CallRecordID string    `json:"call_record_id"`
	TenantID     string    `json:"tenant_id"`
	DialContext  string    `json:"dial_context,omitempty"`
	SwitchAddr   string    `json:"switch_addr,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Table tracks active sessions keyed by switch id. Switch ids are only unique
// for the lifetime of a switch process, so entries are never persisted.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{sessions: make(map[string]Session)}
}

// Register adds or replaces the session for s.SwitchID.
func (t *Table) Register(s Session) {
	if s.SwitchID == "" {
		return
	}
	if s.RegisteredAt.IsZero() {
		s.RegisteredAt = time.Now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.SwitchID] = s
}

// Lookup returns a copy of the session for switchID.
func (t *Table) Lookup(switchID string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[switchID]
	return s, ok
}

// AttachContext records dialContext on a tracked session. It reports whether
// the session exists. An empty context never replaces a known one.
func (t *Table) AttachContext(switchID, dialContext string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[switchID]
	if !ok {
		return false
	}
	if dialContext != "" {
		s.DialContext = dialContext
		t.sessions[switchID] = s
	}
	return true
}

// Remove deletes and returns the session for switchID.
func (t *Table) Remove(switchID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[switchID]
	if ok {
		delete(t.sessions, switchID)
	}
	return s, ok
}

// Len returns the number of tracked sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// List returns a snapshot ordered by registration time.
func (t *Table) List() []Session {
	t.mu.RLock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// CountByTenant returns session counts grouped by tenant.
func (t *Table) CountByTenant() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	counts := make(map[string]int)
	for _, s := range t.sessions {
		counts[s.TenantID]++
	}
	return counts
}
