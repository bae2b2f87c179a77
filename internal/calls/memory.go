package calls

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and the "memory" driver.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*CallRecord
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*CallRecord)}
}

func (s *MemoryStore) Create(_ context.Context, rec *CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("call record %s already exists", rec.ID)
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, rec *CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		return ErrNotFound
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) SetSwitchID(_ context.Context, id, switchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.SwitchID == "" {
		rec.SwitchID = switchID
	}
	return nil
}

func (s *MemoryStore) FindInitiated(_ context.Context, from, to string) (*CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *CallRecord
	for _, rec := range s.records {
		if rec.From != from || rec.To != to || rec.Status != StatusInitiated || rec.EndTime != nil {
			continue
		}
		if best == nil || rec.StartTime.After(best.StartTime) {
			best = rec
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]CallRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []CallRecord
	for _, rec := range s.records {
		if f.TenantID != "" && rec.TenantID != f.TenantID {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.Search != "" && !strings.Contains(rec.From, f.Search) && !strings.Contains(rec.To, f.Search) {
			continue
		}
		if !f.Since.IsZero() && rec.StartTime.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && rec.StartTime.After(f.Until) {
			continue
		}
		matched = append(matched, *rec.Clone())
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartTime.After(matched[j].StartTime)
	})

	total := len(matched)
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if f.Offset >= total {
		return []CallRecord{}, total, nil
	}
	end := f.Offset + limit
	if end > total {
		end = total
	}
	return matched[f.Offset:end], total, nil
}

func (s *MemoryStore) FailStale(_ context.Context, olderThan, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, rec := range s.records {
		if rec.Status != StatusInitiated || rec.EndTime != nil || !rec.StartTime.Before(olderThan) {
			continue
		}
		end := now
		zero := 0
		rec.Status = StatusFailed
		rec.Disposition = DispositionNoAnswer
		rec.EndTime = &end
		rec.Duration = &zero
		rec.LastStatusUpdate = now
		n++
	}
	return n, nil
}
