package calls

import (
	"context"
	"errors"
	"testing"
	"time"
)

var base = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func newRecord(id, from, to string, start time.Time) *CallRecord {
	return &CallRecord{
		ID:               id,
		TenantID:         "t1",
		From:             from,
		To:               to,
		Status:           StatusInitiated,
		StartTime:        start,
		LastStatusUpdate: start,
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range Statuses {
		got, err := ParseStatus(string(s))
		if err != nil || got != s {
			t.Errorf("ParseStatus(%q) = %q, %v", s, got, err)
		}
	}
	if _, err := ParseStatus("ringing"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestValidateRecordConsistency(t *testing.T) {
	end := base.Add(time.Minute)
	dur := 60

	tests := []struct {
		name    string
		rec     CallRecord
		wantErr bool
	}{
		{"initiated ok", CallRecord{ID: "a", Status: StatusInitiated}, false},
		{"initiated with end", CallRecord{ID: "b", Status: StatusInitiated, EndTime: &end, Duration: &dur}, true},
		{"completed without end", CallRecord{ID: "c", Status: StatusCompleted}, true},
		{"end without duration", CallRecord{ID: "d", Status: StatusFailed, EndTime: &end}, true},
		{"transferred ok", CallRecord{ID: "e", Status: StatusTransferred, EndTime: &end, Duration: &dur}, false},
		{"answered ok", CallRecord{ID: "f", Status: StatusAnswered}, false},
	}
	for _, tt := range tests {
		err := tt.rec.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestMemoryStoreIsolatesCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := newRecord("c1", "5559999999", "5551234567", base)
	if err := s.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.Status = StatusFailed

	got, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusInitiated {
		t.Errorf("stored record was mutated through caller pointer: %s", got.Status)
	}
	if err := s.Create(ctx, rec); err == nil {
		t.Error("expected duplicate create to fail")
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFindInitiatedNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, newRecord("old", "1", "2", base))
	_ = s.Create(ctx, newRecord("new", "1", "2", base.Add(time.Minute)))
	done := newRecord("done", "1", "2", base.Add(2*time.Minute))
	done.Status = StatusFailed
	end := base.Add(3 * time.Minute)
	zero := 0
	done.EndTime, done.Duration = &end, &zero
	_ = s.Create(ctx, done)

	got, err := s.FindInitiated(ctx, "1", "2")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "new" {
		t.Errorf("expected newest initiated record, got %s", got.ID)
	}
	if _, err := s.FindInitiated(ctx, "1", "3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		rec := newRecord(string(rune('a'+i)), "100", "200", base.Add(time.Duration(i)*time.Minute))
		_ = s.Create(ctx, rec)
	}
	other := newRecord("z", "100", "200", base)
	other.TenantID = "t2"
	_ = s.Create(ctx, other)

	page, total, err := s.List(ctx, Filter{TenantID: "t1", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Errorf("expected total 5, got %d", total)
	}
	if len(page) != 2 || page[0].ID != "d" || page[1].ID != "c" {
		t.Errorf("unexpected page: %+v", page)
	}

	page, _, _ = s.List(ctx, Filter{TenantID: "t1", Offset: 10})
	if len(page) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(page))
	}
}

func TestFailStaleIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := base.Add(2 * time.Hour)
	_ = s.Create(ctx, newRecord("abandoned", "1", "2", now.Add(-90*time.Minute)))
	_ = s.Create(ctx, newRecord("fresh", "1", "2", now.Add(-10*time.Minute)))

	n, err := s.FailStale(ctx, now.Add(-time.Hour), now)
	if err != nil || n != 1 {
		t.Fatalf("first pass: n=%d err=%v", n, err)
	}
	n, _ = s.FailStale(ctx, now.Add(-time.Hour), now)
	if n != 0 {
		t.Errorf("second pass should be a no-op, changed %d", n)
	}

	rec, _ := s.Get(ctx, "abandoned")
	if rec.Status != StatusFailed || rec.Duration == nil || *rec.Duration != 0 {
		t.Errorf("unexpected reaped record: %+v", rec)
	}
	if err := rec.Validate(); err != nil {
		t.Error(err)
	}
}

func TestSetSwitchIDFillsOnlyEmpty(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, newRecord("c1", "1", "2", base))

	failed := newRecord("c1", "1", "2", base)
	end, d := base.Add(9*time.Second), 9
	failed.Status, failed.EndTime, failed.Duration = StatusFailed, &end, &d
	_ = s.Update(ctx, failed)

	if err := s.SetSwitchID(ctx, "c1", "1700.1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSwitchID(ctx, "c1", "1700.9"); err != nil {
		t.Fatal(err)
	}
	rec, _ := s.Get(ctx, "c1")
	if rec.SwitchID != "1700.1" || rec.Status != StatusFailed || rec.EndTime == nil {
		t.Errorf("record = %+v", rec)
	}
	if err := s.SetSwitchID(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
}
