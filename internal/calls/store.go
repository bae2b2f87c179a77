package calls

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no call record matches.
var ErrNotFound = errors.New("call record not found")

// Filter scopes List queries. TenantID is required by callers that expose
// the result outside the engine.
type Filter struct {
	TenantID string
	Status   Status
	Search   string // substring of from / to
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// DefaultLimit is applied when Filter.Limit is zero.
const DefaultLimit = 50

// Store persists call records. Every mutation is committed on its own.
type Store interface {
	Create(ctx context.Context, rec *CallRecord) error
	Get(ctx context.Context, id string) (*CallRecord, error)
	Update(ctx context.Context, rec *CallRecord) error

	// SetSwitchID stores switchID on the record only when it has none yet.
	// Other fields are left untouched so concurrent transitions survive.
	SetSwitchID(ctx context.Context, id, switchID string) error

	// FindInitiated returns the newest record with the given from/to that is
	// still initiated with no end time.
	FindInitiated(ctx context.Context, from, to string) (*CallRecord, error)

	List(ctx context.Context, filter Filter) ([]CallRecord, int, error)

	// FailStale fails every initiated record with no end time that started
	// before olderThan, returning the number of records changed.
	FailStale(ctx context.Context, olderThan, now time.Time) (int64, error)
}
