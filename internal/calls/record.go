package calls

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a CallRecord.
type Status string

const (
	StatusInitiated   Status = "initiated"
	StatusAnswered    Status = "answered"
	StatusConnected   Status = "connected"
	StatusTransferred Status = "transferred"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Statuses lists every valid status in lifecycle order.
var Statuses = []Status{
	StatusInitiated, StatusAnswered, StatusConnected,
	StatusTransferred, StatusCompleted, StatusFailed,
}

// ErrInvalidStatus is returned by ParseStatus for values outside the enum.
var ErrInvalidStatus = errors.New("invalid call status")

// ParseStatus validates s against the six known statuses.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// IsTerminal reports whether the status requires an end time.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTransferred
}

// Standard contact-center dispositions recorded alongside the status.
const (
	DispositionAnswered    = "A"
	DispositionBusy        = "B"
	DispositionNoAnswer    = "NA"
	DispositionInvalid     = "NI"
	DispositionCongestion  = "CONG"
	DispositionFailed      = "FAIL"
	DispositionTransferred = "XFER"
)

// CallRecord is the persisted call log entry and source of truth for call outcome.
type CallRecord struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	LeadID           *int64     `json:"lead_id,omitempty"`
	From             string     `json:"from"`
	To               string     `json:"to"`
	TransferNumber   string     `json:"transfer_number,omitempty"`
	Status           Status     `json:"status"`
	Disposition      string     `json:"disposition,omitempty"`
	HangupCause      string     `json:"hangup_cause,omitempty"`
	SwitchID         string     `json:"switch_id,omitempty"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	Duration         *int       `json:"duration,omitempty"`
	LastStatusUpdate time.Time  `json:"last_status_update"`
}

// Validate checks the end-time/duration/status invariants.
func (r *CallRecord) Validate() error {
	if (r.EndTime == nil) != (r.Duration == nil) {
		return fmt.Errorf("call %s: end_time and duration must be set together", r.ID)
	}
	if r.Status.IsTerminal() && r.EndTime == nil {
		return fmt.Errorf("call %s: status %s requires end_time", r.ID, r.Status)
	}
	if r.Status == StatusInitiated && r.EndTime != nil {
		return fmt.Errorf("call %s: initiated call cannot have end_time", r.ID)
	}
	return nil
}

// Clone returns a deep copy so stored records are never aliased by callers.
func (r *CallRecord) Clone() *CallRecord {
	c := *r
	if r.LeadID != nil {
		v := *r.LeadID
		c.LeadID = &v
	}
	if r.EndTime != nil {
		v := *r.EndTime
		c.EndTime = &v
	}
	if r.Duration != nil {
		v := *r.Duration
		c.Duration = &v
	}
	return &c
}
