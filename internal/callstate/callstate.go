// Package callstate holds the pure status transition rules for call records.
// Nothing here performs I/O; callers persist the result with Apply.
package callstate

import (
	"strings"
	"time"

	"outdial/internal/calls"
	"outdial/internal/lead"
)

// Thresholds are the business cut-offs applied on Hangup.
type Thresholds struct {
	// FastHangup: a Hangup sooner than this after start marks the call failed.
	FastHangup time.Duration
	// LeadCompleted: a completed call must last at least this long to complete its lead.
	LeadCompleted time.Duration
}

// DefaultThresholds returns 5s / 30s.
func DefaultThresholds() Thresholds {
	return Thresholds{FastHangup: 5 * time.Second, LeadCompleted: 30 * time.Second}
}

// Transition is the outcome of one rule evaluation.
type Transition struct {
	Status         calls.Status
	Disposition    string
	HangupCause    string
	TransferNumber string

	// End sets EndTime=now and Duration when the record has no end time yet.
	End      bool
	Duration int
	// ClearEnd removes EndTime/Duration, used only when a record is reset to initiated.
	ClearEnd bool

	// LeadDuration, when set, is appended to the lead's duration history.
	LeadDuration *int
	// LeadStatus, when non-empty, is written to the lead.
	LeadStatus string
}

// Elapsed returns whole seconds between start and now, never negative.
func Elapsed(start, now time.Time) int {
	d := now.Sub(start)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// OnDialEnd maps a DialEnd status. ok is false when the event changes nothing.
func OnDialEnd(rec calls.CallRecord, dialStatus string, now time.Time) (Transition, bool) {
	if rec.Status == calls.StatusTransferred {
		return Transition{}, false
	}

	switch strings.ToUpper(dialStatus) {
	case "ANSWER":
		return Transition{Status: calls.StatusAnswered, Disposition: calls.DispositionAnswered}, true
	case "BUSY":
		return failedAt(rec, now, calls.DispositionBusy), true
	case "NOANSWER", "CANCEL":
		return failedAt(rec, now, calls.DispositionNoAnswer), true
	case "CONGESTION":
		return failedAt(rec, now, calls.DispositionCongestion), true
	case "CHANUNAVAIL":
		return failedAt(rec, now, calls.DispositionFailed), true
	default:
		return Transition{}, false
	}
}

func failedAt(rec calls.CallRecord, now time.Time, disposition string) Transition {
	return Transition{
		Status:      calls.StatusFailed,
		Disposition: disposition,
		End:         true,
		Duration:    Elapsed(rec.StartTime, now),
	}
}

// OnHangup resolves the final status. Transferred and failed records keep their
// status; otherwise a call shorter than the fast-hangup threshold fails.
func OnHangup(rec calls.CallRecord, cause int, now time.Time, th Thresholds) Transition {
	elapsed := Elapsed(rec.StartTime, now)
	causeText, causeDisposition := HangupCause(cause)

	tr := Transition{End: true, Duration: elapsed, HangupCause: causeText}

	switch {
	case rec.Status == calls.StatusTransferred:
		tr.Status = calls.StatusTransferred
		tr.LeadStatus = lead.StatusTransferred
	case rec.Status == calls.StatusFailed:
		tr.Status = calls.StatusFailed
	case time.Duration(elapsed)*time.Second < th.FastHangup:
		tr.Status = calls.StatusFailed
		tr.Disposition = causeDisposition
		if causeDisposition == calls.DispositionAnswered {
			tr.Disposition = calls.DispositionNoAnswer
		}
	default:
		tr.Status = calls.StatusCompleted
		tr.Disposition = calls.DispositionAnswered
		if time.Duration(elapsed)*time.Second >= th.LeadCompleted {
			tr.LeadStatus = lead.StatusCompleted
		}
	}

	leadDuration := elapsed
	if rec.Duration != nil {
		leadDuration = *rec.Duration
	}
	tr.LeadDuration = &leadDuration
	return tr
}

// OnBlindTransfer marks the call transferred to destination.
func OnBlindTransfer(rec calls.CallRecord, destination string, now time.Time) Transition {
	return Transition{
		Status:         calls.StatusTransferred,
		Disposition:    calls.DispositionTransferred,
		TransferNumber: destination,
		End:            true,
		Duration:       Elapsed(rec.StartTime, now),
		LeadStatus:     lead.StatusTransferred,
	}
}

// OnOriginateFailure marks a call that never reached the switch.
func OnOriginateFailure() Transition {
	return Transition{
		Status:      calls.StatusFailed,
		Disposition: calls.DispositionFailed,
		End:         true,
		Duration:    0,
	}
}

// OnManual applies an operator override with the same terminal side effects
// as the event-driven path.
func OnManual(rec calls.CallRecord, status calls.Status, now time.Time, th Thresholds) Transition {
	tr := Transition{Status: status}
	switch status {
	case calls.StatusInitiated:
		tr.ClearEnd = true
		return tr
	case calls.StatusTransferred:
		tr.Disposition = calls.DispositionTransferred
		tr.LeadStatus = lead.StatusTransferred
	case calls.StatusCompleted:
		tr.Disposition = calls.DispositionAnswered
	case calls.StatusFailed:
		tr.Disposition = calls.DispositionFailed
	default:
		return tr
	}

	elapsed := Elapsed(rec.StartTime, now)
	if rec.Duration != nil {
		elapsed = *rec.Duration
	}
	tr.End = true
	tr.Duration = elapsed
	if rec.Status.IsTerminal() {
		// lead side effects apply only when entering a terminal status
		return tr
	}
	tr.LeadDuration = &elapsed
	if status == calls.StatusCompleted && time.Duration(elapsed)*time.Second >= th.LeadCompleted {
		tr.LeadStatus = lead.StatusCompleted
	}
	return tr
}

// Apply writes tr onto rec. LastStatusUpdate is always refreshed and an
// existing end time is never overwritten.
func Apply(rec *calls.CallRecord, tr Transition, now time.Time) {
	rec.Status = tr.Status
	if tr.Disposition != "" {
		rec.Disposition = tr.Disposition
	}
	if tr.HangupCause != "" {
		rec.HangupCause = tr.HangupCause
	}
	if tr.TransferNumber != "" {
		rec.TransferNumber = tr.TransferNumber
	}
	if tr.ClearEnd {
		rec.EndTime = nil
		rec.Duration = nil
	}
	if tr.End && rec.EndTime == nil {
		end := now
		d := tr.Duration
		rec.EndTime = &end
		rec.Duration = &d
	}
	rec.LastStatusUpdate = now
}

// HangupCause maps a Q.850 cause code to its text and disposition.
func HangupCause(cause int) (string, string) {
	switch cause {
	case 16:
		return "normal clearing", calls.DispositionAnswered
	case 17:
		return "user busy", calls.DispositionBusy
	case 18:
		return "no user responding", calls.DispositionNoAnswer
	case 19:
		return "no answer", calls.DispositionNoAnswer
	case 21:
		return "call rejected", calls.DispositionNoAnswer
	case 1:
		return "unallocated number", calls.DispositionInvalid
	case 27:
		return "destination out of order", calls.DispositionInvalid
	case 34:
		return "no circuit available", calls.DispositionCongestion
	case 38:
		return "network out of order", calls.DispositionCongestion
	case 0:
		return "", calls.DispositionNoAnswer
	default:
		return "unknown", calls.DispositionNoAnswer
	}
}
