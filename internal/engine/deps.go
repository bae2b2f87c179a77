// Package engine places outbound calls and correlates switch events back to
// their call records.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"outdial/internal/calls"
	"outdial/internal/callstate"
	"outdial/internal/lead"
	"outdial/internal/logging"
	"outdial/internal/metrics"
	"outdial/internal/notify"
	"outdial/internal/session"
	"outdial/internal/tenant"
)

// Deps are the collaborators shared by Engine and Correlator. Leads, Notifier
// and Counters may be nil.
type Deps struct {
	Store      calls.Store
	Tenants    tenant.Directory
	Leads      lead.Updater
	Sessions   *session.Table
	Registry   *session.Registry
	Notifier   notify.Notifier
	Counters   *metrics.Counters
	Thresholds callstate.Thresholds
	Logger     logrus.FieldLogger
	// Now defaults to time.Now.
	Now func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Thresholds == (callstate.Thresholds{}) {
		d.Thresholds = callstate.DefaultThresholds()
	}
	if d.Sessions == nil {
		d.Sessions = session.NewTable()
	}
	if d.Registry == nil {
		d.Registry = session.NewRegistry()
	}
	return d
}

// committer persists transitions with their lead and notification side effects.
type committer struct {
	Deps
	log *logrus.Entry
}

func newCommitter(d Deps, component string) committer {
	d = d.withDefaults()
	return committer{Deps: d, log: logging.Component(d.Logger, component)}
}

// now returns the clock reading in UTC.
func (c committer) now() time.Time {
	return c.Now().UTC()
}

// commit applies tr to rec, stores it, then updates the lead and notifies.
// Lead failures are logged and do not fail the commit.
func (c committer) commit(ctx context.Context, rec *calls.CallRecord, tr callstate.Transition, now time.Time) error {
	callstate.Apply(rec, tr, now)
	if err := c.Store.Update(ctx, rec); err != nil {
		return fmt.Errorf("updating call %s: %w", rec.ID, err)
	}
	c.Counters.Transition(string(rec.Status))
	c.updateLead(ctx, rec, tr)
	c.Notifier.CallChanged(ctx, *rec)
	return nil
}

func (c committer) updateLead(ctx context.Context, rec *calls.CallRecord, tr callstate.Transition) {
	if rec.LeadID == nil || c.Leads == nil {
		return
	}
	log := c.log.WithFields(logrus.Fields{"call_id": rec.ID, "lead_id": *rec.LeadID})

	if tr.LeadDuration != nil {
		if err := c.Leads.AppendCallDuration(ctx, *rec.LeadID, *tr.LeadDuration); err != nil {
			log.WithError(err).Warn("appending lead call duration")
		}
	}
	if tr.LeadStatus != "" {
		if err := c.Leads.UpdateLeadStatus(ctx, *rec.LeadID, tr.LeadStatus); err != nil {
			log.WithError(err).Warn("updating lead status")
		}
	}
}
