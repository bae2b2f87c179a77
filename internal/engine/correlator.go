package engine

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"outdial/internal/ami"
	"outdial/internal/calls"
	"outdial/internal/callstate"
	"outdial/internal/metrics"
	"outdial/internal/session"
)

// Correlator ties switch events to call records and drives the state machine.
// It implements listener.Handler; events must arrive one at a time per switch.
type Correlator struct {
	committer
}

// NewCorrelator returns a Correlator over d.
func NewCorrelator(d Deps) *Correlator {
	return &Correlator{committer: newCommitter(d, "Correlator")}
}

// HandleEvent processes one decoded event. Events that do not belong to a
// tracked call are dropped without side effects.
func (c *Correlator) HandleEvent(ctx context.Context, switchAddr string, ev ami.CallEvent) {
	c.Counters.EventReceived(ev.Kind.String())
	log := c.log.WithFields(logrus.Fields{
		"event":    ev.Kind.String(),
		"uniqueid": ev.SwitchID,
		"switch":   switchAddr,
	})

	switch ev.Kind {
	case ami.KindNewChannel:
		c.Sessions.AttachContext(ev.SwitchID, ev.Context)
	case ami.KindDialBegin:
		c.onDialBegin(ctx, log, switchAddr, ev)
	case ami.KindDialEnd, ami.KindHangup, ami.KindBlindTransfer:
		c.onTracked(ctx, log, ev)
	}
}

func (c *Correlator) onDialBegin(ctx context.Context, log *logrus.Entry, switchAddr string, ev ami.CallEvent) {
	if ev.Context != "" && !c.Registry.HasContext(ev.Context) {
		c.drop(log, metrics.DropForeignContext, "context not served")
		return
	}
	if c.Sessions.AttachContext(ev.SwitchID, ev.Context) {
		return
	}
	if ev.From == "" || ev.To == "" {
		c.drop(log, metrics.DropNoMatch, "dial begin without numbers")
		return
	}

	rec, err := c.Store.FindInitiated(ctx, ev.From, ev.To)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			c.drop(log.WithFields(logrus.Fields{"from": ev.From, "to": ev.To}), metrics.DropNoMatch, "no initiated call matches")
			return
		}
		c.Counters.EventDropped(metrics.DropStoreError)
		log.WithError(err).Error("looking up initiated call")
		return
	}

	c.Sessions.Register(session.Session{
		SwitchID:     ev.SwitchID,
		CallRecordID: rec.ID,
		TenantID:     rec.TenantID,
		DialContext:  ev.Context,
		SwitchAddr:   switchAddr,
		RegisteredAt: c.now(),
	})
	log.WithFields(logrus.Fields{"call_id": rec.ID, "tenant": rec.TenantID}).Info("call correlated")

	if rec.SwitchID == "" {
		if err := c.Store.SetSwitchID(ctx, rec.ID, ev.SwitchID); err != nil {
			log.WithError(err).Warn("recording switch id")
		}
	}
}

func (c *Correlator) onTracked(ctx context.Context, log *logrus.Entry, ev ami.CallEvent) {
	sess, ok := c.Sessions.Lookup(ev.SwitchID)
	if !ok && ev.AltSwitchID != "" {
		sess, ok = c.Sessions.Lookup(ev.AltSwitchID)
	}
	if !ok {
		c.drop(log, metrics.DropUnknownSession, "identifier not tracked")
		return
	}
	if ev.Kind == ami.KindHangup {
		defer c.Sessions.Remove(sess.SwitchID)
	}
	if !c.contextAllowed(ev.Context, sess.DialContext) {
		c.drop(log.WithField("context", ev.Context), metrics.DropForeignContext, "context not served")
		return
	}

	log = log.WithField("call_id", sess.CallRecordID)
	rec, err := c.Store.Get(ctx, sess.CallRecordID)
	if err != nil {
		c.Counters.EventDropped(metrics.DropStoreError)
		log.WithError(err).Error("loading tracked call")
		return
	}

	now := c.now()
	var tr callstate.Transition
	switch ev.Kind {
	case ami.KindDialEnd:
		var changed bool
		if tr, changed = callstate.OnDialEnd(*rec, ev.DialStatus, now); !changed {
			log.WithField("dial_status", ev.DialStatus).Debug("dial status leaves call unchanged")
			return
		}
	case ami.KindHangup:
		if sess.TenantID != rec.TenantID {
			log.WithFields(logrus.Fields{
				"session_tenant": sess.TenantID,
				"record_tenant":  rec.TenantID,
			}).Warn("tenant mismatch on hangup, using the call record tenant")
		}
		tr = callstate.OnHangup(*rec, ev.Cause, now, c.Thresholds)
	case ami.KindBlindTransfer:
		tr = callstate.OnBlindTransfer(*rec, ev.TransferTarget, now)
	}

	prev := rec.Status
	if err := c.commit(ctx, rec, tr, now); err != nil {
		log.WithError(err).Error("storing call transition")
		return
	}
	log.WithFields(logrus.Fields{"from_status": prev, "status": rec.Status}).Info("call status updated")
}

// contextAllowed applies the two-sided filter: an event is processed when its
// context is unknown or served, or when the session's recorded context is served.
func (c *Correlator) contextAllowed(eventContext, sessionContext string) bool {
	if eventContext == "" || c.Registry.HasContext(eventContext) {
		return true
	}
	return sessionContext != "" && c.Registry.HasContext(sessionContext)
}

func (c *Correlator) drop(log *logrus.Entry, reason, msg string) {
	c.Counters.EventDropped(reason)
	log.WithField("reason", reason).Debug(msg)
}
