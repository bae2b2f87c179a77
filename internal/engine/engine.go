package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"outdial/internal/ami"
	"outdial/internal/calls"
	"outdial/internal/callstate"
	"outdial/internal/session"
	"outdial/internal/tenant"
)

var (
	// ErrSwitchUnavailable means the switch could not be reached. Retryable.
	ErrSwitchUnavailable = errors.New("switch unavailable")
	// ErrOriginateRejected means the switch refused the originate command.
	ErrOriginateRejected = errors.New("originate rejected by switch")
	// ErrInvalidRequest reports a malformed Place Call request.
	ErrInvalidRequest = errors.New("invalid call request")
)

// Originator issues one originate command and waits for its acknowledgment.
type Originator interface {
	Originate(ctx context.Context, creds ami.Credentials, p ami.OriginateParams) (*ami.OriginateResult, error)
}

// ListenerEnsurer starts the event listener for a tenant's switch.
type ListenerEnsurer interface {
	Ensure(ctx context.Context, t *tenant.Tenant) error
}

// Throttler admits originate commands per tenant.
type Throttler interface {
	Acquire(ctx context.Context, tenantID string, maxConcurrent int) (func(), error)
}

// Options are the dialing defaults.
type Options struct {
	ChannelTemplate  string
	DefaultExtension string
	DefaultPriority  int
	RingTimeout      time.Duration
	// AssignChannelID sends a generated ChannelId so the session is known at acknowledgment.
	AssignChannelID bool
}

// Engine is the operation surface of the call engine.
type Engine struct {
	committer
	originator Originator
	listeners  ListenerEnsurer
	throttle   Throttler
	opts       Options
}

// New builds an Engine. listeners and throttle may be nil.
func New(d Deps, originator Originator, listeners ListenerEnsurer, throttle Throttler, opts Options) *Engine {
	if opts.DefaultExtension == "" {
		opts.DefaultExtension = "s"
	}
	if opts.DefaultPriority <= 0 {
		opts.DefaultPriority = 1
	}
	return &Engine{
		committer:  newCommitter(d, "Engine"),
		originator: originator,
		listeners:  listeners,
		throttle:   throttle,
		opts:       opts,
	}
}

// PlaceCallRequest are the inputs of PlaceCall. Empty optional fields fall
// back to the tenant, then to Options.
type PlaceCallRequest struct {
	TenantID       string            `json:"tenant_id"`
	To             string            `json:"to"`
	From           string            `json:"from"`
	TransferNumber string            `json:"transfer_number,omitempty"`
	LeadID         *int64            `json:"lead_id,omitempty"`
	Trunk          string            `json:"trunk,omitempty"`
	DialContext    string            `json:"dial_context,omitempty"`
	Extension      string            `json:"extension,omitempty"`
	Priority       int               `json:"priority,omitempty"`
	RingTimeoutMs  int               `json:"ring_timeout_ms,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
	// Synchronous makes the switch acknowledge only after the ring attempt ends.
	Synchronous bool `json:"synchronous,omitempty"`
}

// PlaceCallResult identifies the created call.
type PlaceCallResult struct {
	CallRecordID string `json:"call_record_id"`
	SwitchID     string `json:"switch_id,omitempty"`
	ActionID     string `json:"action_id,omitempty"`
}

// PlaceCall creates the call record and originates the call. When the record
// was created but the originate failed, the result is returned together with
// an error wrapping ErrSwitchUnavailable or ErrOriginateRejected.
func (e *Engine) PlaceCall(ctx context.Context, req PlaceCallRequest) (*PlaceCallResult, error) {
	if req.To == "" {
		return nil, fmt.Errorf("%w: destination number is required", ErrInvalidRequest)
	}

	t, err := e.Tenants.GetTenant(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("loading tenant %q: %w", req.TenantID, err)
	}
	dial := *t
	if req.Trunk != "" {
		dial.Trunk = req.Trunk
	}
	if req.DialContext != "" {
		dial.DialContext = req.DialContext
	}
	if err := dial.Validate(); err != nil {
		return nil, err
	}

	from := req.From
	if from == "" {
		from = dial.CallerID
	}
	if from == "" {
		return nil, fmt.Errorf("%w: caller id is required", ErrInvalidRequest)
	}

	if e.throttle != nil {
		release, err := e.throttle.Acquire(ctx, dial.ID, dial.MaxConcurrent)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	now := e.now()
	rec := &calls.CallRecord{
		ID:               uuid.NewString(),
		TenantID:         dial.ID,
		LeadID:           req.LeadID,
		From:             from,
		To:               req.To,
		TransferNumber:   req.TransferNumber,
		Status:           calls.StatusInitiated,
		StartTime:        now,
		LastStatusUpdate: now,
	}
	if err := e.Store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating call record: %w", err)
	}
	e.Notifier.CallChanged(ctx, *rec)

	log := e.log.WithFields(logrus.Fields{"call_id": rec.ID, "tenant": dial.ID, "to": rec.To})

	e.Registry.AddContext(dial.DialContext)
	if e.listeners != nil {
		if err := e.listeners.Ensure(ctx, &dial); err != nil {
			log.WithError(err).Warn("event listener not started")
		}
	}

	params := e.originateParams(&dial, rec, req)
	res, err := e.originator.Originate(ctx, credentials(&dial), params)
	if err != nil {
		return e.originateFailed(ctx, log, rec, err)
	}
	e.Counters.Originate("ok")

	result := &PlaceCallResult{CallRecordID: rec.ID, SwitchID: res.UniqueID, ActionID: res.ActionID}
	if res.UniqueID == "" {
		log.Info("originate accepted, waiting for dial begin")
		return result, nil
	}

	e.Sessions.Register(session.Session{
		SwitchID:     res.UniqueID,
		CallRecordID: rec.ID,
		TenantID:     dial.ID,
		DialContext:  dial.DialContext,
		SwitchAddr:   dial.SwitchAddress(),
		RegisteredAt: e.now(),
	})
	if err := e.Store.SetSwitchID(ctx, rec.ID, res.UniqueID); err != nil {
		log.WithError(err).Warn("recording switch id")
	}
	log.WithField("uniqueid", res.UniqueID).Info("originate accepted")
	return result, nil
}

func (e *Engine) originateParams(t *tenant.Tenant, rec *calls.CallRecord, req PlaceCallRequest) ami.OriginateParams {
	extension := firstNonEmpty(req.Extension, t.Extension, e.opts.DefaultExtension)
	priority := firstPositive(req.Priority, t.Priority, e.opts.DefaultPriority)
	ringTimeout := e.opts.RingTimeout
	if req.RingTimeoutMs > 0 {
		ringTimeout = time.Duration(req.RingTimeoutMs) * time.Millisecond
	}

	vars := make(map[string]string, len(req.Variables)+4)
	for k, v := range req.Variables {
		vars[k] = v
	}
	vars[ami.VarCallID] = rec.ID
	vars[ami.VarTenantID] = rec.TenantID
	vars[ami.VarDestination] = rec.To
	if rec.TransferNumber != "" {
		vars[ami.VarTransferNumber] = rec.TransferNumber
	}
	if rec.LeadID != nil {
		vars[ami.VarLeadID] = strconv.FormatInt(*rec.LeadID, 10)
	}

	p := ami.OriginateParams{
		Channel:   ami.DialString(e.opts.ChannelTemplate, t.Trunk, rec.To),
		Context:   t.DialContext,
		Extension: extension,
		Priority:  priority,
		CallerID:  rec.From,
		Timeout:   ringTimeout,
		Variables: vars,
		Async:     !req.Synchronous,
	}
	if e.opts.AssignChannelID {
		p.ChannelID = ami.NewChannelID()
	}
	return p
}

// originateFailed marks the record failed and classifies err.
func (e *Engine) originateFailed(ctx context.Context, log *logrus.Entry, rec *calls.CallRecord, cause error) (*PlaceCallResult, error) {
	sentinel := ErrSwitchUnavailable
	result := "unavailable"
	if errors.Is(cause, ami.ErrRejected) {
		sentinel = ErrOriginateRejected
		result = "rejected"
	}
	e.Counters.Originate(result)
	log.WithError(cause).Error("originate failed")

	// the caller may have given up; the record must still leave initiated
	storeCtx := context.WithoutCancel(ctx)
	if err := e.commit(storeCtx, rec, callstate.OnOriginateFailure(), e.now()); err != nil {
		log.WithError(err).Error("marking call failed")
	}
	return &PlaceCallResult{CallRecordID: rec.ID}, fmt.Errorf("%w: %w", sentinel, cause)
}

// SetCallStatus is the manual override. The record must belong to tenantID;
// an empty tenantID skips the ownership check.
func (e *Engine) SetCallStatus(ctx context.Context, id, tenantID, status string) (*calls.CallRecord, error) {
	st, err := calls.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	rec, err := e.GetCall(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	now := e.now()
	prev := rec.Status
	if err := e.commit(ctx, rec, callstate.OnManual(*rec, st, now, e.Thresholds), now); err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{"call_id": id, "from_status": prev, "status": st}).Info("call status set manually")
	return rec, nil
}

// GetCall returns one record scoped to tenantID. Records of other tenants
// are reported as calls.ErrNotFound.
func (e *Engine) GetCall(ctx context.Context, tenantID, id string) (*calls.CallRecord, error) {
	rec, err := e.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && rec.TenantID != tenantID {
		return nil, fmt.Errorf("call %s: %w", id, calls.ErrNotFound)
	}
	return rec, nil
}

// ListCalls returns one page of records and the total match count.
func (e *Engine) ListCalls(ctx context.Context, f calls.Filter) ([]calls.CallRecord, int, error) {
	if f.Limit <= 0 {
		f.Limit = calls.DefaultLimit
	}
	return e.Store.List(ctx, f)
}

// ActiveSessions returns the tracked sessions, limited to tenantID when set.
func (e *Engine) ActiveSessions(tenantID string) []session.Session {
	all := e.Sessions.List()
	if tenantID == "" {
		return all
	}
	out := all[:0]
	for _, s := range all {
		if s.TenantID == tenantID {
			out = append(out, s)
		}
	}
	return out
}

// Bootstrap registers every tenant's dial context and starts the listeners
// of tenants with a usable configuration.
func (e *Engine) Bootstrap(ctx context.Context) error {
	tenants, err := e.Tenants.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("listing tenants: %w", err)
	}
	for i := range tenants {
		t := &tenants[i]
		e.Registry.AddContext(t.DialContext)
		if err := t.Validate(); err != nil {
			e.log.WithError(err).WithField("tenant", t.ID).Warn("tenant skipped")
			continue
		}
		if e.listeners != nil {
			if err := e.listeners.Ensure(ctx, t); err != nil {
				e.log.WithError(err).WithField("tenant", t.ID).Warn("listener not started")
			}
		}
	}
	e.log.WithField("contexts", e.Registry.Len()).Info("tenants loaded")
	return nil
}

func credentials(t *tenant.Tenant) ami.Credentials {
	return ami.Credentials{Address: t.SwitchAddress(), Username: t.Username, Secret: t.Password}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
