package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"outdial/internal/ami"
	"outdial/internal/calls"
	"outdial/internal/callstate"
	"outdial/internal/config"
	"outdial/internal/lead"
	"outdial/internal/logging"
	"outdial/internal/session"
	"outdial/internal/tenant"
	"outdial/internal/throttle"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeOriginator struct {
	mu     sync.Mutex
	params []ami.OriginateParams
	creds  []ami.Credentials
	result *ami.OriginateResult
	err    error
}

func (o *fakeOriginator) Originate(_ context.Context, creds ami.Credentials, p ami.OriginateParams) (*ami.OriginateResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.params = append(o.params, p)
	o.creds = append(o.creds, creds)
	if o.err != nil {
		return nil, o.err
	}
	if o.result != nil {
		return o.result, nil
	}
	return &ami.OriginateResult{ActionID: fmt.Sprintf("action-%d", len(o.params))}, nil
}

func (o *fakeOriginator) calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.params)
}

type fakeListeners struct {
	mu      sync.Mutex
	tenants []string
	fail    map[string]error
}

func (l *fakeListeners) Ensure(_ context.Context, t *tenant.Tenant) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail[t.ID]; err != nil {
		return err
	}
	l.tenants = append(l.tenants, t.ID)
	return nil
}

type harness struct {
	eng       *Engine
	corr      *Correlator
	store     *calls.MemoryStore
	leads     *lead.MemoryUpdater
	sessions  *session.Table
	registry  *session.Registry
	clock     *fakeClock
	orig      *fakeOriginator
	listeners *fakeListeners
}

const (
	switchAddr = "10.0.0.5:5038"
	ctxA       = "tenant-a-out"
	ctxB       = "tenant-b-out"
)

func tenants() []config.TenantConfig {
	return []config.TenantConfig{
		{ID: "T1", SwitchHost: "10.0.0.5", SwitchPort: 5038, Username: "admin", Password: "secret",
			Trunk: "carrier", DialContext: ctxA, CallerID: "5550000000"},
		{ID: "T2", SwitchHost: "10.0.0.5", SwitchPort: 5038, Username: "admin", Password: "secret",
			Trunk: "carrier", DialContext: ctxB},
		{ID: "BROKEN", SwitchHost: "10.0.0.5", SwitchPort: 5038, Username: "admin", Password: "secret",
			DialContext: "broken-out"},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     calls.NewMemoryStore(),
		leads:     lead.NewMemoryUpdater(),
		sessions:  session.NewTable(),
		registry:  session.NewRegistry(),
		clock:     &fakeClock{now: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)},
		orig:      &fakeOriginator{},
		listeners: &fakeListeners{},
	}
	d := Deps{
		Store:      h.store,
		Tenants:    tenant.NewStaticDirectory(tenants()),
		Leads:      h.leads,
		Sessions:   h.sessions,
		Registry:   h.registry,
		Thresholds: callstate.DefaultThresholds(),
		Logger:     logging.Discard(),
		Now:        h.clock.Now,
	}
	h.corr = NewCorrelator(d)
	h.eng = New(d, h.orig, h.listeners, nil, Options{ChannelTemplate: "SIP/%s/%s", RingTimeout: 30 * time.Second})
	return h
}

func (h *harness) place(t *testing.T, req PlaceCallRequest) *calls.CallRecord {
	t.Helper()
	res, err := h.eng.PlaceCall(context.Background(), req)
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	return h.get(t, res.CallRecordID)
}

func (h *harness) get(t *testing.T, id string) *calls.CallRecord {
	t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return rec
}

func (h *harness) event(ev ami.CallEvent) {
	h.corr.HandleEvent(context.Background(), switchAddr, ev)
}

func dialBegin(id, from, to string) ami.CallEvent {
	return ami.CallEvent{Kind: ami.KindDialBegin, SwitchID: id, Context: ctxA, From: from, To: to}
}

func dialEnd(id, status string) ami.CallEvent {
	return ami.CallEvent{Kind: ami.KindDialEnd, SwitchID: id, Context: ctxA, DialStatus: status}
}

func hangup(id string, cause int) ami.CallEvent {
	return ami.CallEvent{Kind: ami.KindHangup, SwitchID: id, Context: ctxA, Cause: cause}
}

func assertConsistent(t *testing.T, rec *calls.CallRecord) {
	t.Helper()
	if err := rec.Validate(); err != nil {
		t.Errorf("inconsistent record: %v", err)
	}
}

func int64p(v int64) *int64 { return &v }

func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	rec := h.place(t, PlaceCallRequest{TenantID: "T1", To: "5551234567", From: "5559999999", LeadID: int64p(7)})
	if rec.Status != calls.StatusInitiated || rec.EndTime != nil {
		t.Fatalf("new record = %+v", rec)
	}

	h.event(dialBegin("1700.1", "5559999999", "5551234567"))
	sess, ok := h.sessions.Lookup("1700.1")
	if !ok || sess.CallRecordID != rec.ID {
		t.Fatalf("DialBegin did not track the call: %+v %v", sess, ok)
	}

	h.event(dialEnd("1700.1", "ANSWER"))
	if got := h.get(t, rec.ID); got.Status != calls.StatusAnswered {
		t.Fatalf("after ANSWER status = %s", got.Status)
	}

	h.clock.Advance(42 * time.Second)
	h.event(hangup("1700.1", 16))

	got := h.get(t, rec.ID)
	if got.Status != calls.StatusCompleted || got.Duration == nil || *got.Duration != 42 {
		t.Fatalf("after Hangup = %s duration %v", got.Status, got.Duration)
	}
	assertConsistent(t, got)
	if _, ok := h.sessions.Lookup("1700.1"); ok {
		t.Error("Hangup did not remove the session")
	}
	if got.SwitchID != "1700.1" {
		t.Errorf("SwitchID = %q", got.SwitchID)
	}

	l, _ := h.leads.Get(7)
	if len(l.Durations) != 1 || l.Durations[0] != 42 || l.Status != lead.StatusCompleted {
		t.Errorf("lead = %+v", l)
	}
}

func TestFastHangupFails(t *testing.T) {
	h := newHarness(t)
	rec := h.place(t, PlaceCallRequest{TenantID: "T1", To: "5551234567", From: "5559999999"})
	h.event(dialBegin("1.1", "5559999999", "5551234567"))
	h.event(dialEnd("1.1", "ANSWER"))
	h.clock.Advance(2 * time.Second)
	h.event(hangup("1.1", 16))

	got := h.get(t, rec.ID)
	if got.Status != calls.StatusFailed || *got.Duration != 2 {
		t.Fatalf("status = %s duration = %d", got.Status, *got.Duration)
	}
	assertConsistent(t, got)
}

func TestShortCompletedCallLeavesLeadStatus(t *testing.T) {
	h := newHarness(t)
	rec := h.place(t, PlaceCallRequest{TenantID: "T1", To: "555", From: "444", LeadID: int64p(9)})
	h.event(dialBegin("1.1", "444", "555"))
	h.clock.Advance(10 * time.Second)
	h.event(hangup("1.1", 16))

	if got := h.get(t, rec.ID); got.Status != calls.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	l, _ := h.leads.Get(9)
	if len(l.Durations) != 1 || l.Durations[0] != 10 || l.Status != "" {
		t.Errorf("lead = %+v", l)
	}
}

func TestNoAnswerFailsImmediately(t *testing.T) {
	h := newHarness(t)
	rec := h.place(t, PlaceCallRequest{TenantID: "T1", To: "555", From: "444"})
	h.event(dialBegin("1.1", "444", "555"))
	h.clock.Advance(20 * time.Second)
	h.event(dialEnd("1.1", "NOANSWER"))

	got := h.get(t, rec.ID)
	if got.Status != calls.StatusFailed || got.EndTime == nil || *got.Duration != 20 {
		t.Fatalf("after NOANSWER = %+v", got)
	}
	if got.Disposition != calls.DispositionNoAnswer {
		t.Errorf("Disposition = %q", got.Disposition)
	}
	assertConsistent(t, got)

	h.clock.Advance(time.Second)
	h.event(hangup("1.1", 19))
	got = h.get(t, rec.ID)
	if got.Status != calls.StatusFailed || *got.Duration != 20 {
		t.Errorf("Hangup changed a failed call: %s %d", got.Status, *got.Duration)
	}
}

func TestUnrelatedEventNoise(t *testing.T) {
	h := newHarness(t)
	rec := h.place(t, PlaceCallRequest{TenantID: "T1", To: "555", From: "444"})
	before := h.get(t, rec.ID)

	h.event(hangup("never-seen", 16))
	h.event(dialEnd("never-seen", "ANSWER"))
	h.event(ami.CallEvent{Kind: ami.KindBlindTransfer, SwitchID: "never-seen", TransferTarget: "1"})
	h.event(dialBegin("other", "111", "222"))

	after := h.get(t, rec.ID)
	if after.Status != before.Status || !after.LastStatusUpdate.Equal(before.LastStatusUpdate) {
		t.Fatalf("record touched by noise: %+v", after)
	}
	if h.sessions.Len() != 0 {
		t.Errorf("sessions = %d", h.sessions.Len())
	}
}

func TestTransferredIsAbsorbing(t *testing.T) {
	h := newHarness(t)
	rec := h.place(t, PlaceCallRequest{TenantID: "T1", To: "555", From: "444", LeadID: int64p(3)})
	h.event(dialBegin("1.1", "444", "555"))
	h.event(dialEnd("1.1", "ANSWER"))
	h.clock.Advance(15 * time.Second)
	h.event(ami.CallEvent{Kind: ami.KindBlindTransfer, SwitchID: "1.1", Context: ctxA, TransferTarget: "5557777777"})

	got := h.get(t, rec.ID)
	if got.Status != calls.StatusTransferred || got.TransferNumber != "5557777777" {
		t.Fatalf("after transfer = %+v", got)
	}
	if _, ok := h.sessions.Lookup("1.1"); !ok {
		t.Fatal("BlindTransfer removed the session")
	}

	h.event(dialEnd("1.1", "CANCEL"))
	h.clock.Advance(60 * time.Second)
	h.event(hangup("1.1", 16))

	got = h.get(t, rec.ID)
	if got.Status != calls.StatusTransferred {
		t.Fatalf("Hangup downgraded transferred to %s", got.Status)
	}
	assertConsistent(t, got)

	l, _ := h.leads.Get(3)
	if l.Status != lead.StatusTransferred || len(l.Durations) != 1 || l.Durations[0] != 15 {
		t.Errorf("lead = %+v", l)
	}
}

func TestBlindTransferByTransfereeID(t *testing.T) {
	h := newHarness(t)
	rec := h.place(t, PlaceCallRequest{TenantID: "T1", To: "555", From: "444"})
	h.event(dialBegin("1.1", "444", "555"))
	h.event(ami.CallEvent{Kind: ami.KindBlindTransfer, SwitchID: "9.9", AltSwitchID: "1.1", TransferTarget: "200"})

	if got := h.get(t, rec.ID); got.Status != calls.StatusTransferred {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestContextIsolation(t *testing.T) {
	h := newHarness(t)
	rec := h.place(t, PlaceCallRequest{TenantID: "T1", To: "555", From: "444"})

	foreign := dialBegin("1.1", "444", "555")
	foreign.Context = "somebody-elses-context"
	h.event(foreign)
	if h.sessions.Len() != 0 {
		t.Fatal("DialBegin with a foreign context was tracked")
	}

	h.sessions.Register(session.Session{SwitchID: "2.2", CallRecordID: rec.ID, TenantID: "T1"})
	ev := hangup("2.2", 16)
	ev.Context = "somebody-elses-context"
	h.clock.Advance(40 * time.Second)
	h.event(ev)
	if got := h.get(t, rec.ID); got.Status != calls.StatusInitiated {
		t.Fatalf("foreign-context event mutated the record: %s", got.Status)
	}
}

func TestContextChangeMidCallIsTolerated(t *testing.T) {
	h := newHarness(t)
	rec := h.place(t, PlaceCallRequest{TenantID: "T1", To: "555", From: "444"})
	h.event(dialBegin("1.1", "444", "555"))

	ev := hangup("1.1", 16)
	ev.Context = "transfer-context"
	h.clock.Advance(40 * time.Second)
	h.event(ev)

	if got := h.get(t, rec.ID); got.Status != calls.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

func TestNewChannelAttachesContext(t *testing.T) {
	h := newHarness(t)
	h.sessions.Register(session.Session{SwitchID: "1.1", CallRecordID: "x", TenantID: "T1"})
	h.event(ami.CallEvent{Kind: ami.KindNewChannel, SwitchID: "1.1", Context: ctxA})

	if s, _ := h.sessions.Lookup("1.1"); s.DialContext != ctxA {
		t.Errorf("DialContext = %q", s.DialContext)
	}
}

func TestCorrelationPicksNewestInitiated(t *testing.T) {
	h := newHarness(t)
	older := h.place(t, PlaceCallRequest{TenantID: "T1", To: "555", From: "444"})
	h.clock.Advance(time.Minute)
	newer := h.place(t, PlaceCallRequest{TenantID: "T1", To: "555", From: "444"})

	h.event(dialBegin("1.1", "444", "555"))
	s, _ := h.sessions.Lookup("1.1")
	if s.CallRecordID != newer.ID {
		t.Fatalf("correlated to %s, want newest %s (older %s)", s.CallRecordID, newer.ID, older.ID)
	}
}

func TestTenantMismatchUsesRecordTenant(t *testing.T) {
	h := newHarness(t)
	rec := h.place(t, PlaceCallRequest{TenantID: "T1", To: "555", From: "444"})
	h.sessions.Register(session.Session{SwitchID: "1.1", CallRecordID: rec.ID, TenantID: "T2", DialContext: ctxA})

	h.clock.Advance(40 * time.Second)
	h.event(hangup("1.1", 16))

	got := h.get(t, rec.ID)
	if got.Status != calls.StatusCompleted || got.TenantID != "T1" {
		t.Fatalf("record = %+v", got)
	}
	if h.sessions.Len() != 0 {
		t.Error("session not removed")
	}
}

func TestAckIdentifierRegistersSession(t *testing.T) {
	h := newHarness(t)
	h.orig.result = &ami.OriginateResult{ActionID: "a1", UniqueID: "1700.9"}

	res, err := h.eng.PlaceCall(context.Background(), PlaceCallRequest{TenantID: "T1", To: "555", From: "444"})
	if err != nil {
		t.Fatal(err)
	}
	if res.SwitchID != "1700.9" {
		t.Errorf("SwitchID = %q", res.SwitchID)
	}
	s, ok := h.sessions.Lookup("1700.9")
	if !ok || s.CallRecordID != res.CallRecordID || s.DialContext != ctxA || s.SwitchAddr != switchAddr {
		t.Fatalf("session = %+v, %v", s, ok)
	}

	h.clock.Advance(31 * time.Second)
	h.event(hangup("1700.9", 16))
	if got := h.get(t, res.CallRecordID); got.Status != calls.StatusCompleted {
		t.Errorf("status = %s", got.Status)
	}
}

func TestOriginateParams(t *testing.T) {
	h := newHarness(t)
	rec := h.place(t, PlaceCallRequest{
		TenantID:       "T1",
		To:             "5551234567",
		TransferNumber: "5558888888",
		RingTimeoutMs:  20000,
		Variables:      map[string]string{ami.VarCallID: "spoofed", "CAMPAIGN": "spring"},
	})

	p := h.orig.params[0]
	if p.Channel != "SIP/carrier/5551234567" || p.Context != ctxA || p.Extension != "s" || p.Priority != 1 {
		t.Errorf("params = %+v", p)
	}
	if p.CallerID != "5550000000" || rec.From != "5550000000" {
		t.Errorf("caller id default not applied: %q / %q", p.CallerID, rec.From)
	}
	if p.Timeout != 20*time.Second || !p.Async {
		t.Errorf("Timeout = %s Async = %v", p.Timeout, p.Async)
	}
	if p.Variables[ami.VarCallID] != rec.ID || p.Variables["CAMPAIGN"] != "spring" {
		t.Errorf("Variables = %v", p.Variables)
	}
	if p.Variables[ami.VarTransferNumber] != "5558888888" || p.Variables[ami.VarTenantID] != "T1" {
		t.Errorf("tracking variables missing: %v", p.Variables)
	}
	if c := h.orig.creds[0]; c.Address != switchAddr || c.Username != "admin" {
		t.Errorf("creds = %+v", c)
	}
	if !h.registry.HasContext(ctxA) || len(h.listeners.tenants) != 1 {
		t.Error("place call did not register context and ensure the listener")
	}
}

func TestOriginateFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"transport", fmt.Errorf("%w: dial: refused", ami.ErrTransport), ErrSwitchUnavailable},
		{"rejected", fmt.Errorf("%w: Originate: failed", ami.ErrRejected), ErrOriginateRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.orig.err = tt.err

			res, err := h.eng.PlaceCall(context.Background(), PlaceCallRequest{TenantID: "T1", To: "555", From: "444"})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if res == nil {
				t.Fatal("result should carry the record id")
			}
			got := h.get(t, res.CallRecordID)
			if got.Status != calls.StatusFailed || got.Duration == nil || *got.Duration != 0 || got.Disposition != calls.DispositionFailed {
				t.Fatalf("record = %+v", got)
			}
			assertConsistent(t, got)
		})
	}
}

func TestConfigErrorCreatesNoRecord(t *testing.T) {
	h := newHarness(t)

	_, err := h.eng.PlaceCall(context.Background(), PlaceCallRequest{TenantID: "BROKEN", To: "555", From: "444"})
	if !errors.Is(err, tenant.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
	_, err = h.eng.PlaceCall(context.Background(), PlaceCallRequest{TenantID: "NOPE", To: "555", From: "444"})
	if !errors.Is(err, tenant.ErrNotFound) {
		t.Fatalf("err = %v, want tenant.ErrNotFound", err)
	}
	_, err = h.eng.PlaceCall(context.Background(), PlaceCallRequest{TenantID: "T2", To: "555"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest for missing caller id", err)
	}

	if _, total, _ := h.store.List(context.Background(), calls.Filter{}); total != 0 {
		t.Errorf("records created = %d", total)
	}
	if h.orig.calls() != 0 {
		t.Errorf("originate called %d times", h.orig.calls())
	}
}

func TestThrottleLimitCreatesNoRecord(t *testing.T) {
	h := newHarness(t)
	th := throttle.New(config.ThrottleConfig{MaxInFlight: 1}, throttle.NewLocalPool(0, logging.Discard()), logging.Discard())
	hold, err := th.Acquire(context.Background(), "T1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer hold()
	h.eng.throttle = th

	_, err = h.eng.PlaceCall(context.Background(), PlaceCallRequest{TenantID: "T1", To: "555", From: "444"})
	if !errors.Is(err, throttle.ErrLimitReached) {
		t.Fatalf("err = %v, want ErrLimitReached", err)
	}
	if _, total, _ := h.store.List(context.Background(), calls.Filter{}); total != 0 {
		t.Errorf("records created = %d", total)
	}
}

func TestSetCallStatus(t *testing.T) {
	h := newHarness(t)
	rec := h.place(t, PlaceCallRequest{TenantID: "T1", To: "555", From: "444", LeadID: int64p(11)})
	ctx := context.Background()

	if _, err := h.eng.SetCallStatus(ctx, rec.ID, "T1", "ringing"); !errors.Is(err, calls.ErrInvalidStatus) {
		t.Fatalf("err = %v, want ErrInvalidStatus", err)
	}
	if _, err := h.eng.SetCallStatus(ctx, rec.ID, "T2", "completed"); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for another tenant", err)
	}

	h.clock.Advance(45 * time.Second)
	got, err := h.eng.SetCallStatus(ctx, rec.ID, "T1", "completed")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != calls.StatusCompleted || *got.Duration != 45 {
		t.Fatalf("record = %+v", got)
	}
	assertConsistent(t, got)
	l, _ := h.leads.Get(11)
	if l.Status != lead.StatusCompleted || len(l.Durations) != 1 {
		t.Errorf("lead = %+v", l)
	}

	got, err = h.eng.SetCallStatus(ctx, rec.ID, "T1", "initiated")
	if err != nil {
		t.Fatal(err)
	}
	if got.EndTime != nil || got.Duration != nil {
		t.Errorf("reset kept end time: %+v", got)
	}
	assertConsistent(t, got)
}

func TestGetAndListCallsAreTenantScoped(t *testing.T) {
	h := newHarness(t)
	a := h.place(t, PlaceCallRequest{TenantID: "T1", To: "555", From: "444"})
	h.place(t, PlaceCallRequest{TenantID: "T2", To: "666", From: "333"})
	ctx := context.Background()

	if _, err := h.eng.GetCall(ctx, "T2", a.ID); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("cross-tenant GetCall err = %v", err)
	}
	if _, err := h.eng.GetCall(ctx, "", a.ID); err != nil {
		t.Fatalf("admin GetCall: %v", err)
	}

	list, total, err := h.eng.ListCalls(ctx, calls.Filter{TenantID: "T1"})
	if err != nil || total != 1 || len(list) != 1 || list[0].ID != a.ID {
		t.Fatalf("ListCalls = %v %d %v", list, total, err)
	}
}

func TestActiveSessions(t *testing.T) {
	h := newHarness(t)
	h.sessions.Register(session.Session{SwitchID: "1", TenantID: "T1"})
	h.sessions.Register(session.Session{SwitchID: "2", TenantID: "T2"})

	if got := h.eng.ActiveSessions("T1"); len(got) != 1 || got[0].SwitchID != "1" {
		t.Errorf("ActiveSessions(T1) = %+v", got)
	}
	if got := h.eng.ActiveSessions(""); len(got) != 2 {
		t.Errorf("ActiveSessions() = %+v", got)
	}
}

func TestBootstrap(t *testing.T) {
	h := newHarness(t)
	if err := h.eng.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, c := range []string{ctxA, ctxB, "broken-out"} {
		if !h.registry.HasContext(c) {
			t.Errorf("context %s not registered", c)
		}
	}
	if len(h.listeners.tenants) != 2 {
		t.Errorf("listeners ensured for %v, want T1 and T2", h.listeners.tenants)
	}
}

func TestBootstrapContinuesAfterListenerError(t *testing.T) {
	h := newHarness(t)
	h.listeners.fail = map[string]error{"T1": errors.New("switch down")}

	if err := h.eng.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	for _, c := range []string{ctxA, ctxB, "broken-out"} {
		if !h.registry.HasContext(c) {
			t.Errorf("context %s not registered", c)
		}
	}
	if len(h.listeners.tenants) != 1 || h.listeners.tenants[0] != "T2" {
		t.Errorf("listeners ensured for %v, want T2", h.listeners.tenants)
	}
}

// hookStore runs before once, ahead of the first Get or SetSwitchID call.
type hookStore struct {
	calls.Store
	mu     sync.Mutex
	before func()
}

func (s *hookStore) fire() {
	s.mu.Lock()
	fn := s.before
	s.before = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *hookStore) Get(ctx context.Context, id string) (*calls.CallRecord, error) {
	s.fire()
	return s.Store.Get(ctx, id)
}

func (s *hookStore) SetSwitchID(ctx context.Context, id, switchID string) error {
	s.fire()
	return s.Store.SetSwitchID(ctx, id, switchID)
}

func TestAckSwitchIDKeepsConcurrentTransition(t *testing.T) {
	h := newHarness(t)
	h.orig.result = &ami.OriginateResult{ActionID: "a1", UniqueID: "1700.1"}

	store := &hookStore{Store: h.store}
	store.before = func() { h.event(dialEnd("1700.1", "NOANSWER")) }
	h.eng = New(Deps{
		Store:    store,
		Tenants:  tenant.NewStaticDirectory(tenants()),
		Leads:    h.leads,
		Sessions: h.sessions,
		Registry: h.registry,
		Logger:   logging.Discard(),
		Now:      h.clock.Now,
	}, h.orig, h.listeners, nil, Options{ChannelTemplate: "SIP/%s/%s", RingTimeout: 30 * time.Second})

	res, err := h.eng.PlaceCall(context.Background(), PlaceCallRequest{TenantID: "T1", To: "555", From: "444"})
	if err != nil {
		t.Fatal(err)
	}

	got := h.get(t, res.CallRecordID)
	if got.Status != calls.StatusFailed || got.EndTime == nil || got.Duration == nil {
		t.Fatalf("transition lost: status=%s end=%v duration=%v", got.Status, got.EndTime, got.Duration)
	}
	if got.SwitchID != "1700.1" {
		t.Errorf("switch id = %q", got.SwitchID)
	}
	assertConsistent(t, got)
}

func TestDialEndRedeliveryKeepsFirstEnd(t *testing.T) {
	h := newHarness(t)
	rec := h.place(t, PlaceCallRequest{TenantID: "T1", To: "555", From: "444", LeadID: int64p(21)})
	h.event(dialBegin("1700.1", "444", "555"))

	h.clock.Advance(20 * time.Second)
	h.event(dialEnd("1700.1", "NOANSWER"))
	first := h.get(t, rec.ID)

	h.clock.Advance(5 * time.Second)
	h.event(dialEnd("1700.1", "NOANSWER"))
	h.clock.Advance(time.Second)
	h.event(hangup("1700.1", 19))

	got := h.get(t, rec.ID)
	if got.Status != calls.StatusFailed || !got.EndTime.Equal(*first.EndTime) || *got.Duration != 20 {
		t.Fatalf("record = %s end=%v duration=%d, want failed end=%v duration=20",
			got.Status, got.EndTime, *got.Duration, first.EndTime)
	}
	assertConsistent(t, got)

	l, _ := h.leads.Get(21)
	if len(l.Durations) != 1 || l.Durations[0] != 20 {
		t.Errorf("lead durations = %v, want [20]", l.Durations)
	}
}

func TestManualStatusAfterHangupAppendsLeadOnce(t *testing.T) {
	h := newHarness(t)
	rec := h.place(t, PlaceCallRequest{TenantID: "T1", To: "555", From: "444", LeadID: int64p(22)})
	h.event(dialBegin("1700.1", "444", "555"))
	h.event(dialEnd("1700.1", "ANSWER"))
	h.clock.Advance(45 * time.Second)
	h.event(hangup("1700.1", 16))

	ctx := context.Background()
	for _, st := range []string{"completed", "completed", "failed"} {
		if _, err := h.eng.SetCallStatus(ctx, rec.ID, "T1", st); err != nil {
			t.Fatalf("SetCallStatus(%s): %v", st, err)
		}
	}

	l, _ := h.leads.Get(22)
	if len(l.Durations) != 1 || l.Durations[0] != 45 {
		t.Errorf("lead durations = %v, want [45]", l.Durations)
	}
	if got := h.get(t, rec.ID); *got.Duration != 45 {
		t.Errorf("duration = %d, want 45", *got.Duration)
	}
}
