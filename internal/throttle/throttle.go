// Package throttle paces originate commands per tenant and caps how many a
// tenant may have in flight at once.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"outdial/internal/config"
	"outdial/internal/logging"
)

// ErrLimitReached is returned when a tenant has no free in-flight slot.
var ErrLimitReached = errors.New("tenant originate limit reached")

// Throttle combines a token bucket per tenant with a Slots cap.
type Throttle struct {
	limit        rate.Limit
	burst        int
	defaultSlots int
	slots        Slots
	log          *logrus.Entry

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Throttle. A zero CallsPerSecond disables pacing; a nil slots
// disables the cap.
func New(cfg config.ThrottleConfig, slots Slots, logger logrus.FieldLogger) *Throttle {
	limit := rate.Inf
	if cfg.CallsPerSecond > 0 {
		limit = rate.Limit(cfg.CallsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		limit:        limit,
		burst:        burst,
		defaultSlots: cfg.MaxInFlight,
		slots:        slots,
		log:          logging.Component(logger, "Throttle"),
		limiters:     make(map[string]*rate.Limiter),
	}
}

// Acquire waits for the tenant's pacing token, then takes an in-flight slot.
// maxConcurrent overrides the configured default when positive. The returned
// release func must be called once the originate is acknowledged or failed.
func (t *Throttle) Acquire(ctx context.Context, tenantID string, maxConcurrent int) (func(), error) {
	if err := t.limiter(tenantID).Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for originate slot: %w", err)
	}

	limit := t.defaultSlots
	if maxConcurrent > 0 {
		limit = maxConcurrent
	}
	if t.slots == nil || limit <= 0 {
		return func() {}, nil
	}

	ok, err := t.slots.Acquire(ctx, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("acquiring originate slot: %w", err)
	}
	if !ok {
		t.log.WithField("tenant", tenantID).Warnf("in-flight limit %d reached", limit)
		return nil, fmt.Errorf("%w: tenant %s (%d in flight)", ErrLimitReached, tenantID, limit)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := t.slots.Release(context.WithoutCancel(ctx), tenantID); err != nil {
				t.log.WithError(err).WithField("tenant", tenantID).Warn("releasing originate slot")
			}
		})
	}, nil
}

func (t *Throttle) limiter(tenantID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[tenantID] = l
	}
	return l
}
