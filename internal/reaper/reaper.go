// Package reaper fails call records that never progressed past initiated.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"outdial/internal/logging"
	"outdial/internal/metrics"
)

const (
	// DefaultInterval is how often stale calls are checked for.
	DefaultInterval = 5 * time.Minute
	// DefaultStaleAfter is how long a call may stay initiated.
	DefaultStaleAfter = time.Hour
)

// StaleFailer is the part of calls.Store the reaper needs.
type StaleFailer interface {
	FailStale(ctx context.Context, olderThan, now time.Time) (int64, error)
}

// Reaper periodically fails initiated calls older than StaleAfter. The
// session table is never touched.
type Reaper struct {
	store      StaleFailer
	interval   time.Duration
	staleAfter time.Duration
	counters   *metrics.Counters
	now        func() time.Time
	log        *logrus.Entry

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Option customizes a Reaper.
type Option func(*Reaper)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// WithCounters counts reaped calls.
func WithCounters(c *metrics.Counters) Option {
	return func(r *Reaper) { r.counters = c }
}

// New creates a Reaper. Non-positive durations fall back to the defaults.
func New(store StaleFailer, interval, staleAfter time.Duration, logger logrus.FieldLogger, opts ...Option) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	r := &Reaper{
		store:      store,
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
		log:        logging.Component(logger, "Reaper"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start runs one pass immediately and then one per interval until Stop.
func (r *Reaper) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run()
	r.log.WithFields(logrus.Fields{"interval": r.interval, "stale_after": r.staleAfter}).Info("started")
}

// Stop waits for an in-progress pass to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	r.mu.Unlock()

	r.wg.Wait()
	r.log.Info("stopped")
}

func (r *Reaper) run() {
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	r.Reap(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.Reap(ctx)
		}
	}
}

// Reap runs a single pass and returns the number of calls failed.
func (r *Reaper) Reap(ctx context.Context) int64 {
	now := r.now().UTC()
	n, err := r.store.FailStale(ctx, now.Add(-r.staleAfter), now)
	if err != nil {
		r.log.WithError(err).Error("failing stale calls")
		return 0
	}
	if n > 0 {
		r.counters.Reaped(n)
		r.log.WithField("count", n).Info("failed stale calls")
	}
	return n
}
