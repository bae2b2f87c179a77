package throttle

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"outdial/internal/logging"
)

// Slots caps concurrent work per key.
type Slots interface {
	Acquire(ctx context.Context, key string, limit int) (bool, error)
	Release(ctx context.Context, key string) error
}

// LocalPool tracks in-flight slots globally and per key inside one process.
type LocalPool struct {
	maxGlobal    int32 // zero means unlimited
	activeGlobal int32
	perKey       sync.Map // key -> *int32
	log          *logrus.Entry
}

// NewLocalPool creates a pool. maxGlobal <= 0 disables the global cap.
func NewLocalPool(maxGlobal int, logger logrus.FieldLogger) *LocalPool {
	if maxGlobal < 0 {
		maxGlobal = 0
	}
	return &LocalPool{maxGlobal: int32(maxGlobal), log: logging.Component(logger, "ChannelPool")}
}

// Acquire takes a slot for key if both the global and the per-key limit allow it.
func (p *LocalPool) Acquire(_ context.Context, key string, limit int) (bool, error) {
	for {
		current := atomic.LoadInt32(&p.activeGlobal)
		if p.maxGlobal > 0 && current >= p.maxGlobal {
			p.log.Debugf("global limit reached: %d/%d", current, p.maxGlobal)
			return false, nil
		}
		if atomic.CompareAndSwapInt32(&p.activeGlobal, current, current+1) {
			break
		}
	}

	counterI, _ := p.perKey.LoadOrStore(key, new(int32))
	counter := counterI.(*int32)
	for {
		current := atomic.LoadInt32(counter)
		if limit > 0 && current >= int32(limit) {
			atomic.AddInt32(&p.activeGlobal, -1)
			p.log.WithField("key", key).Debugf("limit reached: %d/%d", current, limit)
			return false, nil
		}
		if atomic.CompareAndSwapInt32(counter, current, current+1) {
			return true, nil
		}
	}
}

// Release returns a slot. Counters never go negative.
func (p *LocalPool) Release(_ context.Context, key string) error {
	if n := atomic.AddInt32(&p.activeGlobal, -1); n < 0 {
		atomic.StoreInt32(&p.activeGlobal, 0)
		p.log.Warn("global counter went negative, reset to 0")
	}
	if counterI, ok := p.perKey.Load(key); ok {
		counter := counterI.(*int32)
		if n := atomic.AddInt32(counter, -1); n < 0 {
			atomic.StoreInt32(counter, 0)
			p.log.WithField("key", key).Warn("counter went negative, reset to 0")
		}
	}
	return nil
}

// Active returns the in-flight count for key.
func (p *LocalPool) Active(key string) int {
	counterI, ok := p.perKey.Load(key)
	if !ok {
		return 0
	}
	return int(atomic.LoadInt32(counterI.(*int32)))
}

// ActiveGlobal returns the total in-flight count.
func (p *LocalPool) ActiveGlobal() int {
	return int(atomic.LoadInt32(&p.activeGlobal))
}
