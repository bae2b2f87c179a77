// Package notify fans call record changes out to live subscribers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"outdial/internal/calls"
	"outdial/internal/logging"
	"outdial/internal/publisher"
	"outdial/internal/websocket"
)

// Notifier is told about every committed call record change. Implementations
// must not block the caller for long.
type Notifier interface {
	CallChanged(ctx context.Context, rec calls.CallRecord)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) CallChanged(context.Context, calls.CallRecord) {}

// Multi calls every notifier in order.
type Multi []Notifier

func (m Multi) CallChanged(ctx context.Context, rec calls.CallRecord) {
	for _, n := range m {
		n.CallChanged(ctx, rec)
	}
}

// Hub pushes changes to WebSocket clients of the record's tenant.
type Hub struct {
	hub *websocket.Hub
}

func NewHub(hub *websocket.Hub) *Hub {
	return &Hub{hub: hub}
}

func (h *Hub) CallChanged(_ context.Context, rec calls.CallRecord) {
	eventType := websocket.EventCallUpdate
	if rec.Status.IsTerminal() {
		eventType = websocket.EventCallEnd
	}
	h.hub.Broadcast(websocket.TenantTopic(rec.TenantID), eventType, rec)
}

// Broker publishes each change as JSON on "<prefix>/<tenant>/calls/<id>".
// Publishing happens on a background worker; changes are dropped when its
// queue is full.
type Broker struct {
	pub    publisher.Publisher
	prefix string
	queue  chan calls.CallRecord
	log    *logrus.Entry

	once sync.Once
	done chan struct{}
}

// DefaultQueueSize is the Broker backlog.
const DefaultQueueSize = 1024

// NewBroker creates a Broker. Run must be started for messages to flow.
func NewBroker(pub publisher.Publisher, prefix string, queueSize int, logger logrus.FieldLogger) *Broker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broker{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "/"),
		queue:  make(chan calls.CallRecord, queueSize),
		log:    logging.Component(logger, "Notify"),
		done:   make(chan struct{}),
	}
}

// Topic returns the topic for rec.
func (b *Broker) Topic(rec calls.CallRecord) string {
	return fmt.Sprintf("%s/%s/calls/%s", b.prefix, rec.TenantID, rec.ID)
}

func (b *Broker) CallChanged(_ context.Context, rec calls.CallRecord) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.queue <- rec:
	default:
		b.log.WithField("call_id", rec.ID).Warn("publish queue full, change dropped")
	}
}

// Run publishes queued changes until ctx is done or Close is called.
func (b *Broker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case rec := <-b.queue:
			b.publish(ctx, rec)
		}
	}
}

// Close stops Run.
func (b *Broker) Close() {
	b.once.Do(func() { close(b.done) })
}

func (b *Broker) publish(ctx context.Context, rec calls.CallRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		b.log.WithError(err).Error("marshaling call record")
		return
	}
	if err := b.pub.Publish(ctx, b.Topic(rec), payload); err != nil {
		b.log.WithError(err).WithField("call_id", rec.ID).Warn("publish failed")
	}
}
