// Package metrics exposes Prometheus metrics for the call engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"outdial/internal/listener"
)

// SessionCounter exposes the number of active switch sessions.
type SessionCounter interface {
	Len() int
}

// ListenerStatusProvider exposes per-switch listener states.
type ListenerStatusProvider interface {
	Statuses() []listener.Status
}

// Collector gathers gauges at scrape time. Any provider may be nil.
type Collector struct {
	sessions  SessionCounter
	contexts  SessionCounter
	listeners ListenerStatusProvider
	startTime time.Time

	activeSessionsDesc    *prometheus.Desc
	knownContextsDesc     *prometheus.Desc
	listenerConnectedDesc *prometheus.Desc
	uptimeDesc            *prometheus.Desc
}

// NewCollector creates a collector over the session table, the context registry
// and the listener manager.
func NewCollector(sessions, contexts SessionCounter, listeners ListenerStatusProvider, startTime time.Time) *Collector {
	return &Collector{
		sessions:  sessions,
		contexts:  contexts,
		listeners: listeners,
		startTime: startTime,

		activeSessionsDesc: prometheus.NewDesc(
			"outdial_active_sessions",
			"Number of switch channels currently correlated to a call record",
			nil, nil,
		),
		knownContextsDesc: prometheus.NewDesc(
			"outdial_known_contexts",
			"Number of dial contexts accepted by the event filter",
			nil, nil,
		),
		listenerConnectedDesc: prometheus.NewDesc(
			"outdial_listener_connected",
			"Event connection state per switch (1=connected, 0=other)",
			[]string{"switch"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"outdial_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessionsDesc
	ch <- c.knownContextsDesc
	ch <- c.listenerConnectedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(c.activeSessionsDesc, prometheus.GaugeValue, float64(c.sessions.Len()))
	}
	if c.contexts != nil {
		ch <- prometheus.MustNewConstMetric(c.knownContextsDesc, prometheus.GaugeValue, float64(c.contexts.Len()))
	}
	if c.listeners != nil {
		for _, s := range c.listeners.Statuses() {
			val := 0.0
			if s.State == listener.StateConnected.String() {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(c.listenerConnectedDesc, prometheus.GaugeValue, val, s.Switch)
		}
	}
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}

// Drop reasons for EventDropped.
const (
	DropUnknownSession = "unknown_session"
	DropNoMatch        = "no_match"
	DropForeignContext = "foreign_context"
	DropStoreError     = "store_error"
)

// Counters are the event-driven metrics. A nil *Counters is valid and records nothing.
type Counters struct {
	events      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	originates  *prometheus.CounterVec
	reaped      prometheus.Counter
	transitions *prometheus.CounterVec
}

// NewCounters creates the counters and registers them on reg.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outdial_events_total",
			Help: "Switch events received by type",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outdial_events_dropped_total",
			Help: "Switch events ignored by the correlator by reason",
		}, []string{"reason"}),
		originates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outdial_originate_total",
			Help: "Originate commands by result",
		}, []string{"result"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outdial_reaped_calls_total",
			Help: "Calls failed by the stale call reaper",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outdial_call_transitions_total",
			Help: "Call record status changes by new status",
		}, []string{"status"}),
	}
	reg.MustRegister(c.events, c.dropped, c.originates, c.reaped, c.transitions)
	return c
}

func (c *Counters) EventReceived(kind string) {
	if c != nil {
		c.events.WithLabelValues(kind).Inc()
	}
}

func (c *Counters) EventDropped(reason string) {
	if c != nil {
		c.dropped.WithLabelValues(reason).Inc()
	}
}

func (c *Counters) Originate(result string) {
	if c != nil {
		c.originates.WithLabelValues(result).Inc()
	}
}

func (c *Counters) Reaped(n int64) {
	if c != nil && n > 0 {
		c.reaped.Add(float64(n))
	}
}

func (c *Counters) Transition(status string) {
	if c != nil {
		c.transitions.WithLabelValues(status).Inc()
	}
}
