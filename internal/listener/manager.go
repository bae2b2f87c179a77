package listener

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"outdial/internal/session"
	"outdial/internal/tenant"
)

// ErrClosed is returned by Ensure after Close.
var ErrClosed = errors.New("listener manager closed")

// Manager holds one Listener per switch address. Tenants sharing a switch
// share its listener; the first tenant seen supplies the login.
type Manager struct {
	handler  Handler
	registry *session.Registry
	opts     Options
	logger   logrus.FieldLogger

	mu        sync.Mutex
	listeners map[string]*Listener
	closed    bool
}

// NewManager creates an empty manager.
func NewManager(handler Handler, registry *session.Registry, opts Options, logger logrus.FieldLogger) *Manager {
	return &Manager{
		handler:   handler,
		registry:  registry,
		opts:      opts,
		logger:    logger,
		listeners: make(map[string]*Listener),
	}
}

// Ensure makes sure the listener for t's switch is running. It returns
// without waiting for the connection.
func (m *Manager) Ensure(ctx context.Context, t *tenant.Tenant) error {
	addr := t.SwitchAddress()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.registry.AddContext(t.DialContext)
		return ErrClosed
	}
	l, ok := m.listeners[addr]
	if !ok {
		l = New(addr, m.handler, m.registry, m.opts, m.logger)
		m.listeners[addr] = l
	}
	m.mu.Unlock()

	return l.Ensure(ctx, t)
}

// Listener returns the listener for addr.
func (m *Manager) Listener(addr string) (*Listener, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listeners[addr]
	return l, ok
}

// Status describes one listener for health output.
type Status struct {
	Switch string `json:"switch"`
	State  string `json:"state"`
}

// Statuses returns every listener's state ordered by address.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.listeners))
	for addr, l := range m.listeners {
		out = append(out, Status{Switch: addr, State: l.State().String()})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Switch < out[j].Switch })
	return out
}

// Close stops every listener.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	listeners := make([]*Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, l := range listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Close()
		}()
	}
	wg.Wait()
}
