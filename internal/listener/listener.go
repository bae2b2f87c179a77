// Package listener keeps one event connection open per switch and feeds
// decoded call events to a Handler in arrival order.
package listener

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"outdial/internal/ami"
	"outdial/internal/logging"
	"outdial/internal/session"
	"outdial/internal/tenant"
)

// State of a listener's connection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "idle"
	}
}

// DefaultReconnectInterval is the fixed backoff between connection attempts.
const DefaultReconnectInterval = 5 * time.Second

// Handler receives decoded events. Calls are sequential per listener.
type Handler interface {
	HandleEvent(ctx context.Context, switchAddr string, ev ami.CallEvent)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, switchAddr string, ev ami.CallEvent)

func (f HandlerFunc) HandleEvent(ctx context.Context, switchAddr string, ev ami.CallEvent) {
	f(ctx, switchAddr, ev)
}

// Options configures listeners.
type Options struct {
	Dial              ami.DialOptions
	ReconnectInterval time.Duration
	// OnState is called on every state change.
	OnState func(switchAddr string, state State)
	// OnRaw is called for every message read, before decoding.
	OnRaw func(switchAddr string, msg ami.Message)
}

// Listener supervises the event connection to one switch.
type Listener struct {
	addr     string
	handler  Handler
	registry *session.Registry
	opts     Options
	log      *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	creds     ami.Credentials
	state     State
	started   bool
	connected chan struct{} // closed while connected
}

// New returns an idle listener for the switch at addr.
func New(addr string, handler Handler, registry *session.Registry, opts Options, logger logrus.FieldLogger) *Listener {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	opts.Dial.Events = true

	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		addr:      addr,
		handler:   handler,
		registry:  registry,
		opts:      opts,
		log:       logging.Component(logger, "AMIListener").WithField("switch", addr),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		connected: make(chan struct{}),
	}
}

// Ensure registers t's dial context and starts the supervisor if it is not
// running yet. It never waits for the connection.
func (l *Listener) Ensure(ctx context.Context, t *tenant.Tenant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.registry.AddContext(t.DialContext)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	if l.ctx.Err() != nil {
		return l.ctx.Err()
	}
	l.creds = ami.Credentials{Address: l.addr, Username: t.Username, Secret: t.Password}
	l.started = true
	l.setStateLocked(StateConnecting)

	go l.run()
	return nil
}

// State returns the current connection state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Addr returns the switch address.
func (l *Listener) Addr() string {
	return l.addr
}

// WaitConnected blocks until the listener is connected or ctx is done.
func (l *Listener) WaitConnected(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.state == StateConnected {
			l.mu.Unlock()
			return nil
		}
		ch := l.connected
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-l.ctx.Done():
			return l.ctx.Err()
		}
	}
}

// Close stops the supervisor and waits for it to exit.
func (l *Listener) Close() {
	l.cancel()
	l.mu.Lock()
	started := l.started
	l.mu.Unlock()
	if started {
		<-l.done
	}
}

func (l *Listener) run() {
	defer close(l.done)
	defer l.setState(StateIdle)

	for {
		if l.ctx.Err() != nil {
			return
		}

		l.setState(StateConnecting)
		l.mu.Lock()
		creds := l.creds
		l.mu.Unlock()

		conn, err := ami.Dial(l.ctx, creds, l.opts.Dial)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			l.log.WithError(err).Error("event connection failed")
		} else {
			l.log.Info("event connection established")
			l.setState(StateConnected)
			err = l.read(conn)
			if l.ctx.Err() != nil {
				return
			}
			l.log.WithError(err).Warn("event connection lost")
		}

		l.setState(StateDisconnected)
		l.log.Infof("reconnecting in %s", l.opts.ReconnectInterval)

		timer := time.NewTimer(l.opts.ReconnectInterval)
		select {
		case <-l.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// read delivers events until the connection fails. No read deadline applies.
func (l *Listener) read(conn *ami.Conn) error {
	stop := context.AfterFunc(l.ctx, func() { conn.Close() })
	defer func() {
		if stop() {
			conn.Close()
		}
	}()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if l.opts.OnRaw != nil {
			l.opts.OnRaw(l.addr, msg)
		}
		ev, ok := ami.DecodeCallEvent(msg)
		if !ok {
			continue
		}
		l.handler.HandleEvent(l.ctx, l.addr, ev)
	}
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setStateLocked(s)
}

func (l *Listener) setStateLocked(s State) {
	if l.state == s {
		return
	}
	prev := l.state
	l.state = s
	switch {
	case s == StateConnected:
		close(l.connected)
	case prev == StateConnected:
		l.connected = make(chan struct{})
	}
	if l.opts.OnState != nil {
		l.opts.OnState(l.addr, s)
	}
}
