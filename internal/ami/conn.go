package ami

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

var (
	// ErrTransport covers connect, read and write failures and timeouts. Retryable.
	ErrTransport = errors.New("ami transport error")
	// ErrRejected is returned when the switch answers an action with an error.
	ErrRejected = errors.New("ami action rejected")
)

// Credentials identify one AMI login on one switch.
type Credentials struct {
	Address  string
	Username string
	Secret   string
}

// DialOptions controls how a connection is opened.
type DialOptions struct {
	ConnectTimeout time.Duration
	// CommandTimeout bounds login and every Command round trip. Zero means no bound.
	CommandTimeout time.Duration
	// Events asks the switch to stream events on this connection.
	Events bool
	// DialContext overrides the TCP dialer.
	DialContext func(ctx context.Context, network, address string) (net.Conn, error)
}

// Conn is one authenticated AMI connection. Send is safe for concurrent use;
// reads must come from a single goroutine.
type Conn struct {
	conn           net.Conn
	parser         *Parser
	writeMu        sync.Mutex
	banner         string
	commandTimeout time.Duration
}

// Dial connects, reads the banner and logs in.
func Dial(ctx context.Context, creds Credentials, opts DialOptions) (*Conn, error) {
	dial := opts.DialContext
	if dial == nil {
		d := &net.Dialer{Timeout: opts.ConnectTimeout}
		dial = d.DialContext
	}

	nc, err := dial(ctx, "tcp", creds.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, creds.Address, err)
	}

	c := &Conn{
		conn:           nc,
		parser:         NewParser(nc),
		commandTimeout: opts.CommandTimeout,
	}

	if opts.CommandTimeout > 0 {
		_ = nc.SetDeadline(time.Now().Add(opts.CommandTimeout))
	}

	banner, err := c.parser.ReadLine()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: reading banner: %w", ErrTransport, err)
	}
	c.banner = banner

	events := "off"
	if opts.Events {
		events = "on"
	}
	login := NewAction("Login").
		Set("Username", creds.Username).
		Set("Secret", creds.Secret).
		Set("Events", events)

	if _, err := c.Command(ctx, login); err != nil {
		nc.Close()
		return nil, fmt.Errorf("login %s: %w", creds.Address, err)
	}

	_ = nc.SetDeadline(time.Time{})
	return c, nil
}

// Banner returns the greeting line sent by the switch.
func (c *Conn) Banner() string {
	return c.banner
}

// Send writes an action.
func (c *Conn) Send(a *Action) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.commandTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.commandTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := c.conn.Write([]byte(a.String())); err != nil {
		return fmt.Errorf("%w: sending %s: %w", ErrTransport, a.Name(), err)
	}
	return nil
}

// ReadMessage blocks until the next block arrives. It has no deadline of its own.
func (c *Conn) ReadMessage() (Message, error) {
	m, err := c.parser.Next()
	if err != nil {
		return Message{}, fmt.Errorf("%w: read: %w", ErrTransport, err)
	}
	return m, nil
}

// Command sends a and waits for the response carrying its ActionID. Events
// read in the meantime are discarded. A "Response: Error" yields ErrRejected.
func (c *Conn) Command(ctx context.Context, a *Action) (Message, error) {
	id := a.ID()

	deadline := time.Time{}
	if c.commandTimeout > 0 {
		deadline = time.Now().Add(c.commandTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := c.Send(a); err != nil {
		return Message{}, err
	}

	for {
		m, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return Message{}, fmt.Errorf("%w: %s: %w", ErrTransport, a.Name(), ctx.Err())
			}
			return Message{}, err
		}
		if !m.IsResponse() || m.ActionID() != id {
			continue
		}
		if strings.EqualFold(m.Get("Response"), "Error") {
			return m, fmt.Errorf("%w: %s: %s", ErrRejected, a.Name(), m.Get("Message"))
		}
		return m, nil
	}
}

// Close logs off best-effort and closes the socket.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = c.conn.Write([]byte(NewAction("Logoff").String()))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// RemoteAddr returns the switch address.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
