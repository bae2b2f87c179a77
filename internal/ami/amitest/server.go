// Package amitest provides an in-process AMI server for tests.
package amitest

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"outdial/internal/ami"
)

// Banner is the greeting written to every connection.
const Banner = "Asterisk Call Manager/5.0.1"

// OriginateFunc answers an Originate action with extra response headers, or
// an error message to reply with "Response: Error".
type OriginateFunc func(action ami.Message) (headers []string, errMessage string)

// Server accepts AMI connections on 127.0.0.1.
type Server struct {
	t        testing.TB
	ln       net.Listener
	username string
	secret   string

	mu         sync.Mutex
	conns      map[net.Conn]bool // value reports Events: on
	actions    []ami.Message
	originate  OriginateFunc
	silent     bool
	logins     int
	eventReady chan struct{}
	wg         sync.WaitGroup
}

// NewServer starts a server that accepts username/secret and closes itself on test cleanup.
func NewServer(t testing.TB, username, secret string) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{
		t:          t,
		ln:         ln,
		username:   username,
		secret:     secret,
		conns:      make(map[net.Conn]bool),
		eventReady: make(chan struct{}, 16),
	}
	s.wg.Add(1)
	go s.accept()
	t.Cleanup(s.Close)
	return s
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// HostPort splits Addr.
func (s *Server) HostPort() (string, int) {
	addr := s.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// OnOriginate replaces the Originate handler.
func (s *Server) OnOriginate(fn OriginateFunc) {
	s.mu.Lock()
	s.originate = fn
	s.mu.Unlock()
}

// Silent makes the server stop answering actions other than Login.
func (s *Server) Silent(v bool) {
	s.mu.Lock()
	s.silent = v
	s.mu.Unlock()
}

// Actions returns every action received after login, in order.
func (s *Server) Actions() []ami.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ami.Message(nil), s.actions...)
}

// Logins returns the number of successful logins.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// WaitEventConn blocks until a connection logs in with Events: on.
func (s *Server) WaitEventConn(timeout time.Duration) {
	s.t.Helper()
	select {
	case <-s.eventReady:
	case <-time.After(timeout):
		s.t.Fatalf("no event connection within %s", timeout)
	}
}

// Emit writes an event block from alternating keys and values to every event connection.
func (s *Server) Emit(kvs ...string) {
	var b strings.Builder
	for i := 0; i+1 < len(kvs); i += 2 {
		fmt.Fprintf(&b, "%s: %s\r\n", kvs[i], kvs[i+1])
	}
	b.WriteString("\r\n")

	s.mu.Lock()
	defer s.mu.Unlock()
	for c, events := range s.conns {
		if events {
			_, _ = c.Write([]byte(b.String()))
		}
	}
}

// DropConnections closes every open connection and keeps listening.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
		delete(s.conns, c)
	}
}

// Close stops the listener and all connections.
func (s *Server) Close() {
	s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[c] = false
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.Close()
	}()

	if _, err := c.Write([]byte(Banner + "\r\n")); err != nil {
		return
	}

	parser := ami.NewParser(c)
	authed := false
	for {
		m, err := parser.Next()
		if err != nil {
			return
		}
		id := m.ActionID()

		switch strings.ToLower(m.Get("Action")) {
		case "login":
			if m.Get("Username") != s.username || m.Get("Secret") != s.secret {
				s.reply(c, id, "Error", "Message", "Authentication failed")
				return
			}
			authed = true
			events := strings.EqualFold(m.Get("Events"), "on")
			s.mu.Lock()
			s.logins++
			if _, ok := s.conns[c]; ok {
				s.conns[c] = events
			}
			s.mu.Unlock()
			s.reply(c, id, "Success", "Message", "Authentication accepted")
			if events {
				select {
				case s.eventReady <- struct{}{}:
				default:
				}
			}

		case "logoff":
			s.reply(c, id, "Goodbye", "Message", "Thanks for all the fish.")
			return

		default:
			if !authed {
				s.reply(c, id, "Error", "Message", "Permission denied")
				continue
			}
			s.mu.Lock()
			s.actions = append(s.actions, m)
			silent := s.silent
			originate := s.originate
			s.mu.Unlock()
			if silent {
				continue
			}

			if strings.EqualFold(m.Get("Action"), "Originate") && originate != nil {
				headers, errMessage := originate(m)
				if errMessage != "" {
					s.reply(c, id, "Error", "Message", errMessage)
					continue
				}
				s.reply(c, id, "Success", append([]string{"Message", "Originate successfully queued"}, headers...)...)
				continue
			}
			s.reply(c, id, "Success", "Message", "Originate successfully queued")
		}
	}
}

func (s *Server) reply(c net.Conn, actionID, response string, kvs ...string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Response: %s\r\n", response)
	if actionID != "" {
		fmt.Fprintf(&b, "ActionID: %s\r\n", actionID)
	}
	for i := 0; i+1 < len(kvs); i += 2 {
		fmt.Fprintf(&b, "%s: %s\r\n", kvs[i], kvs[i+1])
	}
	b.WriteString("\r\n")

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = c.Write([]byte(b.String()))
}
