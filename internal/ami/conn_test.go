package ami_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"outdial/internal/ami"
	"outdial/internal/ami/amitest"
	"outdial/internal/logging"
)

func dialOpts() ami.DialOptions {
	return ami.DialOptions{ConnectTimeout: time.Second, CommandTimeout: time.Second}
}

func TestDialLogin(t *testing.T) {
	srv := amitest.NewServer(t, "admin", "secret")

	conn, err := ami.Dial(context.Background(), ami.Credentials{Address: srv.Addr(), Username: "admin", Secret: "secret"}, dialOpts())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if conn.Banner() != amitest.Banner {
		t.Errorf("Banner = %q", conn.Banner())
	}
	if srv.Logins() != 1 {
		t.Errorf("Logins = %d, want 1", srv.Logins())
	}
}

func TestDialBadCredentials(t *testing.T) {
	srv := amitest.NewServer(t, "admin", "secret")

	_, err := ami.Dial(context.Background(), ami.Credentials{Address: srv.Addr(), Username: "admin", Secret: "wrong"}, dialOpts())
	if !errors.Is(err, ami.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestDialUnreachable(t *testing.T) {
	srv := amitest.NewServer(t, "admin", "secret")
	addr := srv.Addr()
	srv.Close()

	_, err := ami.Dial(context.Background(), ami.Credentials{Address: addr, Username: "admin", Secret: "secret"}, dialOpts())
	if !errors.Is(err, ami.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
}

func TestCommandTimeout(t *testing.T) {
	srv := amitest.NewServer(t, "admin", "secret")
	opts := dialOpts()
	opts.CommandTimeout = 200 * time.Millisecond

	conn, err := ami.Dial(context.Background(), ami.Credentials{Address: srv.Addr(), Username: "admin", Secret: "secret"}, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	srv.Silent(true)
	_, err = conn.Command(context.Background(), ami.NewAction("Ping"))
	if !errors.Is(err, ami.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
}

func TestCommandContextCancel(t *testing.T) {
	srv := amitest.NewServer(t, "admin", "secret")
	opts := dialOpts()
	opts.CommandTimeout = 0

	conn, err := ami.Dial(context.Background(), ami.Credentials{Address: srv.Addr(), Username: "admin", Secret: "secret"}, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	srv.Silent(true)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err = conn.Command(ctx, ami.NewAction("Ping"))
	if !errors.Is(err, context.Canceled) || !errors.Is(err, ami.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport wrapping context.Canceled", err)
	}
}

func TestOriginateAck(t *testing.T) {
	srv := amitest.NewServer(t, "admin", "secret")
	srv.OnOriginate(func(m ami.Message) ([]string, string) {
		return []string{"Uniqueid", "1700000000.7"}, ""
	})

	o := ami.NewOriginator(dialOpts(), logging.Discard())
	res, err := o.Originate(context.Background(),
		ami.Credentials{Address: srv.Addr(), Username: "admin", Secret: "secret"},
		ami.OriginateParams{Channel: "SIP/carrier/5551234567", Context: "ctx", Extension: "s", Priority: 1, Async: true})
	if err != nil {
		t.Fatalf("Originate: %v", err)
	}
	if res.UniqueID != "1700000000.7" || res.ActionID == "" {
		t.Errorf("result = %+v", res)
	}

	actions := srv.Actions()
	if len(actions) != 1 || actions[0].Get("Action") != "Originate" {
		t.Fatalf("actions = %v", actions)
	}
	if actions[0].ActionID() != res.ActionID {
		t.Errorf("ActionID mismatch: %q vs %q", actions[0].ActionID(), res.ActionID)
	}
}

func TestOriginateChannelIDFallback(t *testing.T) {
	srv := amitest.NewServer(t, "admin", "secret")
	o := ami.NewOriginator(dialOpts(), logging.Discard())

	id := ami.NewChannelID()
	res, err := o.Originate(context.Background(),
		ami.Credentials{Address: srv.Addr(), Username: "admin", Secret: "secret"},
		ami.OriginateParams{Channel: "SIP/carrier/555", Context: "ctx", ChannelID: id})
	if err != nil {
		t.Fatal(err)
	}
	if res.UniqueID != id {
		t.Errorf("UniqueID = %q, want %q", res.UniqueID, id)
	}
}

func TestOriginateRejected(t *testing.T) {
	srv := amitest.NewServer(t, "admin", "secret")
	srv.OnOriginate(func(ami.Message) ([]string, string) {
		return nil, "Originate failed"
	})

	o := ami.NewOriginator(dialOpts(), logging.Discard())
	_, err := o.Originate(context.Background(),
		ami.Credentials{Address: srv.Addr(), Username: "admin", Secret: "secret"},
		ami.OriginateParams{Channel: "SIP/carrier/555", Context: "ctx"})
	if !errors.Is(err, ami.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}
