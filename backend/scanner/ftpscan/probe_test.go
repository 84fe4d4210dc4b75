package ftpscan

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"sledge/backend/ftpclient"
	"sledge/backend/ftpclient/ftptest"
)

func TestProbeOutcomes(t *testing.T) {
	srv := ftptest.NewServer()
	srv.AddHost("10.0.0.5", &ftptest.Host{Files: map[string][]byte{"/readme.txt": []byte("hi")}})
	srv.AddHost("10.0.0.6", &ftptest.Host{Reject: true})

	prober := NewProber(srv, ScanParams{}.WithDefaults(DefaultOptions{}))
	cases := []struct {
		addr string
		want OutcomeKind
	}{
		{"10.0.0.5", Anonymous},
		{"10.0.0.6", RestrictedFTP},
		{"10.0.0.7", Unreachable},
	}
	for _, tc := range cases {
		out := prober.Probe(context.Background(), netip.MustParseAddr(tc.addr))
		if out.Kind != tc.want {
			t.Fatalf("%s: got %s, want %s (err=%v)", tc.addr, out.Kind, tc.want, out.Err)
		}
		if out.Addr.String() != tc.addr {
			t.Fatalf("outcome carries %s, want %s", out.Addr, tc.addr)
		}
	}

	// every established session is closed, including the rejected one
	if srv.Quits("10.0.0.5") != 1 || srv.Quits("10.0.0.6") != 1 {
		t.Fatalf("expected one QUIT per session, got %d and %d", srv.Quits("10.0.0.5"), srv.Quits("10.0.0.6"))
	}
	if srv.Logins("10.0.0.6") != 1 {
		t.Fatalf("probe must not retry the login")
	}
}

func TestProbeUsesConfiguredPortAndCredentials(t *testing.T) {
	rec := &recordingDialer{}
	prober := NewProber(rec, ScanParams{Port: 2121, User: "ftp", Password: "guest@"})
	out := prober.Probe(context.Background(), netip.MustParseAddr("192.0.2.1"))
	if out.Kind != Anonymous {
		t.Fatalf("expected anonymous, got %s", out.Kind)
	}
	if rec.addr != "192.0.2.1:2121" {
		t.Fatalf("dialed %q", rec.addr)
	}
	if rec.conn.user != "ftp" || rec.conn.pass != "guest@" {
		t.Fatalf("logged in as %q/%q", rec.conn.user, rec.conn.pass)
	}
	if !rec.conn.quit {
		t.Fatalf("session not terminated")
	}
}

func TestProbeTransientLoginFailureIsUnreachable(t *testing.T) {
	rec := &recordingDialer{loginErr: &net.OpError{Op: "read", Net: "tcp", Err: timeoutErr{}}}
	prober := NewProber(rec, ScanParams{Port: 21})
	out := prober.Probe(context.Background(), netip.MustParseAddr("192.0.2.2"))
	if out.Kind != Unreachable {
		t.Fatalf("expected unreachable, got %s", out.Kind)
	}
	if !rec.conn.quit {
		t.Fatalf("session must be closed on every path")
	}
}

type recordingDialer struct {
	addr     string
	loginErr error
	conn     *recordingConn
}

func (d *recordingDialer) Dial(_ context.Context, addr string) (ftpclient.Conn, error) {
	d.addr = addr
	d.conn = &recordingConn{loginErr: d.loginErr}
	return d.conn, nil
}

type recordingConn struct {
	ftpclient.Conn
	user, pass string
	loginErr   error
	quit       bool
}

func (c *recordingConn) Login(user, pass string) error {
	c.user, c.pass = user, pass
	return c.loginErr
}

func (c *recordingConn) Quit() error {
	c.quit = true
	return nil
}

type slowDialer struct {
	inner    ftpclient.Dialer
	slowHost string
	delay    time.Duration
}

func (d *slowDialer) Dial(ctx context.Context, addr string) (ftpclient.Conn, error) {
	if host, _, _ := net.SplitHostPort(addr); host == d.slowHost {
		time.Sleep(d.delay)
	}
	return d.inner.Dial(ctx, addr)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }
