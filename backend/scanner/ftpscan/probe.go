package ftpscan

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"

	"sledge/backend/ftpclient"
)

// Prober attempts one anonymous login per address.
type Prober struct {
	Dialer   ftpclient.Dialer
	Port     int
	User     string
	Password string
}

func NewProber(dialer ftpclient.Dialer, params ScanParams) *Prober {
	if dialer == nil {
		dialer = ftpclient.NewNetDialer(params.Timeout)
	}
	return &Prober{
		Dialer:   dialer,
		Port:     params.Port,
		User:     params.User,
		Password: params.Password,
	}
}

// Probe connects, logs in and quits. Once a control connection exists the
// session is always terminated with QUIT, whatever the login result.
func (p *Prober) Probe(ctx context.Context, addr netip.Addr) Outcome {
	begin := time.Now()
	out := Outcome{Addr: addr, Kind: Unreachable}

	target := net.JoinHostPort(addr.String(), strconv.Itoa(p.Port))
	conn, err := p.Dialer.Dial(ctx, target)
	if err != nil {
		out.Err = err
		out.Duration = time.Since(begin)
		return out
	}

	loginErr := conn.Login(p.User, p.Password)
	// QUIT failures do not change the classification
	_ = conn.Quit()

	switch {
	case loginErr == nil:
		out.Kind = Anonymous
	case ftpclient.IsPermissionDenied(loginErr):
		out.Kind = RestrictedFTP
		out.Err = loginErr
	default:
		out.Err = loginErr
	}
	out.Duration = time.Since(begin)
	return out
}
