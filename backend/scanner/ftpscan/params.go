package ftpscan

import (
	"strings"
	"time"
)

const (
	DefaultThreads   = 10
	DefaultPort      = 21
	DefaultTimeout   = 5 * time.Second
	DefaultUser      = "anonymous"
	DefaultPassword  = "anonymous@example.com"
	maxDefaultThread = 4096
)

// DefaultOptions captures the baseline values applied to new scan requests
// when the caller does not specify an explicit value.
type DefaultOptions struct {
	Threads  int
	Port     int
	Timeout  time.Duration
	User     string
	Password string
}

// ScanParams models the user supplied parameters of one scan.
type ScanParams struct {
	// Range is a CIDR expression such as 192.168.1.0/24.
	Range    string        `json:"range"`
	Threads  int           `json:"threads"`
	Port     int           `json:"port"`
	Timeout  time.Duration `json:"timeout"`
	User     string        `json:"user"`
	Password string        `json:"password"`
}

// WithDefaults returns a copy of the scan parameters where empty fields are
// populated from the provided defaults.
func (p ScanParams) WithDefaults(d DefaultOptions) ScanParams {
	d = normalizeDefaults(d)
	cp := p
	cp.Range = strings.TrimSpace(cp.Range)
	if cp.Threads <= 0 {
		cp.Threads = d.Threads
	}
	if cp.Port <= 0 || cp.Port > 65535 {
		cp.Port = d.Port
	}
	if cp.Timeout <= 0 {
		cp.Timeout = d.Timeout
	}
	if strings.TrimSpace(cp.User) == "" {
		cp.User = d.User
	}
	if cp.Password == "" {
		cp.Password = d.Password
	}
	return cp
}

func normalizeDefaults(d DefaultOptions) DefaultOptions {
	out := d
	if out.Threads <= 0 {
		out.Threads = DefaultThreads
	}
	if out.Threads > maxDefaultThread {
		out.Threads = maxDefaultThread
	}
	if out.Port <= 0 || out.Port > 65535 {
		out.Port = DefaultPort
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(out.User) == "" {
		out.User = DefaultUser
	}
	if out.Password == "" {
		out.Password = DefaultPassword
	}
	return out
}
