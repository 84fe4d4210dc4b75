package ftpscan

import (
	"net/netip"
	"time"
)

// OutcomeKind classifies one probe.
type OutcomeKind int

const (
	Unreachable OutcomeKind = iota
	Anonymous
	RestrictedFTP
)

func (k OutcomeKind) String() string {
	switch k {
	case Anonymous:
		return "anonymous"
	case RestrictedFTP:
		return "restricted"
	default:
		return "unreachable"
	}
}

func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Outcome is produced exactly once for every dispatched address.
type Outcome struct {
	Addr     netip.Addr    `json:"addr"`
	Kind     OutcomeKind   `json:"kind"`
	Duration time.Duration `json:"duration"`
	// Err is the cause behind Unreachable and RestrictedFTP. It is kept for
	// logging only; neither kind is an error of the scan.
	Err error `json:"-"`
}

func (o Outcome) Host() string {
	return o.Addr.String()
}
