package status

type Status int

const (
	Running Status = iota
	OK
	Error
	Stopped
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case OK:
		return "ok"
	case Error:
		return "error"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
