package ftp

import (
	"time"

	"sledge/backend/constant/status"
	"sledge/backend/mirror"
	"sledge/backend/scanner/ftpscan"
)

// Request is one scan invocation.
type Request struct {
	Scan ftpscan.ScanParams `json:"scan"`
	// Mirror copies the tree of every anonymous host under MirrorRoot.
	Mirror     bool   `json:"mirror"`
	MirrorRoot string `json:"mirrorRoot,omitempty"`
}

// Task is the state of one scan session. The host lists keep arrival order.
type Task struct {
	ID          int64              `json:"id" yaml:"id"`
	Status      status.Status      `json:"status" yaml:"status"`
	CreatedAt   time.Time          `json:"createdAt" yaml:"createdAt"`
	StartedAt   time.Time          `json:"startedAt" yaml:"startedAt"`
	CompletedAt time.Time          `json:"completedAt" yaml:"completedAt"`
	Params      ftpscan.ScanParams `json:"params" yaml:"params"`
	Mirror      bool               `json:"mirror" yaml:"mirror"`
	MirrorRoot  string             `json:"mirrorRoot,omitempty" yaml:"mirrorRoot,omitempty"`
	Metrics     TaskMetrics        `json:"metrics" yaml:"metrics"`
	Anonymous   []string           `json:"anonymous" yaml:"anonymous"`
	Restricted  []string           `json:"restricted" yaml:"restricted"`
	Mirrors     []mirror.Result    `json:"mirrors,omitempty" yaml:"mirrors,omitempty"`
	Error       string             `json:"error,omitempty" yaml:"error,omitempty"`
}

// TaskMetrics keeps lightweight counters used to render progress.
type TaskMetrics struct {
	Planned       int       `json:"planned" yaml:"planned"`
	Started       int       `json:"started" yaml:"started"`
	Completed     int       `json:"completed" yaml:"completed"`
	Anonymous     int       `json:"anonymous" yaml:"anonymous"`
	Restricted    int       `json:"restricted" yaml:"restricted"`
	Unreachable   int       `json:"unreachable" yaml:"unreachable"`
	Active        int       `json:"active" yaml:"active"`
	PPS           float64   `json:"pps" yaml:"pps"`
	UptimeMs      int64     `json:"uptimeMs" yaml:"uptimeMs"`
	LastResult    time.Time `json:"lastResult" yaml:"lastResult"`
	MirrorsQueued int       `json:"mirrorsQueued" yaml:"mirrorsQueued"`
	MirrorsDone   int       `json:"mirrorsDone" yaml:"mirrorsDone"`
	MirrorsFailed int       `json:"mirrorsFailed" yaml:"mirrorsFailed"`
	FilesMirrored int       `json:"filesMirrored" yaml:"filesMirrored"`
	BytesMirrored int64     `json:"bytesMirrored" yaml:"bytesMirrored"`
}

// TaskEvent notifies subscribers about status changes, classified hosts and
// finished mirrors.
type TaskEvent struct {
	TaskID  int64            `json:"taskId"`
	Status  status.Status    `json:"status"`
	Outcome *ftpscan.Outcome `json:"outcome,omitempty"`
	Mirror  *mirror.Result   `json:"mirror,omitempty"`
	Metrics TaskMetrics      `json:"metrics"`
	Message string           `json:"message,omitempty"`
	Error   string           `json:"error,omitempty"`
}
