package ftpscan

import (
	"context"
	"time"
)

// Progress is a point-in-time snapshot of a running scan. Completed only
// ever grows and reaches Planned when every address has been probed.
type Progress struct {
	Planned     int       `json:"planned"`
	Started     int       `json:"started"`
	Completed   int       `json:"completed"`
	Anonymous   int       `json:"anonymous"`
	Restricted  int       `json:"restricted"`
	Unreachable int       `json:"unreachable"`
	Active      int       `json:"active"`
	PPS         float64   `json:"pps"`
	UptimeMs    int64     `json:"uptimeMs"`
	Timestamp   time.Time `json:"timestamp"`
}

type progressKind int

const (
	progressStarted progressKind = iota
	progressFinished
)

type progressEvent struct {
	kind    progressKind
	outcome OutcomeKind
	count   int
}

type progressReporter struct {
	planned int
	ch      chan progressEvent
	out     chan<- Progress
	ctx     context.Context
	done    chan struct{}
	conc    *concurrencyManager
}

func newProgressReporter(ctx context.Context, out chan<- Progress, planned int, conc *concurrencyManager) *progressReporter {
	reporter := &progressReporter{
		planned: planned,
		ch:      make(chan progressEvent, 128),
		out:     out,
		ctx:     ctx,
		done:    make(chan struct{}),
		conc:    conc,
	}
	go reporter.loop()
	return reporter
}

func (r *progressReporter) loop() {
	defer close(r.done)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var snapshot Progress
	snapshot.Planned = r.planned
	pending := false

	// periodic snapshots are dropped while the consumer lags, the final one
	// waits for it
	flush := func(final bool) {
		if !pending {
			return
		}
		snapshot.Timestamp = time.Now()
		snapshot.Active = snapshot.Started - snapshot.Completed
		if snapshot.Active < 0 {
			snapshot.Active = 0
		}
		if r.conc != nil {
			snapshot.PPS = r.conc.EffectivePPS()
			snapshot.UptimeMs = r.conc.Uptime().Milliseconds()
		}
		if !final {
			select {
			case r.out <- snapshot:
				pending = false
			default:
			}
			return
		}
		select {
		case r.out <- snapshot:
		case <-r.ctx.Done():
		}
		pending = false
	}

	for {
		select {
		case <-r.ctx.Done():
			flush(false)
			return
		case ev, ok := <-r.ch:
			if !ok {
				pending = true
				flush(true)
				return
			}
			switch ev.kind {
			case progressStarted:
				snapshot.Started += ev.count
			case progressFinished:
				snapshot.Completed += ev.count
				switch ev.outcome {
				case Anonymous:
					snapshot.Anonymous += ev.count
				case RestrictedFTP:
					snapshot.Restricted += ev.count
				default:
					snapshot.Unreachable += ev.count
				}
			}
			pending = true
		case <-ticker.C:
			pending = true
			flush(false)
		}
	}
}

func (r *progressReporter) Started(n int) {
	r.send(progressEvent{kind: progressStarted, count: n})
}

func (r *progressReporter) Finished(kind OutcomeKind) {
	r.send(progressEvent{kind: progressFinished, outcome: kind, count: 1})
}

func (r *progressReporter) send(ev progressEvent) {
	select {
	case r.ch <- ev:
	case <-r.ctx.Done():
	}
}

// Close flushes a final snapshot and waits for the loop to exit.
func (r *progressReporter) Close() {
	close(r.ch)
	<-r.done
}
