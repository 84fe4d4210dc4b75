package ftpscan

import (
	"context"
	"net/netip"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"sledge/backend/ftpclient"
)

// resultBuffer caps the outcome channel buffer so a slow consumer does not
// stall workers for small ranges.
const resultBuffer = 1024

// Engine a light-weight orchestrator that fans probes of one address range out
// over a bounded worker pool.
type Engine struct {
	defaults DefaultOptions
	dialer   ftpclient.Dialer
	logger   *logrus.Entry
	mu       sync.RWMutex
}

// NewEngine creates a new Engine using the provided defaults (falling back to
// sensible values when omitted). A nil dialer dials real servers.
func NewEngine(defaults DefaultOptions, dialer ftpclient.Dialer, logger *logrus.Entry) *Engine {
	if logger == nil {
		logger = logrus.New().WithField("component", "ftpscan")
	}
	return &Engine{
		defaults: normalizeDefaults(defaults),
		dialer:   dialer,
		logger:   logger,
	}
}

// UpdateDefaults atomically replaces the engine default options.
func (e *Engine) UpdateDefaults(next DefaultOptions) {
	e.mu.Lock()
	e.defaults = normalizeDefaults(next)
	e.mu.Unlock()
}

// Defaults returns a snapshot of the current default options.
func (e *Engine) Defaults() DefaultOptions {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defaults
}

// EstimateWorkload returns the number of addresses the parameters expand to.
func (e *Engine) EstimateWorkload(params ScanParams) (int, error) {
	params = params.WithDefaults(e.Defaults())
	rng, err := ParseRange(params.Range)
	if err != nil {
		return 0, err
	}
	return rng.Count(), nil
}

// Run kicks off a scan and returns three channels: outcomes in completion
// order, progress snapshots, and operational errors. All three are closed once
// every dispatched address has produced its outcome. Cancelling ctx stops
// dispatching further addresses.
func (e *Engine) Run(ctx context.Context, params ScanParams) (<-chan Outcome, <-chan Progress, <-chan error, error) {
	params = params.WithDefaults(e.Defaults())

	rng, err := ParseRange(params.Range)
	if err != nil {
		return nil, nil, nil, err
	}
	planned := rng.Count()

	dialer := e.dialer
	if dialer == nil {
		dialer = ftpclient.NewNetDialer(params.Timeout)
	}
	prober := NewProber(dialer, params)
	concurrencyMgr := newConcurrencyManager(params, planned)

	buffer := planned
	if buffer > resultBuffer {
		buffer = resultBuffer
	}
	results := make(chan Outcome, buffer)
	progress := make(chan Progress, 32)
	errs := make(chan error, 1)

	log := e.logger.WithField("range", rng.String())
	log.WithField("addresses", planned).
		WithField("workers", concurrencyMgr.Workers()).
		Debug("scan started")

	go func() {
		defer close(results)
		defer close(progress)
		defer close(errs)

		reporter := newProgressReporter(ctx, progress, planned, concurrencyMgr)
		defer reporter.Close()

		var wg sync.WaitGroup
		pool, err := ants.NewPoolWithFunc(concurrencyMgr.Workers(), func(item interface{}) {
			addr := item.(netip.Addr)
			defer wg.Done()

			reporter.Started(1)
			concurrencyMgr.RecordStart()

			out := prober.Probe(ctx, addr)
			concurrencyMgr.RecordFinish(out.Kind, out.Duration)
			reporter.Finished(out.Kind)
			if out.Kind == Unreachable {
				log.WithField("addr", out.Host()).WithError(out.Err).Trace("probe unreachable")
			}
			select {
			case results <- out:
			case <-ctx.Done():
			}
		})
		if err != nil {
			errs <- errors.Wrap(err, "create probe pool")
			return
		}
		defer pool.Release()

		loopErr := dispatchAddresses(ctx, &wg, pool, rng)
		wg.Wait()

		log.WithField("peakInflight", concurrencyMgr.PeakInflight()).Debug("scan finished")
		if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
			errs <- loopErr
			return
		}
		if ctx.Err() != nil {
			errs <- ctx.Err()
		}
	}()

	return results, progress, errs, nil
}

// dispatchAddresses feeds the pool one address at a time. Invoke blocks while
// every worker is busy, which is what bounds the number of probes in flight.
func dispatchAddresses(ctx context.Context, wg *sync.WaitGroup, pool *ants.PoolWithFunc, rng *AddressRange) error {
	for addr, ok := rng.Next(); ok; addr, ok = rng.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		wg.Add(1)
		if err := pool.Invoke(addr); err != nil {
			wg.Done()
			return errors.Wrapf(err, "dispatch %s", addr)
		}
	}
	return nil
}
