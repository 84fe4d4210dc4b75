package ftpscan

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"sledge/backend/ftpclient/ftptest"
)

type collected struct {
	outcomes []Outcome
	last     Progress
	progress int
	err      error
}

func drain(t *testing.T, results <-chan Outcome, progress <-chan Progress, errs <-chan error) collected {
	t.Helper()
	var c collected
	deadline := time.After(10 * time.Second)
	for results != nil || progress != nil || errs != nil {
		select {
		case out, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			c.outcomes = append(c.outcomes, out)
		case p, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			if p.Completed < c.last.Completed {
				t.Fatalf("completed count went backwards: %d after %d", p.Completed, c.last.Completed)
			}
			c.last = p
			c.progress++
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.err = err
		case <-deadline:
			t.Fatalf("timeout waiting for scan to finish")
		}
	}
	return c
}

func TestRunNoReachableHosts(t *testing.T) {
	srv := ftptest.NewServer()
	engine := NewEngine(DefaultOptions{}, srv, nil)

	results, progress, errs, err := engine.Run(context.Background(), ScanParams{Range: "10.0.0.0/30"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := drain(t, results, progress, errs)
	if got.err != nil {
		t.Fatalf("unexpected scan error: %v", got.err)
	}
	if len(got.outcomes) != 4 {
		t.Fatalf("expected 4 outcomes, got %d", len(got.outcomes))
	}
	for _, out := range got.outcomes {
		if out.Kind != Unreachable {
			t.Fatalf("%s: expected unreachable, got %s", out.Addr, out.Kind)
		}
		if out.Err == nil {
			t.Fatalf("%s: unreachable outcome should carry its cause", out.Addr)
		}
	}
	if got.last.Completed != 4 || got.last.Planned != 4 || got.last.Unreachable != 4 {
		t.Fatalf("unexpected final progress: %+v", got.last)
	}
}

func TestRunClassifiesEveryAddressOnce(t *testing.T) {
	srv := ftptest.NewServer()
	srv.AddHost("172.16.0.3", &ftptest.Host{})
	srv.AddHost("172.16.0.9", &ftptest.Host{Reject: true})
	srv.AddHost("172.16.0.12", &ftptest.Host{})
	engine := NewEngine(DefaultOptions{Threads: 4}, srv, nil)

	results, progress, errs, err := engine.Run(context.Background(), ScanParams{Range: "172.16.0.0/28"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := drain(t, results, progress, errs)

	seen := make(map[netip.Addr]OutcomeKind)
	for _, out := range got.outcomes {
		if _, dup := seen[out.Addr]; dup {
			t.Fatalf("%s produced more than one outcome", out.Addr)
		}
		seen[out.Addr] = out.Kind
	}
	if len(seen) != 16 {
		t.Fatalf("expected 16 distinct outcomes, got %d", len(seen))
	}
	counts := map[OutcomeKind]int{}
	for _, kind := range seen {
		counts[kind]++
	}
	if counts[Anonymous] != 2 || counts[RestrictedFTP] != 1 || counts[Unreachable] != 13 {
		t.Fatalf("unexpected classification: %v", counts)
	}
	if seen[netip.MustParseAddr("172.16.0.9")] != RestrictedFTP {
		t.Fatalf("172.16.0.9 should be restricted")
	}
	if got.last.Anonymous+got.last.Restricted+got.last.Unreachable != got.last.Planned {
		t.Fatalf("categorised counts do not add up: %+v", got.last)
	}
}

func TestRunBoundsInflightProbes(t *testing.T) {
	srv := ftptest.NewServer()
	srv.Latency = 20 * time.Millisecond
	for _, host := range []string{"10.1.0.1", "10.1.0.2", "10.1.0.3", "10.1.0.4", "10.1.0.5"} {
		srv.AddHost(host, &ftptest.Host{})
	}
	engine := NewEngine(DefaultOptions{}, srv, nil)

	results, progress, errs, err := engine.Run(context.Background(), ScanParams{Range: "10.1.0.0/27", Threads: 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := drain(t, results, progress, errs)
	if len(got.outcomes) != 32 {
		t.Fatalf("expected 32 outcomes, got %d", len(got.outcomes))
	}
	if peak := srv.MaxInflight(); peak > 3 {
		t.Fatalf("observed %d probes in flight, limit is 3", peak)
	}
}

func TestRunCompletionOrder(t *testing.T) {
	srv := ftptest.NewServer()
	srv.AddHost("10.2.0.1", &ftptest.Host{})
	slow := &slowDialer{inner: srv, slowHost: "10.2.0.0", delay: 300 * time.Millisecond}
	engine := NewEngine(DefaultOptions{Threads: 2}, slow, nil)

	results, progress, errs, err := engine.Run(context.Background(), ScanParams{Range: "10.2.0.0/31"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := drain(t, results, progress, errs)
	if len(got.outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(got.outcomes))
	}
	if got.outcomes[0].Addr.String() != "10.2.0.1" {
		t.Fatalf("fast probe should arrive first, got %s", got.outcomes[0].Addr)
	}
}

func TestRunInvalidRange(t *testing.T) {
	engine := NewEngine(DefaultOptions{}, ftptest.NewServer(), nil)
	if _, _, _, err := engine.Run(context.Background(), ScanParams{Range: "10.0.0.0/40"}); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
	if _, err := engine.EstimateWorkload(ScanParams{Range: "nope"}); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange from EstimateWorkload, got %v", err)
	}
	n, err := engine.EstimateWorkload(ScanParams{Range: "10.0.0.0/24"})
	if err != nil || n != 256 {
		t.Fatalf("EstimateWorkload = %d, %v", n, err)
	}
}

func TestRunCancelStopsDispatch(t *testing.T) {
	srv := ftptest.NewServer()
	srv.Latency = 50 * time.Millisecond
	engine := NewEngine(DefaultOptions{Threads: 2}, srv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	results, progress, errs, err := engine.Run(ctx, ScanParams{Range: "10.3.0.0/20"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	time.AfterFunc(120*time.Millisecond, cancel)
	got := drain(t, results, progress, errs)
	if !errors.Is(got.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", got.err)
	}
	if len(got.outcomes) >= 4096 {
		t.Fatalf("cancel did not stop dispatching")
	}
}
