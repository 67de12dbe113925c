package flockgate

import (
	"context"
	"errors"
	"math"
	"net/url"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/flockgate/flockgate/account"
	"github.com/flockgate/flockgate/breaker"
	"github.com/flockgate/flockgate/health"
)

// fakeProber records probes and fails on demand.
type fakeProber struct {
	mu     sync.Mutex
	probed []string
	err    error
}

func (p *fakeProber) Probe(ctx context.Context, acc *account.Account, proxyURL *url.URL) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, acc.Username)
	return p.err
}

func (p *fakeProber) Timeout() time.Duration {
	return 50 * time.Millisecond
}

func (p *fakeProber) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.probed...)
}

func TestSweepProbesIdleAccounts(t *testing.T) {
	up := newStubUpstream()
	o := newTestOrchestrator(t, up, "idle", "parked")
	o.health = health.NewTracker(health.Config{Cooldown: 5 * time.Millisecond}, o.registry)
	p := &fakeProber{}
	o.prober = p

	// the registry lock must keep parked out of probing even though its
	// tracker record looks idle
	if err := o.registry.MarkLocked("parked"); err != nil {
		t.Fatalf("cannot lock account: %s", err)
	}
	o.health.OnResult("idle", true, "", time.Millisecond)
	o.health.OnResult("parked", true, "", time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	o.sweep()

	if got := p.seen(); len(got) != 1 || got[0] != "idle" {
		t.Fatalf("expected exactly the idle account probed, got %v", got)
	}
	if got := o.health.Snapshot()["idle"].ConsecutiveSuccesses; got != 2 {
		t.Fatalf("a clean probe must count as a success, streak %d", got)
	}

	// a failing probe demotes the account like any other outcome
	p.err = errors.New("connection reset by peer")
	time.Sleep(20 * time.Millisecond)
	o.sweep()

	if got := p.seen(); len(got) != 2 {
		t.Fatalf("expected a second probe, got %v", got)
	}
	view := o.health.Snapshot()["idle"]
	if view.ConsecutiveFailures != 1 || len(view.ErrorHistory) != 1 {
		t.Fatalf("the failed probe must land in the health record: %+v", view)
	}
}

func TestSweepWithoutProber(t *testing.T) {
	up := newStubUpstream()
	o := newTestOrchestrator(t, up, "a")
	o.health = health.NewTracker(health.Config{Cooldown: time.Millisecond}, o.registry)
	o.prober = nil

	o.health.OnResult("a", true, "", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	o.sweep()
}

func TestAdjustRate(t *testing.T) {
	for _, tc := range []struct {
		name     string
		initial  float64
		requests int
		failures int
		want     float64
	}{
		{"grow", 10, 5, 0, 11},
		{"grow capped", 95, 5, 0, 100},
		{"shrink", 10, 10, 4, 5},
		{"shrink floored", 1.5, 10, 4, 1},
		{"hold", 10, 10, 2, 10},
	} {
		up := newStubUpstream()
		o := newTestOrchestrator(t, up, "a")
		o.limiter = rate.NewLimiter(rate.Limit(tc.initial), 1)
		for i := 0; i < tc.requests; i++ {
			o.health.CanRequest("a")
		}
		for i := 0; i < tc.failures; i++ {
			o.health.OnResult("a", false, "internal upstream error", 0)
		}

		o.adjustRate()
		if got := float64(o.limiter.Limit()); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("%s: limit %g, want %g", tc.name, got, tc.want)
		}
	}
}

func TestAdjustRateWithoutTraffic(t *testing.T) {
	up := newStubUpstream()
	o := newTestOrchestrator(t, up, "a")
	o.limiter = rate.NewLimiter(7, 1)

	o.adjustRate()
	if got := float64(o.limiter.Limit()); got != 7 {
		t.Fatalf("no traffic must leave the rate alone, got %g", got)
	}
}

func TestAdjustRateIgnoresTerminalAccounts(t *testing.T) {
	up := newStubUpstream()
	o := newTestOrchestrator(t, up, "good", "dead")
	o.limiter = rate.NewLimiter(rate.Limit(10), 1)

	for i := 0; i < 5; i++ {
		o.health.CanRequest("good")
	}
	// the suspended account's terrible rate must not drag the mean down
	for i := 0; i < 5; i++ {
		o.health.CanRequest("dead")
		o.health.OnResult("dead", false, "Response status: 401", 0)
	}

	o.adjustRate()
	if got := float64(o.limiter.Limit()); math.Abs(got-11) > 1e-9 {
		t.Fatalf("mean over live accounts should grow the rate, got %g", got)
	}
}

func TestFormatStatusCounts(t *testing.T) {
	got := formatStatusCounts(map[health.Status]int{
		health.StatusCooldown: 1,
		health.StatusHealthy:  2,
	})
	if got != "HEALTHY=2 COOLDOWN=1" {
		t.Fatalf("unexpected report %q", got)
	}
	if got := formatStatusCounts(map[health.Status]int{}); got != "none" {
		t.Fatalf("unexpected empty report %q", got)
	}
}

func TestBreakerStateValue(t *testing.T) {
	for state, want := range map[breaker.State]float64{
		breaker.StateClosed:   0,
		breaker.StateHalfOpen: 1,
		breaker.StateOpen:     2,
	} {
		if got := breakerStateValue(state); got != want {
			t.Fatalf("breakerStateValue(%s) = %g, want %g", state, got, want)
		}
	}
}

func TestReportStats(t *testing.T) {
	up := newStubUpstream()
	o := newTestOrchestrator(t, up, "a")
	if out := o.Execute(context.Background(), opGetProfile, profileOp("target")); out == nil {
		t.Fatalf("expected a payload")
	}
	o.reportStats()
}
