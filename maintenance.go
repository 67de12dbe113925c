package flockgate

import (
	"context"
	"fmt"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/flockgate/flockgate/breaker"
	"github.com/flockgate/flockgate/health"
	"github.com/flockgate/flockgate/log"
)

const (
	statsInterval = 5 * time.Minute

	rateGrowAbove    = 0.9
	rateGrowFactor   = 1.1
	rateShrinkBelow  = 0.7
	rateShrinkFactor = 0.5
)

func (o *Orchestrator) startMaintenance() {
	sweepEvery := time.Duration(o.cfg.Health.SweepInterval)
	if sweepEvery <= 0 {
		sweepEvery = 2 * time.Minute
	}
	adjustEvery := time.Duration(o.cfg.Rate.AdjustInterval)
	if adjustEvery <= 0 {
		adjustEvery = time.Minute
	}
	o.loop(sweepEvery, o.sweep)
	o.loop(statsInterval, o.reportStats)
	o.loop(adjustEvery, o.adjustRate)
}

// loop runs fn every interval until Close.
func (o *Orchestrator) loop(interval time.Duration, fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-o.stopCh:
				return
			case <-t.C:
				fn()
			}
		}
	}()
}

// sweep trims the health windows and probes accounts that sat idle, feeding
// each probe back as a normal outcome so a clean probe reactivates the
// account and a failed one demotes it.
func (o *Orchestrator) sweep() {
	idle := o.health.Sweep()
	if o.prober == nil || len(idle) == 0 {
		return
	}
	for _, username := range idle {
		select {
		case <-o.stopCh:
			return
		default:
		}
		acc, err := o.registry.FindByUsername(username)
		if err != nil || !acc.Usable || acc.IsLocked {
			continue
		}
		var proxyURL *url.URL
		if pr := o.pool.Assign(username); pr != nil {
			proxyURL = pr.URL()
		}
		ctx, cancel := context.WithTimeout(context.Background(), o.prober.Timeout())
		start := time.Now()
		err = o.prober.Probe(ctx, &acc, proxyURL)
		rtt := time.Since(start)
		cancel()
		if err != nil {
			probeSum.With(prometheus.Labels{"result": "error"}).Inc()
			o.health.OnResult(username, false, err.Error(), 0)
			log.Errorf("sweep: probe of idle account %q failed: %s", username, err)
			continue
		}
		probeSum.With(prometheus.Labels{"result": "ok"}).Inc()
		o.health.OnResult(username, true, "", rtt)
		log.Debugf("sweep: idle account %q probed fine in %s", username, rtt)
	}
}

// reportStats logs the periodic fleet report and refreshes the gauges that
// have no natural increment site.
func (o *Orchestrator) reportStats() {
	counts := o.health.StatusCounts()
	for _, s := range health.Statuses() {
		accountStatuses.With(prometheus.Labels{"status": string(s)}).Set(float64(counts[s]))
	}
	breakerStateNum.Set(breakerStateValue(o.breaker.State()))
	inFlightGauge.Set(float64(o.gate.Occupancy()))
	globalRateGauge.Set(float64(o.limiter.Limit()))
	assignedProxies.Set(float64(len(o.pool.Assignment())))
	activeSessions.Set(float64(o.sessions.Len()))

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	mean, _ := o.health.MeanSuccessRate()
	log.Infof("stats: accounts %s; breaker %s (failures %d); in-flight %d/%d; rate %.3g req/s; mean success %.2f; sessions %d; goroutines %d; heap %dMB",
		formatStatusCounts(counts), o.breaker.State(), o.breaker.FailureCount(),
		o.gate.Occupancy(), o.gate.Capacity(), float64(o.limiter.Limit()), mean,
		o.sessions.Len(), runtime.NumGoroutine(), ms.HeapInuse>>20)
}

func formatStatusCounts(counts map[health.Status]int) string {
	parts := make([]string, 0, len(counts))
	for _, s := range health.Statuses() {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", s, n))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}

func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 2
	case breaker.StateHalfOpen:
		return 1
	}
	return 0
}

// adjustRate retunes the global limiter from the fleet's mean success rate:
// a healthy fleet is let go faster, a failing one is cut hard.
func (o *Orchestrator) adjustRate() {
	mean, ok := o.health.MeanSuccessRate()
	if !ok {
		return
	}
	cur := float64(o.limiter.Limit())
	next := cur
	switch {
	case mean > rateGrowAbove:
		next = cur * rateGrowFactor
		if next > o.cfg.Rate.Max {
			next = o.cfg.Rate.Max
		}
	case mean < rateShrinkBelow:
		next = cur * rateShrinkFactor
		if next < o.cfg.Rate.Min {
			next = o.cfg.Rate.Min
		}
	}
	if next == cur {
		return
	}
	o.limiter.SetLimit(rate.Limit(next))
	globalRateGauge.Set(next)
	log.Infof("rate: mean success %.2f; global rate %.3g -> %.3g req/s", mean, cur, next)
}
