package flockgate

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flockgate/flockgate/health"
)

var (
	dispatchSum     *prometheus.CounterVec
	dispatchSuccess *prometheus.CounterVec
	dispatchRefused *prometheus.CounterVec
	attemptSum      *prometheus.CounterVec
	attemptErrors   *prometheus.CounterVec
	loginErrors     *prometheus.CounterVec
	emptyPayloads   *prometheus.CounterVec
	probeSum        *prometheus.CounterVec

	cacheHit  prometheus.Counter
	cacheMiss prometheus.Counter

	accountStatuses  *prometheus.GaugeVec
	breakerStateNum  prometheus.Gauge
	inFlightGauge    prometheus.Gauge
	globalRateGauge  prometheus.Gauge
	assignedProxies  prometheus.Gauge
	activeSessions   prometheus.Gauge
	proxyWaitSeconds prometheus.Counter
)

func init() {
	dispatchSum = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_sum",
			Help: "Total number of dispatched operations",
		},
		[]string{"op"},
	)

	dispatchSuccess = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_success",
			Help: "Total number of dispatches that returned a payload",
		},
		[]string{"op"},
	)

	dispatchRefused = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_refused",
			Help: "Dispatches refused before any attempt. Reason is breaker, gate or no_accounts",
		},
		[]string{"reason"},
	)

	attemptSum = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attempt_sum",
			Help: "Total number of upstream attempts, including retries",
		},
		[]string{"op", "account"},
	)

	attemptErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attempt_errors",
			Help: "Number of failed attempts by classified error kind",
		},
		[]string{"account", "kind"},
	)

	loginErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "login_errors",
			Help: "Number of failed logins",
		},
		[]string{"account"},
	)

	emptyPayloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "empty_payloads",
			Help: "Number of attempts that returned no data",
		},
		[]string{"op"},
	)

	probeSum = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probe_sum",
			Help: "Number of idle-account probes by result",
		},
		[]string{"result"},
	)

	cacheHit = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hit",
		Help: "Total number of dispatches served from the response cache",
	})

	cacheMiss = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_miss",
		Help: "Total number of cache lookups that went upstream",
	})

	accountStatuses = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "account_statuses",
			Help: "Number of accounts per health status",
		},
		[]string{"status"},
	)

	breakerStateNum = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "breaker_state",
		Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
	})

	inFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatches_in_flight",
		Help: "Dispatches currently holding a concurrency slot",
	})

	globalRateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "global_rate",
		Help: "Current global upstream rate in requests per second",
	})

	assignedProxies = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "assigned_proxies",
		Help: "Number of accounts with a proxy bound",
	})

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_sessions",
		Help: "Number of driver sessions held by the session manager",
	})

	proxyWaitSeconds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxy_wait_seconds",
		Help: "Total seconds spent waiting out per-proxy spacing",
	})

	prometheus.MustRegister(dispatchSum, dispatchSuccess, dispatchRefused,
		attemptSum, attemptErrors, loginErrors, emptyPayloads, probeSum,
		cacheHit, cacheMiss,
		accountStatuses, breakerStateNum, inFlightGauge, globalRateGauge,
		assignedProxies, activeSessions, proxyWaitSeconds)

	for _, s := range health.Statuses() {
		accountStatuses.With(prometheus.Labels{"status": string(s)}).Set(0)
	}
}
