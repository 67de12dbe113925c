// Package flockgate orchestrates a fleet of authenticated upstream accounts
// behind a single execute surface. Every dispatch picks a healthy account
// and its pinned proxy, ensures a login (stored cookies first), runs the
// operation under its timeout class and folds the outcome back into
// per-account health, a process-wide circuit breaker and an adaptive global
// rate.
package flockgate

import (
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flockgate/flockgate/account"
	"github.com/flockgate/flockgate/breaker"
	"github.com/flockgate/flockgate/cache"
	"github.com/flockgate/flockgate/config"
	"github.com/flockgate/flockgate/driver"
	"github.com/flockgate/flockgate/health"
	"github.com/flockgate/flockgate/internal/gate"
	"github.com/flockgate/flockgate/log"
	"github.com/flockgate/flockgate/proxy"
)

const defaultMaxAttempts = 10

// Orchestrator owns the account fleet and everything that guards it.
type Orchestrator struct {
	cfg *config.Config

	registry *account.Registry
	pool     *proxy.Pool
	health   *health.Tracker
	breaker  *breaker.Breaker
	gate     *gate.Gate
	sessions *driver.SessionManager
	cache    *cache.AsyncCache
	limiter  *rate.Limiter
	prober   driver.Prober

	maxAttempts int

	rndMu sync.Mutex
	rnd   *rand.Rand

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures an Orchestrator on construction.
type Option interface {
	apply(*Orchestrator)
}

type optionFunc func(*Orchestrator)

func (f optionFunc) apply(o *Orchestrator) {
	f(o)
}

// WithProber replaces the session prober the health sweep uses to test idle
// accounts. A nil prober disables probing.
func WithProber(p driver.Prober) Option {
	return optionFunc(func(o *Orchestrator) {
		o.prober = p
	})
}

// New loads the account registry and proxy list and wires the orchestrator.
// factory builds one driver per (account, proxy) pair; it must not be nil.
func New(cfg *config.Config, factory driver.Factory, options ...Option) (*Orchestrator, error) {
	registry := account.NewRegistry(cfg.AccountsFile)
	if err := registry.Load(); err != nil {
		return nil, err
	}

	pool := proxy.NewPool(time.Duration(cfg.Limits.ProxySpacing))
	if cfg.ProxiesFile != "" {
		if err := pool.LoadFile(cfg.ProxiesFile); err != nil {
			return nil, err
		}
	}

	tracker := health.NewTracker(health.Config{
		Window:             time.Duration(cfg.Limits.RateWindow),
		Limit:              cfg.Limits.RateLimit,
		Cooldown:           time.Duration(cfg.Health.Cooldown),
		ProbationSuccesses: cfg.Health.ProbationSuccesses,
		DisableThreshold:   cfg.Health.DisableThreshold,
		AuthWindow:         time.Duration(cfg.Health.AuthWindow),
	}, registry)

	var cch *cache.AsyncCache
	if cfg.Cache.Mode != "" && cfg.Cache.Mode != "none" {
		var err error
		cch, err = cache.NewAsyncCache(cfg.Cache)
		if err != nil {
			return nil, err
		}
	}

	sessions := driver.NewSessionManager(factory, registry)

	o := &Orchestrator{
		cfg:         cfg,
		registry:    registry,
		pool:        pool,
		health:      tracker,
		breaker:     breaker.New(cfg.Breaker.FailureThreshold, time.Duration(cfg.Breaker.OpenTimeout)),
		gate:        gate.New(cfg.Limits.MaxConcurrency, time.Duration(cfg.Limits.AcquireTimeout)),
		sessions:    sessions,
		cache:       cch,
		limiter:     rate.NewLimiter(rate.Limit(cfg.Rate.Initial), 1),
		prober:      driver.NewSessionProber(sessions),
		maxAttempts: cfg.Limits.MaxAttempts,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range options {
		opt.apply(o)
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = defaultMaxAttempts
	}

	globalRateGauge.Set(cfg.Rate.Initial)
	o.startMaintenance()
	log.Infof("orchestrator: %d accounts, %d proxies, gate capacity %d, rate %g req/s",
		registry.Len(), pool.Len(), o.gate.Capacity(), cfg.Rate.Initial)
	return o, nil
}

// Close stops the background loops, closes the cache and flushes the account
// registry. In-flight dispatches are left to finish within their own
// timeouts.
func (o *Orchestrator) Close() error {
	o.stopOnce.Do(func() {
		close(o.stopCh)
	})
	o.wg.Wait()

	var firstErr error
	if o.cache != nil {
		if err := o.cache.Close(); err != nil {
			firstErr = err
		}
	}
	if err := o.registry.Save(); err != nil {
		log.Errorf("orchestrator: cannot flush account registry: %s", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Registry exposes account CRUD to the admin surface above the orchestrator.
func (o *Orchestrator) Registry() *account.Registry {
	return o.registry
}

// Pool exposes the proxy pool, read-only by convention.
func (o *Orchestrator) Pool() *proxy.Pool {
	return o.pool
}

// Snapshot is the on-demand form of the periodic stats report.
type Snapshot struct {
	Accounts        map[string]health.View
	Statuses        map[health.Status]int
	Breaker         breaker.State
	BreakerFailures int
	InFlight        int
	GateCapacity    int
	Rate            float64
	Proxies         map[string]string
	Sessions        int
}

// Snapshot returns a copy of the orchestrator's observable state. The health
// views are deep copies; callers may hold them for as long as they like.
func (o *Orchestrator) Snapshot() Snapshot {
	return Snapshot{
		Accounts:        o.health.Snapshot(),
		Statuses:        o.health.StatusCounts(),
		Breaker:         o.breaker.State(),
		BreakerFailures: o.breaker.FailureCount(),
		InFlight:        o.gate.Occupancy(),
		GateCapacity:    o.gate.Capacity(),
		Rate:            float64(o.limiter.Limit()),
		Proxies:         o.pool.Assignment(),
		Sessions:        o.sessions.Len(),
	}
}
