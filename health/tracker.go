// Package health keeps the in-memory per-account state machine: request
// windows, error history, cooldowns and the terminal lock/suspend/disable
// sinks. Nothing here survives a restart except what the tracker persists
// through its Persister on terminal transitions.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/flockgate/flockgate/log"
	"github.com/mohae/deepcopy"
)

// Status is the per-account health state.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusProbation Status = "PROBATION"
	StatusCooldown  Status = "COOLDOWN"
	StatusDisabled  Status = "DISABLED"
	StatusLocked    Status = "LOCKED"
	StatusSuspended Status = "SUSPENDED"
)

// IsSink reports whether the status is terminal for the process lifetime.
// Sinks are cleared only by administrative action.
func (s Status) IsSink() bool {
	return s == StatusDisabled || s == StatusLocked || s == StatusSuspended
}

// Statuses lists every Status; used to preset label values in metrics and
// reports.
func Statuses() []Status {
	return []Status{
		StatusHealthy,
		StatusProbation,
		StatusCooldown,
		StatusDisabled,
		StatusLocked,
		StatusSuspended,
	}
}

// Persister records terminal health transitions in durable account state.
// The account registry satisfies it.
type Persister interface {
	MarkLocked(username string) error
	MarkSuspended(username string) error
}

// Config tunes the tracker. Zero fields fall back to the defaults below.
type Config struct {
	// Sliding window and its per-account request capacity.
	Window time.Duration
	Limit  int

	// Quarantine applied on rate-limit and repeated auth errors.
	Cooldown time.Duration

	// Consecutive successes that promote PROBATION to HEALTHY.
	ProbationSuccesses int

	// Auth errors within AuthWindow that disable the account for good.
	DisableThreshold int
	AuthWindow       time.Duration

	// Quiet period after which error counters are reset.
	IdleReset time.Duration
}

const (
	defaultWindow             = 15 * time.Minute
	defaultLimit              = 200
	defaultCooldown           = 2 * time.Minute
	defaultProbationSuccesses = 3
	defaultDisableThreshold   = 50
	defaultAuthWindow         = 24 * time.Hour
	defaultIdleReset          = 15 * time.Minute

	maxErrorHistory  = 25
	maxResponseTimes = 50

	// Failure streaks that demote an account, by error kind.
	authCooldownFailures     = 5
	networkProbationFailures = 10
	unknownProbationFailures = 50
)

// ErrorEvent is one classified failure in an account's bounded history.
type ErrorEvent struct {
	Kind    ErrorKind
	At      time.Time
	Message string
}

// View is a read-only copy of one account's health, safe to hold after the
// tracker moves on.
type View struct {
	Status               Status
	RequestCount         int
	ConsecutiveSuccesses int
	ConsecutiveFailures  int
	SuccessRate          float64
	WindowOccupancy      int
	CooldownUntil        time.Time
	LastUsed             time.Time
	LastSuccess          time.Time
	ResponseTimes        []time.Duration
	ErrorHistory         []ErrorEvent
	KindCounts           map[ErrorKind]int
}

type record struct {
	mu sync.Mutex

	status               Status
	requestCount         int
	consecutiveSuccesses int
	consecutiveFailures  int

	errorHistory  []ErrorEvent
	responseTimes []time.Duration
	requestTimes  []time.Time
	authErrors    []time.Time
	kindCounts    map[ErrorKind]int

	cooldownUntil time.Time
	lastUsed      time.Time
	lastSuccess   time.Time
	lastError     time.Time
}

// Tracker owns all per-account health records.
type Tracker struct {
	cfg       Config
	persister Persister

	mu      sync.Mutex
	records map[string]*record
}

// NewTracker creates a tracker. persister may be nil; terminal transitions
// are then tracked in memory only.
func NewTracker(cfg Config, persister Persister) *Tracker {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultLimit
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.ProbationSuccesses <= 0 {
		cfg.ProbationSuccesses = defaultProbationSuccesses
	}
	if cfg.DisableThreshold <= 0 {
		cfg.DisableThreshold = defaultDisableThreshold
	}
	if cfg.AuthWindow <= 0 {
		cfg.AuthWindow = defaultAuthWindow
	}
	if cfg.IdleReset <= 0 {
		cfg.IdleReset = defaultIdleReset
	}
	return &Tracker{
		cfg:       cfg,
		persister: persister,
		records:   make(map[string]*record),
	}
}

func (t *Tracker) get(username string) *record {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[username]
	if !ok {
		r = &record{
			status:     StatusHealthy,
			kindCounts: make(map[ErrorKind]int),
		}
		t.records[username] = r
	}
	return r
}

func (t *Tracker) usernames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.records))
	for u := range t.records {
		names = append(names, u)
	}
	sort.Strings(names)
	return names
}

// CanRequest reports whether the account may fire one more request within
// the sliding window. Allowed requests are charged to the window
// immediately. When refused, wait is the time until the oldest window entry
// ages out.
func (t *Tracker) CanRequest(username string) (bool, time.Duration) {
	r := t.get(username)
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.trimWindowLocked(now, t.cfg.Window)
	if len(r.requestTimes) >= t.cfg.Limit {
		wait := t.cfg.Window - now.Sub(r.requestTimes[0])
		if wait < 0 {
			wait = 0
		}
		return false, wait
	}
	r.requestTimes = append(r.requestTimes, now)
	r.requestCount++
	r.lastUsed = now
	return true, 0
}

// Selectable reports whether the state machine allows dispatching through
// the account right now. The request window is checked separately via
// CanRequest.
func (t *Tracker) Selectable(username string) bool {
	r := t.get(username)
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.status {
	case StatusLocked, StatusSuspended, StatusDisabled:
		return false
	case StatusCooldown:
		return !time.Now().Before(r.cooldownUntil)
	}
	return true
}

// OnResult applies one dispatch outcome. The return is false when the
// account became unusable for the rest of the process (locked, suspended or
// disabled); the caller must stop dispatching through it.
func (t *Tracker) OnResult(username string, success bool, message string, rtt time.Duration) bool {
	r := t.get(username)
	r.mu.Lock()

	now := time.Now()
	r.lastUsed = now
	r.expireCooldownLocked(now, username)

	if success {
		r.consecutiveSuccesses++
		r.consecutiveFailures = 0
		r.lastSuccess = now
		r.pushResponseTimeLocked(rtt)
		if r.status == StatusProbation && r.consecutiveSuccesses >= t.cfg.ProbationSuccesses {
			r.status = StatusHealthy
			log.Infof("health: account %q promoted to HEALTHY after %d consecutive successes", username, r.consecutiveSuccesses)
		}
		r.mu.Unlock()
		return true
	}

	kind := Classify(message)
	r.consecutiveFailures++
	r.consecutiveSuccesses = 0
	r.lastError = now
	r.pushErrorLocked(ErrorEvent{Kind: kind, At: now, Message: message})
	r.kindCounts[kind]++

	keep := true
	var persist func(string) error

	switch kind {
	case KindAccountLocked:
		r.status = StatusLocked
		keep = false
		if t.persister != nil {
			persist = t.persister.MarkLocked
		}
		log.Errorf("health: account %q LOCKED by upstream: %s", username, message)
	case KindAccountSuspended:
		r.status = StatusSuspended
		keep = false
		if t.persister != nil {
			persist = t.persister.MarkSuspended
		}
		log.Errorf("health: account %q SUSPENDED by upstream: %s", username, message)
	case KindTimeout:
		// A timed-out session is indistinguishable from a silently
		// rate-limited one; retrying it would burn the window.
		r.status = StatusSuspended
		keep = false
		if t.persister != nil {
			persist = t.persister.MarkSuspended
		}
		log.Errorf("health: account %q SUSPENDED after timeout: %s", username, message)
	case KindAuth:
		r.authErrors = append(r.authErrors, now)
		r.trimAuthLocked(now, t.cfg.AuthWindow)
		if len(r.authErrors) >= t.cfg.DisableThreshold {
			r.status = StatusDisabled
			keep = false
			log.Errorf("health: account %q DISABLED: %d auth errors within %s", username, len(r.authErrors), t.cfg.AuthWindow)
		} else if r.consecutiveFailures >= authCooldownFailures && !r.status.IsSink() {
			r.enterCooldownLocked(now, t.cfg.Cooldown, username)
		}
	case KindRateLimit:
		if !r.status.IsSink() {
			r.enterCooldownLocked(now, t.cfg.Cooldown, username)
		}
	case KindNetwork:
		if r.consecutiveFailures >= networkProbationFailures && !r.status.IsSink() {
			r.status = StatusProbation
		}
	case KindNotFound:
		// the target does not exist; the account itself is fine
		r.consecutiveFailures--
		if r.consecutiveFailures < 0 {
			r.consecutiveFailures = 0
		}
	default:
		if r.consecutiveFailures >= unknownProbationFailures && !r.status.IsSink() {
			r.status = StatusProbation
		}
	}
	r.mu.Unlock()

	if persist != nil {
		if err := persist(username); err != nil {
			log.Errorf("health: cannot persist terminal state of account %q: %s", username, err)
		}
	}
	return keep
}

// Status returns the account's current status, lazily creating a HEALTHY
// record.
func (t *Tracker) Status(username string) Status {
	r := t.get(username)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SuccessRate derives the account's success ratio from its request counter
// and recent error history.
func (t *Tracker) SuccessRate(username string) float64 {
	r := t.get(username)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.successRateLocked()
}

// MeanSuccessRate averages the success rate over accounts that are neither
// terminal nor untouched. ok is false when no account qualifies.
func (t *Tracker) MeanSuccessRate() (mean float64, ok bool) {
	var sum float64
	var n int
	for _, username := range t.usernames() {
		r := t.get(username)
		r.mu.Lock()
		if !r.status.IsSink() && r.requestCount > 0 {
			sum += r.successRateLocked()
			n++
		}
		r.mu.Unlock()
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// StatusCounts buckets all known accounts by status.
func (t *Tracker) StatusCounts() map[Status]int {
	counts := make(map[Status]int)
	for _, username := range t.usernames() {
		r := t.get(username)
		r.mu.Lock()
		counts[r.status]++
		r.mu.Unlock()
	}
	return counts
}

// Snapshot returns a deep copy of every account's health view.
func (t *Tracker) Snapshot() map[string]View {
	views := make(map[string]View)
	for _, username := range t.usernames() {
		r := t.get(username)
		r.mu.Lock()
		v := View{
			Status:               r.status,
			RequestCount:         r.requestCount,
			ConsecutiveSuccesses: r.consecutiveSuccesses,
			ConsecutiveFailures:  r.consecutiveFailures,
			SuccessRate:          r.successRateLocked(),
			WindowOccupancy:      len(r.requestTimes),
			CooldownUntil:        r.cooldownUntil,
			LastUsed:             r.lastUsed,
			LastSuccess:          r.lastSuccess,
			ResponseTimes:        r.responseTimes,
			ErrorHistory:         r.errorHistory,
			KindCounts:           r.kindCounts,
		}
		v = deepcopy.Copy(v).(View)
		r.mu.Unlock()
		views[username] = v
	}
	return views
}

// Sweep runs one maintenance pass: trims windows, expires finished cooldowns
// into PROBATION, resets error counters that stayed quiet for IdleReset, and
// returns the accounts idle long enough to deserve a dry-run login probe.
func (t *Tracker) Sweep() []string {
	now := time.Now()
	var probe []string
	for _, username := range t.usernames() {
		r := t.get(username)
		r.mu.Lock()
		r.trimWindowLocked(now, t.cfg.Window)
		r.trimAuthLocked(now, t.cfg.AuthWindow)
		r.expireCooldownLocked(now, username)
		if !r.lastError.IsZero() && now.Sub(r.lastError) >= t.cfg.IdleReset {
			r.errorHistory = nil
			r.kindCounts = make(map[ErrorKind]int)
			r.consecutiveFailures = 0
			r.lastError = time.Time{}
			log.Debugf("health: account %q error counters reset after quiet period", username)
		}
		idle := !r.status.IsSink() && !r.lastUsed.IsZero() && now.Sub(r.lastUsed) > t.cfg.Cooldown
		r.mu.Unlock()
		if idle {
			probe = append(probe, username)
		}
	}
	return probe
}

func (r *record) expireCooldownLocked(now time.Time, username string) {
	if r.status == StatusCooldown && !now.Before(r.cooldownUntil) {
		r.status = StatusProbation
		log.Infof("health: account %q cooldown expired; entering PROBATION", username)
	}
}

func (r *record) enterCooldownLocked(now time.Time, cooldown time.Duration, username string) {
	r.status = StatusCooldown
	r.cooldownUntil = now.Add(cooldown)
	log.Infof("health: account %q entering COOLDOWN until %s", username, r.cooldownUntil.Format(time.RFC3339))
}

func (r *record) trimWindowLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(r.requestTimes) && !r.requestTimes[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.requestTimes = append(r.requestTimes[:0], r.requestTimes[i:]...)
	}
}

func (r *record) trimAuthLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(r.authErrors) && !r.authErrors[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.authErrors = append(r.authErrors[:0], r.authErrors[i:]...)
	}
}

func (r *record) pushErrorLocked(e ErrorEvent) {
	r.errorHistory = append(r.errorHistory, e)
	if len(r.errorHistory) > maxErrorHistory {
		r.errorHistory = append(r.errorHistory[:0], r.errorHistory[len(r.errorHistory)-maxErrorHistory:]...)
	}
}

func (r *record) pushResponseTimeLocked(rtt time.Duration) {
	if rtt <= 0 {
		return
	}
	r.responseTimes = append(r.responseTimes, rtt)
	if len(r.responseTimes) > maxResponseTimes {
		r.responseTimes = append(r.responseTimes[:0], r.responseTimes[len(r.responseTimes)-maxResponseTimes:]...)
	}
}

func (r *record) successRateLocked() float64 {
	if r.requestCount == 0 {
		return 1
	}
	rate := float64(r.requestCount-len(r.errorHistory)) / float64(r.requestCount)
	if rate < 0 {
		return 0
	}
	return rate
}
