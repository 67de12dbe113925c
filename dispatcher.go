package flockgate

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flockgate/flockgate/account"
	"github.com/flockgate/flockgate/driver"
	"github.com/flockgate/flockgate/health"
	"github.com/flockgate/flockgate/log"
)

// Operation timeout classes. Search wins over tweet in the mapping below so
// searchTweets lands in the search class.
const (
	searchTimeoutClass  = 60 * time.Second
	profileTimeoutClass = 30 * time.Second
	tweetTimeoutClass   = 35 * time.Second
	defaultTimeoutClass = 30 * time.Second
)

func operationTimeout(op string) time.Duration {
	m := strings.ToLower(op)
	switch {
	case strings.HasPrefix(m, "search"):
		return searchTimeoutClass
	case strings.Contains(m, "profile"):
		return profileTimeoutClass
	case strings.Contains(m, "tweet"):
		return tweetTimeoutClass
	}
	return defaultTimeoutClass
}

// scaleTimeout stretches the class timeout for degraded accounts, up to 2x
// for an account that fails everything.
func scaleTimeout(base time.Duration, successRate float64) time.Duration {
	factor := 2 - successRate*1.5
	if factor < 1 {
		factor = 1
	}
	return time.Duration(float64(base) * factor)
}

// isEmptyPayload reports whether an operation produced no data: a nil
// payload or an empty slice, array or map.
func isEmptyPayload(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func noDataReason(op string) string {
	return fmt.Sprintf("empty payload from %s", op)
}

// OpFunc is one upstream operation, invoked with the driver of the account
// selected for the attempt.
type OpFunc func(ctx context.Context, drv driver.Driver) (interface{}, error)

// Execute runs one operation through the orchestrator: admission through the
// circuit breaker and the concurrency gate, then up to max_attempts tries
// over different accounts. Returns the payload, or nil when admission was
// refused or every attempt failed. Errors never propagate to the caller;
// they are classified, logged and folded into account health.
func (o *Orchestrator) Execute(ctx context.Context, op string, fn OpFunc) interface{} {
	return o.execute(ctx, op, operationTimeout(op), fn)
}

func (o *Orchestrator) execute(ctx context.Context, op string, baseTimeout time.Duration, fn OpFunc) interface{} {
	s := newScope(op)
	dispatchSum.With(prometheus.Labels{"op": op}).Inc()

	if !o.breaker.Allow() {
		dispatchRefused.With(prometheus.Labels{"reason": "breaker"}).Inc()
		log.Errorf("%s: refused: circuit breaker is %s", s, o.breaker.State())
		return nil
	}
	if err := o.gate.Acquire(ctx); err != nil {
		dispatchRefused.With(prometheus.Labels{"reason": "gate"}).Inc()
		log.Errorf("%s: refused: %s", s, err)
		return nil
	}
	defer o.gate.Release()

	success := false
	defer func() {
		o.breaker.OnResult(success)
	}()

	payload, ok := o.attempts(ctx, s, baseTimeout, fn)
	if ok {
		dispatchSuccess.With(prometheus.Labels{"op": op}).Inc()
	}
	success = ok
	return payload
}

// attempts is the retry loop of one dispatch. Rate-limit waits and skips of
// accounts that turned terminal do not consume an attempt; failed logins,
// failed calls and empty payloads do.
func (o *Orchestrator) attempts(ctx context.Context, s *scope, baseTimeout time.Duration, fn OpFunc) (interface{}, bool) {
	skip := make(map[string]bool)
	var lastEmpty interface{}
	seenEmpty := false

	attempt := 1
	for attempt <= o.maxAttempts {
		if ctx.Err() != nil {
			log.Errorf("%s: cancelled on attempt %d: %s", s, attempt, ctx.Err())
			return nil, false
		}

		acc, err := o.selectAccount(skip)
		if err != nil {
			var rl *errRateLimited
			if errors.As(err, &rl) {
				log.Infof("%s: %s", s, rl)
				if err := sleepCtx(ctx, rl.wait); err != nil {
					return nil, false
				}
				continue
			}
			dispatchRefused.With(prometheus.Labels{"reason": "no_accounts"}).Inc()
			log.Errorf("%s: giving up on attempt %d: %s", s, attempt, err)
			break
		}
		s.acc = acc
		s.proxy = nil

		pr, err := o.bindProxy(ctx, acc.Username)
		if err != nil {
			log.Errorf("%s: cancelled while waiting for proxy: %s", s, err)
			return nil, false
		}
		s.proxy = pr

		drv, err := o.sessions.Driver(ctx, &acc, s.proxyURL())
		if err != nil {
			if errors.Is(err, driver.ErrLocked) {
				// the registry flag raced ahead of selection
				skip[acc.Username] = true
				continue
			}
			loginErrors.With(prometheus.Labels{"account": acc.Username}).Inc()
			if !o.health.OnResult(acc.Username, false, err.Error(), 0) {
				skip[acc.Username] = true
				o.sessions.Drop(acc.Username)
			}
			log.Errorf("%s: login failed on attempt %d: %s", s, attempt, err)
			attempt++
			continue
		}

		if err := o.limiter.Wait(ctx); err != nil {
			log.Errorf("%s: cancelled while pacing: %s", s, err)
			return nil, false
		}

		timeout := scaleTimeout(baseTimeout, o.health.SuccessRate(acc.Username))
		attemptSum.With(prometheus.Labels{"op": s.op, "account": acc.Username}).Inc()
		opCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		out, err := fn(opCtx, drv)
		rtt := time.Since(start)
		if err != nil && opCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = fmt.Errorf("operation timeout after %s: %w", timeout, err)
		}
		cancel()

		if err == nil {
			if isEmptyPayload(out) {
				seenEmpty = true
				lastEmpty = out
				emptyPayloads.With(prometheus.Labels{"op": s.op}).Inc()
				o.health.OnResult(acc.Username, false, noDataReason(s.op), 0)
				log.Infof("%s: no data on attempt %d", s, attempt)
				attempt++
				continue
			}
			o.health.OnResult(acc.Username, true, "", rtt)
			log.Debugf("%s: done in %s on attempt %d", s, rtt, attempt)
			return out, true
		}

		msg := err.Error()
		kind := health.Classify(msg)
		attemptErrors.With(prometheus.Labels{"account": acc.Username, "kind": string(kind)}).Inc()
		if !o.health.OnResult(acc.Username, false, msg, 0) {
			// the account is out for the rest of the process; skipping it
			// costs no attempt
			skip[acc.Username] = true
			o.sessions.Drop(acc.Username)
			log.Errorf("%s: account %q is out (%s): %s", s, acc.Username, kind, msg)
			continue
		}
		if kind == health.KindAuth {
			// the stored session went stale; next use logs in from scratch
			o.sessions.Invalidate(acc.Username)
		}
		log.Errorf("%s: attempt %d failed (%s): %s", s, attempt, kind, msg)
		attempt++
	}

	if attempt > o.maxAttempts {
		log.Errorf("%s: all %d attempts exhausted", s, o.maxAttempts)
	}
	if seenEmpty {
		// the upstream answered, there was just nothing there; hand the
		// caller the last empty payload rather than nil
		return lastEmpty, false
	}
	return nil, false
}

// BatchOp is one slot of ExecuteBatch.
type BatchOp struct {
	Name string
	Fn   OpFunc
}

const (
	smallBatchLimit = 5
	batchChunkSize  = 10
)

// ExecuteBatch runs several operations and returns one payload per slot,
// nil for failed slots. Small batches fan out as independent dispatches,
// each free to pick its own account. Larger batches pin a single account,
// log in once and run the slots in chunks; the breaker is then updated once
// for the whole batch, success meaning at least half the slots succeeded.
func (o *Orchestrator) ExecuteBatch(ctx context.Context, ops []BatchOp) []interface{} {
	results := make([]interface{}, len(ops))
	if len(ops) == 0 {
		return results
	}

	if len(ops) <= smallBatchLimit {
		var wg sync.WaitGroup
		for i := range ops {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = o.Execute(ctx, ops[i].Name, ops[i].Fn)
			}(i)
		}
		wg.Wait()
		return results
	}

	o.executeBatchPinned(ctx, ops, results)
	return results
}

func (o *Orchestrator) executeBatchPinned(ctx context.Context, ops []BatchOp, results []interface{}) {
	s := newScope(fmt.Sprintf("batch[%d]", len(ops)))
	dispatchSum.With(prometheus.Labels{"op": "batch"}).Inc()

	if !o.breaker.Allow() {
		dispatchRefused.With(prometheus.Labels{"reason": "breaker"}).Inc()
		log.Errorf("%s: refused: circuit breaker is %s", s, o.breaker.State())
		return
	}
	if err := o.gate.Acquire(ctx); err != nil {
		dispatchRefused.With(prometheus.Labels{"reason": "gate"}).Inc()
		log.Errorf("%s: refused: %s", s, err)
		return
	}
	defer o.gate.Release()

	var succeeded atomic.Int32
	defer func() {
		o.breaker.OnResult(int(succeeded.Load())*2 >= len(ops))
	}()

	acc, drv, ok := o.pinAccount(ctx, s)
	if !ok {
		return
	}

	for start := 0; start < len(ops); start += batchChunkSize {
		end := start + batchChunkSize
		if end > len(ops) {
			end = len(ops)
		}
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if o.batchSlot(ctx, s, acc, drv, ops[i], results, i) {
					succeeded.Add(1)
				}
			}(i)
		}
		wg.Wait()
		if ctx.Err() != nil {
			log.Errorf("%s: cancelled after %d slots: %s", s, end, ctx.Err())
			break
		}
	}
	log.Infof("%s: %d/%d slots succeeded", s, succeeded.Load(), len(ops))
}

// pinAccount selects and logs in the single account a large batch runs on.
func (o *Orchestrator) pinAccount(ctx context.Context, s *scope) (account.Account, driver.Driver, bool) {
	skip := make(map[string]bool)
	for attempt := 1; attempt <= o.maxAttempts; {
		if ctx.Err() != nil {
			log.Errorf("%s: cancelled while pinning an account: %s", s, ctx.Err())
			return account.Account{}, nil, false
		}
		acc, err := o.selectAccount(skip)
		if err != nil {
			var rl *errRateLimited
			if errors.As(err, &rl) {
				log.Infof("%s: %s", s, rl)
				if err := sleepCtx(ctx, rl.wait); err != nil {
					return account.Account{}, nil, false
				}
				continue
			}
			dispatchRefused.With(prometheus.Labels{"reason": "no_accounts"}).Inc()
			log.Errorf("%s: no account could be pinned: %s", s, err)
			return account.Account{}, nil, false
		}
		s.acc = acc

		pr, err := o.bindProxy(ctx, acc.Username)
		if err != nil {
			log.Errorf("%s: cancelled while waiting for proxy: %s", s, err)
			return account.Account{}, nil, false
		}
		s.proxy = pr

		drv, err := o.sessions.Driver(ctx, &acc, s.proxyURL())
		if err != nil {
			if errors.Is(err, driver.ErrLocked) {
				skip[acc.Username] = true
				continue
			}
			loginErrors.With(prometheus.Labels{"account": acc.Username}).Inc()
			if !o.health.OnResult(acc.Username, false, err.Error(), 0) {
				skip[acc.Username] = true
				o.sessions.Drop(acc.Username)
			}
			log.Errorf("%s: login failed on attempt %d: %s", s, attempt, err)
			attempt++
			continue
		}
		return acc, drv, true
	}
	log.Errorf("%s: all %d attempts to pin an account exhausted", s, o.maxAttempts)
	return account.Account{}, nil, false
}

// batchSlot runs one slot of a pinned batch and reports whether it produced
// a payload. Health updates land on the pinned account; the tracker
// serializes them internally.
func (o *Orchestrator) batchSlot(ctx context.Context, s *scope, acc account.Account, drv driver.Driver, op BatchOp, results []interface{}, i int) bool {
	if err := o.limiter.Wait(ctx); err != nil {
		return false
	}

	timeout := scaleTimeout(operationTimeout(op.Name), o.health.SuccessRate(acc.Username))
	attemptSum.With(prometheus.Labels{"op": op.Name, "account": acc.Username}).Inc()
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	out, err := op.Fn(opCtx, drv)
	rtt := time.Since(start)
	if err != nil && opCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = fmt.Errorf("operation timeout after %s: %w", timeout, err)
	}
	cancel()

	if err != nil {
		msg := err.Error()
		kind := health.Classify(msg)
		attemptErrors.With(prometheus.Labels{"account": acc.Username, "kind": string(kind)}).Inc()
		o.health.OnResult(acc.Username, false, msg, 0)
		log.Errorf("%s: slot %d (%s) failed (%s): %s", s, i, op.Name, kind, msg)
		return false
	}
	if isEmptyPayload(out) {
		emptyPayloads.With(prometheus.Labels{"op": op.Name}).Inc()
		o.health.OnResult(acc.Username, false, noDataReason(op.Name), 0)
		results[i] = out
		return false
	}
	o.health.OnResult(acc.Username, true, "", rtt)
	results[i] = out
	return true
}
