package flockgate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/flockgate/flockgate/account"
	"github.com/flockgate/flockgate/log"
	"github.com/flockgate/flockgate/proxy"
)

// scope is the bookkeeping of one dispatch: a short id for log correlation,
// the operation name and the (account, proxy) pair currently bound to it.
type scope struct {
	id string
	op string

	acc   account.Account
	proxy *proxy.Proxy
}

func newScope(op string) *scope {
	return &scope{
		id: uuid.NewString()[:8],
		op: op,
	}
}

func (s *scope) String() string {
	if s.acc.Username == "" {
		return fmt.Sprintf("[%s %q]", s.id, s.op)
	}
	if s.proxy == nil {
		return fmt.Sprintf("[%s %q => account: %q]", s.id, s.op, s.acc.Username)
	}
	return fmt.Sprintf("[%s %q => account: %q, proxy: %s]", s.id, s.op, s.acc.Username, s.proxy)
}

func (s *scope) proxyURL() *url.URL {
	if s.proxy == nil {
		return nil
	}
	return s.proxy.URL()
}

// errNoAccounts means no account can serve the dispatch at all; retrying
// within the same dispatch is pointless.
var errNoAccounts = errors.New("no account is usable for dispatch")

// errRateLimited means every otherwise-selectable account sits at its window
// limit; the dispatch may sleep and retry without consuming an attempt.
type errRateLimited struct {
	wait time.Duration
}

func (e *errRateLimited) Error() string {
	return fmt.Sprintf("all accounts are rate-limited for the next %s", e.wait)
}

// selectAccount picks uniformly at random among the accounts that pass every
// admission check: usable, not locked, state machine permits selection and
// the sliding window has room. The window is charged on success. skip holds
// accounts already ruled out earlier in the same dispatch.
func (o *Orchestrator) selectAccount(skip map[string]bool) (account.Account, error) {
	accounts := o.registry.List()

	o.rndMu.Lock()
	o.rnd.Shuffle(len(accounts), func(i, j int) {
		accounts[i], accounts[j] = accounts[j], accounts[i]
	})
	o.rndMu.Unlock()

	rateLimited := false
	var soonest time.Duration
	for i := range accounts {
		a := accounts[i]
		if skip[a.Username] || !a.Usable || a.IsLocked {
			continue
		}
		if !o.health.Selectable(a.Username) {
			continue
		}
		ok, wait := o.health.CanRequest(a.Username)
		if ok {
			return a, nil
		}
		if !rateLimited || wait < soonest {
			soonest = wait
		}
		rateLimited = true
	}

	if rateLimited {
		return account.Account{}, &errRateLimited{wait: soonest}
	}
	return account.Account{}, errNoAccounts
}

// bindProxy pins the account's proxy and reserves it for one dispatch,
// sleeping out the per-proxy spacing when the proxy was used too recently.
func (o *Orchestrator) bindProxy(ctx context.Context, username string) (*proxy.Proxy, error) {
	pr := o.pool.Assign(username)
	for {
		ok, wait := o.pool.Reserve(pr)
		if ok {
			return pr, nil
		}
		log.Debugf("dispatch: proxy %s busy; waiting %s", pr, wait)
		proxyWaitSeconds.Add(wait.Seconds())
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// sleepCtx sleeps for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
