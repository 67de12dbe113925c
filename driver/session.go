package driver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/flockgate/flockgate/account"
	"github.com/flockgate/flockgate/log"
)

const (
	defaultLoginTimeout = 45 * time.Second
	loginSpacing        = time.Second
)

// sessionCookies are the cookie names captured after a credential login.
var sessionCookies = map[string]bool{
	"auth_token": true,
	"ct0":        true,
	"guest_id":   true,
}

// ErrLocked is returned when a session is requested for a locked account.
var ErrLocked = errors.New("account is flagged locked")

// CookieStore persists captured sessions. *account.Registry satisfies it.
type CookieStore interface {
	SetCookies(username string, cookies []account.Cookie) error
}

// session is one account's driver plus its authentication state.
type session struct {
	mu       sync.Mutex
	drv      Driver
	loggedIn bool
}

// SessionManager hands out authenticated drivers, one per account. Stored
// cookies are installed without validation; only when none exist does a
// credential login run, spaced one second apart to avoid login bursts.
type SessionManager struct {
	factory      Factory
	store        CookieStore
	loginTimeout time.Duration
	spacing      time.Duration

	mu        sync.Mutex
	sessions  map[string]*session
	lastLogin time.Time
}

// SessionOption adjusts a SessionManager.
type SessionOption interface {
	apply(*SessionManager)
}

type loginTimeout time.Duration

func (o loginTimeout) apply(sm *SessionManager) {
	sm.loginTimeout = time.Duration(o)
}

// WithLoginTimeout overrides the 45s credential login timeout.
func WithLoginTimeout(d time.Duration) SessionOption {
	return loginTimeout(d)
}

type loginSpacingOpt time.Duration

func (o loginSpacingOpt) apply(sm *SessionManager) {
	sm.spacing = time.Duration(o)
}

// WithLoginSpacing overrides the 1s anti-burst spacing between credential
// logins.
func WithLoginSpacing(d time.Duration) SessionOption {
	return loginSpacingOpt(d)
}

// NewSessionManager creates a session manager over the given driver factory
// and cookie store. A nil store disables cookie persistence.
func NewSessionManager(factory Factory, store CookieStore, options ...SessionOption) *SessionManager {
	sm := &SessionManager{
		factory:      factory,
		store:        store,
		loginTimeout: defaultLoginTimeout,
		spacing:      loginSpacing,
		sessions:     make(map[string]*session),
	}
	for _, o := range options {
		o.apply(sm)
	}
	return sm
}

// Driver returns an authenticated driver for the account, creating and
// logging in a session on first use. Locked accounts are refused up front.
func (sm *SessionManager) Driver(ctx context.Context, acc *account.Account, proxyURL *url.URL) (Driver, error) {
	if acc.IsLocked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, acc.Username)
	}

	s, err := sm.session(acc.Username, proxyURL)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loggedIn {
		return s.drv, nil
	}

	if acc.HasCookies() {
		if err := s.drv.SetCookies(acc.CookieStrings()); err == nil {
			s.loggedIn = true
			log.Debugf("session: installed %d stored cookies for %q", len(acc.Cookies), acc.Username)
			return s.drv, nil
		}
		log.Errorf("session: stored cookies for %q rejected; falling back to credential login", acc.Username)
	}

	if err := sm.waitLoginTurn(ctx); err != nil {
		return nil, err
	}
	lctx, cancel := context.WithTimeout(ctx, sm.loginTimeout)
	defer cancel()
	if err := s.drv.Login(lctx, acc.Username, acc.Password, acc.Email, acc.TwoFA); err != nil {
		return nil, err
	}
	s.loggedIn = true
	log.Infof("session: logged in %q", acc.Username)

	sm.persistCookies(acc.Username, s.drv.Cookies())
	return s.drv, nil
}

// Invalidate drops the account's session so the next use authenticates
// again. The driver instance and its proxy binding are kept.
func (sm *SessionManager) Invalidate(username string) {
	sm.mu.Lock()
	s := sm.sessions[username]
	sm.mu.Unlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	s.loggedIn = false
	s.mu.Unlock()
}

// Drop removes the account's session entirely, forcing a fresh driver on the
// next use.
func (sm *SessionManager) Drop(username string) {
	sm.mu.Lock()
	delete(sm.sessions, username)
	sm.mu.Unlock()
}

// Len returns the number of live sessions.
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

func (sm *SessionManager) session(username string, proxyURL *url.URL) (*session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.sessions[username]; ok {
		return s, nil
	}
	drv, err := sm.factory(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("cannot build driver for %q: %s", username, err)
	}
	s := &session{drv: drv}
	sm.sessions[username] = s
	return s, nil
}

// waitLoginTurn spaces credential logins apart process-wide. Every login
// waits at least one spacing before firing.
func (sm *SessionManager) waitLoginTurn(ctx context.Context) error {
	sm.mu.Lock()
	now := time.Now()
	next := sm.lastLogin.Add(sm.spacing)
	if next.Before(now) {
		next = now
	}
	sm.lastLogin = next
	wait := next.Sub(now) + sm.spacing
	sm.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// persistCookies stores the session-bearing cookies captured at login.
func (sm *SessionManager) persistCookies(username string, raw []string) {
	if sm.store == nil || len(raw) == 0 {
		return
	}
	var captured []account.Cookie
	for _, s := range raw {
		c, err := account.ParseCookie(s)
		if err != nil {
			log.Debugf("session: skipping unparsable cookie for %q: %s", username, err)
			continue
		}
		if sessionCookies[c.Key] {
			captured = append(captured, c)
		}
	}
	if len(captured) == 0 {
		log.Debugf("session: login for %q yielded no session cookies", username)
		return
	}
	if err := sm.store.SetCookies(username, captured); err != nil {
		log.Errorf("session: cannot persist cookies for %q: %s", username, err)
	}
}
