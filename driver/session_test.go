package driver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flockgate/flockgate/account"
	"github.com/flockgate/flockgate/log"
)

func TestMain(m *testing.M) {
	log.SuppressOutput(true)
	retCode := m.Run()
	log.SuppressOutput(false)
	os.Exit(retCode)
}

var _ Driver = &mockDriver{}

// mockDriver records the calls it receives; err fails every call.
type mockDriver struct {
	mu         sync.Mutex
	proxyURL   *url.URL
	logins     []string
	setCookies [][]string
	profiles   []string
	cookies    []string
	loginErr   error
	cookieErr  error
}

func (d *mockDriver) Login(ctx context.Context, username, password, email, totpSecret string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loginErr != nil {
		return d.loginErr
	}
	d.logins = append(d.logins, username+":"+password)
	return nil
}

func (d *mockDriver) SetCookies(cookies []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cookieErr != nil {
		return d.cookieErr
	}
	d.setCookies = append(d.setCookies, cookies)
	return nil
}

func (d *mockDriver) Cookies() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cookies
}

func (d *mockDriver) GetProfile(ctx context.Context, username string) (*Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles = append(d.profiles, username)
	return &Profile{Username: username}, nil
}

func (d *mockDriver) SearchTweets(ctx context.Context, query string, mode SearchMode, cursor string) (*TweetPage, error) {
	return &TweetPage{}, nil
}

func (d *mockDriver) SearchProfiles(ctx context.Context, query string, maxProfiles int, cursor string) (*ProfilePage, error) {
	return &ProfilePage{}, nil
}

func (d *mockDriver) GetProfileByUserID(ctx context.Context, userID string) (*Profile, error) {
	return &Profile{UserID: userID}, nil
}

func (d *mockDriver) GetTweets(ctx context.Context, username string, maxTweets int) ([]*Tweet, error) {
	return nil, nil
}

func (d *mockDriver) GetTweetsAndReplies(ctx context.Context, username string, maxTweets int) ([]*Tweet, error) {
	return nil, nil
}

func (d *mockDriver) GetUserTweets(ctx context.Context, userID string, maxTweets int, cursor string) (*TweetPage, error) {
	return &TweetPage{}, nil
}

func (d *mockDriver) GetTweet(ctx context.Context, id string) (*Tweet, error) {
	return &Tweet{ID: id}, nil
}

func (d *mockDriver) FetchProfileFollowers(ctx context.Context, userID string, maxProfiles int, cursor string) (*ProfilePage, error) {
	return &ProfilePage{}, nil
}

func (d *mockDriver) FetchProfileFollowing(ctx context.Context, userID string, maxProfiles int, cursor string) (*ProfilePage, error) {
	return &ProfilePage{}, nil
}

// mockFactory hands out one mockDriver per proxy binding.
type mockFactory struct {
	mu      sync.Mutex
	drivers []*mockDriver
	next    *mockDriver
	err     error
}

func (f *mockFactory) build(proxyURL *url.URL) (Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	d := f.next
	if d == nil {
		d = &mockDriver{}
	}
	f.next = nil
	d.proxyURL = proxyURL
	f.drivers = append(f.drivers, d)
	return d, nil
}

var _ CookieStore = &mockStore{}

type mockStore struct {
	mu      sync.Mutex
	cookies map[string][]account.Cookie
	err     error
}

func (s *mockStore) SetCookies(username string, cookies []account.Cookie) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.cookies == nil {
		s.cookies = make(map[string][]account.Cookie)
	}
	s.cookies[username] = cookies
	return nil
}

func testAccount() *account.Account {
	return &account.Account{
		Username: "bob",
		Password: "hunter2",
		Email:    "bob@example.com",
		Usable:   true,
	}
}

func TestSessionCookieFirst(t *testing.T) {
	f := &mockFactory{}
	sm := NewSessionManager(f.build, &mockStore{}, WithLoginSpacing(time.Millisecond))

	acc := testAccount()
	acc.Cookies = []account.Cookie{
		{Key: "auth_token", Value: "a1"},
		{Key: "ct0", Value: "c1"},
	}

	drv, err := sm.Driver(context.Background(), acc, nil)
	require.NoError(t, err)

	d := drv.(*mockDriver)
	assert.Empty(t, d.logins, "stored cookies must suppress credential login")
	require.Len(t, d.setCookies, 1)
	assert.Equal(t, []string{"auth_token=a1", "ct0=c1"}, d.setCookies[0])

	// second use reuses the authenticated session
	drv2, err := sm.Driver(context.Background(), acc, nil)
	require.NoError(t, err)
	assert.Same(t, drv, drv2)
	assert.Len(t, d.setCookies, 1)
}

func TestSessionCredentialLogin(t *testing.T) {
	f := &mockFactory{next: &mockDriver{
		cookies: []string{
			"auth_token=deadbeef; Domain=.example.com; Secure; HttpOnly",
			"ct0=cafe",
			"guest_id=v1",
			"lang=en",
		},
	}}
	store := &mockStore{}
	sm := NewSessionManager(f.build, store, WithLoginSpacing(time.Millisecond))

	acc := testAccount()
	drv, err := sm.Driver(context.Background(), acc, nil)
	require.NoError(t, err)

	d := drv.(*mockDriver)
	require.Equal(t, []string{"bob:hunter2"}, d.logins)
	assert.Empty(t, d.setCookies, "credential login must not install stored cookies")

	got := store.cookies["bob"]
	require.Len(t, got, 3, "only session-bearing cookies are persisted")
	keys := make([]string, len(got))
	for i, c := range got {
		keys[i] = c.Key
	}
	assert.ElementsMatch(t, []string{"auth_token", "ct0", "guest_id"}, keys)

	// second use must not log in again
	_, err = sm.Driver(context.Background(), acc, nil)
	require.NoError(t, err)
	assert.Len(t, d.logins, 1)
}

func TestSessionLockedRefused(t *testing.T) {
	f := &mockFactory{}
	sm := NewSessionManager(f.build, &mockStore{})

	acc := testAccount()
	acc.IsLocked = true

	_, err := sm.Driver(context.Background(), acc, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked), "unexpected error: %v", err)
	assert.Empty(t, f.drivers, "no driver may be built for a locked account")
}

func TestSessionLoginError(t *testing.T) {
	d := &mockDriver{loginErr: fmt.Errorf("authentication failed: bad credentials")}
	f := &mockFactory{next: d}
	sm := NewSessionManager(f.build, &mockStore{}, WithLoginSpacing(time.Millisecond))

	acc := testAccount()
	_, err := sm.Driver(context.Background(), acc, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad credentials")

	// the session stays unauthenticated and the next use retries the login
	d.loginErr = nil
	drv, err := sm.Driver(context.Background(), acc, nil)
	require.NoError(t, err)
	assert.Same(t, Driver(d), drv)
	assert.Equal(t, []string{"bob:hunter2"}, d.logins)
}

func TestSessionCookieInstallFallsBack(t *testing.T) {
	d := &mockDriver{cookieErr: fmt.Errorf("malformed cookie")}
	f := &mockFactory{next: d}
	sm := NewSessionManager(f.build, &mockStore{}, WithLoginSpacing(time.Millisecond))

	acc := testAccount()
	acc.Cookies = []account.Cookie{{Key: "auth_token", Value: "stale"}}

	_, err := sm.Driver(context.Background(), acc, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob:hunter2"}, d.logins, "rejected cookies must fall back to credential login")
}

func TestSessionInvalidate(t *testing.T) {
	f := &mockFactory{}
	sm := NewSessionManager(f.build, &mockStore{}, WithLoginSpacing(time.Millisecond))

	acc := testAccount()
	drv, err := sm.Driver(context.Background(), acc, nil)
	require.NoError(t, err)
	d := drv.(*mockDriver)
	require.Len(t, d.logins, 1)

	sm.Invalidate(acc.Username)
	_, err = sm.Driver(context.Background(), acc, nil)
	require.NoError(t, err)
	assert.Len(t, d.logins, 2, "invalidated session must authenticate again")
	assert.Len(t, f.drivers, 1, "invalidation must keep the driver instance")

	sm.Drop(acc.Username)
	_, err = sm.Driver(context.Background(), acc, nil)
	require.NoError(t, err)
	assert.Len(t, f.drivers, 2, "dropped session must rebuild the driver")
}

func TestSessionLoginSpacing(t *testing.T) {
	f := &mockFactory{}
	sm := NewSessionManager(f.build, nil, WithLoginSpacing(50*time.Millisecond))

	start := time.Now()
	var wg sync.WaitGroup
	for _, name := range []string{"u1", "u2"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			acc := testAccount()
			acc.Username = name
			_, err := sm.Driver(context.Background(), acc, nil)
			assert.NoError(t, err)
		}(name)
	}
	wg.Wait()

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond, "two logins must be spaced apart")
}

func TestSessionLoginContextCancelled(t *testing.T) {
	f := &mockFactory{}
	sm := NewSessionManager(f.build, nil, WithLoginSpacing(10*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := sm.Driver(ctx, testAccount(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "unexpected error: %v", err)
}

func TestProberFetchesOwnProfile(t *testing.T) {
	f := &mockFactory{}
	sm := NewSessionManager(f.build, nil, WithLoginSpacing(time.Millisecond))
	p := NewSessionProber(sm, WithProbeTimeout(time.Second))

	acc := testAccount()
	require.NoError(t, p.Probe(context.Background(), acc, nil))

	d := f.drivers[0]
	assert.Equal(t, []string{"bob"}, d.profiles)
	assert.Equal(t, time.Second, p.Timeout())
}

func TestProberTargetOverride(t *testing.T) {
	f := &mockFactory{}
	sm := NewSessionManager(f.build, nil, WithLoginSpacing(time.Millisecond))
	p := NewSessionProber(sm, WithProbeTarget("canary"))

	require.NoError(t, p.Probe(context.Background(), testAccount(), nil))
	assert.Equal(t, []string{"canary"}, f.drivers[0].profiles)
}

func TestProberRefusesLocked(t *testing.T) {
	f := &mockFactory{}
	sm := NewSessionManager(f.build, nil)
	p := NewSessionProber(sm)

	acc := testAccount()
	acc.IsLocked = true
	err := p.Probe(context.Background(), acc, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))
}
