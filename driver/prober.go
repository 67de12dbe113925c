package driver

import (
	"context"
	"net/url"
	"time"

	"github.com/flockgate/flockgate/account"
)

// Prober checks that an idle account's session still works. The health sweep
// feeds its verdicts back into the tracker like any other call outcome.
type Prober interface {
	Probe(ctx context.Context, acc *account.Account, proxyURL *url.URL) error
	Timeout() time.Duration
}

type proberOpts struct {
	timeout time.Duration
	target  string
}

// ProbeOption adjusts a Prober.
type ProbeOption interface {
	apply(*proberOpts)
}

type probeTimeout time.Duration

func (o probeTimeout) apply(opts *proberOpts) {
	opts.timeout = time.Duration(o)
}

// WithProbeTimeout overrides the per-probe timeout (default 30s).
func WithProbeTimeout(d time.Duration) ProbeOption {
	return probeTimeout(d)
}

type probeTarget string

func (o probeTarget) apply(opts *proberOpts) {
	opts.target = string(o)
}

// WithProbeTarget fetches a fixed profile instead of the account's own.
func WithProbeTarget(username string) ProbeOption {
	return probeTarget(username)
}

type sessionProber struct {
	sessions *SessionManager
	timeout  time.Duration
	target   string
}

const defaultProbeTimeout = 30 * time.Second

// NewSessionProber probes by fetching a profile through the account's
// authenticated session.
func NewSessionProber(sessions *SessionManager, options ...ProbeOption) Prober {
	opts := &proberOpts{timeout: defaultProbeTimeout}
	for _, o := range options {
		o.apply(opts)
	}
	return &sessionProber{
		sessions: sessions,
		timeout:  opts.timeout,
		target:   opts.target,
	}
}

func (p *sessionProber) Probe(ctx context.Context, acc *account.Account, proxyURL *url.URL) error {
	drv, err := p.sessions.Driver(ctx, acc, proxyURL)
	if err != nil {
		return err
	}
	target := p.target
	if target == "" {
		target = acc.Username
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	_, err = drv.GetProfile(ctx, target)
	return err
}

func (p *sessionProber) Timeout() time.Duration {
	return p.timeout
}
