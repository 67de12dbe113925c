// Package proxy maintains the egress proxy list and its sticky binding to
// accounts.
package proxy

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flockgate/flockgate/internal/counter"
	"github.com/flockgate/flockgate/log"
)

// Proxy is one egress endpoint. An account dispatches through its assigned
// proxy for the whole process lifetime.
type Proxy struct {
	id       int
	scheme   string
	host     string
	port     string
	username string
	password string

	// Monotonic guard enforcing the minimum spacing between two
	// dispatches through this proxy.
	nextReadyAt atomic.Int64

	// Counter of dispatches that reserved this proxy.
	uses counter.Counter
}

func (p *Proxy) ID() int { return p.id }

func (p *Proxy) Scheme() string { return p.scheme }

// Addr returns host:port without credentials; safe for logs.
func (p *Proxy) Addr() string {
	return p.host + ":" + p.port
}

func (p *Proxy) String() string {
	return p.Addr()
}

// URL returns the full proxy URL with credentials, as consumed by the
// transport builder.
func (p *Proxy) URL() *url.URL {
	u := &url.URL{
		Scheme: p.scheme,
		Host:   p.Addr(),
	}
	if p.username != "" {
		u.User = url.UserPassword(p.username, p.password)
	}
	return u
}

func (p *Proxy) Uses() uint32 {
	return p.uses.Load()
}

// Reserve atomically claims the proxy for one dispatch. On success the proxy
// becomes ready again only after the spacing elapses. On refusal the
// remaining wait is returned.
func (p *Proxy) Reserve(spacing time.Duration) (bool, time.Duration) {
	for {
		now := time.Now().UnixNano()
		next := p.nextReadyAt.Load()
		if now < next {
			return false, time.Duration(next - now)
		}
		if p.nextReadyAt.CompareAndSwap(next, now+int64(spacing)) {
			p.uses.Inc()
			return true, 0
		}
	}
}

// Pool loads the proxy list and pins one proxy to each account on first use.
type Pool struct {
	spacing time.Duration

	mu            sync.Mutex
	proxies       []*Proxy
	assigned      map[string]*Proxy
	assignedCount int
}

// NewPool creates an empty pool. spacing is the minimum delay between two
// dispatches through the same proxy.
func NewPool(spacing time.Duration) *Pool {
	return &Pool{
		spacing:  spacing,
		assigned: make(map[string]*Proxy),
	}
}

// LoadFile reads proxies from the given file, one per line. Two forms are
// accepted: the colon form `host:port[:username:password]` and the URL form
// `scheme://[username:password@]host:port` with scheme http, https or
// socks5. Empty lines and `#` comments are skipped.
func (p *Pool) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot open proxy list %q: %w", path, err)
	}
	defer f.Close()

	p.mu.Lock()
	defer p.mu.Unlock()

	scanner := bufio.NewScanner(f)
	n := 0
	for scanner.Scan() {
		n++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pr, err := parseLine(line)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", path, n, err)
		}
		pr.id = len(p.proxies)
		p.proxies = append(p.proxies, pr)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("cannot read proxy list %q: %w", path, err)
	}

	log.Infof("proxy pool: loaded %d proxies from %q", len(p.proxies), path)
	return nil
}

func parseLine(line string) (*Proxy, error) {
	if strings.Contains(line, "://") {
		u, err := url.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("cannot parse proxy url %q: %w", line, err)
		}
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q in %q", u.Scheme, line)
		}
		if u.Port() == "" {
			return nil, fmt.Errorf("proxy url %q misses a port", line)
		}
		pr := &Proxy{
			scheme: u.Scheme,
			host:   u.Hostname(),
			port:   u.Port(),
		}
		if u.User != nil {
			pr.username = u.User.Username()
			pr.password, _ = u.User.Password()
		}
		return pr, nil
	}

	parts := strings.Split(line, ":")
	if len(parts) != 2 && len(parts) != 4 {
		return nil, fmt.Errorf("cannot parse proxy %q: want host:port or host:port:username:password", line)
	}
	if _, err := strconv.Atoi(parts[1]); err != nil {
		return nil, fmt.Errorf("cannot parse proxy port in %q: %w", line, err)
	}
	pr := &Proxy{
		scheme: "http",
		host:   parts[0],
		port:   parts[1],
	}
	if len(parts) == 4 {
		pr.username = parts[2]
		pr.password = parts[3]
	}
	return pr, nil
}

// Assign returns the proxy pinned to the username, binding one round-robin
// on first use. Returns nil when the pool is empty; the dispatch then goes
// out without a proxy.
func (p *Pool) Assign(username string) *Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr, ok := p.assigned[username]; ok {
		return pr
	}
	if len(p.proxies) == 0 {
		return nil
	}
	pr := p.proxies[p.assignedCount%len(p.proxies)]
	p.assignedCount++
	p.assigned[username] = pr
	log.Debugf("proxy pool: assigned %s to account %q", pr, username)
	return pr
}

// Spacing returns the configured minimum inter-dispatch delay per proxy.
func (p *Pool) Spacing() time.Duration {
	return p.spacing
}

// Reserve claims the account's proxy for one dispatch. A pool-less account
// is always ok.
func (p *Pool) Reserve(pr *Proxy) (bool, time.Duration) {
	if pr == nil {
		return true, 0
	}
	return pr.Reserve(p.spacing)
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proxies)
}

// Proxies returns all loaded proxies in load order.
func (p *Pool) Proxies() []*Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Proxy(nil), p.proxies...)
}

// Addrs returns the addresses of all loaded proxies in load order.
func (p *Pool) Addrs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	addrs := make([]string, 0, len(p.proxies))
	for _, pr := range p.proxies {
		addrs = append(addrs, pr.Addr())
	}
	return addrs
}

// Assignment returns a snapshot of the username to proxy binding.
func (p *Pool) Assignment() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.assigned))
	for u, pr := range p.assigned {
		out[u] = pr.Addr()
	}
	return out
}
