package flockgate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/flockgate/flockgate/account"
	"github.com/flockgate/flockgate/breaker"
	"github.com/flockgate/flockgate/config"
	"github.com/flockgate/flockgate/health"
)

func TestNewExecuteAndClose(t *testing.T) {
	up := newStubUpstream()
	cfg := config.Default()
	cfg.AccountsFile = filepath.Join(t.TempDir(), "data.json")

	o, err := New(cfg, up.factory)
	if err != nil {
		t.Fatalf("cannot build orchestrator: %s", err)
	}
	defer o.Close()

	if err := o.Registry().Add(account.Account{Username: "a", Password: "pw", Usable: true}); err != nil {
		t.Fatalf("cannot add account: %s", err)
	}
	if out := o.Execute(context.Background(), opGetProfile, profileOp("target")); out == nil {
		t.Fatalf("expected a payload")
	}

	snap := o.Snapshot()
	if snap.Accounts["a"].Status != health.StatusHealthy {
		t.Fatalf("unexpected account status %s", snap.Accounts["a"].Status)
	}
	if snap.Statuses[health.StatusHealthy] != 1 {
		t.Fatalf("unexpected status counts %v", snap.Statuses)
	}
	if snap.Breaker != breaker.StateClosed || snap.BreakerFailures != 0 {
		t.Fatalf("unexpected breaker state %s with %d failures", snap.Breaker, snap.BreakerFailures)
	}
	if snap.Rate != cfg.Rate.Initial {
		t.Fatalf("unexpected rate %g, want %g", snap.Rate, cfg.Rate.Initial)
	}
	if snap.GateCapacity < 50 {
		t.Fatalf("default gate capacity must be at least 50, got %d", snap.GateCapacity)
	}
	if snap.InFlight != 0 {
		t.Fatalf("nothing is dispatching, in-flight %d", snap.InFlight)
	}
	if snap.Sessions != 1 {
		t.Fatalf("one account logged in, sessions %d", snap.Sessions)
	}

	if err := o.Close(); err != nil {
		t.Fatalf("close: %s", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("second close: %s", err)
	}
	if _, err := os.Stat(cfg.AccountsFile); err != nil {
		t.Fatalf("the registry must be flushed on close: %s", err)
	}
}

func TestNewLoadsProxyList(t *testing.T) {
	up := newStubUpstream()
	dir := t.TempDir()
	proxies := filepath.Join(dir, "proxies.txt")
	lines := "# egress\n10.0.0.1:3128\nsocks5://user:pw@10.0.0.2:1080\n"
	if err := os.WriteFile(proxies, []byte(lines), 0644); err != nil {
		t.Fatalf("cannot write proxy list: %s", err)
	}
	cfg := config.Default()
	cfg.AccountsFile = filepath.Join(dir, "data.json")
	cfg.ProxiesFile = proxies

	o, err := New(cfg, up.factory)
	if err != nil {
		t.Fatalf("cannot build orchestrator: %s", err)
	}
	defer o.Close()
	if got := o.Pool().Len(); got != 2 {
		t.Fatalf("expected 2 proxies, got %d", got)
	}
}

func TestNewBadProxyList(t *testing.T) {
	up := newStubUpstream()
	dir := t.TempDir()
	proxies := filepath.Join(dir, "proxies.txt")
	if err := os.WriteFile(proxies, []byte("not a proxy\n"), 0644); err != nil {
		t.Fatalf("cannot write proxy list: %s", err)
	}
	cfg := config.Default()
	cfg.AccountsFile = filepath.Join(dir, "data.json")
	cfg.ProxiesFile = proxies

	if _, err := New(cfg, up.factory); err == nil {
		t.Fatalf("expected an error for the malformed proxy list")
	}
}

func TestNewBadRegistry(t *testing.T) {
	up := newStubUpstream()
	file := filepath.Join(t.TempDir(), "data.json")
	if err := os.WriteFile(file, []byte("{broken"), 0644); err != nil {
		t.Fatalf("cannot write registry: %s", err)
	}
	cfg := config.Default()
	cfg.AccountsFile = file

	if _, err := New(cfg, up.factory); err == nil {
		t.Fatalf("expected an error for the corrupt registry")
	}
}
