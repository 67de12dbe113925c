// Package account owns the durable registry of scraping accounts. The
// registry file is the single source of truth for credentials, session
// cookies and the usable/locked flags; every mutation rewrites it wholesale
// through an atomic rename.
package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/flockgate/flockgate/log"
)

var (
	// ErrNotFound is returned when the referenced account does not exist.
	ErrNotFound = errors.New("account not found")

	// ErrExists is returned when adding an account whose username is taken.
	ErrExists = errors.New("account already exists")
)

// Registry loads, indexes and persists the account set.
type Registry struct {
	path string

	mu       sync.Mutex
	loaded   bool
	accounts []*Account
	byName   map[string]*Account
}

// NewRegistry creates a registry backed by the given file. The file is not
// read until Load or the first accessor.
func NewRegistry(path string) *Registry {
	return &Registry{
		path:   path,
		byName: make(map[string]*Account),
	}
}

// Load reads the registry file. It is idempotent: concurrent and repeated
// callers observe the set read by the first one. A missing file yields an
// empty set.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

func (r *Registry) loadLocked() error {
	if r.loaded {
		return nil
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("account registry %q is missing; starting with an empty set", r.path)
			r.loaded = true
			return nil
		}
		return fmt.Errorf("cannot read account registry %q: %w", r.path, err)
	}

	var accounts []*Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		return fmt.Errorf("cannot parse account registry %q: %w", r.path, err)
	}

	byName := make(map[string]*Account, len(accounts))
	kept := accounts[:0]
	for _, a := range accounts {
		if a.Username == "" {
			log.Errorf("account registry %q: skipping entry without username", r.path)
			continue
		}
		if _, ok := byName[a.Username]; ok {
			log.Errorf("account registry %q: skipping duplicate entry for %q", r.path, a.Username)
			continue
		}
		byName[a.Username] = a
		kept = append(kept, a)
	}

	r.accounts = kept
	r.byName = byName
	r.loaded = true
	log.Infof("account registry: loaded %d accounts from %q", len(kept), r.path)
	return nil
}

// Save writes the whole account set atomically.
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	data, err := json.MarshalIndent(r.accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal account registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	f, err := os.CreateTemp(dir, filepath.Base(r.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("cannot create temporary registry file in %q: %w", dir, err)
	}
	tmp := f.Name()
	if _, err = f.Write(data); err == nil {
		err = f.Close()
	} else {
		f.Close()
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cannot write temporary registry file %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cannot rename %q to %q: %w", tmp, r.path, err)
	}
	return nil
}

// List returns a snapshot of all accounts. The copies share no mutable state
// with the registry.
func (r *Registry) List() []Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		log.Errorf("account registry: %s", err)
		return nil
	}
	out := make([]Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, a.Clone())
	}
	return out
}

// Len returns the number of registered accounts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		log.Errorf("account registry: %s", err)
		return 0
	}
	return len(r.accounts)
}

// FindByUsername returns a copy of the named account.
func (r *Registry) FindByUsername(username string) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return Account{}, err
	}
	a, ok := r.byName[username]
	if !ok {
		return Account{}, fmt.Errorf("%w: %q", ErrNotFound, username)
	}
	return a.Clone(), nil
}

// Add registers a new account and persists the set.
func (r *Registry) Add(a Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}
	if a.Username == "" {
		return fmt.Errorf("account username cannot be empty")
	}
	if _, ok := r.byName[a.Username]; ok {
		return fmt.Errorf("%w: %q", ErrExists, a.Username)
	}
	aa := a.Clone()
	r.accounts = append(r.accounts, &aa)
	r.byName[aa.Username] = &aa
	return r.saveLocked()
}

// Update replaces the named account wholesale and persists the set.
func (r *Registry) Update(a Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}
	old, ok := r.byName[a.Username]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, a.Username)
	}
	*old = a.Clone()
	return r.saveLocked()
}

// Delete removes the named account and persists the set.
func (r *Registry) Delete(username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}
	if _, ok := r.byName[username]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, username)
	}
	delete(r.byName, username)
	kept := r.accounts[:0]
	for _, a := range r.accounts {
		if a.Username != username {
			kept = append(kept, a)
		}
	}
	r.accounts = kept
	return r.saveLocked()
}

// MarkLocked records the upstream's hard lock signal: the account keeps its
// credentials but is never dispatched again until an operator intervenes.
func (r *Registry) MarkLocked(username string) error {
	return r.mutate(username, func(a *Account) {
		a.IsLocked = true
		a.Usable = false
	})
}

// MarkSuspended clears the soft usable gate.
func (r *Registry) MarkSuspended(username string) error {
	return r.mutate(username, func(a *Account) {
		a.Usable = false
	})
}

// Unlock restores a locked or suspended account to service.
func (r *Registry) Unlock(username string) error {
	return r.mutate(username, func(a *Account) {
		a.IsLocked = false
		a.Usable = true
	})
}

// SetCookies replaces the stored session cookies.
func (r *Registry) SetCookies(username string, cookies []Cookie) error {
	return r.mutate(username, func(a *Account) {
		a.Cookies = append([]Cookie(nil), cookies...)
	})
}

// ClearCookies drops the stored session of one account, forcing a fresh
// login on next use.
func (r *Registry) ClearCookies(username string) error {
	return r.mutate(username, func(a *Account) {
		a.Cookies = nil
	})
}

// ClearAllCookies drops the stored sessions of every account.
func (r *Registry) ClearAllCookies() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}
	for _, a := range r.accounts {
		a.Cookies = nil
	}
	return r.saveLocked()
}

// DeleteLocked removes every account with the hard lock flag set and returns
// how many were removed.
func (r *Registry) DeleteLocked() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return 0, err
	}
	kept := r.accounts[:0]
	removed := 0
	for _, a := range r.accounts {
		if a.IsLocked {
			delete(r.byName, a.Username)
			removed++
			continue
		}
		kept = append(kept, a)
	}
	r.accounts = kept
	if removed == 0 {
		return 0, nil
	}
	return removed, r.saveLocked()
}

// Import merges accounts parsed from the operator format into the registry.
// Existing usernames are updated in place. Returns how many accounts were
// added and how many updated.
func (r *Registry) Import(accounts []Account) (added, updated int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return 0, 0, err
	}
	for _, a := range accounts {
		if a.Username == "" {
			continue
		}
		if old, ok := r.byName[a.Username]; ok {
			old.Password = a.Password
			old.Email = a.Email
			old.TwoFA = a.TwoFA
			updated++
			continue
		}
		aa := a.Clone()
		r.accounts = append(r.accounts, &aa)
		r.byName[aa.Username] = &aa
		added++
	}
	return added, updated, r.saveLocked()
}

// ParseImportLine parses one `username:password[:email[:2fa_secret]]` line
// of the operator onboarding format.
func ParseImportLine(line string) (Account, error) {
	parts := strings.Split(strings.TrimSpace(line), ":")
	if len(parts) < 2 || len(parts) > 4 || parts[0] == "" || parts[1] == "" {
		return Account{}, fmt.Errorf("cannot parse account from %q: want username:password[:email[:2fa_secret]]", line)
	}
	a := Account{
		Username: parts[0],
		Password: parts[1],
		Usable:   true,
	}
	if len(parts) > 2 {
		a.Email = parts[2]
	}
	if len(parts) > 3 {
		a.TwoFA = parts[3]
	}
	return a, nil
}

func (r *Registry) mutate(username string, fn func(*Account)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}
	a, ok := r.byName[username]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, username)
	}
	fn(a)
	return r.saveLocked()
}

// Usernames returns the registered usernames in sorted order.
func (r *Registry) Usernames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		log.Errorf("account registry: %s", err)
		return nil
	}
	names := make([]string, 0, len(r.accounts))
	for _, a := range r.accounts {
		names = append(names, a.Username)
	}
	sort.Strings(names)
	return names
}
