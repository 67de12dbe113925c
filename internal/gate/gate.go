// Package gate bounds the number of dispatches in flight across the whole
// process.
package gate

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/flockgate/flockgate/internal/counter"
)

const (
	minCapacity    = 50
	backoffBase    = 50 * time.Millisecond
	backoffFactor  = 1.5
	backoffCap     = 2 * time.Second
	defaultTimeout = 10 * time.Second
)

// ErrSaturated is returned by Acquire when no slot frees up in time.
var ErrSaturated = errors.New("no free dispatch slot")

// DefaultCapacity returns the gate size for this host: four slots per CPU,
// never fewer than 50.
func DefaultCapacity() int {
	if n := runtime.NumCPU() * 4; n > minCapacity {
		return n
	}
	return minCapacity
}

// Gate is a semaphore with a bounded, jittered acquire.
type Gate struct {
	capacity uint32
	timeout  time.Duration
	inFlight counter.Counter

	mu  sync.Mutex
	rnd *rand.Rand
}

// New creates a gate with the given capacity. Non-positive capacity falls
// back to DefaultCapacity, non-positive acquireTimeout to 10s.
func New(capacity int, acquireTimeout time.Duration) *Gate {
	if capacity <= 0 {
		capacity = DefaultCapacity()
	}
	if acquireTimeout <= 0 {
		acquireTimeout = defaultTimeout
	}
	return &Gate{
		capacity: uint32(capacity),
		timeout:  acquireTimeout,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Acquire claims a slot, retrying with exponential backoff while the gate is
// full. It fails with ErrSaturated once the acquire timeout elapses, or with
// ctx.Err() if the context ends first.
func (g *Gate) Acquire(ctx context.Context) error {
	if g.inFlight.TryInc(g.capacity) {
		return nil
	}

	deadline := time.Now().Add(g.timeout)
	d := backoffBase
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.jitter(d)):
		}
		if g.inFlight.TryInc(g.capacity) {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w after %s; %d dispatches in flight", ErrSaturated, g.timeout, g.Occupancy())
		}
		d = time.Duration(float64(d) * backoffFactor)
		if d > backoffCap {
			d = backoffCap
		}
	}
}

// Release frees a slot claimed by Acquire.
func (g *Gate) Release() {
	g.inFlight.Dec()
}

// Occupancy returns the number of slots currently claimed.
func (g *Gate) Occupancy() int {
	return int(g.inFlight.Load())
}

// Capacity returns the gate size.
func (g *Gate) Capacity() int {
	return int(g.capacity)
}

// jitter spreads a backoff step over [d/2, d] so stalled dispatches do not
// retry in lockstep.
func (g *Gate) jitter(d time.Duration) time.Duration {
	g.mu.Lock()
	n := g.rnd.Int63n(int64(d)/2 + 1)
	g.mu.Unlock()
	return d/2 + time.Duration(n)
}
