package counter

import "sync/atomic"

type Counter struct {
	value atomic.Uint32
}

func (c *Counter) Store(n uint32) { c.value.Store(n) }

func (c *Counter) Load() uint32 { return c.value.Load() }

func (c *Counter) Dec() { c.value.Add(^uint32(0)) }

func (c *Counter) Inc() uint32 { return c.value.Add(1) }

// TryInc increments the counter unless that would exceed limit.
func (c *Counter) TryInc(limit uint32) bool {
	for {
		n := c.value.Load()
		if n >= limit {
			return false
		}
		if c.value.CompareAndSwap(n, n+1) {
			return true
		}
	}
}
