package counter

import (
	"sync"
	"testing"
)

func TestTryInc(t *testing.T) {
	var c Counter
	for i := 0; i < 3; i++ {
		if !c.TryInc(3) {
			t.Fatalf("TryInc %d refused below the limit", i)
		}
	}
	if c.TryInc(3) {
		t.Fatalf("TryInc passed at the limit")
	}
	c.Dec()
	if !c.TryInc(3) {
		t.Fatalf("TryInc refused after Dec freed a slot")
	}
}

func TestTryIncConcurrent(t *testing.T) {
	const limit = 10
	var c Counter
	var wg sync.WaitGroup
	wins := make(chan struct{}, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.TryInc(limit) {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	if len(wins) != limit {
		t.Fatalf("expected exactly %d successful increments; got %d", limit, len(wins))
	}
	if c.Load() != limit {
		t.Fatalf("unexpected counter value: %d", c.Load())
	}
}
