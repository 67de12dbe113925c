package cache

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flockgate/flockgate/clients"
	"github.com/flockgate/flockgate/config"
)

// AsyncCache is a transactional cache able to serve results of concurrent
// identical operations. When operation A and B are equal, and B arrives after
// A within the defined deadline interval [[graceTime]], B will await the
// result of A for at most:
// max_awaiting_time = graceTime - (arrivalB - arrivalA)
type AsyncCache struct {
	Cache
	TransactionRegistry

	graceTime time.Duration
}

func (c *AsyncCache) Close() error {
	if c.TransactionRegistry != nil {
		c.TransactionRegistry.Close()
	}
	if c.Cache != nil {
		c.Cache.Close()
	}
	return nil
}

type TransactionResult struct {
	ElapsedTime time.Duration
	State       TransactionState
}

func (c *AsyncCache) AwaitForConcurrentTransaction(key *Key) (TransactionResult, error) {
	startTime := time.Now()
	seenState := transactionAbsent
	for {
		elapsedTime := time.Since(startTime)
		if elapsedTime > c.graceTime {
			// The entry didn't appear during deadline.
			// Let the caller creating it.
			return TransactionResult{
				ElapsedTime: elapsedTime,
				State:       seenState,
			}, nil
		}

		state, err := c.TransactionRegistry.Status(key)

		if err != nil {
			return TransactionResult{}, err
		}

		if !state.State.IsPending() {
			return TransactionResult{
				ElapsedTime: elapsedTime,
				State:       state.State,
			}, nil
		}
		seenState = state.State

		// Wait for deadline in the hope the entry will appear
		// in the cache.
		//
		// This should protect from thundering herd problem when
		// a single slow operation is executed from concurrent requests.
		d := 100 * time.Millisecond
		if d > c.graceTime {
			d = c.graceTime
		}
		time.Sleep(d)
	}
}

// NewAsyncCache creates the cache named by cfg.Mode with the configured
// payload codec wrapped around it.
func NewAsyncCache(cfg config.Cache) (*AsyncCache, error) {
	graceTime := time.Duration(cfg.GraceTime)
	if graceTime == 0 {
		// Default grace time.
		graceTime = 5 * time.Second
	}
	if graceTime < 0 {
		// Disable protection from `dogpile effect`.
		graceTime = 0
	}

	var backend Cache
	var transaction TransactionRegistry
	var err error
	// transaction will be kept until we're sure there's no possible concurrent operation running
	transactionDeadline := 2 * graceTime

	switch cfg.Mode {
	case "file_system":
		backend, err = newFileSystemCache(cfg, graceTime)
		transaction = newInMemoryTransactionRegistry(transactionDeadline, transactionEndedTTL)
	case "redis":
		var redisClient redis.UniversalClient
		redisClient, err = clients.NewRedisClient(cfg.Redis)
		if err == nil {
			backend = newRedisCache(redisClient, cfg)
			transaction = newRedisTransactionRegistry(redisClient, transactionDeadline)
		}
	default:
		return nil, fmt.Errorf("unknown cache mode %q", cfg.Mode)
	}

	if err != nil {
		return nil, err
	}

	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		backend.Close()
		return nil, err
	}

	return &AsyncCache{
		Cache:               WithCodec(backend, codec),
		TransactionRegistry: transaction,
		graceTime:           graceTime,
	}, nil
}
