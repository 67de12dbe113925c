package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/flockgate/flockgate/config"
)

const cacheTTL = 10 * time.Second

func generateRedisClientAndServer(t *testing.T) (*redisCache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	redisClient := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{s.Addr()},
	})
	c := newRedisCache(redisClient, config.Cache{
		Mode:   "redis",
		Expire: config.Duration(cacheTTL),
	})
	t.Cleanup(func() { c.Close() })
	return c, s
}

func TestRedisCacheAddGet(t *testing.T) {
	c, _ := generateRedisClientAndServer(t)
	cacheAddGetHelper(t, c)
}

func TestRedisCacheMiss(t *testing.T) {
	c, _ := generateRedisClientAndServer(t)
	cacheMissHelper(t, c)
}

func TestRedisCacheExpire(t *testing.T) {
	c, s := generateRedisClientAndServer(t)
	key := testKey("getProfile")
	if _, err := c.Put(key, Entry{Codec: "none", Payload: []byte("profile")}); err != nil {
		t.Fatalf("cannot put entry: %s", err)
	}
	if _, err := c.Get(key); err != nil {
		t.Fatalf("cannot get fresh entry: %s", err)
	}

	s.FastForward(cacheTTL + time.Second)
	if _, err := c.Get(key); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing after ttl; got %v", err)
	}
}

func TestRedisCacheSize(t *testing.T) {
	c, _ := generateRedisClientAndServer(t)
	if nbKeys := c.nbOfKeys(); nbKeys > 0 {
		t.Fatalf("the cache should be empty")
	}

	if _, err := c.Put(testKey("op"), Entry{Codec: "none", Payload: []byte("x")}); err != nil {
		t.Fatalf("cannot put entry: %s", err)
	}
	if nbKeys := c.nbOfKeys(); nbKeys != 1 {
		t.Fatalf("unexpected number of keys: got %d; want 1", nbKeys)
	}
}

func TestRedisCacheCorruptedEntry(t *testing.T) {
	c, s := generateRedisClientAndServer(t)
	key := testKey("getTweet")
	if err := s.Set(key.String(), "xx"); err != nil {
		t.Fatalf("cannot seed corrupted entry: %s", err)
	}

	if _, err := c.Get(key); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected corrupted entry to read as ErrMissing; got %v", err)
	}
}

func TestRedisTransactionRegistry(t *testing.T) {
	s := miniredis.RunT(t)
	redisClient := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{s.Addr()},
	})
	defer redisClient.Close()

	tr := newRedisTransactionRegistry(redisClient, time.Minute)
	key := testKey("searchTweets")

	status, err := tr.Status(key)
	if err != nil {
		t.Fatalf("cannot fetch status: %s", err)
	}
	if !status.State.IsAbsent() {
		t.Fatalf("expected absent transaction")
	}

	if err := tr.Create(key); err != nil {
		t.Fatalf("cannot create transaction: %s", err)
	}
	status, err = tr.Status(key)
	if err != nil {
		t.Fatalf("cannot fetch status: %s", err)
	}
	if !status.State.IsPending() {
		t.Fatalf("expected pending transaction")
	}

	if err := tr.Fail(key, "upstream exploded"); err != nil {
		t.Fatalf("cannot fail transaction: %s", err)
	}
	status, err = tr.Status(key)
	if err != nil {
		t.Fatalf("cannot fetch status: %s", err)
	}
	if !status.State.IsFailed() {
		t.Fatalf("expected failed transaction")
	}
	if status.FailReason != "upstream exploded" {
		t.Fatalf("unexpected fail reason: %q", status.FailReason)
	}

	if err := tr.Complete(key); err != nil {
		t.Fatalf("cannot complete transaction: %s", err)
	}
	status, err = tr.Status(key)
	if err != nil {
		t.Fatalf("cannot fetch status: %s", err)
	}
	if !status.State.IsCompleted() {
		t.Fatalf("expected completed transaction")
	}

	// ended transactions are short-lived
	s.FastForward(transactionEndedTTL * 2)
	status, err = tr.Status(key)
	if err != nil {
		t.Fatalf("cannot fetch status: %s", err)
	}
	if !status.State.IsAbsent() {
		t.Fatalf("expected ended transaction to be dropped")
	}
}
