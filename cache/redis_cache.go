package cache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flockgate/flockgate/config"
	"github.com/flockgate/flockgate/log"
)

type redisCache struct {
	name   string
	client redis.UniversalClient
	expire time.Duration
}

const getTimeout = 2 * time.Second
const putTimeout = 2 * time.Second
const statsTimeout = 500 * time.Millisecond

func newRedisCache(client redis.UniversalClient, cfg config.Cache) *redisCache {
	return &redisCache{
		name:   "redis",
		expire: time.Duration(cfg.Expire),
		client: client,
	}
}

func (r *redisCache) Name() string {
	return r.name
}

func (r *redisCache) Close() error {
	return r.client.Close()
}

var usedMemoryRegexp = regexp.MustCompile(`used_memory:([0-9]+)\r\n`)

// Stats will make two calls to redis.
// First one fetches the number of keys stored in redis (DBSize)
// Second one will fetch memory info that will be parsed to fetch the used_memory
// NOTE : we can only fetch database size, not cache size
func (r *redisCache) Stats() Stats {
	return Stats{
		Items: r.nbOfKeys(),
		Size:  r.nbOfBytes(),
	}
}

func (r *redisCache) nbOfKeys() uint64 {
	ctx, cancelFunc := context.WithTimeout(context.Background(), statsTimeout)
	defer cancelFunc()
	nbOfKeys, err := r.client.DBSize(ctx).Result()
	if err != nil {
		log.Errorf("failed to fetch nb of keys in redis: %s", err)
	}
	return uint64(nbOfKeys)
}

func (r *redisCache) nbOfBytes() uint64 {
	ctx, cancelFunc := context.WithTimeout(context.Background(), statsTimeout)
	defer cancelFunc()
	memoryInfo, err := r.client.Info(ctx, "memory").Result()
	if err != nil {
		log.Errorf("failed to fetch nb of bytes in redis: %s", err)
	}
	matches := usedMemoryRegexp.FindStringSubmatch(memoryInfo)

	var cacheSize int

	if len(matches) > 1 {
		cacheSize, err = strconv.Atoi(matches[1])
		if err != nil {
			log.Errorf("failed to parse memory usage with error %s", err)
		}
	}

	return uint64(cacheSize)
}

func (r *redisCache) Get(key *Key) (*CachedData, error) {
	ctx, cancelFunc := context.WithTimeout(context.Background(), getTimeout)
	defer cancelFunc()
	stringKey := key.String()

	val, err := r.client.Get(ctx, stringKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMissing
	}
	// errors, such as timeouts
	if err != nil {
		log.Errorf("failed to get key %s with error: %s", stringKey, err)
		return nil, ErrMissing
	}

	ttl, err := r.client.TTL(ctx, stringKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to ttl of key %s with error: %w", stringKey, err)
	}

	b := []byte(val)
	codec, offset, err := decodeString(b)
	if err != nil {
		log.Errorf("corrupted redis entry for key %s: %s", stringKey, err)
		return nil, ErrMissing
	}

	return &CachedData{
		Entry: Entry{Codec: codec, Payload: b[offset:]},
		Ttl:   ttl,
	}, nil
}

func (r *redisCache) Put(key *Key, entry Entry) (time.Duration, error) {
	b := encodeString(entry.Codec)
	b = append(b, entry.Payload...)

	ctx, cancelFunc := context.WithTimeout(context.Background(), putTimeout)
	defer cancelFunc()
	if err := r.client.Set(ctx, key.String(), b, r.expire).Err(); err != nil {
		return 0, err
	}
	return r.expire, nil
}

func encodeString(s string) []byte {
	n := uint32(len(s))

	b := make([]byte, 0, n+4)
	b = append(b, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	b = append(b, s...)
	return b
}

func decodeString(bytes []byte) (string, int, error) {
	if len(bytes) < 4 {
		return "", 0, fmt.Errorf("entry too short: %d bytes", len(bytes))
	}
	b := bytes[:4]
	n := uint32(b[3]) | (uint32(b[2]) << 8) | (uint32(b[1]) << 16) | (uint32(b[0]) << 24)
	if len(bytes) < int(4+n) {
		return "", 0, fmt.Errorf("entry shorter than its header: %d bytes, header %d", len(bytes), n)
	}
	s := bytes[4 : 4+n]
	return string(s), int(4 + n), nil
}
