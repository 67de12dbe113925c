package cache

import (
	"errors"
	"io"
	"time"
)

// Cache stores payloads of executed operations identified by Key.
type Cache interface {
	io.Closer
	Stats() Stats
	Get(key *Key) (*CachedData, error)
	Put(key *Key, entry Entry) (time.Duration, error)
	Name() string
}

// Entry is what a cache backend stores: the payload bytes plus the name of
// the codec they were encoded with.
type Entry struct {
	Codec   string
	Payload []byte
}

// CachedData is a cache hit.
type CachedData struct {
	Entry
	Ttl time.Duration
}

// ErrMissing is returned when the entry isn't found in the cache.
var ErrMissing = errors.New("missing cache entry")
