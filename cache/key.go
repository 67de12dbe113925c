package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
)

// Version must be increased with each backward-incompatible change
// in the cache storage.
const Version = 1

// Key is the key for use in the cache.
type Key struct {
	// Op is the catalog operation name.
	Op string

	// Args must contain the canonical encoding of the operation arguments.
	Args []byte

	// Namespace is an optional cache namespace.
	Namespace string

	// Version represents data encoding version number.
	Version int
}

// NewKey constructs a cache key from the operation name and its encoded
// arguments, with the default version number.
func NewKey(op string, args []byte, namespace string) *Key {
	return &Key{
		Op:        op,
		Args:      args,
		Namespace: namespace,
		Version:   Version,
	}
}

func (k *Key) filePath(dir string) string {
	return filepath.Join(dir, k.String())
}

// String returns string representation of the key.
func (k *Key) String() string {
	s := fmt.Sprintf("V%d; Op=%q; Args=%q; Namespace=%q", k.Version, k.Op, k.Args, k.Namespace)
	h := sha256.Sum256([]byte(s))

	// The first 16 bytes of the hash should be enough
	// for collision prevention :)
	return hex.EncodeToString(h[:16])
}
