package cache

import (
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4"

	"github.com/flockgate/flockgate/log"
)

// Codec compresses payloads before they reach a cache backend.
type Codec interface {
	Name() string
	Encode(payload []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// NewCodec returns the codec registered under name.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return noneCodec{}, nil
	case "lz4":
		return lz4Codec{}, nil
	case "zstd":
		return newZstdCodec()
	default:
		return nil, fmt.Errorf("unknown cache codec %q", name)
	}
}

type noneCodec struct{}

func (noneCodec) Name() string { return "none" }

func (noneCodec) Encode(payload []byte) ([]byte, error) { return payload, nil }

func (noneCodec) Decode(data []byte) ([]byte, error) { return data, nil }

// lz4 block framing: one type byte, 4 bytes of decompressed size, then the
// block. Incompressible payloads are stored raw under their own type byte.
const (
	rawBlockType = 0x00
	lz4BlockType = 0x82
)

type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Encode(payload []byte) ([]byte, error) {
	buf := make([]byte, 5+lz4.CompressBlockBound(len(payload)))
	ht := make([]int, 64<<10)
	n, err := lz4.CompressBlock(payload, buf[5:], ht)
	if err != nil {
		return nil, fmt.Errorf("cannot compress payload: %w", err)
	}
	if n == 0 || n >= len(payload) {
		out := make([]byte, 5+len(payload))
		out[0] = rawBlockType
		putBlockSize(out[1:5], uint32(len(payload)))
		copy(out[5:], payload)
		return out, nil
	}
	buf[0] = lz4BlockType
	putBlockSize(buf[1:5], uint32(len(payload)))
	return buf[:5+n], nil
}

func (lz4Codec) Decode(data []byte) ([]byte, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("lz4 block too short: %d bytes", len(data))
	}
	size := blockSize(data[1:5])
	switch data[0] {
	case rawBlockType:
		if uint32(len(data)-5) != size {
			return nil, fmt.Errorf("raw block length mismatch: have %d, want %d", len(data)-5, size)
		}
		return data[5:], nil
	case lz4BlockType:
		buf := make([]byte, size)
		if _, err := lz4.UncompressBlock(data[5:], buf); err != nil {
			return nil, fmt.Errorf("cannot decompress lz4 block: %w", err)
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("unsupported block type: %#x", data[0])
	}
}

func putBlockSize(b []byte, n uint32) {
	b[0] = byte(n >> 24)
	b[1] = byte(n >> 16)
	b[2] = byte(n >> 8)
	b[3] = byte(n)
}

func blockSize(b []byte) uint32 {
	return uint32(b[3]) | (uint32(b[2]) << 8) | (uint32(b[1]) << 16) | (uint32(b[0]) << 24)
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("cannot create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("cannot create zstd decoder: %w", err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (c *zstdCodec) Name() string { return "zstd" }

func (c *zstdCodec) Encode(payload []byte) ([]byte, error) {
	return c.enc.EncodeAll(payload, nil), nil
}

func (c *zstdCodec) Decode(data []byte) ([]byte, error) {
	return c.dec.DecodeAll(data, nil)
}

// codecCache applies a codec around a backend. Entries written with another
// codec are treated as missing so a codec change invalidates instead of
// corrupting.
type codecCache struct {
	Cache
	codec Codec
}

// WithCodec wraps a cache backend with the given codec.
func WithCodec(c Cache, codec Codec) Cache {
	return &codecCache{Cache: c, codec: codec}
}

func (c *codecCache) Get(key *Key) (*CachedData, error) {
	d, err := c.Cache.Get(key)
	if err != nil {
		return nil, err
	}
	if d.Codec != c.codec.Name() {
		log.Debugf("cache %q: entry %s has codec %q, want %q; treating as missing", c.Name(), key, d.Codec, c.codec.Name())
		return nil, ErrMissing
	}
	payload, err := c.codec.Decode(d.Payload)
	if err != nil {
		log.Errorf("cache %q: cannot decode entry %s: %s", c.Name(), key, err)
		return nil, ErrMissing
	}
	d.Payload = payload
	return d, nil
}

func (c *codecCache) Put(key *Key, entry Entry) (time.Duration, error) {
	encoded, err := c.codec.Encode(entry.Payload)
	if err != nil {
		return 0, err
	}
	return c.Cache.Put(key, Entry{Codec: c.codec.Name(), Payload: encoded})
}
