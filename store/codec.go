package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	offlinecache "github.com/wolfeidau/offline-cache"
)

const (
	// CompressionThreshold is the minimum body size before compression is considered.
	CompressionThreshold = 2048

	// MaxBodySize is the largest snapshot body accepted, compressed or not.
	MaxBodySize = 32 * 1024 * 1024

	EncodingIdentity = "identity"
	EncodingZstd     = "zstd"
)

var (
	// ErrBodyTooLarge is returned when a snapshot body exceeds MaxBodySize.
	ErrBodyTooLarge = errors.New("snapshot body exceeds maximum size")

	// ErrCorrupted is returned when a decoded body does not match its digest.
	ErrCorrupted = errors.New("snapshot digest mismatch")
)

// Codec compresses snapshot bodies and verifies their digests.
// Encoder and decoder are goroutine-safe and reused across calls.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a codec with a shared zstd encoder and decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxBodySize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode compresses data when that makes it smaller and returns the digest of
// the original bytes.
func (c *Codec) Encode(data []byte) (payload []byte, encoding, digest string, err error) {
	if len(data) > MaxBodySize {
		return nil, "", "", ErrBodyTooLarge
	}

	digest = computeDigest(data)

	if len(data) < CompressionThreshold {
		return data, EncodingIdentity, digest, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return data, EncodingIdentity, digest, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, EncodingIdentity, digest, nil
	}
	return compressed, EncodingZstd, digest, nil
}

// Decode reverses Encode and checks the digest when one is given.
func (c *Codec) Decode(payload []byte, encoding, digest string) ([]byte, error) {
	var data []byte
	switch encoding {
	case EncodingIdentity, "":
		data = payload
	case EncodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		var err error
		data, err = dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing body: %w", err)
		}
		if len(data) > MaxBodySize {
			return nil, ErrBodyTooLarge
		}
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", encoding)
	}

	if digest != "" && computeDigest(data) != digest {
		return nil, ErrCorrupted
	}
	return data, nil
}

func computeDigest(data []byte) string {
	return "blake3:" + offlinecache.HashBytes(data).String()
}
