package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/cespare/xxhash/v2"
)

// Digest is the pluggable checksum capability. A chunk's digest must be
// reproducible from its plaintext: it is the chunk's content address.
type Digest interface {
	Name() string
	Sum(data []byte) string
	// New returns a streaming hasher whose final state, formatted with
	// Format, equals Sum over the same bytes.
	New() hash.Hash
	Format(h hash.Hash) string
}

// NewDigest constructs a digest by name ("xxhash", "sha256").
func NewDigest(name string) (Digest, error) {
	switch name {
	case "xxhash", "":
		return xxhashDigest{}, nil
	case "sha256":
		return sha256Digest{}, nil
	default:
		return nil, fmt.Errorf("unknown digest %q", name)
	}
}

type xxhashDigest struct{}

func (xxhashDigest) Name() string { return "xxhash" }

func (xxhashDigest) Sum(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

func (xxhashDigest) New() hash.Hash { return xxhash.New() }

func (xxhashDigest) Format(h hash.Hash) string {
	return fmt.Sprintf("%016x", h.(*xxhash.Digest).Sum64())
}

type sha256Digest struct{}

func (sha256Digest) Name() string { return "sha256" }

func (sha256Digest) Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (sha256Digest) New() hash.Hash { return sha256.New() }

func (sha256Digest) Format(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
