package backup

import (
	"encoding/binary"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/bastion-engine/bastion/core/storage"
)

const (
	chunkKeyPrefix = "chunk/data/"
	refKeyPrefix   = "chunk/refs/"
)

// chunkIndex is the deduplicating, refcounted chunk store. Chunks are
// keyed by plaintext digest; refcounts track how many backups reference
// each chunk. Lookup-or-insert is a single atomic step under mu so
// concurrent captures can neither double-store a chunk nor lose a
// refcount update.
type chunkIndex struct {
	mu     sync.Mutex
	store  storage.Store
	logger *zap.Logger
}

func newChunkIndex(store storage.Store, logger *zap.Logger) *chunkIndex {
	return &chunkIndex{store: store, logger: logger.Named("chunk_index")}
}

// lookupOrInsert takes one reference on the chunk with the given digest.
// If the chunk is not yet stored, compress is invoked and its output
// persisted. It reports whether new chunk bytes were stored and their
// size.
func (ci *chunkIndex) lookupOrInsert(digest string, compress func() ([]byte, error)) (stored bool, storedBytes int, err error) {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	refs, err := ci.refCount(digest)
	if err != nil {
		return false, 0, err
	}
	if refs > 0 {
		if err := ci.setRefCount(digest, refs+1); err != nil {
			return false, 0, err
		}
		return false, 0, nil
	}

	compressed, err := compress()
	if err != nil {
		return false, 0, fmt.Errorf("failed to compress chunk %s: %w", digest, err)
	}
	if err := ci.store.Put(chunkKeyPrefix+digest, compressed); err != nil {
		return false, 0, fmt.Errorf("failed to persist chunk %s: %w", digest, err)
	}
	if err := ci.setRefCount(digest, 1); err != nil {
		return false, 0, err
	}
	return true, len(compressed), nil
}

// addRef takes an additional reference on an existing chunk.
func (ci *chunkIndex) addRef(digest string) error {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	refs, err := ci.refCount(digest)
	if err != nil {
		return err
	}
	if refs == 0 {
		return fmt.Errorf("%w: %s", ErrChunkMissing, digest)
	}
	return ci.setRefCount(digest, refs+1)
}

// release drops one reference; a chunk reaching zero references is
// physically deleted. It reports whether the chunk was deleted.
func (ci *chunkIndex) release(digest string) (deleted bool, err error) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	refs, err := ci.refCount(digest)
	if err != nil {
		return false, err
	}
	if refs == 0 {
		// Already gone; releasing is idempotent for cancelled captures.
		return false, nil
	}
	if refs > 1 {
		return false, ci.setRefCount(digest, refs-1)
	}
	if err := ci.store.Delete(chunkKeyPrefix + digest); err != nil {
		return false, fmt.Errorf("failed to delete chunk %s: %w", digest, err)
	}
	if err := ci.store.Delete(refKeyPrefix + digest); err != nil {
		return false, fmt.Errorf("failed to delete chunk refcount %s: %w", digest, err)
	}
	ci.logger.Debug("Chunk deleted", zap.String("digest", digest))
	return true, nil
}

// get returns the stored compressed bytes of a chunk.
func (ci *chunkIndex) get(digest string) ([]byte, error) {
	data, err := ci.store.Get(chunkKeyPrefix + digest)
	if err == storage.ErrNotFound {
		return nil, fmt.Errorf("%w: %s", ErrChunkMissing, digest)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %s: %w", digest, err)
	}
	return data, nil
}

func (ci *chunkIndex) refCount(digest string) (uint64, error) {
	data, err := ci.store.Get(refKeyPrefix + digest)
	if err == storage.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read chunk refcount %s: %w", digest, err)
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt refcount record for chunk %s", digest)
	}
	return binary.LittleEndian.Uint64(data), nil
}

func (ci *chunkIndex) setRefCount(digest string, refs uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, refs)
	if err := ci.store.Put(refKeyPrefix+digest, buf); err != nil {
		return fmt.Errorf("failed to write chunk refcount %s: %w", digest, err)
	}
	return nil
}
