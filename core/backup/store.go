package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bastion-engine/bastion/core/storage"
	"github.com/bastion-engine/bastion/core/txn"
	"github.com/bastion-engine/bastion/internal/metrics"
)

// MetaKeyPrefix is the reserved resource prefix of the backup metadata
// index within the transaction-managed store.
const MetaKeyPrefix = "backup/meta/"

// StoreConfig holds the backup store's tunables.
type StoreConfig struct {
	// ChunkSize bounds chunk plaintext size in bytes.
	ChunkSize int
	// Workers bounds the parallel compress/persist stage of a capture.
	Workers int
	// Retention maps backup type to its retention window; a zero window
	// means backups of that type never expire.
	Retention map[Type]time.Duration
	// SweepInterval is the period of the background retention sweep.
	// Zero disables the background job; ApplyRetention stays callable.
	SweepInterval time.Duration
	// MaxIORetries bounds backoff retries of transient chunk-store writes.
	MaxIORetries uint64
}

// Store captures, restores, validates and expires backups. Metadata
// writes go through the transaction manager so the index itself has ACID
// protection; chunk payloads live in the refcounted chunk index.
type Store struct {
	cfg     StoreConfig
	codec   Codec
	digest  Digest
	chunks  *chunkIndex
	txns    *txn.Manager
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	started  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewStore creates a backup store persisting chunks into chunkStore and
// metadata through the transaction manager's resource space.
func NewStore(cfg StoreConfig, codec Codec, digest Digest, chunkStore storage.Store, txns *txn.Manager, logger *zap.Logger, m *metrics.Metrics) (*Store, error) {
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxIORetries == 0 {
		cfg.MaxIORetries = 3
	}
	return &Store{
		cfg:      cfg,
		codec:    codec,
		digest:   digest,
		chunks:   newChunkIndex(chunkStore, logger),
		txns:     txns,
		logger:   logger.Named("backup_store"),
		metrics:  m,
		stopChan: make(chan struct{}),
	}, nil
}

// Start launches the background retention sweep, if configured.
func (s *Store) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	if s.cfg.SweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop()
	}
	s.logger.Info("Backup store started",
		zap.Int("chunk_size", s.cfg.ChunkSize),
		zap.String("codec", s.codec.Name()),
		zap.String("digest", s.digest.Name()))
}

// Stop halts the background sweep.
func (s *Store) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("Backup store stopped")
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			s.logger.Debug("Retention sweep stopping")
			return
		case <-ticker.C:
			if n, err := s.ApplyRetention(context.Background()); err != nil {
				s.logger.Error("Retention sweep failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("Retention sweep purged backups", zap.Int("count", n))
			}
		}
	}
}

// Create captures a backup of the source stream. The capture pipeline
// chunks the source, deduplicates against the chunk index, compresses and
// persists new chunks on a bounded worker pool, records metadata inside a
// transaction, and marks the backup Valid only after the aggregate digest
// recomputed from stored chunks matches. A cancelled or failed capture is
// marked Corrupt and its chunk references are released.
func (s *Store) Create(ctx context.Context, sourceID string, r io.Reader, typ Type, opts CreateOptions) (string, error) {
	if !typ.valid() {
		return "", fmt.Errorf("unknown backup type %q", typ)
	}
	select {
	case <-s.stopChan:
		return "", ErrStoreClosed
	default:
	}
	start := time.Now()
	watermark := s.txns.Log().Watermark()

	parentID, parentChunks, err := s.resolveParent(typ, opts.ParentID)
	if err != nil {
		return "", err
	}

	meta := Metadata{
		ID:          uuid.NewString(),
		Type:        typ,
		Source:      sourceID,
		CreatedAt:   start,
		DigestAlgo:  s.digest.Name(),
		Codec:       s.codec.Name(),
		Tag:         opts.Tag,
		Description: opts.Description,
		Status:      StatusInProgress,
		ParentID:    parentID,
		Watermark:   watermark,
	}

	aggregate := s.digest.New()
	ck := newChunker(r, s.cfg.ChunkSize)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	var taken struct {
		sync.Mutex
		digests []string
	}

	for {
		chunk, err := ck.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = g.Wait()
			s.releaseRefs(taken.digests)
			return "", err
		}
		if gctx.Err() != nil {
			break
		}

		digest := s.digest.Sum(chunk)
		meta.Chunks = append(meta.Chunks, digest)
		meta.Size += int64(len(chunk))
		aggregate.Write(chunk)
		if _, shared := parentChunks[digest]; !shared {
			meta.DeltaChunks = append(meta.DeltaChunks, digest)
		}

		g.Go(func() error {
			stored, storedBytes, err := s.persistChunk(gctx, digest, chunk)
			if err != nil {
				return err
			}
			taken.Lock()
			taken.digests = append(taken.digests, digest)
			taken.Unlock()
			if stored {
				s.metrics.ChunksStored.Inc()
				s.metrics.ChunkBytesOut.Add(float64(storedBytes))
			} else {
				s.metrics.DedupHits.Inc()
			}
			return nil
		})
	}

	pipelineErr := g.Wait()
	if pipelineErr == nil {
		pipelineErr = ctx.Err()
	}
	if pipelineErr != nil {
		// Cancelled or failed mid-capture: release every reference we
		// took and record the backup as Corrupt.
		s.releaseRefs(taken.digests)
		meta.Status = StatusCorrupt
		meta.Err = pipelineErr.Error()
		if metaErr := s.writeMeta(context.Background(), meta); metaErr != nil {
			s.logger.Error("Failed to record corrupt backup metadata",
				zap.String("backup", meta.ID), zap.Error(metaErr))
		}
		return "", fmt.Errorf("backup capture failed: %w", pipelineErr)
	}

	meta.Digest = s.digest.Format(aggregate)
	meta.Watermark = watermark
	if err := s.writeMeta(ctx, meta); err != nil {
		s.releaseRefs(taken.digests)
		return "", err
	}

	// Confirm what actually landed: recompute the aggregate digest from
	// the stored chunks before declaring the backup Valid.
	recomputed, err := s.recomputeAggregate(meta)
	if err == nil && recomputed != meta.Digest {
		err = fmt.Errorf("%w: aggregate digest mismatch: stored %s, expected %s", ErrIntegrity, recomputed, meta.Digest)
	}
	if err != nil {
		meta.Status = StatusCorrupt
		meta.Err = err.Error()
		if metaErr := s.writeMeta(context.Background(), meta); metaErr != nil {
			s.logger.Error("Failed to mark backup corrupt",
				zap.String("backup", meta.ID), zap.Error(metaErr))
		}
		s.releaseRefs(meta.Chunks)
		return "", err
	}

	meta.Status = StatusValid
	if err := s.writeMeta(ctx, meta); err != nil {
		s.releaseRefs(meta.Chunks)
		return "", err
	}

	s.metrics.BackupsCreated.WithLabelValues(string(typ)).Inc()
	s.metrics.BackupBytesIn.Add(float64(meta.Size))
	s.metrics.CaptureDuration.Observe(time.Since(start).Seconds())
	s.logger.Info("Backup created",
		zap.String("backup", meta.ID),
		zap.String("type", string(typ)),
		zap.Int64("size", meta.Size),
		zap.Int("chunks", len(meta.Chunks)),
		zap.Int("delta_chunks", len(meta.DeltaChunks)),
		zap.Uint64("watermark", uint64(watermark)))
	return meta.ID, nil
}

// persistChunk runs the atomic lookup-or-insert with bounded backoff on
// transient chunk-store failures.
func (s *Store) persistChunk(ctx context.Context, digest string, chunk []byte) (stored bool, storedBytes int, err error) {
	op := func() error {
		var opErr error
		stored, storedBytes, opErr = s.chunks.lookupOrInsert(digest, func() ([]byte, error) {
			return s.codec.Compress(chunk)
		})
		return opErr
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.cfg.MaxIORetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return false, 0, fmt.Errorf("failed to persist chunk %s: %w", digest, err)
	}
	return stored, storedBytes, nil
}

func (s *Store) releaseRefs(digests []string) {
	for _, d := range digests {
		deleted, err := s.chunks.release(d)
		if err != nil {
			s.logger.Error("Failed to release chunk reference",
				zap.String("digest", d), zap.Error(err))
			continue
		}
		if deleted {
			s.metrics.ChunksDeleted.Inc()
		}
	}
}

// resolveParent picks and validates the parent for incremental and
// differential captures and returns the set of chunks the parent chain
// already references.
func (s *Store) resolveParent(typ Type, requested string) (string, map[string]struct{}, error) {
	switch typ {
	case Full, Snapshot:
		return "", nil, nil
	}

	var parent *Metadata
	if requested != "" {
		m, err := s.getMeta(requested)
		if err != nil {
			return "", nil, err
		}
		if m.Status != StatusValid {
			return "", nil, fmt.Errorf("%w: parent %s is %s", ErrParentRequired, requested, m.Status)
		}
		if typ == Differential && m.Type != Full {
			return "", nil, fmt.Errorf("%w: differential parent must be a full backup", ErrParentRequired)
		}
		parent = &m
	} else {
		all := s.List(ListFilter{Status: StatusValid})
		for i := range all {
			m := all[i]
			if typ == Differential && m.Type != Full {
				continue
			}
			if parent == nil || m.CreatedAt.After(parent.CreatedAt) {
				parent = &m
			}
		}
		if parent == nil {
			return "", nil, fmt.Errorf("%w: for %s backup", ErrParentRequired, typ)
		}
	}

	chain, err := s.resolveChain(*parent)
	if err != nil {
		return "", nil, err
	}
	referenced := make(map[string]struct{})
	for _, m := range chain {
		for _, d := range m.Chunks {
			referenced[d] = struct{}{}
		}
	}
	return parent.ID, referenced, nil
}

// resolveChain walks parent links from m back to the nearest full backup
// and returns the chain in root-first order. A missing or unusable parent
// breaks the chain.
func (s *Store) resolveChain(m Metadata) ([]Metadata, error) {
	chain := []Metadata{m}
	cur := m
	seen := map[string]struct{}{m.ID: {}}
	for cur.Type == Incremental || cur.Type == Differential {
		if cur.ParentID == "" {
			return nil, fmt.Errorf("%w: %s backup %s has no parent", ErrChainBroken, cur.Type, cur.ID)
		}
		parent, err := s.getMeta(cur.ParentID)
		if err == ErrBackupNotFound {
			return nil, fmt.Errorf("%w: parent %s of %s", ErrChainBroken, cur.ParentID, cur.ID)
		}
		if err != nil {
			return nil, err
		}
		if parent.Status == StatusCorrupt || parent.Status == StatusExpired {
			return nil, fmt.Errorf("%w: parent %s is %s", ErrChainBroken, parent.ID, parent.Status)
		}
		if _, ok := seen[parent.ID]; ok {
			return nil, fmt.Errorf("%w: parent cycle at %s", ErrChainBroken, parent.ID)
		}
		seen[parent.ID] = struct{}{}
		chain = append(chain, parent)
		cur = parent
	}
	// Reverse to root-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Restore reassembles the backup into target. The full parent chain is
// resolved first; a broken chain fails before any byte is written. With
// verify set (the default for callers), the reassembled content's digest
// must match the recorded digest before anything is written.
func (s *Store) Restore(ctx context.Context, id string, target io.Writer, verify bool) error {
	meta, err := s.getMeta(id)
	if err != nil {
		return err
	}
	if meta.Status != StatusValid {
		return fmt.Errorf("%w: backup %s is %s", ErrNotRestorable, id, meta.Status)
	}
	if _, err := s.resolveChain(meta); err != nil {
		return err
	}

	var assembled bytes.Buffer
	aggregate := s.digest.New()
	for _, digest := range meta.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		compressed, err := s.chunks.get(digest)
		if err != nil {
			return err
		}
		plaintext, err := s.codec.Decompress(compressed)
		if err != nil {
			return fmt.Errorf("%w: chunk %s: %v", ErrIntegrity, digest, err)
		}
		if got := s.digest.Sum(plaintext); got != digest {
			return fmt.Errorf("%w: chunk digest mismatch: stored %s, computed %s", ErrIntegrity, digest, got)
		}
		aggregate.Write(plaintext)
		assembled.Write(plaintext)
	}
	if verify {
		if got := s.digest.Format(aggregate); got != meta.Digest {
			return fmt.Errorf("%w: aggregate digest mismatch: recorded %s, computed %s", ErrIntegrity, meta.Digest, got)
		}
	}
	if _, err := target.Write(assembled.Bytes()); err != nil {
		return fmt.Errorf("failed to write restored data: %w", err)
	}
	s.logger.Info("Backup restored",
		zap.String("backup", id),
		zap.Int64("size", meta.Size),
		zap.Bool("verified", verify))
	return nil
}

// Validate recomputes every chunk digest and the aggregate digest from
// stored bytes. It is read-only: a Valid backup keeps reporting success
// until something external corrupts or expires it.
func (s *Store) Validate(id string) (ValidationReport, error) {
	meta, err := s.getMeta(id)
	if err != nil {
		return ValidationReport{}, err
	}
	report := ValidationReport{BackupID: id, OK: true, CheckedAt: time.Now()}
	aggregate := s.digest.New()
	for _, digest := range meta.Chunks {
		result := ChunkResult{Digest: digest, OK: true}
		compressed, err := s.chunks.get(digest)
		if err != nil {
			result.OK = false
			result.Detail = err.Error()
		} else if plaintext, err := s.codec.Decompress(compressed); err != nil {
			result.OK = false
			result.Detail = err.Error()
		} else if got := s.digest.Sum(plaintext); got != digest {
			result.OK = false
			result.Detail = fmt.Sprintf("digest mismatch: computed %s", got)
		} else {
			aggregate.Write(plaintext)
		}
		if !result.OK {
			report.OK = false
		}
		report.Chunks = append(report.Chunks, result)
	}
	report.AggregateOK = report.OK && s.digest.Format(aggregate) == meta.Digest
	if !report.AggregateOK {
		report.OK = false
	}
	return report, nil
}

// List returns a snapshot of backup metadata matching the filter, newest
// first.
func (s *Store) List(filter ListFilter) []Metadata {
	resources := s.txns.Resources()
	keys, err := resources.List(MetaKeyPrefix)
	if err != nil {
		s.logger.Error("Failed to list backup metadata", zap.Error(err))
		return nil
	}
	var metas []Metadata
	for _, key := range keys {
		data, err := resources.Get(key)
		if err != nil {
			continue
		}
		var m Metadata
		if err := json.Unmarshal(data, &m); err != nil {
			s.logger.Error("Corrupt backup metadata record", zap.String("key", key), zap.Error(err))
			continue
		}
		if filter.matches(m) {
			metas = append(metas, m)
		}
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })
	return metas
}

// Get returns the metadata of one backup.
func (s *Store) Get(id string) (Metadata, error) {
	return s.getMeta(id)
}

// Chain resolves the backup's full parent chain in root-first order.
func (s *Store) Chain(id string) ([]Metadata, error) {
	meta, err := s.getMeta(id)
	if err != nil {
		return nil, err
	}
	return s.resolveChain(meta)
}

// ApplyRetention expires every backup outside its type's retention window
// that no retained backup depends on, releasing its chunk references.
// Chunks reaching zero references are physically deleted. Returns the
// number of backups expired.
func (s *Store) ApplyRetention(ctx context.Context) (int, error) {
	now := time.Now()
	all := s.List(ListFilter{Status: StatusValid})

	expirable := make(map[string]bool)
	byID := make(map[string]Metadata, len(all))
	for _, m := range all {
		byID[m.ID] = m
		window, ok := s.cfg.Retention[m.Type]
		expirable[m.ID] = ok && window > 0 && now.Sub(m.CreatedAt) > window
	}

	// A backup is protected while any retained backup's chain passes
	// through it, transitively.
	protected := make(map[string]bool)
	for _, m := range all {
		if expirable[m.ID] {
			continue
		}
		for cur := m; cur.ParentID != ""; {
			parent, ok := byID[cur.ParentID]
			if !ok {
				break
			}
			protected[parent.ID] = true
			cur = parent
		}
	}

	purged := 0
	for _, m := range all {
		if !expirable[m.ID] || protected[m.ID] {
			continue
		}
		m.Status = StatusExpired
		if err := s.writeMeta(ctx, m); err != nil {
			return purged, fmt.Errorf("failed to expire backup %s: %w", m.ID, err)
		}
		s.releaseRefs(m.Chunks)
		s.metrics.BackupsExpired.Inc()
		purged++
		s.logger.Info("Backup expired",
			zap.String("backup", m.ID),
			zap.String("type", string(m.Type)))
	}
	return purged, nil
}

func metaKey(id string) string { return MetaKeyPrefix + id }

func (s *Store) getMeta(id string) (Metadata, error) {
	data, err := s.txns.Resources().Get(metaKey(id))
	if err == storage.ErrNotFound {
		return Metadata{}, ErrBackupNotFound
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read backup metadata %s: %w", id, err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("corrupt backup metadata %s: %w", id, err)
	}
	return m, nil
}

// writeMeta records the metadata write inside a transaction: exclusive
// lock on the metadata key, inverse payload captured, two-phase commit.
func (s *Store) writeMeta(ctx context.Context, m Metadata) error {
	key := metaKey(m.ID)
	forward, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode backup metadata: %w", err)
	}

	id, err := s.txns.Begin(txn.ReadCommitted, "backup_store")
	if err != nil {
		return fmt.Errorf("failed to begin metadata transaction: %w", err)
	}
	if err := s.txns.AcquireLock(ctx, id, key, txn.Exclusive); err != nil {
		_ = s.txns.Abort(id)
		return fmt.Errorf("failed to lock backup metadata: %w", err)
	}

	op := txn.Operation{Kind: txn.OpCreate, Resource: key, Forward: forward, Inverse: []byte{}}
	if prev, err := s.txns.Resources().Get(key); err == nil {
		op.Kind = txn.OpUpdate
		op.Inverse = prev
	} else if err != storage.ErrNotFound {
		_ = s.txns.Abort(id)
		return fmt.Errorf("failed to read prior backup metadata: %w", err)
	}

	if err := s.txns.RecordOperation(id, op); err != nil {
		_ = s.txns.Abort(id)
		return fmt.Errorf("failed to record metadata operation: %w", err)
	}
	if err := s.txns.Commit(ctx, id); err != nil {
		return fmt.Errorf("failed to commit backup metadata: %w", err)
	}
	return nil
}

// recomputeAggregate rebuilds the aggregate digest from the chunks as
// they are stored, decompressing each to confirm it round-trips.
func (s *Store) recomputeAggregate(m Metadata) (string, error) {
	aggregate := s.digest.New()
	for _, digest := range m.Chunks {
		compressed, err := s.chunks.get(digest)
		if err != nil {
			return "", err
		}
		plaintext, err := s.codec.Decompress(compressed)
		if err != nil {
			return "", fmt.Errorf("%w: chunk %s: %v", ErrIntegrity, digest, err)
		}
		aggregate.Write(plaintext)
	}
	return s.digest.Format(aggregate), nil
}
