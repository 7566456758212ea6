package txn

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/bastion-engine/bastion/core/storage"
)

const logKeyPrefix = "txnlog/"

// Log is the durable, append-only transaction log. Records are keyed by
// zero-padded LSN so a prefix scan yields them in append order. The
// backing store provides crash consistency for the log's own state.
type Log struct {
	store  storage.Store
	logger *zap.Logger

	mu      sync.Mutex
	nextLSN LSN
}

// OpenLog opens the transaction log in the given store, recovering the
// next LSN from the highest existing record.
func OpenLog(store storage.Store, logger *zap.Logger) (*Log, error) {
	l := &Log{
		store:   store,
		logger:  logger.Named("txn_log"),
		nextLSN: 1,
	}
	keys, err := store.List(logKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction log: %w", err)
	}
	if len(keys) > 0 {
		last := keys[len(keys)-1]
		var lsn uint64
		if _, err := fmt.Sscanf(last, logKeyPrefix+"%020d", &lsn); err != nil {
			return nil, fmt.Errorf("malformed transaction log key %q: %w", last, err)
		}
		l.nextLSN = LSN(lsn) + 1
	}
	l.logger.Info("Transaction log opened",
		zap.Int("records", len(keys)),
		zap.Uint64("next_lsn", uint64(l.nextLSN)))
	return l, nil
}

func logKey(lsn LSN) string {
	return fmt.Sprintf(logKeyPrefix+"%020d", uint64(lsn))
}

// Append assigns the next LSN to the record and persists it. The record
// is durable when Append returns.
func (l *Log) Append(record *LogRecord) (LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	record.LSN = l.nextLSN
	data, err := record.Serialize()
	if err != nil {
		return InvalidLSN, fmt.Errorf("failed to serialize log record: %w", err)
	}
	if err := l.store.Put(logKey(record.LSN), data); err != nil {
		return InvalidLSN, fmt.Errorf("failed to append log record: %w", err)
	}
	l.nextLSN++
	return record.LSN, nil
}

// Watermark returns the LSN of the most recently appended record, or
// InvalidLSN if the log is empty. Backups record this position at capture
// time.
func (l *Log) Watermark() LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextLSN - 1
}

// Scan returns the records with from <= LSN <= to, in LSN order. A zero
// `to` means "through the end of the log".
func (l *Log) Scan(from, to LSN) ([]LogRecord, error) {
	if from == InvalidLSN {
		from = 1
	}
	keys, err := l.store.List(logKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list log records: %w", err)
	}
	var records []LogRecord
	for _, key := range keys {
		var lsn uint64
		if _, err := fmt.Sscanf(key, logKeyPrefix+"%020d", &lsn); err != nil {
			return nil, fmt.Errorf("malformed transaction log key %q: %w", key, err)
		}
		if LSN(lsn) < from || (to != InvalidLSN && LSN(lsn) > to) {
			continue
		}
		data, err := l.store.Get(key)
		if err != nil {
			return nil, fmt.Errorf("failed to read log record %s: %w", key, err)
		}
		var record LogRecord
		if err := record.Deserialize(data); err != nil {
			return nil, fmt.Errorf("failed to decode log record %s: %w", key, err)
		}
		records = append(records, record)
	}
	return records, nil
}
