package txn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bastion-engine/bastion/core/storage"
)

func setupLog(t *testing.T) (*Log, *storage.MemStore) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	store := storage.NewMemStore()
	log, err := OpenLog(store, logger)
	require.NoError(t, err)
	return log, store
}

// TestRecordPreservesNilVersusEmpty verifies the codec keeps the payload
// convention intact across the wire: nil means "no payload", empty
// non-nil means "resource did not exist". Recovery planning depends on
// the distinction.
func TestRecordPreservesNilVersusEmpty(t *testing.T) {
	in := LogRecord{
		LSN:       7,
		TxnID:     3,
		Seq:       2,
		Type:      RecordOperation,
		Timestamp: time.Now().UnixNano(),
		Resource:  "users/42",
		Forward:   []byte("payload"),
		Inverse:   []byte{},
	}
	data, err := in.Serialize()
	require.NoError(t, err)

	var out LogRecord
	require.NoError(t, out.Deserialize(data))
	require.Equal(t, in, out)
	require.NotNil(t, out.Inverse)

	in.Forward = nil
	data, err = in.Serialize()
	require.NoError(t, err)
	require.NoError(t, out.Deserialize(data))
	require.Nil(t, out.Forward)
}

func TestRecordRejectsTruncatedInput(t *testing.T) {
	in := LogRecord{LSN: 1, TxnID: 1, Type: RecordBegin, Timestamp: 1}
	data, err := in.Serialize()
	require.NoError(t, err)

	var out LogRecord
	require.Error(t, out.Deserialize(data[:len(data)-3]))
	require.Error(t, out.Deserialize(nil))
}

// TestAppendAssignsMonotonicLSNs verifies LSN assignment and the
// watermark.
func TestAppendAssignsMonotonicLSNs(t *testing.T) {
	log, _ := setupLog(t)
	require.Equal(t, InvalidLSN, log.Watermark())

	for i := 1; i <= 3; i++ {
		lsn, err := log.Append(&LogRecord{TxnID: 1, Type: RecordBegin, Timestamp: int64(i)})
		require.NoError(t, err)
		require.Equal(t, LSN(i), lsn)
	}
	require.Equal(t, LSN(3), log.Watermark())
}

// TestScanRange verifies inclusive range scans and the open-ended form.
func TestScanRange(t *testing.T) {
	log, _ := setupLog(t)
	for i := 0; i < 5; i++ {
		_, err := log.Append(&LogRecord{TxnID: TxnID(i + 1), Type: RecordBegin, Timestamp: int64(i)})
		require.NoError(t, err)
	}

	records, err := log.Scan(2, 4)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, LSN(2), records[0].LSN)
	require.Equal(t, LSN(4), records[2].LSN)

	records, err = log.Scan(4, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	records, err = log.Scan(9, 0)
	require.NoError(t, err)
	require.Len(t, records, 0)
}

// TestReopenRecoversNextLSN verifies a log reopened over existing records
// continues the sequence instead of overwriting it.
func TestReopenRecoversNextLSN(t *testing.T) {
	log, store := setupLog(t)
	for i := 0; i < 4; i++ {
		_, err := log.Append(&LogRecord{TxnID: 1, Type: RecordBegin, Timestamp: int64(i)})
		require.NoError(t, err)
	}

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	reopened, err := OpenLog(store, logger)
	require.NoError(t, err)
	require.Equal(t, LSN(4), reopened.Watermark())

	lsn, err := reopened.Append(&LogRecord{TxnID: 2, Type: RecordBegin, Timestamp: 99})
	require.NoError(t, err)
	require.Equal(t, LSN(5), lsn)
}
