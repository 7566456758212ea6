package txn

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// LSN is a log sequence number: the position of a record in the durable
// transaction log. LSNs are assigned monotonically, one per record.
type LSN uint64

const InvalidLSN LSN = 0

// RecordType defines the kind of a transaction log record.
type RecordType byte

const (
	RecordBegin     RecordType = iota + 1 // transaction started
	RecordOperation                       // one recorded operation with forward+inverse payloads
	RecordPrepare                         // phase one of 2PC succeeded
	RecordCommit                          // transaction durably committed
	RecordAbort                           // transaction aborted
)

// LogRecord is a single entry in the durable transaction log. The format
// must be stable: recovery planning reads records written by earlier runs.
type LogRecord struct {
	LSN       LSN
	TxnID     TxnID
	Seq       uint32
	Type      RecordType
	Timestamp int64 // unix nanoseconds
	Resource  string
	Forward   []byte
	Inverse   []byte
}

// Serialize converts a LogRecord into a byte slice.
func (r *LogRecord) Serialize() ([]byte, error) {
	if len(r.Resource) > 0xFFFF {
		return nil, fmt.Errorf("resource id too long: %d bytes", len(r.Resource))
	}
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, uint64(r.LSN)); err != nil {
		return nil, fmt.Errorf("failed to serialize LSN: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, uint64(r.TxnID)); err != nil {
		return nil, fmt.Errorf("failed to serialize TxnID: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, r.Seq); err != nil {
		return nil, fmt.Errorf("failed to serialize Seq: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, r.Type); err != nil {
		return nil, fmt.Errorf("failed to serialize Type: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, r.Timestamp); err != nil {
		return nil, fmt.Errorf("failed to serialize Timestamp: %w", err)
	}

	if err := binary.Write(buf, binary.LittleEndian, uint16(len(r.Resource))); err != nil {
		return nil, fmt.Errorf("failed to serialize Resource length: %w", err)
	}
	buf.WriteString(r.Resource)

	if err := writeBytesField(buf, r.Forward); err != nil {
		return nil, fmt.Errorf("failed to serialize Forward: %w", err)
	}
	if err := writeBytesField(buf, r.Inverse); err != nil {
		return nil, fmt.Errorf("failed to serialize Inverse: %w", err)
	}
	return buf.Bytes(), nil
}

// Deserialize reads a byte slice into a LogRecord.
func (r *LogRecord) Deserialize(data []byte) error {
	buf := bytes.NewReader(data)

	var lsn, txnID uint64
	if err := binary.Read(buf, binary.LittleEndian, &lsn); err != nil {
		return fmt.Errorf("failed to deserialize LSN: %w", err)
	}
	if err := binary.Read(buf, binary.LittleEndian, &txnID); err != nil {
		return fmt.Errorf("failed to deserialize TxnID: %w", err)
	}
	r.LSN = LSN(lsn)
	r.TxnID = TxnID(txnID)
	if err := binary.Read(buf, binary.LittleEndian, &r.Seq); err != nil {
		return fmt.Errorf("failed to deserialize Seq: %w", err)
	}
	if err := binary.Read(buf, binary.LittleEndian, &r.Type); err != nil {
		return fmt.Errorf("failed to deserialize Type: %w", err)
	}
	if err := binary.Read(buf, binary.LittleEndian, &r.Timestamp); err != nil {
		return fmt.Errorf("failed to deserialize Timestamp: %w", err)
	}

	var resourceLen uint16
	if err := binary.Read(buf, binary.LittleEndian, &resourceLen); err != nil {
		return fmt.Errorf("failed to deserialize Resource length: %w", err)
	}
	resource := make([]byte, resourceLen)
	if _, err := io.ReadFull(buf, resource); err != nil {
		return fmt.Errorf("failed to read Resource: %w", err)
	}
	r.Resource = string(resource)

	var err error
	if r.Forward, err = readBytesField(buf); err != nil {
		return fmt.Errorf("failed to deserialize Forward: %w", err)
	}
	if r.Inverse, err = readBytesField(buf); err != nil {
		return fmt.Errorf("failed to deserialize Inverse: %w", err)
	}
	return nil
}

// writeBytesField writes a u32 length prefix followed by the payload. A
// nil slice is encoded distinctly from an empty one: the distinction
// carries the "resource did not previously exist" meaning of an empty
// inverse payload.
func writeBytesField(buf *bytes.Buffer, b []byte) error {
	if b == nil {
		return binary.Write(buf, binary.LittleEndian, uint32(0xFFFFFFFF))
	}
	if len(b) >= 0xFFFFFFFF {
		return fmt.Errorf("payload too large: %d bytes", len(b))
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := buf.Write(b)
	return err
}

func readBytesField(buf *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(buf, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n == 0xFFFFFFFF {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(buf, b); err != nil {
		return nil, err
	}
	return b, nil
}
