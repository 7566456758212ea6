// Package backup implements the backup store: verifiable, compressed,
// deduplicated snapshots with a transactionally maintained metadata index
// and refcounted content-addressed chunks.
package backup

import (
	"time"

	"github.com/bastion-engine/bastion/core/txn"
)

// Type classifies a backup.
type Type string

const (
	Full         Type = "full"
	Incremental  Type = "incremental"
	Differential Type = "differential"
	Snapshot     Type = "snapshot"
)

func (t Type) valid() bool {
	switch t {
	case Full, Incremental, Differential, Snapshot:
		return true
	}
	return false
}

// Status is the backup lifecycle status. A backup is immutable once Valid.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusValid      Status = "valid"
	StatusCorrupt    Status = "corrupt"
	StatusExpired    Status = "expired"
)

// Metadata is the indexed record of one backup. Chunks holds the ordered
// digests reassembly needs; DeltaChunks the subset not already referenced
// by the parent chain at capture time (empty for full backups, where
// every chunk is a delta).
type Metadata struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	Source      string    `json:"source"`
	CreatedAt   time.Time `json:"created_at"`
	Size        int64     `json:"size"`
	Digest      string    `json:"digest"`
	DigestAlgo  string    `json:"digest_algo"`
	Codec       string    `json:"codec"`
	Chunks      []string  `json:"chunks"`
	DeltaChunks []string  `json:"delta_chunks,omitempty"`
	Tag         string    `json:"tag,omitempty"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
	ParentID    string    `json:"parent_id,omitempty"`
	Watermark   txn.LSN   `json:"watermark"`
	Err         string    `json:"error,omitempty"`
}

// CreateOptions carries the optional parameters of a capture request.
type CreateOptions struct {
	// ParentID designates the parent for incremental backups. Empty
	// selects the most recent valid backup (incremental) or the most
	// recent valid full backup (differential).
	ParentID    string
	Tag         string
	Description string
}

// ListFilter narrows a listing. Zero values match everything.
type ListFilter struct {
	Type   Type
	Status Status
	Tag    string
}

func (f ListFilter) matches(m Metadata) bool {
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.Tag != "" && m.Tag != f.Tag {
		return false
	}
	return true
}

// ChunkResult is the per-chunk outcome within a ValidationReport.
type ChunkResult struct {
	Digest string `json:"digest"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// ValidationReport is the outcome of Validate: per-chunk digest checks
// plus the aggregate digest comparison.
type ValidationReport struct {
	BackupID    string        `json:"backup_id"`
	OK          bool          `json:"ok"`
	AggregateOK bool          `json:"aggregate_ok"`
	Chunks      []ChunkResult `json:"chunks"`
	CheckedAt   time.Time     `json:"checked_at"`
}
