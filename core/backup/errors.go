package backup

import "errors"

// --- Error Definitions ---

var (
	ErrBackupNotFound = errors.New("backup not found")
	ErrChainBroken    = errors.New("backup chain is broken: missing parent")
	ErrIntegrity      = errors.New("backup integrity check failed")
	ErrNotRestorable  = errors.New("backup is not in a restorable state")
	ErrParentRequired = errors.New("no eligible parent backup exists")
	ErrChunkMissing   = errors.New("chunk not found in chunk store")
	ErrStoreClosed    = errors.New("backup store is stopped")
)
