// Package storage defines the key-addressable byte store the engine
// persists its own state into, with an embedded Badger implementation for
// production and an in-memory one for tests.
package storage

import (
	"errors"
)

// ErrNotFound is returned by Get for keys that do not exist.
var ErrNotFound = errors.New("storage: key not found")

// Store is the minimal key-addressable medium the engine requires. Values
// are opaque bytes; List returns keys under a prefix in lexicographic
// order. Implementations must be safe for concurrent use.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	List(prefix string) ([]string, error)
	Close() error
}
