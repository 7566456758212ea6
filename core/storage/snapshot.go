package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EncodeSnapshot serializes the contents of a store into a single
// self-describing byte stream, suitable for feeding to a backup capture.
// Keys under any of the exclude prefixes are left out, so engine-internal
// bookkeeping does not end up inside managed-data backups.
func EncodeSnapshot(s Store, exclude ...string) ([]byte, error) {
	keys, err := s.List("")
	if err != nil {
		return nil, fmt.Errorf("failed to list store for snapshot: %w", err)
	}
	contents := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if hasAnyPrefix(key, exclude) {
			continue
		}
		val, err := s.Get(key)
		if err == ErrNotFound {
			// Deleted between List and Get; a snapshot is a best-effort
			// point-in-time view, not a frozen one.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %q for snapshot: %w", key, err)
		}
		contents[key] = val
	}
	data, err := json.Marshal(contents)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a stream produced by EncodeSnapshot back into a
// key/value map.
func DecodeSnapshot(data []byte) (map[string][]byte, error) {
	var contents map[string][]byte
	if err := json.Unmarshal(data, &contents); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return contents, nil
}

func hasAnyPrefix(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
