package recovery

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.uber.org/multierr"

	"github.com/bastion-engine/bastion/core/storage"
)

// refEnvelope is the shape structured values use to declare references
// to other resources.
type refEnvelope struct {
	Refs []string `json:"refs"`
}

// runConsistencyGate checks the target after a plan's writes: structured
// values must still parse, declared references must not dangle, and any
// caller-supplied checks must pass. All failures are gathered so the
// report shows the full picture, not just the first problem.
func runConsistencyGate(target storage.Store, checks []Check) error {
	keys, err := target.List("")
	if err != nil {
		return fmt.Errorf("failed to list target for validation: %w", err)
	}

	exists := make(map[string]bool, len(keys))
	for _, key := range keys {
		exists[key] = true
	}

	var gate error
	for _, key := range keys {
		val, err := target.Get(key)
		if err != nil {
			continue
		}
		if !looksStructured(val) {
			continue
		}
		if !json.Valid(val) {
			gate = multierr.Append(gate, fmt.Errorf("resource %q: malformed structured value", key))
			continue
		}
		var env refEnvelope
		if err := json.Unmarshal(val, &env); err != nil {
			continue
		}
		for _, ref := range env.Refs {
			if !exists[ref] {
				gate = multierr.Append(gate, fmt.Errorf("resource %q: dangling reference to %q", key, ref))
			}
		}
	}

	read := func(resource string) ([]byte, bool) {
		val, err := target.Get(resource)
		if err != nil {
			return nil, false
		}
		return val, true
	}
	for i, check := range checks {
		if err := check(read); err != nil {
			gate = multierr.Append(gate, fmt.Errorf("custom check %d: %w", i, err))
		}
	}
	return gate
}

func looksStructured(val []byte) bool {
	trimmed := bytes.TrimLeft(val, " \t\r\n")
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}
