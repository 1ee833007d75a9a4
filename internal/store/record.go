package store

import (
	"encoding/json"
	"fmt"
)

// mergeRecord overlays the JSON encoding of v on top of the previously
// stored blob, preserving any top-level keys the engine does not own.
// External collaborators (build, registry push) attach such keys and must
// survive engine updates. ownedKeys are removed from the old blob first so
// fields cleared on the struct (omitempty) do not resurrect stale values.
func mergeRecord(old []byte, v any, ownedKeys []string) ([]byte, error) {
	fresh, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	if len(old) == 0 {
		return fresh, nil
	}

	var base map[string]json.RawMessage
	if err := json.Unmarshal(old, &base); err != nil {
		// A blob we cannot parse is not something to guess about; start
		// from the fresh encoding.
		return fresh, nil
	}
	for _, k := range ownedKeys {
		delete(base, k)
	}

	var update map[string]json.RawMessage
	if err := json.Unmarshal(fresh, &update); err != nil {
		return nil, fmt.Errorf("failed to re-decode record: %w", err)
	}
	for k, raw := range update {
		base[k] = raw
	}

	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("failed to merge record: %w", err)
	}
	return merged, nil
}

// decodeRecord unmarshals a stored blob, ignoring unknown fields.
func decodeRecord(blob []byte, v any) error {
	if err := json.Unmarshal(blob, v); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	return nil
}
