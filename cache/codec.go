package cache

import (
	"encoding/json"
	"fmt"
)

// marshalEntry serializes an entry for the shared layer.
func marshalEntry(e *Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal cache entry %s: %w", e.Key, err)
	}
	return data, nil
}

// unmarshalEntry deserializes a shared-layer entry.
func unmarshalEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal cache entry: %w", err)
	}
	return &e, nil
}
