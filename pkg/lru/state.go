package lru

import (
	"encoding/json"
	"fmt"
)

// State is the persisted bookkeeping of a cache: keys from oldest to newest
// and the number of bytes accounted to them. The JSON field names are the
// on-disk record shape shared with earlier clients.
type State struct {
	Keys      []string `json:"lruKeyList"`
	TotalSize int64    `json:"itemsListSize"`
}

// DecodeState parses a persisted state record.
func DecodeState(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("failed to decode cache state: %w", err)
	}
	return s, nil
}

// Encode serializes the state record.
func (s State) Encode() ([]byte, error) {
	if s.Keys == nil {
		s.Keys = []string{}
	}
	return json.Marshal(s)
}
