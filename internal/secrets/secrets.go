// Package secrets loads the per-customer secret store.
//
// The store is a JSON object keyed by customer API key; each value is a flat
// string→string map of environment-like secrets handed to that customer's
// sandboxed tools. The file is read once at startup and is read-only
// afterwards.
package secrets

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Store maps customer API keys to their secret maps.
type Store struct {
	byKey map[string]map[string]string
}

// Load reads the secret store from path. A missing file is not an error: it
// yields an empty store, matching deployments that configure no secrets.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Store{byKey: map[string]map[string]string{}}, nil
		}
		return nil, fmt.Errorf("secrets: open %s: %w", path, err)
	}
	defer f.Close()

	s, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("secrets: load %s: %w", path, err)
	}
	return s, nil
}

// LoadFromReader decodes a secret store from r.
func LoadFromReader(r io.Reader) (*Store, error) {
	var byKey map[string]map[string]string
	if err := json.NewDecoder(r).Decode(&byKey); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if byKey == nil {
		byKey = map[string]map[string]string{}
	}
	return &Store{byKey: byKey}, nil
}

// ForKey returns a copy of the secret map for the given API key. An unknown
// key yields an empty map. The copy keeps sandbox-side mutations away from
// the store.
func (s *Store) ForKey(apiKey string) map[string]string {
	src := s.byKey[apiKey]
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Len returns the number of customers with configured secrets.
func (s *Store) Len() int { return len(s.byKey) }
