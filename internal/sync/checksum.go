// Package sync fans a single logical memory write across the cache,
// durable store and vector index, detects cross-store divergence via
// checksums and repairs it.
package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonicalize renders a payload as deterministic JSON with
// lexicographically ordered keys at every nesting level, so equal
// payloads always produce equal bytes.
func Canonicalize(data map[string]interface{}) ([]byte, error) {
	return canonicalValue(data)
}

func canonicalValue(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			valJSON, err := canonicalValue(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, keyJSON...)
			buf = append(buf, ':')
			buf = append(buf, valJSON...)
		}
		return append(buf, '}'), nil

	case []interface{}:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			itemJSON, err := canonicalValue(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, itemJSON...)
		}
		return append(buf, ']'), nil

	default:
		return json.Marshal(v)
	}
}

// Checksum returns the hex SHA-256 of the canonicalized payload.
func Checksum(data map[string]interface{}) (string, error) {
	canonical, err := Canonicalize(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
