// Package cache is the key-value store behind the entries listing and the
// monitoring snapshots.
package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// Store is the cache contract used by the pipeline and the API.
type Store interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	// DeletePattern removes every key with the given prefix and returns how
	// many were removed.
	DeletePattern(prefix string) int
}

// GetJSON decodes a cached JSON value into v. A miss or an undecodable entry
// reports false.
func GetJSON(s Store, key string, v any) bool {
	raw, ok := s.Get(key)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

// SetJSON stores v as JSON.
func SetJSON(s Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache value %s: %w", key, err)
	}
	s.Set(key, raw, ttl)
	return nil
}

// EntriesPrefix is the prefix of every entries page of a model.
func EntriesPrefix(modelID uint) string {
	return fmt.Sprintf("entries:%d:", modelID)
}

// EntriesKey addresses one cached entries page.
func EntriesKey(modelID uint, entryType string, page, pageSize int, environment string) string {
	return fmt.Sprintf("%s%s:%d:%d:%s", EntriesPrefix(modelID), entryType, page, pageSize, environment)
}

// MonitoringKey addresses the cached monitoring snapshot of a model.
func MonitoringKey(modelID uint) string {
	return fmt.Sprintf("monitoring:%d", modelID)
}
