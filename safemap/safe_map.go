// Package safemap provides a type-safe concurrent map built on sync.Map,
// used as the session registry inside servers. Snapshot exists so that
// broadcast paths can iterate sessions without holding any lock across
// user callbacks.
package safemap

import "sync"

// SafeMap is a concurrent map safe for use by multiple goroutines. Keys
// must be comparable; values may be any type.
//
// SafeMap must not be copied after first use. Store and Load are amortized
// O(1); Len, Range, and Snapshot are O(n).
type SafeMap[K comparable, V any] struct {
	m sync.Map
}

// NewSafeMap returns a new empty SafeMap ready for concurrent use.
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{}
}

// Store sets the value for key k, overwriting any existing value.
//
// Parameters:
//   - k: The key to store
//   - v: The value to associate with k
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.m.Store(k, v)
}

// Load returns the value for key k and whether the key was present.
//
// Parameters:
//   - k: The key to look up
//
// Returns:
//   - The value associated with k, or the zero value of V if not found
//   - true if the key was present, false otherwise
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	v, found := m.m.Load(k)
	if !found {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// Delete removes the entry for key k. No-op for absent keys.
//
// Parameters:
//   - k: The key to delete
func (m *SafeMap[K, V]) Delete(k K) {
	m.m.Delete(k)
}

// Has reports whether key k is present in the map.
//
// Parameters:
//   - k: The key to check
//
// Returns:
//   - true if the key is in the map, false otherwise
func (m *SafeMap[K, V]) Has(k K) bool {
	_, found := m.Load(k)
	return found
}

// Range calls f sequentially for each entry. If f returns false, iteration
// stops. Behavior is undefined if f mutates the map.
//
// Parameters:
//   - f: Function called for each entry; return false to stop iteration
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.m.Range(func(k, v interface{}) bool {
		return f(k.(K), v.(V))
	})
}

// Snapshot returns the current values as a slice. The slice is detached
// from the map; entries added or removed afterwards are not reflected.
// Callers iterate the snapshot instead of Range when the per-entry work may
// block or call back into code that mutates the map.
//
// Returns:
//   - A new slice holding every value present when the snapshot was taken
func (m *SafeMap[K, V]) Snapshot() []V {
	values := make([]V, 0)
	m.m.Range(func(_, v interface{}) bool {
		values = append(values, v.(V))
		return true
	})

	return values
}

// Len returns the number of entries by iterating the map; use sparingly on
// large maps.
//
// Returns:
//   - The number of key-value pairs in the map
func (m *SafeMap[K, V]) Len() int {
	length := 0
	m.m.Range(func(_, _ interface{}) bool {
		length++
		return true
	})

	return length
}
