// Package safemap provides a type-safe, concurrent map built on sync.Map.
// Besides plain Store/Load/Delete it exposes the atomic insert-if-absent and
// compare-and-delete primitives that name tables need.
package safemap

import "sync"

// SafeMap is a concurrent map that is safe for use by multiple goroutines.
// Keys must be comparable; values may be any type.
//
// SafeMap must not be copied after first use. Len and Range are O(n).
type SafeMap[K comparable, V any] struct {
	m sync.Map
}

// NewSafeMap returns an empty SafeMap ready for use.
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{}
}

// Store sets the value for key k, overwriting any existing value.
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.m.Store(k, v)
}

// Load returns the value stored for k and whether it was present.
//
// Parameters:
//   - k: The key to look up
//
// Returns:
//   - The value for k, or the zero value of V if absent
//   - true if the key was present
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	v, found := m.m.Load(k)
	if !found {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// LoadOrStore returns the existing value for k if present. Otherwise it
// stores v and returns it. The loaded result is true if the value was
// loaded, false if stored. The check and the insert are atomic.
//
// Parameters:
//   - k: The key to insert
//   - v: The value to store if k is absent
//
// Returns:
//   - The value now associated with k
//   - true if an existing value was returned, false if v was stored
func (m *SafeMap[K, V]) LoadOrStore(k K, v V) (V, bool) {
	actual, loaded := m.m.LoadOrStore(k, v)
	return actual.(V), loaded
}

// Delete removes the entry for k. Deleting a missing key is a no-op.
func (m *SafeMap[K, V]) Delete(k K) {
	m.m.Delete(k)
}

// CompareAndDelete deletes the entry for k only if its current value equals
// old. V must be comparable at runtime (pointers and interfaces holding
// pointers are fine).
//
// Returns:
//   - true if the entry was deleted
func (m *SafeMap[K, V]) CompareAndDelete(k K, old V) bool {
	return m.m.CompareAndDelete(k, old)
}

// Range calls f for each entry until f returns false. Entries stored or
// deleted concurrently may or may not be visited.
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Len returns the number of entries by iterating over the map.
func (m *SafeMap[K, V]) Len() int {
	length := 0
	m.Range(func(K, V) bool {
		length++
		return true
	})

	return length
}

// Has reports whether k is present.
func (m *SafeMap[K, V]) Has(k K) bool {
	_, found := m.m.Load(k)
	return found
}
