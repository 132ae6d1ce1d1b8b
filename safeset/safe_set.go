// Package safeset provides a small generic set guarded by a RWMutex.
package safeset

import "sync"

// SafeSet is a thread-safe set of comparable values. The zero value is not
// usable; create sets with NewSafeSet.
type SafeSet[T comparable] struct {
	m map[T]struct{}
	sync.RWMutex
}

// NewSafeSet creates and returns a new empty SafeSet.
func NewSafeSet[T comparable]() *SafeSet[T] {
	return &SafeSet[T]{m: make(map[T]struct{})}
}

// Add adds value to the set. Adding a value twice is a no-op.
func (s *SafeSet[T]) Add(value T) {
	s.Lock()
	defer s.Unlock()
	s.m[value] = struct{}{}
}

// TryAdd adds value only if it is not already present. The check and the
// insert happen under one lock, so concurrent callers racing on the same
// value see exactly one true.
//
// Parameters:
//   - value: The element to add
//
// Returns:
//   - true if value was added, false if it was already a member
func (s *SafeSet[T]) TryAdd(value T) bool {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.m[value]; ok {
		return false
	}

	s.m[value] = struct{}{}
	return true
}

// Remove deletes value from the set.
func (s *SafeSet[T]) Remove(value T) {
	s.Lock()
	defer s.Unlock()
	delete(s.m, value)
}

// Contains reports whether value is in the set.
func (s *SafeSet[T]) Contains(value T) bool {
	s.RLock()
	defer s.RUnlock()
	_, ok := s.m[value]
	return ok
}

// Size returns the number of elements in the set.
func (s *SafeSet[T]) Size() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.m)
}

// Values returns a snapshot of the set's elements in unspecified order.
func (s *SafeSet[T]) Values() []T {
	s.RLock()
	defer s.RUnlock()
	out := make([]T, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}

	return out
}

// Range calls f for each element until f returns false. f must not modify
// the set.
func (s *SafeSet[T]) Range(f func(value T) bool) {
	s.RLock()
	defer s.RUnlock()
	for k := range s.m {
		if !f(k) {
			break
		}
	}
}
