// Package idgenerator hands out monotonically increasing numbers from a
// single atomic counter. It backs session IDs and collision suffixes.
package idgenerator

import "sync/atomic"

// IdGenerator is a concurrency-safe monotonic counter. The first value
// returned is start+1.
type IdGenerator struct {
	start uint64
	id    atomic.Uint64
}

// NewIdGenerator creates a generator whose first value is startValue+1.
func NewIdGenerator(startValue uint64) *IdGenerator {
	gen := &IdGenerator{start: startValue}
	gen.id.Store(startValue)
	return gen
}

// Next atomically increments the counter and returns the new value.
func (g *IdGenerator) Next() uint64 {
	return g.id.Add(1)
}

// Id returns the next value truncated to uint32, the width used for session
// IDs. Wraps after 2^32 values.
func (g *IdGenerator) Id() uint32 {
	return uint32(g.Next())
}

// Last returns the most recently issued value, or the start value if none
// has been issued yet.
func (g *IdGenerator) Last() uint64 {
	return g.id.Load()
}

// Issued returns how many values have been handed out since construction.
func (g *IdGenerator) Issued() uint64 {
	return g.id.Load() - g.start
}
