// Package ring provides a fixed-capacity FIFO buffer. When the buffer is
// full, each new entry evicts the oldest one. It backs the resource monitor's
// snapshot history and the captured log buffer.
package ring

import "sync"

// Buffer is a generic bounded FIFO. It is safe for concurrent use.
type Buffer[T any] struct {
	mu       sync.RWMutex
	entries  []T
	head     int // index of the oldest entry once the buffer has wrapped
	capacity int
	total    int64 // entries ever pushed, including evicted ones
}

// New creates a buffer holding at most capacity entries. A capacity below
// one is raised to one.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{
		entries:  make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push appends v, evicting the oldest entry if the buffer is full. It
// reports whether an entry was evicted.
func (b *Buffer[T]) Push(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total++
	if len(b.entries) < b.capacity {
		b.entries = append(b.entries, v)
		return false
	}
	b.entries[b.head] = v
	b.head = (b.head + 1) % b.capacity
	return true
}

// Items returns a copy of the entries, oldest first.
func (b *Buffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.itemsLocked()
}

func (b *Buffer[T]) itemsLocked() []T {
	out := make([]T, 0, len(b.entries))
	out = append(out, b.entries[b.head:]...)
	out = append(out, b.entries[:b.head]...)
	return out
}

// First returns the oldest entry.
func (b *Buffer[T]) First() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var zero T
	if len(b.entries) == 0 {
		return zero, false
	}
	return b.entries[b.head], true
}

// Last returns the newest entry.
func (b *Buffer[T]) Last() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var zero T
	n := len(b.entries)
	if n == 0 {
		return zero, false
	}
	idx := b.head - 1
	if idx < 0 {
		idx = n - 1
	}
	return b.entries[idx], true
}

// Len returns the number of retained entries.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Cap returns the buffer capacity.
func (b *Buffer[T]) Cap() int {
	return b.capacity
}

// Total returns how many entries have ever been pushed.
func (b *Buffer[T]) Total() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}

// Clear drops every entry. The push total is kept.
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	for i := range b.entries {
		b.entries[i] = zero
	}
	b.entries = b.entries[:0]
	b.head = 0
}
