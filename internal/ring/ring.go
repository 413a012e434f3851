// Package ring provides a bounded, concurrency-safe ring buffer used for
// signal history, consensus history and anomaly windows.
package ring

import "sync"

// Buffer keeps the most recent Cap() items. The zero value is unusable; use New.
type Buffer[T any] struct {
	mu    sync.RWMutex
	items []T
	start int
	size  int
}

// New creates a buffer holding at most capacity items. capacity < 1 is treated as 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest item when full.
func (b *Buffer[T]) Push(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := (b.start + b.size) % len(b.items)
	b.items[idx] = v
	if b.size < len(b.items) {
		b.size++
		return
	}
	b.start = (b.start + 1) % len(b.items)
}

// Len is the number of items currently held.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap is the maximum number of items held.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// Snapshot returns the items oldest first.
func (b *Buffer[T]) Snapshot() []T {
	return b.Last(-1)
}

// Last returns up to n most recent items, oldest first. n < 0 returns everything.
func (b *Buffer[T]) Last(n int) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n < 0 || n > b.size {
		n = b.size
	}
	out := make([]T, n)
	offset := b.size - n
	for i := 0; i < n; i++ {
		out[i] = b.items[(b.start+offset+i)%len(b.items)]
	}
	return out
}

// Reset drops every item.
func (b *Buffer[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.start = 0
	b.size = 0
}
