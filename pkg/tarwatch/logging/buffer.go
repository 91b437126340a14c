package logging

import "sync"

// DefaultBufferSize is the number of records the dashboard keeps.
const DefaultBufferSize = 200

// Buffer is a fixed-size ring of recent log records.
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
}

// NewBuffer creates a ring holding up to size records.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Buffer{entries: make([]Entry, size)}
}

// Add stores entry, overwriting the oldest record when full.
func (b *Buffer) Add(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.next] = entry
	b.next = (b.next + 1) % len(b.entries)
	if b.next == 0 {
		b.full = true
	}
}

// Len returns the number of records held.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return len(b.entries)
	}
	return b.next
}

// Last returns up to n of the newest records, oldest first.
func (b *Buffer) Last(n int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := b.next
	if b.full {
		count = len(b.entries)
	}
	if n > count || n < 0 {
		n = count
	}

	out := make([]Entry, n)
	start := b.next - n
	for i := 0; i < n; i++ {
		out[i] = b.entries[(start+i+len(b.entries))%len(b.entries)]
	}
	return out
}
