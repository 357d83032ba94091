package capture

import (
	"context"
	"sync"
)

// Buffer is an ordered, append-only log of exchanges owned by the caller.
// Entries are only removed by Clear or Drain. Safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	entries []Exchange
	changed chan struct{}
	gen     uint64
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{changed: make(chan struct{})}
}

// Append adds ex at the end and wakes any waiters.
func (b *Buffer) Append(ex Exchange) {
	b.mu.Lock()
	b.entries = append(b.entries, ex)
	b.broadcastLocked()
	b.mu.Unlock()
}

func (b *Buffer) broadcastLocked() {
	if b.changed == nil {
		b.changed = make(chan struct{})
	}
	close(b.changed)
	b.changed = make(chan struct{})
}

// Len returns the number of buffered exchanges.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Snapshot returns a copy of all entries in insertion order.
func (b *Buffer) Snapshot() []Exchange {
	return b.Since(0)
}

// Since returns a copy of the entries after the first n.
func (b *Buffer) Since(n int) []Exchange {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n >= len(b.entries) {
		return []Exchange{}
	}
	out := make([]Exchange, len(b.entries)-n)
	copy(out, b.entries[n:])
	return out
}

// Clear drops every entry.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.entries = nil
	b.gen++
	b.broadcastLocked()
	b.mu.Unlock()
}

// Drain returns all entries and empties the buffer atomically.
func (b *Buffer) Drain() []Exchange {
	b.mu.Lock()
	out := b.entries
	b.entries = nil
	b.gen++
	b.broadcastLocked()
	b.mu.Unlock()
	if out == nil {
		return []Exchange{}
	}
	return out
}

// Wait blocks until the buffer holds more than n entries or ctx is done.
// It returns the current length.
func (b *Buffer) Wait(ctx context.Context, n int) (int, error) {
	for {
		b.mu.Lock()
		if b.changed == nil {
			b.changed = make(chan struct{})
		}
		l := len(b.entries)
		ch := b.changed
		b.mu.Unlock()

		if l > n {
			return l, nil
		}
		select {
		case <-ctx.Done():
			return l, ctx.Err()
		case <-ch:
		}
	}
}

// Generation counts how many times the buffer has been emptied by Clear or
// Drain.
func (b *Buffer) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}

// Follow returns, atomically, the entries after position n of generation gen,
// the current generation and a channel that is closed on the next change.
// When the buffer has been emptied since gen, entries restart at position 0
// of the new generation.
func (b *Buffer) Follow(gen uint64, n int) ([]Exchange, uint64, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.changed == nil {
		b.changed = make(chan struct{})
	}
	if gen != b.gen || n < 0 {
		n = 0
	}
	var out []Exchange
	if n < len(b.entries) {
		out = make([]Exchange, len(b.entries)-n)
		copy(out, b.entries[n:])
	}
	return out, b.gen, b.changed
}
