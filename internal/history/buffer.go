// Package history holds the bounded reading buffer and the newest-first alert log.
package history

import (
	"sync"
	"time"

	"github.com/taniwha3/trackwatch/internal/models"
)

// DefaultCapacity is the number of readings kept in memory
const DefaultCapacity = 100

// Buffer is a fixed-capacity ring of readings. When full, appending
// evicts the oldest reading.
type Buffer struct {
	mu    sync.RWMutex
	items []*models.Reading
	head  int // index of the oldest reading
	size  int
}

// NewBuffer creates a buffer holding at most capacity readings
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{items: make([]*models.Reading, capacity)}
}

// Append adds a reading, evicting the oldest when full
func (b *Buffer) Append(r *models.Reading) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size < len(b.items) {
		b.items[(b.head+b.size)%len(b.items)] = r
		b.size++
		return
	}
	b.items[b.head] = r
	b.head = (b.head + 1) % len(b.items)
}

// Snapshot returns the readings oldest first
func (b *Buffer) Snapshot() []*models.Reading {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastLocked(b.size)
}

// Last returns up to n of the most recent readings, oldest first
func (b *Buffer) Last(n int) []*models.Reading {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > b.size {
		n = b.size
	}
	return b.lastLocked(n)
}

func (b *Buffer) lastLocked(n int) []*models.Reading {
	out := make([]*models.Reading, n)
	start := b.head + b.size - n
	for i := 0; i < n; i++ {
		out[i] = b.items[(start+i)%len(b.items)]
	}
	return out
}

// Latest returns the newest reading, or nil when empty
func (b *Buffer) Latest() *models.Reading {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size == 0 {
		return nil
	}
	return b.items[(b.head+b.size-1)%len(b.items)]
}

// Point is one sample of a single metric
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Series returns the history of one metric, oldest first
func (b *Buffer) Series(k models.MetricKind) []Point {
	readings := b.Snapshot()
	out := make([]Point, len(readings))
	for i, r := range readings {
		out[i] = Point{Timestamp: r.Timestamp(), Value: r.Value(k)}
	}
	return out
}

// Len returns the number of readings held
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the buffer capacity
func (b *Buffer) Cap() int {
	return len(b.items)
}

// Clear drops every reading
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.items {
		b.items[i] = nil
	}
	b.head = 0
	b.size = 0
}
