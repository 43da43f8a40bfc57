package core

import (
	"sync"

	"github.com/signalsfoundry/satellite-telemetry/model"
)

// DefaultHistoryCapacity matches the 50-sample orbital history charted by
// the dashboard.
const DefaultHistoryCapacity = 50

// HistoryWindow is a fixed-capacity ring of Readings ordered oldest to newest.
// Appending to a full window evicts exactly the oldest reading. The window does
// not sort; the producer is expected to append in capture order.
//
// A window has a single writer. The mutex only makes concurrent pulls from
// readers (HTTP handlers, chart exporters) safe.
type HistoryWindow struct {
	mu        sync.RWMutex
	items     []model.Reading
	head      int // index of the oldest reading
	size      int
	evictions uint64
}

// NewHistoryWindow returns an empty window holding at most capacity readings.
// A non-positive capacity falls back to DefaultHistoryCapacity.
func NewHistoryWindow(capacity int) *HistoryWindow {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &HistoryWindow{items: make([]model.Reading, capacity)}
}

// Append adds r as the newest reading.
func (w *HistoryWindow) Append(r model.Reading) {
	w.mu.Lock()
	defer w.mu.Unlock()

	capacity := len(w.items)
	if w.size == capacity {
		w.items[w.head] = model.Reading{}
		w.head = (w.head + 1) % capacity
		w.size--
		w.evictions++
	}
	w.items[(w.head+w.size)%capacity] = r
	w.size++
}

// Ordered returns a copy of the window contents, oldest first.
func (w *HistoryWindow) Ordered() []model.Reading {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]model.Reading, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.items[(w.head+i)%len(w.items)]
	}
	return out
}

// Latest returns the newest reading, if any.
func (w *HistoryWindow) Latest() (model.Reading, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.size == 0 {
		return model.Reading{}, false
	}
	return w.items[(w.head+w.size-1)%len(w.items)], true
}

// Len returns the number of readings currently held.
func (w *HistoryWindow) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}

// Cap returns the fixed capacity.
func (w *HistoryWindow) Cap() int { return len(w.items) }

// Evictions returns how many readings have been dropped to make room.
func (w *HistoryWindow) Evictions() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.evictions
}
