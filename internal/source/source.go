// Package source defines the push-subscription contract implemented by every
// snapshot source (in-memory store, simulator, gRPC feed, NATS KV, Kafka,
// MQTT) and the keyed collection they share for "latest" and "all" views.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ErrClosed is returned when subscribing on a source that has been closed.
var ErrClosed = errors.New("source closed")

// Entry is one keyed value of a collection. Value is whatever the transport
// decoded and is handed to the normalizer untouched.
type Entry struct {
	Key   string
	Value any
}

// Source is a push-based store of raw snapshots addressed by path.
//
// Callbacks for one registration are never invoked concurrently. onErr
// reports a transport failure; after it fires the registration delivers
// nothing further. A registration ends when ctx is done or the returned cancel
// function is called. cancel is idempotent, never blocks on an in-flight
// callback and may be called from inside one.
type Source interface {
	// SubscribeLatest delivers the entry with the highest key under path
	// each time the collection changes, or nil when it is empty.
	SubscribeLatest(ctx context.Context, path string, onValue func(value any), onErr func(error)) (cancel func(), err error)
	// SubscribeAll delivers every entry under path, ordered by key, each
	// time the collection changes.
	SubscribeAll(ctx context.Context, path string, onEntries func([]Entry), onErr func(error)) (cancel func(), err error)
}

// Collection is a concurrency-safe keyed set of raw values. Keys order
// lexically, matching push-id and zero-padded offset keys.
type Collection struct {
	mu      sync.RWMutex
	entries map[string]any
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{entries: make(map[string]any)}
}

// Put stores v under key, replacing any previous value.
func (c *Collection) Put(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = v
}

// Delete removes key. Unknown keys are ignored.
func (c *Collection) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of entries.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Latest returns the entry with the highest key.
func (c *Collection) Latest() (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		best  string
		found bool
	)
	for k := range c.entries {
		if !found || k > best {
			best, found = k, true
		}
	}
	if !found {
		return Entry{}, false
	}
	return Entry{Key: best, Value: c.entries[best]}, true
}

// LatestValue returns the value of Latest, or nil for an empty collection.
func (c *Collection) LatestValue() any {
	e, ok := c.Latest()
	if !ok {
		return nil
	}
	return e.Value
}

// Entries returns every entry ordered by key.
func (c *Collection) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, 0, len(c.entries))
	for k, v := range c.entries {
		out = append(out, Entry{Key: k, Value: v})
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// Trim drops the lowest keys until at most max entries remain. A
// non-positive max disables trimming.
func (c *Collection) Trim(max int) int {
	if max <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	excess := len(c.entries) - max
	if excess <= 0 {
		return 0
	}
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys[:excess] {
		delete(c.entries, k)
	}
	return excess
}

// DecodeJSON decodes a transport payload into the loosely typed value the
// normalizer expects. Numbers decode as float64.
func DecodeJSON(payload []byte) (any, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return v, nil
}

// OffsetKey renders a numeric position as a key that sorts lexically in
// numeric order.
func OffsetKey(n int64) string {
	return fmt.Sprintf("%020d", n)
}
