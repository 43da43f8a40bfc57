// Package kb is an in-memory, thread-safe snapshot store addressed by path.
// Each path holds a keyed collection of raw snapshots, and listeners are
// pushed the latest entry or the whole collection whenever it changes.
package kb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/signalsfoundry/satellite-telemetry/internal/source"
)

// EventType indicates what kind of change happened in the store.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

func (t EventType) String() string {
	switch t {
	case EventPut:
		return "put"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event describes one change on a path.
type Event struct {
	Type EventType
	Path string
	Key  string
}

// ErrEmptyPath is returned for operations without a path.
var ErrEmptyPath = errors.New("kb: empty path")

// Store holds raw snapshot collections keyed by path. It implements
// source.Source. Listener callbacks must not write to the store synchronously.
type Store struct {
	mu sync.RWMutex

	paths map[string]*source.Collection
	regs  map[string]map[uint64]*registration
	subs  map[uint64]func(Event)

	nextID  uint64
	pushSeq int64
	maxKeep int
	closed  bool
}

type registration struct {
	guard  *source.Guard
	notify func(*source.Collection)
	onErr  func(error)
}

// Option configures a Store.
type Option func(*Store)

// WithRetention caps every path to the newest n entries. Zero keeps all.
func WithRetention(n int) Option {
	return func(s *Store) { s.maxKeep = n }
}

// NewStore constructs an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		paths: make(map[string]*source.Collection),
		regs:  make(map[string]map[uint64]*registration),
		subs:  make(map[uint64]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores value under path/key and notifies listeners.
func (s *Store) Put(path, key string, value any) error {
	path = cleanPath(path)
	if path == "" {
		return ErrEmptyPath
	}
	if key == "" {
		return fmt.Errorf("kb: empty key on path %q", path)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return source.ErrClosed
	}
	col := s.collectionLocked(path)
	s.mu.Unlock()

	col.Put(key, value)
	col.Trim(s.maxKeep)
	s.publish(Event{Type: EventPut, Path: path, Key: key}, col)
	return nil
}

// Push stores value under a generated key that sorts after every key
// previously generated by this store, and returns that key.
func (s *Store) Push(path string, value any) (string, error) {
	s.mu.Lock()
	s.pushSeq++
	key := source.OffsetKey(s.pushSeq)
	s.mu.Unlock()

	if err := s.Put(path, key, value); err != nil {
		return "", err
	}
	return key, nil
}

// Delete removes path/key and notifies listeners. Unknown keys are ignored.
func (s *Store) Delete(path, key string) error {
	path = cleanPath(path)
	if path == "" {
		return ErrEmptyPath
	}

	s.mu.RLock()
	col, ok := s.paths[path]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return source.ErrClosed
	}
	if !ok {
		return nil
	}

	col.Delete(key)
	s.publish(Event{Type: EventDelete, Path: path, Key: key}, col)
	return nil
}

// Latest returns the value with the highest key under path, or nil.
func (s *Store) Latest(path string) any {
	s.mu.RLock()
	col, ok := s.paths[cleanPath(path)]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return col.LatestValue()
}

// Entries returns every entry under path ordered by key.
func (s *Store) Entries(path string) []source.Entry {
	s.mu.RLock()
	col, ok := s.paths[cleanPath(path)]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return col.Entries()
}

// Paths returns the paths that hold a collection.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]string, 0, len(s.paths))
	for p := range s.paths {
		res = append(res, p)
	}
	return res
}

// Subscribe registers a callback for store events. It returns an unsubscribe
// function that is safe to call more than once.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Fail reports err to every registration on path and ends them, as a broken
// connection would.
func (s *Store) Fail(path string, err error) {
	s.mu.Lock()
	regs := s.takeRegsLocked(cleanPath(path))
	s.mu.Unlock()

	for _, r := range regs {
		r.guard.Fail(r.onErr, err)
	}
}

// Close ends every registration with source.ErrClosed. Later writes and
// subscriptions fail with the same error.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var regs []*registration
	for path := range s.regs {
		regs = append(regs, s.takeRegsLocked(path)...)
	}
	s.mu.Unlock()

	for _, r := range regs {
		r.guard.Fail(r.onErr, source.ErrClosed)
	}
}

// SubscribeLatest implements source.Source. The current latest value (nil
// when empty) is delivered first.
func (s *Store) SubscribeLatest(ctx context.Context, path string, onValue func(any), onErr func(error)) (func(), error) {
	return s.register(ctx, path, onErr, func(col *source.Collection) {
		onValue(col.LatestValue())
	})
}

// SubscribeAll implements source.Source. The current collection is delivered
// first.
func (s *Store) SubscribeAll(ctx context.Context, path string, onEntries func([]source.Entry), onErr func(error)) (func(), error) {
	return s.register(ctx, path, onErr, func(col *source.Collection) {
		onEntries(col.Entries())
	})
}

func (s *Store) register(ctx context.Context, path string, onErr func(error), notify func(*source.Collection)) (func(), error) {
	path = cleanPath(path)
	if path == "" {
		return nil, ErrEmptyPath
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, source.ErrClosed
	}
	s.nextID++
	id := s.nextID
	col := s.collectionLocked(path)

	reg := &registration{notify: notify, onErr: onErr}
	reg.guard = source.NewGuard(func() { s.unregister(path, id) })
	reg.guard.Bind(ctx)
	if s.regs[path] == nil {
		s.regs[path] = make(map[uint64]*registration)
	}
	s.regs[path][id] = reg
	s.mu.Unlock()

	go reg.guard.Do(func() { reg.notify(col) })
	return reg.guard.Cancel, nil
}

func (s *Store) unregister(path string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regs[path], id)
	if len(s.regs[path]) == 0 {
		delete(s.regs, path)
	}
}

func (s *Store) takeRegsLocked(path string) []*registration {
	regs := make([]*registration, 0, len(s.regs[path]))
	for _, r := range s.regs[path] {
		regs = append(regs, r)
	}
	delete(s.regs, path)
	return regs
}

func (s *Store) collectionLocked(path string) *source.Collection {
	col, ok := s.paths[path]
	if !ok {
		col = source.NewCollection()
		s.paths[path] = col
	}
	return col
}

// publish notifies listeners outside the store lock to avoid deadlocks.
func (s *Store) publish(ev Event, col *source.Collection) {
	s.mu.RLock()
	regs := make([]*registration, 0, len(s.regs[ev.Path]))
	for _, r := range s.regs[ev.Path] {
		regs = append(regs, r)
	}
	subs := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()

	for _, r := range regs {
		r.guard.Do(func() { r.notify(col) })
	}
	for _, fn := range subs {
		fn(ev)
	}
}

func cleanPath(p string) string {
	return strings.Trim(strings.TrimSpace(p), "/")
}
