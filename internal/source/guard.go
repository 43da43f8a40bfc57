package source

import (
	"context"
	"sync"
	"sync/atomic"
)

// Guard carries the delivery discipline every Source registration shares:
// callbacks run one at a time, nothing runs after Cancel returns, and a
// failure is reported at most once and ends the registration.
type Guard struct {
	mu       sync.Mutex
	done     atomic.Bool
	stopOnce sync.Once
	stop     func()
}

// NewGuard returns a Guard that calls stop (if non-nil) exactly once when the
// registration ends. stop must not block on in-flight callbacks.
func NewGuard(stop func()) *Guard {
	return &Guard{stop: stop}
}

// Bind ends the registration when ctx is done. It must be called before the
// Guard is shared with other goroutines.
func (g *Guard) Bind(ctx context.Context) {
	if ctx == nil {
		return
	}
	stopAfter := context.AfterFunc(ctx, g.Cancel)
	g.chainStop(func() { stopAfter() })
}

func (g *Guard) chainStop(extra func()) {
	prev := g.stop
	g.stop = func() {
		extra()
		if prev != nil {
			prev()
		}
	}
}

// Do runs fn unless the registration has ended. It reports whether fn ran.
func (g *Guard) Do(fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done.Load() {
		return false
	}
	fn()
	return true
}

// Fail ends the registration and reports err through onErr, once.
func (g *Guard) Fail(onErr func(error), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.done.CompareAndSwap(false, true) {
		return
	}
	g.release()
	if onErr != nil {
		onErr(err)
	}
}

// Cancel ends the registration without reporting anything. It is idempotent
// and does not wait for a callback in progress, so it may be called from one.
func (g *Guard) Cancel() {
	g.done.Store(true)
	g.release()
}

// Done reports whether the registration has ended.
func (g *Guard) Done() bool {
	return g.done.Load()
}

func (g *Guard) release() {
	g.stopOnce.Do(func() {
		if g.stop != nil {
			g.stop()
		}
	})
}
