// Package timectrl drives simulated time in fixed ticks and notifies
// registered listeners on every tick.
package timectrl

import (
	"runtime"
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time so that components
// can depend on a clock abstraction rather than a concrete controller.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still stepping by Tick.
	Accelerated
	// Manual only advances when Step is called.
	Manual
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	case Manual:
		return "manual"
	default:
		return "unknown"
	}
}

type listener struct {
	id uint64
	fn func(time.Time)
}

// TimeController drives simulation time and notifies registered listeners.
// It implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time
	ticks       uint64

	listeners []listener
	nextID    uint64

	// stepMu serialises notification rounds so listeners never observe two
	// ticks concurrently.
	stepMu   sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
		stop:        make(chan struct{}),
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves the current simulation time without notifying listeners.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.currentTime = t
}

// Ticks returns how many ticks have elapsed.
func (tc *TimeController) Ticks() uint64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.ticks
}

// AddListener registers a callback invoked on every tick and returns a
// function that removes it. The remover is idempotent and may be called from
// inside the callback.
func (tc *TimeController) AddListener(fn func(time.Time)) (remove func()) {
	tc.mu.Lock()
	tc.nextID++
	id := tc.nextID
	tc.listeners = append(tc.listeners, listener{id: id, fn: fn})
	tc.mu.Unlock()

	return func() {
		tc.mu.Lock()
		defer tc.mu.Unlock()
		for i, l := range tc.listeners {
			if l.id == id {
				tc.listeners = append(tc.listeners[:i:i], tc.listeners[i+1:]...)
				return
			}
		}
	}
}

// Step advances simulation time by one Tick and notifies listeners
// synchronously. It returns the new simulation time. Step must not be called
// from inside a listener.
func (tc *TimeController) Step() time.Time {
	tc.stepMu.Lock()
	defer tc.stepMu.Unlock()

	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(tc.Tick)
	tc.ticks++
	now := tc.currentTime
	fns := make([]listener, len(tc.listeners))
	copy(fns, tc.listeners)
	tc.mu.Unlock()

	for _, l := range fns {
		if tc.stillRegistered(l.id) {
			l.fn(now)
		}
	}
	return now
}

func (tc *TimeController) stillRegistered(id uint64) bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	for _, l := range tc.listeners {
		if l.id == id {
			return true
		}
	}
	return false
}

// Start runs the controller for the specified duration (zero means until Stop)
// in a separate goroutine. It returns a channel that is closed when the
// controller finishes. In Manual mode nothing advances on its own and the
// channel closes on Stop.
func (tc *TimeController) Start(duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		tc.mu.Lock()
		tc.currentTime = tc.StartTime
		tc.mu.Unlock()

		if tc.Mode == Manual {
			<-tc.stop
			return
		}

		var ticker *time.Ticker
		if tc.Mode == RealTime {
			ticker = time.NewTicker(tc.Tick)
			defer ticker.Stop()
		}

		elapsed := time.Duration(0)
		for {
			if duration > 0 && elapsed >= duration {
				return
			}
			if tc.Stopped() {
				return
			}

			if ticker != nil {
				select {
				case <-tc.stop:
					return
				case <-ticker.C:
				}
			} else {
				runtime.Gosched()
			}

			tc.Step()
			elapsed += tc.Tick
		}
	}()
	return done
}

// Stop halts a running controller. It is idempotent and safe to call from a
// listener.
func (tc *TimeController) Stop() {
	tc.stopOnce.Do(func() { close(tc.stop) })
}

// Stopped reports whether Stop has been called.
func (tc *TimeController) Stopped() bool {
	select {
	case <-tc.stop:
		return true
	default:
		return false
	}
}
