package subscription

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/signalsfoundry/satellite-telemetry/internal/logging"
	"github.com/signalsfoundry/satellite-telemetry/internal/source"
)

// State is the lifecycle position of a Handle.
type State int32

const (
	Idle State = iota
	Subscribed
	Receiving
	Errored
	Unsubscribed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Subscribed:
		return "subscribed"
	case Receiving:
		return "receiving"
	case Errored:
		return "errored"
	case Unsubscribed:
		return "unsubscribed"
	default:
		return "unknown"
	}
}

// Handle owns one source registration.
type Handle struct {
	id   string
	path string
	ctx  context.Context
	log  logging.Logger
	m    *Manager

	state  atomic.Int32
	closed atomic.Bool

	// deliverMu serializes callbacks of this handle.
	deliverMu sync.Mutex
	deliverFn func(ctx context.Context, raw any)
	failFn    func()

	cancelMu sync.Mutex
	cancel   func()

	failOnce sync.Once
	failed   chan struct{}
	errMu    sync.Mutex
	err      error
}

// ID returns the subscription identifier used in logs and traces.
func (h *Handle) ID() string { return h.id }

// Path returns the subscribed path.
func (h *Handle) Path() string { return h.path }

// State returns the current lifecycle state.
func (h *Handle) State() State { return State(h.state.Load()) }

// Failed is closed when the transport reports a failure.
func (h *Handle) Failed() <-chan struct{} { return h.failed }

// Err returns the transport error that moved the handle to Errored.
func (h *Handle) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

// Unsubscribe releases the source registration. It is idempotent, does not
// wait for a delivery in progress and may be called from inside the
// callback. No delivery begins after it returns.
func (h *Handle) Unsubscribe() {
	if h == nil || !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.state.Store(int32(Unsubscribed))

	h.cancelMu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}

	h.m.metrics.SubscriptionClosed()
	h.log.Debug(h.ctx, "subscription closed")
}

// setCancel stores the registration's cancel function, releasing it at once
// when Unsubscribe already ran from a callback.
func (h *Handle) setCancel(cancel func()) {
	h.cancelMu.Lock()
	if !h.closed.Load() {
		h.cancel = cancel
		h.cancelMu.Unlock()
		return
	}
	h.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *Handle) deliver(raw any) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()
	if h.closed.Load() || h.State() == Errored {
		return
	}
	h.state.CompareAndSwap(int32(Subscribed), int32(Receiving))
	h.deliverFn(h.ctx, raw)
}

func (h *Handle) deliverEntries(entries []source.Entry, fn func(context.Context, []source.Entry)) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()
	if h.closed.Load() || h.State() == Errored {
		return
	}
	h.state.CompareAndSwap(int32(Subscribed), int32(Receiving))
	fn(h.ctx, entries)
}

// markErrored moves the handle to Errored unless it was already released.
func (h *Handle) markErrored() {
	for {
		cur := h.state.Load()
		if State(cur) == Unsubscribed || h.state.CompareAndSwap(cur, int32(Errored)) {
			return
		}
	}
}

func (h *Handle) fail(err error) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()
	if h.closed.Load() {
		return
	}
	first := false
	h.failOnce.Do(func() {
		first = true
		h.errMu.Lock()
		h.err = err
		h.errMu.Unlock()
		h.markErrored()
		close(h.failed)
	})
	if !first {
		return
	}

	h.m.metrics.TransportFailure(h.path)
	h.log.Error(h.ctx, "subscription transport failure", logging.Err(err))
	if !h.closed.Load() {
		h.failFn()
	}
}
