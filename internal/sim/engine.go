package sim

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/satellite-telemetry/internal/logging"
	"github.com/signalsfoundry/satellite-telemetry/internal/source"
	"github.com/signalsfoundry/satellite-telemetry/model"
	"github.com/signalsfoundry/satellite-telemetry/timectrl"
)

// DefaultInterval is the tick period used when none is given.
const DefaultInterval = 6 * time.Second

type engineConfig struct {
	controller *timectrl.TimeController
	generator  *Generator
	seed       uint64
	start      time.Time
	firstTick  uint64
	log        logging.Logger
}

// Option configures Start.
type Option func(*engineConfig)

// WithController drives the engine from an existing controller instead of a
// private real-time one. The caller owns the controller: Start neither starts
// nor stops it, so a Manual controller can be stepped by hand.
func WithController(tc *timectrl.TimeController) Option {
	return func(c *engineConfig) { c.controller = tc }
}

// WithGenerator supplies the snapshot generator.
func WithGenerator(g *Generator) Option {
	return func(c *engineConfig) { c.generator = g }
}

// WithSeed seeds the default generator.
func WithSeed(seed uint64) Option {
	return func(c *engineConfig) { c.seed = seed }
}

// WithStartTime sets the simulation start time of a private controller.
func WithStartTime(t time.Time) Option {
	return func(c *engineConfig) { c.start = t }
}

// WithFirstTick numbers the first emitted snapshot n instead of 1.
func WithFirstTick(n uint64) Option {
	return func(c *engineConfig) {
		if n > 0 {
			c.firstTick = n
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) Option {
	return func(c *engineConfig) { c.log = l }
}

// StopHandle stops a running engine.
type StopHandle struct {
	guard *source.Guard
	ticks atomic.Uint64
}

// Stop halts the engine. It is idempotent, never waits for an emission in
// progress, and may be called from inside onRaw. No emission begins after it
// returns.
func (h *StopHandle) Stop() {
	if h == nil {
		return
	}
	h.guard.Cancel()
}

// Stopped reports whether Stop has been called.
func (h *StopHandle) Stopped() bool {
	return h == nil || h.guard.Done()
}

// Emitted returns how many snapshots have been handed to onRaw.
func (h *StopHandle) Emitted() uint64 {
	if h == nil {
		return 0
	}
	return h.ticks.Load()
}

// Start emits one raw snapshot per tick to onRaw until stopped. Emissions are
// serialized. A non-positive interval uses DefaultInterval.
func Start(interval time.Duration, onRaw func(model.RawSnapshot), opts ...Option) *StopHandle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	cfg := engineConfig{firstTick: 1, log: logging.Noop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.generator == nil {
		cfg.generator = NewGenerator(cfg.seed)
	}

	tc := cfg.controller
	owned := tc == nil
	if owned {
		start := cfg.start
		if start.IsZero() {
			start = time.Now().UTC()
		}
		tc = timectrl.NewTimeController(start, interval, timectrl.RealTime)
	}

	h := &StopHandle{}
	var remove atomic.Pointer[func()]
	h.guard = source.NewGuard(func() {
		if fn := remove.Load(); fn != nil {
			(*fn)()
		}
		if owned {
			tc.Stop()
		}
	})

	next := cfg.firstTick
	rm := tc.AddListener(func(now time.Time) {
		h.guard.Do(func() {
			tick := next
			next++
			snap := cfg.generator.Snapshot(tick, now)
			// Stop may have returned while the snapshot was generated.
			if h.guard.Done() {
				return
			}
			h.ticks.Add(1)
			onRaw(snap)
		})
	})
	remove.Store(&rm)
	if h.guard.Done() {
		rm()
	}
	cfg.log.Debug(context.Background(), "simulation engine started",
		logging.String("interval", interval.String()),
		logging.String("mode", tc.Mode.String()),
	)

	if owned {
		tc.Start(0)
	}
	return h
}
