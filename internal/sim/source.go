package sim

import (
	"context"
	"sync"
	"time"

	"github.com/signalsfoundry/satellite-telemetry/internal/logging"
	"github.com/signalsfoundry/satellite-telemetry/internal/source"
	"github.com/signalsfoundry/satellite-telemetry/kb"
	"github.com/signalsfoundry/satellite-telemetry/model"
	"github.com/signalsfoundry/satellite-telemetry/timectrl"
)

// BackfillSpacing separates back-filled history entries.
const BackfillSpacing = 2 * time.Minute

// Config describes a simulated source.
type Config struct {
	Interval   time.Duration
	Seed       uint64
	Backfill   int // entries generated per path before the first tick
	Retain     int // newest entries kept per path; zero keeps all
	Orbit      *Orbit
	Controller *timectrl.TimeController
	Logger     logging.Logger
}

// Source is a source.Source whose paths are fed by simulation engines. The
// first subscription on a path starts one engine for it; every subscriber of
// that path observes the same stream.
type Source struct {
	cfg   Config
	store *kb.Store

	mu      sync.Mutex
	engines map[string]*StopHandle
	closed  bool
}

var _ source.Source = (*Source)(nil)

// NewSource constructs a simulated source. Engines start lazily.
func NewSource(cfg Config) *Source {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Noop()
	}
	return &Source{
		cfg:     cfg,
		store:   kb.NewStore(kb.WithRetention(cfg.Retain)),
		engines: make(map[string]*StopHandle),
	}
}

// Store exposes the backing store, e.g. to republish it over the feed.
func (s *Source) Store() *kb.Store { return s.store }

// SubscribeLatest implements source.Source.
func (s *Source) SubscribeLatest(ctx context.Context, path string, onValue func(any), onErr func(error)) (func(), error) {
	if err := s.ensureEngine(path); err != nil {
		return nil, err
	}
	return s.store.SubscribeLatest(ctx, path, onValue, onErr)
}

// SubscribeAll implements source.Source.
func (s *Source) SubscribeAll(ctx context.Context, path string, onEntries func([]source.Entry), onErr func(error)) (func(), error) {
	if err := s.ensureEngine(path); err != nil {
		return nil, err
	}
	return s.store.SubscribeAll(ctx, path, onEntries, onErr)
}

// Close stops every engine and ends all registrations. It must not be called
// from a subscription callback.
func (s *Source) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	engines := s.engines
	s.engines = nil
	s.mu.Unlock()

	for _, h := range engines {
		h.Stop()
	}
	s.store.Close()
}

func (s *Source) ensureEngine(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return source.ErrClosed
	}
	if _, ok := s.engines[path]; ok {
		return nil
	}

	gen := s.newGenerator()
	start := time.Now().UTC()
	if s.cfg.Controller != nil {
		start = s.cfg.Controller.Now()
	}
	for i := 1; i <= s.cfg.Backfill; i++ {
		at := start.Add(-time.Duration(s.cfg.Backfill-i) * BackfillSpacing)
		if _, err := s.store.Push(path, gen.Snapshot(uint64(i), at)); err != nil {
			return err
		}
	}

	opts := []Option{
		WithGenerator(gen),
		WithFirstTick(uint64(s.cfg.Backfill) + 1),
		WithStartTime(start),
		WithLogger(s.cfg.Logger),
	}
	if s.cfg.Controller != nil {
		opts = append(opts, WithController(s.cfg.Controller))
	}
	log := s.cfg.Logger.With(logging.String("path", path))
	s.engines[path] = Start(s.cfg.Interval, func(raw model.RawSnapshot) {
		if _, err := s.store.Push(path, raw); err != nil {
			log.Warn(context.Background(), "dropping simulated snapshot", logging.Err(err))
		}
	}, opts...)

	log.Info(context.Background(), "simulated source started",
		logging.Int("backfill", s.cfg.Backfill),
		logging.String("interval", s.cfg.Interval.String()),
	)
	return nil
}

func (s *Source) newGenerator() *Generator {
	var opts []GeneratorOption
	if s.cfg.Orbit != nil {
		opts = append(opts, WithOrbit(s.cfg.Orbit))
	}
	return NewGenerator(s.cfg.Seed, opts...)
}
