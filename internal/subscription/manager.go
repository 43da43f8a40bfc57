// Package subscription attaches normalizing listeners to a snapshot source
// and hands canonical readings to consumers through cancellable handles.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/satellite-telemetry/core"
	"github.com/signalsfoundry/satellite-telemetry/internal/logging"
	"github.com/signalsfoundry/satellite-telemetry/internal/observability"
	"github.com/signalsfoundry/satellite-telemetry/internal/source"
	"github.com/signalsfoundry/satellite-telemetry/model"
)

// ErrNilCallback is returned when Subscribe is called without a callback.
var ErrNilCallback = errors.New("subscription: nil callback")

// Manager creates subscriptions against one source. It holds no per-handle
// state, so handles are fully independent of each other.
type Manager struct {
	src      source.Source
	log      logging.Logger
	metrics  *observability.PipelineCollector
	tracer   trace.Tracer
	sourceID string
	normOpts core.NormalizeOptions
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records deliveries, rejections and failures on c.
func WithMetrics(c *observability.PipelineCollector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithTracer overrides the tracer used for delivery spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithSourceID stamps readings with id. It defaults to the subscribed path.
func WithSourceID(id string) Option {
	return func(m *Manager) { m.sourceID = id }
}

// WithNormalizeOptions sets the normalizer options.
func WithNormalizeOptions(o core.NormalizeOptions) Option {
	return func(m *Manager) { m.normOpts = o }
}

// NewManager returns a manager reading from src.
func NewManager(src source.Source, log logging.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logging.Noop()
	}
	m := &Manager{src: src, log: log}
	for _, opt := range opts {
		opt(m)
	}
	if m.tracer == nil {
		m.tracer = observability.Tracer()
	}
	return m
}

// Subscribe registers onReading for the latest snapshot under path. Each
// change is normalized and delivered as a *model.Reading, or nil when the
// snapshot is malformed or the transport fails. The handle stays alive until
// Unsubscribe is called; ctx only scopes values such as the logger.
func (m *Manager) Subscribe(ctx context.Context, path string, onReading func(*model.Reading)) (*Handle, error) {
	if onReading == nil {
		return nil, ErrNilCallback
	}
	h := m.newHandle(ctx, path, "latest")
	h.deliverFn = func(ctx context.Context, raw any) {
		r := m.normalize(ctx, h, raw)
		// Unsubscribe may have returned while normalize ran.
		if h.closed.Load() {
			return
		}
		onReading(r)
	}
	h.failFn = func() { onReading(nil) }

	cancel, err := m.src.SubscribeLatest(h.ctx, path, h.deliver, h.fail)
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", path, err)
	}
	m.opened(h, cancel)
	return h, nil
}

// SubscribeGallery registers onGallery for the whole collection under path.
// Every change delivers all entries newest first; entries that fail
// normalization are kept with a nil Reading. A transport failure delivers nil.
func (m *Manager) SubscribeGallery(ctx context.Context, path string, onGallery func([]model.GalleryEntry)) (*Handle, error) {
	if onGallery == nil {
		return nil, ErrNilCallback
	}
	h := m.newHandle(ctx, path, "gallery")
	h.failFn = func() { onGallery(nil) }

	cancel, err := m.src.SubscribeAll(h.ctx, path, func(entries []source.Entry) {
		h.deliverEntries(entries, func(ctx context.Context, entries []source.Entry) {
			view := m.gallery(ctx, h, entries)
			if h.closed.Load() {
				return
			}
			onGallery(view)
		})
	}, h.fail)
	if err != nil {
		return nil, fmt.Errorf("subscribe gallery %q: %w", path, err)
	}
	m.opened(h, cancel)
	return h, nil
}

// SubscribeLatestImage registers onReading for the newest entry under path
// that normalizes with an image. Entries rank by key; entries without an
// image or that fail normalization are passed over. nil is delivered when no
// entry qualifies or the transport fails.
func (m *Manager) SubscribeLatestImage(ctx context.Context, path string, onReading func(*model.Reading)) (*Handle, error) {
	if onReading == nil {
		return nil, ErrNilCallback
	}
	h := m.newHandle(ctx, path, "latest_image")
	h.failFn = func() { onReading(nil) }

	cancel, err := m.src.SubscribeAll(h.ctx, path, func(entries []source.Entry) {
		h.deliverEntries(entries, func(ctx context.Context, entries []source.Entry) {
			r := m.latestImage(ctx, h, entries)
			if h.closed.Load() {
				return
			}
			onReading(r)
		})
	}, h.fail)
	if err != nil {
		return nil, fmt.Errorf("subscribe latest image %q: %w", path, err)
	}
	m.opened(h, cancel)
	return h, nil
}

func (m *Manager) newHandle(ctx context.Context, path, kind string) *Handle {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, log := logging.WithSubscriptionLogger(ctx, m.log)
	log = log.With(logging.String("path", path), logging.String("kind", kind))
	ctx = logging.ContextWithLogger(context.WithoutCancel(ctx), log)

	h := &Handle{
		id:     logging.SubscriptionIDFromContext(ctx),
		path:   path,
		ctx:    ctx,
		log:    log,
		m:      m,
		failed: make(chan struct{}),
	}
	h.state.Store(int32(Subscribed))
	return h
}

func (m *Manager) opened(h *Handle, cancel func()) {
	m.metrics.SubscriptionOpened()
	h.setCancel(cancel)
	h.log.Debug(h.ctx, "subscription opened")
}

func (m *Manager) sourceFor(path string) string {
	if m.sourceID != "" {
		return m.sourceID
	}
	return path
}

func (m *Manager) normalize(ctx context.Context, h *Handle, raw any) *model.Reading {
	ctx, span := m.tracer.Start(ctx, "subscription.deliver", trace.WithAttributes(
		attribute.String("telemetry.path", h.path),
		attribute.String("telemetry.subscription_id", h.id),
	))
	defer span.End()

	m.metrics.SnapshotReceived(h.path)
	r, err := core.Normalize(raw, m.sourceFor(h.path), m.normOpts)
	if err != nil {
		reason := core.ReasonOf(err)
		m.metrics.SnapshotRejected(string(reason))
		span.SetAttributes(attribute.String("telemetry.reject_reason", string(reason)))
		span.SetStatus(codes.Error, err.Error())
		h.log.Warn(ctx, "snapshot rejected", logging.String("reason", string(reason)))
		return nil
	}
	m.metrics.ReadingNormalized(r)
	span.SetAttributes(attribute.String("telemetry.capture_timestamp", r.CaptureTimestamp))
	return &r
}

func (m *Manager) latestImage(ctx context.Context, h *Handle, entries []source.Entry) *model.Reading {
	ctx, span := m.tracer.Start(ctx, "subscription.latest_image", trace.WithAttributes(
		attribute.String("telemetry.path", h.path),
		attribute.Int("telemetry.entries", len(entries)),
	))
	defer span.End()

	byKey := slices.Clone(entries)
	slices.SortFunc(byKey, func(a, b source.Entry) int { return strings.Compare(b.Key, a.Key) })

	opts := m.normOpts
	opts.RequireImage = true
	m.metrics.SnapshotReceived(h.path)
	for _, e := range byKey {
		r, err := core.Normalize(e.Value, m.sourceFor(h.path), opts)
		if err != nil {
			continue
		}
		m.metrics.ReadingNormalized(r)
		span.SetAttributes(
			attribute.String("telemetry.key", e.Key),
			attribute.String("telemetry.capture_timestamp", r.CaptureTimestamp),
		)
		return &r
	}
	if len(entries) > 0 {
		m.metrics.SnapshotRejected(string(core.RejectMissingImage))
	}
	h.log.Debug(ctx, "no entry with an image", logging.Int("entries", len(entries)))
	return nil
}

func (m *Manager) gallery(ctx context.Context, h *Handle, entries []source.Entry) []model.GalleryEntry {
	ctx, span := m.tracer.Start(ctx, "subscription.gallery", trace.WithAttributes(
		attribute.String("telemetry.path", h.path),
		attribute.Int("telemetry.entries", len(entries)),
	))
	defer span.End()

	out := make([]model.GalleryEntry, 0, len(entries))
	rejected := 0
	for _, e := range entries {
		m.metrics.SnapshotReceived(h.path)
		ge, err := core.NewGalleryEntry(e.Key, e.Value, m.sourceFor(h.path), m.normOpts)
		if err != nil {
			rejected++
			m.metrics.SnapshotRejected(string(core.ReasonOf(err)))
		} else {
			m.metrics.ReadingNormalized(*ge.Reading)
		}
		out = append(out, ge)
	}
	if rejected > 0 {
		h.log.Debug(ctx, "gallery entries without a reading", logging.Int("count", rejected))
	}
	return core.SortDescendingByTime(out)
}
