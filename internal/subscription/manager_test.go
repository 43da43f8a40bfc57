package subscription

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/signalsfoundry/satellite-telemetry/core"
	"github.com/signalsfoundry/satellite-telemetry/internal/logging"
	"github.com/signalsfoundry/satellite-telemetry/internal/observability"
	"github.com/signalsfoundry/satellite-telemetry/internal/source"
	"github.com/signalsfoundry/satellite-telemetry/kb"
	"github.com/signalsfoundry/satellite-telemetry/model"
)

const (
	path    = "telemetry"
	waitFor = 2 * time.Second
)

func validSnapshot(ts string) map[string]any {
	return map[string]any{
		"capture_timestamp": ts,
		"image_base64":      "aW1n",
		"Ax":                0.0,
		"Ay":                0.0,
		"Az":                1.0,
		"Compass":           180.0,
	}
}

func newCollector(t *testing.T) *observability.PipelineCollector {
	t.Helper()
	c, err := observability.NewPipelineCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewPipelineCollector: %v", err)
	}
	return c
}

func recv(t *testing.T, ch <-chan *model.Reading) *model.Reading {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for delivery")
		return nil
	}
}

func expectNone(t *testing.T, ch <-chan *model.Reading) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected delivery: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitState(t *testing.T, h *Handle, want State) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for h.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", h.State(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSubscribeDeliversNormalizedReadings(t *testing.T) {
	store := kb.NewStore()
	metrics := newCollector(t)
	m := NewManager(store, logging.Noop(), WithMetrics(metrics), WithSourceID("station-1"))

	ch := make(chan *model.Reading, 8)
	h, err := m.Subscribe(context.Background(), path, func(r *model.Reading) { ch <- r })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer h.Unsubscribe()

	if h.ID() == "" || h.Path() != path {
		t.Fatalf("handle id=%q path=%q", h.ID(), h.Path())
	}
	if r := recv(t, ch); r != nil {
		t.Fatalf("empty path delivered %+v, want nil", r)
	}

	if err := store.Put(path, "k1", validSnapshot("2025-03-01T12:00:00.000Z")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	r := recv(t, ch)
	if r == nil {
		t.Fatalf("valid snapshot delivered nil")
	}
	if r.SourceID != "station-1" || r.Derived.GForce != 1 || r.Derived.CardinalDirection != "S" {
		t.Fatalf("reading = %+v", r)
	}
	if h.State() != Receiving {
		t.Fatalf("state = %s, want receiving", h.State())
	}
	if got := testutil.ToFloat64(metrics.ReadingsNormalized.WithLabelValues("station-1")); got != 1 {
		t.Fatalf("readings_normalized = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ActiveSubscriptions); got != 1 {
		t.Fatalf("active subscriptions = %v, want 1", got)
	}
}

func TestMalformedSnapshotDeliversNil(t *testing.T) {
	store := kb.NewStore()
	metrics := newCollector(t)
	m := NewManager(store, nil, WithMetrics(metrics))

	ch := make(chan *model.Reading, 8)
	h, err := m.Subscribe(context.Background(), path, func(r *model.Reading) { ch <- r })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer h.Unsubscribe()
	recv(t, ch)

	_ = store.Put(path, "k1", map[string]any{"T": 20.0})
	if r := recv(t, ch); r != nil {
		t.Fatalf("snapshot without timestamp delivered %+v", r)
	}
	if h.State() != Receiving {
		t.Fatalf("state after rejection = %s, want receiving", h.State())
	}

	_ = store.Put(path, "k2", validSnapshot("t2"))
	if r := recv(t, ch); r == nil || r.CaptureTimestamp != "t2" {
		t.Fatalf("delivery after rejection = %+v", r)
	}

	got := testutil.ToFloat64(metrics.SnapshotsRejected.WithLabelValues(string(core.RejectMissingTimestamp)))
	if got != 1 {
		t.Fatalf("rejected{missing_timestamp} = %v, want 1", got)
	}
}

func TestRequireImageOption(t *testing.T) {
	store := kb.NewStore()
	_ = store.Put(path, "k1", map[string]any{"capture_timestamp": "t1"})
	m := NewManager(store, nil, WithNormalizeOptions(core.NormalizeOptions{RequireImage: true}))

	ch := make(chan *model.Reading, 2)
	h, err := m.Subscribe(context.Background(), path, func(r *model.Reading) { ch <- r })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer h.Unsubscribe()
	if r := recv(t, ch); r != nil {
		t.Fatalf("snapshot without image delivered %+v", r)
	}
}

func TestUnsubscribeIsIdempotentAndStopsDeliveries(t *testing.T) {
	store := kb.NewStore()
	metrics := newCollector(t)
	m := NewManager(store, nil, WithMetrics(metrics))

	ch := make(chan *model.Reading, 8)
	h, err := m.Subscribe(context.Background(), path, func(r *model.Reading) { ch <- r })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	recv(t, ch)

	h.Unsubscribe()
	h.Unsubscribe()
	if h.State() != Unsubscribed {
		t.Fatalf("state = %s, want unsubscribed", h.State())
	}
	if got := testutil.ToFloat64(metrics.ActiveSubscriptions); got != 0 {
		t.Fatalf("active subscriptions = %v, want 0", got)
	}

	_ = store.Put(path, "k1", validSnapshot("t1"))
	expectNone(t, ch)

	var nilHandle *Handle
	nilHandle.Unsubscribe()
}

func TestUnsubscribeFromInsideCallback(t *testing.T) {
	store := kb.NewStore()
	_ = store.Put(path, "k0", validSnapshot("t0"))
	m := NewManager(store, nil)

	var (
		calls  atomic.Int32
		handle atomic.Pointer[Handle]
	)
	ready := make(chan struct{})
	done := make(chan struct{}, 4)
	h, err := m.Subscribe(context.Background(), path, func(*model.Reading) {
		<-ready
		calls.Add(1)
		handle.Load().Unsubscribe()
		done <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	handle.Store(h)
	close(ready)

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatalf("callback did not complete; Unsubscribe inside callback may deadlock")
	}
	for i := range 3 {
		_ = store.Put(path, "k"+string(rune('1'+i)), validSnapshot("t"))
	}
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("callback invoked %d times, want 1", calls.Load())
	}
	if h.State() != Unsubscribed {
		t.Fatalf("state = %s, want unsubscribed", h.State())
	}
}

// gatedTracer parks the first span start until release is closed, holding a
// delivery in flight between normalization and the callback.
type gatedTracer struct {
	noop.Tracer
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedTracer() *gatedTracer {
	return &gatedTracer{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Tracer.Start(ctx, name, opts...)
}

func TestUnsubscribeDuringInFlightDeliverySuppressesCallback(t *testing.T) {
	tests := []struct {
		name      string
		subscribe func(m *Manager, calls *atomic.Int32) (*Handle, error)
	}{
		{
			name: "latest",
			subscribe: func(m *Manager, calls *atomic.Int32) (*Handle, error) {
				return m.Subscribe(context.Background(), path, func(*model.Reading) { calls.Add(1) })
			},
		},
		{
			name: "gallery",
			subscribe: func(m *Manager, calls *atomic.Int32) (*Handle, error) {
				return m.SubscribeGallery(context.Background(), path, func([]model.GalleryEntry) { calls.Add(1) })
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := kb.NewStore()
			_ = store.Put(path, "k0", validSnapshot("t0"))
			tracer := newGatedTracer()
			m := NewManager(store, nil, WithTracer(tracer))

			var calls atomic.Int32
			h, err := tt.subscribe(m, &calls)
			if err != nil {
				t.Fatalf("subscribe: %v", err)
			}
			select {
			case <-tracer.entered:
			case <-time.After(waitFor):
				t.Fatalf("initial delivery never started")
			}

			h.Unsubscribe()
			close(tracer.release)
			time.Sleep(50 * time.Millisecond)
			if got := calls.Load(); got != 0 {
				t.Fatalf("callback invoked %d times after Unsubscribe returned, want 0", got)
			}
		})
	}
}

func TestTransportFailureMovesToErrored(t *testing.T) {
	store := kb.NewStore()
	metrics := newCollector(t)
	m := NewManager(store, nil, WithMetrics(metrics))

	ch := make(chan *model.Reading, 8)
	h, err := m.Subscribe(context.Background(), path, func(r *model.Reading) { ch <- r })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer h.Unsubscribe()
	recv(t, ch)

	boom := errors.New("permission denied")
	store.Fail(path, boom)
	if r := recv(t, ch); r != nil {
		t.Fatalf("failure delivered %+v, want nil", r)
	}

	select {
	case <-h.Failed():
	case <-time.After(waitFor):
		t.Fatalf("Failed() not closed")
	}
	if h.State() != Errored {
		t.Fatalf("state = %s, want errored", h.State())
	}
	if !errors.Is(h.Err(), boom) {
		t.Fatalf("Err() = %v, want %v", h.Err(), boom)
	}
	if got := testutil.ToFloat64(metrics.TransportFailures.WithLabelValues(path)); got != 1 {
		t.Fatalf("transport failures = %v, want 1", got)
	}

	_ = store.Put(path, "k1", validSnapshot("t1"))
	expectNone(t, ch)

	h.Unsubscribe()
	if h.State() != Unsubscribed {
		t.Fatalf("state after Unsubscribe = %s, want unsubscribed", h.State())
	}
}

func TestHandlesAreIndependent(t *testing.T) {
	store := kb.NewStore()
	m := NewManager(store, nil)

	a := make(chan *model.Reading, 8)
	b := make(chan *model.Reading, 8)
	ha, err := m.Subscribe(context.Background(), path, func(r *model.Reading) { a <- r })
	if err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}
	hb, err := m.Subscribe(context.Background(), path, func(r *model.Reading) { b <- r })
	if err != nil {
		t.Fatalf("Subscribe b: %v", err)
	}
	defer hb.Unsubscribe()
	if ha.ID() == hb.ID() {
		t.Fatalf("handles share id %q", ha.ID())
	}
	recv(t, a)
	recv(t, b)

	ha.Unsubscribe()
	_ = store.Put(path, "k1", validSnapshot("t1"))

	if r := recv(t, b); r == nil || r.CaptureTimestamp != "t1" {
		t.Fatalf("b delivery = %+v", r)
	}
	expectNone(t, a)
	if hb.State() != Receiving {
		t.Fatalf("b state = %s, want receiving", hb.State())
	}
}

func TestDeliveriesAreSerializedPerHandle(t *testing.T) {
	store := kb.NewStore()
	m := NewManager(store, nil)

	var inFlight, overlap atomic.Int32
	var wg sync.WaitGroup
	h, err := m.Subscribe(context.Background(), path, func(*model.Reading) {
		if inFlight.Add(1) > 1 {
			overlap.Add(1)
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer h.Unsubscribe()

	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 10 {
				_ = store.Put(path, string(rune('a'+w))+string(rune('a'+i)), validSnapshot("t"))
			}
		}()
	}
	wg.Wait()
	if overlap.Load() != 0 {
		t.Fatalf("observed %d overlapping deliveries", overlap.Load())
	}
}

func TestSubscribeErrors(t *testing.T) {
	store := kb.NewStore()
	m := NewManager(store, nil)
	if _, err := m.Subscribe(context.Background(), path, nil); !errors.Is(err, ErrNilCallback) {
		t.Fatalf("nil callback error = %v, want ErrNilCallback", err)
	}

	store.Close()
	if _, err := m.Subscribe(context.Background(), path, func(*model.Reading) {}); !errors.Is(err, source.ErrClosed) {
		t.Fatalf("closed source error = %v, want ErrClosed", err)
	}
	if _, err := m.SubscribeGallery(context.Background(), path, func([]model.GalleryEntry) {}); !errors.Is(err, source.ErrClosed) {
		t.Fatalf("closed source gallery error = %v, want ErrClosed", err)
	}
}

func TestSubscribeGalleryOrdersNewestFirst(t *testing.T) {
	store := kb.NewStore()
	_ = store.Put("image_log", "a", validSnapshot("2025-01-01T00:00:00.000Z"))
	_ = store.Put("image_log", "b", map[string]any{"image_base64": "orphan"})
	_ = store.Put("image_log", "c", validSnapshot("2025-01-03T00:00:00.000Z"))
	_ = store.Put("image_log", "d", validSnapshot("2025-01-02T00:00:00.000Z"))
	m := NewManager(store, nil)

	ch := make(chan []model.GalleryEntry, 4)
	h, err := m.SubscribeGallery(context.Background(), "image_log", func(g []model.GalleryEntry) { ch <- g })
	if err != nil {
		t.Fatalf("SubscribeGallery: %v", err)
	}
	defer h.Unsubscribe()

	var got []model.GalleryEntry
	select {
	case got = <-ch:
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for gallery")
	}
	wantKeys := []string{"c", "d", "a", "b"}
	if len(got) != len(wantKeys) {
		t.Fatalf("gallery len = %d, want %d", len(got), len(wantKeys))
	}
	for i, k := range wantKeys {
		if got[i].Key != k {
			t.Fatalf("gallery[%d].Key = %q, want %q", i, got[i].Key, k)
		}
	}
	if got[3].Reading != nil || got[3].ImagePayload != "orphan" {
		t.Fatalf("untimestamped entry = %+v", got[3])
	}
	if got[0].Reading == nil || got[0].Reading.Derived.GForce != 1 {
		t.Fatalf("newest entry reading = %+v", got[0].Reading)
	}

	store.Fail("image_log", errors.New("gone"))
	select {
	case g := <-ch:
		if g != nil {
			t.Fatalf("gallery failure delivered %d entries, want nil", len(g))
		}
	case <-time.After(waitFor):
		t.Fatalf("gallery failure not delivered")
	}
	waitState(t, h, Errored)
}

func TestSubscribeLatestImageSkipsEntriesWithoutImage(t *testing.T) {
	store := kb.NewStore()
	m := NewManager(store, nil, WithNormalizeOptions(core.NormalizeOptions{}))

	ch := make(chan *model.Reading, 8)
	h, err := m.SubscribeLatestImage(context.Background(), "image_log", func(r *model.Reading) { ch <- r })
	if err != nil {
		t.Fatalf("SubscribeLatestImage: %v", err)
	}
	defer h.Unsubscribe()
	if r := recv(t, ch); r != nil {
		t.Fatalf("empty path delivered %+v, want nil", r)
	}

	noImage := validSnapshot("t2")
	delete(noImage, "image_base64")
	steps := []struct {
		key   string
		value any
		want  string
	}{
		{"k1", validSnapshot("t1"), "t1"},
		{"k2", noImage, "t1"},
		{"k3", map[string]any{"image_base64": "aW1n"}, "t1"},
		{"k4", validSnapshot("t4"), "t4"},
		{"k0", validSnapshot("t9"), "t4"},
	}
	for _, step := range steps {
		if err := store.Put("image_log", step.key, step.value); err != nil {
			t.Fatalf("Put %s: %v", step.key, err)
		}
		r := recv(t, ch)
		if r == nil || r.CaptureTimestamp != step.want || !r.HasImage() {
			t.Fatalf("after %s: delivered %+v, want reading %s with image", step.key, r, step.want)
		}
	}

	store.Fail("image_log", errors.New("gone"))
	if r := recv(t, ch); r != nil {
		t.Fatalf("failure delivered %+v, want nil", r)
	}
	waitState(t, h, Errored)
}

func TestSubscribeLatestImageNilCallback(t *testing.T) {
	m := NewManager(kb.NewStore(), nil)
	if _, err := m.SubscribeLatestImage(context.Background(), "image_log", nil); !errors.Is(err, ErrNilCallback) {
		t.Fatalf("err = %v, want ErrNilCallback", err)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		Idle: "idle", Subscribed: "subscribed", Receiving: "receiving",
		Errored: "errored", Unsubscribed: "unsubscribed", State(42): "unknown",
	} {
		if s.String() != want {
			t.Fatalf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
