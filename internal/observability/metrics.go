package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/satellite-telemetry/model"
)

// PipelineCollector bundles Prometheus metrics for the ingestion pipeline and
// the snapshot feed, and provides helpers to wire them into gRPC servers and
// HTTP handlers.
type PipelineCollector struct {
	gatherer prometheus.Gatherer

	SnapshotsReceived  *prometheus.CounterVec
	ReadingsNormalized *prometheus.CounterVec
	SnapshotsRejected  *prometheus.CounterVec
	TransportFailures  *prometheus.CounterVec

	ActiveSubscriptions prometheus.Gauge
	HistoryReadings     prometheus.Gauge
	HistoryEvictions    prometheus.Counter

	GForce        prometheus.Histogram
	RotationSpeed prometheus.Histogram

	FeedStreams         *prometheus.CounterVec
	FeedStreamDurations *prometheus.HistogramVec
}

// NewPipelineCollector registers pipeline metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewPipelineCollector(reg prometheus.Registerer) (*PipelineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	received, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_snapshots_received_total",
		Help: "Raw snapshots delivered by sources, labeled by subscription path.",
	}, []string{"path"}), "telemetry_snapshots_received_total")
	if err != nil {
		return nil, err
	}
	normalized, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_readings_normalized_total",
		Help: "Snapshots successfully normalized into readings, labeled by source id.",
	}, []string{"source"}), "telemetry_readings_normalized_total")
	if err != nil {
		return nil, err
	}
	rejected, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_snapshots_rejected_total",
		Help: "Snapshots rejected by the normalizer, labeled by reason.",
	}, []string{"reason"}), "telemetry_snapshots_rejected_total")
	if err != nil {
		return nil, err
	}
	failures, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_transport_failures_total",
		Help: "Transport-level failures reported by sources, labeled by subscription path.",
	}, []string{"path"}), "telemetry_transport_failures_total")
	if err != nil {
		return nil, err
	}

	active, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_active_subscriptions",
		Help: "Subscriptions that have not been unsubscribed.",
	}), "telemetry_active_subscriptions")
	if err != nil {
		return nil, err
	}
	historyReadings, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_history_readings",
		Help: "Readings currently held by the history window.",
	}), "telemetry_history_readings")
	if err != nil {
		return nil, err
	}
	evictions, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_history_evictions_total",
		Help: "Readings evicted from the history window to make room.",
	}), "telemetry_history_evictions_total")
	if err != nil {
		return nil, err
	}

	gForce, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "telemetry_reading_g_force",
		Help:    "Magnitude of the acceleration vector of normalized readings.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 1.5, 2, 4, 8},
	}), "telemetry_reading_g_force")
	if err != nil {
		return nil, err
	}
	rotation, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "telemetry_reading_rotation_speed",
		Help:    "Magnitude of the angular-rate vector of normalized readings.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 7.5, 10, 25, 50, 100},
	}), "telemetry_reading_rotation_speed")
	if err != nil {
		return nil, err
	}

	streams, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_streams_total",
		Help: "Completed snapshot feed streams, labeled by method and gRPC status code.",
	}, []string{"method", "code"}), "feed_streams_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feed_stream_duration_seconds",
		Help:    "Snapshot feed stream lifetime in seconds.",
		Buckets: []float64{0.01, 0.1, 1, 10, 60, 300, 1800, 3600},
	}, []string{"method"}), "feed_stream_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &PipelineCollector{
		gatherer:            gatherer,
		SnapshotsReceived:   received,
		ReadingsNormalized:  normalized,
		SnapshotsRejected:   rejected,
		TransportFailures:   failures,
		ActiveSubscriptions: active,
		HistoryReadings:     historyReadings,
		HistoryEvictions:    evictions,
		GForce:              gForce,
		RotationSpeed:       rotation,
		FeedStreams:         streams,
		FeedStreamDurations: durations,
	}, nil
}

// SnapshotReceived counts one raw delivery on path.
func (c *PipelineCollector) SnapshotReceived(path string) {
	if c == nil || c.SnapshotsReceived == nil {
		return
	}
	c.SnapshotsReceived.WithLabelValues(path).Inc()
}

// ReadingNormalized counts r and observes its derived magnitudes.
func (c *PipelineCollector) ReadingNormalized(r model.Reading) {
	if c == nil {
		return
	}
	if c.ReadingsNormalized != nil {
		c.ReadingsNormalized.WithLabelValues(r.SourceID).Inc()
	}
	if c.GForce != nil {
		c.GForce.Observe(r.Derived.GForce)
	}
	if c.RotationSpeed != nil {
		c.RotationSpeed.Observe(r.Derived.RotationSpeed)
	}
}

// SnapshotRejected counts one normalizer rejection.
func (c *PipelineCollector) SnapshotRejected(reason string) {
	if c == nil || c.SnapshotsRejected == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	c.SnapshotsRejected.WithLabelValues(reason).Inc()
}

// TransportFailure counts one source error on path.
func (c *PipelineCollector) TransportFailure(path string) {
	if c == nil || c.TransportFailures == nil {
		return
	}
	c.TransportFailures.WithLabelValues(path).Inc()
}

// SubscriptionOpened increments the active subscription gauge.
func (c *PipelineCollector) SubscriptionOpened() {
	if c == nil || c.ActiveSubscriptions == nil {
		return
	}
	c.ActiveSubscriptions.Inc()
}

// SubscriptionClosed decrements the active subscription gauge.
func (c *PipelineCollector) SubscriptionClosed() {
	if c == nil || c.ActiveSubscriptions == nil {
		return
	}
	c.ActiveSubscriptions.Dec()
}

// SetHistory publishes the history window occupancy. evicted is the number
// of evictions since the previous call.
func (c *PipelineCollector) SetHistory(size int, evicted uint64) {
	if c == nil {
		return
	}
	if c.HistoryReadings != nil {
		c.HistoryReadings.Set(float64(size))
	}
	if c.HistoryEvictions != nil && evicted > 0 {
		c.HistoryEvictions.Add(float64(evicted))
	}
}

// StreamServerInterceptor records stream counts and lifetimes for the
// snapshot feed.
func (c *PipelineCollector) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)

		if c == nil {
			return err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		_, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.FeedStreams != nil {
			c.FeedStreams.WithLabelValues(method, code).Inc()
		}
		if c.FeedStreamDurations != nil {
			c.FeedStreamDurations.WithLabelValues(method).Observe(time.Since(start).Seconds())
		}
		return err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *PipelineCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

// ShutdownHTTP stops an auxiliary HTTP server within a bounded timeout.
func ShutdownHTTP(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}
