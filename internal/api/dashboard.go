// Package api serves the pipeline's views over HTTP: the latest reading, the
// rolling history, the gallery and a websocket push of every delivery.
package api

import (
	"sync"

	"github.com/signalsfoundry/satellite-telemetry/core"
	"github.com/signalsfoundry/satellite-telemetry/internal/observability"
	"github.com/signalsfoundry/satellite-telemetry/model"
)

// Dashboard holds the state the read API exposes. OnReading, OnLatestImage
// and OnGallery are meant to be passed straight to subscription.Manager.
type Dashboard struct {
	history *core.HistoryWindow
	metrics *observability.PipelineCollector
	hub     *Hub

	mu          sync.RWMutex
	latest      *model.Reading
	latestImage *model.Reading
	gallery     []model.GalleryEntry
	reported    uint64 // evictions already published
}

// DashboardOption customises a Dashboard.
type DashboardOption func(*Dashboard)

// WithHub pushes every delivery to hub.
func WithHub(hub *Hub) DashboardOption {
	return func(d *Dashboard) { d.hub = hub }
}

// WithMetrics reports history occupancy to m.
func WithMetrics(m *observability.PipelineCollector) DashboardOption {
	return func(d *Dashboard) { d.metrics = m }
}

// NewDashboard builds a dashboard over history. A nil history gets the
// default capacity.
func NewDashboard(history *core.HistoryWindow, opts ...DashboardOption) *Dashboard {
	if history == nil {
		history = core.NewHistoryWindow(core.DefaultHistoryCapacity)
	}
	d := &Dashboard{history: history}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnReading records a delivery. nil clears the latest reading without
// touching the history. A reading with the same timestamp as the newest
// history entry is not appended again, as latest subscriptions re-deliver an
// unchanged entry whenever another entry on the path changes.
func (d *Dashboard) OnReading(r *model.Reading) {
	d.mu.Lock()
	if r == nil {
		d.latest = nil
	} else {
		cp := *r
		d.latest = &cp
		if newest, ok := d.history.Latest(); !ok || newest.CaptureTimestamp != cp.CaptureTimestamp {
			d.history.Append(cp)
		}
	}
	evictions := d.history.Evictions()
	fresh := evictions - d.reported
	d.reported = evictions
	d.mu.Unlock()

	d.metrics.SetHistory(d.history.Len(), fresh)
	if d.hub != nil {
		d.hub.Broadcast(r)
	}
}

// OnGallery replaces the gallery view. A nil delivery (transport failure)
// keeps the last good gallery.
func (d *Dashboard) OnGallery(entries []model.GalleryEntry) {
	if entries == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gallery = entries
}

// OnLatestImage records the newest reading that carries an image. nil clears
// it.
func (d *Dashboard) OnLatestImage(r *model.Reading) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r == nil {
		d.latestImage = nil
		return
	}
	cp := *r
	d.latestImage = &cp
}

// LatestImage returns the reading last passed to OnLatestImage, or nil.
func (d *Dashboard) LatestImage() *model.Reading {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.latestImage == nil {
		return nil
	}
	cp := *d.latestImage
	return &cp
}

// Latest returns the most recent delivery, nil when none or when the last
// delivery was nil.
func (d *Dashboard) Latest() *model.Reading {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.latest == nil {
		return nil
	}
	cp := *d.latest
	return &cp
}

// History returns the rolling history, oldest first.
func (d *Dashboard) History() []model.Reading {
	return d.history.Ordered()
}

// Gallery returns the gallery, newest first.
func (d *Dashboard) Gallery() []model.GalleryEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.GalleryEntry, len(d.gallery))
	copy(out, d.gallery)
	return out
}
