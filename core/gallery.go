package core

import (
	"slices"
	"strings"

	"github.com/signalsfoundry/satellite-telemetry/model"
)

// SortDescendingByTime returns a newest-first copy of items. Items with a
// timestamp always precede items without one; timestamps compare as strings,
// and the sort is stable, so equal timestamps and untimestamped items keep
// their input order.
func SortDescendingByTime[T model.Timestamped](items []T) []T {
	out := slices.Clone(items)
	slices.SortStableFunc(out, compareNewestFirst[T])
	return out
}

func compareNewestFirst[T model.Timestamped](a, b T) int {
	ta, okA := a.Timestamp()
	tb, okB := b.Timestamp()
	switch {
	case okA && okB:
		return strings.Compare(tb, ta)
	case okA:
		return -1
	case okB:
		return 1
	default:
		return 0
	}
}

// NewGalleryEntry normalizes raw into a gallery entry. A snapshot that fails
// normalization is still returned, with a nil Reading and whatever timestamp
// and image it carries, together with the rejection error.
func NewGalleryEntry(key string, raw any, sourceID string, opts NormalizeOptions) (model.GalleryEntry, error) {
	r, err := Normalize(raw, sourceID, opts)
	if err == nil {
		return model.GalleryEntry{
			Key:              key,
			CaptureTimestamp: r.CaptureTimestamp,
			ImagePayload:     r.ImagePayload,
			Reading:          &r,
		}, nil
	}

	entry := model.GalleryEntry{Key: key}
	if snap, ok := asSnapshot(raw); ok {
		entry.CaptureTimestamp, _ = snap.CaptureTimestamp()
		entry.ImagePayload, _ = lookupString(snap, model.KeyImage)
	}
	return entry, err
}
