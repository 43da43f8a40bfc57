package core

import (
	"fmt"
	"testing"

	"github.com/signalsfoundry/satellite-telemetry/model"
)

func readingAt(ts string) model.Reading {
	return model.Reading{CaptureTimestamp: ts}
}

func timestamps(rs []model.Reading) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.CaptureTimestamp
	}
	return out
}

func TestHistoryWindowEvictsOldestPastCapacity(t *testing.T) {
	w := NewHistoryWindow(3)
	for _, ts := range []string{"t1", "t2", "t3", "t4", "t5"} {
		w.Append(readingAt(ts))
	}

	got := timestamps(w.Ordered())
	want := []string{"t3", "t4", "t5"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("Ordered() = %v, want %v", got, want)
	}
	if w.Evictions() != 2 {
		t.Fatalf("Evictions() = %d, want 2", w.Evictions())
	}
}

func TestHistoryWindowOneEvictionPerAppend(t *testing.T) {
	w := NewHistoryWindow(4)
	for i := 1; i <= 20; i++ {
		w.Append(readingAt(fmt.Sprintf("t%02d", i)))

		if w.Len() > w.Cap() {
			t.Fatalf("after %d appends Len() = %d exceeds Cap() = %d", i, w.Len(), w.Cap())
		}
		wantEvictions := uint64(0)
		if i > 4 {
			wantEvictions = uint64(i - 4)
		}
		if w.Evictions() != wantEvictions {
			t.Fatalf("after %d appends Evictions() = %d, want %d", i, w.Evictions(), wantEvictions)
		}
		latest, ok := w.Latest()
		if !ok || latest.CaptureTimestamp != fmt.Sprintf("t%02d", i) {
			t.Fatalf("after %d appends Latest() = %q, newest reading was dropped", i, latest.CaptureTimestamp)
		}
		ordered := w.Ordered()
		if ordered[0].CaptureTimestamp != fmt.Sprintf("t%02d", i-len(ordered)+1) {
			t.Fatalf("after %d appends oldest = %q", i, ordered[0].CaptureTimestamp)
		}
	}
}

func TestHistoryWindowEmptyAndDefaults(t *testing.T) {
	w := NewHistoryWindow(0)
	if w.Cap() != DefaultHistoryCapacity {
		t.Fatalf("Cap() = %d, want %d", w.Cap(), DefaultHistoryCapacity)
	}
	if _, ok := w.Latest(); ok {
		t.Fatalf("Latest() on empty window reported a reading")
	}
	if got := w.Ordered(); len(got) != 0 {
		t.Fatalf("Ordered() on empty window = %v", got)
	}
}

func TestHistoryWindowOrderedReturnsCopy(t *testing.T) {
	w := NewHistoryWindow(2)
	w.Append(readingAt("t1"))

	out := w.Ordered()
	out[0].CaptureTimestamp = "mutated"

	if got := w.Ordered()[0].CaptureTimestamp; got != "t1" {
		t.Fatalf("stored reading was mutated through Ordered(): %q", got)
	}
}
