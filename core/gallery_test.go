package core

import (
	"testing"

	"github.com/signalsfoundry/satellite-telemetry/model"
)

type stamped struct {
	id string
	ts string
}

func (s stamped) Timestamp() (string, bool) { return s.ts, s.ts != "" }

func ids(items []stamped) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.id
	}
	return out
}

func permutations(items []stamped) [][]stamped {
	if len(items) <= 1 {
		return [][]stamped{append([]stamped(nil), items...)}
	}
	var out [][]stamped
	for i := range items {
		rest := make([]stamped, 0, len(items)-1)
		rest = append(rest, items[:i]...)
		rest = append(rest, items[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]stamped{items[i]}, p...))
		}
	}
	return out
}

func TestSortDescendingByTimeNullsLastAndStable(t *testing.T) {
	in := []stamped{
		{id: "null-a"},
		{id: "ten", ts: "10:00"},
		{id: "noon", ts: "12:00"},
		{id: "null-b"},
	}
	got := ids(SortDescendingByTime(in))
	want := []string{"noon", "ten", "null-a", "null-b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sorted = %v, want %v", got, want)
		}
	}
	if ids(in)[0] != "null-a" {
		t.Fatalf("input slice was reordered")
	}
}

func TestSortDescendingByTimeAnyPermutation(t *testing.T) {
	base := []stamped{
		{id: "null-a"},
		{id: "ten", ts: "10:00"},
		{id: "noon", ts: "12:00"},
		{id: "null-b"},
		{id: "ten-dup", ts: "10:00"},
	}
	for _, perm := range permutations(base) {
		got := ids(SortDescendingByTime(perm))

		if got[0] != "noon" {
			t.Fatalf("perm %v: first = %q, want noon", ids(perm), got[0])
		}
		// equal timestamps keep input order
		var tens, nulls []string
		for _, it := range perm {
			switch it.ts {
			case "10:00":
				tens = append(tens, it.id)
			case "":
				nulls = append(nulls, it.id)
			}
		}
		if got[1] != tens[0] || got[2] != tens[1] {
			t.Fatalf("perm %v: sorted %v, want ties %v in input order", ids(perm), got, tens)
		}
		if got[3] != nulls[0] || got[4] != nulls[1] {
			t.Fatalf("perm %v: sorted %v, want untimestamped %v last in input order", ids(perm), got, nulls)
		}
	}
}

func TestCompareNewestFirstIsAntisymmetric(t *testing.T) {
	items := []stamped{{id: "a"}, {id: "b", ts: "1"}, {id: "c", ts: "2"}, {id: "d"}}
	for _, a := range items {
		for _, b := range items {
			ab := compareNewestFirst(a, b)
			ba := compareNewestFirst(b, a)
			if sign(ab) != -sign(ba) {
				t.Fatalf("compare(%v,%v)=%d but compare(%v,%v)=%d", a, b, ab, b, a, ba)
			}
		}
	}
}

func TestSortDescendingByTimeReadingsAndGallery(t *testing.T) {
	readings := SortDescendingByTime([]model.Reading{
		{CaptureTimestamp: "2025-01-01T00:00:00Z"},
		{CaptureTimestamp: "2025-01-03T00:00:00Z"},
		{CaptureTimestamp: "2025-01-02T00:00:00Z"},
	})
	if readings[0].CaptureTimestamp != "2025-01-03T00:00:00Z" || readings[2].CaptureTimestamp != "2025-01-01T00:00:00Z" {
		t.Fatalf("readings not newest first: %v", timestamps(readings))
	}

	gallery := SortDescendingByTime([]model.GalleryEntry{
		{Key: "k1"},
		{Key: "k2", CaptureTimestamp: "2025-01-01T00:00:00Z"},
	})
	if gallery[0].Key != "k2" || gallery[1].Key != "k1" {
		t.Fatalf("gallery order = %s,%s, want k2,k1", gallery[0].Key, gallery[1].Key)
	}

	if got := SortDescendingByTime[model.Reading](nil); len(got) != 0 {
		t.Fatalf("sorting nil returned %v", got)
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

func TestNewGalleryEntry(t *testing.T) {
	ok, err := NewGalleryEntry("k1", map[string]any{
		"capture_timestamp": "2025-01-01T00:00:00Z",
		"image_base64":      "img",
		"Az":                1.0,
	}, "src", NormalizeOptions{})
	if err != nil {
		t.Fatalf("NewGalleryEntry: %v", err)
	}
	if ok.Reading == nil || ok.Reading.Derived.GForce != 1 || ok.ImagePayload != "img" || ok.Key != "k1" {
		t.Fatalf("entry = %+v", ok)
	}

	bad, err := NewGalleryEntry("k2", map[string]any{
		"capture_timestamp": "2025-01-02T00:00:00Z",
	}, "src", NormalizeOptions{RequireImage: true})
	if ReasonOf(err) != RejectMissingImage {
		t.Fatalf("reason = %q, want %q", ReasonOf(err), RejectMissingImage)
	}
	if bad.Reading != nil || bad.CaptureTimestamp != "2025-01-02T00:00:00Z" {
		t.Fatalf("rejected entry = %+v", bad)
	}

	junk, err := NewGalleryEntry("k3", 42, "src", NormalizeOptions{})
	if err == nil || junk.Reading != nil || junk.CaptureTimestamp != "" {
		t.Fatalf("non-object entry = %+v, err = %v", junk, err)
	}
}
