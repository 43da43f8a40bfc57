package timectrl

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimeControllerSetTime(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, RealTime)

	newNow := start.Add(42 * time.Second)
	tc.SetTime(newNow)

	if got := tc.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() = %v, want %v", got, newNow)
	}
}

func TestTimeControllerStartUpdatesNow(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 5*time.Millisecond, Accelerated)

	done := tc.Start(15 * time.Millisecond)
	<-done

	expected := start.Add(15 * time.Millisecond)
	if got := tc.Now(); !got.Equal(expected) {
		t.Fatalf("Now() = %v, want %v", got, expected)
	}
	if tc.Ticks() != 3 {
		t.Fatalf("Ticks() = %d, want 3", tc.Ticks())
	}
}

func TestTimeControllerManualStepNotifiesListeners(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 6*time.Second, Manual)

	var seen []time.Time
	tc.AddListener(func(now time.Time) { seen = append(seen, now) })

	tc.Step()
	tc.Step()

	if len(seen) != 2 {
		t.Fatalf("listener called %d times, want 2", len(seen))
	}
	if want := start.Add(12 * time.Second); !seen[1].Equal(want) {
		t.Fatalf("second tick = %v, want %v", seen[1], want)
	}
}

func TestTimeControllerRemoveListenerFromInsideCallback(t *testing.T) {
	tc := NewTimeController(time.Unix(0, 0), time.Second, Manual)

	var calls int
	var remove func()
	remove = tc.AddListener(func(time.Time) {
		calls++
		remove()
		remove()
	})
	var other int
	tc.AddListener(func(time.Time) { other++ })

	tc.Step()
	tc.Step()

	if calls != 1 {
		t.Fatalf("removed listener called %d times, want 1", calls)
	}
	if other != 2 {
		t.Fatalf("remaining listener called %d times, want 2", other)
	}
}

func TestTimeControllerStopEndsRealTimeLoop(t *testing.T) {
	tc := NewTimeController(time.Now(), time.Millisecond, RealTime)

	var ticks atomic.Int32
	tc.AddListener(func(time.Time) {
		if ticks.Add(1) == 3 {
			tc.Stop()
		}
	})

	done := tc.Start(0)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("controller did not stop")
	}
	tc.Stop()
	if !tc.Stopped() {
		t.Fatalf("Stopped() = false after Stop")
	}
	if got := ticks.Load(); got != 3 {
		t.Fatalf("ticks = %d, want 3", got)
	}
}

func TestTimeControllerManualStartClosesOnStop(t *testing.T) {
	tc := NewTimeController(time.Now(), time.Hour, Manual)
	done := tc.Start(0)
	tc.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("manual controller did not finish after Stop")
	}
}
