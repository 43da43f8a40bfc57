package kb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/satellite-telemetry/internal/source"
)

const waitFor = 2 * time.Second

func recvValue(t *testing.T, ch <-chan any) any {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for delivery")
		return nil
	}
}

func TestPutAndLatest(t *testing.T) {
	store := NewStore()
	if err := store.Put("telemetry", "b", "second"); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if err := store.Put("/telemetry/", "a", "first"); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if got := store.Latest("telemetry"); got != "second" {
		t.Fatalf("Latest = %v, want second", got)
	}
	if got := store.Latest("missing"); got != nil {
		t.Fatalf("Latest on unknown path = %v, want nil", got)
	}
	if len(store.Paths()) != 1 {
		t.Fatalf("Paths = %v, want one path", store.Paths())
	}
}

func TestPutValidation(t *testing.T) {
	store := NewStore()
	if err := store.Put("", "k", 1); !errors.Is(err, ErrEmptyPath) {
		t.Fatalf("Put with empty path error = %v, want ErrEmptyPath", err)
	}
	if err := store.Put("p", "", 1); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestPushKeysAreOrdered(t *testing.T) {
	store := NewStore()
	var keys []string
	for i := range 12 {
		k, err := store.Push("log", i)
		if err != nil {
			t.Fatalf("Push error: %v", err)
		}
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("push keys not increasing: %q then %q", keys[i-1], keys[i])
		}
	}
	if got := store.Latest("log"); got != 11 {
		t.Fatalf("Latest = %v, want 11", got)
	}
}

func TestRetentionTrimsOldest(t *testing.T) {
	store := NewStore(WithRetention(3))
	for i := range 5 {
		if _, err := store.Push("log", i); err != nil {
			t.Fatalf("Push error: %v", err)
		}
	}
	entries := store.Entries("log")
	if len(entries) != 3 {
		t.Fatalf("Entries len = %d, want 3", len(entries))
	}
	if entries[0].Value != 2 {
		t.Fatalf("oldest retained = %v, want 2", entries[0].Value)
	}
}

func TestSubscribeLatestDeliversInitialAndUpdates(t *testing.T) {
	store := NewStore()
	ch := make(chan any, 8)
	cancel, err := store.SubscribeLatest(context.Background(), "telemetry", func(v any) { ch <- v }, nil)
	if err != nil {
		t.Fatalf("SubscribeLatest error: %v", err)
	}
	defer cancel()

	if v := recvValue(t, ch); v != nil {
		t.Fatalf("initial delivery on empty path = %v, want nil", v)
	}
	if err := store.Put("telemetry", "k1", "v1"); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if v := recvValue(t, ch); v != "v1" {
		t.Fatalf("delivery = %v, want v1", v)
	}
	if err := store.Put("other", "k1", "x"); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if err := store.Put("telemetry", "k0", "older"); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if v := recvValue(t, ch); v != "v1" {
		t.Fatalf("delivery after older key = %v, want v1 to remain latest", v)
	}
}

func TestSubscribeAllDeliversOrderedEntries(t *testing.T) {
	store := NewStore()
	_ = store.Put("image_log", "b", 2)
	_ = store.Put("image_log", "a", 1)

	ch := make(chan []source.Entry, 4)
	cancel, err := store.SubscribeAll(context.Background(), "image_log", func(es []source.Entry) { ch <- es }, nil)
	if err != nil {
		t.Fatalf("SubscribeAll error: %v", err)
	}
	defer cancel()

	select {
	case es := <-ch:
		if len(es) != 2 || es[0].Key != "a" || es[1].Key != "b" {
			t.Fatalf("entries = %+v, want a,b", es)
		}
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for entries")
	}
}

func TestCancelStopsDeliveriesAndIsIdempotent(t *testing.T) {
	store := NewStore()
	ch := make(chan any, 8)
	cancel, err := store.SubscribeLatest(context.Background(), "p", func(v any) { ch <- v }, nil)
	if err != nil {
		t.Fatalf("SubscribeLatest error: %v", err)
	}
	recvValue(t, ch)

	cancel()
	cancel()
	_ = store.Put("p", "k", "v")

	select {
	case v := <-ch:
		t.Fatalf("delivery after cancel: %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelFromInsideCallback(t *testing.T) {
	store := NewStore()
	var (
		mu     sync.Mutex
		cancel func()
		calls  int
	)
	ready := make(chan struct{})
	fired := make(chan struct{}, 4)
	c, err := store.SubscribeLatest(context.Background(), "p", func(v any) {
		<-ready
		mu.Lock()
		calls++
		mu.Unlock()
		cancel()
		fired <- struct{}{}
	}, nil)
	if err != nil {
		t.Fatalf("SubscribeLatest error: %v", err)
	}
	cancel = c
	close(ready)

	select {
	case <-fired:
	case <-time.After(waitFor):
		t.Fatalf("callback never ran")
	}
	_ = store.Put("p", "k", "v")

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestContextCancelEndsRegistration(t *testing.T) {
	store := NewStore()
	ctx, cancelCtx := context.WithCancel(context.Background())
	ch := make(chan any, 8)
	if _, err := store.SubscribeLatest(ctx, "p", func(v any) { ch <- v }, nil); err != nil {
		t.Fatalf("SubscribeLatest error: %v", err)
	}
	recvValue(t, ch)
	cancelCtx()

	deadline := time.Now().Add(waitFor)
	for {
		store.mu.RLock()
		n := len(store.regs["p"])
		store.mu.RUnlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("registration still present after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFailReportsOnceAndEndsRegistration(t *testing.T) {
	store := NewStore()
	errs := make(chan error, 4)
	vals := make(chan any, 4)
	if _, err := store.SubscribeLatest(context.Background(), "p", func(v any) { vals <- v }, func(err error) { errs <- err }); err != nil {
		t.Fatalf("SubscribeLatest error: %v", err)
	}
	recvValue(t, vals)

	boom := errors.New("connection reset")
	store.Fail("p", boom)
	store.Fail("p", boom)

	select {
	case err := <-errs:
		if !errors.Is(err, boom) {
			t.Fatalf("onErr got %v, want %v", err, boom)
		}
	case <-time.After(waitFor):
		t.Fatalf("onErr not called")
	}
	_ = store.Put("p", "k", "v")
	select {
	case v := <-vals:
		t.Fatalf("delivery after failure: %v", v)
	case err := <-errs:
		t.Fatalf("second failure reported: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseFailsRegistrationsAndRejectsWork(t *testing.T) {
	store := NewStore()
	errs := make(chan error, 1)
	if _, err := store.SubscribeAll(context.Background(), "p", func([]source.Entry) {}, func(err error) { errs <- err }); err != nil {
		t.Fatalf("SubscribeAll error: %v", err)
	}
	store.Close()
	store.Close()

	select {
	case err := <-errs:
		if !errors.Is(err, source.ErrClosed) {
			t.Fatalf("onErr got %v, want ErrClosed", err)
		}
	case <-time.After(waitFor):
		t.Fatalf("onErr not called on Close")
	}
	if err := store.Put("p", "k", 1); !errors.Is(err, source.ErrClosed) {
		t.Fatalf("Put after Close error = %v, want ErrClosed", err)
	}
	if _, err := store.SubscribeLatest(context.Background(), "p", func(any) {}, nil); !errors.Is(err, source.ErrClosed) {
		t.Fatalf("SubscribeLatest after Close error = %v, want ErrClosed", err)
	}
}

func TestEventSubscribers(t *testing.T) {
	store := NewStore()
	var got []Event
	unsubscribe := store.Subscribe(func(ev Event) { got = append(got, ev) })

	_ = store.Put("p", "k", 1)
	_ = store.Delete("p", "k")
	unsubscribe()
	unsubscribe()
	_ = store.Put("p", "k2", 2)

	if len(got) != 2 {
		t.Fatalf("events = %+v, want 2", got)
	}
	if got[0].Type != EventPut || got[1].Type != EventDelete || got[1].Key != "k" {
		t.Fatalf("events = %+v", got)
	}
	if got[0].Type.String() != "put" {
		t.Fatalf("EventPut.String() = %q", got[0].Type.String())
	}
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	store := NewStore()
	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				_ = store.Put("p", fmt.Sprintf("w%d-%03d", w, i), i)
				_ = store.Latest("p")
				_ = store.Entries("p")
			}
		}()
	}
	wg.Wait()
	if n := len(store.Entries("p")); n != 200 {
		t.Fatalf("entries = %d, want 200", n)
	}
}
