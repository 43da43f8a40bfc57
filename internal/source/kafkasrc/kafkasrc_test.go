package kafkasrc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/signalsfoundry/satellite-telemetry/internal/source"
)

const waitFor = 2 * time.Second

type fakeReader struct {
	msgs   chan kafka.Message
	errs   chan error
	closed atomic.Bool
}

func newFakeReader() *fakeReader {
	return &fakeReader{msgs: make(chan kafka.Message, 16), errs: make(chan error, 1)}
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case err := <-r.errs:
		return kafka.Message{}, err
	case m := <-r.msgs:
		return m, nil
	}
}

func (r *fakeReader) Close() error {
	r.closed.Store(true)
	return nil
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func newTestSource(retain int) (*Source, *fakeReader, *string) {
	reader := newFakeReader()
	var topic string
	src := New(Config{
		TopicPrefix: "sat.",
		Retain:      retain,
		NewReader: func(t string) Reader {
			topic = t
			return reader
		},
	}, nil)
	return src, reader, &topic
}

func record(offset, hwm int64, body string) kafka.Message {
	return kafka.Message{Offset: offset, HighWaterMark: hwm, Value: []byte(body)}
}

func TestBacklogDeliveredOnceCaughtUp(t *testing.T) {
	src, reader, topic := newTestSource(0)

	values := make(chan any, 8)
	cancel, err := src.SubscribeLatest(context.Background(), "telemetry", func(v any) { values <- v }, nil)
	if err != nil {
		t.Fatalf("SubscribeLatest: %v", err)
	}
	defer cancel()
	if *topic != "sat.telemetry" {
		t.Fatalf("topic = %q, want sat.telemetry", *topic)
	}

	reader.msgs <- record(0, 3, `{"n":0}`)
	reader.msgs <- record(1, 3, `{"n":1}`)
	reader.msgs <- record(2, 3, `{"n":2}`)

	got := recv(t, values).(map[string]any)
	if got["n"] != 2.0 {
		t.Fatalf("first delivery = %#v, want offset 2", got)
	}
	select {
	case v := <-values:
		t.Fatalf("backlog record delivered separately: %#v", v)
	case <-time.After(50 * time.Millisecond):
	}

	reader.msgs <- record(3, 4, `{"n":3}`)
	if got := recv(t, values).(map[string]any); got["n"] != 3.0 {
		t.Fatalf("live delivery = %#v", got)
	}
}

func TestSubscribeAllRetainsNewest(t *testing.T) {
	src, reader, _ := newTestSource(2)

	ch := make(chan []source.Entry, 8)
	cancel, err := src.SubscribeAll(context.Background(), "image_log", func(es []source.Entry) { ch <- es }, nil)
	if err != nil {
		t.Fatalf("SubscribeAll: %v", err)
	}
	defer cancel()

	reader.msgs <- record(7, 10, `{"n":7}`)
	reader.msgs <- record(8, 10, `garbage`)
	reader.msgs <- record(9, 10, `{"n":9}`)

	select {
	case es := <-ch:
		if len(es) != 2 || es[0].Key != source.OffsetKey(8) || es[1].Key != source.OffsetKey(9) {
			t.Fatalf("entries = %+v", es)
		}
		if es[0].Value != "garbage" {
			t.Fatalf("undecodable record = %#v, want raw string", es[0].Value)
		}
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for entries")
	}
}

func TestReadFailureReportedAndReaderClosed(t *testing.T) {
	src, reader, _ := newTestSource(0)

	errs := make(chan error, 2)
	cancel, err := src.SubscribeLatest(context.Background(), "telemetry", func(any) {}, func(err error) { errs <- err })
	if err != nil {
		t.Fatalf("SubscribeLatest: %v", err)
	}
	defer cancel()

	boom := errors.New("broker gone")
	reader.errs <- boom
	select {
	case err := <-errs:
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want wrapped boom", err)
		}
	case <-time.After(waitFor):
		t.Fatalf("read failure not reported")
	}
	if !reader.closed.Load() {
		t.Fatalf("reader not closed after failure")
	}
}

func TestCancelClosesReaderSilently(t *testing.T) {
	src, reader, _ := newTestSource(0)

	cancel, err := src.SubscribeLatest(context.Background(), "telemetry", func(any) {}, func(err error) {
		t.Errorf("unexpected error after cancel: %v", err)
	})
	if err != nil {
		t.Fatalf("SubscribeLatest: %v", err)
	}
	cancel()
	cancel()
	if !reader.closed.Load() {
		t.Fatalf("reader not closed by cancel")
	}
	time.Sleep(20 * time.Millisecond)
}

func TestPublish(t *testing.T) {
	src, _, _ := newTestSource(0)
	if err := src.Publish(context.Background(), "telemetry", map[string]any{}); err == nil {
		t.Fatalf("expected error without writer")
	}

	w := &fakeWriter{}
	src.WithWriter(w)
	if err := src.Publish(context.Background(), "/telemetry/", map[string]any{"Az": 1.0}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(w.msgs) != 1 || w.msgs[0].Topic != "sat.telemetry" {
		t.Fatalf("written = %+v", w.msgs)
	}
	var got map[string]any
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil || got["Az"] != 1.0 {
		t.Fatalf("payload = %s (%v)", w.msgs[0].Value, err)
	}
	if _, err := src.SubscribeLatest(context.Background(), "  ", func(any) {}, nil); !errors.Is(err, ErrEmptyPath) {
		t.Fatalf("empty path err = %v", err)
	}
}

func recv(t *testing.T, ch <-chan any) any {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for value")
		return nil
	}
}
