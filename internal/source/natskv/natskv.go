// Package natskv adapts a NATS JetStream key-value bucket to source.Source.
//
// A path maps to the key prefix "<path>." and each key below it is one
// entry of the collection, so "telemetry.00000000000000000042" is entry
// "00000000000000000042" of path "telemetry". Values are JSON snapshots.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/signalsfoundry/satellite-telemetry/internal/logging"
	"github.com/signalsfoundry/satellite-telemetry/internal/source"
)

// ErrWatchClosed is reported when the bucket watcher stops delivering
// without being cancelled.
var ErrWatchClosed = errors.New("nats kv watcher closed")

// ErrEmptyPath is returned for a blank path or key.
var ErrEmptyPath = errors.New("natskv: empty path")

// Bucket is the subset of jetstream.KeyValue used here.
type Bucket interface {
	Watch(ctx context.Context, keys string, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// Source watches a bucket. Every registration runs its own watcher.
type Source struct {
	kv  Bucket
	log logging.Logger
}

var _ source.Source = (*Source)(nil)

// New wraps kv.
func New(kv Bucket, log logging.Logger) *Source {
	if log == nil {
		log = logging.Noop()
	}
	return &Source{kv: kv, log: log}
}

// Conn bundles the connection a Connect call opened.
type Conn struct {
	NC     *nats.Conn
	Bucket jetstream.KeyValue
}

// Close drains the connection.
func (c *Conn) Close() error {
	if c == nil || c.NC == nil {
		return nil
	}
	return c.NC.Drain()
}

// Connect dials url and opens (creating it if needed) bucket.
func Connect(ctx context.Context, url, bucket string, log logging.Logger) (*Conn, error) {
	if log == nil {
		log = logging.Noop()
	}
	nc, err := nats.Connect(url,
		nats.Name("satellite-telemetry"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn(context.Background(), "nats disconnected", logging.Err(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %q: %w", url, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "satellite telemetry snapshots",
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open bucket %q: %w", bucket, err)
	}
	return &Conn{NC: nc, Bucket: kv}, nil
}

// SubscribeLatest implements source.Source.
func (s *Source) SubscribeLatest(ctx context.Context, path string, onValue func(any), onErr func(error)) (func(), error) {
	return s.watch(ctx, path, func(c *source.Collection) { onValue(c.LatestValue()) }, onErr)
}

// SubscribeAll implements source.Source.
func (s *Source) SubscribeAll(ctx context.Context, path string, onEntries func([]source.Entry), onErr func(error)) (func(), error) {
	return s.watch(ctx, path, func(c *source.Collection) { onEntries(c.Entries()) }, onErr)
}

// Publish stores snapshot under path/key.
func (s *Source) Publish(ctx context.Context, path, key string, snapshot any) error {
	prefix, err := keyPrefix(path)
	if err != nil {
		return err
	}
	if strings.TrimSpace(key) == "" {
		return ErrEmptyPath
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if _, err := s.kv.Put(ctx, prefix+key, payload); err != nil {
		return fmt.Errorf("put %s%s: %w", prefix, key, err)
	}
	return nil
}

func (s *Source) watch(ctx context.Context, path string, deliver func(*source.Collection), onErr func(error)) (func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	prefix, err := keyPrefix(path)
	if err != nil {
		return nil, err
	}
	watchCtx, cancel := context.WithCancel(ctx)
	w, err := s.kv.Watch(watchCtx, prefix+">")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s>: %w", prefix, err)
	}

	guard := source.NewGuard(func() {
		cancel()
		_ = w.Stop()
	})
	guard.Bind(ctx)

	log := s.log.With(logging.String("path", path))
	go pump(watchCtx, guard, w, prefix, log, deliver, onErr)
	return guard.Cancel, nil
}

// pump folds watcher updates into a collection. Nothing is delivered until
// the watcher signals the end of the initial values with a nil entry.
func pump(
	ctx context.Context,
	guard *source.Guard,
	w jetstream.KeyWatcher,
	prefix string,
	log logging.Logger,
	deliver func(*source.Collection),
	onErr func(error),
) {
	coll := source.NewCollection()
	ready := false
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-w.Updates():
			if !ok {
				if guard.Done() || ctx.Err() != nil {
					return
				}
				guard.Fail(onErr, ErrWatchClosed)
				return
			}
			if e == nil {
				ready = true
				guard.Do(func() { deliver(coll) })
				continue
			}
			key := strings.TrimPrefix(e.Key(), prefix)
			switch e.Operation() {
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				coll.Delete(key)
			default:
				v, err := source.DecodeJSON(e.Value())
				if err != nil {
					log.Warn(ctx, "undecodable snapshot", logging.String("key", key), logging.Err(err))
					v = string(e.Value())
				}
				coll.Put(key, v)
			}
			if ready {
				guard.Do(func() { deliver(coll) })
			}
		}
	}
}

func keyPrefix(path string) (string, error) {
	p := strings.Trim(strings.TrimSpace(path), "/")
	if p == "" {
		return "", ErrEmptyPath
	}
	return strings.ReplaceAll(p, "/", ".") + ".", nil
}
