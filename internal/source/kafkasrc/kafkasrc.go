// Package kafkasrc adapts a Kafka topic to source.Source. Each path is a
// single-partition topic replayed from its first offset; every record is one
// entry keyed by its zero-padded offset, so the newest record is the latest.
package kafkasrc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/signalsfoundry/satellite-telemetry/internal/logging"
	"github.com/signalsfoundry/satellite-telemetry/internal/source"
)

// ErrEmptyPath is returned for a blank path.
var ErrEmptyPath = errors.New("kafkasrc: empty path")

// Reader is the subset of *kafka.Reader consumed here.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Writer is the subset of *kafka.Writer used by Publish.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures the adapter.
type Config struct {
	Brokers []string
	// TopicPrefix is prepended to the path to form the topic name.
	TopicPrefix string
	// Retain caps the entries kept per registration. Zero keeps everything.
	Retain  int
	MaxWait time.Duration
	// NewReader overrides reader construction; used by tests.
	NewReader func(topic string) Reader
}

// Source reads topics with one reader per registration.
type Source struct {
	cfg    Config
	log    logging.Logger
	writer Writer
}

var _ source.Source = (*Source)(nil)

// New builds a Source. Without a NewReader override, readers connect to
// cfg.Brokers.
func New(cfg Config, log logging.Logger) *Source {
	if log == nil {
		log = logging.Noop()
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Second
	}
	if cfg.NewReader == nil {
		brokers, maxWait := cfg.Brokers, cfg.MaxWait
		cfg.NewReader = func(topic string) Reader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:     brokers,
				Topic:       topic,
				Partition:   0,
				StartOffset: kafka.FirstOffset,
				MinBytes:    1,
				MaxBytes:    10e6,
				MaxWait:     maxWait,
			})
		}
	}
	return &Source{cfg: cfg, log: log}
}

// WithWriter sets the writer used by Publish.
func (s *Source) WithWriter(w Writer) *Source {
	s.writer = w
	return s
}

// NewWriter returns a writer for the configured brokers. Topics are chosen
// per message.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
}

// Topic returns the topic backing path.
func (s *Source) Topic(path string) (string, error) {
	p := strings.Trim(strings.TrimSpace(path), "/")
	if p == "" {
		return "", ErrEmptyPath
	}
	return s.cfg.TopicPrefix + strings.ReplaceAll(p, "/", "."), nil
}

// Publish appends snapshot to the topic of path.
func (s *Source) Publish(ctx context.Context, path string, snapshot any) error {
	if s.writer == nil {
		return errors.New("kafkasrc: no writer configured")
	}
	topic, err := s.Topic(path)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Value: payload}); err != nil {
		return fmt.Errorf("write %s: %w", topic, err)
	}
	return nil
}

// SubscribeLatest implements source.Source.
func (s *Source) SubscribeLatest(ctx context.Context, path string, onValue func(any), onErr func(error)) (func(), error) {
	return s.consume(ctx, path, func(c *source.Collection) { onValue(c.LatestValue()) }, onErr)
}

// SubscribeAll implements source.Source.
func (s *Source) SubscribeAll(ctx context.Context, path string, onEntries func([]source.Entry), onErr func(error)) (func(), error) {
	return s.consume(ctx, path, func(c *source.Collection) { onEntries(c.Entries()) }, onErr)
}

func (s *Source) consume(ctx context.Context, path string, deliver func(*source.Collection), onErr func(error)) (func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	topic, err := s.Topic(path)
	if err != nil {
		return nil, err
	}
	reader := s.cfg.NewReader(topic)
	readCtx, cancel := context.WithCancel(ctx)
	guard := source.NewGuard(func() {
		cancel()
		_ = reader.Close()
	})
	guard.Bind(ctx)

	log := s.log.With(logging.String("topic", topic))
	go s.run(readCtx, guard, reader, log, deliver, onErr)
	return guard.Cancel, nil
}

// run replays the topic. While the reader is behind the high-water mark the
// backlog is folded in silently; once caught up every record is delivered.
func (s *Source) run(
	ctx context.Context,
	guard *source.Guard,
	reader Reader,
	log logging.Logger,
	deliver func(*source.Collection),
	onErr func(error),
) {
	coll := source.NewCollection()
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if guard.Done() || errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			log.Warn(ctx, "kafka read failed", logging.Err(err))
			guard.Fail(onErr, fmt.Errorf("kafka read: %w", err))
			return
		}

		v, err := source.DecodeJSON(msg.Value)
		if err != nil {
			log.Warn(ctx, "undecodable snapshot", logging.Any("offset", msg.Offset), logging.Err(err))
			v = string(msg.Value)
		}
		coll.Put(source.OffsetKey(msg.Offset), v)
		coll.Trim(s.cfg.Retain)

		if msg.HighWaterMark == 0 || msg.Offset+1 >= msg.HighWaterMark {
			guard.Do(func() { deliver(coll) })
		}
	}
}
