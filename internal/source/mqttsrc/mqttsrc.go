// Package mqttsrc adapts an MQTT broker to source.Source.
//
// Path p is fed by the topic filter "p/#". A message on "p/<key>" is entry
// <key>; a message on "p" itself is appended under the next offset key.
// Payloads are JSON snapshots.
package mqttsrc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/signalsfoundry/satellite-telemetry/internal/logging"
	"github.com/signalsfoundry/satellite-telemetry/internal/source"
	"github.com/signalsfoundry/satellite-telemetry/kb"
)

var (
	// ErrEmptyPath is returned for a blank path.
	ErrEmptyPath = errors.New("mqttsrc: empty path")
	// ErrTimeout is returned when the broker does not acknowledge in time.
	ErrTimeout = errors.New("mqttsrc: broker did not respond")
	// ErrConnectionLost is reported to registrations when the broker
	// connection drops.
	ErrConnectionLost = errors.New("mqtt connection lost")
)

// Client is the subset of mqtt.Client used here.
type Client interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Config configures the adapter.
type Config struct {
	Broker   string
	ClientID string
	QoS      byte
	Timeout  time.Duration
	// Retain caps the entries kept per path. Zero keeps everything.
	Retain int
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.ClientID == "" {
		c.ClientID = "satellite-telemetry-" + logging.NewID()
	}
}

// Source holds one broker subscription per path and fans messages out to
// every registration on it.
type Source struct {
	client Client
	cfg    Config
	log    logging.Logger
	store  *kb.Store

	mu         sync.Mutex
	subscribed map[string]string
	closed     bool
}

var _ source.Source = (*Source)(nil)

// New wraps a connected client.
func New(client Client, cfg Config, log logging.Logger) *Source {
	cfg.applyDefaults()
	if log == nil {
		log = logging.Noop()
	}
	return &Source{
		client:     client,
		cfg:        cfg,
		log:        log,
		store:      kb.NewStore(kb.WithRetention(cfg.Retain)),
		subscribed: make(map[string]string),
	}
}

// Connect dials cfg.Broker and returns a Source bound to the connection.
// The returned client is owned by the caller.
func Connect(cfg Config, log logging.Logger) (*Source, mqtt.Client, error) {
	cfg.applyDefaults()
	var src *Source
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			src.ConnectionLost(err)
		})
	client := mqtt.NewClient(opts)
	src = New(client, cfg, log)

	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, nil, fmt.Errorf("connect %s: %w", cfg.Broker, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", cfg.Broker, err)
	}
	return src, client, nil
}

// SubscribeLatest implements source.Source.
func (s *Source) SubscribeLatest(ctx context.Context, path string, onValue func(any), onErr func(error)) (func(), error) {
	p, err := s.ensureSubscribed(path)
	if err != nil {
		return nil, err
	}
	return s.store.SubscribeLatest(ctx, p, onValue, onErr)
}

// SubscribeAll implements source.Source.
func (s *Source) SubscribeAll(ctx context.Context, path string, onEntries func([]source.Entry), onErr func(error)) (func(), error) {
	p, err := s.ensureSubscribed(path)
	if err != nil {
		return nil, err
	}
	return s.store.SubscribeAll(ctx, p, onEntries, onErr)
}

// Publish sends snapshot to "<path>/<key>", or to "<path>" when key is
// empty.
func (s *Source) Publish(ctx context.Context, path, key string, snapshot any) error {
	p := cleanPath(path)
	if p == "" {
		return ErrEmptyPath
	}
	topic := p
	if key != "" {
		topic = p + "/" + key
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.await(ctx, s.client.Publish(topic, s.cfg.QoS, false, payload), "publish "+topic)
}

// ConnectionLost fails every registration and forgets the broker
// subscriptions, so the next Subscribe call subscribes again.
func (s *Source) ConnectionLost(err error) {
	if s == nil {
		return
	}
	s.mu.Lock()
	paths := make([]string, 0, len(s.subscribed))
	for p := range s.subscribed {
		paths = append(paths, p)
	}
	s.subscribed = make(map[string]string)
	s.mu.Unlock()

	s.log.Warn(context.Background(), "mqtt connection lost", logging.Err(err), logging.Int("paths", len(paths)))
	for _, p := range paths {
		s.store.Fail(p, fmt.Errorf("%w: %v", ErrConnectionLost, err))
	}
}

// Close unsubscribes from the broker and ends every registration. The
// client itself is left connected.
func (s *Source) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	filters := make([]string, 0, len(s.subscribed))
	for _, f := range s.subscribed {
		filters = append(filters, f)
	}
	s.subscribed = nil
	s.mu.Unlock()

	if len(filters) > 0 {
		s.client.Unsubscribe(filters...)
	}
	s.store.Close()
}

func (s *Source) ensureSubscribed(path string) (string, error) {
	p := cleanPath(path)
	if p == "" {
		return "", ErrEmptyPath
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", source.ErrClosed
	}
	if _, ok := s.subscribed[p]; ok {
		return p, nil
	}

	filter := p + "/#"
	token := s.client.Subscribe(filter, s.cfg.QoS, s.handler(p))
	if !token.WaitTimeout(s.cfg.Timeout) {
		return "", fmt.Errorf("subscribe %s: %w", filter, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return "", fmt.Errorf("subscribe %s: %w", filter, err)
	}
	s.subscribed[p] = filter
	s.log.Debug(context.Background(), "mqtt subscribed", logging.String("filter", filter))
	return p, nil
}

func (s *Source) handler(path string) mqtt.MessageHandler {
	prefix := path + "/"
	return func(_ mqtt.Client, msg mqtt.Message) {
		v, err := source.DecodeJSON(msg.Payload())
		if err != nil {
			s.log.Warn(context.Background(), "undecodable snapshot", logging.String("topic", msg.Topic()), logging.Err(err))
			v = string(msg.Payload())
		}

		topic := msg.Topic()
		if key := strings.TrimPrefix(topic, prefix); key != topic && key != "" {
			err = s.store.Put(path, key, v)
		} else {
			_, err = s.store.Push(path, v)
		}
		if err != nil && !errors.Is(err, source.ErrClosed) {
			s.log.Warn(context.Background(), "dropping mqtt message", logging.String("topic", topic), logging.Err(err))
		}
	}
}

func (s *Source) await(ctx context.Context, token mqtt.Token, op string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func cleanPath(p string) string {
	return strings.Trim(strings.TrimSpace(p), "/")
}
