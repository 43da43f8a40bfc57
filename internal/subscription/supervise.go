package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/signalsfoundry/satellite-telemetry/internal/logging"
	"github.com/signalsfoundry/satellite-telemetry/internal/source"
	"github.com/signalsfoundry/satellite-telemetry/model"
)

var errTransport = errors.New("subscription: transport failure")

// SuperviseConfig bounds the re-subscription backoff. Attempts and elapsed
// time are counted per outage: once a replacement handle has stayed up for
// StableAfter the outage is over and the next failure starts afresh.
type SuperviseConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     uint          // per outage; zero retries forever
	MaxElapsed      time.Duration // per outage; zero never gives up
	StableAfter     time.Duration // defaults to MaxInterval
}

// ApplyDefaults fills zero durations.
func (c *SuperviseConfig) ApplyDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.StableAfter <= 0 {
		c.StableAfter = c.MaxInterval
	}
}

// Supervise keeps a subscription on path alive: whenever the handle moves to
// Errored it is released and a new one is opened after an exponential
// backoff. It blocks until ctx ends, the source is closed or the backoff
// policy gives up, and returns the error that stopped it.
func Supervise(ctx context.Context, m *Manager, path string, onReading func(*model.Reading), cfg SuperviseConfig) error {
	return supervise(ctx, m, path, cfg, func() (*Handle, error) {
		return m.Subscribe(ctx, path, onReading)
	})
}

// SuperviseGallery is Supervise for a gallery subscription.
func SuperviseGallery(ctx context.Context, m *Manager, path string, onGallery func([]model.GalleryEntry), cfg SuperviseConfig) error {
	return supervise(ctx, m, path, cfg, func() (*Handle, error) {
		return m.SubscribeGallery(ctx, path, onGallery)
	})
}

// SuperviseLatestImage is Supervise for a latest-with-image subscription.
func SuperviseLatestImage(ctx context.Context, m *Manager, path string, onReading func(*model.Reading), cfg SuperviseConfig) error {
	return supervise(ctx, m, path, cfg, func() (*Handle, error) {
		return m.SubscribeLatestImage(ctx, path, onReading)
	})
}

func supervise(ctx context.Context, m *Manager, path string, cfg SuperviseConfig, subscribe func() (*Handle, error)) error {
	cfg.ApplyDefaults()
	log := m.log.With(logging.String("path", path))

	for {
		h, err := recoverHandle(ctx, log, cfg, subscribe)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			h.Unsubscribe()
			return ctx.Err()
		case <-h.Failed():
		}
		h.Unsubscribe()
		if err := h.Err(); errors.Is(err, source.ErrClosed) {
			return err
		}
		log.Warn(ctx, "subscription lost; re-subscribing", logging.Err(h.Err()))
	}
}

// recoverHandle opens handles with backoff until one stays up for
// cfg.StableAfter, and returns it still open.
func recoverHandle(ctx context.Context, log logging.Logger, cfg SuperviseConfig, subscribe func() (*Handle, error)) (*Handle, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval

	attempt := 0
	return backoff.Retry(ctx, func() (*Handle, error) {
		attempt++
		h, err := subscribe()
		if err != nil {
			if errors.Is(err, source.ErrClosed) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}

		stable := time.NewTimer(cfg.StableAfter)
		defer stable.Stop()
		select {
		case <-ctx.Done():
			h.Unsubscribe()
			return nil, backoff.Permanent(ctx.Err())
		case <-stable.C:
			return h, nil
		case <-h.Failed():
			h.Unsubscribe()
			err := h.Err()
			if err == nil {
				err = errTransport
			}
			if errors.Is(err, source.ErrClosed) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(cfg.MaxAttempts),
		backoff.WithMaxElapsedTime(cfg.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn(ctx, "re-subscribing after failure",
				logging.Err(err),
				logging.Int("attempt", attempt),
				logging.String("retry_in", next.String()),
			)
		}),
	)
}
