package main

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/satellite-telemetry/internal/config"
	"github.com/signalsfoundry/satellite-telemetry/internal/feed"
	"github.com/signalsfoundry/satellite-telemetry/internal/logging"
	"github.com/signalsfoundry/satellite-telemetry/internal/sim"
	"github.com/signalsfoundry/satellite-telemetry/internal/source"
	"github.com/signalsfoundry/satellite-telemetry/internal/source/kafkasrc"
	"github.com/signalsfoundry/satellite-telemetry/internal/source/mqttsrc"
	"github.com/signalsfoundry/satellite-telemetry/internal/source/natskv"
	"github.com/signalsfoundry/satellite-telemetry/kb"
)

// openSource builds the configured source. The returned close function
// releases it and ends every open registration.
func openSource(ctx context.Context, cfg *config.Config, log logging.Logger) (source.Source, func(), error) {
	sc := cfg.Source
	log = log.With(logging.String("source", sc.Kind))

	switch sc.Kind {
	case config.SourceSim:
		orbit, err := simOrbit(cfg.Sim)
		if err != nil {
			return nil, nil, err
		}
		backfill := config.DefaultSimBackfill
		if cfg.Sim.Backfill != nil {
			backfill = *cfg.Sim.Backfill
		}
		src := sim.NewSource(sim.Config{
			Interval: cfg.Sim.Interval,
			Seed:     cfg.Sim.Seed,
			Backfill: backfill,
			Retain:   sc.Retain,
			Orbit:    orbit,
			Logger:   log,
		})
		log.Info(ctx, "using simulated source",
			logging.String("interval", cfg.Sim.Interval.String()),
			logging.Int("backfill", backfill),
			logging.Bool("orbit", orbit != nil),
		)
		return src, src.Close, nil

	case config.SourceMemory:
		store := kb.NewStore(kb.WithRetention(sc.Retain))
		log.Info(ctx, "using in-memory source")
		return store, store.Close, nil

	case config.SourceGRPC:
		client, err := feed.Dial(sc.GRPC.Target, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info(ctx, "using snapshot feed", logging.String("target", sc.GRPC.Target))
		return client, func() {
			if err := client.Close(); err != nil {
				log.Warn(context.Background(), "close feed client", logging.Err(err))
			}
		}, nil

	case config.SourceNATS:
		conn, err := natskv.Connect(ctx, sc.NATS.URL, sc.NATS.Bucket, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info(ctx, "using nats key-value source",
			logging.String("url", sc.NATS.URL),
			logging.String("bucket", sc.NATS.Bucket),
		)
		return natskv.New(conn.Bucket, log), func() {
			if err := conn.Close(); err != nil {
				log.Warn(context.Background(), "drain nats connection", logging.Err(err))
			}
		}, nil

	case config.SourceKafka:
		src := kafkasrc.New(kafkasrc.Config{
			Brokers:     sc.Kafka.Brokers,
			TopicPrefix: sc.Kafka.TopicPrefix,
			Retain:      sc.Retain,
		}, log)
		log.Info(ctx, "using kafka source", logging.Any("brokers", sc.Kafka.Brokers))
		// Readers belong to registrations and close with them.
		return src, func() {}, nil

	case config.SourceMQTT:
		src, client, err := mqttsrc.Connect(mqttsrc.Config{
			Broker:   sc.MQTT.Broker,
			ClientID: sc.MQTT.ClientID,
			QoS:      sc.MQTT.QoS,
			Retain:   sc.Retain,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info(ctx, "using mqtt source", logging.String("broker", sc.MQTT.Broker))
		return src, func() {
			src.Close()
			client.Disconnect(250)
		}, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown source kind %q", config.ErrInvalid, sc.Kind)
}

func simOrbit(c config.SimConfig) (*sim.Orbit, error) {
	switch {
	case c.ISS:
		return sim.NewOrbit(sim.ISSLine1, sim.ISSLine2)
	case c.TLE1 != "":
		orbit, err := sim.NewOrbit(c.TLE1, c.TLE2)
		if err != nil {
			return nil, fmt.Errorf("parse sim TLE: %w", err)
		}
		return orbit, nil
	}
	return nil, nil
}
