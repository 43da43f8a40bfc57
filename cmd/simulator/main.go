package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/signalsfoundry/satellite-telemetry/core"
	"github.com/signalsfoundry/satellite-telemetry/internal/feed"
	"github.com/signalsfoundry/satellite-telemetry/internal/logging"
	"github.com/signalsfoundry/satellite-telemetry/internal/sim"
	"github.com/signalsfoundry/satellite-telemetry/internal/source"
	"github.com/signalsfoundry/satellite-telemetry/internal/source/kafkasrc"
	"github.com/signalsfoundry/satellite-telemetry/internal/source/mqttsrc"
	"github.com/signalsfoundry/satellite-telemetry/internal/source/natskv"
	"github.com/signalsfoundry/satellite-telemetry/kb"
	"github.com/signalsfoundry/satellite-telemetry/model"
	"github.com/signalsfoundry/satellite-telemetry/timectrl"
)

// publishFunc stores one snapshot under path/key in a downstream transport.
type publishFunc func(ctx context.Context, path, key string, snap model.RawSnapshot) error

type options struct {
	Duration    time.Duration
	Tick        time.Duration
	Accelerated bool
	Seed        uint64
	ISS         bool
	Path        string
	GalleryPath string
}

func main() {
	opts := options{}
	flag.DurationVar(&opts.Duration, "duration", 60*time.Second, "total simulated duration; zero runs until interrupted")
	flag.DurationVar(&opts.Tick, "tick", sim.DefaultInterval, "tick interval")
	flag.BoolVar(&opts.Accelerated, "accelerated", false, "run in accelerated mode (vs real-time)")
	flag.Uint64Var(&opts.Seed, "seed", 0, "generator seed; zero picks one from the clock")
	flag.BoolVar(&opts.ISS, "iss", false, "propagate the bundled ISS element set for altitude, velocity and position")
	flag.StringVar(&opts.Path, "path", "telemetry", "path snapshots are published under")
	flag.StringVar(&opts.GalleryPath, "gallery-path", "image_log", "second path every snapshot is also published under; empty disables")
	feedAddr := flag.String("feed-addr", "", "serve published snapshots over the gRPC snapshot feed on this address")
	natsURL := flag.String("nats-url", "", "publish into a NATS JetStream key-value bucket at this URL")
	natsBucket := flag.String("nats-bucket", "telemetry", "NATS key-value bucket")
	kafkaBrokers := flag.String("kafka-brokers", "", "comma-separated Kafka brokers to publish to")
	kafkaPrefix := flag.String("kafka-topic-prefix", "", "prefix for Kafka topic names")
	mqttBroker := flag.String("mqtt-broker", "", "publish to this MQTT broker, e.g. tcp://localhost:1883")
	quiet := flag.Bool("quiet", false, "do not print readings")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sinks []publishFunc
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()
	fail := func(msg string, err error) {
		log.Error(ctx, msg, logging.Err(err))
		stop()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		os.Exit(1)
	}

	if *feedAddr != "" {
		store := kb.NewStore(kb.WithRetention(100))
		srv, err := serveFeed(*feedAddr, store, log)
		if err != nil {
			fail("failed to start snapshot feed", err)
		}
		closers = append(closers, func() {
			store.Close()
			srv.GracefulStop()
		})
		sinks = append(sinks, storeSink(store))
	}
	if *natsURL != "" {
		conn, err := natskv.Connect(ctx, *natsURL, *natsBucket, log)
		if err != nil {
			fail("failed to connect to nats", err)
		}
		closers = append(closers, func() { _ = conn.Close() })
		kv := natskv.New(conn.Bucket, log)
		sinks = append(sinks, func(ctx context.Context, path, key string, snap model.RawSnapshot) error {
			return kv.Publish(ctx, path, key, snap)
		})
	}
	if *kafkaBrokers != "" {
		w := kafkasrc.NewWriter(strings.Split(*kafkaBrokers, ","))
		closers = append(closers, func() { _ = w.Close() })
		ks := kafkasrc.New(kafkasrc.Config{TopicPrefix: *kafkaPrefix}, log).WithWriter(w)
		sinks = append(sinks, func(ctx context.Context, path, _ string, snap model.RawSnapshot) error {
			return ks.Publish(ctx, path, snap)
		})
	}
	if *mqttBroker != "" {
		ms, client, err := mqttsrc.Connect(mqttsrc.Config{Broker: *mqttBroker}, log)
		if err != nil {
			fail("failed to connect to mqtt", err)
		}
		closers = append(closers, func() {
			ms.Close()
			client.Disconnect(250)
		})
		sinks = append(sinks, func(ctx context.Context, path, key string, snap model.RawSnapshot) error {
			return ms.Publish(ctx, path, key, snap)
		})
	}

	out := io.Writer(os.Stdout)
	if *quiet {
		out = io.Discard
	}
	n, err := simulate(ctx, opts, out, log, sinks...)
	if err != nil {
		fail("simulation failed", err)
	}
	fmt.Fprintf(out, "Simulation complete: %d snapshots.\n", n)
}

// simulate emits one snapshot per tick until opts.Duration of simulated time
// has passed or ctx ends, printing each normalized reading to out and
// publishing the raw snapshot to every sink. It returns the number of
// snapshots emitted.
func simulate(ctx context.Context, opts options, out io.Writer, log logging.Logger, sinks ...publishFunc) (uint64, error) {
	if opts.Tick <= 0 {
		opts.Tick = sim.DefaultInterval
	}
	if opts.Path == "" {
		return 0, errors.New("empty publish path")
	}
	if opts.Seed == 0 {
		opts.Seed = uint64(time.Now().UnixNano())
	}

	var genOpts []sim.GeneratorOption
	if opts.ISS {
		orbit, err := sim.NewOrbit(sim.ISSLine1, sim.ISSLine2)
		if err != nil {
			return 0, err
		}
		genOpts = append(genOpts, sim.WithOrbit(orbit))
	}

	mode := timectrl.RealTime
	if opts.Accelerated {
		mode = timectrl.Accelerated
	}
	tc := timectrl.NewTimeController(time.Now().UTC(), opts.Tick, mode)

	var tick atomic.Int64
	var failures atomic.Int64
	onRaw := func(snap model.RawSnapshot) {
		key := source.OffsetKey(tick.Add(1))
		printReading(out, snap)
		for _, sink := range sinks {
			for _, path := range []string{opts.Path, opts.GalleryPath} {
				if path == "" {
					continue
				}
				if err := sink(ctx, path, key, snap); err != nil {
					failures.Add(1)
					log.Warn(ctx, "publish snapshot failed",
						logging.String("path", path),
						logging.String("key", key),
						logging.Err(err),
					)
				}
			}
		}
	}

	fmt.Fprintf(out, "Starting simulation: duration=%s, tick=%s, mode=%v\n", opts.Duration, opts.Tick, mode)
	h := sim.Start(opts.Tick, onRaw,
		sim.WithController(tc),
		sim.WithGenerator(sim.NewGenerator(opts.Seed, genOpts...)),
		sim.WithLogger(log),
	)
	done := tc.Start(opts.Duration)
	select {
	case <-done:
	case <-ctx.Done():
		tc.Stop()
		<-done
	}
	h.Stop()

	if n := failures.Load(); n > 0 {
		log.Warn(ctx, "some snapshots were not published", logging.Int("failures", int(n)))
	}
	return h.Emitted(), nil
}

func printReading(out io.Writer, snap model.RawSnapshot) {
	r, err := core.Normalize(snap, "simulator", core.NormalizeOptions{})
	if err != nil {
		fmt.Fprintf(out, "rejected snapshot: %v\n", err)
		return
	}
	fmt.Fprintf(out, "[%s] heading=%6.1f° %-2s g=%5.3f rot=%6.2f°/s temp=%s\n",
		r.CaptureTimestamp,
		r.Orientation.CompassHeading,
		r.Derived.CardinalDirection,
		r.Derived.GForce,
		r.Derived.RotationSpeed,
		formatNullable(r.Environment.Temperature.Valid, r.Environment.Temperature.Float64, "°C"),
	)
}

func formatNullable(valid bool, v float64, unit string) string {
	if !valid {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%s", v, unit)
}

func storeSink(store *kb.Store) publishFunc {
	return func(_ context.Context, path, key string, snap model.RawSnapshot) error {
		return store.Put(path, key, snap)
	}
}

func serveFeed(addr string, store *kb.Store, log logging.Logger) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := grpc.NewServer(feed.ServerOptions(log, nil)...)
	feed.RegisterSnapshotFeedServer(srv, feed.NewServer(store, log))
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error(context.Background(), "snapshot feed exited", logging.Err(err))
		}
	}()
	log.Info(context.Background(), "serving snapshot feed", logging.String("addr", addr))
	return srv, nil
}
