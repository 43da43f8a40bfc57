// Package sim produces synthetic raw snapshots on a fixed tick so the
// pipeline can run without a live device.
package sim

import (
	"encoding/base64"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/signalsfoundry/satellite-telemetry/model"
)

// OrbitStep is how far the orbit position advances per tick, in degrees.
const OrbitStep = 7.2

// Status values reported by the generator.
const (
	StatusOperational = "OPERATIONAL"
	StatusWarning     = "WARNING"
)

// Range is a closed-open interval [Min, Max) sampled uniformly.
type Range struct {
	Min, Max float64
}

func (r Range) sample(rng *rand.Rand) float64 {
	return r.Min + rng.Float64()*(r.Max-r.Min)
}

// Ranges of every generated field.
var (
	TemperatureRange   = Range{-20, 60}
	HumidityRange      = Range{20, 80}
	PressureRange      = Range{0.1, 10.1}
	AccelerationRange  = Range{-0.1, 0.1}
	GyroscopeRange     = Range{-5, 5}
	MagneticFieldRange = Range{-60, 60}
	YawRange           = Range{0, 360}
	AttitudeRange      = Range{-180, 180}
	CompassRange       = Range{0, 360}
	AltitudeRange      = Range{400, 600}
	VelocityRange      = Range{7.5, 8.0}
	BatteryRange       = Range{85, 100}
	SignalRange        = Range{70, 100}
	SolarRange         = Range{85, 100}
)

// warningRate is the share of snapshots reporting StatusWarning.
const warningRate = 0.1

// OrbitPosition returns the orbit position in degrees for a 1-based tick.
// It is computed from the tick count rather than accumulated so it never
// drifts.
func OrbitPosition(tick uint64) float64 {
	return math.Mod(float64(tick)*OrbitStep, 360)
}

// Generator draws snapshots from a seeded PRNG. It is safe for concurrent use.
type Generator struct {
	mu    sync.Mutex
	rng   *rand.Rand
	orbit *Orbit
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithOrbit takes altitude, velocity and ground track from SGP4 propagation
// instead of random draws.
func WithOrbit(o *Orbit) GeneratorOption {
	return func(g *Generator) { g.orbit = o }
}

// NewGenerator returns a generator seeded with seed. A zero seed uses the
// current time.
func NewGenerator(seed uint64, opts ...GeneratorOption) *Generator {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	g := &Generator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Snapshot builds the raw snapshot for tick captured at at.
func (g *Generator) Snapshot(tick uint64, at time.Time) model.RawSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.rng
	snap := model.RawSnapshot{
		model.KeyCaptureTimestamp: model.FormatTimestamp(at),

		model.KeyTemperature: TemperatureRange.sample(r),
		model.KeyHumidity:    HumidityRange.sample(r),
		model.KeyPressure:    PressureRange.sample(r),

		model.KeyYaw:     YawRange.sample(r),
		model.KeyPitch:   AttitudeRange.sample(r),
		model.KeyRoll:    AttitudeRange.sample(r),
		model.KeyCompass: CompassRange.sample(r),

		model.KeyAx: AccelerationRange.sample(r),
		model.KeyAy: AccelerationRange.sample(r),
		model.KeyAz: AccelerationRange.sample(r),
		model.KeyGx: GyroscopeRange.sample(r),
		model.KeyGy: GyroscopeRange.sample(r),
		model.KeyGz: GyroscopeRange.sample(r),

		model.KeyMagneticFieldX: MagneticFieldRange.sample(r),
		model.KeyMagneticFieldY: MagneticFieldRange.sample(r),
		model.KeyMagneticFieldZ: MagneticFieldRange.sample(r),

		model.KeyOrbitPosition:        OrbitPosition(tick),
		model.KeyBattery:              BatteryRange.sample(r),
		model.KeySignalStrength:       SignalRange.sample(r),
		model.KeySolarPanelEfficiency: SolarRange.sample(r),
		model.KeyStatus:               StatusOperational,
	}
	if r.Float64() < warningRate {
		snap[model.KeyStatus] = StatusWarning
	}

	if st, ok := g.orbitState(at); ok {
		snap[model.KeyAltitude] = st.AltitudeKm
		snap[model.KeyVelocity] = st.VelocityKmS
		snap[model.KeyLatitude] = st.LatitudeDeg
		snap[model.KeyLongitude] = st.LongitudeDeg
	} else {
		snap[model.KeyAltitude] = AltitudeRange.sample(r)
		snap[model.KeyVelocity] = VelocityRange.sample(r)
	}

	snap[model.KeyImage] = placeholderImage(r)
	return snap
}

func (g *Generator) orbitState(at time.Time) (OrbitState, bool) {
	if g.orbit == nil {
		return OrbitState{}, false
	}
	return g.orbit.At(at)
}

// placeholderImage returns a small base64 blob framed by JPEG start and end
// markers. Consumers treat it as opaque.
func placeholderImage(r *rand.Rand) string {
	const bodyLen = 48
	buf := make([]byte, 0, bodyLen+6)
	buf = append(buf, 0xFF, 0xD8, 0xFF, 0xE0)
	for range bodyLen {
		buf = append(buf, byte(r.UintN(256)))
	}
	buf = append(buf, 0xFF, 0xD9)
	return base64.StdEncoding.EncodeToString(buf)
}
