package sim

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/satellite-telemetry/core"
)

// ErrInvalidTLE is returned for two-line element sets that cannot be parsed.
var ErrInvalidTLE = errors.New("invalid TLE")

// ISS is a sample two-line element set used by the simulator binaries.
const (
	ISSLine1 = "1 25544U 98067A   21275.59097222  .00000204  00000-0  10270-4 0  9990"
	ISSLine2 = "2 25544  51.6459 115.9059 0001817  61.3028  35.9198 15.49370953257760"
)

// tleLineLen is the fixed width of a TLE line.
const tleLineLen = 69

// OrbitState is the propagated state of the satellite at one instant.
type OrbitState struct {
	AltitudeKm   float64
	VelocityKmS  float64
	LatitudeDeg  float64
	LongitudeDeg float64
}

// Orbit propagates a TLE with SGP4.
type Orbit struct {
	sat satellite.Satellite
}

// NewOrbit parses a two-line element set.
func NewOrbit(line1, line2 string) (*Orbit, error) {
	line1 = strings.TrimRight(line1, "\r\n ")
	line2 = strings.TrimRight(line2, "\r\n ")
	if len(line1) < tleLineLen || !strings.HasPrefix(line1, "1 ") {
		return nil, fmt.Errorf("%w: line 1 %q", ErrInvalidTLE, line1)
	}
	if len(line2) < tleLineLen || !strings.HasPrefix(line2, "2 ") {
		return nil, fmt.Errorf("%w: line 2 %q", ErrInvalidTLE, line2)
	}
	if line1[2:7] != line2[2:7] {
		return nil, fmt.Errorf("%w: catalog numbers differ", ErrInvalidTLE)
	}
	return &Orbit{sat: satellite.TLEToSat(line1, line2, satellite.GravityWGS72)}, nil
}

// At propagates the orbit to t. It reports false when propagation fails.
// go-satellite works in kilometres.
func (o *Orbit) At(t time.Time) (OrbitState, bool) {
	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	posECI, velECI := satellite.Propagate(o.sat, year, int(month), day, hour, min, sec)
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	gmst := satellite.ThetaG_JD(jd)
	altitude, _, latLong := satellite.ECIToLLA(posECI, gmst)
	deg := satellite.LatLongDeg(latLong)

	st := OrbitState{
		AltitudeKm:   altitude,
		VelocityKmS:  core.Vec3{X: velECI.X, Y: velECI.Y, Z: velECI.Z}.Norm(),
		LatitudeDeg:  deg.Latitude,
		LongitudeDeg: deg.Longitude,
	}
	for _, v := range []float64{st.AltitudeKm, st.VelocityKmS, st.LatitudeDeg, st.LongitudeDeg} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return OrbitState{}, false
		}
	}
	return st, true
}
