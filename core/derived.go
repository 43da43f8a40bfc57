package core

import (
	"math"

	"github.com/guregu/null"

	"github.com/signalsfoundry/satellite-telemetry/model"
)

// compassPoints are the eight 45° buckets, clockwise from north.
var compassPoints = [8]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// GForce is the magnitude of the acceleration vector.
func GForce(acc [3]float64) float64 {
	return Vec3From(acc).Norm()
}

// RotationSpeed is the magnitude of the angular-rate vector.
func RotationSpeed(gyro [3]float64) float64 {
	return Vec3From(gyro).Norm()
}

// MagneticFieldStrength is the magnitude of the magnetometer vector, or null
// when ok is false.
func MagneticFieldStrength(field [3]float64, ok bool) null.Float {
	if !ok {
		return null.Float{}
	}
	return null.FloatFrom(Vec3From(field).Norm())
}

// CardinalDirection maps a heading in degrees onto one of eight compass
// points. Halves round up (22.5° is NE) and headings wrap, so 360° and -360°
// are both N. It returns "" when ok is false.
func CardinalDirection(heading float64, ok bool) string {
	if !ok || math.IsNaN(heading) || math.IsInf(heading, 0) {
		return ""
	}
	idx := int(math.Mod(math.Floor(heading/45+0.5), 8))
	if idx < 0 {
		idx += 8
	}
	return compassPoints[idx]
}

// ComputeDerived recomputes every derived field from already-defaulted
// orientation and motion values.
func ComputeDerived(o model.Orientation, m model.Motion, headingKnown bool) model.Derived {
	return model.Derived{
		GForce:            GForce(m.Acceleration),
		RotationSpeed:     RotationSpeed(m.Gyroscope),
		CardinalDirection: CardinalDirection(o.CompassHeading, headingKnown),
	}
}
