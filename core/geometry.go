package core

import "math"

// Vec3 is a three-axis sensor vector in the units of the sensor that
// produced it (g for the accelerometer, °/s for the gyroscope).
type Vec3 struct {
	X, Y, Z float64
}

// Vec3From converts an [x, y, z] sample into a Vec3.
func Vec3From(v [3]float64) Vec3 {
	return Vec3{X: v[0], Y: v[1], Z: v[2]}
}

// Norm returns the Euclidean norm of the vector without intermediate
// overflow or underflow.
func (v Vec3) Norm() float64 {
	return math.Hypot(math.Hypot(v.X, v.Y), v.Z)
}

// IsZero reports whether all three components are exactly zero.
func (v Vec3) IsZero() bool {
	return v.X == 0 && v.Y == 0 && v.Z == 0
}
