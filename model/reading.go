package model

import (
	"github.com/guregu/null"
)

// Environment holds ambient sensor values. A field is invalid (JSON null) when
// the raw snapshot did not carry a usable number for it.
type Environment struct {
	Temperature null.Float `json:"temperature"` // °C
	Humidity    null.Float `json:"humidity"`    // %RH
	Pressure    null.Float `json:"pressure"`
}

// Orientation is the attitude of the device in degrees. Missing raw values
// are stored as 0.
type Orientation struct {
	Yaw            float64 `json:"yaw"`
	Pitch          float64 `json:"pitch"`
	Roll           float64 `json:"roll"`
	CompassHeading float64 `json:"compassHeading"`
}

// Motion carries the three-axis accelerometer and gyroscope samples as
// [x, y, z]. Missing axes are stored as 0.
type Motion struct {
	Acceleration [3]float64 `json:"accelerationVector"`
	Gyroscope    [3]float64 `json:"gyroscopeVector"`
}

// Derived holds quantities computed by the pipeline. They are never copied
// from raw input.
type Derived struct {
	GForce            float64 `json:"gForce"`
	RotationSpeed     float64 `json:"rotationSpeed"`
	CardinalDirection string  `json:"cardinalDirection,omitempty"` // empty when no compass heading was reported
	// MagneticField is the magnetometer magnitude in µT, null when the
	// snapshot carried no magnetic_field_* axis.
	MagneticField null.Float `json:"magneticField"`
}

// Reading is the canonical record produced from one raw snapshot. It is a
// value type: every field is copied on assignment, so a Reading handed to a
// consumer cannot be changed by the pipeline afterwards.
type Reading struct {
	CaptureTimestamp string      `json:"captureTimestamp"`
	Environment      Environment `json:"environment"`
	Orientation      Orientation `json:"orientation"`
	Motion           Motion      `json:"motion"`
	Derived          Derived     `json:"derived"`
	ImagePayload     string      `json:"imagePayload,omitempty"` // base64, empty when absent
	SourceID         string      `json:"sourceId"`
}

// Timestamp implements Timestamped.
func (r Reading) Timestamp() (string, bool) {
	return r.CaptureTimestamp, r.CaptureTimestamp != ""
}

// HasImage reports whether the reading carries an image payload.
func (r Reading) HasImage() bool { return r.ImagePayload != "" }

// Timestamped is implemented by anything the gallery can order by capture
// time. ok is false when the item has no timestamp.
type Timestamped interface {
	Timestamp() (ts string, ok bool)
}

// GalleryEntry is one item of a full collection view. Entries whose raw
// snapshot could not be normalized are kept with a nil Reading so that the
// gallery still shows them (after every timestamped entry).
type GalleryEntry struct {
	Key              string   `json:"key"`
	CaptureTimestamp string   `json:"captureTimestamp,omitempty"`
	ImagePayload     string   `json:"imagePayload,omitempty"`
	Reading          *Reading `json:"reading"`
}

// Timestamp implements Timestamped.
func (g GalleryEntry) Timestamp() (string, bool) {
	return g.CaptureTimestamp, g.CaptureTimestamp != ""
}
