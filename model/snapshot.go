// Package model defines the raw and canonical telemetry records shared by
// the pipeline, its sources, and its consumers.
package model

import (
	"strings"
	"time"
)

// TimestampLayout renders capture timestamps with fixed-width milliseconds so
// UTC timestamps order lexically in time order.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// RawSnapshot is an untrusted, loosely structured snapshot as delivered by a
// source. No key is guaranteed to be present and values may have any type.
type RawSnapshot map[string]any

// Wire keys recognised in a RawSnapshot.
const (
	KeyCaptureTimestamp = "capture_timestamp"
	KeySensorReadings   = "sensor_readings"
	KeyImage            = "image_base64"

	KeyTemperature = "T"
	KeyHumidity    = "H"
	KeyPressure    = "P"

	KeyPitch   = "Pitch"
	KeyRoll    = "Roll"
	KeyYaw     = "Yaw"
	KeyCompass = "Compass"

	KeyAx = "Ax"
	KeyAy = "Ay"
	KeyAz = "Az"
	KeyGx = "Gx"
	KeyGy = "Gy"
	KeyGz = "Gz"
)

// Keys only produced by the simulator. Of these the normalizer reads only the
// magnetic field axes, to derive their magnitude.
const (
	KeyOrbitPosition        = "orbit_position"
	KeyAltitude             = "altitude"
	KeyVelocity             = "velocity"
	KeyLatitude             = "latitude"
	KeyLongitude            = "longitude"
	KeyBattery              = "battery"
	KeySignalStrength       = "signal_strength"
	KeySolarPanelEfficiency = "solar_panel_efficiency"
	KeyStatus               = "status"
	KeyMagneticFieldX       = "magnetic_field_x"
	KeyMagneticFieldY       = "magnetic_field_y"
	KeyMagneticFieldZ       = "magnetic_field_z"
)

// Lookup returns the value stored under key. Top-level keys win; otherwise a
// nested sensor_readings object is consulted.
func (s RawSnapshot) Lookup(key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	if v, ok := s[key]; ok && v != nil {
		return v, true
	}
	nested, ok := s[KeySensorReadings].(map[string]any)
	if !ok {
		if rs, isRaw := s[KeySensorReadings].(RawSnapshot); isRaw {
			nested, ok = map[string]any(rs), true
		}
	}
	if !ok {
		return nil, false
	}
	v, ok := nested[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// CaptureTimestamp returns the non-blank string timestamp carried by the
// snapshot, if any.
func (s RawSnapshot) CaptureTimestamp() (string, bool) {
	v, ok := s.Lookup(KeyCaptureTimestamp)
	if !ok {
		return "", false
	}
	ts, ok := v.(string)
	if !ok || strings.TrimSpace(ts) == "" {
		return "", false
	}
	return ts, true
}
