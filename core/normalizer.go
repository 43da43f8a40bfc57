package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/guregu/null"

	"github.com/signalsfoundry/satellite-telemetry/model"
)

// ErrMalformedSnapshot is wrapped by every rejection returned from Normalize.
var ErrMalformedSnapshot = errors.New("malformed snapshot")

// RejectReason classifies why a snapshot was rejected. Values are stable and
// used as metric labels.
type RejectReason string

const (
	RejectNotObject        RejectReason = "not_object"
	RejectMissingTimestamp RejectReason = "missing_timestamp"
	RejectMissingImage     RejectReason = "missing_image"
)

// RejectionError reports a snapshot that could not become a Reading.
type RejectionError struct {
	Reason RejectReason
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMalformedSnapshot, e.Reason)
}

func (e *RejectionError) Unwrap() error { return ErrMalformedSnapshot }

// ReasonOf extracts the rejection reason from err, or "" when err is not a
// rejection.
func ReasonOf(err error) RejectReason {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}

// NormalizeOptions tune validation for a caller's mode.
type NormalizeOptions struct {
	// RequireImage rejects snapshots without an image payload (gallery and
	// image-display consumers).
	RequireImage bool
}

// Normalize maps one raw snapshot onto a Reading. raw is never modified.
//
// Motion and orientation fields default to 0, environment fields to null, and
// derived fields are always recomputed. A snapshot that is not an object or
// has no usable capture_timestamp is rejected with a *RejectionError.
func Normalize(raw any, sourceID string, opts NormalizeOptions) (model.Reading, error) {
	snap, ok := asSnapshot(raw)
	if !ok {
		return model.Reading{}, &RejectionError{Reason: RejectNotObject}
	}

	ts, ok := snap.CaptureTimestamp()
	if !ok {
		return model.Reading{}, &RejectionError{Reason: RejectMissingTimestamp}
	}

	image, _ := lookupString(snap, model.KeyImage)
	if opts.RequireImage && image == "" {
		return model.Reading{}, &RejectionError{Reason: RejectMissingImage}
	}

	heading, headingKnown := lookupNumber(snap, model.KeyCompass)
	orientation := model.Orientation{
		Yaw:            numberOrZero(snap, model.KeyYaw),
		Pitch:          numberOrZero(snap, model.KeyPitch),
		Roll:           numberOrZero(snap, model.KeyRoll),
		CompassHeading: heading,
	}
	motion := model.Motion{
		Acceleration: [3]float64{
			numberOrZero(snap, model.KeyAx),
			numberOrZero(snap, model.KeyAy),
			numberOrZero(snap, model.KeyAz),
		},
		Gyroscope: [3]float64{
			numberOrZero(snap, model.KeyGx),
			numberOrZero(snap, model.KeyGy),
			numberOrZero(snap, model.KeyGz),
		},
	}

	derived := ComputeDerived(orientation, motion, headingKnown)
	derived.MagneticField = MagneticFieldStrength(magneticField(snap))

	return model.Reading{
		CaptureTimestamp: ts,
		Environment: model.Environment{
			Temperature: numberOrNull(snap, model.KeyTemperature),
			Humidity:    numberOrNull(snap, model.KeyHumidity),
			Pressure:    numberOrNull(snap, model.KeyPressure),
		},
		Orientation:  orientation,
		Motion:       motion,
		Derived:      derived,
		ImagePayload: image,
		SourceID:     sourceID,
	}, nil
}

// magneticField reads the magnetometer axes. Missing axes count as 0; ok is
// false only when all three are missing.
func magneticField(s model.RawSnapshot) (field [3]float64, ok bool) {
	for i, key := range [3]string{model.KeyMagneticFieldX, model.KeyMagneticFieldY, model.KeyMagneticFieldZ} {
		f, present := lookupNumber(s, key)
		field[i] = f
		ok = ok || present
	}
	return field, ok
}

func asSnapshot(raw any) (model.RawSnapshot, bool) {
	switch v := raw.(type) {
	case model.RawSnapshot:
		return v, v != nil
	case map[string]any:
		return model.RawSnapshot(v), v != nil
	default:
		return nil, false
	}
}

func numberOrZero(s model.RawSnapshot, key string) float64 {
	f, _ := lookupNumber(s, key)
	return f
}

func numberOrNull(s model.RawSnapshot, key string) null.Float {
	f, ok := lookupNumber(s, key)
	return null.NewFloat(f, ok)
}

func lookupString(s model.RawSnapshot, key string) (string, bool) {
	v, ok := s.Lookup(key)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok && str != ""
}

// lookupNumber coerces the value under key to a finite float64. Booleans,
// non-numeric strings, NaN and infinities count as absent.
func lookupNumber(s model.RawSnapshot, key string) (float64, bool) {
	v, ok := s.Lookup(key)
	if !ok {
		return 0, false
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
