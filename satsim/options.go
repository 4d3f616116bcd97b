// Package satsim synthesizes satellite cameras and images along a linear
// orbital segment over a DEM: trajectory and orientation computation with
// optional roll/pitch/yaw and sinusoidal jitter, ground-locked camera
// placement, tsai camera generation, and ray-cast image rendering from an
// orthoimage.
package satsim

import (
	"math"

	"github.com/pkg/errors"
)

// Options mirrors the sat-sim run configuration. Angles are degrees;
// NaN marks an unset optional value.
type Options struct {
	// First and Last give the first and last camera positions as DEM
	// pixel x, y plus height above the datum in meters.
	First, Last [3]float64
	NumCameras  int

	// FirstGroundPos and LastGroundPos, when set, are DEM pixels the
	// first and last camera must look at.
	FirstGroundPos, LastGroundPos [2]float64

	Roll, Pitch, Yaw float64

	// JitterFrequency (Hz) enables jitter modeling; it requires Velocity
	// (m/s) and HorizontalUncertainty (meters of ground uncertainty
	// feeding the roll, pitch, and yaw amplitudes).
	JitterFrequency       float64
	Velocity              float64
	HorizontalUncertainty [3]float64

	FocalLength   float64
	OpticalCenter [2]float64
	ImageSize     [2]int

	OutPrefix string

	// FirstIndex and LastIndex restrict which cameras and images are
	// written; negative values mean no restriction.
	FirstIndex, LastIndex int

	// SaveRefCams also writes the reference cameras, without
	// roll/pitch/yaw, jitter, or the sensor-frame rotation.
	SaveRefCams bool

	// DEMHeightErrorTol bounds the ray-DEM intersection height error.
	DEMHeightErrorTol float64
}

// DefaultOptions returns a configuration with all optional values unset.
func DefaultOptions() Options {
	nan := math.NaN()
	return Options{
		FirstGroundPos:    [2]float64{nan, nan},
		LastGroundPos:     [2]float64{nan, nan},
		Roll:              nan,
		Pitch:             nan,
		Yaw:               nan,
		JitterFrequency:   nan,
		FirstIndex:        -1,
		LastIndex:         -1,
		DEMHeightErrorTol: 1e-3,
	}
}

// HaveGroundPos reports whether both ground path endpoints are set.
func (o *Options) HaveGroundPos() bool {
	return !math.IsNaN(o.FirstGroundPos[0]) && !math.IsNaN(o.FirstGroundPos[1]) &&
		!math.IsNaN(o.LastGroundPos[0]) && !math.IsNaN(o.LastGroundPos[1])
}

// HaveRollPitchYaw reports whether all three orientation angles are set.
func (o *Options) HaveRollPitchYaw() bool {
	return !math.IsNaN(o.Roll) && !math.IsNaN(o.Pitch) && !math.IsNaN(o.Yaw)
}

// ModelJitter reports whether jitter modeling is requested.
func (o *Options) ModelJitter() bool {
	return !math.IsNaN(o.JitterFrequency)
}

// Validate rejects configurations that cannot produce output.
func (o *Options) Validate() error {
	if o.NumCameras < 2 {
		return errors.New("the number of cameras must be at least 2")
	}
	if o.FocalLength <= 0 {
		return errors.New("the focal length must be positive")
	}
	if o.ImageSize[0] <= 0 || o.ImageSize[1] <= 0 {
		return errors.New("the image size must be positive")
	}
	if o.ModelJitter() {
		if o.Velocity <= 0 || math.IsNaN(o.Velocity) {
			return errors.New("jitter modeling requires a positive velocity")
		}
		for _, u := range o.HorizontalUncertainty {
			if math.IsNaN(u) || u < 0 {
				return errors.New("jitter modeling requires non-negative horizontal uncertainties")
			}
		}
	}
	return nil
}
