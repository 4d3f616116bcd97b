package camera

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// OpticalBar is a panoramic scanning camera. The image x coordinate maps
// through a scan angle on a cylinder of radius FocalLength; ScanRate and
// MotionCompensation model the image motion introduced while the bar
// sweeps (two extra intrinsics over the pinhole set).
type OpticalBar struct {
	Ctr                r3.Vector
	Rotation           *mat.Dense // 3x3 cam-to-world
	FocalLength        float64
	OpticalCenter      [2]float64
	ScanRate           float64 // radians of bar sweep per unit scan time
	MotionCompensation float64
}

func (c *OpticalBar) Center() r3.Vector { return c.Ctr }

// Project maps a world point to a pixel on the panoramic image surface.
// ok is false behind the camera or beyond the half-cylinder sweep.
func (c *OpticalBar) Project(p r3.Vector) ([2]float64, bool) {
	d := MatTVec(c.Rotation, p.Sub(c.Ctr))
	if d.Z <= 0 {
		return [2]float64{}, false
	}
	alpha := math.Atan2(d.X, d.Z) // scan angle
	if math.Abs(alpha) >= math.Pi/2 {
		return [2]float64{}, false
	}
	rho := math.Hypot(d.X, d.Z)

	u := c.FocalLength*alpha + c.OpticalCenter[0]
	v := c.FocalLength*d.Y/rho + c.OpticalCenter[1]
	// Forward-motion compensation shifts rows as the bar sweeps.
	v += c.MotionCompensation * c.ScanRate * alpha * alpha / 2.0 * c.FocalLength
	return [2]float64{u, v}, true
}

// Ray returns the camera center and unit direction through a pixel.
func (c *OpticalBar) Ray(px, py float64) (r3.Vector, r3.Vector) {
	alpha := (px - c.OpticalCenter[0]) / c.FocalLength
	v := (py - c.OpticalCenter[1]) / c.FocalLength
	v -= c.MotionCompensation * c.ScanRate * alpha * alpha / 2.0

	sinA, cosA := math.Sincos(alpha)
	dir := r3.Vector{X: sinA, Y: v, Z: cosA}.Normalize()
	return c.Ctr, MatVec(c.Rotation, dir)
}
