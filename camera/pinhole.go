package camera

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Model is a camera that can project world points to pixels and cast
// pixel rays back into the world. Project returns false when a point is
// behind the camera or outside the valid projection domain; callers must
// treat that as a recoverable condition.
type Model interface {
	Project(p r3.Vector) (pix [2]float64, ok bool)
	Ray(px, py float64) (ctr, dir r3.Vector)
	Center() r3.Vector
}

// BrownConrady holds the classic radial + tangential lens distortion
// coefficients.
type BrownConrady struct {
	K1, K2, P1, P2 float64
}

// Distort maps a normalized undistorted pixel to its distorted position.
func (b BrownConrady) Distort(x, y float64) (xd, yd float64) {
	r2 := x*x + y*y
	radial := 1 + b.K1*r2 + b.K2*r2*r2
	xd = x*radial + 2*b.P1*x*y + b.P2*(r2+2*x*x)
	yd = y*radial + b.P1*(r2+2*y*y) + 2*b.P2*x*y
	return
}

// Undistort inverts Distort by fixed-point iteration
// (ypollet/Sphaeroptica-style).
func (b BrownConrady) Undistort(xd, yd float64) (x, y float64) {
	x, y = xd, yd
	for i := 0; i < 50; i++ {
		r2 := x*x + y*y
		radial := 1 + b.K1*r2 + b.K2*r2*r2
		dx := 2*b.P1*x*y + b.P2*(r2+2*x*x)
		dy := b.P1*(r2+2*y*y) + 2*b.P2*x*y
		xn := (xd - dx) / radial
		yn := (yd - dy) / radial
		if math.Abs(xn-x) < 1e-14 && math.Abs(yn-y) < 1e-14 {
			return xn, yn
		}
		x, y = xn, yn
	}
	return x, y
}

// Pinhole is a central-projection camera. Rotation is the camera-to-world
// rotation; the camera looks along its +z axis.
type Pinhole struct {
	Ctr           r3.Vector
	Rotation      *mat.Dense // 3x3 cam-to-world
	FocalLength   float64    // pixels (pixel pitch 1)
	OpticalCenter [2]float64 // cu, cv in pixels
	Distortion    BrownConrady
}

// NewPinhole builds a pinhole camera with an identity orientation.
func NewPinhole(ctr r3.Vector, rot *mat.Dense, focal float64, cu, cv float64) *Pinhole {
	if rot == nil {
		rot = Identity3()
	}
	return &Pinhole{Ctr: ctr, Rotation: rot, FocalLength: focal, OpticalCenter: [2]float64{cu, cv}}
}

func (c *Pinhole) Center() r3.Vector { return c.Ctr }

// Project maps a world point to a pixel. ok is false when the point is
// behind the camera.
func (c *Pinhole) Project(p r3.Vector) ([2]float64, bool) {
	d := MatTVec(c.Rotation, p.Sub(c.Ctr)) // world -> camera frame
	if d.Z <= 0 {
		return [2]float64{}, false
	}
	x := d.X / d.Z
	y := d.Y / d.Z
	xd, yd := c.Distortion.Distort(x, y)
	return [2]float64{
		c.FocalLength*xd + c.OpticalCenter[0],
		c.FocalLength*yd + c.OpticalCenter[1],
	}, true
}

// Ray returns the camera center and the unit direction through a pixel.
func (c *Pinhole) Ray(px, py float64) (r3.Vector, r3.Vector) {
	xd := (px - c.OpticalCenter[0]) / c.FocalLength
	yd := (py - c.OpticalCenter[1]) / c.FocalLength
	x, y := c.Distortion.Undistort(xd, yd)
	dir := MatVec(c.Rotation, r3.Vector{X: x, Y: y, Z: 1}.Normalize())
	return c.Ctr, dir
}
