package camera

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Frame is a generic frame sensor (CSM-style): a central projection with
// a free-length radial distortion polynomial in even powers of the
// normalized radius.
type Frame struct {
	Ctr           r3.Vector
	Rotation      *mat.Dense
	FocalLength   float64
	OpticalCenter [2]float64
	Distortion    []float64 // radial coefficients: r^2, r^4, ...
}

func (c *Frame) Center() r3.Vector { return c.Ctr }

func (c *Frame) radial(r2 float64) float64 {
	scale := 1.0
	p := r2
	for _, k := range c.Distortion {
		scale += k * p
		p *= r2
	}
	return scale
}

// Project maps a world point to a pixel; false behind the camera.
func (c *Frame) Project(p r3.Vector) ([2]float64, bool) {
	d := MatTVec(c.Rotation, p.Sub(c.Ctr))
	if d.Z <= 0 {
		return [2]float64{}, false
	}
	x := d.X / d.Z
	y := d.Y / d.Z
	scale := c.radial(x*x + y*y)
	return [2]float64{
		c.FocalLength*x*scale + c.OpticalCenter[0],
		c.FocalLength*y*scale + c.OpticalCenter[1],
	}, true
}

// Ray returns the camera center and unit direction through a pixel,
// inverting the radial polynomial by fixed-point iteration.
func (c *Frame) Ray(px, py float64) (r3.Vector, r3.Vector) {
	xd := (px - c.OpticalCenter[0]) / c.FocalLength
	yd := (py - c.OpticalCenter[1]) / c.FocalLength

	x, y := xd, yd
	for i := 0; i < 50; i++ {
		scale := c.radial(x*x + y*y)
		xn, yn := xd/scale, yd/scale
		if math.Abs(xn-x) < 1e-14 && math.Abs(yn-y) < 1e-14 {
			x, y = xn, yn
			break
		}
		x, y = xn, yn
	}
	dir := MatVec(c.Rotation, r3.Vector{X: x, Y: y, Z: 1}.Normalize())
	return c.Ctr, dir
}
