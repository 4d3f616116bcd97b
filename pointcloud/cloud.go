// Package pointcloud implements point cloud alignment: cloud I/O with
// large-coordinate shift handling, iterative closest point registration
// with outlier trimming, and the driver that aligns a source cloud to a
// reference and reports the recovered transform.
package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
)

// Cloud is a set of 3D points. Coordinates are stored with Shift already
// subtracted, keeping values small enough for stable double arithmetic;
// the true position of a point is Points[i] + Shift. A point equal to the
// zero vector is invalid and skipped by all operations.
type Cloud struct {
	Points []r3.Vector
	Shift  r3.Vector
}

// IsValid reports whether a stored point carries data.
func IsValid(p r3.Vector) bool {
	return p.X != 0 || p.Y != 0 || p.Z != 0
}

// ShiftFor derives a shift from a representative point, offset by half a
// meter so the point itself does not land on the invalid-point sentinel.
func ShiftFor(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: math.Floor(p.X) + 0.5,
		Y: math.Floor(p.Y) + 0.5,
		Z: math.Floor(p.Z) + 0.5,
	}
}

// NumValid counts points that carry data.
func (c *Cloud) NumValid() int {
	n := 0
	for _, p := range c.Points {
		if IsValid(p) {
			n++
		}
	}
	return n
}

// Copy deep-copies the cloud.
func (c *Cloud) Copy() *Cloud {
	return &Cloud{
		Points: append([]r3.Vector(nil), c.Points...),
		Shift:  c.Shift,
	}
}

// Reshift rewrites the cloud's coordinates relative to a new shift.
func (c *Cloud) Reshift(shift r3.Vector) {
	d := c.Shift.Sub(shift)
	for i, p := range c.Points {
		if !IsValid(p) {
			continue
		}
		c.Points[i] = p.Add(d)
	}
	c.Shift = shift
}

// Centroid returns the mean of the valid points in shifted coordinates.
func (c *Cloud) Centroid() r3.Vector {
	var sum r3.Vector
	n := 0
	for _, p := range c.Points {
		if !IsValid(p) {
			continue
		}
		sum = sum.Add(p)
		n++
	}
	if n == 0 {
		return r3.Vector{}
	}
	return sum.Mul(1.0 / float64(n))
}
