/*
Package geodesy provides the datum and coordinate machinery shared by the
bundle adjustment, point cloud alignment, and satellite simulation code:
conversions between geodetic (lon, lat, height), Earth-centered Cartesian
(ECEF), local north-east-down (NED), and projected map coordinates.

Longitudes and latitudes are in degrees, heights and Cartesian coordinates
in meters, throughout.
*/
package geodesy

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Datum is a reference ellipsoid. It defines the mapping between geodetic
// and Cartesian coordinates.
type Datum struct {
	Name       string
	SemiMajor  float64 // equatorial radius (m)
	Flattening float64
}

// WGS84 returns the WGS84 ellipsoid.
func WGS84() Datum {
	return Datum{Name: "WGS84", SemiMajor: 6378137.0, Flattening: 1.0 / 298.257223563}
}

// NewDatum builds a datum from an equatorial radius and flattening.
func NewDatum(name string, semiMajor, flattening float64) (Datum, error) {
	if semiMajor <= 0 {
		return Datum{}, errors.Errorf("datum %q: semi-major axis must be positive, got %g", name, semiMajor)
	}
	if flattening < 0 || flattening >= 1 {
		return Datum{}, errors.Errorf("datum %q: flattening must be in [0, 1), got %g", name, flattening)
	}
	return Datum{Name: name, SemiMajor: semiMajor, Flattening: flattening}, nil
}

// SemiMinor returns the polar radius (m).
func (d Datum) SemiMinor() float64 {
	return d.SemiMajor * (1.0 - d.Flattening)
}

func (d Datum) eccSquared() float64 {
	return d.Flattening * (2.0 - d.Flattening)
}

// GeodeticToECEF converts a geodetic point (lon deg, lat deg, height m)
// to Earth-centered Cartesian coordinates.
func (d Datum) GeodeticToECEF(llh r3.Vector) r3.Vector {
	lon := llh.X * math.Pi / 180.0
	lat := llh.Y * math.Pi / 180.0
	h := llh.Z

	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)

	e2 := d.eccSquared()
	// Prime vertical radius of curvature.
	n := d.SemiMajor / math.Sqrt(1.0-e2*sinLat*sinLat)

	return r3.Vector{
		X: (n + h) * cosLat * cosLon,
		Y: (n + h) * cosLat * sinLon,
		Z: (n*(1.0-e2) + h) * sinLat,
	}
}

// ECEFToGeodetic converts Earth-centered Cartesian coordinates to a
// geodetic point (lon deg, lat deg, height m) using Bowring's method.
func (d Datum) ECEFToGeodetic(xyz r3.Vector) r3.Vector {
	a := d.SemiMajor
	b := d.SemiMinor()
	e2 := d.eccSquared()
	ep2 := (a*a - b*b) / (b * b)

	p := math.Hypot(xyz.X, xyz.Y)
	if p == 0 {
		// On the polar axis the longitude is arbitrary.
		lat := math.Copysign(90.0, xyz.Z)
		return r3.Vector{X: 0, Y: lat, Z: math.Abs(xyz.Z) - b}
	}

	theta := math.Atan2(xyz.Z*a, p*b)
	sinT, cosT := math.Sincos(theta)

	lat := math.Atan2(xyz.Z+ep2*b*sinT*sinT*sinT, p-e2*a*cosT*cosT*cosT)
	lon := math.Atan2(xyz.Y, xyz.X)

	sinLat, cosLat := math.Sincos(lat)
	n := a / math.Sqrt(1.0-e2*sinLat*sinLat)

	var h float64
	if math.Abs(cosLat) > 1e-12 {
		h = p/cosLat - n
	} else {
		h = math.Abs(xyz.Z)/math.Abs(sinLat) - n*(1.0-e2)
	}

	return r3.Vector{X: lon * 180.0 / math.Pi, Y: lat * 180.0 / math.Pi, Z: h}
}

// NEDRotation returns the 3x3 rotation taking an ECEF displacement to the
// local north-east-down frame at the given geodetic point.
func (d Datum) NEDRotation(llh r3.Vector) *mat.Dense {
	lon := llh.X * math.Pi / 180.0
	lat := llh.Y * math.Pi / 180.0
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)

	return mat.NewDense(3, 3, []float64{
		-sinLat * cosLon, -sinLat * sinLon, cosLat,
		-sinLon, cosLon, 0,
		-cosLat * cosLon, -cosLat * sinLon, -sinLat,
	})
}
