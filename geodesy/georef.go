package geodesy

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Projection maps between projected map coordinates and geodetic lon/lat.
type Projection interface {
	// ToGeodetic converts projected (x, y) to (lon, lat) in degrees.
	ToGeodetic(x, y float64) (lon, lat float64)
	// FromGeodetic converts (lon, lat) in degrees to projected (x, y).
	FromGeodetic(lon, lat float64) (x, y float64)
}

// Geographic is the identity projection: projected coordinates are
// lon/lat degrees.
type Geographic struct{}

func (Geographic) ToGeodetic(x, y float64) (lon, lat float64)   { return x, y }
func (Geographic) FromGeodetic(lon, lat float64) (x, y float64) { return lon, lat }

// LocalEquirect is an equirectangular projection in meters about an
// origin point. It is adequate for the local scenes this package works
// with and keeps the map-to-geodetic transform cheap.
type LocalEquirect struct {
	Lon0, Lat0 float64
	Radius     float64 // meters per radian of latitude
	cosLat0    float64
}

// NewLocalEquirect builds a local equirectangular projection centered on
// (lon0, lat0) over the given datum.
func NewLocalEquirect(lon0, lat0 float64, d Datum) (*LocalEquirect, error) {
	cosLat0 := math.Cos(lat0 * math.Pi / 180.0)
	if math.Abs(cosLat0) < 1e-9 {
		return nil, errors.Errorf("local projection origin too close to a pole: lat %g", lat0)
	}
	return &LocalEquirect{Lon0: lon0, Lat0: lat0, Radius: d.SemiMajor, cosLat0: cosLat0}, nil
}

func (p *LocalEquirect) ToGeodetic(x, y float64) (lon, lat float64) {
	degPerMeter := 180.0 / math.Pi / p.Radius
	lon = p.Lon0 + x*degPerMeter/p.cosLat0
	lat = p.Lat0 + y*degPerMeter
	return lon, lat
}

func (p *LocalEquirect) FromGeodetic(lon, lat float64) (x, y float64) {
	metersPerDeg := math.Pi / 180.0 * p.Radius
	x = (lon - p.Lon0) * metersPerDeg * p.cosLat0
	y = (lat - p.Lat0) * metersPerDeg
	return x, y
}

// GeoRef ties a raster grid to the ground: a datum, a projection, and an
// affine transform between pixel and projected coordinates.
// Pixel (col, row) maps to projected (X0 + col*Dx, Y0 + row*Dy);
// Dy is negative for north-up rasters.
type GeoRef struct {
	Datum Datum
	Proj  Projection
	X0    float64
	Y0    float64
	Dx    float64
	Dy    float64
}

// PixelToPoint converts fractional pixel coordinates to projected coordinates.
func (g *GeoRef) PixelToPoint(col, row float64) (x, y float64) {
	return g.X0 + col*g.Dx, g.Y0 + row*g.Dy
}

// PointToPixel converts projected coordinates to fractional pixel coordinates.
func (g *GeoRef) PointToPixel(x, y float64) (col, row float64) {
	return (x - g.X0) / g.Dx, (y - g.Y0) / g.Dy
}

// PointToGeodetic converts projected (x, y) to (lon, lat) degrees.
func (g *GeoRef) PointToGeodetic(x, y float64) (lon, lat float64) {
	return g.Proj.ToGeodetic(x, y)
}

// GeodeticToPoint converts (lon, lat) degrees to projected (x, y).
func (g *GeoRef) GeodeticToPoint(lon, lat float64) (x, y float64) {
	return g.Proj.FromGeodetic(lon, lat)
}

// LonLatToPixel converts a geodetic position to fractional pixel coordinates.
func (g *GeoRef) LonLatToPixel(lon, lat float64) (col, row float64) {
	x, y := g.GeodeticToPoint(lon, lat)
	return g.PointToPixel(x, y)
}

// PixelToLonLat converts fractional pixel coordinates to (lon, lat) degrees.
func (g *GeoRef) PixelToLonLat(col, row float64) (lon, lat float64) {
	x, y := g.PixelToPoint(col, row)
	return g.PointToGeodetic(x, y)
}

// ProjToECEF converts a projected position (x, y, height above datum) to
// Earth-centered Cartesian coordinates.
func ProjToECEF(g *GeoRef, proj r3.Vector) r3.Vector {
	lon, lat := g.PointToGeodetic(proj.X, proj.Y)
	return g.Datum.GeodeticToECEF(r3.Vector{X: lon, Y: lat, Z: proj.Z})
}
