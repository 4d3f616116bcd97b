package pointcloud

import (
	"math"

	"github.com/stereogeo/stereogeo/geodesy"
)

// LonLatBBox is a geodetic bounding box in degrees.
type LonLatBBox struct {
	MinLon, MaxLon float64
	MinLat, MaxLat float64
}

// EmptyBBox returns a box that any Extend call will overwrite.
func EmptyBBox() LonLatBBox {
	return LonLatBBox{
		MinLon: math.Inf(1), MaxLon: math.Inf(-1),
		MinLat: math.Inf(1), MaxLat: math.Inf(-1),
	}
}

// Empty reports whether the box contains no area.
func (b *LonLatBBox) Empty() bool {
	return b.MinLon > b.MaxLon || b.MinLat > b.MaxLat
}

// Extend grows the box to include a position.
func (b *LonLatBBox) Extend(lon, lat float64) {
	b.MinLon = math.Min(b.MinLon, lon)
	b.MaxLon = math.Max(b.MaxLon, lon)
	b.MinLat = math.Min(b.MinLat, lat)
	b.MaxLat = math.Max(b.MaxLat, lat)
}

// Contains tests a position against the box.
func (b *LonLatBBox) Contains(lon, lat float64) bool {
	return lon >= b.MinLon && lon <= b.MaxLon && lat >= b.MinLat && lat <= b.MaxLat
}

// ExpandedByMeters grows the box by a ground displacement, converted to
// degrees at the box's latitude. Used to keep reference points that a
// source point might move onto within the alignment's displacement bound.
func (b LonLatBBox) ExpandedByMeters(maxDisp float64, d geodesy.Datum) LonLatBBox {
	if maxDisp <= 0 || b.Empty() {
		return b
	}
	degPerMeterLat := 180.0 / (math.Pi * d.SemiMajor)
	lat := math.Max(math.Abs(b.MinLat), math.Abs(b.MaxLat))
	cosLat := math.Cos(lat * math.Pi / 180.0)
	if cosLat < 1e-6 {
		cosLat = 1e-6
	}
	dLat := maxDisp * degPerMeterLat
	dLon := dLat / cosLat
	return LonLatBBox{
		MinLon: b.MinLon - dLon, MaxLon: b.MaxLon + dLon,
		MinLat: b.MinLat - dLat, MaxLat: b.MaxLat + dLat,
	}
}

// BBoxOf computes the geodetic bounding box of a cloud.
func BBoxOf(c *Cloud, d geodesy.Datum) LonLatBBox {
	b := EmptyBBox()
	for _, p := range c.Points {
		if !IsValid(p) {
			continue
		}
		llh := d.ECEFToGeodetic(p.Add(c.Shift))
		b.Extend(llh.X, llh.Y)
	}
	return b
}

// FilterByBBox drops points outside a geodetic box, returning a new
// cloud with the same shift.
func FilterByBBox(c *Cloud, box LonLatBBox, d geodesy.Datum) *Cloud {
	out := &Cloud{Shift: c.Shift}
	for _, p := range c.Points {
		if !IsValid(p) {
			continue
		}
		llh := d.ECEFToGeodetic(p.Add(c.Shift))
		if box.Contains(llh.X, llh.Y) {
			out.Points = append(out.Points, p)
		}
	}
	return out
}
