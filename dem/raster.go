// Package dem provides a georeferenced raster type with nodata handling,
// bilinear and bicubic interpolation, and camera-ray / terrain
// intersection. The same raster type backs elevation models, disparity
// planes, and synthesized images.
package dem

import (
	"math"

	"github.com/pkg/errors"

	"github.com/stereogeo/stereogeo/geodesy"
)

// Raster is a single-band grid of float64 samples in row-major order,
// row 0 at the top.
type Raster struct {
	Cols, Rows int
	Data       []float64
	Nodata     float64
	GeoRef     *geodesy.GeoRef
}

// NewRaster allocates a raster filled with the nodata value.
func NewRaster(cols, rows int, nodata float64, georef *geodesy.GeoRef) (*Raster, error) {
	if cols <= 0 || rows <= 0 {
		return nil, errors.Errorf("raster size must be positive, got %dx%d", cols, rows)
	}
	data := make([]float64, cols*rows)
	for i := range data {
		data[i] = nodata
	}
	return &Raster{Cols: cols, Rows: rows, Data: data, Nodata: nodata, GeoRef: georef}, nil
}

// At returns the sample at (col, row) without bounds checking.
func (r *Raster) At(col, row int) float64 {
	return r.Data[row*r.Cols+col]
}

// Set stores a sample at (col, row).
func (r *Raster) Set(col, row int, v float64) {
	r.Data[row*r.Cols+col] = v
}

// Valid reports whether the sample at (col, row) is in bounds and not nodata.
func (r *Raster) Valid(col, row int) bool {
	if col < 0 || col >= r.Cols || row < 0 || row >= r.Rows {
		return false
	}
	v := r.At(col, row)
	return v != r.Nodata && !math.IsNaN(v)
}

// MeanHeight returns the mean of the valid samples, or 0 when there are none.
func (r *Raster) MeanHeight() float64 {
	var sum float64
	var n int
	for row := 0; row < r.Rows; row++ {
		for col := 0; col < r.Cols; col++ {
			if r.Valid(col, row) {
				sum += r.At(col, row)
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// InterpBilinear interpolates the raster at fractional pixel (px, py).
// Returns false when the support falls outside the grid or touches nodata.
func (r *Raster) InterpBilinear(px, py float64) (float64, bool) {
	if px < 0 || py < 0 || px > float64(r.Cols-1) || py > float64(r.Rows-1) {
		return 0, false
	}
	c0 := int(math.Floor(px))
	r0 := int(math.Floor(py))
	if c0 >= r.Cols-1 {
		c0 = r.Cols - 2
	}
	if r0 >= r.Rows-1 {
		r0 = r.Rows - 2
	}
	// Degenerate single-row or single-column grids are rejected above
	// only when the query is out of range; guard the index math here.
	if c0 < 0 {
		c0 = 0
	}
	if r0 < 0 {
		r0 = 0
	}
	c1, r1 := c0+1, r0+1
	if c1 >= r.Cols {
		c1 = c0
	}
	if r1 >= r.Rows {
		r1 = r0
	}

	if !r.Valid(c0, r0) || !r.Valid(c1, r0) || !r.Valid(c0, r1) || !r.Valid(c1, r1) {
		return 0, false
	}

	fx := px - float64(c0)
	fy := py - float64(r0)
	top := r.At(c0, r0)*(1-fx) + r.At(c1, r0)*fx
	bot := r.At(c0, r1)*(1-fx) + r.At(c1, r1)*fx
	return top*(1-fy) + bot*fy, true
}

// cubicWeights evaluates the Catmull-Rom basis at fraction t.
func cubicWeights(t float64) (w0, w1, w2, w3 float64) {
	t2 := t * t
	t3 := t2 * t
	w0 = 0.5 * (-t3 + 2*t2 - t)
	w1 = 0.5 * (3*t3 - 5*t2 + 2)
	w2 = 0.5 * (-3*t3 + 4*t2 + t)
	w3 = 0.5 * (t3 - t2)
	return
}

// InterpBicubic interpolates the raster at fractional pixel (px, py) with
// a Catmull-Rom kernel. The 4x4 support must be fully in bounds and valid.
func (r *Raster) InterpBicubic(px, py float64) (float64, bool) {
	if px < 1 || py < 1 || px > float64(r.Cols-3) || py > float64(r.Rows-3) {
		return 0, false
	}
	c0 := int(math.Floor(px))
	r0 := int(math.Floor(py))

	wx0, wx1, wx2, wx3 := cubicWeights(px - float64(c0))
	wy0, wy1, wy2, wy3 := cubicWeights(py - float64(r0))
	wxs := [4]float64{wx0, wx1, wx2, wx3}
	wys := [4]float64{wy0, wy1, wy2, wy3}

	var v float64
	for j := 0; j < 4; j++ {
		row := r0 - 1 + j
		var acc float64
		for i := 0; i < 4; i++ {
			col := c0 - 1 + i
			if !r.Valid(col, row) {
				return 0, false
			}
			acc += wxs[i] * r.At(col, row)
		}
		v += wys[j] * acc
	}
	return v, true
}

// HeightAtLonLat interpolates the raster height at a geodetic position.
// Returns false outside the raster extent.
func (r *Raster) HeightAtLonLat(lon, lat float64) (float64, bool) {
	if r.GeoRef == nil {
		return 0, false
	}
	px, py := r.GeoRef.LonLatToPixel(lon, lat)
	return r.InterpBilinear(px, py)
}

// ContainsPixel reports whether a fractional pixel falls inside the grid.
func (r *Raster) ContainsPixel(px, py float64) bool {
	return px >= 0 && py >= 0 && px <= float64(r.Cols-1) && py <= float64(r.Rows-1)
}
