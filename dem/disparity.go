package dem

import (
	"github.com/pkg/errors"

	"github.com/stereogeo/stereogeo/geodesy"
)

// Disparity is a two-plane raster mapping left-image pixels to
// right-image pixels: right = left + (DX, DY) at the left pixel.
// A nodata sample in either plane marks an invalid correspondence.
type Disparity struct {
	DX, DY *Raster
}

// LoadDisparity reads the horizontal and vertical disparity planes from
// two ASCII grids of identical shape.
func LoadDisparity(dxPath, dyPath string, datum geodesy.Datum, proj geodesy.Projection) (*Disparity, error) {
	dx, err := ReadASC(dxPath, datum, proj)
	if err != nil {
		return nil, err
	}
	dy, err := ReadASC(dyPath, datum, proj)
	if err != nil {
		return nil, err
	}
	if dx.Cols != dy.Cols || dx.Rows != dy.Rows {
		return nil, errors.Errorf("disparity planes disagree: %dx%d vs %dx%d",
			dx.Cols, dx.Rows, dy.Cols, dy.Rows)
	}
	return &Disparity{DX: dx, DY: dy}, nil
}

// Lookup interpolates the disparity at a left-image pixel. Returns false
// for out-of-bounds or invalid samples.
func (d *Disparity) Lookup(px, py float64) (dx, dy float64, ok bool) {
	dx, ok = d.DX.InterpBilinear(px, py)
	if !ok {
		return 0, 0, false
	}
	dy, ok = d.DY.InterpBilinear(px, py)
	if !ok {
		return 0, 0, false
	}
	return dx, dy, true
}
