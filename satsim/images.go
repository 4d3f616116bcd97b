package satsim

import (
	"context"
	"math"
	"path/filepath"
	"strings"

	"github.com/golang/geo/r3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stereogeo/stereogeo/camera"
	"github.com/stereogeo/stereogeo/dem"
)

// Rows rendered per task; small enough to balance load across workers.
const tileRows = 32

// ImageName derives the output image name for a camera. External cameras
// keep their base name under the run prefix.
func ImageName(opts *Options, camName string, i int, external bool) string {
	if external {
		base := strings.TrimSuffix(filepath.Base(camName), filepath.Ext(camName))
		return opts.OutPrefix + "-" + base + ".asc"
	}
	return GenPrefix(opts.OutPrefix, i) + ".asc"
}

// renderRows ray-casts one horizontal band of the image. The previous
// intersection warm-starts the next ray; rays that miss the DEM or land
// off the orthoimage stay nodata.
func renderRows(opts *Options, cam *camera.Pinhole, d, ortho, out *dem.Raster,
	rowBeg, rowEnd int) {

	iopts := dem.DefaultIntersectOptions()
	iopts.HeightTol = opts.DEMHeightErrorTol

	guess := r3.Vector{}
	for row := rowBeg; row < rowEnd; row++ {
		for col := 0; col < opts.ImageSize[0]; col++ {
			ctr, dir := cam.Ray(float64(col), float64(row))
			xyz, ok := dem.IntersectRay(ctr, dir, d, guess, iopts)
			if !ok {
				guess = r3.Vector{}
				continue
			}
			guess = xyz

			llh := d.GeoRef.Datum.ECEFToGeodetic(xyz)
			ox, oy := ortho.GeoRef.LonLatToPixel(llh.X, llh.Y)
			if val, ok := ortho.InterpBicubic(ox, oy); ok {
				out.Set(col, row, val)
			}
		}
	}
}

// GenImages renders one synthetic image per camera by intersecting every
// pixel ray with the DEM and sampling the orthoimage at the hit. Bands of
// rows render in parallel.
func GenImages(ctx context.Context, opts *Options, camNames []string,
	cams []*camera.Pinhole, d, ortho *dem.Raster, external bool,
	lg *zap.SugaredLogger) error {

	if lg == nil {
		lg = zap.NewNop().Sugar()
	}

	for i, cam := range cams {
		if SkipCamera(i, opts) {
			continue
		}
		name := ImageName(opts, camNames[i], i, external)

		out, err := dem.NewRaster(opts.ImageSize[0], opts.ImageSize[1],
			ortho.Nodata, ortho.GeoRef)
		if err != nil {
			return err
		}

		g, _ := errgroup.WithContext(ctx)
		for beg := 0; beg < opts.ImageSize[1]; beg += tileRows {
			beg := beg
			end := beg + tileRows
			if end > opts.ImageSize[1] {
				end = opts.ImageSize[1]
			}
			cam := cam
			g.Go(func() error {
				renderRows(opts, cam, d, ortho, out, beg, end)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		valid := 0
		for _, v := range out.Data {
			if v != out.Nodata && !math.IsNaN(v) {
				valid++
			}
		}
		lg.Infow("writing image", "name", name,
			"validPixels", valid, "totalPixels", len(out.Data))
		if err := dem.WriteASC(name, out); err != nil {
			return err
		}
	}
	return nil
}
