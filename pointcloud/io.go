package pointcloud

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/EliCDavis/polyform/formats/ply"
	"github.com/EliCDavis/polyform/modeling"
	"github.com/EliCDavis/vector/vector3"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	mscanner "github.com/satoshi-pes/modscanner"

	"github.com/stereogeo/stereogeo/dem"
	"github.com/stereogeo/stereogeo/geodesy"
)

var logger = log.New(os.Stderr, "", log.LstdFlags|log.Lshortfile)

// LoadOptions controls cloud loading.
type LoadOptions struct {
	// MaxPoints caps how many points are kept; 0 means no cap. Capping
	// keeps every k-th point so the spatial extent survives.
	MaxPoints int
	// BBox, when non-empty, drops points outside it.
	BBox LonLatBBox
	// HeightDEM, when set, replaces each point's height with the DEM's
	// interpolated terrain height; points outside the DEM are dropped.
	HeightDEM *dem.Raster
	Datum     geodesy.Datum
	// CSVFormat selects the column meaning: "lon-lat-height" (default)
	// or "xyz" for raw ECEF.
	CSVFormat string
}

// Load reads a cloud from a PLY file, a CSV file, or an ASCII-grid DEM,
// picking the reader by extension. The shift is derived from the first
// valid point.
func Load(path string, opts LoadOptions) (*Cloud, error) {
	var raw []r3.Vector
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ply":
		raw, err = readPLYPoints(path)
	case ".csv", ".txt":
		raw, err = readCSVPoints(path, opts)
	case ".asc":
		raw, err = readDEMPoints(path, opts.Datum)
	default:
		err = errors.Errorf("unsupported cloud format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	if opts.HeightDEM != nil {
		kept := raw[:0]
		for _, p := range raw {
			llh := opts.Datum.ECEFToGeodetic(p)
			h, ok := opts.HeightDEM.HeightAtLonLat(llh.X, llh.Y)
			if !ok {
				continue
			}
			kept = append(kept, opts.Datum.GeodeticToECEF(r3.Vector{X: llh.X, Y: llh.Y, Z: h}))
		}
		if len(kept) < len(raw) {
			logger.Printf("%s: dropped %d points outside the height DEM", path, len(raw)-len(kept))
		}
		raw = kept
	}
	if !opts.BBox.Empty() && (opts.BBox != LonLatBBox{}) {
		kept := raw[:0]
		for _, p := range raw {
			llh := opts.Datum.ECEFToGeodetic(p)
			if opts.BBox.Contains(llh.X, llh.Y) {
				kept = append(kept, p)
			}
		}
		raw = kept
	}
	if opts.MaxPoints > 0 && len(raw) > opts.MaxPoints {
		step := (len(raw) + opts.MaxPoints - 1) / opts.MaxPoints
		kept := raw[:0]
		for i := 0; i < len(raw); i += step {
			kept = append(kept, raw[i])
		}
		logger.Printf("%s: thinned to %d of the loaded points", path, len(kept))
		raw = kept
	}
	if len(raw) == 0 {
		return nil, errors.Errorf("cloud %s: no valid points were found", path)
	}

	c := &Cloud{Shift: ShiftFor(raw[0])}
	for _, p := range raw {
		c.Points = append(c.Points, p.Sub(c.Shift))
	}
	return c, nil
}

func readPLYPoints(path string) ([]r3.Vector, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open cloud %s", path)
	}
	defer f.Close()

	mesh, err := ply.ReadMesh(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read ply %s", path)
	}
	positions := mesh.View().Float3Data[modeling.PositionAttribute]
	pts := make([]r3.Vector, 0, len(positions))
	for _, v := range positions {
		p := r3.Vector{X: v.X(), Y: v.Y(), Z: v.Z()}
		if !IsValid(p) {
			continue
		}
		pts = append(pts, p)
	}
	return pts, nil
}

// WritePLY saves a cloud (unshifted coordinates) as a binary PLY.
func WritePLY(path string, c *Cloud) error {
	positions := make([]vector3.Float64, 0, len(c.Points))
	for _, p := range c.Points {
		if !IsValid(p) {
			continue
		}
		w := p.Add(c.Shift)
		positions = append(positions, vector3.New(w.X, w.Y, w.Z))
	}
	pc := modeling.NewPointCloud(
		map[string][]vector3.Vector[float64]{
			modeling.PositionAttribute: positions,
		},
		nil,
		nil,
		nil,
	)

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create cloud %s", path)
	}
	defer f.Close()
	return errors.Wrapf(ply.WriteBinary(f, pc), "write ply %s", path)
}

func readCSVPoints(path string, opts LoadOptions) ([]r3.Vector, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open cloud %s", path)
	}
	defer f.Close()

	format := opts.CSVFormat
	if format == "" {
		format = "lon-lat-height"
	}

	var pts []r3.Vector
	lineNum := 0
	s := mscanner.NewScanner(f)
	for s.Scan() {
		lineNum++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		if len(fields) < 3 {
			return nil, errors.Errorf("%s:%d: need 3 columns, got %d", path, lineNum, len(fields))
		}
		var vals [3]float64
		for i := 0; i < 3; i++ {
			vals[i], err = strconv.ParseFloat(fields[i], 64)
			if err != nil {
				return nil, errors.Wrapf(err, "%s:%d", path, lineNum)
			}
		}

		var p r3.Vector
		switch format {
		case "lon-lat-height":
			p = opts.Datum.GeodeticToECEF(r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]})
		case "xyz":
			p = r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]}
		default:
			return nil, errors.Errorf("unknown csv format %q", format)
		}
		if IsValid(p) {
			pts = append(pts, p)
		}
	}
	return pts, nil
}

// readDEMPoints turns every valid DEM sample into an ECEF point.
func readDEMPoints(path string, datum geodesy.Datum) ([]r3.Vector, error) {
	r, err := dem.ReadASC(path, datum, geodesy.Geographic{})
	if err != nil {
		return nil, err
	}
	var pts []r3.Vector
	for row := 0; row < r.Rows; row++ {
		for col := 0; col < r.Cols; col++ {
			if !r.Valid(col, row) {
				continue
			}
			x, y := r.GeoRef.PixelToPoint(float64(col), float64(row))
			pts = append(pts, geodesy.ProjToECEF(r.GeoRef, r3.Vector{X: x, Y: y, Z: r.At(col, row)}))
		}
	}
	return pts, nil
}

// WriteCSV saves a cloud as lon,lat,height rows.
func WriteCSV(path string, c *Cloud, datum geodesy.Datum) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create cloud %s", path)
	}
	defer f.Close()

	fmt.Fprintln(f, "# lon (deg), lat (deg), height (m)")
	for _, p := range c.Points {
		if !IsValid(p) {
			continue
		}
		llh := datum.ECEFToGeodetic(p.Add(c.Shift))
		fmt.Fprintf(f, "%.12f, %.12f, %.6f\n", llh.X, llh.Y, llh.Z)
	}
	return nil
}
