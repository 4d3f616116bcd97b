package dem

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	mscanner "github.com/satoshi-pes/modscanner"
	"github.com/pkg/errors"

	"github.com/stereogeo/stereogeo/geodesy"
)

// ReadASC loads an ESRI ASCII grid. The georeference is built over the
// given datum and projection; projected units follow the projection
// (degrees for Geographic, meters for local projections).
func ReadASC(path string, datum geodesy.Datum, proj geodesy.Projection) (*Raster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open raster %s", path)
	}
	defer f.Close()

	s := mscanner.NewScanner(f)

	var (
		cols, rows           int
		xll, yll, cell       float64
		nodata               = -9999.0
		haveCols, haveRows   bool
		haveXll, haveYll     bool
		haveCell             bool
	)

	// Header: key/value lines until the first line that does not start
	// with a letter.
	var firstDataLine string
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		key := strings.ToLower(fields[0])
		if key[0] >= '0' && key[0] <= '9' || key[0] == '-' || key[0] == '+' || key[0] == '.' {
			firstDataLine = line
			break
		}
		if len(fields) != 2 {
			return nil, errors.Errorf("%s: malformed header line %q", path, line)
		}
		switch key {
		case "ncols":
			cols, err = strconv.Atoi(fields[1])
			haveCols = true
		case "nrows":
			rows, err = strconv.Atoi(fields[1])
			haveRows = true
		case "xllcorner":
			xll, err = strconv.ParseFloat(fields[1], 64)
			haveXll = true
		case "yllcorner":
			yll, err = strconv.ParseFloat(fields[1], 64)
			haveYll = true
		case "cellsize":
			cell, err = strconv.ParseFloat(fields[1], 64)
			haveCell = true
		case "nodata_value":
			nodata, err = strconv.ParseFloat(fields[1], 64)
		default:
			return nil, errors.Errorf("%s: unknown header key %q", path, fields[0])
		}
		if err != nil {
			return nil, errors.Wrapf(err, "%s: header line %q", path, line)
		}
	}
	if !haveCols || !haveRows || !haveXll || !haveYll || !haveCell {
		return nil, errors.Errorf("%s: incomplete ASCII grid header", path)
	}
	if cols <= 0 || rows <= 0 || cell <= 0 {
		return nil, errors.Errorf("%s: degenerate grid %dx%d cell %g", path, cols, rows, cell)
	}

	// Cell centers: row 0 is the top row.
	georef := &geodesy.GeoRef{
		Datum: datum,
		Proj:  proj,
		X0:    xll + 0.5*cell,
		Y0:    yll + (float64(rows)-0.5)*cell,
		Dx:    cell,
		Dy:    -cell,
	}

	r := &Raster{Cols: cols, Rows: rows, Data: make([]float64, cols*rows), Nodata: nodata, GeoRef: georef}

	idx := 0
	consume := func(line string) error {
		for _, tok := range strings.Fields(line) {
			if idx >= len(r.Data) {
				return errors.Errorf("%s: more samples than ncols*nrows", path)
			}
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				return errors.Wrapf(err, "%s: sample %d", path, idx)
			}
			r.Data[idx] = v
			idx++
		}
		return nil
	}

	if firstDataLine != "" {
		if err := consume(firstDataLine); err != nil {
			return nil, err
		}
	}
	for s.Scan() {
		if err := consume(s.Text()); err != nil {
			return nil, err
		}
	}
	if idx != len(r.Data) {
		return nil, errors.Errorf("%s: expected %d samples, got %d", path, len(r.Data), idx)
	}
	return r, nil
}

// WriteASC saves the raster as an ESRI ASCII grid.
func WriteASC(path string, r *Raster) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create raster %s", path)
	}
	defer f.Close()

	cell := r.GeoRef.Dx
	xll := r.GeoRef.X0 - 0.5*cell
	yll := r.GeoRef.Y0 + (float64(r.Rows)-0.5)*r.GeoRef.Dy

	fmt.Fprintf(f, "ncols %d\n", r.Cols)
	fmt.Fprintf(f, "nrows %d\n", r.Rows)
	fmt.Fprintf(f, "xllcorner %.12g\n", xll)
	fmt.Fprintf(f, "yllcorner %.12g\n", yll)
	fmt.Fprintf(f, "cellsize %.12g\n", cell)
	fmt.Fprintf(f, "NODATA_value %.12g\n", r.Nodata)

	var sb strings.Builder
	for row := 0; row < r.Rows; row++ {
		sb.Reset()
		for col := 0; col < r.Cols; col++ {
			if col > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(strconv.FormatFloat(r.At(col, row), 'g', -1, 64))
		}
		sb.WriteByte('\n')
		if _, err := f.WriteString(sb.String()); err != nil {
			return errors.Wrapf(err, "write raster %s", path)
		}
	}
	return nil
}
