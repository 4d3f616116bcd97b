package camera

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	mscanner "github.com/satoshi-pes/modscanner"
	"gonum.org/v1/gonum/mat"
)

var logger = log.New(os.Stderr, "", log.LstdFlags|log.Lshortfile)

// Tsai file layout:
//
//	VERSION_4
//	PINHOLE
//	fu = 500
//	fv = 500
//	cu = 250
//	cv = 250
//	C = x y z
//	R = r00 r01 r02 r10 ... r22
//	pitch = 1
//	TSAI
//	k1 = 0
//	k2 = 0
//	p1 = 0
//	p2 = 0
//
// Only square-pixel cameras are written (fu == fv).

// WriteTsai saves a pinhole camera.
func WriteTsai(path string, c *Pinhole) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create camera file %s", path)
	}
	defer f.Close()

	fmt.Fprintln(f, "VERSION_4")
	fmt.Fprintln(f, "PINHOLE")
	fmt.Fprintf(f, "fu = %.17g\n", c.FocalLength)
	fmt.Fprintf(f, "fv = %.17g\n", c.FocalLength)
	fmt.Fprintf(f, "cu = %.17g\n", c.OpticalCenter[0])
	fmt.Fprintf(f, "cv = %.17g\n", c.OpticalCenter[1])
	fmt.Fprintf(f, "C = %.17g %.17g %.17g\n", c.Ctr.X, c.Ctr.Y, c.Ctr.Z)
	fmt.Fprint(f, "R =")
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			fmt.Fprintf(f, " %.17g", c.Rotation.At(row, col))
		}
	}
	fmt.Fprintln(f)
	fmt.Fprintln(f, "pitch = 1")
	fmt.Fprintln(f, "TSAI")
	fmt.Fprintf(f, "k1 = %.17g\n", c.Distortion.K1)
	fmt.Fprintf(f, "k2 = %.17g\n", c.Distortion.K2)
	fmt.Fprintf(f, "p1 = %.17g\n", c.Distortion.P1)
	fmt.Fprintf(f, "p2 = %.17g\n", c.Distortion.P2)
	return nil
}

// ReadTsai loads a pinhole camera, failing hard on missing or malformed
// files.
func ReadTsai(path string) (*Pinhole, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open camera file %s", path)
	}
	defer f.Close()

	c := &Pinhole{Rotation: Identity3()}
	var fu, fv float64
	var haveC, haveR, haveF bool

	s := mscanner.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || line == "VERSION_4" || line == "PINHOLE" || line == "TSAI" {
			continue
		}
		key, vals, err := splitKeyValues(line)
		if err != nil {
			return nil, errors.Wrapf(err, "camera file %s", path)
		}
		switch key {
		case "fu":
			fu = vals[0]
			haveF = true
		case "fv":
			fv = vals[0]
		case "cu":
			c.OpticalCenter[0] = vals[0]
		case "cv":
			c.OpticalCenter[1] = vals[0]
		case "pitch":
			if vals[0] != 1 {
				logger.Printf("warning: %s: pixel pitch %g ignored, assuming 1", path, vals[0])
			}
		case "C":
			if len(vals) != 3 {
				return nil, errors.Errorf("camera file %s: C needs 3 values", path)
			}
			c.Ctr = r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]}
			haveC = true
		case "R":
			if len(vals) != 9 {
				return nil, errors.Errorf("camera file %s: R needs 9 values", path)
			}
			c.Rotation = mat.NewDense(3, 3, vals)
			haveR = true
		case "k1":
			c.Distortion.K1 = vals[0]
		case "k2":
			c.Distortion.K2 = vals[0]
		case "p1":
			c.Distortion.P1 = vals[0]
		case "p2":
			c.Distortion.P2 = vals[0]
		default:
			logger.Printf("warning: %s: unknown camera field %q", path, key)
		}
	}
	if !haveF || !haveC || !haveR {
		return nil, errors.Errorf("camera file %s: missing fu, C, or R", path)
	}
	if fv != 0 && fv != fu {
		logger.Printf("warning: %s: fu != fv (%g vs %g), using fu", path, fu, fv)
	}
	c.FocalLength = fu
	return c, nil
}

func splitKeyValues(line string) (string, []float64, error) {
	eq := strings.IndexByte(line, '=')
	if eq < 0 {
		return "", nil, errors.Errorf("malformed line %q", line)
	}
	key := strings.TrimSpace(line[:eq])
	fields := strings.Fields(line[eq+1:])
	if len(fields) == 0 {
		return "", nil, errors.Errorf("no values on line %q", line)
	}
	vals := make([]float64, len(fields))
	for i, tok := range fields {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return "", nil, errors.Wrapf(err, "value %q on line %q", tok, line)
		}
		vals[i] = v
	}
	return key, vals, nil
}

// ReadCameraList reads a plain-text list of file names, one per line.
// Blank lines and lines starting with '#' are skipped. An empty result
// is a hard error: a run without cameras cannot produce output.
func ReadCameraList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open camera list %s", path)
	}
	defer f.Close()

	var names []string
	s := mscanner.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	if len(names) == 0 {
		return nil, errors.Errorf("camera list %s: no cameras were found", path)
	}
	return names, nil
}
