package camera

import (
	"fmt"
	"os"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	mscanner "github.com/satoshi-pes/modscanner"
)

// Adjustment is a 6-DOF correction applied on top of an existing camera:
// a translation of the camera center and a rotation (axis-angle) about
// the original center. The zero adjustment is the identity.
type Adjustment struct {
	Translation r3.Vector
	Rotation    r3.Vector // axis-angle, radians
}

// AdjustmentFromVector unpacks the solver's 6-element layout
// (tx, ty, tz, rx, ry, rz).
func AdjustmentFromVector(v []float64) Adjustment {
	return Adjustment{
		Translation: r3.Vector{X: v[0], Y: v[1], Z: v[2]},
		Rotation:    r3.Vector{X: v[3], Y: v[4], Z: v[5]},
	}
}

// Vector packs the adjustment into the solver's 6-element layout.
func (a Adjustment) Vector() []float64 {
	return []float64{
		a.Translation.X, a.Translation.Y, a.Translation.Z,
		a.Rotation.X, a.Rotation.Y, a.Rotation.Z,
	}
}

// Adjusted wraps a camera with an Adjustment. The adjusted camera sees
// the world through the moved and rotated pose of the base camera; the
// rotation pivots about the base camera center.
type Adjusted struct {
	Base Model
	Adj  Adjustment
}

// NewAdjusted wraps base with the zero adjustment.
func NewAdjusted(base Model) *Adjusted {
	return &Adjusted{Base: base}
}

func (c *Adjusted) Center() r3.Vector {
	return c.Base.Center().Add(c.Adj.Translation)
}

// worldToBase maps a world point into the coordinate frame the base
// camera should project: undo the translation, then the rotation about
// the original center.
func (c *Adjusted) worldToBase(p r3.Vector) r3.Vector {
	pivot := c.Base.Center()
	r := AxisAngleToMatrix(c.Adj.Rotation)
	return MatTVec(r, p.Sub(c.Adj.Translation).Sub(pivot)).Add(pivot)
}

// Project maps a world point through the adjusted pose.
func (c *Adjusted) Project(p r3.Vector) ([2]float64, bool) {
	return c.Base.Project(c.worldToBase(p))
}

// Ray casts the pixel ray of the base camera through the adjusted pose.
func (c *Adjusted) Ray(px, py float64) (r3.Vector, r3.Vector) {
	ctr, dir := c.Base.Ray(px, py)
	pivot := c.Base.Center()
	r := AxisAngleToMatrix(c.Adj.Rotation)
	ctr = MatVec(r, ctr.Sub(pivot)).Add(pivot).Add(c.Adj.Translation)
	return ctr, MatVec(r, dir)
}

// Adjustment file layout:
//
//	ADJUSTMENT
//	T = tx ty tz
//	R = rx ry rz

// WriteAdjustment saves an adjustment next to the camera it corrects.
func WriteAdjustment(path string, a Adjustment) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create adjustment file %s", path)
	}
	defer f.Close()

	fmt.Fprintln(f, "ADJUSTMENT")
	fmt.Fprintf(f, "T = %.17g %.17g %.17g\n",
		a.Translation.X, a.Translation.Y, a.Translation.Z)
	fmt.Fprintf(f, "R = %.17g %.17g %.17g\n",
		a.Rotation.X, a.Rotation.Y, a.Rotation.Z)
	return nil
}

// ReadAdjustment loads an adjustment saved by a previous run.
func ReadAdjustment(path string) (Adjustment, error) {
	f, err := os.Open(path)
	if err != nil {
		return Adjustment{}, errors.Wrapf(err, "open adjustment file %s", path)
	}
	defer f.Close()

	var a Adjustment
	var haveT, haveR bool
	s := mscanner.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || line == "ADJUSTMENT" || strings.HasPrefix(line, "#") {
			continue
		}
		key, vals, err := splitKeyValues(line)
		if err != nil {
			return Adjustment{}, errors.Wrapf(err, "adjustment file %s", path)
		}
		if len(vals) != 3 {
			return Adjustment{}, errors.Errorf("adjustment file %s: %s needs 3 values", path, key)
		}
		switch key {
		case "T":
			a.Translation = r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]}
			haveT = true
		case "R":
			a.Rotation = r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]}
			haveR = true
		default:
			logger.Printf("warning: %s: unknown adjustment field %q", path, key)
		}
	}
	if !haveT || !haveR {
		return Adjustment{}, errors.Errorf("adjustment file %s: missing T or R", path)
	}
	return a, nil
}
