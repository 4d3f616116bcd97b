package pointcloud

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	mscanner "github.com/satoshi-pes/modscanner"
	"gonum.org/v1/gonum/mat"

	"github.com/stereogeo/stereogeo/camera"
)

// Transforms are rigid maps stored as 4x4 homogeneous matrices with the
// last row (0 0 0 1).

// IdentityTransform returns a new 4x4 identity.
func IdentityTransform() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

// NewTransform packs a rotation and translation into a 4x4 matrix.
func NewTransform(rot mat.Matrix, t r3.Vector) *mat.Dense {
	m := IdentityTransform()
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			m.Set(row, col, rot.At(row, col))
		}
	}
	m.Set(0, 3, t.X)
	m.Set(1, 3, t.Y)
	m.Set(2, 3, t.Z)
	return m
}

// TransformPoint applies a 4x4 transform to a point.
func TransformPoint(m mat.Matrix, p r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*p.X + m.At(0, 1)*p.Y + m.At(0, 2)*p.Z + m.At(0, 3),
		Y: m.At(1, 0)*p.X + m.At(1, 1)*p.Y + m.At(1, 2)*p.Z + m.At(1, 3),
		Z: m.At(2, 0)*p.X + m.At(2, 1)*p.Y + m.At(2, 2)*p.Z + m.At(2, 3),
	}
}

// Compose returns a*b, the transform applying b first.
func Compose(a, b mat.Matrix) *mat.Dense {
	var m mat.Dense
	m.Mul(a, b)
	return &m
}

// Rotation extracts the 3x3 rotation part.
func Rotation(m mat.Matrix) *mat.Dense {
	r := camera.Identity3()
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			r.Set(row, col, m.At(row, col))
		}
	}
	return r
}

// Translation extracts the translation part.
func Translation(m mat.Matrix) r3.Vector {
	return r3.Vector{X: m.At(0, 3), Y: m.At(1, 3), Z: m.At(2, 3)}
}

// ApplyShift rewrites a transform T(x) = A x + b so it acts on
// coordinates shifted by s: the returned transform is
// x -> A x + (b + A s - s). Passing the negated shift converts a
// transform estimated in shifted coordinates back to global ones.
func ApplyShift(m mat.Matrix, shift r3.Vector) *mat.Dense {
	rot := Rotation(m)
	b := Translation(m)
	nb := b.Add(camera.MatVec(rot, shift)).Sub(shift)
	return NewTransform(rot, nb)
}

// ApplyTransform maps every valid point of a cloud in place. The shift is
// honored: points are unshifted, transformed, and reshifted.
func ApplyTransform(c *Cloud, m mat.Matrix) {
	for i, p := range c.Points {
		if !IsValid(p) {
			continue
		}
		c.Points[i] = TransformPoint(m, p.Add(c.Shift)).Sub(c.Shift)
	}
}

// WriteTransform saves a 4x4 transform as four text rows.
func WriteTransform(path string, m mat.Matrix) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create transform %s", path)
	}
	defer f.Close()

	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			if col > 0 {
				fmt.Fprint(f, " ")
			}
			fmt.Fprintf(f, "%.17g", m.At(row, col))
		}
		fmt.Fprintln(f)
	}
	return nil
}

// ReadTransform loads a 4x4 transform saved by WriteTransform.
func ReadTransform(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open transform %s", path)
	}
	defer f.Close()

	var vals []float64
	s := mscanner.NewScanner(f)
	for s.Scan() {
		for _, tok := range strings.Fields(s.Text()) {
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "transform %s", path)
			}
			vals = append(vals, v)
		}
	}
	if len(vals) != 16 {
		return nil, errors.Errorf("transform %s: want 16 values, got %d", path, len(vals))
	}
	return mat.NewDense(4, 4, vals), nil
}
