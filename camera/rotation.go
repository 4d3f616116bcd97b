// Package camera implements the camera models used by the bundle
// adjustment and satellite simulation code: a pinhole model with
// Brown-Conrady lens distortion, a panoramic optical-bar model, a generic
// frame model with a free-length distortion polynomial, and a 6-DOF
// adjustment wrapper over any of them. Cameras are stored on disk in a
// plain-text tsai-style format.
package camera

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// MatVec applies a 3x3 matrix to a vector.
func MatVec(m mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

// MatTVec applies the transpose of a 3x3 matrix to a vector.
func MatTVec(m mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(1, 0)*v.Y + m.At(2, 0)*v.Z,
		Y: m.At(0, 1)*v.X + m.At(1, 1)*v.Y + m.At(2, 1)*v.Z,
		Z: m.At(0, 2)*v.X + m.At(1, 2)*v.Y + m.At(2, 2)*v.Z,
	}
}

// Identity3 returns a new 3x3 identity matrix.
func Identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

// MatrixToAxisAngle converts a rotation matrix to its axis-angle vector.
// Inverse of AxisAngleToMatrix up to the angle wrapping at pi.
func MatrixToAxisAngle(m mat.Matrix) r3.Vector {
	tr := m.At(0, 0) + m.At(1, 1) + m.At(2, 2)
	cosA := (tr - 1.0) / 2.0
	if cosA > 1 {
		cosA = 1
	} else if cosA < -1 {
		cosA = -1
	}
	angle := math.Acos(cosA)
	if angle < 1e-12 {
		return r3.Vector{}
	}
	if math.Pi-angle < 1e-6 {
		// Near pi the antisymmetric part vanishes; recover the axis from
		// the diagonal of m = 2*k*k^T - I.
		k := r3.Vector{
			X: math.Sqrt(math.Max(0, (m.At(0, 0)+1)/2)),
			Y: math.Sqrt(math.Max(0, (m.At(1, 1)+1)/2)),
			Z: math.Sqrt(math.Max(0, (m.At(2, 2)+1)/2)),
		}
		if m.At(0, 1) < 0 {
			k.Y = -k.Y
		}
		if m.At(0, 2) < 0 {
			k.Z = -k.Z
		}
		return k.Normalize().Mul(angle)
	}
	s := 2.0 * math.Sin(angle)
	return r3.Vector{
		X: (m.At(2, 1) - m.At(1, 2)) / s,
		Y: (m.At(0, 2) - m.At(2, 0)) / s,
		Z: (m.At(1, 0) - m.At(0, 1)) / s,
	}.Mul(angle)
}

// AxisAngleToMatrix converts an axis-angle vector (direction = axis,
// norm = angle in radians) to a rotation matrix via Rodrigues' formula.
func AxisAngleToMatrix(aa r3.Vector) *mat.Dense {
	angle := aa.Norm()
	if angle < 1e-14 {
		return Identity3()
	}
	k := aa.Mul(1.0 / angle)
	s, c := math.Sincos(angle)
	oc := 1.0 - c

	return mat.NewDense(3, 3, []float64{
		c + k.X*k.X*oc, k.X*k.Y*oc - k.Z*s, k.X*k.Z*oc + k.Y*s,
		k.Y*k.X*oc + k.Z*s, c + k.Y*k.Y*oc, k.Y*k.Z*oc - k.X*s,
		k.Z*k.X*oc - k.Y*s, k.Z*k.Y*oc + k.X*s, c + k.Z*k.Z*oc,
	})
}
