package bundle

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/stereogeo/stereogeo/camera"
	"github.com/stereogeo/stereogeo/dem"
	"github.com/stereogeo/stereogeo/geodesy"
)

// BigValue marks residuals whose underlying projection failed. It is
// large enough to dominate any genuine residual while staying finite, so
// the solver keeps iterating instead of aborting.
const BigValue = 1e+100

// ReprojectionError compares a pixel observation against the projection
// of a track point through a camera. Blocks: point, then the camera's own
// blocks per its CamModel.
type ReprojectionError struct {
	Observation [2]float64
	Sigma       [2]float64
	Model       CamModel
}

func (e *ReprojectionError) Dim() int { return 2 }

func (e *ReprojectionError) Evaluate(params [][]float64, residuals []float64) bool {
	pix, ok := e.Model.Evaluate(params)
	if !ok {
		residuals[0] = BigValue
		residuals[1] = BigValue
		return true
	}
	residuals[0] = (e.Observation[0] - pix[0]) / e.Sigma[0]
	residuals[1] = (e.Observation[1] - pix[1]) / e.Sigma[1]
	return true
}

// DispXYZError ties a camera pair to a reference terrain point through a
// stereo disparity: the reference point is projected into the left image,
// shifted by the disparity looked up there, and compared against its
// projection into the right image. Blocks: the left camera's own blocks
// followed by the right camera's own blocks; the reference point itself
// is frozen data, not a parameter.
type DispXYZError struct {
	RefXYZ       r3.Vector
	Disp         *dem.Disparity
	Left, Right  CamModel
	Weight       float64
	MaxDispError float64 // clamp per residual component, in pixels
}

func (e *DispXYZError) Dim() int { return 2 }

func (e *DispXYZError) Evaluate(params [][]float64, residuals []float64) bool {
	residuals[0] = 0
	residuals[1] = 0

	nLeft := len(e.Left.BlockSizes())
	point := []float64{e.RefXYZ.X, e.RefXYZ.Y, e.RefXYZ.Z}

	leftBlocks := make([][]float64, 0, nLeft+1)
	leftBlocks = append(leftBlocks, point)
	leftBlocks = append(leftBlocks, params[:nLeft]...)
	lp, ok := e.Left.Evaluate(leftBlocks)
	if !ok {
		return true
	}
	dx, dy, ok := e.Disp.Lookup(lp[0], lp[1])
	if !ok {
		return true
	}

	rightBlocks := make([][]float64, 0, len(params)-nLeft+1)
	rightBlocks = append(rightBlocks, point)
	rightBlocks = append(rightBlocks, params[nLeft:]...)
	rp, ok := e.Right.Evaluate(rightBlocks)
	if !ok {
		return true
	}

	limit := e.Weight * e.MaxDispError
	residuals[0] = clamp(e.Weight*(lp[0]+dx-rp[0]), -limit, limit)
	residuals[1] = clamp(e.Weight*(lp[1]+dy-rp[1]), -limit, limit)
	return true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// LLHError pins a point block to a geodetic observation, one residual per
// lon/lat/height component. Blocks: point.
type LLHError struct {
	ObsLLH r3.Vector // lon (deg), lat (deg), height (m)
	Sigma  r3.Vector
	Datum  geodesy.Datum
}

func (e *LLHError) Dim() int { return 3 }

func (e *LLHError) Evaluate(params [][]float64, residuals []float64) bool {
	llh := e.Datum.ECEFToGeodetic(vecOf(params[0]))
	residuals[0] = (e.ObsLLH.X - llh.X) / e.Sigma.X
	residuals[1] = (e.ObsLLH.Y - llh.Y) / e.Sigma.Y
	residuals[2] = (e.ObsLLH.Z - llh.Z) / e.Sigma.Z
	return true
}

// XYZError pins a point block to a Cartesian observation. Blocks: point.
type XYZError struct {
	Obs   r3.Vector
	Sigma r3.Vector
}

func (e *XYZError) Dim() int { return 3 }

func (e *XYZError) Evaluate(params [][]float64, residuals []float64) bool {
	residuals[0] = (e.Obs.X - params[0][0]) / e.Sigma.X
	residuals[1] = (e.Obs.Y - params[0][1]) / e.Sigma.Y
	residuals[2] = (e.Obs.Z - params[0][2]) / e.Sigma.Z
	return true
}

// Weights applied to camera regularization residuals. Rotation entries
// are weighted much harder than position since a radian of rotation moves
// pixels far more than a meter of translation.
const (
	camPositionWeight = 1e-2
	camRotationWeight = 5e1
)

// CamError penalizes departure of a pose block from its initial value
// with fixed position and rotation weights. Blocks: pose.
type CamError struct {
	Orig   []float64 // 6 values, the initial pose block
	Weight float64
}

func (e *CamError) Dim() int { return 6 }

func (e *CamError) Evaluate(params [][]float64, residuals []float64) bool {
	for i := 0; i < 3; i++ {
		residuals[i] = e.Weight * camPositionWeight * (params[0][i] - e.Orig[i])
	}
	for i := 3; i < 6; i++ {
		residuals[i] = e.Weight * camRotationWeight * (params[0][i] - e.Orig[i])
	}
	return true
}

// RotTransError is CamError with caller-chosen weights for the rotation
// and translation halves. Blocks: pose.
type RotTransError struct {
	Orig              []float64
	RotationWeight    float64
	TranslationWeight float64
}

func (e *RotTransError) Dim() int { return 6 }

func (e *RotTransError) Evaluate(params [][]float64, residuals []float64) bool {
	for i := 0; i < 3; i++ {
		residuals[i] = e.TranslationWeight * (params[0][i] - e.Orig[i])
	}
	for i := 3; i < 6; i++ {
		residuals[i] = e.RotationWeight * (params[0][i] - e.Orig[i])
	}
	return true
}

// CamUncertaintyError penalizes camera center displacement beyond stated
// horizontal and vertical uncertainties. The ECEF displacement is rotated
// into the local north-east-down frame at the camera, and each component
// contributes (d/u)^Power scaled by the camera's pixel observation count
// so the constraint keeps up with the reprojection terms. Blocks: pose.
type CamUncertaintyError struct {
	Orig        []float64  // initial pose block
	Uncertainty [2]float64 // horizontal, vertical, meters
	NumPixelObs int
	EcefToNED   *mat.Dense
	Power       float64
}

func (e *CamUncertaintyError) Dim() int { return 2 }

func (e *CamUncertaintyError) Evaluate(params [][]float64, residuals []float64) bool {
	d := r3.Vector{
		X: params[0][0] - e.Orig[0],
		Y: params[0][1] - e.Orig[1],
		Z: params[0][2] - e.Orig[2],
	}
	ned := camera.MatVec(e.EcefToNED, d)
	horiz := math.Hypot(ned.X, ned.Y)
	vert := math.Abs(ned.Z)

	scale := float64(e.NumPixelObs)
	residuals[0] = scale * math.Pow(horiz/e.Uncertainty[0], e.Power)
	residuals[1] = scale * math.Pow(vert/e.Uncertainty[1], e.Power)
	return true
}
