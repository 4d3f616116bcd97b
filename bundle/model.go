package bundle

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/stereogeo/stereogeo/camera"
)

// CamModel rebuilds a camera from solver parameter blocks and projects a
// world point through it. The block layout is always (point[3], pose[6],
// intrinsics...); the point block is shared between cameras observing the
// same track, the remaining blocks belong to one camera.
type CamModel interface {
	// NumIntrinsicParams is the total count of optimizable intrinsics.
	NumIntrinsicParams() int
	// BlockSizes lists the camera-owned block sizes, pose first.
	BlockSizes() []int
	// SeedParams returns freshly allocated camera-owned blocks holding
	// the model's current values, pose first.
	SeedParams() [][]float64
	// Evaluate projects blocks[0] (the point) through the camera encoded
	// in blocks[1:]. ok is false when the projection is undefined.
	Evaluate(blocks [][]float64) (pix [2]float64, ok bool)
	// CameraCenter recovers the camera center from a pose block.
	CameraCenter(pose []float64) r3.Vector
	// Update writes solved camera-owned blocks back into the wrapped
	// camera struct.
	Update(blocks [][]float64)
}

func vecOf(v []float64) r3.Vector { return r3.Vector{X: v[0], Y: v[1], Z: v[2]} }

// AdjustedModel optimizes a 6-DOF correction on top of a frozen camera of
// any kind. It owns a single pose block and no intrinsics; a non-zero
// starting adjustment (a resumed run) seeds the pose block.
type AdjustedModel struct {
	Cam *camera.Adjusted
}

func (m *AdjustedModel) NumIntrinsicParams() int { return 0 }
func (m *AdjustedModel) BlockSizes() []int       { return []int{6} }

func (m *AdjustedModel) SeedParams() [][]float64 {
	return [][]float64{m.Cam.Adj.Vector()}
}

func (m *AdjustedModel) Evaluate(blocks [][]float64) ([2]float64, bool) {
	cam := camera.Adjusted{Base: m.Cam.Base, Adj: camera.AdjustmentFromVector(blocks[1])}
	return cam.Project(vecOf(blocks[0]))
}

func (m *AdjustedModel) CameraCenter(pose []float64) r3.Vector {
	return m.Cam.Base.Center().Add(vecOf(pose))
}

func (m *AdjustedModel) Update(blocks [][]float64) {
	m.Cam.Adj = camera.AdjustmentFromVector(blocks[0])
}

// fullPose packs an absolute camera pose: center followed by the
// axis-angle of the cam-to-world rotation.
func fullPose(ctr r3.Vector, rot mat.Matrix) []float64 {
	aa := camera.MatrixToAxisAngle(rot)
	return []float64{ctr.X, ctr.Y, ctr.Z, aa.X, aa.Y, aa.Z}
}

// PinholeModel optimizes a full pinhole camera: pose, optical center,
// focal length, and the four Brown-Conrady coefficients.
type PinholeModel struct {
	Cam *camera.Pinhole
}

func (m *PinholeModel) NumIntrinsicParams() int { return 7 }
func (m *PinholeModel) BlockSizes() []int       { return []int{6, 2, 1, 4} }

func (m *PinholeModel) SeedParams() [][]float64 {
	c := m.Cam
	return [][]float64{
		fullPose(c.Ctr, c.Rotation),
		{c.OpticalCenter[0], c.OpticalCenter[1]},
		{c.FocalLength},
		{c.Distortion.K1, c.Distortion.K2, c.Distortion.P1, c.Distortion.P2},
	}
}

func (m *PinholeModel) Evaluate(blocks [][]float64) ([2]float64, bool) {
	pose, center, focus, dist := blocks[1], blocks[2], blocks[3], blocks[4]
	cam := camera.Pinhole{
		Ctr:           vecOf(pose),
		Rotation:      camera.AxisAngleToMatrix(r3.Vector{X: pose[3], Y: pose[4], Z: pose[5]}),
		FocalLength:   focus[0],
		OpticalCenter: [2]float64{center[0], center[1]},
		Distortion:    camera.BrownConrady{K1: dist[0], K2: dist[1], P1: dist[2], P2: dist[3]},
	}
	return cam.Project(vecOf(blocks[0]))
}

func (m *PinholeModel) CameraCenter(pose []float64) r3.Vector { return vecOf(pose) }

func (m *PinholeModel) Update(blocks [][]float64) {
	pose, center, focus, dist := blocks[0], blocks[1], blocks[2], blocks[3]
	c := m.Cam
	c.Ctr = vecOf(pose)
	c.Rotation = camera.AxisAngleToMatrix(r3.Vector{X: pose[3], Y: pose[4], Z: pose[5]})
	c.OpticalCenter = [2]float64{center[0], center[1]}
	c.FocalLength = focus[0]
	c.Distortion = camera.BrownConrady{K1: dist[0], K2: dist[1], P1: dist[2], P2: dist[3]}
}

// OpticalBarModel optimizes a panoramic optical-bar camera. The scan rate
// and motion compensation factor travel in the distortion block.
type OpticalBarModel struct {
	Cam *camera.OpticalBar
}

func (m *OpticalBarModel) NumIntrinsicParams() int { return 5 }
func (m *OpticalBarModel) BlockSizes() []int       { return []int{6, 2, 1, 2} }

func (m *OpticalBarModel) SeedParams() [][]float64 {
	c := m.Cam
	return [][]float64{
		fullPose(c.Ctr, c.Rotation),
		{c.OpticalCenter[0], c.OpticalCenter[1]},
		{c.FocalLength},
		{c.ScanRate, c.MotionCompensation},
	}
}

func (m *OpticalBarModel) Evaluate(blocks [][]float64) ([2]float64, bool) {
	pose, center, focus, bar := blocks[1], blocks[2], blocks[3], blocks[4]
	cam := camera.OpticalBar{
		Ctr:                vecOf(pose),
		Rotation:           camera.AxisAngleToMatrix(r3.Vector{X: pose[3], Y: pose[4], Z: pose[5]}),
		FocalLength:        focus[0],
		OpticalCenter:      [2]float64{center[0], center[1]},
		ScanRate:           bar[0],
		MotionCompensation: bar[1],
	}
	return cam.Project(vecOf(blocks[0]))
}

func (m *OpticalBarModel) CameraCenter(pose []float64) r3.Vector { return vecOf(pose) }

func (m *OpticalBarModel) Update(blocks [][]float64) {
	pose, center, focus, bar := blocks[0], blocks[1], blocks[2], blocks[3]
	c := m.Cam
	c.Ctr = vecOf(pose)
	c.Rotation = camera.AxisAngleToMatrix(r3.Vector{X: pose[3], Y: pose[4], Z: pose[5]})
	c.OpticalCenter = [2]float64{center[0], center[1]}
	c.FocalLength = focus[0]
	c.ScanRate = bar[0]
	c.MotionCompensation = bar[1]
}

// FrameModel optimizes a generic frame camera whose distortion block
// length follows the model's radial polynomial.
type FrameModel struct {
	Cam *camera.Frame
}

func (m *FrameModel) NumIntrinsicParams() int { return 3 + len(m.Cam.Distortion) }

func (m *FrameModel) BlockSizes() []int {
	return []int{6, 2, 1, len(m.Cam.Distortion)}
}

func (m *FrameModel) SeedParams() [][]float64 {
	c := m.Cam
	dist := make([]float64, len(c.Distortion))
	copy(dist, c.Distortion)
	return [][]float64{
		fullPose(c.Ctr, c.Rotation),
		{c.OpticalCenter[0], c.OpticalCenter[1]},
		{c.FocalLength},
		dist,
	}
}

func (m *FrameModel) Evaluate(blocks [][]float64) ([2]float64, bool) {
	pose, center, focus, dist := blocks[1], blocks[2], blocks[3], blocks[4]
	cam := camera.Frame{
		Ctr:           vecOf(pose),
		Rotation:      camera.AxisAngleToMatrix(r3.Vector{X: pose[3], Y: pose[4], Z: pose[5]}),
		FocalLength:   focus[0],
		OpticalCenter: [2]float64{center[0], center[1]},
		Distortion:    dist,
	}
	return cam.Project(vecOf(blocks[0]))
}

func (m *FrameModel) CameraCenter(pose []float64) r3.Vector { return vecOf(pose) }

func (m *FrameModel) Update(blocks [][]float64) {
	pose, center, focus, dist := blocks[0], blocks[1], blocks[2], blocks[3]
	c := m.Cam
	c.Ctr = vecOf(pose)
	c.Rotation = camera.AxisAngleToMatrix(r3.Vector{X: pose[3], Y: pose[4], Z: pose[5]})
	c.OpticalCenter = [2]float64{center[0], center[1]}
	c.FocalLength = focus[0]
	copy(c.Distortion, dist)
}
