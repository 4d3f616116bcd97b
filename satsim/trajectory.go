package satsim

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/stereogeo/stereogeo/camera"
	"github.com/stereogeo/stereogeo/dem"
	"github.com/stereogeo/stereogeo/geodesy"
)

// projDelta converts directions from projected space to ECEF with a
// centered difference. Smaller values lose precision in ECEF.
const projDelta = 0.01 // meters

// orbitSamples is the sample count used to measure orbit arc length.
const orbitSamples = 100000

// RotationXY rotates the camera frame in the image plane so the along
// direction becomes the camera y axis.
func RotationXY() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, 1, 0,
		-1, 0, 0,
		0, 0, 1,
	})
}

// RollPitchYaw builds a rotation from angles in degrees: roll about x,
// pitch about y, yaw about z, composed as Rz(yaw) Ry(pitch) Rx(roll).
func RollPitchYaw(rollDeg, pitchDeg, yawDeg float64) *mat.Dense {
	r := rollDeg * math.Pi / 180
	p := pitchDeg * math.Pi / 180
	y := yawDeg * math.Pi / 180

	sr, cr := math.Sincos(r)
	sp, cp := math.Sincos(p)
	sy, cy := math.Sincos(y)

	rx := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, cr, -sr,
		0, sr, cr,
	})
	ry := mat.NewDense(3, 3, []float64{
		cp, 0, sp,
		0, 1, 0,
		-sp, 0, cp,
	})
	rz := mat.NewDense(3, 3, []float64{
		cy, -sy, 0,
		sy, cy, 0,
		0, 0, 1,
	})

	var zy, zyx mat.Dense
	zy.Mul(rz, ry)
	zyx.Mul(&zy, rx)
	out := camera.Identity3()
	out.Copy(&zyx)
	return out
}

// AssembleCam2World places the along, across, and down vectors as the
// columns of the camera-to-world rotation.
func AssembleCam2World(along, across, down r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		along.X, across.X, down.X,
		along.Y, across.Y, down.Y,
		along.Z, across.Z, down.Z,
	})
}

// CalcTrajPtAlongAcross computes the trajectory point at parameter t on
// the projected segment between first and last, plus the normalized
// along-track and across-track directions in ECEF. Centered differences
// in projected space carry the directions through the nonlinear map.
func CalcTrajPtAlongAcross(first, last r3.Vector, g *geodesy.GeoRef,
	t float64, projAlong, projAcross r3.Vector) (pos, along, across r3.Vector) {

	p := first.Mul(1 - t).Add(last.Mul(t))

	l1 := p.Sub(projAlong.Mul(projDelta))
	l2 := p.Add(projAlong.Mul(projDelta))
	c1 := p.Sub(projAcross.Mul(projDelta))
	c2 := p.Add(projAcross.Mul(projDelta))

	pos = geodesy.ProjToECEF(g, p)
	along = geodesy.ProjToECEF(g, l2).Sub(geodesy.ProjToECEF(g, l1)).Normalize()
	across = geodesy.ProjToECEF(g, c2).Sub(geodesy.ProjToECEF(g, c1)).Normalize()

	// Force across to be perpendicular to along.
	across = across.Sub(along.Mul(along.Dot(across))).Normalize()
	return pos, along, across
}

// CalcOrbitLength measures the ECEF arc length of the projected segment
// between two trajectory points by dense sampling.
func CalcOrbitLength(first, last r3.Vector, g *geodesy.GeoRef, samples int) float64 {
	if samples < 2 {
		samples = 2
	}
	beg := geodesy.ProjToECEF(g, first)
	length := 0.0
	for i := 1; i < samples; i++ {
		t := float64(i) / float64(samples-1)
		end := geodesy.ProjToECEF(g, first.Add(last.Sub(first).Mul(t)))
		length += end.Sub(beg).Norm()
		beg = end
	}
	return length
}

// Trajectory holds the synthesized camera positions and orientations.
// RefCam2World is the orientation before roll/pitch/yaw, jitter, and the
// sensor-frame rotation are applied.
type Trajectory struct {
	Positions    []r3.Vector
	Cam2World    []*mat.Dense
	RefCam2World []*mat.Dense
}

// projEndpoints converts the configured camera endpoints from DEM pixels
// plus height to projected coordinates.
func projEndpoints(opts *Options, d *dem.Raster) (first, last r3.Vector) {
	x, y := d.GeoRef.PixelToPoint(opts.First[0], opts.First[1])
	first = r3.Vector{X: x, Y: y, Z: opts.First[2]}
	x, y = d.GeoRef.PixelToPoint(opts.Last[0], opts.Last[1])
	last = r3.Vector{X: x, Y: y, Z: opts.Last[2]}
	return first, last
}

// CalcTrajectory computes the camera positions and orientations for all
// cameras of a run. The trajectory is a straight segment in projected
// coordinates; in ground-locked modes the endpoints are adjusted first.
func CalcTrajectory(opts Options, d *dem.Raster) (*Trajectory, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	firstProj, lastProj := projEndpoints(&opts, d)

	projAlong := lastProj.Sub(firstProj)
	if projAlong == (r3.Vector{}) {
		return nil, errors.New("the first and last camera positions are the same")
	}
	projAlong = projAlong.Normalize()
	if math.Max(math.Abs(projAlong.X), math.Abs(projAlong.Y)) < 1e-6 {
		return nil, errors.New("the satellite is aiming for the ground or the orbital segment is too short; correct the orbit end points")
	}
	projAcross := projAlong.Cross(r3.Vector{Z: 1}).Normalize()

	haveGround := opts.HaveGroundPos()
	haveRPY := opts.HaveRollPitchYaw()

	// The jitter phase is measured from the original start of the orbit
	// so different segments of one orbit stay in phase.
	origFirstProj := firstProj

	if haveGround && haveRPY {
		first, err := FindBestProjCamLocation(&opts, d, firstProj, lastProj,
			projAlong, projAcross, opts.Roll, opts.Pitch, opts.Yaw, opts.FirstGroundPos)
		if err != nil {
			return nil, errors.Wrap(err, "first camera placement")
		}
		last, err := FindBestProjCamLocation(&opts, d, firstProj, lastProj,
			projAlong, projAcross, opts.Roll, opts.Pitch, opts.Yaw, opts.LastGroundPos)
		if err != nil {
			return nil, errors.Wrap(err, "last camera placement")
		}
		firstProj, lastProj = first, last
	}

	traj := &Trajectory{
		Positions:    make([]r3.Vector, opts.NumCameras),
		Cam2World:    make([]*mat.Dense, opts.NumCameras),
		RefCam2World: make([]*mat.Dense, opts.NumCameras),
	}

	for i := 0; i < opts.NumCameras; i++ {
		t := float64(i) / float64(opts.NumCameras-1)
		pos, along, across := CalcTrajPtAlongAcross(firstProj, lastProj, d.GeoRef,
			t, projAlong, projAcross)

		if haveGround && !haveRPY {
			// Lock the look direction onto the interpolated ground path;
			// the orientation then changes along the trajectory.
			groundPix := [2]float64{
				opts.FirstGroundPos[0]*(1-t) + opts.LastGroundPos[0]*t,
				opts.FirstGroundPos[1]*(1-t) + opts.LastGroundPos[1]*t,
			}
			h, ok := d.InterpBilinear(groundPix[0], groundPix[1])
			if !ok {
				return nil, errors.New("could not interpolate into the DEM along the ground path")
			}
			gx, gy := d.GeoRef.PixelToPoint(groundPix[0], groundPix[1])
			g := geodesy.ProjToECEF(d.GeoRef, r3.Vector{X: gx, Y: gy, Z: h})

			groundDir := g.Sub(pos)
			if groundDir.Norm() < 1e-6 {
				return nil, errors.New("the ground position is too close to the camera")
			}
			groundDir = groundDir.Normalize()
			along = along.Sub(groundDir.Mul(groundDir.Dot(along)))
			across = along.Cross(groundDir).Mul(-1)
		}

		along = along.Normalize()
		across = across.Normalize()
		across = across.Sub(along.Mul(along.Dot(across))).Normalize()
		down := along.Cross(across).Normalize()

		traj.Positions[i] = pos
		c2w := AssembleCam2World(along, across, down)
		traj.RefCam2World[i] = c2w

		var amp [3]float64
		if opts.ModelJitter() {
			currProj := firstProj.Mul(1 - t).Add(lastProj.Mul(t))
			heightAboveDatum := currProj.Z
			dist := CalcOrbitLength(origFirstProj, currProj, d.GeoRef, orbitSamples)
			period := opts.Velocity / opts.JitterFrequency // meters
			for c := 0; c < 3; c++ {
				// Angular amplitude from ground uncertainty at this height.
				a := math.Atan(opts.HorizontalUncertainty[c]/heightAboveDatum) * 180 / math.Pi
				amp[c] = a * math.Sin(dist*2*math.Pi/period)
			}
		}

		if haveRPY {
			r := RollPitchYaw(opts.Roll+amp[0], opts.Pitch+amp[1], opts.Yaw+amp[2])
			var tilted, sensor mat.Dense
			tilted.Mul(c2w, r)
			sensor.Mul(&tilted, RotationXY())
			adjusted := camera.Identity3()
			adjusted.Copy(&sensor)
			traj.Cam2World[i] = adjusted
		} else {
			traj.Cam2World[i] = c2w
		}
	}
	return traj, nil
}
