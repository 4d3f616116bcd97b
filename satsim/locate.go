package satsim

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/stereogeo/stereogeo/bundle"
	"github.com/stereogeo/stereogeo/camera"
	"github.com/stereogeo/stereogeo/dem"
	"github.com/stereogeo/stereogeo/geodesy"
)

// demPixelErr places a camera at parameter t along the projected orbit
// segment, casts its center ray at the ground, and returns the DEM pixel
// distance between the hit and the wanted pixel. Misses return the
// failure sentinel so the search keeps going.
func demPixelErr(opts *Options, d *dem.Raster, first, last r3.Vector,
	projAlong, projAcross r3.Vector, t float64,
	roll, pitch, yaw float64, pixelLoc [2]float64) float64 {

	pos, along, across := CalcTrajPtAlongAcross(first, last, d.GeoRef, t, projAlong, projAcross)
	down := along.Cross(across).Normalize()

	c2w := AssembleCam2World(along, across, down)
	r := RollPitchYaw(roll, pitch, yaw)
	var tilted, sensor mat.Dense
	tilted.Mul(c2w, r)
	sensor.Mul(&tilted, RotationXY())

	// Ray through the image center.
	camDir := camera.MatVec(&sensor, r3.Vector{Z: 1})

	iopts := dem.DefaultIntersectOptions()
	iopts.HeightTol = math.Min(opts.DEMHeightErrorTol, 1e-8)
	xyz, ok := dem.IntersectRay(pos, camDir, d, r3.Vector{}, iopts)
	if !ok {
		return bundle.BigValue
	}

	llh := d.GeoRef.Datum.ECEFToGeodetic(xyz)
	px, py := d.GeoRef.LonLatToPixel(llh.X, llh.Y)
	if !d.ContainsPixel(px, py) {
		return bundle.BigValue
	}
	return math.Hypot(px-pixelLoc[0], py-pixelLoc[1])
}

// camLocationCost adapts demPixelErr to the least-squares solver. The
// single parameter is the scaled position along the orbit segment.
type camLocationCost struct {
	opts                  *Options
	dem                   *dem.Raster
	first, last           r3.Vector
	projAlong, projAcross r3.Vector
	roll, pitch, yaw      float64
	pixelLoc              [2]float64
	paramScale            float64
}

func (c *camLocationCost) Dim() int { return 1 }

func (c *camLocationCost) Evaluate(params [][]float64, residuals []float64) bool {
	t := params[0][0] * c.paramScale
	residuals[0] = demPixelErr(c.opts, c.dem, c.first, c.last,
		c.projAlong, c.projAcross, t, c.roll, c.pitch, c.yaw, c.pixelLoc)
	return true
}

// FindBestProjCamLocation finds the camera center along the orbit, in
// projected coordinates, whose center ray lands closest to the wanted DEM
// pixel. A bracket scan locates a coarse minimum, then a one-dimensional
// least-squares refinement polishes it.
func FindBestProjCamLocation(opts *Options, d *dem.Raster,
	first, last r3.Vector, projAlong, projAcross r3.Vector,
	roll, pitch, yaw float64, pixelLoc [2]float64) (r3.Vector, error) {

	// The optimizer differentiates with steps of about eps, so scale the
	// parameter so an eps step moves the camera about one meter in orbit.
	const eps = 1e-7
	p1 := geodesy.ProjToECEF(d.GeoRef, first)
	p2 := geodesy.ProjToECEF(d.GeoRef, last)
	dist := p2.Sub(p1).Norm()
	if dist < 1.0 {
		return r3.Vector{}, errors.New("ensure that the input orbit end points are at least 1 m apart")
	}
	paramScale := 1.0 / (eps * dist)

	// Find the t spacing that moves the camera 100 m along the orbit.
	const dt = 1e-3
	a := geodesy.ProjToECEF(d.GeoRef, first.Mul(1+dt).Add(last.Mul(-dt)))
	b := geodesy.ProjToECEF(d.GeoRef, first.Mul(1-dt).Add(last.Mul(dt)))
	slope := b.Sub(a).Norm() / (2 * dt)
	spacing := 100.0 / slope

	cost := &camLocationCost{
		opts: opts, dem: d,
		first: first, last: last,
		projAlong: projAlong, projAcross: projAcross,
		roll: roll, pitch: pitch, yaw: yaw,
		pixelLoc:   pixelLoc,
		paramScale: paramScale,
	}
	evalAt := func(t float64) float64 {
		return demPixelErr(opts, d, first, last, projAlong, projAcross,
			t, roll, pitch, yaw, pixelLoc)
	}

	// Coarse scan in both directions from t = 0, stopping once a found
	// minimum no longer improves. The attempt bound covers any orbit.
	bestVal := bundle.BigValue
	bestT := 0.0
	const maxAttempts = int(1e8)
	for i := 0; i < maxAttempts; i++ {
		currBest := bestVal
		for _, j := range []float64{-1, 1} {
			t := spacing * float64(i) * j
			if val := evalAt(t); val < bestVal {
				bestVal = val
				bestT = t
			}
		}
		if currBest == bestVal && currBest < bundle.BigValue {
			break
		}
	}

	// Refine. Non-convergence is acceptable: the best iterate is kept.
	block := []float64{bestT / paramScale}
	prob := bundle.NewProblem()
	prob.AddResidualBlock(cost, nil, block)
	if _, err := prob.Solve(bundle.SolverOptions{
		MaxIterations:     100,
		FunctionTolerance: 1e-14,
		GradientTolerance: 1e-14,
		InitialLambda:     1e-3,
	}); err != nil {
		return r3.Vector{}, errors.Wrap(err, "camera location refinement")
	}

	t := block[0] * paramScale
	return first.Mul(1 - t).Add(last.Mul(t)), nil
}
