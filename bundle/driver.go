package bundle

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/stereogeo/stereogeo/dem"
	"github.com/stereogeo/stereogeo/geodesy"
)

// Options configures a full adjustment run.
type Options struct {
	Loss          string
	LossThreshold float64
	Solver        SolverOptions

	// SolveIntrinsics frees the optical center, focal length, and
	// distortion blocks of full-camera models. Without it only poses and
	// points move.
	SolveIntrinsics bool

	// FixGCPs freezes ground control points instead of merely weighting
	// them toward their surveyed positions.
	FixGCPs bool

	// UseLLHError expresses ground constraints in geodetic components
	// instead of Cartesian ones, so the vertical sigma acts on height.
	UseLLHError bool

	// CameraWeight > 0 adds a fixed-weight penalty on pose departure.
	CameraWeight float64

	// RotationWeight and TranslationWeight > 0 add a penalty with
	// separate weights for the two pose halves.
	RotationWeight    float64
	TranslationWeight float64

	// CameraPositionUncertainty, both entries > 0, bounds horizontal and
	// vertical camera displacement (meters). UncertaintyPower defaults
	// to 2.
	CameraPositionUncertainty [2]float64
	UncertaintyPower          float64

	// HeightFromDEM ties free tracks to terrain heights with weight
	// HeightFromDEMWeight.
	HeightFromDEM       *dem.Raster
	HeightFromDEMWeight float64

	// ReferenceTerrain ties the first camera pair to known terrain
	// points through Disparity. Each point is projected into camera 0,
	// carried through the disparity, and compared against its direct
	// projection into camera 1.
	ReferenceTerrain       []r3.Vector
	Disparity              *dem.Disparity
	ReferenceTerrainWeight float64
	MaxDispError           float64

	Datum geodesy.Datum
}

// Params holds the optimization state: one point block per track and the
// camera-owned blocks (pose first) per camera. The slices are the live
// solver storage, shared with the Problem.
type Params struct {
	Points [][]float64
	Cams   [][][]float64
}

// SeedParams allocates parameter blocks from the network's triangulated
// points and the models' current camera values.
func SeedParams(net *ControlNetwork, models []CamModel) *Params {
	p := &Params{
		Points: make([][]float64, len(net.Tracks)),
		Cams:   make([][][]float64, len(models)),
	}
	for i := range net.Tracks {
		pt := net.Tracks[i].Point
		p.Points[i] = []float64{pt.X, pt.Y, pt.Z}
	}
	for i, m := range models {
		p.Cams[i] = m.SeedParams()
	}
	return p
}

// Copy deep-copies the parameter state, preserving initial values for
// regularization terms and reporting.
func (p *Params) Copy() *Params {
	c := &Params{
		Points: make([][]float64, len(p.Points)),
		Cams:   make([][][]float64, len(p.Cams)),
	}
	for i, pt := range p.Points {
		c.Points[i] = append([]float64(nil), pt...)
	}
	for i, blocks := range p.Cams {
		c.Cams[i] = make([][]float64, len(blocks))
		for j, b := range blocks {
			c.Cams[i][j] = append([]float64(nil), b...)
		}
	}
	return c
}

// ResidualStats summarizes per-observation reprojection error norms in
// pixels. Failed projections are counted, not averaged.
type ResidualStats struct {
	Mean, Median, StdDev, Max float64
	NumValid, NumFailed       int
}

// Result reports a finished adjustment.
type Result struct {
	Summary            Summary
	NumGroundResiduals int
	Initial, Final     ResidualStats
}

// camBlocks prepends a point block to a camera's own blocks.
func camBlocks(point []float64, cam [][]float64) [][]float64 {
	blocks := make([][]float64, 0, len(cam)+1)
	blocks = append(blocks, point)
	return append(blocks, cam...)
}

// ReprojectionStats evaluates raw pixel reprojection errors over the
// whole network at the current parameter state.
func ReprojectionStats(net *ControlNetwork, models []CamModel, params *Params) ResidualStats {
	var norms []float64
	failed := 0
	for i := range net.Tracks {
		for _, o := range net.Tracks[i].Obs {
			m := models[o.Camera]
			pix, ok := m.Evaluate(camBlocks(params.Points[i], params.Cams[o.Camera]))
			if !ok {
				failed++
				continue
			}
			norms = append(norms, math.Hypot(pix[0]-o.Pixel[0], pix[1]-o.Pixel[1]))
		}
	}
	st := ResidualStats{NumValid: len(norms), NumFailed: failed}
	if len(norms) > 0 {
		st.Mean, _ = stats.Mean(norms)
		st.Median, _ = stats.Median(norms)
		st.StdDev, _ = stats.StandardDeviation(norms)
		st.Max, _ = stats.Max(norms)
	}
	return st
}

// AddGroundConstraints attaches GCP and DEM-height residuals to the
// problem and returns how many were added.
func AddGroundConstraints(p *Problem, net *ControlNetwork, params *Params, opts Options) (int, error) {
	count := 0
	for i := range net.Tracks {
		t := &net.Tracks[i]
		point := params.Points[i]

		if t.IsGCP {
			if opts.UseLLHError {
				p.AddResidualBlock(&LLHError{
					ObsLLH: opts.Datum.ECEFToGeodetic(t.GCP),
					Sigma:  t.GCPSigma,
					Datum:  opts.Datum,
				}, nil, point)
			} else {
				p.AddResidualBlock(&XYZError{Obs: t.GCP, Sigma: t.GCPSigma}, nil, point)
			}
			if opts.FixGCPs {
				if err := p.SetBlockConstant(point); err != nil {
					return count, err
				}
			}
			count++
			continue
		}

		if opts.HeightFromDEM != nil && opts.HeightFromDEMWeight > 0 {
			llh := opts.Datum.ECEFToGeodetic(vecOf(point))
			h, ok := opts.HeightFromDEM.HeightAtLonLat(llh.X, llh.Y)
			if !ok {
				continue
			}
			obs := opts.Datum.GeodeticToECEF(r3.Vector{X: llh.X, Y: llh.Y, Z: h})
			sigma := 1.0 / opts.HeightFromDEMWeight
			p.AddResidualBlock(&XYZError{
				Obs:   obs,
				Sigma: r3.Vector{X: sigma, Y: sigma, Z: sigma},
			}, nil, point)
			count++
		}
	}
	return count, nil
}

// Solve assembles and runs the full adjustment. On return the solved
// state has been written back into the wrapped camera structs and the
// network's track points; the raw parameter blocks are also returned.
func Solve(net *ControlNetwork, models []CamModel, opts Options, lg *zap.SugaredLogger) (*Params, *Result, error) {
	if lg == nil {
		lg = zap.NewNop().Sugar()
	}
	if len(models) == 0 {
		return nil, nil, errors.New("no cameras to adjust")
	}
	for i := range net.Tracks {
		for _, o := range net.Tracks[i].Obs {
			if o.Camera >= len(models) {
				return nil, nil, errors.Errorf("track %d references camera %d, have %d", i, o.Camera, len(models))
			}
		}
	}

	loss, err := LossByName(opts.Loss, opts.LossThreshold)
	if err != nil {
		return nil, nil, err
	}

	params := SeedParams(net, models)
	orig := params.Copy()

	pixelObs := make([]int, len(models))
	prob := NewProblem()
	for i := range net.Tracks {
		for _, o := range net.Tracks[i].Obs {
			blocks := camBlocks(params.Points[i], params.Cams[o.Camera])
			prob.AddResidualBlock(&ReprojectionError{
				Observation: o.Pixel,
				Sigma:       o.Sigma,
				Model:       models[o.Camera],
			}, loss, blocks...)
			pixelObs[o.Camera]++
		}
	}

	if !opts.SolveIntrinsics {
		for i, blocks := range params.Cams {
			if models[i].NumIntrinsicParams() == 0 {
				continue
			}
			for _, b := range blocks[1:] {
				if err := prob.SetBlockConstant(b); err != nil {
					return nil, nil, err
				}
			}
		}
	}

	for i := range models {
		pose := params.Cams[i][0]
		if opts.CameraWeight > 0 {
			prob.AddResidualBlock(&CamError{Orig: orig.Cams[i][0], Weight: opts.CameraWeight}, nil, pose)
		}
		if opts.RotationWeight > 0 || opts.TranslationWeight > 0 {
			prob.AddResidualBlock(&RotTransError{
				Orig:              orig.Cams[i][0],
				RotationWeight:    opts.RotationWeight,
				TranslationWeight: opts.TranslationWeight,
			}, nil, pose)
		}
		if opts.CameraPositionUncertainty[0] > 0 && opts.CameraPositionUncertainty[1] > 0 {
			power := opts.UncertaintyPower
			if power <= 0 {
				power = 2
			}
			ctr := models[i].CameraCenter(orig.Cams[i][0])
			llh := opts.Datum.ECEFToGeodetic(ctr)
			prob.AddResidualBlock(&CamUncertaintyError{
				Orig:        orig.Cams[i][0],
				Uncertainty: opts.CameraPositionUncertainty,
				NumPixelObs: pixelObs[i],
				EcefToNED:   opts.Datum.NEDRotation(llh),
				Power:       power,
			}, nil, pose)
		}
	}

	nGround, err := AddGroundConstraints(prob, net, params, opts)
	if err != nil {
		return nil, nil, err
	}

	if opts.Disparity != nil && len(opts.ReferenceTerrain) > 0 {
		if len(models) < 2 {
			return nil, nil, errors.New("reference-terrain constraints need two cameras")
		}
		weight := opts.ReferenceTerrainWeight
		if weight <= 0 {
			weight = 1
		}
		blocks := append(append([][]float64{}, params.Cams[0]...), params.Cams[1]...)
		for _, xyz := range opts.ReferenceTerrain {
			prob.AddResidualBlock(&DispXYZError{
				RefXYZ:       xyz,
				Disp:         opts.Disparity,
				Left:         models[0],
				Right:        models[1],
				Weight:       weight,
				MaxDispError: opts.MaxDispError,
			}, loss, blocks...)
			nGround++
		}
	}
	lg.Infow("assembled adjustment problem",
		"cameras", len(models),
		"tracks", len(net.Tracks),
		"pixelObservations", net.NumObservations(),
		"groundConstraints", nGround,
		"residuals", prob.NumResiduals(),
	)

	initial := ReprojectionStats(net, models, params)
	sum, err := prob.Solve(opts.Solver)
	if err != nil {
		return nil, nil, errors.Wrap(err, "bundle adjustment solve")
	}
	if !sum.Converged {
		lg.Warnw("solver stopped before convergence", "message", sum.Message)
	}
	final := ReprojectionStats(net, models, params)
	for i, m := range models {
		m.Update(params.Cams[i])
	}
	for i := range net.Tracks {
		net.Tracks[i].Point = vecOf(params.Points[i])
	}

	lg.Infow("bundle adjustment finished",
		"iterations", sum.Iterations,
		"initialCost", sum.InitialCost,
		"finalCost", sum.FinalCost,
		"meanReprojPxBefore", initial.Mean,
		"meanReprojPxAfter", final.Mean,
	)

	return params, &Result{
		Summary:            sum,
		NumGroundResiduals: nGround,
		Initial:            initial,
		Final:              final,
	}, nil
}
