package pointcloud

import (
	"github.com/golang/geo/r3"
	geo "github.com/kellydunn/golang-geo"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/stereogeo/stereogeo/camera"
	"github.com/stereogeo/stereogeo/geodesy"
)

// AlignOptions configures a full alignment run.
type AlignOptions struct {
	// MaxDisplacement bounds how far a source point may move, in meters.
	// It widens the reference crop box and, after the solve, rejects a
	// transform that moved the centroid further than this.
	MaxDisplacement float64

	// MaxSourcePoints caps the number of source points used to estimate
	// the transform. The transform is still applied to the full cloud.
	MaxSourcePoints int

	Register RegisterOptions
	Datum    geodesy.Datum
}

// DefaultAlignOptions returns the settings used by the command driver.
func DefaultAlignOptions() AlignOptions {
	return AlignOptions{
		MaxDisplacement: 0,
		MaxSourcePoints: 100000,
		Register:        DefaultRegisterOptions(),
		Datum:           geodesy.WGS84(),
	}
}

// AlignResult reports a finished alignment.
type AlignResult struct {
	// Transform maps unshifted (global) source coordinates onto the
	// reference.
	Transform *mat.Dense
	Register  *RegisterResult

	// Centroid displacement of the estimation subset, several ways.
	TranslationECEF r3.Vector
	TranslationNED  r3.Vector
	// GroundDistance is the great-circle distance the centroid moved,
	// in meters.
	GroundDistance float64
}

// MaxMotion reports the largest displacement the global transform causes
// over at most n sampled points of the cloud; n <= 0 uses every point.
func MaxMotion(c *Cloud, global *mat.Dense, n int) float64 {
	est := sampleCloud(c, n)
	worst := 0.0
	for _, p := range est.Points {
		if !IsValid(p) {
			continue
		}
		w := p.Add(est.Shift)
		if d := TransformPoint(global, w).Sub(w).Norm(); d > worst {
			worst = d
		}
	}
	return worst
}

func sampleCloud(c *Cloud, maxPoints int) *Cloud {
	valid := c.NumValid()
	if maxPoints <= 0 || valid <= maxPoints {
		return c.Copy()
	}
	step := (valid + maxPoints - 1) / maxPoints
	out := &Cloud{Shift: c.Shift}
	i := 0
	for _, p := range c.Points {
		if !IsValid(p) {
			continue
		}
		if i%step == 0 {
			out.Points = append(out.Points, p)
		}
		i++
	}
	return out
}

// Align registers src onto ref and returns the global transform along
// with displacement reporting. src is modified in place: on success its
// points carry the aligned positions.
func Align(ref, src *Cloud, opts AlignOptions, lg *zap.SugaredLogger) (*AlignResult, error) {
	if lg == nil {
		lg = zap.NewNop().Sugar()
	}

	// Crop the reference to the source's neighborhood: reference points
	// further than the displacement bound from any source point can
	// never match.
	workRef := ref
	if opts.MaxDisplacement > 0 {
		box := BBoxOf(src, opts.Datum).ExpandedByMeters(opts.MaxDisplacement, opts.Datum)
		workRef = FilterByBBox(ref, box, opts.Datum)
		lg.Infow("cropped reference cloud",
			"kept", workRef.NumValid(), "of", ref.NumValid())
		if workRef.NumValid() < 3 {
			return nil, errors.New("reference cloud is empty near the source; check the inputs and the displacement bound")
		}
	}

	est := sampleCloud(src, opts.MaxSourcePoints)
	est.Reshift(workRef.Shift)

	result, err := Register(workRef, est, opts.Register, lg)
	if err != nil {
		return nil, err
	}

	// The registration ran in coordinates shifted by workRef.Shift; undo
	// the shift to obtain the global transform.
	global := ApplyShift(result.Transform, workRef.Shift.Mul(-1))

	before := est.Centroid().Add(est.Shift)
	after := TransformPoint(global, before)
	disp := after.Sub(before)
	if opts.MaxDisplacement > 0 {
		if worst := MaxMotion(est, global, 0); worst > opts.MaxDisplacement {
			return nil, errors.Errorf("alignment moved a point %.3f m, beyond the %.3f m bound",
				worst, opts.MaxDisplacement)
		}
	}

	llhBefore := opts.Datum.ECEFToGeodetic(before)
	llhAfter := opts.Datum.ECEFToGeodetic(after)
	ned := camera.MatVec(opts.Datum.NEDRotation(llhBefore), disp)

	// Great-circle ground distance between the two footprints.
	pBefore := geo.NewPoint(llhBefore.Y, llhBefore.X)
	pAfter := geo.NewPoint(llhAfter.Y, llhAfter.X)
	groundDist := pBefore.GreatCircleDistance(pAfter) * 1000.0

	ApplyTransform(src, global)

	lg.Infow("alignment finished",
		"iterations", result.Iterations,
		"meanErrorBefore", result.Before.Mean,
		"meanErrorAfter", result.After.Mean,
		"translationNorthM", ned.X,
		"translationEastM", ned.Y,
		"translationDownM", ned.Z,
		"groundDistanceM", groundDist,
	)
	if result.After.Mean > result.Before.Mean {
		lg.Warnw("alignment increased the mean error; the clouds may not overlap",
			"before", result.Before.Mean, "after", result.After.Mean)
	}

	return &AlignResult{
		Transform:       global,
		Register:        result,
		TranslationECEF: disp,
		TranslationNED:  ned,
		GroundDistance:  groundDist,
	}, nil
}

// SampleErrStats recomputes closest-pair statistics over at most n source
// points against a reference cloud sharing the same shift.
func SampleErrStats(ref, src *Cloud, n int) ErrStats {
	est := sampleCloud(src, n)
	est.Reshift(ref.Shift)
	tree := buildTree(ref)
	_, _, dist := closestPairs(tree, est)
	if n > 0 && len(dist) > n {
		dist = dist[:n]
	}
	return errStats(dist)
}
