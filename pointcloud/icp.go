package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/stereogeo/stereogeo/camera"
)

// RegisterOptions tunes the iterative closest point loop.
type RegisterOptions struct {
	MaxIterations int
	// Tolerance stops the loop when the mean pair distance changes by
	// less than this many meters between iterations.
	Tolerance float64
	// OutlierRatio is the fraction of closest pairs kept per iteration;
	// the rest are trimmed as outliers.
	OutlierRatio float64
}

// DefaultRegisterOptions returns the settings used by the align driver.
func DefaultRegisterOptions() RegisterOptions {
	return RegisterOptions{
		MaxIterations: 100,
		Tolerance:     1e-6,
		OutlierRatio:  0.75,
	}
}

// RegisterResult reports a finished registration. The transform acts on
// the shared shifted coordinates of the two clouds.
type RegisterResult struct {
	Transform  *mat.Dense
	Iterations int
	Converged  bool
	// Closest-pair distance statistics before and after.
	Before, After ErrStats
}

// ErrStats summarizes a set of distances in meters.
type ErrStats struct {
	Mean, Median, StdDev, Max float64
	N                         int
}

func errStats(d []float64) ErrStats {
	st := ErrStats{N: len(d)}
	if len(d) == 0 {
		return st
	}
	st.Mean, _ = stats.Mean(d)
	st.Median, _ = stats.Median(d)
	st.StdDev, _ = stats.StandardDeviation(d)
	st.Max, _ = stats.Max(d)
	return st
}

func buildTree(c *Cloud) *kdtree.Tree {
	pts := make(kdtree.Points, 0, len(c.Points))
	for _, p := range c.Points {
		if !IsValid(p) {
			continue
		}
		pts = append(pts, kdtree.Point{p.X, p.Y, p.Z})
	}
	return kdtree.New(pts, false)
}

// closestPairs finds the nearest reference point for every valid source
// point. Distances are Euclidean, in meters.
func closestPairs(tree *kdtree.Tree, src *Cloud) (s, d []r3.Vector, dist []float64) {
	for _, p := range src.Points {
		if !IsValid(p) {
			continue
		}
		got, sq := tree.Nearest(kdtree.Point{p.X, p.Y, p.Z})
		q := got.(kdtree.Point)
		s = append(s, p)
		d = append(d, r3.Vector{X: q[0], Y: q[1], Z: q[2]})
		dist = append(dist, math.Sqrt(sq))
	}
	return s, d, dist
}

// Kabsch computes the least-squares rigid transform mapping src onto dst
// by SVD of the cross-covariance, with the usual determinant fix to keep
// the result a proper rotation.
func Kabsch(src, dst []r3.Vector) (*mat.Dense, r3.Vector, error) {
	if len(src) != len(dst) {
		return nil, r3.Vector{}, errors.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	if len(src) < 3 {
		return nil, r3.Vector{}, errors.Errorf("need at least 3 point pairs, got %d", len(src))
	}

	var cs, cd r3.Vector
	for i := range src {
		cs = cs.Add(src[i])
		cd = cd.Add(dst[i])
	}
	n := float64(len(src))
	cs = cs.Mul(1 / n)
	cd = cd.Mul(1 / n)

	h := mat.NewDense(3, 3, nil)
	for i := range src {
		a := src[i].Sub(cs)
		b := dst[i].Sub(cd)
		h.Set(0, 0, h.At(0, 0)+a.X*b.X)
		h.Set(0, 1, h.At(0, 1)+a.X*b.Y)
		h.Set(0, 2, h.At(0, 2)+a.X*b.Z)
		h.Set(1, 0, h.At(1, 0)+a.Y*b.X)
		h.Set(1, 1, h.At(1, 1)+a.Y*b.Y)
		h.Set(1, 2, h.At(1, 2)+a.Y*b.Z)
		h.Set(2, 0, h.At(2, 0)+a.Z*b.X)
		h.Set(2, 1, h.At(2, 1)+a.Z*b.Y)
		h.Set(2, 2, h.At(2, 2)+a.Z*b.Z)
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return nil, r3.Vector{}, errors.New("svd of the cross-covariance failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		// Reflection: flip the axis of least variance.
		for row := 0; row < 3; row++ {
			v.Set(row, 2, -v.At(row, 2))
		}
		r.Mul(&v, u.T())
	}

	rot := camera.Identity3()
	rot.Copy(&r)
	t := cd.Sub(camera.MatVec(rot, cs))
	return rot, t, nil
}

// applyShifted maps every valid point in place, in shifted coordinates.
func applyShifted(c *Cloud, m mat.Matrix) {
	for i, p := range c.Points {
		if !IsValid(p) {
			continue
		}
		c.Points[i] = TransformPoint(m, p)
	}
}

// Register aligns src onto ref with trimmed iterative closest point.
// Both clouds must share the same shift. src is not modified.
func Register(ref, src *Cloud, opts RegisterOptions, lg *zap.SugaredLogger) (*RegisterResult, error) {
	if lg == nil {
		lg = zap.NewNop().Sugar()
	}
	if ref.Shift != src.Shift {
		return nil, errors.New("clouds must share a shift before registration")
	}
	if ref.NumValid() < 3 || src.NumValid() < 3 {
		return nil, errors.Errorf("too few points to register: %d reference, %d source",
			ref.NumValid(), src.NumValid())
	}
	if opts.MaxIterations <= 0 {
		opts = DefaultRegisterOptions()
	}

	tree := buildTree(ref)
	work := src.Copy()
	total := IdentityTransform()

	_, _, dist := closestPairs(tree, work)
	res := &RegisterResult{Before: errStats(dist)}
	prevMean := res.Before.Mean

	for iter := 0; iter < opts.MaxIterations; iter++ {
		res.Iterations = iter + 1
		s, d, dist := closestPairs(tree, work)

		threshold, err := stats.Percentile(dist, 100*opts.OutlierRatio)
		if err != nil {
			return nil, errors.Wrap(err, "outlier percentile")
		}
		var ks, kd []r3.Vector
		for i := range s {
			if dist[i] <= threshold {
				ks = append(ks, s[i])
				kd = append(kd, d[i])
			}
		}

		rot, t, err := Kabsch(ks, kd)
		if err != nil {
			return nil, errors.Wrap(err, "registration step")
		}
		step := NewTransform(rot, t)
		total = Compose(step, total)
		applyShifted(work, step)

		_, _, dist = closestPairs(tree, work)
		st := errStats(dist)
		lg.Debugw("icp iteration", "iteration", iter+1, "meanError", st.Mean, "pairs", len(ks))
		if math.Abs(prevMean-st.Mean) < opts.Tolerance {
			res.Converged = true
			res.After = st
			break
		}
		prevMean = st.Mean
		res.After = st
	}

	res.Transform = total
	return res, nil
}
