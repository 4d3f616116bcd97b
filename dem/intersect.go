package dem

import (
	"math"

	"github.com/golang/geo/r3"
)

// IntersectOptions bounds the ray/terrain intersection iteration.
type IntersectOptions struct {
	HeightTol float64 // stop when the height mismatch drops below this (m)
	MaxIter   int
}

// DefaultIntersectOptions matches the tolerances used by the simulation
// and alignment drivers.
func DefaultIntersectOptions() IntersectOptions {
	return IntersectOptions{HeightTol: 1e-3, MaxIter: 100}
}

// heightAlongRay returns the geodetic height of ctr + s*dir.
func heightAlongRay(r *Raster, ctr, dir r3.Vector, s float64) float64 {
	return r.GeoRef.Datum.ECEFToGeodetic(ctr.Add(dir.Mul(s))).Z
}

// solveRayHeight finds s >= 0 such that the point ctr + s*dir sits at
// geodetic height h. Returns false when the ray never descends to h.
func solveRayHeight(r *Raster, ctr, dir r3.Vector, h float64) (float64, bool) {
	h0 := heightAlongRay(r, ctr, dir, 0)
	if h0 <= h {
		return 0, false // camera is not above the surface
	}

	// Initial guess from the local descent rate, then grow a bracket.
	up := ctr.Normalize()
	rate := -dir.Dot(up)
	if rate < 1e-6 {
		return 0, false // ray points away from the ground
	}
	sHi := (h0 - h) / rate
	for i := 0; i < 64 && heightAlongRay(r, ctr, dir, sHi) > h; i++ {
		sHi *= 2
	}
	if heightAlongRay(r, ctr, dir, sHi) > h {
		return 0, false
	}

	sLo := 0.0
	for i := 0; i < 100; i++ {
		mid := 0.5 * (sLo + sHi)
		if heightAlongRay(r, ctr, dir, mid) > h {
			sLo = mid
		} else {
			sHi = mid
		}
		if sHi-sLo < 1e-4 {
			break
		}
	}
	return 0.5 * (sLo + sHi), true
}

// IntersectRay intersects the ray from ctr along dir (both in ECEF) with
// the terrain. guess, when nonzero, seeds the starting height; repeated
// calls over neighboring pixels converge faster with the previous answer.
// Returns false when the ray misses the raster extent or the iteration
// leaves coverage. This is a recoverable condition for callers, never an
// error.
func IntersectRay(ctr, dir r3.Vector, r *Raster, guess r3.Vector, opts IntersectOptions) (r3.Vector, bool) {
	h := r.MeanHeight()
	if guess != (r3.Vector{}) {
		h = r.GeoRef.Datum.ECEFToGeodetic(guess).Z
	}

	var xyz r3.Vector
	for i := 0; i < opts.MaxIter; i++ {
		s, ok := solveRayHeight(r, ctr, dir, h)
		if !ok {
			return r3.Vector{}, false
		}
		xyz = ctr.Add(dir.Mul(s))

		llh := r.GeoRef.Datum.ECEFToGeodetic(xyz)
		demH, ok := r.HeightAtLonLat(llh.X, llh.Y)
		if !ok {
			return r3.Vector{}, false
		}
		if math.Abs(demH-h) < opts.HeightTol {
			return xyz, true
		}
		h = demH
	}
	return xyz, false
}
