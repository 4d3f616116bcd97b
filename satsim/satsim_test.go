package satsim

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/stereogeo/stereogeo/camera"
	"github.com/stereogeo/stereogeo/dem"
	"github.com/stereogeo/stereogeo/geodesy"
)

// flatDEM builds a constant-height grid centered on lon/lat (0, 0) with
// the given cell size in meters.
func flatDEM(t *testing.T, cols, rows int, cell, height float64) *dem.Raster {
	t.Helper()
	d := geodesy.WGS84()
	proj, err := geodesy.NewLocalEquirect(0, 0, d)
	if err != nil {
		t.Fatalf("NewLocalEquirect: %v", err)
	}
	georef := &geodesy.GeoRef{
		Datum: d,
		Proj:  proj,
		X0:    -0.5 * float64(cols-1) * cell,
		Y0:    0.5 * float64(rows-1) * cell,
		Dx:    cell,
		Dy:    -cell,
	}
	r, err := dem.NewRaster(cols, rows, -9999, georef)
	if err != nil {
		t.Fatalf("NewRaster: %v", err)
	}
	for i := range r.Data {
		r.Data[i] = height
	}
	return r
}

func baseOptions() Options {
	opts := DefaultOptions()
	opts.NumCameras = 10
	opts.FocalLength = 100000
	opts.OpticalCenter = [2]float64{4, 4}
	opts.ImageSize = [2]int{8, 8}
	return opts
}

func orthonormal(t *testing.T, m *mat.Dense, what string) {
	t.Helper()
	var mtm mat.Dense
	mtm.Mul(m.T(), m)
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			want := 0.0
			if row == col {
				want = 1.0
			}
			if math.Abs(mtm.At(row, col)-want) > 1e-9 {
				t.Fatalf("%s is not orthonormal at (%d,%d): %v", what, row, col, mtm.At(row, col))
			}
		}
	}
}

func TestAlongAcrossOrthonormal(t *testing.T) {
	d := flatDEM(t, 201, 201, 10, 0)
	opts := baseOptions()
	opts.First = [3]float64{50, 50, 500000}
	opts.Last = [3]float64{150, 150, 500000}

	first, last := projEndpoints(&opts, d)
	projAlong := last.Sub(first).Normalize()
	projAcross := projAlong.Cross(r3.Vector{Z: 1}).Normalize()

	for _, tt := range []float64{0, 0.1, 0.25, 0.5, 0.75, 1} {
		pos, along, across := CalcTrajPtAlongAcross(first, last, d.GeoRef, tt, projAlong, projAcross)
		if math.Abs(along.Norm()-1) > 1e-12 || math.Abs(across.Norm()-1) > 1e-12 {
			t.Errorf("t=%v: directions are not unit: %v %v", tt, along.Norm(), across.Norm())
		}
		if math.Abs(along.Dot(across)) > 1e-12 {
			t.Errorf("t=%v: along and across are not perpendicular: %v", tt, along.Dot(across))
		}
		// The camera flies about 500 km above a spot near lon/lat (0, 0).
		if math.Abs(pos.Norm()-(geodesy.WGS84().SemiMajor+500000)) > 2000 {
			t.Errorf("t=%v: position norm %v is implausible", tt, pos.Norm())
		}
	}
}

func TestCalcTrajectoryNadir(t *testing.T) {
	d := flatDEM(t, 201, 201, 10, 0)
	opts := baseOptions()
	opts.First = [3]float64{50, 100, 500000}
	opts.Last = [3]float64{150, 100, 500000}

	traj, err := CalcTrajectory(opts, d)
	if err != nil {
		t.Fatalf("CalcTrajectory: %v", err)
	}
	if len(traj.Positions) != opts.NumCameras {
		t.Fatalf("got %d cameras", len(traj.Positions))
	}

	// Even spacing along the segment.
	first := traj.Positions[0]
	last := traj.Positions[len(traj.Positions)-1]
	for i, p := range traj.Positions {
		tt := float64(i) / float64(opts.NumCameras-1)
		want := first.Mul(1 - tt).Add(last.Mul(tt))
		if p.Sub(want).Norm() > 1.0 {
			t.Errorf("camera %d is %v m off an even spacing", i, p.Sub(want).Norm())
		}
	}

	for i, m := range traj.Cam2World {
		orthonormal(t, m, "cam2world")
		// Without roll/pitch/yaw the camera look axis is the down vector.
		down := camera.MatVec(m, r3.Vector{Z: 1})
		if down.Dot(traj.Positions[i]) >= 0 {
			t.Errorf("camera %d does not look toward the ground", i)
		}
		if traj.RefCam2World[i] != m {
			t.Errorf("camera %d: reference orientation must match without angles", i)
		}
	}
}

func TestCalcTrajectoryRejectsBadInput(t *testing.T) {
	d := flatDEM(t, 51, 51, 10, 0)

	opts := baseOptions()
	opts.NumCameras = 1
	opts.First = [3]float64{10, 10, 500000}
	opts.Last = [3]float64{40, 40, 500000}
	if _, err := CalcTrajectory(opts, d); err == nil {
		t.Error("expected error for fewer than 2 cameras")
	}

	opts = baseOptions()
	opts.First = [3]float64{10, 10, 500000}
	opts.Last = [3]float64{10, 10, 500000}
	if _, err := CalcTrajectory(opts, d); err == nil {
		t.Error("expected error for identical endpoints")
	}

	opts = baseOptions()
	opts.First = [3]float64{25, 25, 500000}
	opts.Last = [3]float64{25, 25, 400000}
	if _, err := CalcTrajectory(opts, d); err == nil {
		t.Error("expected error for a vertical segment")
	}
}

func TestRollPitchYawAndRotationXY(t *testing.T) {
	orthonormal(t, RollPitchYaw(10, -20, 30), "rollPitchYaw")
	orthonormal(t, RotationXY(), "rotationXY")

	// Zero angles give the identity.
	id := RollPitchYaw(0, 0, 0)
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			want := 0.0
			if row == col {
				want = 1.0
			}
			if math.Abs(id.At(row, col)-want) > 1e-12 {
				t.Fatalf("rollPitchYaw(0,0,0) is not identity at (%d,%d)", row, col)
			}
		}
	}

	// rotationXY is a proper rotation, not a reflection.
	if det := mat.Det(RotationXY()); math.Abs(det-1) > 1e-12 {
		t.Errorf("rotationXY determinant %v", det)
	}
}

func TestCalcOrbitLength(t *testing.T) {
	d := flatDEM(t, 201, 201, 10, 0)
	opts := baseOptions()
	opts.First = [3]float64{50, 100, 500000}
	opts.Last = [3]float64{150, 100, 500000}
	first, last := projEndpoints(&opts, d)

	length := CalcOrbitLength(first, last, d.GeoRef, 1000)
	direct := geodesy.ProjToECEF(d.GeoRef, last).Sub(geodesy.ProjToECEF(d.GeoRef, first)).Norm()
	if length < direct {
		t.Errorf("arc length %v is shorter than the chord %v", length, direct)
	}
	if length > direct*1.01 {
		t.Errorf("arc length %v is implausibly long for a 1 km segment (chord %v)", length, direct)
	}
}

func TestFindBestProjCamLocation(t *testing.T) {
	d := flatDEM(t, 201, 201, 10, 0)
	opts := baseOptions()
	opts.First = [3]float64{40, 100, 500000}
	opts.Last = [3]float64{160, 100, 500000}

	first, last := projEndpoints(&opts, d)
	projAlong := last.Sub(first).Normalize()
	projAcross := projAlong.Cross(r3.Vector{Z: 1}).Normalize()

	// A nadir camera sees the target pixel exactly when it flies over
	// it, so the best center is above pixel (100, 100).
	target := [2]float64{100, 100}
	best, err := FindBestProjCamLocation(&opts, d, first, last,
		projAlong, projAcross, 0, 0, 0, target)
	if err != nil {
		t.Fatalf("FindBestProjCamLocation: %v", err)
	}

	wx, wy := d.GeoRef.PixelToPoint(target[0], target[1])
	if math.Hypot(best.X-wx, best.Y-wy) > 1.0 {
		t.Errorf("best location (%v, %v), want within 1 m of (%v, %v)",
			best.X, best.Y, wx, wy)
	}
	if math.Abs(best.Z-500000) > 1e-6 {
		t.Errorf("camera height changed: %v", best.Z)
	}

	// Endpoints closer than a meter are rejected.
	tiny := first.Add(r3.Vector{X: 0.1})
	if _, err := FindBestProjCamLocation(&opts, d, first, tiny,
		projAlong, projAcross, 0, 0, 0, target); err == nil {
		t.Error("expected error for a degenerate segment")
	}
}

func TestGenCamerasWritesTsai(t *testing.T) {
	d := flatDEM(t, 201, 201, 10, 0)
	dir := t.TempDir()
	opts := baseOptions()
	opts.NumCameras = 3
	opts.First = [3]float64{50, 100, 500000}
	opts.Last = [3]float64{150, 100, 500000}
	opts.OutPrefix = filepath.Join(dir, "run")
	opts.SaveRefCams = true

	traj, err := CalcTrajectory(opts, d)
	if err != nil {
		t.Fatalf("CalcTrajectory: %v", err)
	}
	names, cams, err := GenCameras(&opts, traj)
	if err != nil {
		t.Fatalf("GenCameras: %v", err)
	}
	if len(names) != 3 || len(cams) != 3 {
		t.Fatalf("got %d names, %d cameras", len(names), len(cams))
	}
	if filepath.Base(names[1]) != "run-10001.tsai" {
		t.Errorf("unexpected camera name %s", names[1])
	}

	back, err := camera.ReadTsai(names[0])
	if err != nil {
		t.Fatalf("ReadTsai: %v", err)
	}
	if back.Ctr.Sub(traj.Positions[0]).Norm() > 1e-6 {
		t.Errorf("saved camera center drifted: %v", back.Ctr)
	}
	if _, err := os.Stat(GenRefPrefix(opts.OutPrefix, 0) + ".tsai"); err != nil {
		t.Errorf("reference camera was not written: %v", err)
	}
}

func TestSkipCameraRange(t *testing.T) {
	opts := baseOptions()
	opts.FirstIndex = 1
	opts.LastIndex = 3
	want := map[int]bool{0: true, 1: false, 2: false, 3: true}
	for i, skip := range want {
		if SkipCamera(i, &opts) != skip {
			t.Errorf("SkipCamera(%d) = %v", i, !skip)
		}
	}

	opts.FirstIndex, opts.LastIndex = -1, -1
	if SkipCamera(0, &opts) {
		t.Error("no range set must skip nothing")
	}
}

func TestGenImagesConstantOrtho(t *testing.T) {
	d := flatDEM(t, 201, 201, 10, 0)
	ortho := flatDEM(t, 201, 201, 10, 7) // constant texture value 7

	dir := t.TempDir()
	opts := baseOptions()
	opts.NumCameras = 2
	opts.First = [3]float64{99, 100, 500000}
	opts.Last = [3]float64{101, 100, 500000}
	opts.OutPrefix = filepath.Join(dir, "img")

	traj, err := CalcTrajectory(opts, d)
	if err != nil {
		t.Fatalf("CalcTrajectory: %v", err)
	}
	names, cams, err := GenCameras(&opts, traj)
	if err != nil {
		t.Fatalf("GenCameras: %v", err)
	}
	if err := GenImages(context.Background(), &opts, names, cams, d, ortho, false, nil); err != nil {
		t.Fatalf("GenImages: %v", err)
	}

	img, err := dem.ReadASC(GenPrefix(opts.OutPrefix, 0)+".asc", geodesy.WGS84(), geodesy.Geographic{})
	if err != nil {
		t.Fatalf("ReadASC: %v", err)
	}
	if img.Cols != opts.ImageSize[0] || img.Rows != opts.ImageSize[1] {
		t.Fatalf("image size %dx%d", img.Cols, img.Rows)
	}
	for row := 0; row < img.Rows; row++ {
		for col := 0; col < img.Cols; col++ {
			if !img.Valid(col, row) {
				t.Fatalf("pixel (%d,%d) is nodata over a fully covered scene", col, row)
			}
			if math.Abs(img.At(col, row)-7) > 1e-6 {
				t.Fatalf("pixel (%d,%d) = %v, want 7", col, row, img.At(col, row))
			}
		}
	}
}

func TestImageName(t *testing.T) {
	opts := baseOptions()
	opts.OutPrefix = "run"
	if got := ImageName(&opts, "cams/10002.tsai", 2, false); got != "run-10002.asc" {
		t.Errorf("internal name = %s", got)
	}
	if got := ImageName(&opts, "cams/alpha.tsai", 0, true); got != "run-alpha.asc" {
		t.Errorf("external name = %s", got)
	}
}

func TestJitterPerturbsOrientation(t *testing.T) {
	d := flatDEM(t, 201, 201, 10, 0)
	opts := baseOptions()
	opts.First = [3]float64{50, 100, 500000}
	opts.Last = [3]float64{150, 100, 500000}
	opts.Roll, opts.Pitch, opts.Yaw = 0, 0, 0

	plain, err := CalcTrajectory(opts, d)
	if err != nil {
		t.Fatalf("CalcTrajectory: %v", err)
	}

	opts.JitterFrequency = 5
	opts.Velocity = 7000
	opts.HorizontalUncertainty = [3]float64{2, 2, 2}
	jittered, err := CalcTrajectory(opts, d)
	if err != nil {
		t.Fatalf("CalcTrajectory with jitter: %v", err)
	}

	changed := false
	for i := range plain.Cam2World {
		for row := 0; row < 3 && !changed; row++ {
			for col := 0; col < 3; col++ {
				if math.Abs(plain.Cam2World[i].At(row, col)-jittered.Cam2World[i].At(row, col)) > 1e-12 {
					changed = true
					break
				}
			}
		}
	}
	if !changed {
		t.Error("jitter left every camera orientation unchanged")
	}

	// The reference orientations ignore jitter entirely.
	for i := range plain.RefCam2World {
		if !mat.EqualApprox(plain.RefCam2World[i], jittered.RefCam2World[i], 1e-12) {
			t.Errorf("camera %d: reference orientation must be jitter-free", i)
		}
	}
}
