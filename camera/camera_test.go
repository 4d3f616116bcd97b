package camera

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
)

func TestPinholeProjectRayRoundTrip(t *testing.T) {
	cam := NewPinhole(r3.Vector{X: 10, Y: -5, Z: 100}, nil, 800, 400, 300)
	cam.Distortion = BrownConrady{K1: -1e-2, K2: 2e-4, P1: 1e-5, P2: -2e-5}

	pts := []r3.Vector{
		{X: 15, Y: -3, Z: 600},
		{X: -40, Y: 30, Z: 900},
		{X: 10, Y: -5, Z: 250},
	}
	for _, p := range pts {
		pix, ok := cam.Project(p)
		if !ok {
			t.Fatalf("point %v unexpectedly failed to project", p)
		}
		ctr, dir := cam.Ray(pix[0], pix[1])
		// The ray must pass through the original point.
		s := p.Sub(ctr).Dot(dir)
		closest := ctr.Add(dir.Mul(s))
		if closest.Sub(p).Norm() > 1e-6 {
			t.Errorf("ray misses point %v by %v m", p, closest.Sub(p).Norm())
		}
	}
}

func TestPinholeBehindCamera(t *testing.T) {
	cam := NewPinhole(r3.Vector{}, nil, 500, 250, 250)
	if _, ok := cam.Project(r3.Vector{X: 0, Y: 0, Z: -10}); ok {
		t.Error("point behind the camera must not project")
	}
	if _, ok := cam.Project(r3.Vector{X: 1, Y: 1, Z: 0}); ok {
		t.Error("point in the focal plane must not project")
	}
}

func TestOpticalBarRoundTrip(t *testing.T) {
	cam := &OpticalBar{
		Ctr:                r3.Vector{X: 0, Y: 0, Z: 0},
		Rotation:           Identity3(),
		FocalLength:        1000,
		OpticalCenter:      [2]float64{500, 500},
		ScanRate:           0.2,
		MotionCompensation: 0.8,
	}
	p := r3.Vector{X: 200, Y: -50, Z: 700}
	pix, ok := cam.Project(p)
	if !ok {
		t.Fatal("projection failed")
	}
	ctr, dir := cam.Ray(pix[0], pix[1])
	s := p.Sub(ctr).Dot(dir)
	if ctr.Add(dir.Mul(s)).Sub(p).Norm() > 1e-6 {
		t.Errorf("optical bar ray misses the projected point")
	}

	if _, ok := cam.Project(r3.Vector{X: 10, Y: 0, Z: -1}); ok {
		t.Error("point behind the bar must not project")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	cam := &Frame{
		Ctr:           r3.Vector{X: 1, Y: 2, Z: 3},
		Rotation:      Identity3(),
		FocalLength:   600,
		OpticalCenter: [2]float64{320, 240},
		Distortion:    []float64{-0.05, 0.002},
	}
	p := r3.Vector{X: 40, Y: -20, Z: 500}
	pix, ok := cam.Project(p)
	if !ok {
		t.Fatal("projection failed")
	}
	ctr, dir := cam.Ray(pix[0], pix[1])
	s := p.Sub(ctr).Dot(dir)
	if ctr.Add(dir.Mul(s)).Sub(p).Norm() > 1e-6 {
		t.Error("frame ray misses the projected point")
	}
}

func TestZeroAdjustmentIsIdentity(t *testing.T) {
	base := NewPinhole(r3.Vector{X: 5, Y: 6, Z: 7}, nil, 700, 350, 350)
	adj := NewAdjusted(base)

	p := r3.Vector{X: 30, Y: 40, Z: 600}
	want, ok1 := base.Project(p)
	got, ok2 := adj.Project(p)
	if !ok1 || !ok2 {
		t.Fatal("projection failed")
	}
	if math.Abs(want[0]-got[0]) > 1e-12 || math.Abs(want[1]-got[1]) > 1e-12 {
		t.Errorf("zero adjustment changed the projection: %v vs %v", want, got)
	}
}

func TestAdjustedTranslationMovesCenter(t *testing.T) {
	base := NewPinhole(r3.Vector{X: 0, Y: 0, Z: 0}, nil, 700, 350, 350)
	adj := NewAdjusted(base)
	adj.Adj.Translation = r3.Vector{X: 1, Y: 2, Z: 3}

	if adj.Center().Sub(r3.Vector{X: 1, Y: 2, Z: 3}).Norm() > 1e-12 {
		t.Errorf("center: got %v", adj.Center())
	}

	// Translating camera and point together must reproduce the base pixel.
	p := r3.Vector{X: 10, Y: 20, Z: 500}
	want, _ := base.Project(p)
	got, ok := adj.Project(p.Add(adj.Adj.Translation))
	if !ok {
		t.Fatal("projection failed")
	}
	if math.Abs(want[0]-got[0]) > 1e-9 || math.Abs(want[1]-got[1]) > 1e-9 {
		t.Errorf("translation equivariance violated: %v vs %v", want, got)
	}
}

func TestTsaiRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cam.tsai")

	cam := NewPinhole(r3.Vector{X: 1.5e6, Y: -2.25e6, Z: 6e6}, AxisAngleToMatrix(r3.Vector{X: 0.1, Y: -0.2, Z: 0.3}), 5500.5, 1024, 768)
	cam.Distortion = BrownConrady{K1: -1e-3, K2: 5e-6, P1: 2e-7, P2: -3e-7}

	if err := WriteTsai(path, cam); err != nil {
		t.Fatalf("WriteTsai: %v", err)
	}
	back, err := ReadTsai(path)
	if err != nil {
		t.Fatalf("ReadTsai: %v", err)
	}

	if back.FocalLength != cam.FocalLength || back.OpticalCenter != cam.OpticalCenter {
		t.Errorf("intrinsics mismatch: %+v", back)
	}
	if back.Ctr.Sub(cam.Ctr).Norm() > 1e-9 {
		t.Errorf("center mismatch: %v", back.Ctr)
	}
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			if math.Abs(back.Rotation.At(row, col)-cam.Rotation.At(row, col)) > 1e-15 {
				t.Errorf("rotation mismatch at (%d,%d)", row, col)
			}
		}
	}
	if back.Distortion != cam.Distortion {
		t.Errorf("distortion mismatch: %+v", back.Distortion)
	}

	if _, err := ReadTsai(filepath.Join(dir, "missing.tsai")); err == nil {
		t.Error("expected error for a missing camera file")
	}
}

func TestReadCameraList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cams.txt")
	if err := os.WriteFile(path, []byte("# comment\na.tsai\n\nb.tsai\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	names, err := ReadCameraList(path)
	if err != nil {
		t.Fatalf("ReadCameraList: %v", err)
	}
	if len(names) != 2 || names[0] != "a.tsai" || names[1] != "b.tsai" {
		t.Errorf("got %v", names)
	}

	empty := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(empty, []byte("\n# nothing\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadCameraList(empty); err == nil {
		t.Error("expected error for an empty camera list")
	}
}

func TestAdjustmentRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cam.adjust")

	a := Adjustment{
		Translation: r3.Vector{X: 12.5, Y: -3.25, Z: 0.0625},
		Rotation:    r3.Vector{X: 1e-4, Y: -2e-4, Z: 3.5e-4},
	}
	if err := WriteAdjustment(path, a); err != nil {
		t.Fatalf("WriteAdjustment: %v", err)
	}
	back, err := ReadAdjustment(path)
	if err != nil {
		t.Fatalf("ReadAdjustment: %v", err)
	}
	if back != a {
		t.Errorf("round trip changed the adjustment: %+v vs %+v", back, a)
	}

	if _, err := ReadAdjustment(filepath.Join(dir, "missing.adjust")); err == nil {
		t.Error("expected error for a missing adjustment file")
	}
	partial := filepath.Join(dir, "partial.adjust")
	if err := os.WriteFile(partial, []byte("ADJUSTMENT\nT = 1 2 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadAdjustment(partial); err == nil {
		t.Error("expected error for an adjustment without a rotation")
	}
}
