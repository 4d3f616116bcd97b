package pointcloud

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"

	"github.com/stereogeo/stereogeo/camera"
	"github.com/stereogeo/stereogeo/dem"
	"github.com/stereogeo/stereogeo/geodesy"
)

func TestApplyShiftInvariance(t *testing.T) {
	rot := camera.AxisAngleToMatrix(r3.Vector{X: 0.1, Y: -0.2, Z: 0.05})
	tr := r3.Vector{X: 3, Y: -7, Z: 11}
	m := NewTransform(rot, tr)
	shift := r3.Vector{X: 1000, Y: -2000, Z: 500}

	shifted := ApplyShift(m, shift)
	x := r3.Vector{X: 12, Y: 34, Z: -56}

	// Applying the shifted transform in shifted coordinates must agree
	// with the original transform in global ones.
	want := TransformPoint(m, x)
	got := TransformPoint(shifted, x.Sub(shift)).Add(shift)
	if got.Sub(want).Norm() > 1e-9 {
		t.Errorf("shift invariance broken: %v vs %v", got, want)
	}

	// Shifting by -s undoes shifting by s.
	back := ApplyShift(shifted, shift.Mul(-1))
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			if math.Abs(back.At(row, col)-m.At(row, col)) > 1e-9 {
				t.Fatalf("round trip differs at (%d,%d): %v vs %v",
					row, col, back.At(row, col), m.At(row, col))
			}
		}
	}
}

func TestTransformReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transform.txt")
	m := NewTransform(camera.AxisAngleToMatrix(r3.Vector{X: 0.01, Y: 0.02, Z: -0.03}),
		r3.Vector{X: 1.5, Y: -2.5, Z: 3.5})
	if err := WriteTransform(path, m); err != nil {
		t.Fatalf("WriteTransform: %v", err)
	}
	back, err := ReadTransform(path)
	if err != nil {
		t.Fatalf("ReadTransform: %v", err)
	}
	if !matEqual(back, m, 1e-15) {
		t.Error("transform changed across the round trip")
	}

	if _, err := ReadTransform(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("expected error for a missing transform file")
	}
}

func matEqual(a, b interface{ At(int, int) float64 }, tol float64) bool {
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			if math.Abs(a.At(row, col)-b.At(row, col)) > tol {
				return false
			}
		}
	}
	return true
}

func TestKabschRecoversKnownMotion(t *testing.T) {
	rot := camera.AxisAngleToMatrix(r3.Vector{X: 0.02, Y: 0.05, Z: -0.01})
	tr := r3.Vector{X: 4, Y: -2, Z: 9}

	var src, dst []r3.Vector
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			p := r3.Vector{X: float64(i) * 3, Y: float64(j) * 5, Z: float64(i*j) * 0.7}
			src = append(src, p)
			dst = append(dst, camera.MatVec(rot, p).Add(tr))
		}
	}

	gotRot, gotT, err := Kabsch(src, dst)
	if err != nil {
		t.Fatalf("Kabsch: %v", err)
	}
	if gotT.Sub(tr).Norm() > 1e-9 {
		t.Errorf("translation: got %v, want %v", gotT, tr)
	}
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			if math.Abs(gotRot.At(row, col)-rot.At(row, col)) > 1e-9 {
				t.Fatalf("rotation differs at (%d,%d)", row, col)
			}
		}
	}

	if _, _, err := Kabsch(src[:2], dst[:2]); err == nil {
		t.Error("expected error for too few pairs")
	}
	if _, _, err := Kabsch(src, dst[:5]); err == nil {
		t.Error("expected error for mismatched pair counts")
	}
}

// gridCloud builds a curved surface so registration is well conditioned.
func gridCloud(n int, spacing float64, shift r3.Vector) *Cloud {
	c := &Cloud{Shift: shift}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			x := float64(i) * spacing
			y := float64(j) * spacing
			z := 1 + 0.001*(x*x+0.5*y*y)
			c.Points = append(c.Points, r3.Vector{X: x, Y: y, Z: z}.Sub(shift))
		}
	}
	return c
}

func TestRegisterIdentity(t *testing.T) {
	ref := gridCloud(10, 10, r3.Vector{})
	src := ref.Copy()

	res, err := Register(ref, src, DefaultRegisterOptions(), nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !res.Converged {
		t.Errorf("expected convergence on identical clouds")
	}
	if res.After.Mean > 1e-9 {
		t.Errorf("mean error %v on identical clouds", res.After.Mean)
	}
	if tr := Translation(res.Transform); tr.Norm() > 1e-9 {
		t.Errorf("spurious translation %v", tr)
	}
}

func TestRegisterRecoversSmallTranslation(t *testing.T) {
	ref := gridCloud(15, 10, r3.Vector{})
	src := ref.Copy()
	offset := r3.Vector{X: 0.8, Y: -0.5, Z: 0.3}
	for i := range src.Points {
		src.Points[i] = src.Points[i].Add(offset)
	}

	res, err := Register(ref, src, DefaultRegisterOptions(), nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	got := Translation(res.Transform)
	if got.Add(offset).Norm() > 0.05 {
		t.Errorf("recovered translation %v, want %v", got, offset.Mul(-1))
	}
	if res.After.Mean >= res.Before.Mean {
		t.Errorf("registration did not reduce the error: %v -> %v",
			res.Before.Mean, res.After.Mean)
	}

	// The source cloud itself must be untouched.
	if src.Points[0].Sub(ref.Points[0].Add(offset)).Norm() > 1e-12 {
		t.Error("Register modified its input cloud")
	}
}

func TestRegisterRejectsMismatchedShift(t *testing.T) {
	ref := gridCloud(5, 10, r3.Vector{})
	src := gridCloud(5, 10, r3.Vector{X: 1})
	if _, err := Register(ref, src, DefaultRegisterOptions(), nil); err == nil {
		t.Error("expected error for clouds with different shifts")
	}
}

func TestCloudReshift(t *testing.T) {
	c := &Cloud{
		Points: []r3.Vector{{X: 1, Y: 2, Z: 3}, {}, {X: 4, Y: 5, Z: 6}},
		Shift:  r3.Vector{X: 100, Y: 200, Z: 300},
	}
	if c.NumValid() != 2 {
		t.Fatalf("NumValid = %d", c.NumValid())
	}
	want := c.Points[0].Add(c.Shift)
	c.Reshift(r3.Vector{X: 50, Y: 60, Z: 70})
	got := c.Points[0].Add(c.Shift)
	if got.Sub(want).Norm() > 1e-9 {
		t.Errorf("reshift moved a point: %v vs %v", got, want)
	}
	if IsValid(c.Points[1]) {
		t.Error("reshift must leave invalid points alone")
	}
}

func TestBBox(t *testing.T) {
	b := EmptyBBox()
	if !b.Empty() {
		t.Error("fresh box must be empty")
	}
	b.Extend(10, 45)
	b.Extend(11, 46)
	if b.Empty() || !b.Contains(10.5, 45.5) || b.Contains(12, 45.5) {
		t.Errorf("box misbehaves: %+v", b)
	}

	wide := b.ExpandedByMeters(1113, geodesy.WGS84()) // about 0.01 degrees
	if wide.MaxLat-b.MaxLat < 0.009 || wide.MaxLat-b.MaxLat > 0.011 {
		t.Errorf("latitude expansion %v degrees", wide.MaxLat-b.MaxLat)
	}
	if wide.MaxLon-b.MaxLon <= wide.MaxLat-b.MaxLat {
		t.Error("longitude must expand more than latitude away from the equator")
	}
}

func TestCSVRoundTrip(t *testing.T) {
	d := geodesy.WGS84()
	orig := &Cloud{Shift: r3.Vector{}}
	for i := 0; i < 5; i++ {
		llh := r3.Vector{X: 10 + float64(i)*0.001, Y: 45 - float64(i)*0.001, Z: 100 + float64(i)}
		orig.Points = append(orig.Points, d.GeodeticToECEF(llh))
	}

	path := filepath.Join(t.TempDir(), "cloud.csv")
	if err := WriteCSV(path, orig, d); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	back, err := Load(path, LoadOptions{Datum: d})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if back.NumValid() != orig.NumValid() {
		t.Fatalf("point count changed: %d vs %d", back.NumValid(), orig.NumValid())
	}
	for i := range back.Points {
		got := back.Points[i].Add(back.Shift)
		want := orig.Points[i]
		if got.Sub(want).Norm() > 1e-3 {
			t.Errorf("point %d moved %v m", i, got.Sub(want).Norm())
		}
	}

	if _, err := Load(filepath.Join(t.TempDir(), "cloud.xyz"), LoadOptions{Datum: d}); err == nil {
		t.Error("expected error for an unsupported extension")
	}
}

func TestPLYRoundTrip(t *testing.T) {
	// Local coordinates: PLY stores 32-bit floats, so global ECEF values
	// belong in the shift, not in the file.
	c := gridCloud(4, 2.5, r3.Vector{})

	path := filepath.Join(t.TempDir(), "cloud.ply")
	if err := WritePLY(path, c); err != nil {
		t.Fatalf("WritePLY: %v", err)
	}
	back, err := Load(path, LoadOptions{Datum: geodesy.WGS84()})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if back.NumValid() != c.NumValid() {
		t.Fatalf("point count changed: %d vs %d", back.NumValid(), c.NumValid())
	}
	got := back.Points[3].Add(back.Shift)
	want := c.Points[3].Add(c.Shift)
	if got.Sub(want).Norm() > 1e-4 {
		t.Errorf("point moved across the round trip: %v vs %v", got, want)
	}
}

func TestAlignEndToEnd(t *testing.T) {
	d := geodesy.WGS84()

	// A curved patch of terrain near lon 10, lat 45.
	mkCloud := func(offset r3.Vector) *Cloud {
		var raw []r3.Vector
		for i := 0; i < 20; i++ {
			for j := 0; j < 20; j++ {
				h := 500 + 0.02*float64(i*i) + 0.01*float64(j*j)
				llh := r3.Vector{X: 10 + float64(i)*1e-5, Y: 45 + float64(j)*1e-5, Z: h}
				raw = append(raw, d.GeodeticToECEF(llh).Add(offset))
			}
		}
		c := &Cloud{Shift: ShiftFor(raw[0])}
		for _, p := range raw {
			c.Points = append(c.Points, p.Sub(c.Shift))
		}
		return c
	}

	ref := mkCloud(r3.Vector{})
	offset := r3.Vector{X: 0.2, Y: -0.3, Z: 0.1}
	src := mkCloud(offset)

	opts := DefaultAlignOptions()
	opts.MaxDisplacement = 10
	res, err := Align(ref, src, opts, nil)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}

	if res.TranslationECEF.Add(offset).Norm() > 0.05 {
		t.Errorf("recovered displacement %v, want %v", res.TranslationECEF, offset.Mul(-1))
	}
	if math.Abs(res.GroundDistance) > 1.0 {
		t.Errorf("ground distance %v m for a sub-meter shift", res.GroundDistance)
	}

	// The source cloud was moved onto the reference in place.
	moved := src.Points[10].Add(src.Shift)
	want := ref.Points[10].Add(ref.Shift)
	if moved.Sub(want).Norm() > 0.05 {
		t.Errorf("aligned point off by %v m", moved.Sub(want).Norm())
	}

	// A displacement bound tighter than the true offset must fail.
	strict := DefaultAlignOptions()
	strict.MaxDisplacement = 0.05
	if _, err := Align(ref, mkCloud(offset), strict, nil); err == nil {
		t.Error("expected error when the motion exceeds the bound")
	}
}

func TestMaxMotion(t *testing.T) {
	c := gridCloud(5, 1.0, r3.Vector{X: 100.5, Y: 200.5, Z: 300.5})

	if got := MaxMotion(c, IdentityTransform(), 0); got != 0 {
		t.Errorf("identity transform reports motion %v", got)
	}

	shift := r3.Vector{X: 3, Y: -4, Z: 0}
	trans := NewTransform(camera.Identity3(), shift)
	if got := MaxMotion(c, trans, 0); math.Abs(got-shift.Norm()) > 1e-12 {
		t.Errorf("translation motion = %v, want %v", got, shift.Norm())
	}
}

func TestLoadHeightDEM(t *testing.T) {
	d := geodesy.WGS84()

	// Flat terrain at 7 m covering a small box around (10, 45).
	georef := &geodesy.GeoRef{
		Datum: d, Proj: geodesy.Geographic{},
		X0: 10 - 0.05, Y0: 45 + 0.05, Dx: 0.01, Dy: -0.01,
	}
	terrain, err := dem.NewRaster(11, 11, -9999, georef)
	if err != nil {
		t.Fatal(err)
	}
	for row := 0; row < 11; row++ {
		for col := 0; col < 11; col++ {
			terrain.Set(col, row, 7)
		}
	}

	path := filepath.Join(t.TempDir(), "cloud.csv")
	orig := &Cloud{}
	orig.Points = append(orig.Points,
		d.GeodeticToECEF(r3.Vector{X: 10, Y: 45, Z: 123}),   // inside, height replaced
		d.GeodeticToECEF(r3.Vector{X: 20, Y: 45, Z: 50}),    // outside, dropped
		d.GeodeticToECEF(r3.Vector{X: 10.01, Y: 45, Z: -4}), // inside
	)
	if err := WriteCSV(path, orig, d); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	back, err := Load(path, LoadOptions{Datum: d, HeightDEM: terrain})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if back.NumValid() != 2 {
		t.Fatalf("kept %d points, want 2", back.NumValid())
	}
	for i, p := range back.Points {
		llh := d.ECEFToGeodetic(p.Add(back.Shift))
		if math.Abs(llh.Z-7) > 1e-3 {
			t.Errorf("point %d height %v, want the terrain height 7", i, llh.Z)
		}
	}
}
