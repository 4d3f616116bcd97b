package bundle

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"

	"github.com/stereogeo/stereogeo/camera"
	"github.com/stereogeo/stereogeo/geodesy"
)

func TestReprojectionErrorFailureSentinel(t *testing.T) {
	base := camera.NewPinhole(r3.Vector{}, nil, 1000, 500, 500)
	model := &AdjustedModel{Cam: camera.NewAdjusted(base)}

	cost := &ReprojectionError{
		Observation: [2]float64{500, 500},
		Sigma:       [2]float64{1, 1},
		Model:       model,
	}
	res := make([]float64, 2)

	// Behind the camera: the sentinel keeps the solve alive.
	behind := []float64{0, 0, -100}
	pose := make([]float64, 6)
	if !cost.Evaluate([][]float64{behind, pose}, res) {
		t.Fatal("Evaluate must not hard-fail on a bad projection")
	}
	if res[0] != BigValue || res[1] != BigValue {
		t.Errorf("want sentinel residuals, got %v", res)
	}

	// On-axis point: zero residual.
	if !cost.Evaluate([][]float64{{0, 0, 100}, pose}, res) {
		t.Fatal("Evaluate failed")
	}
	if math.Abs(res[0]) > 1e-9 || math.Abs(res[1]) > 1e-9 {
		t.Errorf("want zero residuals on axis, got %v", res)
	}
}

func TestCamErrorZeroAtOriginal(t *testing.T) {
	orig := []float64{10, 20, 30, 0.1, 0.2, 0.3}
	cost := &CamError{Orig: orig, Weight: 2}
	res := make([]float64, 6)

	pose := append([]float64(nil), orig...)
	cost.Evaluate([][]float64{pose}, res)
	for i, v := range res {
		if v != 0 {
			t.Errorf("residual %d = %v at the original pose", i, v)
		}
	}

	pose[0] += 1    // 1 m of position
	pose[3] += 0.01 // 10 mrad of rotation
	cost.Evaluate([][]float64{pose}, res)
	if math.Abs(res[0]-2*1e-2) > 1e-15 {
		t.Errorf("position residual = %v", res[0])
	}
	if math.Abs(res[3]-2*5e1*0.01) > 1e-12 {
		t.Errorf("rotation residual = %v", res[3])
	}
}

func TestCamUncertaintyError(t *testing.T) {
	orig := []float64{100, 200, 300, 0, 0, 0}
	cost := &CamUncertaintyError{
		Orig:        orig,
		Uncertainty: [2]float64{5, 2},
		NumPixelObs: 10,
		EcefToNED:   camera.Identity3(),
		Power:       2,
	}
	res := make([]float64, 2)

	pose := append([]float64(nil), orig...)
	cost.Evaluate([][]float64{pose}, res)
	if res[0] != 0 || res[1] != 0 {
		t.Errorf("want zero at the original center, got %v", res)
	}

	prevH, prevV := 0.0, 0.0
	for _, d := range []float64{1, 2, 5, 10} {
		pose[0] = orig[0] + d // north displacement under identity NED
		pose[2] = orig[2] + d // down displacement
		cost.Evaluate([][]float64{pose}, res)
		if res[0] <= prevH || res[1] <= prevV {
			t.Errorf("residuals must grow with displacement: %v at %v m", res, d)
		}
		prevH, prevV = res[0], res[1]
	}

	// The penalty scales with the pixel observation count.
	few := *cost
	few.NumPixelObs = 1
	var r1 [2]float64
	few.Evaluate([][]float64{pose}, r1[:])
	if math.Abs(res[0]-10*r1[0]) > 1e-9 {
		t.Errorf("penalty must scale linearly with observations: %v vs %v", res[0], r1[0])
	}
}

func TestLLHErrorZeroAtObservation(t *testing.T) {
	d := geodesy.WGS84()
	obs := r3.Vector{X: 12.5, Y: 47.25, Z: 1234}
	point := d.GeodeticToECEF(obs)

	cost := &LLHError{ObsLLH: obs, Sigma: r3.Vector{X: 1, Y: 1, Z: 1}, Datum: d}
	res := make([]float64, 3)
	cost.Evaluate([][]float64{{point.X, point.Y, point.Z}}, res)
	for i, v := range res {
		if math.Abs(v) > 1e-9 {
			t.Errorf("residual %d = %v at the observed position", i, v)
		}
	}
}

func TestNetworkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "net.txt")

	n := &ControlNetwork{Tracks: []Track{
		{
			Point: r3.Vector{X: 1, Y: 2, Z: 3},
			Obs: []Observation{
				{Camera: 0, Pixel: [2]float64{10, 20}, Sigma: [2]float64{1, 1}},
				{Camera: 1, Pixel: [2]float64{30, 40}, Sigma: [2]float64{0.5, 0.5}},
			},
		},
		{
			Point:    r3.Vector{X: 4, Y: 5, Z: 6},
			IsGCP:    true,
			GCP:      r3.Vector{X: 4, Y: 5, Z: 6},
			GCPSigma: r3.Vector{X: 0.1, Y: 0.1, Z: 0.2},
			Obs: []Observation{
				{Camera: 1, Pixel: [2]float64{50, 60}, Sigma: [2]float64{1, 1}},
			},
		},
	}}
	if err := WriteNetwork(path, n); err != nil {
		t.Fatalf("WriteNetwork: %v", err)
	}

	back, err := ReadNetwork(path, 2)
	if err != nil {
		t.Fatalf("ReadNetwork: %v", err)
	}
	if len(back.Tracks) != 2 || back.NumObservations() != 3 {
		t.Fatalf("got %d tracks, %d observations", len(back.Tracks), back.NumObservations())
	}
	if !back.Tracks[1].IsGCP || back.Tracks[1].GCPSigma.Z != 0.2 {
		t.Errorf("gcp track mangled: %+v", back.Tracks[1])
	}
	if back.Tracks[0].Obs[1].Camera != 1 || back.Tracks[0].Obs[1].Sigma[0] != 0.5 {
		t.Errorf("observation mangled: %+v", back.Tracks[0].Obs[1])
	}
}

func TestReadNetworkValidation(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"obs before track":  "obs 0 1 2 1 1\n",
		"bad camera index":  "track 1 2 3\nobs 5 1 2 1 1\n",
		"short track":       "track 1 2\n",
		"unknown record":    "trak 1 2 3\n",
		"non-numeric value": "track 1 two 3\n",
		"empty network":     "# nothing here\n",
		"bad sigma":         "track 1 2 3\nobs 0 1 2 0 1\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, "bad.txt")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := ReadNetwork(path, 2); err == nil {
			t.Errorf("%s: expected a read error", name)
		}
	}
}

// syntheticScene builds a single adjusted camera observing a grid of
// fixed ground points, with observations generated by a known true
// adjustment.
func syntheticScene(t *testing.T, truth camera.Adjustment) (*ControlNetwork, []CamModel) {
	t.Helper()
	base := camera.NewPinhole(r3.Vector{}, nil, 1000, 500, 500)
	trueCam := &camera.Adjusted{Base: base, Adj: truth}

	net := &ControlNetwork{}
	for ix := -2; ix <= 2; ix++ {
		for iy := -2; iy <= 2; iy++ {
			p := r3.Vector{X: float64(ix) * 100, Y: float64(iy) * 100, Z: 1000}
			pix, ok := trueCam.Project(p)
			if !ok {
				t.Fatalf("scene point %v does not project", p)
			}
			net.Tracks = append(net.Tracks, Track{
				Point:    p,
				IsGCP:    true,
				GCP:      p,
				GCPSigma: r3.Vector{X: 0.01, Y: 0.01, Z: 0.01},
				Obs: []Observation{
					{Camera: 0, Pixel: pix, Sigma: [2]float64{1, 1}},
				},
			})
		}
	}
	solveCam := camera.NewAdjusted(base)
	return net, []CamModel{&AdjustedModel{Cam: solveCam}}
}

func TestSolveRecoversAdjustment(t *testing.T) {
	truth := camera.Adjustment{
		Translation: r3.Vector{X: 5, Y: -3, Z: 2},
		Rotation:    r3.Vector{X: 0.001, Y: -0.002, Z: 0.0015},
	}
	net, models := syntheticScene(t, truth)

	opts := Options{
		Solver:  DefaultSolverOptions(),
		FixGCPs: true,
		Datum:   geodesy.WGS84(),
	}
	params, result, err := Solve(net, models, opts, nil)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if result.Final.Mean >= result.Initial.Mean {
		t.Errorf("mean reprojection error did not improve: %v -> %v",
			result.Initial.Mean, result.Final.Mean)
	}
	if result.Final.Mean > 1e-3 {
		t.Errorf("final mean reprojection error %v px is too large", result.Final.Mean)
	}

	got := camera.AdjustmentFromVector(params.Cams[0][0])
	if got.Translation.Sub(truth.Translation).Norm() > 1e-2 {
		t.Errorf("translation: got %v, want %v", got.Translation, truth.Translation)
	}
	if got.Rotation.Sub(truth.Rotation).Norm() > 1e-5 {
		t.Errorf("rotation: got %v, want %v", got.Rotation, truth.Rotation)
	}

	// Solve writes the adjustment back into the wrapped camera.
	wrapped := models[0].(*AdjustedModel).Cam.Adj
	if wrapped != got {
		t.Errorf("camera struct not updated: %+v vs %+v", wrapped, got)
	}
}

func TestSolveRejectsBadInput(t *testing.T) {
	if _, _, err := Solve(&ControlNetwork{}, nil, Options{}, nil); err == nil {
		t.Error("expected error without cameras")
	}

	base := camera.NewPinhole(r3.Vector{}, nil, 1000, 500, 500)
	models := []CamModel{&AdjustedModel{Cam: camera.NewAdjusted(base)}}
	net := &ControlNetwork{Tracks: []Track{{
		Point: r3.Vector{Z: 100},
		Obs:   []Observation{{Camera: 3, Pixel: [2]float64{1, 1}, Sigma: [2]float64{1, 1}}},
	}}}
	if _, _, err := Solve(net, models, Options{}, nil); err == nil {
		t.Error("expected error for an out-of-range camera index")
	}

	if _, err := LossByName("nope", 1); err == nil {
		t.Error("expected error for an unknown loss")
	}
}
