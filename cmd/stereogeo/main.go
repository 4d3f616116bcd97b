package main

import (
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/stereogeo/stereogeo/bundle"
	"github.com/stereogeo/stereogeo/camera"
	"github.com/stereogeo/stereogeo/dem"
	"github.com/stereogeo/stereogeo/geodesy"
	"github.com/stereogeo/stereogeo/pointcloud"
	"github.com/stereogeo/stereogeo/satsim"
)

func newLogger() (*zap.SugaredLogger, error) {
	lg, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return lg.Sugar(), nil
}

// outName builds an output path from a run prefix and the base name of an
// input file, swapping the extension.
func outName(prefix, inPath, ext string) string {
	base := strings.TrimSuffix(filepath.Base(inPath), filepath.Ext(inPath))
	return prefix + "-" + base + ext
}

func floatN(c *cli.Context, name string, n int) ([]float64, error) {
	vals := c.Float64Slice(name)
	if len(vals) != n {
		return nil, errors.Errorf("flag --%s needs %d values, got %d", name, n, len(vals))
	}
	return vals, nil
}

func intN(c *cli.Context, name string, n int) ([]int, error) {
	vals := c.IntSlice(name)
	if len(vals) != n {
		return nil, errors.Errorf("flag --%s needs %d values, got %d", name, n, len(vals))
	}
	return vals, nil
}

func adjustCommand() *cli.Command {
	return &cli.Command{
		Name:  "adjust",
		Usage: "bundle-adjust cameras against a control network",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "camera-list", Usage: "text file listing tsai camera files, one per line", Required: true},
			&cli.StringFlag{Name: "network", Usage: "control network file", Required: true},
			&cli.StringFlag{Name: "output-prefix", Aliases: []string{"o"}, Usage: "prefix for output files", Required: true},
			&cli.StringFlag{Name: "input-adjustments-prefix", Usage: "prefix of adjustments from a previous run to resume from"},
			&cli.StringFlag{Name: "loss", Value: "cauchy", Usage: "robust loss: trivial, huber, or cauchy"},
			&cli.Float64Flag{Name: "loss-threshold", Value: 0.5, Usage: "robust loss threshold in pixels"},
			&cli.IntFlag{Name: "max-iterations", Value: 100, Usage: "solver iteration limit"},
			&cli.BoolFlag{Name: "solve-intrinsics", Usage: "also optimize focal length, optical center, and distortion"},
			&cli.BoolFlag{Name: "fix-gcp-xyz", Usage: "freeze ground control points instead of weighting them"},
			&cli.BoolFlag{Name: "llh-gcp-error", Usage: "express GCP constraints in lon/lat/height components"},
			&cli.Float64Flag{Name: "camera-weight", Usage: "penalty weight on pose departure from the input cameras"},
			&cli.Float64Flag{Name: "rotation-weight", Usage: "penalty weight on rotation departure"},
			&cli.Float64Flag{Name: "translation-weight", Usage: "penalty weight on translation departure"},
			&cli.Float64SliceFlag{Name: "camera-position-uncertainty", Usage: "horizontal and vertical camera displacement bounds in meters"},
			&cli.Float64Flag{Name: "camera-position-uncertainty-power", Value: 2, Usage: "exponent of the displacement penalty"},
			&cli.StringFlag{Name: "heights-from-dem", Usage: "DEM (.asc) tying free points to terrain heights"},
			&cli.Float64Flag{Name: "heights-from-dem-weight", Value: 1, Usage: "weight of the DEM height constraints"},
			&cli.StringFlag{Name: "reference-terrain", Usage: "point cloud of known terrain for disparity constraints"},
			&cli.StringFlag{Name: "disparity-x", Usage: "x disparity raster (.asc) from camera 0 to camera 1"},
			&cli.StringFlag{Name: "disparity-y", Usage: "y disparity raster (.asc) from camera 0 to camera 1"},
			&cli.Float64Flag{Name: "reference-terrain-weight", Value: 1, Usage: "weight of the reference terrain constraints"},
			&cli.Float64Flag{Name: "max-disp-error", Usage: "clamp on each disparity residual, in pixels; 0 disables"},
			&cli.IntFlag{Name: "max-num-reference-points", Value: 100000, Usage: "cap on reference terrain points"},
			&cli.StringFlag{Name: "csv-format", Value: "lon-lat-height", Usage: "reference terrain CSV columns: lon-lat-height or xyz"},
		},
		Action: adjustAction,
	}
}

func adjustAction(c *cli.Context) error {
	lg, err := newLogger()
	if err != nil {
		return err
	}
	defer lg.Sync()

	datum := geodesy.WGS84()

	names, err := camera.ReadCameraList(c.String("camera-list"))
	if err != nil {
		return err
	}
	solveIntrinsics := c.Bool("solve-intrinsics")
	inPrefix := c.String("input-adjustments-prefix")

	pins := make([]*camera.Pinhole, len(names))
	adjs := make([]*camera.Adjusted, len(names))
	models := make([]bundle.CamModel, len(names))
	for i, name := range names {
		pins[i], err = camera.ReadTsai(name)
		if err != nil {
			return err
		}
		adjs[i] = camera.NewAdjusted(pins[i])
		if inPrefix != "" {
			a, err := camera.ReadAdjustment(outName(inPrefix, name, ".adjust"))
			if err != nil {
				return err
			}
			adjs[i].Adj = a
		}
		if solveIntrinsics {
			models[i] = &bundle.PinholeModel{Cam: pins[i]}
		} else {
			models[i] = &bundle.AdjustedModel{Cam: adjs[i]}
		}
	}

	net, err := bundle.ReadNetwork(c.String("network"), len(models))
	if err != nil {
		return err
	}

	opts := bundle.Options{
		Loss:              c.String("loss"),
		LossThreshold:     c.Float64("loss-threshold"),
		Solver:            bundle.DefaultSolverOptions(),
		SolveIntrinsics:   solveIntrinsics,
		FixGCPs:           c.Bool("fix-gcp-xyz"),
		UseLLHError:       c.Bool("llh-gcp-error"),
		CameraWeight:      c.Float64("camera-weight"),
		RotationWeight:    c.Float64("rotation-weight"),
		TranslationWeight: c.Float64("translation-weight"),
		UncertaintyPower:  c.Float64("camera-position-uncertainty-power"),
		Datum:             datum,
	}
	opts.Solver.MaxIterations = c.Int("max-iterations")

	if vals := c.Float64Slice("camera-position-uncertainty"); len(vals) > 0 {
		if len(vals) != 2 {
			return errors.New("flag --camera-position-uncertainty needs 2 values")
		}
		opts.CameraPositionUncertainty = [2]float64{vals[0], vals[1]}
	}

	if demPath := c.String("heights-from-dem"); demPath != "" {
		r, err := dem.ReadASC(demPath, datum, geodesy.Geographic{})
		if err != nil {
			return err
		}
		opts.HeightFromDEM = r
		opts.HeightFromDEMWeight = c.Float64("heights-from-dem-weight")
	}

	if refPath := c.String("reference-terrain"); refPath != "" {
		dxPath, dyPath := c.String("disparity-x"), c.String("disparity-y")
		if dxPath == "" || dyPath == "" {
			return errors.New("flag --reference-terrain requires --disparity-x and --disparity-y")
		}
		disp, err := dem.LoadDisparity(dxPath, dyPath, datum, geodesy.Geographic{})
		if err != nil {
			return err
		}
		cloud, err := pointcloud.Load(refPath, pointcloud.LoadOptions{
			MaxPoints: c.Int("max-num-reference-points"),
			Datum:     datum,
			CSVFormat: c.String("csv-format"),
		})
		if err != nil {
			return err
		}
		opts.Disparity = disp
		opts.ReferenceTerrainWeight = c.Float64("reference-terrain-weight")
		opts.MaxDispError = c.Float64("max-disp-error")
		for _, p := range cloud.Points {
			if pointcloud.IsValid(p) {
				opts.ReferenceTerrain = append(opts.ReferenceTerrain, p.Add(cloud.Shift))
			}
		}
	}

	_, res, err := bundle.Solve(net, models, opts, lg)
	if err != nil {
		return err
	}

	outPrefix := c.String("output-prefix")
	for i, name := range names {
		if solveIntrinsics {
			if err := camera.WriteTsai(outName(outPrefix, name, ".tsai"), pins[i]); err != nil {
				return err
			}
		} else {
			if err := camera.WriteAdjustment(outName(outPrefix, name, ".adjust"), adjs[i].Adj); err != nil {
				return err
			}
		}
	}
	if err := bundle.WriteNetwork(outPrefix+"-final.net", net); err != nil {
		return err
	}
	lg.Infow("adjustment outputs written",
		"prefix", outPrefix,
		"converged", res.Summary.Converged,
		"meanReprojPx", res.Final.Mean,
	)
	return nil
}

func alignCommand() *cli.Command {
	return &cli.Command{
		Name:  "align",
		Usage: "align a source point cloud to a reference cloud",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "reference", Usage: "reference cloud (.ply, .csv, or .asc DEM)", Required: true},
			&cli.StringFlag{Name: "source", Usage: "source cloud to move onto the reference", Required: true},
			&cli.StringFlag{Name: "output-prefix", Aliases: []string{"o"}, Usage: "prefix for output files", Required: true},
			&cli.Float64Flag{Name: "max-displacement", Usage: "bound on point motion in meters; 0 disables cropping and the check"},
			&cli.IntFlag{Name: "max-source-points", Value: 100000, Usage: "cap on points used to estimate the transform"},
			&cli.IntFlag{Name: "max-load-points", Usage: "cap on points loaded per cloud; 0 keeps all"},
			&cli.IntFlag{Name: "max-iterations", Value: 100, Usage: "registration iteration limit"},
			&cli.Float64Flag{Name: "tolerance", Value: 1e-6, Usage: "convergence tolerance on the mean pair distance, meters"},
			&cli.Float64Flag{Name: "outlier-ratio", Value: 0.75, Usage: "fraction of closest pairs kept per iteration"},
			&cli.StringFlag{Name: "csv-format", Value: "lon-lat-height", Usage: "CSV columns: lon-lat-height or xyz"},
			&cli.StringFlag{Name: "height-dem", Usage: "DEM (.asc) whose terrain heights replace the loaded point heights"},
		},
		Action: alignAction,
	}
}

func writeErrStats(path string, before, after pointcloud.ErrStats) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create error report %s", path)
	}
	defer f.Close()

	fmt.Fprintln(f, "# stage, mean (m), median (m), stddev (m), max (m), samples")
	fmt.Fprintf(f, "before, %.6f, %.6f, %.6f, %.6f, %d\n",
		before.Mean, before.Median, before.StdDev, before.Max, before.N)
	fmt.Fprintf(f, "after, %.6f, %.6f, %.6f, %.6f, %d\n",
		after.Mean, after.Median, after.StdDev, after.Max, after.N)
	return nil
}

func alignAction(c *cli.Context) error {
	lg, err := newLogger()
	if err != nil {
		return err
	}
	defer lg.Sync()

	load := pointcloud.LoadOptions{
		MaxPoints: c.Int("max-load-points"),
		Datum:     geodesy.WGS84(),
		CSVFormat: c.String("csv-format"),
	}
	if demPath := c.String("height-dem"); demPath != "" {
		load.HeightDEM, err = dem.ReadASC(demPath, load.Datum, geodesy.Geographic{})
		if err != nil {
			return err
		}
	}
	ref, err := pointcloud.Load(c.String("reference"), load)
	if err != nil {
		return err
	}
	src, err := pointcloud.Load(c.String("source"), load)
	if err != nil {
		return err
	}
	lg.Infow("loaded clouds",
		"referencePoints", ref.NumValid(), "sourcePoints", src.NumValid())

	opts := pointcloud.DefaultAlignOptions()
	opts.MaxDisplacement = c.Float64("max-displacement")
	opts.MaxSourcePoints = c.Int("max-source-points")
	opts.Register.MaxIterations = c.Int("max-iterations")
	opts.Register.Tolerance = c.Float64("tolerance")
	opts.Register.OutlierRatio = c.Float64("outlier-ratio")

	res, err := pointcloud.Align(ref, src, opts, lg)
	if err != nil {
		return err
	}

	prefix := c.String("output-prefix")
	if err := pointcloud.WriteTransform(prefix+"-transform.txt", res.Transform); err != nil {
		return err
	}
	if err := writeErrStats(prefix+"-errors.csv", res.Register.Before, res.Register.After); err != nil {
		return err
	}

	// Align moved src in place; save it in the source's own format.
	var outCloud string
	switch strings.ToLower(filepath.Ext(c.String("source"))) {
	case ".csv", ".txt":
		outCloud = prefix + "-trans_source.csv"
		err = pointcloud.WriteCSV(outCloud, src, load.Datum)
	default:
		outCloud = prefix + "-trans_source.ply"
		err = pointcloud.WritePLY(outCloud, src)
	}
	if err != nil {
		return err
	}
	lg.Infow("alignment outputs written",
		"transform", prefix+"-transform.txt",
		"alignedCloud", outCloud,
		"groundDistanceM", res.GroundDistance,
	)
	return nil
}

func satSimCommand() *cli.Command {
	return &cli.Command{
		Name:  "sat-sim",
		Usage: "synthesize satellite cameras and images over a DEM",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dem", Usage: "terrain DEM (.asc)", Required: true},
			&cli.StringFlag{Name: "ortho", Usage: "orthoimage (.asc) draped over the DEM", Required: true},
			&cli.StringFlag{Name: "output-prefix", Aliases: []string{"o"}, Usage: "prefix for output files", Required: true},
			&cli.Float64SliceFlag{Name: "first", Usage: "first camera position: DEM pixel x, y, height (m)"},
			&cli.Float64SliceFlag{Name: "last", Usage: "last camera position: DEM pixel x, y, height (m)"},
			&cli.IntFlag{Name: "num-cameras", Usage: "number of cameras along the orbit segment"},
			&cli.Float64SliceFlag{Name: "first-ground-pos", Usage: "DEM pixel the first camera must look at"},
			&cli.Float64SliceFlag{Name: "last-ground-pos", Usage: "DEM pixel the last camera must look at"},
			&cli.Float64Flag{Name: "roll", Value: math.NaN(), Usage: "roll angle in degrees"},
			&cli.Float64Flag{Name: "pitch", Value: math.NaN(), Usage: "pitch angle in degrees"},
			&cli.Float64Flag{Name: "yaw", Value: math.NaN(), Usage: "yaw angle in degrees"},
			&cli.Float64Flag{Name: "jitter-frequency", Value: math.NaN(), Usage: "jitter frequency in Hz; enables jitter modeling"},
			&cli.Float64Flag{Name: "velocity", Value: math.NaN(), Usage: "satellite velocity in m/s, for jitter"},
			&cli.Float64SliceFlag{Name: "horizontal-uncertainty", Usage: "ground uncertainty (m) feeding the roll, pitch, yaw jitter amplitudes"},
			&cli.Float64Flag{Name: "focal-length", Usage: "focal length in pixels"},
			&cli.Float64SliceFlag{Name: "optical-center", Usage: "optical center in pixels: cx, cy"},
			&cli.IntSliceFlag{Name: "image-size", Usage: "image size in pixels: width, height"},
			&cli.IntFlag{Name: "first-index", Value: -1, Usage: "first camera index to write; -1 writes all"},
			&cli.IntFlag{Name: "last-index", Value: -1, Usage: "one past the last camera index to write; -1 writes all"},
			&cli.BoolFlag{Name: "save-ref-cams", Usage: "also write reference cameras without attitude or jitter"},
			&cli.Float64Flag{Name: "dem-height-error-tol", Value: 1e-3, Usage: "ray-DEM intersection height tolerance, meters"},
			&cli.StringFlag{Name: "camera-list", Usage: "render through externally supplied cameras instead of synthesizing them"},
			&cli.BoolFlag{Name: "no-images", Usage: "write cameras only, skip image rendering"},
		},
		Action: satSimAction,
	}
}

func satSimAction(c *cli.Context) error {
	lg, err := newLogger()
	if err != nil {
		return err
	}
	defer lg.Sync()

	datum := geodesy.WGS84()
	d, err := dem.ReadASC(c.String("dem"), datum, geodesy.Geographic{})
	if err != nil {
		return err
	}
	ortho, err := dem.ReadASC(c.String("ortho"), datum, geodesy.Geographic{})
	if err != nil {
		return err
	}
	lg.Infow("loaded rasters",
		"demSize", []int{d.Cols, d.Rows}, "orthoSize", []int{ortho.Cols, ortho.Rows})

	opts := satsim.DefaultOptions()
	opts.OutPrefix = c.String("output-prefix")
	opts.Roll = c.Float64("roll")
	opts.Pitch = c.Float64("pitch")
	opts.Yaw = c.Float64("yaw")
	opts.JitterFrequency = c.Float64("jitter-frequency")
	opts.Velocity = c.Float64("velocity")
	opts.FirstIndex = c.Int("first-index")
	opts.LastIndex = c.Int("last-index")
	opts.SaveRefCams = c.Bool("save-ref-cams")
	opts.DEMHeightErrorTol = c.Float64("dem-height-error-tol")

	if vals := c.Float64Slice("horizontal-uncertainty"); len(vals) > 0 {
		if len(vals) != 3 {
			return errors.New("flag --horizontal-uncertainty needs 3 values")
		}
		copy(opts.HorizontalUncertainty[:], vals)
	}
	size, err := intN(c, "image-size", 2)
	if err != nil {
		return err
	}
	opts.ImageSize = [2]int{size[0], size[1]}

	var camNames []string
	var cams []*camera.Pinhole
	external := c.String("camera-list") != ""
	if external {
		camNames, cams, err = satsim.ReadCameras(c.String("camera-list"))
		if err != nil {
			return err
		}
	} else {
		first, err := floatN(c, "first", 3)
		if err != nil {
			return err
		}
		last, err := floatN(c, "last", 3)
		if err != nil {
			return err
		}
		center, err := floatN(c, "optical-center", 2)
		if err != nil {
			return err
		}
		copy(opts.First[:], first)
		copy(opts.Last[:], last)
		opts.OpticalCenter = [2]float64{center[0], center[1]}
		opts.NumCameras = c.Int("num-cameras")
		opts.FocalLength = c.Float64("focal-length")
		if vals := c.Float64Slice("first-ground-pos"); len(vals) > 0 {
			if len(vals) != 2 {
				return errors.New("flag --first-ground-pos needs 2 values")
			}
			copy(opts.FirstGroundPos[:], vals)
		}
		if vals := c.Float64Slice("last-ground-pos"); len(vals) > 0 {
			if len(vals) != 2 {
				return errors.New("flag --last-ground-pos needs 2 values")
			}
			copy(opts.LastGroundPos[:], vals)
		}

		traj, err := satsim.CalcTrajectory(opts, d)
		if err != nil {
			return err
		}
		camNames, cams, err = satsim.GenCameras(&opts, traj)
		if err != nil {
			return err
		}
		lg.Infow("cameras written", "count", len(cams), "prefix", opts.OutPrefix)
	}

	if c.Bool("no-images") {
		return nil
	}
	return satsim.GenImages(c.Context, &opts, camNames, cams, d, ortho, external, lg)
}

func main() {
	app := &cli.App{
		Name:  "stereogeo",
		Usage: "stereo photogrammetry: bundle adjustment, cloud alignment, and satellite scene simulation",
		Commands: []*cli.Command{
			adjustCommand(),
			alignCommand(),
			satSimCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
