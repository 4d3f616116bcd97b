package bundle

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	mscanner "github.com/satoshi-pes/modscanner"
)

var logger = log.New(os.Stderr, "", log.LstdFlags|log.Lshortfile)

// Observation is one pixel measurement of a track in one camera.
type Observation struct {
	Camera int
	Pixel  [2]float64
	Sigma  [2]float64
}

// Track is a triangulated world point with its image observations.
// GCP tracks carry an independently surveyed position with sigmas; the
// Point field still holds the working (triangulated) estimate.
type Track struct {
	Point    r3.Vector // ECEF, meters
	IsGCP    bool
	GCP      r3.Vector
	GCPSigma r3.Vector
	Obs      []Observation
}

// ControlNetwork is the full set of tracks tying cameras together.
type ControlNetwork struct {
	Tracks []Track
}

// NumObservations counts pixel measurements over all tracks.
func (n *ControlNetwork) NumObservations() int {
	c := 0
	for i := range n.Tracks {
		c += len(n.Tracks[i].Obs)
	}
	return c
}

// Control network file layout, one record per line:
//
//	track x y z
//	gcp x y z sx sy sz
//	obs cam px py sx sy
//
// A track or gcp line opens a track; obs lines attach to the most recent
// one. Blank lines and lines starting with '#' are skipped.

// WriteNetwork saves a control network.
func WriteNetwork(path string, n *ControlNetwork) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create control network %s", path)
	}
	defer f.Close()

	for i := range n.Tracks {
		t := &n.Tracks[i]
		if t.IsGCP {
			fmt.Fprintf(f, "gcp %.17g %.17g %.17g %.17g %.17g %.17g\n",
				t.GCP.X, t.GCP.Y, t.GCP.Z, t.GCPSigma.X, t.GCPSigma.Y, t.GCPSigma.Z)
		} else {
			fmt.Fprintf(f, "track %.17g %.17g %.17g\n", t.Point.X, t.Point.Y, t.Point.Z)
		}
		for _, o := range t.Obs {
			fmt.Fprintf(f, "obs %d %.17g %.17g %.17g %.17g\n",
				o.Camera, o.Pixel[0], o.Pixel[1], o.Sigma[0], o.Sigma[1])
		}
	}
	return nil
}

// ReadNetwork loads a control network, validating it against the number
// of cameras in the run.
func ReadNetwork(path string, numCameras int) (*ControlNetwork, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open control network %s", path)
	}
	defer f.Close()

	n := &ControlNetwork{}
	lineNum := 0
	s := mscanner.NewScanner(f)
	for s.Scan() {
		lineNum++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		vals, err := parseFloats(fields[1:])
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d", path, lineNum)
		}

		switch fields[0] {
		case "track":
			if len(vals) != 3 {
				return nil, errors.Errorf("%s:%d: track needs 3 values", path, lineNum)
			}
			n.Tracks = append(n.Tracks, Track{
				Point: r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]},
			})
		case "gcp":
			if len(vals) != 6 {
				return nil, errors.Errorf("%s:%d: gcp needs 6 values", path, lineNum)
			}
			p := r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]}
			n.Tracks = append(n.Tracks, Track{
				Point:    p,
				IsGCP:    true,
				GCP:      p,
				GCPSigma: r3.Vector{X: vals[3], Y: vals[4], Z: vals[5]},
			})
		case "obs":
			if len(n.Tracks) == 0 {
				return nil, errors.Errorf("%s:%d: obs before any track", path, lineNum)
			}
			if len(vals) != 5 {
				return nil, errors.Errorf("%s:%d: obs needs 5 values", path, lineNum)
			}
			cam := int(vals[0])
			if cam < 0 || cam >= numCameras {
				return nil, errors.Errorf("%s:%d: camera index %d out of range [0, %d)",
					path, lineNum, cam, numCameras)
			}
			t := &n.Tracks[len(n.Tracks)-1]
			t.Obs = append(t.Obs, Observation{
				Camera: cam,
				Pixel:  [2]float64{vals[1], vals[2]},
				Sigma:  [2]float64{vals[3], vals[4]},
			})
		default:
			return nil, errors.Errorf("%s:%d: unknown record %q", path, lineNum, fields[0])
		}
	}

	if len(n.Tracks) == 0 {
		return nil, errors.Errorf("control network %s: no tracks were found", path)
	}
	for i := range n.Tracks {
		t := &n.Tracks[i]
		for j := range t.Obs {
			o := &t.Obs[j]
			if o.Sigma[0] <= 0 || o.Sigma[1] <= 0 {
				return nil, errors.Errorf("control network %s: track %d has a non-positive pixel sigma", path, i)
			}
		}
		if !t.IsGCP && len(t.Obs) < 2 {
			logger.Printf("warning: %s: track %d has %d observation(s), the point is weakly constrained",
				path, i, len(t.Obs))
		}
	}
	return n, nil
}

func parseFloats(fields []string) ([]float64, error) {
	vals := make([]float64, len(fields))
	for i, tok := range fields {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "value %q", tok)
		}
		vals[i] = v
	}
	return vals, nil
}
