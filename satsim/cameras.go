package satsim

import (
	"fmt"
	"log"
	"os"

	"github.com/pkg/errors"

	"github.com/stereogeo/stereogeo/camera"
)

var logger = log.New(os.Stderr, "", log.LstdFlags|log.Lshortfile)

// GenPrefix names the i-th camera and image of a run. The fixed offset
// keeps names the same width so they sort in camera order.
func GenPrefix(outPrefix string, i int) string {
	return fmt.Sprintf("%s-%d", outPrefix, 10000+i)
}

// GenRefPrefix names the i-th reference camera, the one without
// roll/pitch/yaw, jitter, or the sensor-frame rotation.
func GenRefPrefix(outPrefix string, i int) string {
	return fmt.Sprintf("%s-ref-%d", outPrefix, 10000+i)
}

// SkipCamera reports whether index i falls outside the configured range.
func SkipCamera(i int, opts *Options) bool {
	return opts.FirstIndex >= 0 && opts.LastIndex >= 0 &&
		(i < opts.FirstIndex || i >= opts.LastIndex)
}

// GenCameras builds pinhole cameras from a trajectory and writes the ones
// within the index range as tsai files. All cameras are returned so image
// generation can reference them by index.
func GenCameras(opts *Options, traj *Trajectory) ([]string, []*camera.Pinhole, error) {
	if len(traj.Positions) != len(traj.Cam2World) {
		return nil, nil, errors.New("expecting as many camera positions as camera orientations")
	}

	names := make([]string, len(traj.Positions))
	cams := make([]*camera.Pinhole, len(traj.Positions))
	for i := range traj.Positions {
		cams[i] = camera.NewPinhole(traj.Positions[i], traj.Cam2World[i],
			opts.FocalLength, opts.OpticalCenter[0], opts.OpticalCenter[1])
		names[i] = GenPrefix(opts.OutPrefix, i) + ".tsai"

		if SkipCamera(i, opts) {
			continue
		}
		logger.Printf("writing: %s", names[i])
		if err := camera.WriteTsai(names[i], cams[i]); err != nil {
			return nil, nil, err
		}

		if opts.SaveRefCams {
			refCam := camera.NewPinhole(traj.Positions[i], traj.RefCam2World[i],
				opts.FocalLength, opts.OpticalCenter[0], opts.OpticalCenter[1])
			refName := GenRefPrefix(opts.OutPrefix, i) + ".tsai"
			logger.Printf("writing: %s", refName)
			if err := camera.WriteTsai(refName, refCam); err != nil {
				return nil, nil, err
			}
		}
	}
	return names, cams, nil
}

// ReadCameras loads externally supplied pinhole cameras from a list file.
func ReadCameras(listPath string) ([]string, []*camera.Pinhole, error) {
	names, err := camera.ReadCameraList(listPath)
	if err != nil {
		return nil, nil, err
	}
	cams := make([]*camera.Pinhole, len(names))
	for i, name := range names {
		cams[i], err = camera.ReadTsai(name)
		if err != nil {
			return nil, nil, err
		}
	}
	return names, cams, nil
}
