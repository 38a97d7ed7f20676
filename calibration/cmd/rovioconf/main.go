// Package main converts a Kalibr camchain-imucam.yaml into rovio camera configuration
// blocks and camera_info style intrinsics. Supports the radtan (AKA plumb_bob) and FOV
// distortion models.
package main

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/calibtools/calibration"
	"go.viam.com/calibtools/calibration/rovio"
	"go.viam.com/calibtools/logging"
)

const name = "rovioconf"

var logger = logging.NewLogger(name)

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	Cam   string `flag:"cam,required,usage=camera configuration as yaml file"`
	Out   string `flag:"out,usage=write the configuration here instead of stdout"`
	Debug bool   `flag:"debug,usage=enable debug logging"`
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.Debug {
		logger = logging.NewDebugLogger(name)
	}
	return run(argsParsed, os.Stdout, logger)
}

func run(args Arguments, stdout io.Writer, logger logging.Logger) (err error) {
	if args.Cam == "" {
		return errors.New("need to specify a camera chain with --cam")
	}
	chain, err := calibration.LoadCameraChain(args.Cam)
	if err != nil {
		return err
	}
	logChain(chain, logger)

	if args.Out == "" {
		return rovio.WriteConfig(stdout, chain)
	}

	// render first so a bad chain never truncates an existing file
	var rendered bytes.Buffer
	if err := rovio.WriteConfig(&rendered, chain); err != nil {
		return err
	}
	//nolint:gosec
	f, err := os.Create(args.Out)
	if err != nil {
		return errors.Wrapf(err, "cannot create %q", args.Out)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	if _, err := rendered.WriteTo(f); err != nil {
		return errors.Wrapf(err, "cannot write %q", args.Out)
	}
	logger.Infof("wrote %d camera blocks to %s", chain.NumCameras(), args.Out)
	return nil
}

func logChain(chain *calibration.CameraChain, logger logging.Logger) {
	for _, cam := range chain.Cameras {
		fields := []interface{}{
			"camera", cam.Name,
			"topic", cam.RosTopic,
			"distortion", cam.Intrinsics.Distortion,
			"timeshift_cam_imu", cam.TimeshiftCamImu,
			"imu_in_cam", cam.Extrinsics.Translation(),
		}
		if cam.Index > 0 {
			if t, err := chain.CamToCam(0, cam.Index); err == nil {
				fields = append(fields, "baseline_to_cam0", [3]float64{t.At(0, 3), t.At(1, 3), t.At(2, 3)})
			}
		}
		logger.Debugw("loaded camera", fields...)
	}
}
