// Package main creates a video out of the sensor_msgs/Image messages stored in a bag.
//
// Instead of writing temporary images, the raw image data is piped straight into ffmpeg,
// which encodes it to a CRF controlled mp4. The ffmpeg binary must be available on PATH
// unless --ffmpeg points at it.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/calibtools/encoder"
	"go.viam.com/calibtools/logging"
	"go.viam.com/calibtools/ros"
)

const name = "bag2video"

var logger = logging.NewLogger(name)

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	BagFile     string `flag:"0,required,usage=path to the bagfile"`
	Rate        int    `flag:"rate,default=20,usage=video frame rate"`
	CRF         int    `flag:"crf,default=22,usage=Constant Rate Factor (CRF) for H264 encoding"`
	Topic       string `flag:"t,usage=topic where images are published (all topics when empty)"`
	Output      string `flag:"o,usage=path to output file (w/ extension)"`
	FFmpeg      string `flag:"ffmpeg,default=ffmpeg,usage=encoder binary"`
	Size        string `flag:"size,default=752x480,usage=raw frame size as WIDTHxHEIGHT"`
	PixelFormat string `flag:"pix_fmt,default=bgr24,usage=raw frame pixel format"`
	Debug       bool   `flag:"debug,usage=enable debug logging"`
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.Debug {
		logger = logging.NewDebugLogger(name)
	}
	return run(ctx, argsParsed, os.Stdout, logger)
}

// imageSource is the part of a bag the converter reads from.
type imageSource interface {
	EachImage(topics []string, fn func(ros.ImageRecord) error) error
}

func run(ctx context.Context, args Arguments, stdout io.Writer, logger logging.Logger) error {
	if args.BagFile == "" {
		return errors.New("need to specify a bag file path")
	}
	cfg, err := args.encoderConfig()
	if err != nil {
		return err
	}
	// fail on a missing encoder before spending time on the bag
	if _, err := cfg.ResolveBinary(); err != nil {
		return err
	}

	bag, err := ros.ReadBag(args.BagFile)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Saving output to '%s'\n", cfg.Output)

	var topics []string
	if args.Topic != "" {
		topics = []string{args.Topic}
	}
	return encode(ctx, bag, topics, cfg, logger)
}

// encode streams every image of the selected topics into a fresh encoder process.
func encode(ctx context.Context, src imageSource, topics []string, cfg encoder.Config, logger logging.Logger) (err error) {
	proc, err := encoder.Start(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, proc.Close())
	}()

	frameSize := cfg.FrameSize()
	warned := map[string]bool{}
	if err := src.EachImage(topics, func(rec ros.ImageRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if frameSize != 0 && len(rec.Data) != frameSize && !warned[rec.Topic] {
			warned[rec.Topic] = true
			logger.Warnw("image size does not match the raw frame size",
				"topic", rec.Topic,
				"bytes", len(rec.Data),
				"expected", frameSize,
				"width", rec.Width,
				"height", rec.Height,
				"encoding", rec.Encoding)
		}
		if _, err := proc.Write(rec.Data); err != nil {
			return errors.Wrapf(err, "topic %q", rec.Topic)
		}
		logger.Debugw("wrote frame", "topic", rec.Topic, "time", rec.Time, "frame", proc.Frames())
		return nil
	}); err != nil {
		return err
	}
	logger.Infof("wrote %d frames to %s", proc.Frames(), cfg.Output)
	return nil
}

func (args Arguments) encoderConfig() (encoder.Config, error) {
	cfg := encoder.DefaultConfig(outputPath(args.BagFile, args.Output))
	cfg.FrameRate = args.Rate
	cfg.CRF = args.CRF
	if args.FFmpeg != "" {
		cfg.Binary = args.FFmpeg
	}
	if args.PixelFormat != "" {
		cfg.PixelFormat = args.PixelFormat
	}
	if args.Size != "" {
		width, height, err := parseSize(args.Size)
		if err != nil {
			return encoder.Config{}, err
		}
		cfg.Width, cfg.Height = width, height
	}
	return cfg, cfg.Validate()
}

// outputPath returns override, or the bag's base name with an .mp4 extension.
func outputPath(bagFile, override string) string {
	if override != "" {
		return override
	}
	base := filepath.Base(bagFile)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".mp4"
}

func parseSize(size string) (int, int, error) {
	w, h, ok := strings.Cut(strings.ToLower(size), "x")
	if !ok {
		return 0, 0, errors.Errorf("invalid size %q, expected WIDTHxHEIGHT", size)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "invalid width in size %q", size)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "invalid height in size %q", size)
	}
	return width, height, nil
}
