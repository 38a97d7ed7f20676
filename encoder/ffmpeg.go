// Package encoder runs an ffmpeg process that turns raw frames written to its stdin into a video file.
package encoder

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/multierr"

	"go.viam.com/calibtools/logging"
)

var (
	// ErrSubprocessFailure is returned when the encoder cannot be started or exits abnormally.
	ErrSubprocessFailure = errors.New("encoder subprocess failure")
	// ErrStreamWriteFailure is returned when a frame cannot be handed to the encoder.
	ErrStreamWriteFailure = errors.New("encoder stream write failure")
)

// Defaults of the raw stream recorded by the VI sensor cameras.
const (
	DefaultBinary      = "ffmpeg"
	DefaultWidth       = 752
	DefaultHeight      = 480
	DefaultPixelFormat = "bgr24"
	DefaultFrameRate   = 20
	DefaultCRF         = 22
)

// Config describes the raw input stream and the encoded output.
type Config struct {
	Binary      string
	Width       int
	Height      int
	PixelFormat string
	FrameRate   int
	CRF         int
	VFlip       bool
	Output      string
	// Stderr receives the encoder's own diagnostics; nil means os.Stderr.
	Stderr io.Writer
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig(output string) Config {
	return Config{
		Binary:      DefaultBinary,
		Width:       DefaultWidth,
		Height:      DefaultHeight,
		PixelFormat: DefaultPixelFormat,
		FrameRate:   DefaultFrameRate,
		CRF:         DefaultCRF,
		VFlip:       true,
		Output:      output,
	}
}

// Validate checks that the config can produce a sensible command line.
func (cfg Config) Validate() error {
	if cfg.Output == "" {
		return errors.New("output path is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return errors.Errorf("invalid frame size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FrameRate <= 0 {
		return errors.Errorf("invalid frame rate %d", cfg.FrameRate)
	}
	if cfg.CRF < 0 {
		return errors.Errorf("invalid crf %d", cfg.CRF)
	}
	if cfg.PixelFormat == "" {
		return errors.New("pixel format is required")
	}
	return nil
}

// FrameSize returns the number of bytes in one raw frame, or 0 when the pixel
// format is not one we know the depth of.
func (cfg Config) FrameSize() int {
	switch cfg.PixelFormat {
	case "bgr24", "rgb24":
		return cfg.Width * cfg.Height * 3
	case "bgra", "rgba":
		return cfg.Width * cfg.Height * 4
	case "gray":
		return cfg.Width * cfg.Height
	default:
		return 0
	}
}

// Args returns the encoder arguments, without the binary name.
func (cfg Config) Args() []string {
	stream := ffmpeg.Input("pipe:0", ffmpeg.KwArgs{
		"f":       "rawvideo",
		"pix_fmt": cfg.PixelFormat,
		"s":       fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
	})
	if cfg.VFlip {
		stream = stream.Filter("vflip", ffmpeg.Args{})
	}
	return stream.
		Output(cfg.Output, ffmpeg.KwArgs{"r": cfg.FrameRate, "crf": cfg.CRF}).
		OverWriteOutput().
		GetArgs()
}

// ResolveBinary returns the full path of the encoder binary.
func (cfg Config) ResolveBinary() (string, error) {
	bin := cfg.Binary
	if bin == "" {
		bin = DefaultBinary
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return "", errors.Wrapf(ErrSubprocessFailure, "cannot find encoder %q: %v", bin, err)
	}
	return path, nil
}

// Process is a running encoder. Frames written to it are piped to the encoder's stdin
// without buffering on our side. Close must be called on every path once the process
// has been started.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger logging.Logger

	frames   int
	closed   bool
	closeErr error
}

// Start resolves the encoder binary and starts it. Cancelling ctx kills the encoder.
func Start(ctx context.Context, cfg Config, logger logging.Logger) (*Process, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	path, err := cfg.ResolveBinary()
	if err != nil {
		return nil, err
	}

	args := cfg.Args()
	//nolint:gosec
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stderr = cfg.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrapf(ErrSubprocessFailure, "cannot attach to encoder stdin: %v", err)
	}
	logger.Debugw("starting encoder", "path", path, "args", args)
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(ErrSubprocessFailure, "cannot start encoder %q: %v", path, err)
	}
	return &Process{cmd: cmd, stdin: stdin, logger: logger}, nil
}

// Write hands one frame to the encoder, blocking until the pipe accepts all of it.
func (p *Process) Write(frame []byte) (int, error) {
	if p.closed {
		return 0, errors.Wrap(ErrStreamWriteFailure, "encoder already closed")
	}
	n, err := p.stdin.Write(frame)
	if err != nil {
		return n, errors.Wrapf(ErrStreamWriteFailure, "frame %d: %v", p.frames, err)
	}
	p.frames++
	return n, nil
}

// Frames returns the number of frames fully written so far.
func (p *Process) Frames() int {
	return p.frames
}

// Close closes the encoder's stdin and waits for it to exit. A non-zero exit status is
// reported as ErrSubprocessFailure. Calling Close again returns the first result.
func (p *Process) Close() error {
	if p.closed {
		return p.closeErr
	}
	p.closed = true

	var err error
	if closeErr := p.stdin.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		err = errors.Wrapf(ErrStreamWriteFailure, "closing encoder stdin: %v", closeErr)
	}
	if waitErr := p.cmd.Wait(); waitErr != nil {
		err = multierr.Combine(err, errors.Wrapf(ErrSubprocessFailure, "encoder %q after %d frames: %v",
			p.cmd.Path, p.frames, waitErr))
	}
	p.logger.Debugw("encoder exited", "frames", p.frames, "error", err)
	p.closeErr = err
	return err
}
