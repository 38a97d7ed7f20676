// Package calibration loads Kalibr camera/IMU calibration results.
package calibration

import (
	"fmt"
	"os"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInputNotFound is returned when the calibration file does not exist.
	ErrInputNotFound = errors.New("input not found")
	// ErrMalformedInput is returned when the calibration file is not a usable camera chain.
	ErrMalformedInput = errors.New("malformed input")
	// ErrUnsupportedModel is returned for camera or distortion models that cannot be handled.
	ErrUnsupportedModel = errors.New("unsupported model")
)

// DistortionType is the name of a Kalibr distortion model.
type DistortionType string

const (
	// RadialTangentialDistortionType is the radtan (plumb_bob) model with k1, k2, r1, r2.
	RadialTangentialDistortionType = DistortionType("radtan")
	// FieldOfViewDistortionType is the single parameter FOV model.
	FieldOfViewDistortionType = DistortionType("fov")
	// EquidistantDistortionType is the four parameter fisheye model.
	EquidistantDistortionType = DistortionType("equidistant")
	// NoDistortionType means no distortion coefficients.
	NoDistortionType = DistortionType("none")
)

// NumCoeffs returns how many coefficients the model takes, or -1 if the model is not known.
func (dt DistortionType) NumCoeffs() int {
	switch dt {
	case RadialTangentialDistortionType, EquidistantDistortionType:
		return 4
	case FieldOfViewDistortionType:
		return 1
	case NoDistortionType:
		return 0
	default:
		return -1
	}
}

// PinholeCameraModel is the only projection model rovio understands.
const PinholeCameraModel = "pinhole"

// CameraIntrinsics holds the projection and distortion parameters of a pinhole camera.
type CameraIntrinsics struct {
	Width            int
	Height           int
	Fx               float64
	Fy               float64
	Ppx              float64
	Ppy              float64
	Distortion       DistortionType
	DistortionCoeffs []float64
}

// CheckValid checks if the fields for CameraIntrinsics have valid inputs.
func (params *CameraIntrinsics) CheckValid() error {
	if params.Width <= 0 || params.Height <= 0 {
		return errors.Errorf("invalid size (%d, %d)", params.Width, params.Height)
	}
	if params.Fx <= 0 {
		return errors.Errorf("invalid focal length Fx = %v", params.Fx)
	}
	if params.Fy <= 0 {
		return errors.Errorf("invalid focal length Fy = %v", params.Fy)
	}
	if n := params.Distortion.NumCoeffs(); n >= 0 && len(params.DistortionCoeffs) != n {
		return errors.Errorf("distortion model %q takes %d coefficients, got %d",
			params.Distortion, n, len(params.DistortionCoeffs))
	}
	return nil
}

// CameraMatrix returns the 3x3 camera matrix.
func (params *CameraIntrinsics) CameraMatrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		params.Fx, 0, params.Ppx,
		0, params.Fy, params.Ppy,
		0, 0, 1,
	})
}

// Camera is one camera of a chain.
type Camera struct {
	Index           int
	Name            string
	CameraModel     string
	RosTopic        string
	TimeshiftCamImu float64
	Overlaps        []int
	Intrinsics      CameraIntrinsics
	Extrinsics      CameraExtrinsics
}

// CameraChain is the ordered set of cameras calibrated against one IMU.
type CameraChain struct {
	Cameras []Camera
}

// NumCameras returns the number of cameras in the chain.
func (c *CameraChain) NumCameras() int {
	return len(c.Cameras)
}

// Camera returns the camera at index i.
func (c *CameraChain) Camera(i int) (Camera, error) {
	if i < 0 || i >= len(c.Cameras) {
		return Camera{}, errors.Errorf("camera index %d out of range [0, %d)", i, len(c.Cameras))
	}
	return c.Cameras[i], nil
}

// CamToCam returns the transform taking points in camera from's frame into camera to's
// frame, composed through the IMU.
func (c *CameraChain) CamToCam(from, to int) (*mat.Dense, error) {
	src, err := c.Camera(from)
	if err != nil {
		return nil, err
	}
	dst, err := c.Camera(to)
	if err != nil {
		return nil, err
	}
	imuFromSrc, err := src.Extrinsics.CamToImu()
	if err != nil {
		return nil, err
	}
	var out mat.Dense
	out.Mul(dst.Extrinsics.TCamImu, imuFromSrc)
	return &out, nil
}

type cameraYAML struct {
	CameraModel      string      `yaml:"camera_model"`
	Intrinsics       []float64   `yaml:"intrinsics"`
	DistortionModel  string      `yaml:"distortion_model"`
	DistortionCoeffs []float64   `yaml:"distortion_coeffs"`
	Resolution       []int       `yaml:"resolution"`
	TCamImu          [][]float64 `yaml:"T_cam_imu"`
	RosTopic         string      `yaml:"rostopic"`
	TimeshiftCamImu  float64     `yaml:"timeshift_cam_imu"`
	CamOverlaps      []int       `yaml:"cam_overlaps"`
}

// LoadCameraChain reads a Kalibr camchain-imucam yaml file.
func LoadCameraChain(path string) (*CameraChain, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrInputNotFound, "calibration file %q", path)
		}
		return nil, errors.Wrapf(ErrMalformedInput, "cannot read calibration file %q: %v", path, err)
	}
	chain, err := ParseCameraChain(data)
	if err != nil {
		return nil, errors.Wrapf(err, "calibration file %q", path)
	}
	return chain, nil
}

// ParseCameraChain parses Kalibr camchain yaml. Cameras are the keys cam0, cam1, ...
// counted up to the first missing index.
func ParseCameraChain(data []byte) (*CameraChain, error) {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(ErrMalformedInput, "invalid yaml: %v", err)
	}

	chain := &CameraChain{}
	for i := 0; ; i++ {
		name := fmt.Sprintf("cam%d", i)
		node, ok := doc[name]
		if !ok {
			break
		}
		var raw cameraYAML
		if err := node.Decode(&raw); err != nil {
			return nil, errors.Wrapf(ErrMalformedInput, "%s: %v", name, err)
		}
		cam, err := raw.camera(i, name)
		if err != nil {
			return nil, err
		}
		chain.Cameras = append(chain.Cameras, cam)
	}
	if len(chain.Cameras) == 0 {
		keys := make([]string, 0, len(doc))
		for k := range doc {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, errors.Wrapf(ErrMalformedInput, "no cameras found (keys %v)", keys)
	}
	return chain, nil
}

func (raw *cameraYAML) camera(index int, name string) (Camera, error) {
	model := raw.CameraModel
	if model == "" {
		model = PinholeCameraModel
	}
	if model != PinholeCameraModel {
		return Camera{}, errors.Wrapf(ErrUnsupportedModel, "%s: camera model %q", name, model)
	}
	if len(raw.Intrinsics) != 4 {
		return Camera{}, errors.Wrapf(ErrMalformedInput, "%s: intrinsics needs 4 values [fu fv pu pv], got %d",
			name, len(raw.Intrinsics))
	}
	if len(raw.Resolution) != 2 {
		return Camera{}, errors.Wrapf(ErrMalformedInput, "%s: resolution needs 2 values, got %d", name, len(raw.Resolution))
	}
	if raw.DistortionModel == "" {
		return Camera{}, errors.Wrapf(ErrMalformedInput, "%s: missing distortion_model", name)
	}
	if raw.TCamImu == nil {
		return Camera{}, errors.Wrapf(ErrMalformedInput, "%s: missing T_cam_imu", name)
	}

	intrinsics := CameraIntrinsics{
		Width:            raw.Resolution[0],
		Height:           raw.Resolution[1],
		Fx:               raw.Intrinsics[0],
		Fy:               raw.Intrinsics[1],
		Ppx:              raw.Intrinsics[2],
		Ppy:              raw.Intrinsics[3],
		Distortion:       DistortionType(raw.DistortionModel),
		DistortionCoeffs: raw.DistortionCoeffs,
	}
	if err := intrinsics.CheckValid(); err != nil {
		return Camera{}, errors.Wrapf(ErrMalformedInput, "%s: %v", name, err)
	}

	extrinsics, err := NewCameraExtrinsics(raw.TCamImu)
	if err != nil {
		return Camera{}, errors.Wrapf(ErrMalformedInput, "%s: T_cam_imu: %v", name, err)
	}

	return Camera{
		Index:           index,
		Name:            name,
		CameraModel:     model,
		RosTopic:        raw.RosTopic,
		TimeshiftCamImu: raw.TimeshiftCamImu,
		Overlaps:        raw.CamOverlaps,
		Intrinsics:      intrinsics,
		Extrinsics:      extrinsics,
	}, nil
}
