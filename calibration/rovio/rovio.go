// Package rovio renders Kalibr camera chains as ROVIO camera configuration blocks.
//
// Quaternions use the JPL convention (rovio before the kindr v1 update).
package rovio

import (
	"bytes"
	"io"
	"math"
	"strconv"
	"strings"
	"text/template"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/calibtools/calibration"
)

var funcs = template.FuncMap{
	"f":    FormatFloat,
	"list": formatList,
}

// radtan is renamed to plumb_bob for rovio.
var intrinsicsRadtanTpl = template.Must(template.New("radtan").Funcs(funcs).Parse(`

image_width: {{.Width}}
image_height: {{.Height}}
camera_name: cam{{.Index}}
camera_matrix:
    rows: 3
    cols: 3
    data: [{{list .CameraMatrix}}]
distortion_model: 'plumb_bob'
distortion_coefficients:
    rows: 1
    cols: {{len .Coeffs}}
    data:  [{{list .Coeffs}}]

`))

var intrinsicsFovTpl = template.Must(template.New("fov").Funcs(funcs).Parse(`

image_width: {{.Width}}
image_height: {{.Height}}
camera_name: cam{{.Index}}
camera_matrix:
    rows: 3
    cols: 3
    data: [{{list .CameraMatrix}}]
distortion_model: fov
distortion_coefficients:
    rows: 1
    cols: {{len .Coeffs}}
    data:  [{{list .Coeffs}}]

`))

var extrinsicsTpl = template.Must(template.New("extrinsics").Funcs(funcs).Parse(`

Camera{{.Index}}
{
    CalibrationFile
    qCM_x  {{f (index .QCM 0)}}       ; IMU-cam quat x  (JPL)
    qCM_y  {{f (index .QCM 1)}}       ; IMU-cam quat y  (JPL)
    qCM_z  {{f (index .QCM 2)}}       ; IMU-cam quat z  (JPL)
    qCM_w  {{f (index .QCM 3)}}       ; IMU-cam quat w  (JPL)
    MrMC_x {{f .MrMC.X}}      ; IMU-cam vec x (in IMU CF) [m]
    MrMC_y {{f .MrMC.Y}}      ; IMU-cam vec y (in IMU CF) [m]
    MrMC_z {{f .MrMC.Z}}      ; IMU-cam vec z (in IMU CF) [m]
}

`))

var intrinsicsTemplates = map[calibration.DistortionType]*template.Template{
	calibration.RadialTangentialDistortionType: intrinsicsRadtanTpl,
	calibration.FieldOfViewDistortionType:      intrinsicsFovTpl,
}

type intrinsicsArgs struct {
	Index         int
	Width, Height int
	CameraMatrix  []float64
	Coeffs        []float64
}

// RenderIntrinsics renders the camera_info style intrinsics block of a camera.
func RenderIntrinsics(cam calibration.Camera) (string, error) {
	in := cam.Intrinsics
	tpl, ok := intrinsicsTemplates[in.Distortion]
	if !ok {
		return "", errors.Wrapf(calibration.ErrUnsupportedModel, "cam%d: distortion model %q", cam.Index, in.Distortion)
	}
	if n := in.Distortion.NumCoeffs(); len(in.DistortionCoeffs) != n {
		return "", errors.Wrapf(calibration.ErrMalformedInput, "cam%d: distortion model %q takes %d coefficients, got %d",
			cam.Index, in.Distortion, n, len(in.DistortionCoeffs))
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, intrinsicsArgs{
		Index:        cam.Index,
		Width:        in.Width,
		Height:       in.Height,
		CameraMatrix: in.CameraMatrix().RawMatrix().Data,
		Coeffs:       in.DistortionCoeffs,
	}); err != nil {
		return "", errors.Wrapf(err, "cam%d: rendering intrinsics", cam.Index)
	}
	return buf.String(), nil
}

// RenderExtrinsics renders the Camera block holding the IMU to camera pose.
func RenderExtrinsics(cam calibration.Camera) (string, error) {
	if cam.Extrinsics.TCamImu == nil {
		return "", errors.Wrapf(calibration.ErrMalformedInput, "cam%d: missing T_cam_imu", cam.Index)
	}
	pos, err := cam.Extrinsics.CamPositionInImu()
	if err != nil {
		return "", errors.Wrapf(calibration.ErrMalformedInput, "cam%d: %v", cam.Index, err)
	}

	var buf bytes.Buffer
	if err := extrinsicsTpl.Execute(&buf, struct {
		Index int
		QCM   [4]float64
		MrMC  r3.Vector
	}{
		Index: cam.Index,
		QCM:   cam.Extrinsics.ImuToCamQuaternionJPL(),
		MrMC:  pos,
	}); err != nil {
		return "", errors.Wrapf(err, "cam%d: rendering extrinsics", cam.Index)
	}
	return buf.String(), nil
}

// RenderCamera renders both blocks of a camera, each followed by a blank line.
func RenderCamera(cam calibration.Camera) (string, error) {
	intrinsics, err := RenderIntrinsics(cam)
	if err != nil {
		return "", err
	}
	extrinsics, err := RenderExtrinsics(cam)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, block := range []string{intrinsics, extrinsics} {
		sb.WriteString(block)
		sb.WriteString("\n\n")
	}
	return sb.String(), nil
}

// WriteConfig writes the blocks of every camera of the chain in order. Nothing is
// written unless every camera renders.
func WriteConfig(w io.Writer, chain *calibration.CameraChain) error {
	var buf bytes.Buffer
	for _, cam := range chain.Cameras {
		rendered, err := RenderCamera(cam)
		if err != nil {
			return err
		}
		buf.WriteString(rendered)
	}
	_, err := buf.WriteTo(w)
	return err
}

// FormatFloat prints the shortest digits that parse back to exactly v, so
// 0.7071067811865476 is written in full rather than cut to 12 significant digits.
// Integral values keep a trailing ".0" and very small or very large magnitudes
// switch to exponent notation.
func FormatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	if abs := math.Abs(v); abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(v, 'e', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func formatList(vals []float64) string {
	parts := make([]string, 0, len(vals))
	for _, v := range vals {
		parts = append(parts, FormatFloat(v))
	}
	return strings.Join(parts, ", ")
}
