package calibration

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// orthonormalTolerance bounds how far R^T R may drift from identity. Kalibr writes
// transforms with enough digits that a well formed rotation is far inside this.
const orthonormalTolerance = 1e-5

// CameraExtrinsics is the pose of a camera relative to the IMU.
type CameraExtrinsics struct {
	// TCamImu is the 4x4 homogeneous transform taking IMU frame points into the camera frame.
	TCamImu *mat.Dense
}

// NewCameraExtrinsics builds extrinsics from the rows of a 4x4 homogeneous transform.
func NewCameraExtrinsics(rows [][]float64) (CameraExtrinsics, error) {
	if len(rows) != 4 {
		return CameraExtrinsics{}, errors.Errorf("expected 4 rows, got %d", len(rows))
	}
	data := make([]float64, 0, 16)
	for i, row := range rows {
		if len(row) != 4 {
			return CameraExtrinsics{}, errors.Errorf("row %d: expected 4 columns, got %d", i, len(row))
		}
		data = append(data, row...)
	}
	t := mat.NewDense(4, 4, data)

	for j, want := range []float64{0, 0, 0, 1} {
		if math.Abs(t.At(3, j)-want) > orthonormalTolerance {
			return CameraExtrinsics{}, errors.Errorf("last row must be [0 0 0 1], got %v", mat.Row(nil, 3, t))
		}
	}

	r := t.Slice(0, 3, 0, 3)
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	if !mat.EqualApprox(&rtr, eye3(), orthonormalTolerance) {
		return CameraExtrinsics{}, errors.New("rotation part is not orthonormal")
	}
	if det := mat.Det(r); math.Abs(det-1) > orthonormalTolerance {
		return CameraExtrinsics{}, errors.Errorf("rotation part has determinant %v, expected 1", det)
	}
	return CameraExtrinsics{TCamImu: t}, nil
}

func eye3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

// Rotation returns the 3x3 rotation taking IMU frame vectors into the camera frame.
func (e CameraExtrinsics) Rotation() mat.Matrix {
	return e.TCamImu.Slice(0, 3, 0, 3)
}

// Translation returns the translation part of T_cam_imu, i.e. the IMU origin in the camera frame.
func (e CameraExtrinsics) Translation() r3.Vector {
	return r3.Vector{X: e.TCamImu.At(0, 3), Y: e.TCamImu.At(1, 3), Z: e.TCamImu.At(2, 3)}
}

// CamToImu returns T_imu_cam, the inverse of T_cam_imu.
func (e CameraExtrinsics) CamToImu() (*mat.Dense, error) {
	var inv mat.Dense
	if err := inv.Inverse(e.TCamImu); err != nil {
		return nil, errors.Wrap(err, "T_cam_imu is not invertible")
	}
	return &inv, nil
}

// CamPositionInImu returns the camera origin expressed in the IMU frame.
func (e CameraExtrinsics) CamPositionInImu() (r3.Vector, error) {
	inv, err := e.CamToImu()
	if err != nil {
		return r3.Vector{}, err
	}
	return r3.Vector{X: positiveZero(inv.At(0, 3)), Y: positiveZero(inv.At(1, 3)), Z: positiveZero(inv.At(2, 3))}, nil
}

// ImuToCamQuaternion returns the Hamilton quaternion of the IMU to camera rotation with
// a non-negative real part.
func (e CameraExtrinsics) ImuToCamQuaternion() quat.Number {
	return RotationToQuat(e.Rotation())
}

// ImuToCamQuaternionJPL returns the IMU to camera rotation as a JPL quaternion in
// (x, y, z, w) order. A JPL quaternion of C equals the Hamilton quaternion of C^T, so
// this is the conjugate of ImuToCamQuaternion.
func (e CameraExtrinsics) ImuToCamQuaternionJPL() [4]float64 {
	q := quat.Conj(e.ImuToCamQuaternion())
	return [4]float64{positiveZero(q.Imag), positiveZero(q.Jmag), positiveZero(q.Kmag), q.Real}
}

// positiveZero maps -0 to 0 so a zero component never prints as "-0.0".
func positiveZero(v float64) float64 {
	if v == 0 {
		return 0
	}
	return v
}

// RotationToQuat converts a 3x3 rotation matrix to a unit Hamilton quaternion with a
// non-negative real part.
func RotationToQuat(r mat.Matrix) quat.Number {
	m00, m01, m02 := r.At(0, 0), r.At(0, 1), r.At(0, 2)
	m10, m11, m12 := r.At(1, 0), r.At(1, 1), r.At(1, 2)
	m20, m21, m22 := r.At(2, 0), r.At(2, 1), r.At(2, 2)

	var q quat.Number
	// branch on the largest diagonal term to keep the square root well away from zero
	switch tr := m00 + m11 + m22; {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = quat.Number{Real: s / 4, Imag: (m21 - m12) / s, Jmag: (m02 - m20) / s, Kmag: (m10 - m01) / s}
	case m00 > m11 && m00 > m22:
		s := math.Sqrt(1+m00-m11-m22) * 2
		q = quat.Number{Real: (m21 - m12) / s, Imag: s / 4, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := math.Sqrt(1+m11-m00-m22) * 2
		q = quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: s / 4, Kmag: (m12 + m21) / s}
	default:
		s := math.Sqrt(1+m22-m00-m11) * 2
		q = quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: s / 4}
	}

	q = quat.Scale(1/quat.Abs(q), q)
	if q.Real < 0 {
		q = Flip(q)
	}
	return q
}

// Flip will multiply a quaternion by -1, returning a quaternion representing the same orientation but in the opposing octant.
func Flip(q quat.Number) quat.Number {
	return quat.Number{Real: -q.Real, Imag: -q.Imag, Jmag: -q.Jmag, Kmag: -q.Kmag}
}
