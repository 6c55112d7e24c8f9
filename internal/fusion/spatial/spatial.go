// Package spatial holds the core data model shared by every fusion
// component: rigid poses, navigation state, IMU bias, and the raw sensor
// samples that flow in from the IMU and the mapping module.
package spatial

import (
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Pose is a rigid transform: a unit-quaternion rotation plus a translation.
type Pose struct {
	Rotation    quat.Number
	Translation r3.Vec
}

// IdentityPose returns the identity transform.
func IdentityPose() Pose {
	return Pose{Rotation: quat.Number{Real: 1}}
}

// NavState is the tuple the estimator and propagator carry around: a pose
// plus a world-frame velocity.
type NavState struct {
	Pose     Pose
	Velocity r3.Vec
}

// ImuBias is the slowly varying accelerometer/gyroscope bias.
type ImuBias struct {
	Accel r3.Vec
	Gyro  r3.Vec
}

// Add returns b1+b2, component-wise.
func (b ImuBias) Add(o ImuBias) ImuBias {
	return ImuBias{Accel: r3.Add(b.Accel, o.Accel), Gyro: r3.Add(b.Gyro, o.Gyro)}
}

// Sub returns b1-b2, component-wise.
func (b ImuBias) Sub(o ImuBias) ImuBias {
	return ImuBias{Accel: r3.Sub(b.Accel, o.Accel), Gyro: r3.Sub(b.Gyro, o.Gyro)}
}

// AccelNorm and GyroNorm return the Euclidean magnitudes of the
// accelerometer and gyroscope bias. The sanity check (spec.md §4.1)
// compares ‖b_a‖ and ‖b_g‖ separately against the failure threshold.
func (b ImuBias) AccelNorm() float64 { return r3.Norm(b.Accel) }
func (b ImuBias) GyroNorm() float64  { return r3.Norm(b.Gyro) }

// ImuSample is a single timestamped inertial measurement, already rectified
// into the IMU frame by the caller (spec.md §6).
type ImuSample struct {
	Time        time.Time
	Accel       r3.Vec
	Gyro        r3.Vec
	Orientation *quat.Number // optional; nil if the driver doesn't report one
}

// LidarPose is a single timestamped pose correction from the mapping
// module, in the LiDAR frame, with the degeneracy flag of spec.md §3.
type LidarPose struct {
	Time       time.Time
	Pose       Pose
	Degenerate bool
}

// LidarPoseFromCovariance builds a LidarPose from a pose and a 6x6
// row-major covariance array, decoding the degeneracy flag from its first
// element exactly as spec.md §6 specifies ("degeneracy flag encoded in the
// first covariance entry (1 => degenerate)").
func LidarPoseFromCovariance(pose Pose, t time.Time, cov [36]float64) LidarPose {
	return LidarPose{Time: t, Pose: pose, Degenerate: cov[0] == 1}
}

// Extrinsic is the fixed LiDAR<->IMU lever arm. Per spec.md §9 (Open
// Questions), the rotational part of this extrinsic is assumed identity;
// only the translation is modeled, with the sign flipped between the two
// directions exactly as the original imu2Lidar/lidar2Imu transforms do.
type Extrinsic struct {
	Translation r3.Vec
}

// LidarToImu returns T_L->I: compose a lidar-frame pose with this extrinsic
// to express it in the IMU frame.
func (e Extrinsic) LidarToImu() Pose {
	return Pose{Rotation: quat.Number{Real: 1}, Translation: e.Translation}
}

// ImuToLidar returns T_I->L, the exact inverse of LidarToImu (round-trip
// law, spec.md §8).
func (e Extrinsic) ImuToLidar() Pose {
	return Pose{Rotation: quat.Number{Real: 1}, Translation: r3.Scale(-1, e.Translation)}
}

// RotateVector rotates v by unit quaternion q using q * (0,v) * conj(q).
// Exported so that other fusion packages (preint, graph) can apply a
// rotation without re-deriving the quaternion sandwich product.
func RotateVector(q quat.Number, v r3.Vec) r3.Vec {
	return rotateVec(q, v)
}

// rotateVec rotates v by unit quaternion q using q * (0,v) * conj(q).
func rotateVec(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Rotate applies this pose's rotation to a vector, without translating it.
func (p Pose) Rotate(v r3.Vec) r3.Vec {
	return rotateVec(p.Rotation, v)
}

// Transform applies the full rigid transform to a point.
func (p Pose) Transform(v r3.Vec) r3.Vec {
	return r3.Add(p.Translation, p.Rotate(v))
}

// Compose returns p1 * p2 ("p1 composed with p2"): applying the result to a
// point is the same as applying p2 first, then p1.
func Compose(p1, p2 Pose) Pose {
	return Pose{
		Rotation:    quat.Mul(p1.Rotation, p2.Rotation),
		Translation: r3.Add(p1.Translation, rotateVec(p1.Rotation, p2.Translation)),
	}
}

// Inverse returns the rigid inverse of p.
func Inverse(p Pose) Pose {
	qInv := quat.Conj(p.Rotation)
	n := quat.Abs(p.Rotation)
	if n > 0 {
		qInv = quat.Scale(1/(n*n), qInv)
	}
	return Pose{
		Rotation:    qInv,
		Translation: rotateVec(qInv, r3.Scale(-1, p.Translation)),
	}
}

// Normalize returns p with its rotation renormalized to unit length,
// guarding against the drift that repeated quaternion multiplication
// introduces over long integration runs.
func Normalize(p Pose) Pose {
	n := quat.Abs(p.Rotation)
	if n == 0 {
		return Pose{Rotation: quat.Number{Real: 1}, Translation: p.Translation}
	}
	return Pose{Rotation: quat.Scale(1/n, p.Rotation), Translation: p.Translation}
}

// ExpQuat returns the unit quaternion corresponding to the rotation vector
// w (axis * angle, in radians) via the exponential map — the small-angle
// update used throughout the preintegration and optimizer retraction.
func ExpQuat(w r3.Vec) quat.Number {
	theta := r3.Norm(w)
	if theta < 1e-12 {
		return quat.Number{Real: 1, Imag: w.X / 2, Jmag: w.Y / 2, Kmag: w.Z / 2}
	}
	half := theta / 2
	s := math.Sin(half) / theta
	return quat.Number{Real: math.Cos(half), Imag: w.X * s, Jmag: w.Y * s, Kmag: w.Z * s}
}

// LogQuat is the inverse of ExpQuat: it recovers the rotation vector
// (axis*angle) of a unit quaternion. Used by the factor graph to turn a
// relative-rotation error into a 3-vector residual.
func LogQuat(q quat.Number) r3.Vec {
	n := quat.Abs(q)
	if n > 0 {
		q = quat.Scale(1/n, q)
	}
	imagNorm := math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if imagNorm < 1e-12 {
		return r3.Vec{X: 2 * q.Imag, Y: 2 * q.Jmag, Z: 2 * q.Kmag}
	}
	angle := 2 * math.Atan2(imagNorm, q.Real)
	s := angle / imagNorm
	return r3.Vec{X: q.Imag * s, Y: q.Jmag * s, Z: q.Kmag * s}
}

// Rectify applies the sensor-to-IMU rectification (a pure rotation, plus an
// optional lever-arm translation) to a raw sample, per spec.md §6. leverArm
// is the fixed offset, in the rectified IMU frame, from the IMU origin to
// the accelerometer's true sensing point; a rotating sensor away from the
// origin measures an extra centripetal specific force, ω×(ω×leverArm), that
// the rectified-to-origin reading must have removed.
func Rectify(sample ImuSample, rotation quat.Number, leverArm r3.Vec) ImuSample {
	out := sample
	out.Accel = rotateVec(rotation, sample.Accel)
	out.Gyro = rotateVec(rotation, sample.Gyro)
	if sample.Orientation != nil {
		q := quat.Mul(rotation, *sample.Orientation)
		out.Orientation = &q
	}
	if leverArm != (r3.Vec{}) {
		centripetal := r3.Cross(out.Gyro, r3.Cross(out.Gyro, leverArm))
		out.Accel = r3.Sub(out.Accel, centripetal)
	}
	return out
}
