// Package preint implements IMU preintegration: accumulating a contiguous
// window of IMU samples into a single relative-motion measurement,
// parameterized by a fixed bias, so that a factor graph can relate two
// widely-spaced states with one factor instead of one per sample.
package preint

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/traverse-robotics/imu-lidar-fusion/internal/fusion/spatial"
)

// Params holds the noise model for preintegration, matching the original
// source's PreintegrationParams: continuous-time white noise for the
// accelerometer and gyroscope, a world gravity magnitude, and a fixed
// integration-covariance term that has no configuration knob in the
// original (spec.md §9, Open Questions).
type Params struct {
	Gravity             float64
	AccelNoiseSigma     float64
	GyroNoiseSigma      float64
	IntegrationVariance float64 // hardcoded to 1e-4 upstream; see spec.md §9
}

// DefaultIntegrationVariance is the hardcoded integration-noise variance
// the original source uses (spec.md §9). It is stored in
// Params.IntegrationVariance; Measurement does not read it.
const DefaultIntegrationVariance = 1e-4

// Measurement is an accumulated inertial increment between two timestamps,
// linearized about a fixed bias. Call Integrate for every IMU sample in the
// window, then Predict to apply the increment to a NavState, and Reset to
// start the next window.
type Measurement struct {
	params Params
	bias   spatial.ImuBias

	deltaT   float64
	deltaRot quat.Number
	deltaVel r3.Vec
	deltaPos r3.Vec
}

// New creates a Measurement linearized about bias, ready for Integrate.
func New(params Params, bias spatial.ImuBias) *Measurement {
	m := &Measurement{params: params}
	m.Reset(bias)
	return m
}

// Reset clears the accumulated increment and re-linearizes about a new
// bias, exactly as resetIntegrationAndSetBias does in the original source.
func (m *Measurement) Reset(bias spatial.ImuBias) {
	m.bias = bias
	m.deltaT = 0
	m.deltaRot = quat.Number{Real: 1}
	m.deltaVel = r3.Vec{}
	m.deltaPos = r3.Vec{}
}

// Bias returns the bias this measurement is currently linearized about.
func (m *Measurement) Bias() spatial.ImuBias { return m.bias }

// DeltaT returns the total elapsed time integrated so far (Δt_ij in
// spec.md §4.1, used to scale the bias random-walk noise).
func (m *Measurement) DeltaT() float64 { return m.deltaT }

// Integrate folds one (accel, gyro, dt) sample into the accumulated
// increment, bias-corrected and expressed in the IMU frame at the start of
// the window. This is a first-order (Euler) preintegration scheme —
// sufficient at IMU rates of 200-500 Hz and simple enough to keep the
// optimizer's numerical Jacobians (see internal/fusion/graph) well behaved.
func (m *Measurement) Integrate(accel, gyro r3.Vec, dt float64) {
	if dt <= 0 {
		return
	}
	accUnbiased := r3.Sub(accel, m.bias.Accel)
	gyrUnbiased := r3.Sub(gyro, m.bias.Gyro)

	rotatedAcc := spatial.RotateVector(m.deltaRot, accUnbiased)

	m.deltaPos = r3.Add(m.deltaPos, r3.Add(r3.Scale(dt, m.deltaVel), r3.Scale(0.5*dt*dt, rotatedAcc)))
	m.deltaVel = r3.Add(m.deltaVel, r3.Scale(dt, rotatedAcc))

	step := spatial.ExpQuat(r3.Scale(dt, gyrUnbiased))
	m.deltaRot = normalize(quat.Mul(m.deltaRot, step))

	m.deltaT += dt
}

// Predict applies the accumulated increment to a starting NavState,
// producing the predicted state at the end of the window — the `predict`
// operation of spec.md §3. The bias parameter is accepted to match the
// spec's signature; this simplified preintegrator re-linearizes on every
// Reset rather than applying a first-order bias-correction Jacobian, so the
// bias argument is ignored.
func (m *Measurement) Predict(state spatial.NavState, _ spatial.ImuBias) spatial.NavState {
	gravity := r3.Vec{Z: -m.params.Gravity}
	dt := m.deltaT

	q0 := state.Pose.Rotation
	rotatedVel := spatial.RotateVector(q0, m.deltaVel)
	rotatedPos := spatial.RotateVector(q0, m.deltaPos)

	velocity := r3.Add(r3.Add(state.Velocity, r3.Scale(dt, gravity)), rotatedVel)
	translation := r3.Add(
		r3.Add(state.Pose.Translation, r3.Scale(dt, state.Velocity)),
		r3.Add(r3.Scale(0.5*dt*dt, gravity), rotatedPos),
	)
	rotation := quat.Mul(q0, m.deltaRot)

	return spatial.NavState{
		Pose:     spatial.Normalize(spatial.Pose{Rotation: rotation, Translation: translation}),
		Velocity: velocity,
	}
}

func normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}
