package preint

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/traverse-robotics/imu-lidar-fusion/internal/fusion/spatial"
)

func defaultParams() Params {
	return Params{
		Gravity:             9.80511,
		AccelNoiseSigma:     3.9939570888238808e-03,
		GyroNoiseSigma:      1.5636343949698187e-03,
		IntegrationVariance: DefaultIntegrationVariance,
	}
}

func TestStationaryGravityHoldsPosition(t *testing.T) {
	params := defaultParams()
	m := New(params, spatial.ImuBias{})

	// An accelerometer at rest reads +g along the world up axis; feeding
	// that back in should leave position and velocity unchanged.
	g := r3.Vec{Z: params.Gravity}
	dt := 0.002
	for i := 0; i < 500; i++ {
		m.Integrate(g, r3.Vec{}, dt)
	}

	start := spatial.NavState{Pose: spatial.IdentityPose(), Velocity: r3.Vec{}}
	got := m.Predict(start, spatial.ImuBias{})

	if math.Abs(r3.Norm(r3.Sub(got.Pose.Translation, r3.Vec{}))) > 1e-3 {
		t.Errorf("stationary integration drifted in position: %v", got.Pose.Translation)
	}
	if math.Abs(r3.Norm(got.Velocity)) > 1e-3 {
		t.Errorf("stationary integration drifted in velocity: %v", got.Velocity)
	}
}

func TestIntegrateIgnoresNonPositiveDt(t *testing.T) {
	m := New(defaultParams(), spatial.ImuBias{})
	m.Integrate(r3.Vec{X: 1}, r3.Vec{}, 0)
	m.Integrate(r3.Vec{X: 1}, r3.Vec{}, -0.01)

	if m.DeltaT() != 0 {
		t.Errorf("DeltaT() = %v after non-positive dt samples, want 0", m.DeltaT())
	}
}

func TestResetClearsAccumulatedIncrement(t *testing.T) {
	m := New(defaultParams(), spatial.ImuBias{})
	m.Integrate(r3.Vec{X: 1, Z: 9.8}, r3.Vec{X: 0.1}, 0.01)
	if m.DeltaT() == 0 {
		t.Fatal("expected non-zero DeltaT before reset")
	}

	m.Reset(spatial.ImuBias{Accel: r3.Vec{X: 0.01}})
	if m.DeltaT() != 0 {
		t.Errorf("DeltaT() = %v after Reset, want 0", m.DeltaT())
	}
	if m.Bias().Accel.X != 0.01 {
		t.Errorf("Bias().Accel.X = %v after Reset, want 0.01", m.Bias().Accel.X)
	}
}

func TestConstantAccelerationAdvancesVelocityLinearly(t *testing.T) {
	params := defaultParams()
	m := New(params, spatial.ImuBias{})

	// Cancel gravity with the IMU's own reading of it plus a +1 m/s^2 push.
	accel := r3.Vec{X: 1, Z: params.Gravity}
	dt := 0.002
	steps := 500 // 1 second
	for i := 0; i < steps; i++ {
		m.Integrate(accel, r3.Vec{}, dt)
	}

	start := spatial.NavState{Pose: spatial.IdentityPose(), Velocity: r3.Vec{}}
	got := m.Predict(start, spatial.ImuBias{})

	wantVel := 1.0 // m/s after 1s at 1 m/s^2
	if math.Abs(got.Velocity.X-wantVel) > 0.05 {
		t.Errorf("Velocity.X = %v after 1s at 1 m/s^2, want ~%v", got.Velocity.X, wantVel)
	}
}
