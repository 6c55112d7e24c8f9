package graph

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/traverse-robotics/imu-lidar-fusion/internal/fusion/preint"
	"github.com/traverse-robotics/imu-lidar-fusion/internal/fusion/spatial"
)

// Kind tags a Factor with its role, matching the tagged-variant design of
// spec.md §9: "model factors as a tagged variant {PriorPose, PriorVel,
// PriorBias, Imu, BiasBetween} and let the optimizer dispatch by tag."
type Kind int

const (
	PriorPose Kind = iota
	PriorVel
	PriorBias
	Imu
	BiasBetween
)

// Factor is a single probabilistic constraint between one or more keys.
// Only the fields relevant to Kind are populated; Evaluate dispatches on
// Kind to compute the (noise-weighted) residual.
type Factor struct {
	Kind Kind
	Keys []Key

	priorPose spatial.Pose
	priorVel  r3.Vec
	priorBias spatial.ImuBias
	sigma     []float64 // per-dimension sigma; residual is divided by this
	meas      *preint.Measurement
}

// NewPriorPoseFactor pins key to pose with the given per-axis sigma
// (rotation x3, translation x3), matching gtsam::PriorFactor<Pose3>.
func NewPriorPoseFactor(key Key, pose spatial.Pose, sigma [6]float64) Factor {
	return Factor{Kind: PriorPose, Keys: []Key{key}, priorPose: pose, sigma: sigma[:]}
}

// NewPriorVelFactor pins key to vel with isotropic sigma.
func NewPriorVelFactor(key Key, vel r3.Vec, sigma float64) Factor {
	return Factor{Kind: PriorVel, Keys: []Key{key}, priorVel: vel, sigma: []float64{sigma, sigma, sigma}}
}

// NewPriorBiasFactor pins key to bias with isotropic sigma.
func NewPriorBiasFactor(key Key, bias spatial.ImuBias, sigma float64) Factor {
	s := sigma
	return Factor{Kind: PriorBias, Keys: []Key{key}, priorBias: bias, sigma: []float64{s, s, s, s, s, s}}
}

// NewPriorPoseFactorCov pins key to pose using independent per-axis sigmas
// derived from a captured marginal covariance (the reseed path of
// spec.md §4.1 step 1, "priors use those captured covariances as noise
// models"). Only the diagonal is used — a faithful full-covariance Gaussian
// prior would need the real factor-graph library this module stands in
// for.
func NewPriorPoseFactorCov(key Key, pose spatial.Pose, diag [6]float64) Factor {
	return NewPriorPoseFactor(key, pose, sigmaFromVariance(diag))
}

// NewPriorVelFactorCov is the velocity analogue of NewPriorPoseFactorCov.
func NewPriorVelFactorCov(key Key, vel r3.Vec, diag [3]float64) Factor {
	s := [3]float64{sqrtOrMin(diag[0]), sqrtOrMin(diag[1]), sqrtOrMin(diag[2])}
	return Factor{Kind: PriorVel, Keys: []Key{key}, priorVel: vel, sigma: s[:]}
}

// NewPriorBiasFactorCov is the bias analogue of NewPriorPoseFactorCov.
func NewPriorBiasFactorCov(key Key, bias spatial.ImuBias, diag [6]float64) Factor {
	s := sigmaFromVariance(diag)
	return Factor{Kind: PriorBias, Keys: []Key{key}, priorBias: bias, sigma: s[:]}
}

// NewImuFactor relates X(k-1), V(k-1), B(k-1), X(k), V(k) through a
// preintegrated measurement, in that key order.
func NewImuFactor(xPrev, vPrev, bPrev, xCur, vCur Key, meas *preint.Measurement) Factor {
	return Factor{Kind: Imu, Keys: []Key{xPrev, vPrev, bPrev, xCur, vCur}, meas: meas, sigma: unitSigma(9)}
}

// NewBiasBetweenFactor relates B(k-1), B(k) with a zero-mean residual. The
// per-axis sigma is sqrt(Δt_ij)*accelBiasSigma on the three accelerometer
// axes and sqrt(Δt_ij)*gyroBiasSigma on the three gyroscope axes.
func NewBiasBetweenFactor(bPrev, bCur Key, deltaT float64, accelBiasSigma, gyroBiasSigma float64) Factor {
	sc := sqrtOrMin(deltaT)
	s := [6]float64{
		sc * accelBiasSigma, sc * accelBiasSigma, sc * accelBiasSigma,
		sc * gyroBiasSigma, sc * gyroBiasSigma, sc * gyroBiasSigma,
	}
	return Factor{Kind: BiasBetween, Keys: []Key{bPrev, bCur}, sigma: s[:]}
}

func sqrtOrMin(v float64) float64 {
	if v <= 0 {
		return 1e-6
	}
	return math.Sqrt(v)
}

func sigmaFromVariance(diag [6]float64) [6]float64 {
	var out [6]float64
	for i, v := range diag {
		out[i] = sqrtOrMin(v)
	}
	return out
}

func unitSigma(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = 1
	}
	return s
}

// Evaluate computes the noise-weighted residual of f given the current
// values of the keys it touches. The returned slice has len(f.sigma)
// entries.
func (f Factor) Evaluate(values Values) []float64 {
	switch f.Kind {
	case PriorPose:
		pose := values[f.Keys[0]].Pose
		rel := spatial.Compose(spatial.Inverse(f.priorPose), pose)
		rot := spatial.LogQuat(rel.Rotation)
		trans := r3.Sub(pose.Translation, f.priorPose.Translation)
		return weigh([]float64{rot.X, rot.Y, rot.Z, trans.X, trans.Y, trans.Z}, f.sigma)

	case PriorVel:
		v := values[f.Keys[0]].Vel
		d := r3.Sub(v, f.priorVel)
		return weigh([]float64{d.X, d.Y, d.Z}, f.sigma)

	case PriorBias:
		b := values[f.Keys[0]].Bias
		d := b.Sub(f.priorBias)
		return weigh([]float64{d.Accel.X, d.Accel.Y, d.Accel.Z, d.Gyro.X, d.Gyro.Y, d.Gyro.Z}, f.sigma)

	case Imu:
		xPrev := values[f.Keys[0]].Pose
		vPrev := values[f.Keys[1]].Vel
		bPrev := values[f.Keys[2]].Bias
		xCur := values[f.Keys[3]].Pose
		vCur := values[f.Keys[4]].Vel

		pred := f.meas.Predict(spatial.NavState{Pose: xPrev, Velocity: vPrev}, bPrev)

		rel := spatial.Compose(spatial.Inverse(pred.Pose), xCur)
		rot := spatial.LogQuat(rel.Rotation)
		trans := r3.Sub(xCur.Translation, pred.Pose.Translation)
		vel := r3.Sub(vCur, pred.Velocity)
		return weigh([]float64{rot.X, rot.Y, rot.Z, trans.X, trans.Y, trans.Z, vel.X, vel.Y, vel.Z}, f.sigma)

	case BiasBetween:
		bPrev := values[f.Keys[0]].Bias
		bCur := values[f.Keys[1]].Bias
		d := bCur.Sub(bPrev)
		return weigh([]float64{d.Accel.X, d.Accel.Y, d.Accel.Z, d.Gyro.X, d.Gyro.Y, d.Gyro.Z}, f.sigma)

	default:
		panic(fmt.Sprintf("graph: unknown factor kind %d", f.Kind))
	}
}

func weigh(residual, sigma []float64) []float64 {
	out := make([]float64, len(residual))
	for i, r := range residual {
		s := sigma[i]
		if s <= 0 {
			s = 1e-6
		}
		out[i] = r / s
	}
	return out
}
