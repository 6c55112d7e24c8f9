package graph

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/traverse-robotics/imu-lidar-fusion/internal/fusion/spatial"
)

// Value is a tagged union over the three variable types the graph knows
// about, matching the tagged-variant approach spec.md §9 prescribes for
// factors, applied here to values for the same reason: one dispatch point
// instead of three parallel maps.
type Value struct {
	Kind KeyKind
	Pose spatial.Pose
	Vel  r3.Vec
	Bias spatial.ImuBias
}

// PoseValue wraps a Pose as a graph Value.
func PoseValue(p spatial.Pose) Value { return Value{Kind: KeyPose, Pose: p} }

// VelValue wraps a velocity as a graph Value.
func VelValue(v r3.Vec) Value { return Value{Kind: KeyVel, Vel: v} }

// BiasValue wraps a bias as a graph Value.
func BiasValue(b spatial.ImuBias) Value { return Value{Kind: KeyBias, Bias: b} }

// Values is the optimizer's current estimate of every key it knows about.
type Values map[Key]Value

// Clone returns a shallow copy (Value is a plain struct, so this is also a
// deep copy).
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Retract applies a tangent-space perturbation delta (of length Dim()) to
// the value at k, returning the updated value. Poses retract via the
// quaternion exponential map for the rotational part and simple addition
// for translation; velocities and biases retract by plain addition.
func Retract(v Value, k Key, delta []float64) Value {
	switch k.Kind {
	case KeyPose:
		dRot := r3.Vec{X: delta[0], Y: delta[1], Z: delta[2]}
		dTrans := r3.Vec{X: delta[3], Y: delta[4], Z: delta[5]}
		return PoseValue(spatial.Normalize(spatial.Pose{
			Rotation:    quat.Mul(v.Pose.Rotation, spatial.ExpQuat(dRot)),
			Translation: r3.Add(v.Pose.Translation, dTrans),
		}))
	case KeyVel:
		return VelValue(r3.Add(v.Vel, r3.Vec{X: delta[0], Y: delta[1], Z: delta[2]}))
	case KeyBias:
		return BiasValue(spatial.ImuBias{
			Accel: r3.Add(v.Bias.Accel, r3.Vec{X: delta[0], Y: delta[1], Z: delta[2]}),
			Gyro:  r3.Add(v.Bias.Gyro, r3.Vec{X: delta[3], Y: delta[4], Z: delta[5]}),
		})
	default:
		panic("graph: retract on unknown key kind")
	}
}
