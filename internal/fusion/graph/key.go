// Package graph implements a small incremental nonlinear factor graph
// solver: the tagged-variant factor model and numerically-linearized
// Gauss-Newton optimizer that back PreintEstimator's "factor graph library
// dependency" (spec.md §2), since no such library exists anywhere in the
// retrieved example corpus.
package graph

import "fmt"

// KeyKind identifies which variable type a Key names.
type KeyKind int

const (
	// KeyPose names a Pose variable, X(k) in spec.md's notation.
	KeyPose KeyKind = iota
	// KeyVel names a velocity variable, V(k).
	KeyVel
	// KeyBias names a bias variable, B(k).
	KeyBias
)

// Key is a symbolic graph variable: a kind plus an integer index, matching
// the X(k)/V(k)/B(k) symbols of spec.md §3.
type Key struct {
	Kind  KeyKind
	Index int
}

// XKey returns the pose key at index k.
func XKey(k int) Key { return Key{Kind: KeyPose, Index: k} }

// VKey returns the velocity key at index k.
func VKey(k int) Key { return Key{Kind: KeyVel, Index: k} }

// BKey returns the bias key at index k.
func BKey(k int) Key { return Key{Kind: KeyBias, Index: k} }

// Dim returns the tangent-space dimension of the variable this key names:
// 6 for a pose (3 rotation + 3 translation), 3 for a velocity, 6 for a bias.
func (k Key) Dim() int {
	switch k.Kind {
	case KeyPose:
		return 6
	case KeyVel:
		return 3
	case KeyBias:
		return 6
	default:
		panic(fmt.Sprintf("graph: unknown key kind %d", k.Kind))
	}
}

func (k Key) String() string {
	switch k.Kind {
	case KeyPose:
		return fmt.Sprintf("X(%d)", k.Index)
	case KeyVel:
		return fmt.Sprintf("V(%d)", k.Index)
	case KeyBias:
		return fmt.Sprintf("B(%d)", k.Index)
	default:
		return fmt.Sprintf("?(%d)", k.Index)
	}
}
