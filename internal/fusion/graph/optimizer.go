package graph

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// jacobianEpsilon is the finite-difference step used to linearize each
// factor. Small enough to stay in the linear regime of the quaternion
// exponential map at IMU-rate timescales, large enough to avoid floating
// point cancellation.
const jacobianEpsilon = 1e-6

// Graph accumulates factors until Reset is called. Optimizer.Update reads
// the graph but never clears it, so the caller decides when a batch is
// discarded (Estimator keeps a cycle's factors until the next cycle, for
// the reseed path's marginal-covariance capture).
type Graph struct {
	Factors []Factor
}

// Add appends a factor to the graph.
func (g *Graph) Add(f Factor) { g.Factors = append(g.Factors, f) }

// Reset clears the graph for the next cycle.
func (g *Graph) Reset() { g.Factors = g.Factors[:0] }

// Optimizer holds the current best estimate of every key it has ever seen
// and performs incremental Gauss-Newton updates against new factors —
// the hand-rolled stand-in for the iSAM2-style incremental smoother
// spec.md §2 calls out as an external factor-graph-library dependency.
//
// Unlike a full incremental smoother, this optimizer only re-linearizes
// the keys named in `free` on each Update call; any other key referenced
// by a factor (typically the previous step's already-optimized state) is
// treated as fixed. This mirrors the steady-state behavior of an
// incremental smoother whose older variables are already tightly
// constrained by prior updates, while keeping the per-step solve a small,
// dense least-squares problem instead of a sparse Bayes-tree update.
type Optimizer struct {
	values Values
}

// NewOptimizer returns an optimizer with no known values.
func NewOptimizer() *Optimizer {
	return &Optimizer{values: Values{}}
}

// Values returns the optimizer's current estimate of every key.
func (o *Optimizer) Values() Values { return o.values.Clone() }

// Reset discards all known values (used when the graph is reseeded,
// spec.md §4.1 step 1).
func (o *Optimizer) Reset() { o.values = Values{} }

// Update performs one Gauss-Newton iteration over the keys in `free`,
// using `initial` as the linearization point for any key not already
// known (fresh keys) and the optimizer's own estimate otherwise. All other
// keys referenced by factors in g are held fixed at their current known
// value (or the value supplied in `initial`, for a key that's new but not
// being optimized this round — e.g. the k-1 anchor).
func (o *Optimizer) Update(g *Graph, initial Values, free []Key) error {
	working := o.values.Clone()
	for k, v := range initial {
		if _, ok := working[k]; !ok {
			working[k] = v
		}
	}
	for _, k := range free {
		if _, ok := working[k]; !ok {
			v, ok := initial[k]
			if !ok {
				return fmt.Errorf("graph: no initial value for free key %v", k)
			}
			working[k] = v
		}
	}

	offsets := make(map[Key]int, len(free))
	n := 0
	for _, k := range free {
		offsets[k] = n
		n += k.Dim()
	}
	if n == 0 {
		o.values = working
		return nil
	}

	r0 := stackResiduals(g.Factors, working)
	m := len(r0)

	jac := mat.NewDense(m, n, nil)
	for _, k := range free {
		base := offsets[k]
		for d := 0; d < k.Dim(); d++ {
			delta := make([]float64, k.Dim())
			delta[d] = jacobianEpsilon
			perturbed := working.Clone()
			perturbed[k] = Retract(perturbed[k], k, delta)
			rp := stackResiduals(g.Factors, perturbed)
			for i := 0; i < m; i++ {
				jac.Set(i, base+d, (rp[i]-r0[i])/jacobianEpsilon)
			}
		}
	}

	jt := mat.NewDense(n, m, nil)
	jt.CloneFrom(jac.T())

	hessian := mat.NewDense(n, n, nil)
	hessian.Mul(jt, jac)

	rhs := mat.NewDense(n, 1, nil)
	r0Mat := mat.NewDense(m, 1, r0)
	rhs.Mul(jt, r0Mat)

	var delta mat.Dense
	if err := delta.Solve(hessian, rhs); err != nil {
		return fmt.Errorf("graph: normal equations singular: %w", err)
	}

	for _, k := range free {
		base := offsets[k]
		step := make([]float64, k.Dim())
		for d := 0; d < k.Dim(); d++ {
			step[d] = -delta.At(base+d, 0)
		}
		working[k] = Retract(working[k], k, step)
	}

	o.values = working
	return nil
}

// MarginalCovariance approximates the marginal covariance of key by
// inverting the local block of (JᵗJ) for the factors touching it,
// evaluated at the optimizer's current estimate. This stands in for
// gtsam::ISAM2::marginalCovariance, used when re-seeding the graph
// (spec.md §4.1 step 1) to carry uncertainty forward into the fresh
// priors. It is a diagonal-block approximation, not the true joint
// marginal — adequate for sizing the reseed priors, not for downstream
// covariance-consistency analysis.
func (o *Optimizer) MarginalCovariance(g *Graph, key Key) []float64 {
	d := key.Dim()
	base := o.values.Clone()
	r0 := stackResidualsForKey(g.Factors, base, key)
	m := len(r0)
	if m == 0 {
		return uniform(d, 1.0)
	}

	jac := mat.NewDense(m, d, nil)
	for col := 0; col < d; col++ {
		delta := make([]float64, d)
		delta[col] = jacobianEpsilon
		perturbed := base.Clone()
		perturbed[key] = Retract(perturbed[key], key, delta)
		rp := stackResidualsForKey(g.Factors, perturbed, key)
		for i := 0; i < m; i++ {
			jac.Set(i, col, (rp[i]-r0[i])/jacobianEpsilon)
		}
	}

	jt := mat.NewDense(d, m, nil)
	jt.CloneFrom(jac.T())
	info := mat.NewDense(d, d, nil)
	info.Mul(jt, jac)

	var cov mat.Dense
	ident := mat.NewDiagDense(d, uniform(d, 1.0))
	if err := cov.Solve(info, ident); err != nil {
		return uniform(d, 1.0)
	}
	out := make([]float64, d)
	for i := 0; i < d; i++ {
		v := cov.At(i, i)
		if v <= 0 {
			v = 1.0
		}
		out[i] = v
	}
	return out
}

func uniform(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func stackResiduals(factors []Factor, values Values) []float64 {
	var out []float64
	for _, f := range factors {
		out = append(out, f.Evaluate(values)...)
	}
	return out
}

// stackResidualsForKey restricts the residual stack to factors that touch
// key, used by MarginalCovariance to build a local information block.
func stackResidualsForKey(factors []Factor, values Values, key Key) []float64 {
	var out []float64
	for _, f := range factors {
		touches := false
		for _, k := range f.Keys {
			if k == key {
				touches = true
				break
			}
		}
		if touches {
			out = append(out, f.Evaluate(values)...)
		}
	}
	return out
}
