package optim

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// BFGS minimizes a smooth objective with the quasi-Newton method from
// gonum/optimize.  Run hands the whole problem to optimize.Minimize;
// Update re-enters Minimize warm-started at the current point with a
// single major iteration, so stepwise online use remains possible at
// the cost of rebuilding the curvature estimate each call.
type BFGS struct {

	// Maximum number of major iterations for Run.
	MaxIter int

	// Convergence tolerance on the gradient norm.
	Tol float64
}

// NewBFGS returns a BFGS solver with default settings.
func NewBFGS() *BFGS {
	return &BFGS{MaxIter: DefaultMaxIter, Tol: DefaultTol}
}

func (b *BFGS) maxIter() int {
	if b.MaxIter <= 0 {
		return DefaultMaxIter
	}
	return b.MaxIter
}

func (b *BFGS) tol() float64 {
	if b.Tol <= 0 {
		return DefaultTol
	}
	return b.Tol
}

func (b *BFGS) problem(p *Problem) optimize.Problem {
	return optimize.Problem{
		Func: p.Func,
		Grad: func(grad, x []float64) {
			p.Grad(grad, x)
		},
	}
}

// InitState evaluates the objective and gradient at x and returns a
// fresh state for it.
func (b *BFGS) InitState(x []float64, p *Problem) State {

	st := State{Status: Running}

	st.Loss = p.Func(x)

	grad := make([]float64, len(x))
	p.Grad(grad, x)
	st.GradNorm = floats.Norm(grad, 2)

	if !finite(st.Loss) || !allFinite(grad) {
		st.Status = Diverged
	}

	return st
}

// mapStatus translates a gonum/optimize termination status into a
// solver status.
func mapStatus(s optimize.Status) Status {
	switch s {
	case optimize.Success, optimize.GradientThreshold, optimize.FunctionThreshold,
		optimize.FunctionConvergence, optimize.StepConvergence, optimize.MethodConverge:
		return Converged
	case optimize.IterationLimit, optimize.FunctionEvaluationLimit,
		optimize.GradientEvaluationLimit, optimize.RuntimeLimit:
		return MaxIterReached
	default:
		return Diverged
	}
}

func (b *BFGS) minimize(x []float64, st State, p *Problem, iters int) ([]float64, State) {

	if st.Status == Diverged {
		return x, st
	}

	settings := &optimize.Settings{
		MajorIterations:   iters,
		GradientThreshold: b.tol(),
	}

	res, err := optimize.Minimize(b.problem(p), x, settings, &optimize.BFGS{})
	if res == nil {
		st.Iter++
		st.Status = Diverged
		return x, st
	}

	st.Iter += res.Stats.MajorIterations

	if allFinite(res.X) {
		x = res.X
		st.Loss = res.F
		if res.Gradient != nil {
			st.GradNorm = floats.Norm(res.Gradient, 2)
		}
	}

	if err != nil && res.Status != optimize.IterationLimit {
		st.Status = Diverged
		return x, st
	}

	st.Status = mapStatus(res.Status)
	return x, st
}

// Update takes a single major BFGS iteration from x.
func (b *BFGS) Update(x []float64, st State, p *Problem) ([]float64, State) {

	x, st = b.minimize(x, st, p, 1)

	// A single-step call hitting its one-iteration cap is still in
	// progress, not out of budget.
	if st.Status == MaxIterReached {
		st.Status = Running
	}

	return x, st
}

// Run minimizes the objective from x, stopping at the gradient norm
// tolerance or the major iteration cap.
func (b *BFGS) Run(x []float64, st State, p *Problem) ([]float64, State) {

	if st.Status != Running {
		return x, st
	}
	if st.GradNorm < b.tol() {
		st.Status = Converged
		return x, st
	}

	return b.minimize(x, st, p, b.maxIter())
}
