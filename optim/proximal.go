package optim

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// ProximalGradient minimizes a composite objective of the form
// f(x) + h(x), where f is smooth (Problem.Func, Problem.Grad) and h
// is handled through its proximal operator (Problem.Prox).  With a
// nil Prox it reduces to plain gradient descent.  The step size is
// chosen by backtracking against the quadratic upper bound of f.
type ProximalGradient struct {

	// Maximum number of steps for Run.
	MaxIter int

	// Convergence tolerance on the proximal-gradient residual norm.
	Tol float64

	// Initial step size for the backtracking search.
	StepSize float64
}

// NewProximalGradient returns a proximal gradient solver with default
// settings.
func NewProximalGradient() *ProximalGradient {
	return &ProximalGradient{
		MaxIter:  DefaultMaxIter,
		Tol:      DefaultTol,
		StepSize: DefaultStepSize,
	}
}

func (pg *ProximalGradient) maxIter() int {
	if pg.MaxIter <= 0 {
		return DefaultMaxIter
	}
	return pg.MaxIter
}

func (pg *ProximalGradient) tol() float64 {
	if pg.Tol <= 0 {
		return DefaultTol
	}
	return pg.Tol
}

func (pg *ProximalGradient) stepSize() float64 {
	if pg.StepSize <= 0 {
		return DefaultStepSize
	}
	return pg.StepSize
}

// InitState evaluates the objective at x and returns a fresh state
// for it.  The reported residual is the norm of the proximal-gradient
// mapping at the initial step size.
func (pg *ProximalGradient) InitState(x []float64, p *Problem) State {

	st := State{Status: Running, StepSize: pg.stepSize()}

	st.Loss = p.Func(x)

	grad := make([]float64, len(x))
	p.Grad(grad, x)

	if !finite(st.Loss) || !allFinite(grad) {
		st.Status = Diverged
		return st
	}

	st.GradNorm = pg.residual(x, grad, st.StepSize, p)

	return st
}

// residual returns ||x - prox(x - t*grad, t)|| / t, the norm of the
// proximal-gradient mapping.  For a smooth problem this is the
// gradient norm.
func (pg *ProximalGradient) residual(x, grad []float64, t float64, p *Problem) float64 {

	z := make([]float64, len(x))
	copy(z, x)
	floats.AddScaled(z, -t, grad)
	if p.Prox != nil {
		p.Prox(z, t)
	}

	var s float64
	for i := range x {
		d := x[i] - z[i]
		s += d * d
	}
	return math.Sqrt(s) / t
}

// Update takes one proximal gradient step from x and returns the new
// point and state.
func (pg *ProximalGradient) Update(x []float64, st State, p *Problem) ([]float64, State) {

	if st.Status == Diverged {
		return x, st
	}

	n := len(x)
	grad := make([]float64, n)
	p.Grad(grad, x)
	if !allFinite(grad) {
		st.Status = Diverged
		return x, st
	}

	f0 := p.Func(x)
	if !finite(f0) {
		st.Status = Diverged
		return x, st
	}

	step := st.StepSize
	if step <= 0 {
		step = pg.stepSize()
	}

	z := make([]float64, n)
	var f1 float64
	accepted := false
	for k := 0; k < maxBacktrack; k++ {

		copy(z, x)
		floats.AddScaled(z, -step, grad)
		if p.Prox != nil {
			p.Prox(z, step)
		}

		f1 = p.Func(z)
		if !finite(f1) {
			step /= 2
			continue
		}

		// Quadratic upper bound of the smooth component:
		// f(z) <= f(x) + <grad, z-x> + ||z-x||^2 / (2*step).
		var ip, sq float64
		for i := range z {
			d := z[i] - x[i]
			ip += grad[i] * d
			sq += d * d
		}
		if f1 <= f0+ip+sq/(2*step) {
			accepted = true
			break
		}
		step /= 2
	}

	st.Iter++

	if !accepted {
		// Stalled backtracking.  The residual from the last accepted
		// step decides: within tolerance means convergence, anything
		// else counts against the iteration budget.
		st.Loss = f0
		if st.GradNorm < pg.tol() {
			st.Status = Converged
		} else {
			st.Status = Running
		}
		return x, st
	}

	// Residual of the accepted step, measured at the step size that
	// produced it.
	var s float64
	for i := range z {
		d := x[i] - z[i]
		s += d * d
	}
	st.GradNorm = math.Sqrt(s) / step

	st.StepSize = step * stepGrowth
	st.Loss = f1

	if st.GradNorm < pg.tol() {
		st.Status = Converged
	} else {
		st.Status = Running
	}

	return z, st
}

// Run iterates Update until the residual tolerance is met or the
// iteration cap is reached, testing the tolerance first.
func (pg *ProximalGradient) Run(x []float64, st State, p *Problem) ([]float64, State) {

	for st.Status == Running {
		if st.GradNorm < pg.tol() {
			st.Status = Converged
			break
		}
		if st.Iter >= pg.maxIter() {
			st.Status = MaxIterReached
			break
		}
		x, st = pg.Update(x, st, p)
	}

	return x, st
}
