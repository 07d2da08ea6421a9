package optim

import (
	"gonum.org/v1/gonum/floats"
)

// GradientDescent minimizes a smooth objective by steepest descent
// with a backtracking (Armijo) line search.  The zero value uses the
// package defaults.
type GradientDescent struct {

	// Maximum number of steps for Run.
	MaxIter int

	// Convergence tolerance on the gradient norm.
	Tol float64

	// Initial step size for the line search.
	StepSize float64
}

// NewGradientDescent returns a gradient descent solver with default
// settings.
func NewGradientDescent() *GradientDescent {
	return &GradientDescent{
		MaxIter:  DefaultMaxIter,
		Tol:      DefaultTol,
		StepSize: DefaultStepSize,
	}
}

func (gd *GradientDescent) maxIter() int {
	if gd.MaxIter <= 0 {
		return DefaultMaxIter
	}
	return gd.MaxIter
}

func (gd *GradientDescent) tol() float64 {
	if gd.Tol <= 0 {
		return DefaultTol
	}
	return gd.Tol
}

func (gd *GradientDescent) stepSize() float64 {
	if gd.StepSize <= 0 {
		return DefaultStepSize
	}
	return gd.StepSize
}

// InitState evaluates the objective and gradient at x and returns a
// fresh state for it.
func (gd *GradientDescent) InitState(x []float64, p *Problem) State {

	st := State{Status: Running, StepSize: gd.stepSize()}

	st.Loss = p.Func(x)

	grad := make([]float64, len(x))
	p.Grad(grad, x)
	st.GradNorm = floats.Norm(grad, 2)

	if !finite(st.Loss) || !allFinite(grad) {
		st.Status = Diverged
	}

	return st
}

// Update takes one descent step from x and returns the new point and
// state.  The point is unchanged when the state is Diverged or when
// no decreasing step exists at any scale.
func (gd *GradientDescent) Update(x []float64, st State, p *Problem) ([]float64, State) {

	if st.Status == Diverged {
		return x, st
	}

	grad := make([]float64, len(x))
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

	gn := floats.Norm(grad, 2)

	step := st.StepSize
	if step <= 0 {
		step = gd.stepSize()
	}

	xn := make([]float64, len(x))
	var f1 float64
	accepted := false
	for k := 0; k < maxBacktrack; k++ {
		copy(xn, x)
		floats.AddScaled(xn, -step, grad)
		f1 = p.Func(xn)
		if finite(f1) && f1 <= f0-armijo*step*gn*gn {
			accepted = true
			break
		}
		step /= 2
	}

	st.Iter++

	if !accepted {
		// No decreasing step at any scale.  Only a point already
		// within tolerance may claim convergence; otherwise the
		// stall counts against the iteration budget.
		st.Loss = f0
		st.GradNorm = gn
		if gn < gd.tol() {
			st.Status = Converged
		} else {
			st.Status = Running
		}
		return x, st
	}

	st.StepSize = step * stepGrowth
	st.Loss = f1

	p.Grad(grad, xn)
	if !allFinite(grad) {
		st.Status = Diverged
		return xn, st
	}
	st.GradNorm = floats.Norm(grad, 2)

	if st.GradNorm < gd.tol() {
		st.Status = Converged
	} else {
		st.Status = Running
	}

	return xn, st
}

// Run iterates Update until the gradient norm tolerance is met or the
// iteration cap is reached.  The tolerance is tested first, so a run
// that meets it on its final permitted step reports Converged.
func (gd *GradientDescent) Run(x []float64, st State, p *Problem) ([]float64, State) {

	for st.Status == Running {
		if st.GradNorm < gd.tol() {
			st.Status = Converged
			break
		}
		if st.Iter >= gd.maxIter() {
			st.Status = MaxIterReached
			break
		}
		x, st = gd.Update(x, st, p)
	}

	return x, st
}
