package optim

import (
	"math"
)

// Status describes how an optimization run stopped, or that it is
// still in progress.
type Status int

// Running, ... are the possible states of an optimization.
const (
	Running Status = iota
	Converged
	MaxIterReached
	Diverged
)

// String returns a human readable label for the status.
func (s Status) String() string {
	switch s {
	case Running:
		return "Running"
	case Converged:
		return "Converged"
	case MaxIterReached:
		return "MaxIterReached"
	case Diverged:
		return "Diverged"
	default:
		return "Unknown"
	}
}

// Problem is an objective function to be minimized.  Func and Grad
// describe the smooth component of the objective.  Prox, if present,
// applies the proximal operator of a non-smooth component; solvers
// that cannot handle a non-smooth component ignore it, so the caller
// is responsible for pairing a composite problem with a proximal
// solver.
type Problem struct {

	// Func evaluates the smooth component of the objective at x.
	Func func(x []float64) float64

	// Grad writes the gradient of the smooth component at x into
	// grad, which has the same length as x.
	Grad func(grad, x []float64)

	// Prox applies, in place, the proximal operator of the
	// non-smooth component with the given step size.  Nil when the
	// objective is fully smooth.
	Prox func(x []float64, step float64)
}

// State holds everything a solver carries between steps.  It is a
// plain value: copying it snapshots the optimization, and passing a
// copy back resumes from the snapshot.
type State struct {

	// Number of steps taken so far.
	Iter int

	// Why the run stopped, or Running if it has not.
	Status Status

	// Objective value (smooth component) at the current point.
	Loss float64

	// Norm of the gradient, or of the proximal-gradient residual
	// for composite problems, at the current point.
	GradNorm float64

	// Step size memory for backtracking solvers.
	StepSize float64
}

// Solver is a stateful iterative minimizer.  Update takes a single
// step; Run iterates Update until the gradient norm drops below the
// solver's tolerance or the iteration cap is reached.  Solvers never
// panic or fail on numerical problems: a NaN or Inf in the objective
// or gradient sets Status to Diverged and leaves the point at the
// last finite value.
type Solver interface {
	InitState(x []float64, p *Problem) State
	Update(x []float64, state State, p *Problem) ([]float64, State)
	Run(x []float64, state State, p *Problem) ([]float64, State)
}

// Solver defaults, used when the corresponding field is zero.
const (
	DefaultMaxIter  = 1000
	DefaultTol      = 1e-8
	DefaultStepSize = 1.0
)

// Sufficient-decrease constant for backtracking line searches.
const armijo = 1e-4

// Growth factor applied to the step size after an accepted step.
const stepGrowth = 1.5

// Number of step halvings before a line search gives up.
const maxBacktrack = 60

func allFinite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
