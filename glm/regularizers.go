package glm

import (
	"math"

	"github.com/Flatiron-CCN/generalized-linear-models/optim"
)

// Names of the available solvers.
const (
	SolverGradientDescent  = "GradientDescent"
	SolverProximalGradient = "ProximalGradient"
	SolverBFGS             = "BFGS"
)

// SolverOptions configures the solver a regularizer instantiates.
// Zero fields fall back to the optim package defaults.
type SolverOptions struct {

	// Maximum number of iterations for a full fit.
	MaxIter int

	// Convergence tolerance on the gradient (or proximal residual)
	// norm.
	Tol float64

	// Initial step size for line-searching solvers.
	StepSize float64
}

// Regularizer encodes a penalty term and the rule for building a
// compatible solver.  The penalty applies to coefficients only, never
// to the intercept.  Smooth penalties contribute through Penalty and
// AddGrad; non-smooth penalties contribute through Prox and restrict
// the set of compatible solvers to proximal ones.
type Regularizer struct {

	// The name of the penalty
	Name string

	penalty func(coef []float64) float64

	// addGrad accumulates the gradient of the smooth part of the
	// penalty into g.  Nil when the penalty has no smooth part.
	addGrad func(g, coef []float64)

	// prox applies the proximal operator of the non-smooth part in
	// place.  Nil when the penalty is smooth.
	prox func(coef []float64, step float64)

	// Compatible solver names; the first one is the default.
	solvers []string
}

// Penalty returns the penalty value at the given coefficients.
func (r *Regularizer) Penalty(coef []float64) float64 {
	return r.penalty(coef)
}

// AddGrad accumulates the gradient of the smooth part of the penalty
// into g.
func (r *Regularizer) AddGrad(g, coef []float64) {
	if r.addGrad != nil {
		r.addGrad(g, coef)
	}
}

// Prox applies the proximal operator of the non-smooth part of the
// penalty in place, or does nothing for a smooth penalty.
func (r *Regularizer) Prox(coef []float64, step float64) {
	if r.prox != nil {
		r.prox(coef, step)
	}
}

// Smooth reports whether the penalty has no non-smooth part.
func (r *Regularizer) Smooth() bool {
	return r.prox == nil
}

// CompatibleWith reports whether the named solver can minimize a loss
// carrying this penalty.
func (r *Regularizer) CompatibleWith(solver string) bool {

	for _, s := range r.solvers {
		if s == solver {
			return true
		}
	}

	return false
}

// DefaultSolver returns the name of the preferred solver for this
// penalty.
func (r *Regularizer) DefaultSolver() string {
	return r.solvers[0]
}

// InstantiateSolver builds the named solver configured with the given
// options, checking compatibility with the penalty first.
func (r *Regularizer) InstantiateSolver(name string, opts SolverOptions) (optim.Solver, error) {

	if !r.CompatibleWith(name) {
		return nil, configErrorf("solver %s cannot minimize a loss with a %s penalty", name, r.Name)
	}

	switch name {
	case SolverGradientDescent:
		return &optim.GradientDescent{MaxIter: opts.MaxIter, Tol: opts.Tol, StepSize: opts.StepSize}, nil
	case SolverProximalGradient:
		return &optim.ProximalGradient{MaxIter: opts.MaxIter, Tol: opts.Tol, StepSize: opts.StepSize}, nil
	case SolverBFGS:
		return &optim.BFGS{MaxIter: opts.MaxIter, Tol: opts.Tol}, nil
	default:
		return nil, configErrorf("unknown solver %q", name)
	}
}

// Solver families grouped by the penalty smoothness they support.
var (
	smoothSolvers   = []string{SolverGradientDescent, SolverBFGS, SolverProximalGradient}
	proximalSolvers = []string{SolverProximalGradient}
)

// NewUnregularized returns the identically-zero penalty, compatible
// with every gradient-based solver.
func NewUnregularized() *Regularizer {
	return &Regularizer{
		Name: "Unregularized",
		penalty: func(coef []float64) float64 {
			return 0
		},
		solvers: smoothSolvers,
	}
}

// NewRidge returns a smooth L2 penalty with strength lam,
// 0.5 * lam * sum(coef^2).
func NewRidge(lam float64) *Regularizer {
	return &Regularizer{
		Name: "Ridge",
		penalty: func(coef []float64) float64 {
			var p float64
			for _, c := range coef {
				p += c * c
			}
			return lam * p / 2
		},
		addGrad: func(g, coef []float64) {
			for j, c := range coef {
				g[j] += lam * c
			}
		},
		solvers: smoothSolvers,
	}
}

// NewLasso returns the L1 penalty with strength lam, handled through
// elementwise soft thresholding.  Requires a proximal solver.
func NewLasso(lam float64) *Regularizer {
	return &Regularizer{
		Name: "Lasso",
		penalty: func(coef []float64) float64 {
			var p float64
			for _, c := range coef {
				p += math.Abs(c)
			}
			return lam * p
		},
		prox: func(coef []float64, step float64) {
			t := lam * step
			for j, c := range coef {
				coef[j] = softThreshold(c, t)
			}
		},
		solvers: proximalSolvers,
	}
}

// NewGroupLasso returns the group L1 penalty with strength lam over
// the given index groups: lam * sum over groups of the L2 norm of the
// group's coefficients.  Coefficients not covered by any group are
// unpenalized.  Requires a proximal solver.
func NewGroupLasso(lam float64, groups [][]int) *Regularizer {
	return &Regularizer{
		Name: "GroupLasso",
		penalty: func(coef []float64) float64 {
			var p float64
			for _, g := range groups {
				p += groupNorm(coef, g)
			}
			return lam * p
		},
		prox: func(coef []float64, step float64) {
			t := lam * step
			for _, g := range groups {
				nrm := groupNorm(coef, g)
				if nrm <= t {
					for _, j := range g {
						coef[j] = 0
					}
					continue
				}
				sc := 1 - t/nrm
				for _, j := range g {
					coef[j] *= sc
				}
			}
		},
		solvers: proximalSolvers,
	}
}

func softThreshold(c, t float64) float64 {
	switch {
	case c > t:
		return c - t
	case c < -t:
		return c + t
	default:
		return 0
	}
}

func groupNorm(coef []float64, g []int) float64 {

	var s float64
	for _, j := range g {
		s += coef[j] * coef[j]
	}

	return math.Sqrt(s)
}
