package optim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quadratic returns the problem 0.5*||x - a||^2, minimized at a.
func quadratic(a []float64) *Problem {
	return &Problem{
		Func: func(x []float64) float64 {
			var s float64
			for i := range x {
				d := x[i] - a[i]
				s += d * d
			}
			return s / 2
		},
		Grad: func(grad, x []float64) {
			for i := range x {
				grad[i] = x[i] - a[i]
			}
		},
	}
}

func TestGradientDescentQuadratic(t *testing.T) {

	a := []float64{1.5, -2, 0.5}
	p := quadratic(a)
	gd := NewGradientDescent()

	x := make([]float64, len(a))
	st := gd.InitState(x, p)
	x, st = gd.Run(x, st, p)

	require.Equal(t, Converged, st.Status)
	assert.InDeltaSlice(t, a, x, 1e-6)
	assert.Greater(t, st.Iter, 0)
	assert.Less(t, st.GradNorm, gd.Tol)
}

func TestGradientDescentMonotoneUpdates(t *testing.T) {

	a := []float64{3, -1, 2, 0.5}
	p := quadratic(a)
	gd := NewGradientDescent()

	x := make([]float64, len(a))
	st := gd.InitState(x, p)

	prev := st.Loss
	for i := 0; i < 50; i++ {
		x, st = gd.Update(x, st, p)
		require.NotEqual(t, Diverged, st.Status)
		assert.LessOrEqual(t, st.Loss, prev+1e-12)
		prev = st.Loss
	}
}

func TestGradientDescentMaxIter(t *testing.T) {

	a := []float64{100, -100}
	p := quadratic(a)
	gd := &GradientDescent{MaxIter: 3, Tol: 1e-300, StepSize: 1e-6}

	x := make([]float64, len(a))
	st := gd.InitState(x, p)
	_, st = gd.Run(x, st, p)

	assert.Equal(t, MaxIterReached, st.Status)
	assert.Equal(t, 3, st.Iter)
}

func TestGradientDescentDiverged(t *testing.T) {

	p := &Problem{
		Func: func(x []float64) float64 {
			return math.NaN()
		},
		Grad: func(grad, x []float64) {
			for i := range grad {
				grad[i] = math.NaN()
			}
		},
	}

	gd := NewGradientDescent()
	x := []float64{1, 2}
	st := gd.InitState(x, p)

	assert.Equal(t, Diverged, st.Status)

	// A diverged state stays put instead of panicking.
	x2, st2 := gd.Update(x, st, p)
	assert.Equal(t, Diverged, st2.Status)
	assert.Equal(t, x, x2)
}

func TestGradientDescentDivergesMidRun(t *testing.T) {

	// The gradient turns NaN away from the start.
	p := &Problem{
		Func: func(x []float64) float64 {
			return x[0] * x[0] / 2
		},
		Grad: func(grad, x []float64) {
			if math.Abs(x[0]) < 5 {
				grad[0] = math.NaN()
				return
			}
			grad[0] = x[0]
		},
	}

	gd := NewGradientDescent()
	x := []float64{10}
	st := gd.InitState(x, p)
	_, st = gd.Run(x, st, p)

	assert.Equal(t, Diverged, st.Status)
}

func TestGradientDescentStalledLineSearch(t *testing.T) {

	// A flat objective reported with a unit gradient never satisfies
	// the sufficient-decrease condition.  The run must exhaust its
	// budget instead of claiming convergence while the gradient norm
	// is far above tolerance.
	p := &Problem{
		Func: func(x []float64) float64 {
			return 1
		},
		Grad: func(grad, x []float64) {
			grad[0] = 1
		},
	}

	gd := &GradientDescent{MaxIter: 5}
	x := []float64{0}
	st := gd.InitState(x, p)
	_, st = gd.Run(x, st, p)

	assert.Equal(t, MaxIterReached, st.Status)
	assert.Equal(t, 5, st.Iter)
	assert.Greater(t, st.GradNorm, gd.tol())
}

func TestProximalGradientStalledLineSearch(t *testing.T) {

	p := &Problem{
		Func: func(x []float64) float64 {
			return 1
		},
		Grad: func(grad, x []float64) {
			grad[0] = 1
		},
	}

	pg := &ProximalGradient{MaxIter: 5}
	x := []float64{0}
	st := pg.InitState(x, p)
	_, st = pg.Run(x, st, p)

	assert.Equal(t, MaxIterReached, st.Status)
	assert.Equal(t, 5, st.Iter)
}

func TestProximalGradientSoftThreshold(t *testing.T) {

	// min 0.5*||x - a||^2 + lam*||x||_1, solved by elementwise
	// soft thresholding of a.
	a := []float64{2, 0.3, -1.5}
	lam := 0.5
	want := []float64{1.5, 0, -1.0}

	p := quadratic(a)
	p.Prox = func(x []float64, step float64) {
		tt := lam * step
		for i, v := range x {
			switch {
			case v > tt:
				x[i] = v - tt
			case v < -tt:
				x[i] = v + tt
			default:
				x[i] = 0
			}
		}
	}

	pg := NewProximalGradient()
	x := make([]float64, len(a))
	st := pg.InitState(x, p)
	x, st = pg.Run(x, st, p)

	require.Equal(t, Converged, st.Status)
	assert.InDeltaSlice(t, want, x, 1e-6)
}

func TestProximalGradientSmoothFallback(t *testing.T) {

	// Without a Prox the solver is plain gradient descent.
	a := []float64{-0.7, 1.2}
	p := quadratic(a)

	pg := NewProximalGradient()
	x := make([]float64, len(a))
	st := pg.InitState(x, p)
	x, st = pg.Run(x, st, p)

	require.Equal(t, Converged, st.Status)
	assert.InDeltaSlice(t, a, x, 1e-6)
}

func TestBFGSQuadratic(t *testing.T) {

	a := []float64{0.3, -4, 1}
	p := quadratic(a)
	b := NewBFGS()

	x := make([]float64, len(a))
	st := b.InitState(x, p)
	x, st = b.Run(x, st, p)

	require.Equal(t, Converged, st.Status)
	assert.InDeltaSlice(t, a, x, 1e-6)
}

func TestBFGSUpdateStep(t *testing.T) {

	a := []float64{1, 1}
	p := quadratic(a)
	b := NewBFGS()

	x := []float64{5, -5}
	st := b.InitState(x, p)
	f0 := st.Loss

	x, st = b.Update(x, st, p)

	require.NotEqual(t, Diverged, st.Status)
	assert.Less(t, st.Loss, f0)
	assert.Equal(t, 1, st.Iter)
}

func TestStatusString(t *testing.T) {

	for st, want := range map[Status]string{
		Running:        "Running",
		Converged:      "Converged",
		MaxIterReached: "MaxIterReached",
		Diverged:       "Diverged",
		Status(99):     "Unknown",
	} {
		assert.Equal(t, want, st.String())
	}
}

func TestStateIsReplayable(t *testing.T) {

	// Running the tail of an optimization from a copied state gives
	// the same result as the original run.
	a := []float64{2, -3}
	p := quadratic(a)
	gd := &GradientDescent{MaxIter: 100, Tol: 1e-10, StepSize: 0.5}

	x := make([]float64, len(a))
	st := gd.InitState(x, p)
	x, st = gd.Update(x, st, p)

	xCopy := append([]float64(nil), x...)
	stCopy := st

	x1, st1 := gd.Run(x, st, p)
	x2, st2 := gd.Run(xCopy, stCopy, p)

	assert.Equal(t, st1, st2)
	assert.InDeltaSlice(t, x1, x2, 0)
}
