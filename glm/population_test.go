package glm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/Flatiron-CCN/generalized-linear-models/optim"
)

// populationData draws Poisson counts for nchan channels from known
// per-channel linear predictors over a shared design.
func populationData(n int, coef *mat.Dense, icept []float64, seed uint64) (*mat.Dense, *mat.Dense) {

	p, nchan := coef.Dims()
	rng := rand.New(rand.NewSource(seed))
	x := randomDesign(n, p, rng)

	y := mat.NewDense(n, nchan, nil)
	for i := 0; i < n; i++ {
		for k := 0; k < nchan; k++ {
			eta := icept[k]
			for j := 0; j < p; j++ {
				eta += coef.At(j, k) * x.At(i, j)
			}
			y.Set(i, k, distuv.Poisson{Lambda: math.Exp(eta), Src: rng}.Rand())
		}
	}

	return x, y
}

// TestPopulationMatchesIndependentFits checks that with an all-ones
// mask the joint fit agrees with fitting each channel on its own.
func TestPopulationMatchesIndependentFits(t *testing.T) {

	coef := mat.NewDense(2, 3, []float64{
		0.4, -0.2, 0.1,
		-0.3, 0.5, 0.0,
	})
	icept := []float64{0.2, 0.0, -0.1}
	x, y := populationData(200, coef, icept, 51)

	pop, err := NewPopulation(NewPoisson(), NewUnregularized(),
		WithSolver(SolverBFGS), WithTol(1e-10))
	require.NoError(t, err)
	_, err = pop.Fit(x, y, nil)
	require.NoError(t, err)
	require.Equal(t, optim.Converged, pop.SolverState().Status)

	n, _ := y.Dims()
	col := make([]float64, n)
	for k := 0; k < 3; k++ {
		mat.Col(col, k, y)

		single, err := New(NewPoisson(), NewUnregularized(),
			WithSolver(SolverBFGS), WithTol(1e-10))
		require.NoError(t, err)
		_, err = single.Fit(x, col)
		require.NoError(t, err)

		sc := single.Coef()
		for j := 0; j < 2; j++ {
			assert.InDelta(t, sc[j], pop.Coef().At(j, k), 1e-4, "channel %d coef %d", k, j)
		}
		assert.InDelta(t, single.Intercept(), pop.Intercept()[k], 1e-4, "channel %d intercept", k)
	}
}

// TestMaskedFeaturesAreInert checks that a masked-out predictor has no
// influence on its channel: its coefficient stays exactly zero and the
// channel's predictions are unchanged when the masked column is
// perturbed.
func TestMaskedFeaturesAreInert(t *testing.T) {

	coef := mat.NewDense(3, 2, []float64{
		0.5, 0.0,
		0.0, 0.4,
		0.2, -0.3,
	})
	icept := []float64{0.1, 0.2}
	x, y := populationData(150, coef, icept, 53)

	// Channel 0 ignores feature 1, channel 1 ignores feature 0.
	mask := mat.NewDense(3, 2, []float64{
		1, 0,
		0, 1,
		1, 1,
	})

	pop, err := NewPopulation(NewPoisson(), NewRidge(0.05))
	require.NoError(t, err)
	_, err = pop.Fit(x, y, mask)
	require.NoError(t, err)

	fitted := pop.Coef()
	assert.Equal(t, 0.0, fitted.At(1, 0))
	assert.Equal(t, 0.0, fitted.At(0, 1))

	pred, err := pop.Predict(x)
	require.NoError(t, err)

	// Scrambling a masked column must not move the masked channel.
	xp := mat.DenseCopyOf(x)
	n, _ := xp.Dims()
	for i := 0; i < n; i++ {
		xp.Set(i, 1, xp.At(i, 1)+100)
	}
	pred2, err := pop.Predict(xp)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		assert.InDelta(t, pred.At(i, 0), pred2.At(i, 0), 1e-12)
	}

	// The residual degrees of freedom count only active features.
	assert.Equal(t, []float64{float64(n) - 3, float64(n) - 3}, pop.DofResid())
}

func TestPopulationMaskValidation(t *testing.T) {

	coef := mat.NewDense(2, 2, []float64{0.3, 0.1, -0.2, 0.4})
	x, y := populationData(50, coef, []float64{0, 0}, 57)

	pop, err := NewPopulation(NewPoisson(), NewUnregularized())
	require.NoError(t, err)

	// Wrong shape.
	_, err = pop.Fit(x, y, mat.NewDense(3, 2, nil))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	// Non-binary entries.
	bad := mat.NewDense(2, 2, []float64{1, 0.5, 0, 1})
	_, err = pop.Fit(x, y, bad)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPopulationScoreAndSimulate(t *testing.T) {

	coef := mat.NewDense(2, 3, []float64{
		0.5, -0.2, 0.3,
		0.1, 0.4, -0.1,
	})
	x, y := populationData(120, coef, []float64{0, 0.1, 0.2}, 61)

	pop, err := NewPopulation(NewPoisson(), NewRidge(0.01))
	require.NoError(t, err)
	_, err = pop.Fit(x, y, nil)
	require.NoError(t, err)

	scores, err := pop.Score(x, y, ScorePseudoR2McFadden)
	require.NoError(t, err)
	require.Len(t, scores, 3)
	for k, s := range scores {
		assert.Greater(t, s, 0.0, "channel %d", k)
		assert.Less(t, s, 1.0, "channel %d", k)
	}

	_, err = pop.Score(x, y, ScoreType("bogus"))
	assert.ErrorIs(t, err, ErrValidation)

	s1, err := pop.Simulate(x, rand.NewSource(8))
	require.NoError(t, err)
	s2, err := pop.Simulate(x, rand.NewSource(8))
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	n, _ := x.Dims()
	r, c := s1.Dims()
	assert.Equal(t, n, r)
	assert.Equal(t, 3, c)
	for i := 0; i < r; i++ {
		for k := 0; k < c; k++ {
			assert.GreaterOrEqual(t, s1.At(i, k), 0.0)
		}
	}
}

// High-rate channels exercise the normalized McFadden likelihood
// through the per-channel scoring path.
func TestPopulationMcFaddenHighRates(t *testing.T) {

	coef := mat.NewDense(2, 2, []float64{0.4, -0.2, -0.1, 0.3})
	x, y := populationData(200, coef, []float64{2.5, 2.2}, 89)

	pop, err := NewPopulation(NewPoisson(), NewUnregularized())
	require.NoError(t, err)
	_, err = pop.Fit(x, y, nil)
	require.NoError(t, err)

	scores, err := pop.Score(x, y, ScorePseudoR2McFadden)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	for k, s := range scores {
		assert.Greater(t, s, 0.0, "channel %d", k)
		assert.Less(t, s, 1.0, "channel %d", k)
	}
}

func TestPopulationNotFitted(t *testing.T) {

	pop, err := NewPopulation(NewPoisson(), NewUnregularized())
	require.NoError(t, err)
	assert.False(t, pop.IsFitted())
	assert.Nil(t, pop.Coef())
	assert.Nil(t, pop.FeatureMask())

	x := mat.NewDense(4, 2, []float64{1, 2, 3, 4, 5, 6, 7, 8})
	y := mat.NewDense(4, 2, []float64{1, 0, 2, 1, 0, 0, 3, 1})

	_, err = pop.Predict(x)
	assert.ErrorIs(t, err, ErrNotFitted)

	_, err = pop.Score(x, y, ScoreLogLikelihood)
	assert.ErrorIs(t, err, ErrNotFitted)

	_, err = pop.Simulate(x, rand.NewSource(1))
	assert.ErrorIs(t, err, ErrNotFitted)

	_, _, err = pop.Update(PopulationParams{}, optim.State{}, x, y)
	assert.ErrorIs(t, err, ErrNotFitted)
}

func TestPopulationRejectsWarmStartOption(t *testing.T) {

	_, err := NewPopulation(NewPoisson(), NewUnregularized(), WithStart([]float64{1}, 0))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestPopulationUpdateLoop(t *testing.T) {

	coef := mat.NewDense(2, 2, []float64{0.4, -0.1, 0.2, 0.3})
	x, y := populationData(80, coef, []float64{0.1, 0}, 67)

	pop, err := NewPopulation(NewPoisson(), NewUnregularized())
	require.NoError(t, err)

	mask := mat.NewDense(2, 2, []float64{1, 1, 1, 0})
	params, err := pop.InitializeParams(x, y, mask)
	require.NoError(t, err)
	st, err := pop.InitializeState(params, x, y)
	require.NoError(t, err)

	prev := st.Loss
	for i := 0; i < 20; i++ {
		params, st, err = pop.Update(params, st, x, y)
		require.NoError(t, err)
		require.NotEqual(t, optim.Diverged, st.Status)
		assert.LessOrEqual(t, st.Loss, prev+1e-12)
		prev = st.Loss
	}

	// The masked coefficient never moves off its zero start.
	assert.Equal(t, 0.0, params.Coef.At(1, 1))

	assert.False(t, pop.IsFitted())
	require.NoError(t, pop.SetParams(params, st))
	assert.True(t, pop.IsFitted())

	pred, err := pop.Predict(x)
	require.NoError(t, err)
	r, c := pred.Dims()
	assert.Equal(t, 80, r)
	assert.Equal(t, 2, c)

	sim, err := pop.Simulate(x, rand.NewSource(5))
	require.NoError(t, err)
	r, c = sim.Dims()
	assert.Equal(t, 80, r)
	assert.Equal(t, 2, c)
}

func TestPopulationLassoRespectsMask(t *testing.T) {

	coef := mat.NewDense(2, 2, []float64{0.6, 0.0, 0.0, 0.5})
	x, y := populationData(100, coef, []float64{0, 0}, 71)

	mask := mat.NewDense(2, 2, []float64{1, 0, 0, 1})

	pop, err := NewPopulation(NewPoisson(), NewLasso(0.01))
	require.NoError(t, err)
	_, err = pop.Fit(x, y, mask)
	require.NoError(t, err)

	fitted := pop.Coef()
	assert.Equal(t, 0.0, fitted.At(1, 0))
	assert.Equal(t, 0.0, fitted.At(0, 1))
	assert.NotEqual(t, 0.0, fitted.At(0, 0))
	assert.NotEqual(t, 0.0, fitted.At(1, 1))
}
