package glm

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/Flatiron-CCN/generalized-linear-models/optim"
)

// PopulationParams holds the parameters of a population model as one
// explicit value: a features-by-channels coefficient matrix and one
// intercept per channel.
type PopulationParams struct {
	Coef      *mat.Dense
	Intercept []float64
}

// Clone returns a deep copy of the parameter value.
func (p PopulationParams) Clone() PopulationParams {
	icept := make([]float64, len(p.Intercept))
	copy(icept, p.Intercept)
	return PopulationParams{Coef: mat.DenseCopyOf(p.Coef), Intercept: icept}
}

// PopulationGLM jointly fits one generalized linear model per
// response channel over a shared design matrix.  A binary feature
// mask restricts which predictors drive which channel; a nil mask
// means every predictor drives every channel.  All channels share a
// single solver trajectory, but each channel's gradient block is
// independent, so with an all-ones mask the joint fit matches
// independent single-channel fits.
//
// Masked-out coefficients receive a zero gradient contribution and
// start at zero, so they remain zero through smooth solver runs;
// proximal solvers additionally threshold them to exactly zero.
type PopulationGLM struct {
	obs *ObservationModel
	reg *Regularizer
	cfg config

	coef      *mat.Dense
	intercept []float64
	mask      *mat.Dense
	scale     []float64
	dofResid  []float64
	state     optim.State
	nfeat     int
	nchan     int
	fitted    bool
}

// NewPopulation returns an unfitted population model for the given
// observation model and regularizer.  The solver/regularizer
// combination is validated here, before any data is seen.
func NewPopulation(obs *ObservationModel, reg *Regularizer, opts ...Option) (*PopulationGLM, error) {

	if obs == nil {
		return nil, configErrorf("observation model is nil")
	}
	if reg == nil {
		return nil, configErrorf("regularizer is nil")
	}

	cfg, err := buildConfig(reg, opts)
	if err != nil {
		return nil, err
	}
	if cfg.warmStart {
		return nil, configErrorf("warm start coefficients apply to single-channel models; use InitializeParams and Update for population warm starts")
	}

	return &PopulationGLM{obs: obs, reg: reg, cfg: cfg}, nil
}

// IsFitted reports whether the model carries fitted parameters.
func (pg *PopulationGLM) IsFitted() bool {
	return pg.fitted
}

// Coef returns a copy of the fitted coefficient matrix
// (features x channels), or nil before Fit.
func (pg *PopulationGLM) Coef() *mat.Dense {
	if pg.coef == nil {
		return nil
	}
	return mat.DenseCopyOf(pg.coef)
}

// Intercept returns a copy of the fitted per-channel intercepts.
func (pg *PopulationGLM) Intercept() []float64 {
	if pg.intercept == nil {
		return nil
	}
	c := make([]float64, len(pg.intercept))
	copy(c, pg.intercept)
	return c
}

// Scale returns the per-channel dispersion estimates.
func (pg *PopulationGLM) Scale() []float64 {
	return pg.scale
}

// DofResid returns the per-channel residual degrees of freedom,
// counting only each channel's unmasked features.
func (pg *PopulationGLM) DofResid() []float64 {
	return pg.dofResid
}

// SolverState returns the solver state recorded by the last Fit.
func (pg *PopulationGLM) SolverState() optim.State {
	return pg.state
}

// FeatureMask returns a copy of the feature mask in effect, or nil if
// none has been set.
func (pg *PopulationGLM) FeatureMask() *mat.Dense {
	if pg.mask == nil {
		return nil
	}
	return mat.DenseCopyOf(pg.mask)
}

// onesMask returns the all-features-active mask.
func onesMask(nfeat, nchan int) *mat.Dense {

	m := mat.NewDense(nfeat, nchan, nil)
	for j := 0; j < nfeat; j++ {
		for k := 0; k < nchan; k++ {
			m.Set(j, k, 1)
		}
	}

	return m
}

// packPop flattens population parameters into the solver's vector
// layout: the coefficient matrix row-major, then the intercepts.
func packPop(p PopulationParams) []float64 {

	nfeat, nchan := p.Coef.Dims()
	x := make([]float64, nfeat*nchan+nchan)
	for j := 0; j < nfeat; j++ {
		for k := 0; k < nchan; k++ {
			x[j*nchan+k] = p.Coef.At(j, k)
		}
	}
	copy(x[nfeat*nchan:], p.Intercept)

	return x
}

func unpackPop(x []float64, nfeat, nchan int) PopulationParams {

	coef := mat.NewDense(nfeat, nchan, nil)
	for j := 0; j < nfeat; j++ {
		for k := 0; k < nchan; k++ {
			coef.Set(j, k, x[j*nchan+k])
		}
	}
	icept := make([]float64, nchan)
	copy(icept, x[nfeat*nchan:])

	return PopulationParams{Coef: coef, Intercept: icept}
}

// maskVec flattens the mask row-major to match the packed coefficient
// layout.
func maskVec(mask *mat.Dense) []float64 {

	nfeat, nchan := mask.Dims()
	mv := make([]float64, nfeat*nchan)
	for j := 0; j < nfeat; j++ {
		for k := 0; k < nchan; k++ {
			mv[j*nchan+k] = mask.At(j, k)
		}
	}

	return mv
}

// problem builds the joint loss: the sum over channels of the mean
// negative log-likelihood of that channel's response under its masked
// linear predictor, plus the penalty on the masked coefficients.  A
// channel whose gradient block comes out non-finite has the block
// zeroed for that step, so one pathological channel cannot corrupt
// the shared trajectory.
func (pg *PopulationGLM) problem(xcols, ycols [][]float64, mv []float64) *optim.Problem {

	n := len(ycols[0])
	p := len(xcols)
	nc := len(ycols)
	nf := float64(n)

	maskedCoef := func(x []float64) []float64 {
		mc := make([]float64, p*nc)
		for idx := range mc {
			mc[idx] = x[idx] * mv[idx]
		}
		return mc
	}

	channelEta := func(x []float64, k int, eta []float64) {
		for i := range eta {
			eta[i] = x[p*nc+k]
		}
		for j := 0; j < p; j++ {
			if c := x[j*nc+k] * mv[j*nc+k]; c != 0 {
				floats.AddScaled(eta, c, xcols[j])
			}
		}
	}

	pr := &optim.Problem{}

	pr.Func = func(x []float64) float64 {
		eta := make([]float64, n)
		mn := make([]float64, n)
		var loss float64
		for k := 0; k < nc; k++ {
			channelEta(x, k, eta)
			pg.obs.InvLink(eta, mn)
			loss += pg.obs.nll(ycols[k], mn) / nf
		}
		if pg.reg.Smooth() {
			loss += pg.reg.Penalty(maskedCoef(x))
		}
		return loss
	}

	pr.Grad = func(grad, x []float64) {
		eta := make([]float64, n)
		mn := make([]float64, n)
		ge := make([]float64, n)

		for k := 0; k < nc; k++ {

			channelEta(x, k, eta)
			pg.obs.InvLink(eta, mn)
			pg.obs.GradEta(ycols[k], mn, ge)

			gicept := floats.Sum(ge) / nf
			ok := finiteVal(gicept)
			for j := 0; j < p; j++ {
				v := mv[j*nc+k] * floats.Dot(ge, xcols[j]) / nf
				grad[j*nc+k] = v
				ok = ok && finiteVal(v)
			}

			if !ok {
				// Freeze the failing channel for this step rather
				// than poisoning the shared state.
				for j := 0; j < p; j++ {
					grad[j*nc+k] = 0
				}
				gicept = 0
				if pg.cfg.logger != nil {
					pg.cfg.logger.Printf("channel %d: non-finite gradient, freezing for this step", k)
				}
			}
			grad[p*nc+k] = gicept
		}

		if pg.reg.addGrad != nil {
			pg.reg.AddGrad(grad[:p*nc], maskedCoef(x))
		}
	}

	if !pg.reg.Smooth() {
		pr.Prox = func(x []float64, step float64) {
			pg.reg.Prox(x[:p*nc], step)
		}
	}

	return pr
}

// validateFitInputs checks the design, response matrix, and mask, and
// returns the dimensions and the mask actually in effect.
func (pg *PopulationGLM) validateFitInputs(x mat.Matrix, y *mat.Dense, mask *mat.Dense) (int, int, int, *mat.Dense, error) {

	n, p, err := checkDesign(x)
	if err != nil {
		return 0, 0, 0, nil, err
	}

	nchan, err := checkResponseMatrix(pg.obs, y, n)
	if err != nil {
		return 0, 0, 0, nil, err
	}

	if mask == nil {
		mask = onesMask(p, nchan)
	} else if err := checkMask(mask, p, nchan); err != nil {
		return 0, 0, 0, nil, err
	}

	return n, p, nchan, mask, nil
}

// InitializeParams returns the deterministic starting parameters:
// all-zero coefficients and per-channel intercepts matching each
// channel's marginal mean.  The mask is validated and retained for
// subsequent Update calls.
func (pg *PopulationGLM) InitializeParams(x mat.Matrix, y *mat.Dense, mask *mat.Dense) (PopulationParams, error) {

	_, p, nchan, mask, err := pg.validateFitInputs(x, y, mask)
	if err != nil {
		return PopulationParams{}, err
	}

	pg.mask = mask
	pg.nfeat = p
	pg.nchan = nchan

	return pg.initParams(p, nchan, y), nil
}

func (pg *PopulationGLM) initParams(p, nchan int, y *mat.Dense) PopulationParams {

	n, _ := y.Dims()
	col := make([]float64, n)
	icept := make([]float64, nchan)
	for k := 0; k < nchan; k++ {
		mat.Col(col, k, y)
		icept[k] = pg.obs.meanToEta(stat.Mean(col, nil))
	}

	return PopulationParams{Coef: mat.NewDense(p, nchan, nil), Intercept: icept}
}

// InitializeState builds the configured solver's initial state for
// the given parameters and data.  InitializeParams (or Fit) must have
// set the feature mask first.
func (pg *PopulationGLM) InitializeState(params PopulationParams, x mat.Matrix, y *mat.Dense) (optim.State, error) {

	if pg.mask == nil {
		return optim.State{}, validationErrorf("no feature mask set; call InitializeParams or Fit first")
	}

	n, p, err := checkDesign(x)
	if err != nil {
		return optim.State{}, err
	}
	nchan, err := checkResponseMatrix(pg.obs, y, n)
	if err != nil {
		return optim.State{}, err
	}
	if p != pg.nfeat || nchan != pg.nchan {
		return optim.State{}, shapeErrorf("data has shape (%d features, %d channels) but the mask has (%d, %d)", p, nchan, pg.nfeat, pg.nchan)
	}

	solver, err := pg.reg.InstantiateSolver(pg.cfg.solverName, pg.cfg.solverOpts)
	if err != nil {
		return optim.State{}, err
	}

	prob := pg.problem(matCols(x), matCols(y), maskVec(pg.mask))
	return solver.InitState(packPop(params), prob), nil
}

// Fit jointly estimates all channels' parameters in a single solver
// run over the masked coefficient matrix.  A nil mask activates every
// feature for every channel.  Numerical non-convergence is recorded
// in the solver state, never returned as an error.
func (pg *PopulationGLM) Fit(x mat.Matrix, y *mat.Dense, mask *mat.Dense) (*PopulationGLM, error) {

	n, p, nchan, mask, err := pg.validateFitInputs(x, y, mask)
	if err != nil {
		return nil, err
	}

	solver, err := pg.reg.InstantiateSolver(pg.cfg.solverName, pg.cfg.solverOpts)
	if err != nil {
		return nil, err
	}

	xcols := matCols(x)
	ycols := matCols(y)
	mv := maskVec(mask)
	prob := pg.problem(xcols, ycols, mv)

	params := pg.initParams(p, nchan, y)
	xv := packPop(params)
	st := solver.InitState(xv, prob)
	xv, st = solver.Run(xv, st, prob)

	fitted := unpackPop(xv, p, nchan)
	pg.coef = fitted.Coef
	pg.intercept = fitted.Intercept
	pg.mask = mask
	pg.state = st
	pg.nfeat = p
	pg.nchan = nchan

	// Per-channel dispersion and residual degrees of freedom, based
	// on each channel's active feature count.
	pg.scale = make([]float64, nchan)
	pg.dofResid = make([]float64, nchan)
	rates := pg.predictWith(fitted, x)
	col := make([]float64, n)
	mu := make([]float64, n)
	for k := 0; k < nchan; k++ {
		var active float64
		for j := 0; j < p; j++ {
			active += mask.At(j, k)
		}
		pg.dofResid[k] = float64(n) - (active + 1)
		mat.Col(col, k, y)
		mat.Col(mu, k, rates)
		pg.scale[k] = pg.obs.EstimateScale(col, mu, pg.dofResid[k])
	}

	pg.fitted = true

	if pg.cfg.logger != nil {
		pg.cfg.logger.Printf("%s population fit: channels=%d penalty=%s solver=%s status=%s iters=%d loss=%.6g",
			pg.obs.Name, nchan, pg.reg.Name, pg.cfg.solverName, st.Status, st.Iter, st.Loss)
	}

	return pg, nil
}

// predictWith computes every channel's mean rate for the given
// parameters: inverse link of X (coef elementwise-times mask) plus
// the channel intercept.  Columns of X masked out for a channel
// cannot influence that channel's rate.
func (pg *PopulationGLM) predictWith(params PopulationParams, x mat.Matrix) *mat.Dense {

	n, p := x.Dims()
	xcols := matCols(x)

	rates := mat.NewDense(n, pg.nchan, nil)
	eta := make([]float64, n)
	mn := make([]float64, n)

	for k := 0; k < pg.nchan; k++ {
		for i := range eta {
			eta[i] = params.Intercept[k]
		}
		for j := 0; j < p; j++ {
			if c := params.Coef.At(j, k) * pg.mask.At(j, k); c != 0 {
				floats.AddScaled(eta, c, xcols[j])
			}
		}
		pg.obs.InvLink(eta, mn)
		for i := 0; i < n; i++ {
			rates.Set(i, k, mn[i])
		}
	}

	return rates
}

func (pg *PopulationGLM) checkPredictDesign(x mat.Matrix) (int, error) {

	n, p, err := checkDesign(x)
	if err != nil {
		return 0, err
	}
	if p != pg.nfeat {
		return 0, shapeErrorf("design matrix has %d features but the model was fit with %d", p, pg.nfeat)
	}

	return n, nil
}

// Predict returns the mean rate matrix (samples x channels).
func (pg *PopulationGLM) Predict(x mat.Matrix) (*mat.Dense, error) {

	if !pg.fitted {
		return nil, notFittedError("Predict")
	}
	if _, err := pg.checkPredictDesign(x); err != nil {
		return nil, err
	}

	return pg.predictWith(PopulationParams{Coef: pg.coef, Intercept: pg.intercept}, x), nil
}

// Score evaluates the fitted model per channel.
func (pg *PopulationGLM) Score(x mat.Matrix, y *mat.Dense, kind ScoreType) ([]float64, error) {

	if !pg.fitted {
		return nil, notFittedError("Score")
	}
	n, err := pg.checkPredictDesign(x)
	if err != nil {
		return nil, err
	}
	nchan, err := checkResponseMatrix(pg.obs, y, n)
	if err != nil {
		return nil, err
	}
	if nchan != pg.nchan {
		return nil, shapeErrorf("response matrix has %d channels but the model was fit with %d", nchan, pg.nchan)
	}

	rates := pg.predictWith(PopulationParams{Coef: pg.coef, Intercept: pg.intercept}, x)

	scores := make([]float64, nchan)
	col := make([]float64, n)
	mu := make([]float64, n)
	for k := 0; k < nchan; k++ {
		mat.Col(col, k, y)
		mat.Col(mu, k, rates)
		s, err := scoreRates(pg.obs, col, mu, kind)
		if err != nil {
			return nil, err
		}
		scores[k] = s
	}

	return scores, nil
}

// Simulate draws one simulated observation per sample and channel at
// the fitted rates.  The only source of randomness is src.
func (pg *PopulationGLM) Simulate(x mat.Matrix, src rand.Source) (*mat.Dense, error) {

	if !pg.fitted {
		return nil, notFittedError("Simulate")
	}
	n, err := pg.checkPredictDesign(x)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, validationErrorf("randomness source is nil")
	}

	rates := pg.predictWith(PopulationParams{Coef: pg.coef, Intercept: pg.intercept}, x)

	sim := mat.NewDense(n, pg.nchan, nil)
	mu := make([]float64, n)
	for k := 0; k < pg.nchan; k++ {
		mat.Col(mu, k, rates)
		yk := pg.obs.Sample(mu, pg.scale[k], src)
		for i := 0; i < n; i++ {
			sim.Set(i, k, yk[i])
		}
	}

	return sim, nil
}

// Update takes one solver step on the joint loss and returns the new
// parameters and state.  The model itself is not modified; persist
// the result with SetParams if desired.  The feature mask set by
// InitializeParams or Fit is used.
func (pg *PopulationGLM) Update(params PopulationParams, state optim.State, x mat.Matrix, y *mat.Dense) (PopulationParams, optim.State, error) {

	if params.Coef == nil {
		return params, state, notFittedError("Update")
	}
	if pg.mask == nil {
		return params, state, validationErrorf("no feature mask set; call InitializeParams or Fit first")
	}

	n, p, err := checkDesign(x)
	if err != nil {
		return params, state, err
	}
	nchan, err := checkResponseMatrix(pg.obs, y, n)
	if err != nil {
		return params, state, err
	}
	cr, cc := params.Coef.Dims()
	if cr != p || cc != nchan {
		return params, state, shapeErrorf("coefficient matrix has shape (%d, %d), want (%d, %d)", cr, cc, p, nchan)
	}
	if p != pg.nfeat || nchan != pg.nchan {
		return params, state, shapeErrorf("data has shape (%d features, %d channels) but the mask has (%d, %d)", p, nchan, pg.nfeat, pg.nchan)
	}

	solver, err := pg.reg.InstantiateSolver(pg.cfg.solverName, pg.cfg.solverOpts)
	if err != nil {
		return params, state, err
	}

	prob := pg.problem(matCols(x), matCols(y), maskVec(pg.mask))
	xv, st := solver.Update(packPop(params), state, prob)

	return unpackPop(xv, p, nchan), st, nil
}

// SetParams installs externally produced parameters and solver state,
// marking the model fitted.
func (pg *PopulationGLM) SetParams(params PopulationParams, state optim.State) error {

	if params.Coef == nil {
		return validationErrorf("parameters have no coefficients")
	}
	cr, cc := params.Coef.Dims()
	if pg.mask != nil && (cr != pg.nfeat || cc != pg.nchan) {
		return shapeErrorf("coefficient matrix has shape (%d, %d), want (%d, %d)", cr, cc, pg.nfeat, pg.nchan)
	}

	p := params.Clone()
	pg.coef = p.Coef
	pg.intercept = p.Intercept
	pg.state = state
	pg.nfeat = cr
	pg.nchan = cc
	if pg.mask == nil {
		pg.mask = onesMask(cr, cc)
	}
	if len(pg.scale) != cc {
		// No dispersion estimate without a Fit; use the unit scale.
		pg.scale = make([]float64, cc)
		one(pg.scale)
	}
	pg.fitted = true

	return nil
}

func finiteVal(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
