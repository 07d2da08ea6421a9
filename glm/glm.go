package glm

import (
	"log"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/Flatiron-CCN/generalized-linear-models/optim"
)

// Params holds model parameters as one explicit value, for warm
// starts and online updates.
type Params struct {

	// Coefficients of the predictors in the linear predictor.
	Coef []float64

	// Intercept of the linear predictor.
	Intercept float64
}

// Clone returns a deep copy of the parameter value.
func (p Params) Clone() Params {
	coef := make([]float64, len(p.Coef))
	copy(coef, p.Coef)
	return Params{Coef: coef, Intercept: p.Intercept}
}

type config struct {
	solverName string
	solverOpts SolverOptions
	logger     *log.Logger

	startCoef  []float64
	startIcept float64
	warmStart  bool
}

// Option configures a model at construction time.
type Option func(*config)

// WithSolver selects the solver by name; the default is the
// regularizer's preferred solver.
func WithSolver(name string) Option {
	return func(c *config) {
		c.solverName = name
	}
}

// WithMaxIter sets the solver's iteration cap.
func WithMaxIter(n int) Option {
	return func(c *config) {
		c.solverOpts.MaxIter = n
	}
}

// WithTol sets the solver's convergence tolerance.
func WithTol(tol float64) Option {
	return func(c *config) {
		c.solverOpts.Tol = tol
	}
}

// WithStepSize sets the solver's initial step size.
func WithStepSize(s float64) Option {
	return func(c *config) {
		c.solverOpts.StepSize = s
	}
}

// WithLogger directs fit diagnostics to the given logger.
func WithLogger(lg *log.Logger) Option {
	return func(c *config) {
		c.logger = lg
	}
}

// WithStart supplies warm-start parameters used by the next Fit call
// in place of the default initialization.
func WithStart(coef []float64, intercept float64) Option {
	return func(c *config) {
		c.startCoef = coef
		c.startIcept = intercept
		c.warmStart = true
	}
}

// GLM fits a single-channel generalized linear model.  A model is
// constructed unfitted; Fit populates the coefficients, intercept,
// dispersion, and solver state.  Fit never fails on numerical
// non-convergence: inspect SolverState to detect it.
type GLM struct {
	obs *ObservationModel
	reg *Regularizer
	cfg config

	coef      []float64
	intercept float64
	scale     float64
	dofResid  float64
	state     optim.State
	nfeat     int
	fitted    bool
}

func knownSolver(name string) bool {
	switch name {
	case SolverGradientDescent, SolverProximalGradient, SolverBFGS:
		return true
	}
	return false
}

func buildConfig(reg *Regularizer, opts []Option) (config, error) {

	cfg := config{solverName: reg.DefaultSolver()}
	for _, o := range opts {
		o(&cfg)
	}

	if !knownSolver(cfg.solverName) {
		return cfg, configErrorf("unknown solver %q", cfg.solverName)
	}
	if !reg.CompatibleWith(cfg.solverName) {
		return cfg, configErrorf("solver %s cannot minimize a loss with a %s penalty", cfg.solverName, reg.Name)
	}

	return cfg, nil
}

// New returns an unfitted GLM for the given observation model and
// regularizer.  The solver/regularizer combination is validated here,
// before any data is seen.
func New(obs *ObservationModel, reg *Regularizer, opts ...Option) (*GLM, error) {

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

	return &GLM{obs: obs, reg: reg, cfg: cfg}, nil
}

// IsFitted reports whether the model carries fitted parameters.
func (g *GLM) IsFitted() bool {
	return g.fitted
}

// Coef returns a copy of the fitted coefficients, or nil before Fit.
func (g *GLM) Coef() []float64 {
	if g.coef == nil {
		return nil
	}
	c := make([]float64, len(g.coef))
	copy(c, g.coef)
	return c
}

// Intercept returns the fitted intercept.
func (g *GLM) Intercept() float64 {
	return g.intercept
}

// Scale returns the estimated dispersion parameter.
func (g *GLM) Scale() float64 {
	return g.scale
}

// DofResid returns the residual degrees of freedom from the fit.
func (g *GLM) DofResid() float64 {
	return g.dofResid
}

// SolverState returns the solver state recorded by the last Fit.
func (g *GLM) SolverState() optim.State {
	return g.state
}

// packParams flattens a parameter value into the solver's vector
// layout, coefficients followed by the intercept.
func packParams(p Params) []float64 {
	x := make([]float64, len(p.Coef)+1)
	copy(x, p.Coef)
	x[len(p.Coef)] = p.Intercept
	return x
}

func unpackParams(x []float64) Params {
	p := len(x) - 1
	coef := make([]float64, p)
	copy(coef, x[:p])
	return Params{Coef: coef, Intercept: x[p]}
}

// linpred writes the linear predictor X*coef + intercept into eta,
// using pre-extracted design columns.
func linpred(eta []float64, xcols [][]float64, coef []float64, icept float64) {

	for i := range eta {
		eta[i] = icept
	}
	for j, c := range coef {
		floats.AddScaled(eta, c, xcols[j])
	}
}

// problem builds the composite loss minimized by Fit and Update:
// mean negative log-likelihood of y under inverse-linked X*coef +
// intercept, plus the penalty on the coefficients.  The smooth part
// goes through Func/Grad, a non-smooth penalty through Prox; the
// intercept is never penalized.
func (g *GLM) problem(xcols [][]float64, y []float64) *optim.Problem {

	n := len(y)
	p := len(xcols)
	nf := float64(n)

	pr := &optim.Problem{}

	pr.Func = func(x []float64) float64 {
		coef := x[:p]
		eta := make([]float64, n)
		mn := make([]float64, n)
		linpred(eta, xcols, coef, x[p])
		g.obs.InvLink(eta, mn)
		loss := g.obs.nll(y, mn) / nf
		if g.reg.Smooth() {
			loss += g.reg.Penalty(coef)
		}
		return loss
	}

	pr.Grad = func(grad, x []float64) {
		coef := x[:p]
		eta := make([]float64, n)
		mn := make([]float64, n)
		ge := make([]float64, n)
		linpred(eta, xcols, coef, x[p])
		g.obs.InvLink(eta, mn)
		g.obs.GradEta(y, mn, ge)
		for j := 0; j < p; j++ {
			grad[j] = floats.Dot(ge, xcols[j]) / nf
		}
		grad[p] = floats.Sum(ge) / nf
		g.reg.AddGrad(grad[:p], coef)
	}

	if !g.reg.Smooth() {
		pr.Prox = func(x []float64, step float64) {
			g.reg.Prox(x[:p], step)
		}
	}

	return pr
}

// InitializeParams returns the deterministic starting parameters:
// all-zero coefficients and an intercept whose inverse link equals
// the marginal mean of y.
func (g *GLM) InitializeParams(x mat.Matrix, y []float64) (Params, error) {

	n, p, err := checkDesign(x)
	if err != nil {
		return Params{}, err
	}
	if err := checkResponse(g.obs, y, n); err != nil {
		return Params{}, err
	}

	return g.initParams(p, y), nil
}

func (g *GLM) initParams(p int, y []float64) Params {
	mn := stat.Mean(y, nil)
	return Params{
		Coef:      make([]float64, p),
		Intercept: g.obs.meanToEta(mn),
	}
}

// InitializeState builds the configured solver's initial state for
// the given parameters and data, for warm-start and online loops.
func (g *GLM) InitializeState(params Params, x mat.Matrix, y []float64) (optim.State, error) {

	n, p, err := checkDesign(x)
	if err != nil {
		return optim.State{}, err
	}
	if err := checkResponse(g.obs, y, n); err != nil {
		return optim.State{}, err
	}
	if len(params.Coef) != p {
		return optim.State{}, shapeErrorf("parameters have %d coefficients but the design matrix has %d features", len(params.Coef), p)
	}

	solver, err := g.reg.InstantiateSolver(g.cfg.solverName, g.cfg.solverOpts)
	if err != nil {
		return optim.State{}, err
	}

	prob := g.problem(matCols(x), y)
	return solver.InitState(packParams(params), prob), nil
}

// Fit estimates the model parameters from the data and returns the
// fitted model.  Structural problems (shapes, domains, non-finite
// input) are errors; numerical non-convergence is not, it is recorded
// in the solver state and the parameters are left at the values
// reached.
func (g *GLM) Fit(x mat.Matrix, y []float64) (*GLM, error) {

	n, p, err := checkDesign(x)
	if err != nil {
		return nil, err
	}
	if err := checkResponse(g.obs, y, n); err != nil {
		return nil, err
	}

	var params Params
	if g.cfg.warmStart {
		if len(g.cfg.startCoef) != p {
			return nil, shapeErrorf("warm start has %d coefficients but the design matrix has %d features", len(g.cfg.startCoef), p)
		}
		params = Params{Coef: g.cfg.startCoef, Intercept: g.cfg.startIcept}.Clone()
	} else {
		params = g.initParams(p, y)
	}

	solver, err := g.reg.InstantiateSolver(g.cfg.solverName, g.cfg.solverOpts)
	if err != nil {
		return nil, err
	}

	xcols := matCols(x)
	prob := g.problem(xcols, y)

	xv := packParams(params)
	st := solver.InitState(xv, prob)
	xv, st = solver.Run(xv, st, prob)

	g.coef = make([]float64, p)
	copy(g.coef, xv[:p])
	g.intercept = xv[p]
	g.state = st
	g.nfeat = p
	g.dofResid = float64(n) - float64(p+1)

	eta := make([]float64, n)
	mn := make([]float64, n)
	linpred(eta, xcols, g.coef, g.intercept)
	g.obs.InvLink(eta, mn)
	g.scale = g.obs.EstimateScale(y, mn, g.dofResid)

	g.fitted = true

	if g.cfg.logger != nil {
		g.cfg.logger.Printf("%s GLM fit: penalty=%s solver=%s status=%s iters=%d loss=%.6g",
			g.obs.Name, g.reg.Name, g.cfg.solverName, st.Status, st.Iter, st.Loss)
	}

	return g, nil
}

// predictWith computes the mean rates for the given parameters, the
// single formula shared by the loss, Predict, Score, and Simulate.
func (g *GLM) predictWith(params Params, x mat.Matrix) []float64 {

	n, _ := x.Dims()
	eta := make([]float64, n)
	mn := make([]float64, n)
	linpred(eta, matCols(x), params.Coef, params.Intercept)
	g.obs.InvLink(eta, mn)

	return mn
}

// checkPredictDesign validates a design matrix against the fit-time
// feature count.
func (g *GLM) checkPredictDesign(x mat.Matrix) (int, error) {

	n, p, err := checkDesign(x)
	if err != nil {
		return 0, err
	}
	if p != g.nfeat {
		return 0, shapeErrorf("design matrix has %d features but the model was fit with %d", p, g.nfeat)
	}

	return n, nil
}

// Predict returns the mean rate for every row of x.
func (g *GLM) Predict(x mat.Matrix) ([]float64, error) {

	if !g.fitted {
		return nil, notFittedError("Predict")
	}
	if _, err := g.checkPredictDesign(x); err != nil {
		return nil, err
	}

	return g.predictWith(Params{Coef: g.coef, Intercept: g.intercept}, x), nil
}

// ScoreType selects the goodness-of-fit measure computed by Score.
type ScoreType string

// Score types.  Log-likelihood is reported per sample and excludes
// normalization constants; the pseudo-R2 variants compare against an
// intercept-only null model at the marginal mean of y.
const (
	ScoreLogLikelihood    ScoreType = "log-likelihood"
	ScorePseudoR2McFadden ScoreType = "pseudo-r2-McFadden"
	ScorePseudoR2CoxSnell ScoreType = "pseudo-r2-Cox-Snell"
)

// Score evaluates the fitted model on the given data.
func (g *GLM) Score(x mat.Matrix, y []float64, kind ScoreType) (float64, error) {

	if !g.fitted {
		return 0, notFittedError("Score")
	}
	n, err := g.checkPredictDesign(x)
	if err != nil {
		return 0, err
	}
	if err := checkResponse(g.obs, y, n); err != nil {
		return 0, err
	}

	mn := g.predictWith(Params{Coef: g.coef, Intercept: g.intercept}, x)
	return scoreRates(g.obs, y, mn, kind)
}

func scoreRates(om *ObservationModel, y, mn []float64, kind ScoreType) (float64, error) {

	n := float64(len(y))

	switch kind {
	case ScoreLogLikelihood:
		return om.LogLike(y, mn) / n, nil
	case ScorePseudoR2McFadden:
		// The McFadden ratio needs fully normalized likelihoods;
		// dropping the constants can flip the sign of both terms.
		null := nullRates(om, y)
		ll := om.logLikeFull(y, mn)
		lln := om.logLikeFull(y, null)
		return 1 - ll/lln, nil
	case ScorePseudoR2CoxSnell:
		// Only the likelihood difference enters here, so the
		// normalization constants cancel.
		null := nullRates(om, y)
		ll := om.LogLike(y, mn)
		lln := om.LogLike(y, null)
		return 1 - math.Exp(2*(lln-ll)/n), nil
	default:
		return 0, validationErrorf("unknown score type %q", kind)
	}
}

// nullRates returns the intercept-only rate, the marginal mean of y
// at every sample.
func nullRates(om *ObservationModel, y []float64) []float64 {

	mn := om.clampMean(stat.Mean(y, nil))
	null := make([]float64, len(y))
	for i := range null {
		null[i] = mn
	}

	return null
}

// Simulate draws one simulated observation per row of x at the
// fitted rates.  The only source of randomness is src.
func (g *GLM) Simulate(x mat.Matrix, src rand.Source) ([]float64, error) {

	if !g.fitted {
		return nil, notFittedError("Simulate")
	}
	if _, err := g.checkPredictDesign(x); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, validationErrorf("randomness source is nil")
	}

	mn := g.predictWith(Params{Coef: g.coef, Intercept: g.intercept}, x)
	return g.obs.Sample(mn, g.scale, src), nil
}

// Update takes one solver step on the same loss Fit minimizes and
// returns the new parameters and state.  The model itself is not
// modified; persist the result with SetParams if desired.
func (g *GLM) Update(params Params, state optim.State, x mat.Matrix, y []float64) (Params, optim.State, error) {

	if params.Coef == nil {
		return params, state, notFittedError("Update")
	}

	n, p, err := checkDesign(x)
	if err != nil {
		return params, state, err
	}
	if err := checkResponse(g.obs, y, n); err != nil {
		return params, state, err
	}
	if len(params.Coef) != p {
		return params, state, shapeErrorf("parameters have %d coefficients but the design matrix has %d features", len(params.Coef), p)
	}

	solver, err := g.reg.InstantiateSolver(g.cfg.solverName, g.cfg.solverOpts)
	if err != nil {
		return params, state, err
	}

	prob := g.problem(matCols(x), y)
	xv, st := solver.Update(packParams(params), state, prob)

	return unpackParams(xv), st, nil
}

// SetParams installs externally produced parameters and solver state,
// marking the model fitted.  Used to persist the results of Update in
// online fitting loops.
func (g *GLM) SetParams(params Params, state optim.State) error {

	if params.Coef == nil {
		return validationErrorf("parameters have no coefficients")
	}
	if g.fitted && len(params.Coef) != g.nfeat {
		return shapeErrorf("parameters have %d coefficients but the model was fit with %d", len(params.Coef), g.nfeat)
	}

	p := params.Clone()
	g.coef = p.Coef
	g.intercept = p.Intercept
	g.state = state
	g.nfeat = len(p.Coef)
	g.fitted = true

	return nil
}

// one sets all elements of the slice to 1
func one(x []float64) {
	for i := range x {
		x[i] = 1
	}
}
