package glm

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// ObservationModel encodes a member of the exponential family as a
// capability object: link function, negative log-likelihood, variance
// function, deviance, scale estimator, and sampler.  New families are
// added by constructing a value with the full capability set, not by
// subclassing anything.
type ObservationModel struct {

	// The name of the family
	Name string

	link *Link
	vari *Variance

	// nll returns the summed negative log-likelihood, excluding
	// terms constant in the mean.
	nll func(y, mn []float64) float64

	// llConst returns the summed log-likelihood terms that are
	// constant in the mean.  Nil when nll is already the complete
	// negative log-likelihood.  Needed wherever likelihoods enter a
	// ratio rather than a difference.
	llConst func(y []float64) float64

	deviance func(y, mn []float64) float64

	// checkY validates a single response value for the family's
	// domain; returns a description of the violation or "".
	checkY func(y float64) string

	// scaleFixed pins the dispersion at 1 (count and binary
	// families).
	scaleFixed bool

	// sample draws one observation per mean value.  The scale is
	// the fitted dispersion, ignored by fixed-scale families.
	sample func(mn []float64, scale float64, src rand.Source) []float64
}

// InvLink maps the linear predictor to the mean rate.
func (om *ObservationModel) InvLink(eta, mn []float64) {
	om.link.InvLink(eta, mn)
}

// LinkFunc maps the mean rate to the linear predictor.
func (om *ObservationModel) LinkFunc(mn, eta []float64) {
	om.link.Link(mn, eta)
}

// MeanNLL returns the mean negative log-likelihood of y given the
// rates mn, excluding normalization constants.
func (om *ObservationModel) MeanNLL(y, mn []float64) float64 {
	return om.nll(y, mn) / float64(len(y))
}

// LogLike returns the summed log-likelihood of y given the rates mn,
// excluding normalization constants.
func (om *ObservationModel) LogLike(y, mn []float64) float64 {
	return -om.nll(y, mn)
}

// logLikeFull returns the summed log-likelihood including the
// normalization constants.  Likelihood ratios need the constants;
// likelihood differences do not.
func (om *ObservationModel) logLikeFull(y, mn []float64) float64 {
	ll := -om.nll(y, mn)
	if om.llConst != nil {
		ll += om.llConst(y)
	}
	return ll
}

// GradEta writes into g the per-sample derivative of the negative
// log-likelihood with respect to the linear predictor,
// (mn - y) / (g'(mn) V(mn)).
func (om *ObservationModel) GradEta(y, mn, g []float64) {

	n := len(y)
	deriv := make([]float64, n)
	va := make([]float64, n)

	om.link.Deriv(mn, deriv)
	om.vari.Var(mn, va)

	for i := range y {
		g[i] = (mn[i] - y[i]) / (deriv[i] * va[i])
	}
}

// Deviance returns the model deviance of y given the rates mn.
func (om *ObservationModel) Deviance(y, mn []float64) float64 {
	return om.deviance(y, mn)
}

// EstimateScale returns the dispersion estimate at the fitted rates.
// Families with a fixed dispersion return 1; the others use the
// Pearson estimator, sum of squared residuals over the variance,
// divided by the residual degrees of freedom.
func (om *ObservationModel) EstimateScale(y, mn []float64, dofResid float64) float64 {

	if om.scaleFixed {
		return 1
	}

	va := make([]float64, len(mn))
	om.vari.Var(mn, va)

	var scale float64
	for i, v := range y {
		r := v - mn[i]
		scale += r * r / va[i]
	}

	return scale / dofResid
}

// Sample draws one simulated observation per rate in mn, using only
// the provided randomness source.
func (om *ObservationModel) Sample(mn []float64, scale float64, src rand.Source) []float64 {
	return om.sample(mn, scale, src)
}

// clampMean pulls a marginal mean into the interior of the link's
// domain so the link can be applied to it.
func (om *ObservationModel) clampMean(mn float64) float64 {

	const eps = 1e-8

	switch om.link {
	case &logLink:
		if mn < eps {
			mn = eps
		}
	case &logitLink:
		if mn < eps {
			mn = eps
		}
		if mn > 1-eps {
			mn = 1 - eps
		}
	}

	return mn
}

// meanToEta maps a marginal mean through the link, giving the
// intercept whose inverse link reproduces the mean.
func (om *ObservationModel) meanToEta(mn float64) float64 {
	eta := []float64{0}
	om.link.Link([]float64{om.clampMean(mn)}, eta)
	return eta[0]
}

// ValidateResponse checks every response value against the family's
// domain.
func (om *ObservationModel) ValidateResponse(y []float64) error {

	if om.checkY == nil {
		return nil
	}

	for i, v := range y {
		if msg := om.checkY(v); msg != "" {
			return validationErrorf("%s response: y[%d]=%v %s", om.Name, i, v, msg)
		}
	}

	return nil
}

// NewPoisson returns the Poisson observation model with a log link.
func NewPoisson() *ObservationModel {
	return &ObservationModel{
		Name:       "Poisson",
		link:       &logLink,
		vari:       &identVariance,
		nll:        poissonNLL,
		llConst:    poissonLLConst,
		deviance:   poissonDeviance,
		checkY:     countCheck,
		scaleFixed: true,
		sample:     poissonSample,
	}
}

// NewGamma returns the Gamma observation model with a log link.
func NewGamma() *ObservationModel {
	return &ObservationModel{
		Name:     "Gamma",
		link:     &logLink,
		vari:     &squaredVariance,
		nll:      gammaNLL,
		deviance: gammaDeviance,
		checkY:   positiveCheck,
		sample:   gammaSample,
	}
}

// NewBernoulli returns the Bernoulli observation model with a logit
// link.
func NewBernoulli() *ObservationModel {
	return &ObservationModel{
		Name:       "Bernoulli",
		link:       &logitLink,
		vari:       &binomVariance,
		nll:        bernoulliNLL,
		deviance:   bernoulliDeviance,
		checkY:     binaryCheck,
		scaleFixed: true,
		sample:     bernoulliSample,
	}
}

// NewGaussian returns the Gaussian observation model with an identity
// link.
func NewGaussian() *ObservationModel {
	return &ObservationModel{
		Name:     "Gaussian",
		link:     &idLink,
		vari:     &constVariance,
		nll:      gaussianNLL,
		llConst:  gaussianLLConst,
		deviance: gaussianDeviance,
		sample:   gaussianSample,
	}
}

func countCheck(y float64) string {
	if y < 0 {
		return "is negative"
	}
	return ""
}

func positiveCheck(y float64) string {
	if y <= 0 {
		return "is not strictly positive"
	}
	return ""
}

func binaryCheck(y float64) string {
	if y != 0 && y != 1 {
		return "is not 0 or 1"
	}
	return ""
}

func poissonNLL(y, mn []float64) float64 {

	var nll float64
	for i := range y {
		nll += mn[i]
		if y[i] > 0 {
			nll -= y[i] * math.Log(mn[i])
		}
	}

	return nll
}

func gammaNLL(y, mn []float64) float64 {

	var nll float64
	for i := range y {
		nll += y[i]/mn[i] + math.Log(mn[i])
	}

	return nll
}

func bernoulliNLL(y, mn []float64) float64 {

	var nll float64
	for i := range y {
		r := mn[i]/(1-mn[i]) + 1e-200
		nll -= y[i]*math.Log(r) + math.Log(1-mn[i])
	}

	return nll
}

func gaussianNLL(y, mn []float64) float64 {

	var nll float64
	for i := range y {
		r := y[i] - mn[i]
		nll += r * r / 2
	}

	return nll
}

// poissonLLConst is -sum(lgamma(y+1)), the Poisson normalization.
func poissonLLConst(y []float64) float64 {

	var c float64
	for _, v := range y {
		lg, _ := math.Lgamma(v + 1)
		c -= lg
	}

	return c
}

// gaussianLLConst is the unit-variance Gaussian normalization,
// matching the unit-dispersion convention of gaussianNLL.
func gaussianLLConst(y []float64) float64 {
	return -float64(len(y)) * math.Log(2*math.Pi) / 2
}

func poissonDeviance(y, mn []float64) float64 {

	var dev float64
	for i := range y {
		if y[i] > 0 {
			dev += 2 * (y[i]*math.Log(y[i]/mn[i]) - (y[i] - mn[i]))
		} else {
			dev += 2 * mn[i]
		}
	}

	return dev
}

func gammaDeviance(y, mn []float64) float64 {

	var dev float64
	for i := range y {
		dev += 2 * ((y[i]-mn[i])/mn[i] - math.Log(y[i]/mn[i]))
	}

	return dev
}

func bernoulliDeviance(y, mn []float64) float64 {

	var dev float64
	for i := range y {
		dev -= 2 * (y[i]*math.Log(mn[i]) + (1-y[i])*math.Log(1-mn[i]))
	}

	return dev
}

func gaussianDeviance(y, mn []float64) float64 {

	var dev float64
	for i := range y {
		r := y[i] - mn[i]
		dev += r * r
	}

	return dev
}

func poissonSample(mn []float64, scale float64, src rand.Source) []float64 {

	y := make([]float64, len(mn))
	for i, m := range mn {
		p := distuv.Poisson{Lambda: m, Src: src}
		y[i] = p.Rand()
	}

	return y
}

func gammaSample(mn []float64, scale float64, src rand.Source) []float64 {

	if scale <= 0 {
		scale = 1
	}

	// Shape 1/scale and rate 1/(scale*mean) give mean m and
	// variance scale*m^2, matching the squared variance function.
	y := make([]float64, len(mn))
	for i, m := range mn {
		g := distuv.Gamma{Alpha: 1 / scale, Beta: 1 / (scale * m), Src: src}
		y[i] = g.Rand()
	}

	return y
}

func bernoulliSample(mn []float64, scale float64, src rand.Source) []float64 {

	y := make([]float64, len(mn))
	for i, m := range mn {
		b := distuv.Bernoulli{P: m, Src: src}
		y[i] = b.Rand()
	}

	return y
}

func gaussianSample(mn []float64, scale float64, src rand.Source) []float64 {

	if scale <= 0 {
		scale = 1
	}

	sd := math.Sqrt(scale)
	y := make([]float64, len(mn))
	for i, m := range mn {
		n := distuv.Normal{Mu: m, Sigma: sd, Src: src}
		y[i] = n.Rand()
	}

	return y
}
