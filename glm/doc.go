// Package glm fits generalized linear models to count and response
// data.  An observation model (Poisson, Gamma, Bernoulli, Gaussian)
// is paired with a regularizer and an iterative solver to estimate
// coefficients and an intercept; fitted models predict mean rates,
// score goodness of fit, and simulate new observations.  PopulationGLM
// jointly fits many response channels with per-channel feature masks.
package glm
