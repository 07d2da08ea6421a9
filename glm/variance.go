package glm

// Variance represents a GLM variance function, giving the variance of
// an observation as a function of its mean.
type Variance struct {
	Name string
	Var  VecFunc
}

var binomVariance = Variance{
	Name: "Binomial",
	Var:  binomVar,
}

var identVariance = Variance{
	Name: "Identity",
	Var:  identVar,
}

var constVariance = Variance{
	Name: "Constant",
	Var:  constVar,
}

var squaredVariance = Variance{
	Name: "Squared",
	Var:  squaredVar,
}

func binomVar(mn []float64, v []float64) {
	for i, p := range mn {
		v[i] = p * (1 - p)
	}
}

func identVar(mn []float64, v []float64) {
	copy(v, mn)
}

func constVar(mn []float64, v []float64) {
	one(v)
}

func squaredVar(mn []float64, v []float64) {
	for i, m := range mn {
		v[i] = m * m
	}
}
