package glm

import (
	"math"
)

// VecFunc is a function with two float64 array arguments.
type VecFunc func([]float64, []float64)

// Link specifies a GLM link function.
type Link struct {
	Name string

	// Link calculates the link function (mapping the mean value to
	// the linear predictor).
	Link VecFunc

	// InvLink calculates the inverse of the link function (mapping
	// the linear predictor to the mean value).
	InvLink VecFunc

	// Deriv calculates the derivative of the link function.
	Deriv VecFunc
}

var logLink = Link{
	Name:    "Log",
	Link:    logFunc,
	InvLink: expFunc,
	Deriv:   logDerivFunc,
}

var idLink = Link{
	Name:    "Identity",
	Link:    idFunc,
	InvLink: idFunc,
	Deriv:   idDerivFunc,
}

var logitLink = Link{
	Name:    "Logit",
	Link:    logitFunc,
	InvLink: expitFunc,
	Deriv:   logitDerivFunc,
}

func logFunc(x []float64, y []float64) {
	for i := 0; i < len(x); i++ {
		y[i] = math.Log(x[i])
	}
}

func logDerivFunc(x []float64, y []float64) {
	for i := 0; i < len(x); i++ {
		y[i] = 1 / x[i]
	}
}

func expFunc(x []float64, y []float64) {
	for i := 0; i < len(x); i++ {
		y[i] = math.Exp(x[i])
	}
}

func logitFunc(x []float64, y []float64) {
	for i := 0; i < len(x); i++ {
		r := x[i] / (1 - x[i])
		y[i] = math.Log(r)
	}
}

func logitDerivFunc(x []float64, y []float64) {
	for i := 0; i < len(x); i++ {
		y[i] = 1 / (x[i] * (1 - x[i]))
	}
}

func expitFunc(x []float64, y []float64) {
	for i := 0; i < len(x); i++ {
		y[i] = 1 / (1 + math.Exp(-x[i]))
	}
}

func idFunc(x []float64, y []float64) {
	copy(y, x)
}

func idDerivFunc(x []float64, y []float64) {
	one(y)
}
