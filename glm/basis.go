package glm

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// RaisedCosineBasis generates a design matrix of raised cosine bumps
// evaluated at sample points, the feature construction of Pillow et
// al. (2005) for spike train regression.  Peaks tile the unit
// interval either linearly or with a logarithmic stretch that packs
// narrow bumps near zero, the usual choice for temporal history
// filters.  The evaluated matrix feeds Fit as the predictor matrix.
type RaisedCosineBasis struct {
	nbasis int
	width  float64

	// Sample bounds for rescaling; when unset, the min and max of
	// the evaluated samples are used.
	hasBounds bool
	lo, hi    float64

	logSpaced   bool
	timeScaling float64
	decayToZero bool
}

// BasisOption configures a basis at construction time.
type BasisOption func(*RaisedCosineBasis)

// WithBasisWidth sets the width of each cosine bump in units of the
// peak spacing.  Twice the width must be a positive integer greater
// than 2, or the bumps either fail to overlap or sum unevenly.
func WithBasisWidth(w float64) BasisOption {
	return func(b *RaisedCosineBasis) {
		b.width = w
	}
}

// WithBasisBounds fixes the sample interval mapped onto the basis
// domain.  Samples outside the bounds evaluate to NaN.
func WithBasisBounds(lo, hi float64) BasisOption {
	return func(b *RaisedCosineBasis) {
		b.hasBounds = true
		b.lo = lo
		b.hi = hi
	}
}

// WithTimeScaling sets the logarithmic stretch of a log-spaced basis.
// Larger values concentrate the bumps near the start of the domain;
// as the value approaches zero the spacing becomes linear.
func WithTimeScaling(ts float64) BasisOption {
	return func(b *RaisedCosineBasis) {
		b.timeScaling = ts
	}
}

// WithoutDecayToZero keeps the last peak of a log-spaced basis at the
// end of the domain instead of pulling it in so the last bump decays
// to zero at the final sample.
func WithoutDecayToZero() BasisOption {
	return func(b *RaisedCosineBasis) {
		b.decayToZero = false
	}
}

const defaultTimeScaling = 50.0

// NewRaisedCosineBasisLinear returns a basis of nbasis cosine bumps
// with linearly spaced peaks.
func NewRaisedCosineBasisLinear(nbasis int, opts ...BasisOption) (*RaisedCosineBasis, error) {

	b := &RaisedCosineBasis{nbasis: nbasis, width: 2}
	for _, o := range opts {
		o(b)
	}

	if err := b.validate(); err != nil {
		return nil, err
	}

	return b, nil
}

// NewRaisedCosineBasisLog returns a basis of nbasis cosine bumps with
// log-stretched peak spacing, and by default a last bump that decays
// to zero at the end of the domain.
func NewRaisedCosineBasisLog(nbasis int, opts ...BasisOption) (*RaisedCosineBasis, error) {

	b := &RaisedCosineBasis{
		nbasis:      nbasis,
		width:       2,
		logSpaced:   true,
		timeScaling: defaultTimeScaling,
		decayToZero: true,
	}
	for _, o := range opts {
		o(b)
	}

	if err := b.validate(); err != nil {
		return nil, err
	}

	return b, nil
}

func (b *RaisedCosineBasis) validate() error {

	if b.nbasis < 2 {
		return configErrorf("raised cosine basis requires at least 2 elements, got %d", b.nbasis)
	}

	// Bumps narrower than the peak spacing leave gaps; a non-integer
	// 2*width makes the summed basis oscillate.
	if b.width <= 1 || math.Abs(b.width*2-math.Round(b.width*2)) > 1e-12 {
		return configErrorf("invalid raised cosine width: 2*width must be a positive integer, got 2*width=%v", b.width*2)
	}

	if b.logSpaced && b.timeScaling <= 0 {
		return configErrorf("time scaling must be strictly positive, got %v", b.timeScaling)
	}

	if b.hasBounds && b.hi <= b.lo {
		return configErrorf("basis bounds (%v, %v) are not an interval", b.lo, b.hi)
	}

	return nil
}

// NumBasis returns the number of basis elements.
func (b *RaisedCosineBasis) NumBasis() int {
	return b.nbasis
}

// peaks returns the peak location of each bump on the unit interval.
func (b *RaisedCosineBasis) peaks() []float64 {

	last := 1.0
	if b.logSpaced && b.decayToZero {
		// Pulling the last peak in by one bump width makes the last
		// element reach zero exactly at the end of the domain.
		last = 1 - b.width/(float64(b.nbasis)+b.width-1)
	}

	pk := make([]float64, b.nbasis)
	floats.Span(pk, 0, last)
	return pk
}

// rescale maps a sample into the unit interval.  Samples outside the
// bounds come out NaN.
func (b *RaisedCosineBasis) rescale(s, lo, hi float64) float64 {

	if s < lo || s > hi {
		return math.NaN()
	}
	return (s - lo) / (hi - lo)
}

// Evaluate returns the basis design matrix, one row per sample and
// one column per basis element, with entries in [0, 1].  Samples are
// rescaled to the unit interval using the configured bounds, or the
// sample min and max when no bounds were given.
func (b *RaisedCosineBasis) Evaluate(samples []float64) (*mat.Dense, error) {

	if len(samples) == 0 {
		return nil, validationErrorf("no sample points")
	}
	for i, s := range samples {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, validationErrorf("sample points have non-finite value at %d", i)
		}
	}

	lo, hi := b.lo, b.hi
	if !b.hasBounds {
		lo = floats.Min(samples)
		hi = floats.Max(samples)
	}
	if hi <= lo {
		return nil, validationErrorf("sample points span the degenerate interval [%v, %v]", lo, hi)
	}

	pk := b.peaks()
	delta := pk[1] - pk[0]

	out := mat.NewDense(len(samples), b.nbasis, nil)
	for i, s := range samples {
		u := b.rescale(s, lo, hi)
		if b.logSpaced {
			u = math.Log(b.timeScaling*u+1) / math.Log(b.timeScaling+1)
		}
		for j, p := range pk {
			arg := math.Pi * (u - p) / (delta * b.width)
			// Restrict each bump to a single cosine period.
			if arg > math.Pi {
				arg = math.Pi
			} else if arg < -math.Pi {
				arg = -math.Pi
			}
			out.Set(i, j, (math.Cos(arg)+1)/2)
		}
	}

	return out, nil
}

// EvaluateOnGrid evaluates the basis at n equispaced points spanning
// the unit interval, returning the grid and the design matrix.
func (b *RaisedCosineBasis) EvaluateOnGrid(n int) ([]float64, *mat.Dense, error) {

	if n < 2 {
		return nil, nil, validationErrorf("grid needs at least 2 points, got %d", n)
	}

	grid := make([]float64, n)
	floats.Span(grid, 0, 1)

	x, err := b.Evaluate(grid)
	if err != nil {
		return nil, nil, err
	}

	return grid, x, nil
}
