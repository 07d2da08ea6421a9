package glm

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// checkDesign validates the predictor matrix and returns its
// dimensions.
func checkDesign(x mat.Matrix) (int, int, error) {

	if x == nil {
		return 0, 0, validationErrorf("design matrix is nil")
	}

	n, p := x.Dims()
	if n == 0 || p == 0 {
		return 0, 0, validationErrorf("design matrix has shape (%d, %d)", n, p)
	}

	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			v := x.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return 0, 0, validationErrorf("design matrix has non-finite value at (%d, %d)", i, j)
			}
		}
	}

	return n, p, nil
}

// checkResponse validates a response vector against the design and
// the observation model's domain.
func checkResponse(om *ObservationModel, y []float64, n int) error {

	if len(y) != n {
		return shapeErrorf("response has %d values but the design matrix has %d rows", len(y), n)
	}

	for i, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return validationErrorf("response has non-finite value at %d", i)
		}
	}

	return om.ValidateResponse(y)
}

// checkResponseMatrix validates a multi-channel response against the
// design and the observation model's domain.
func checkResponseMatrix(om *ObservationModel, y *mat.Dense, n int) (int, error) {

	if y == nil {
		return 0, validationErrorf("response matrix is nil")
	}

	ny, nchan := y.Dims()
	if ny != n {
		return 0, shapeErrorf("response matrix has %d rows but the design matrix has %d", ny, n)
	}
	if nchan == 0 {
		return 0, validationErrorf("response matrix has no channels")
	}

	col := make([]float64, n)
	for k := 0; k < nchan; k++ {
		mat.Col(col, k, y)
		if err := checkResponse(om, col, n); err != nil {
			return 0, err
		}
	}

	return nchan, nil
}

// checkMask validates a feature mask: shape (nfeat, nchan) and every
// entry 0 or 1.
func checkMask(mask *mat.Dense, nfeat, nchan int) error {

	mr, mc := mask.Dims()
	if mr != nfeat || mc != nchan {
		return shapeErrorf("feature mask has shape (%d, %d), want (%d, %d)", mr, mc, nfeat, nchan)
	}

	for j := 0; j < nfeat; j++ {
		for k := 0; k < nchan; k++ {
			v := mask.At(j, k)
			if v != 0 && v != 1 {
				return validationErrorf("feature mask entry (%d, %d) is %v, want 0 or 1", j, k, v)
			}
		}
	}

	return nil
}

// matCols copies the columns of x into separate slices, the layout
// the loss and gradient loops consume.
func matCols(x mat.Matrix) [][]float64 {

	n, p := x.Dims()
	cols := make([][]float64, p)
	for j := 0; j < p; j++ {
		cols[j] = make([]float64, n)
		mat.Col(cols[j], j, x)
	}

	return cols
}
