package glm

import (
	"github.com/cockroachdb/errors"
)

// Sentinel errors for the failure taxonomy.  Match with errors.Is.
// Shape mismatches are also validation errors, so
// errors.Is(err, ErrValidation) holds for them too.  Numerical
// non-convergence is never an error; it is recorded in the solver
// state.
var (
	// ErrConfiguration marks an incompatible observation model,
	// regularizer, or solver combination, detected at construction.
	ErrConfiguration = errors.New("incompatible model configuration")

	// ErrValidation marks malformed input data.
	ErrValidation = errors.New("invalid input")

	// ErrShapeMismatch marks input whose dimensions disagree with
	// the model or with other inputs.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrNotFitted marks use of a model that has no parameters yet.
	ErrNotFitted = errors.New("model is not fitted")
)

func configErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrConfiguration)
}

func validationErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}

func shapeErrorf(format string, args ...interface{}) error {
	err := errors.Mark(errors.Newf(format, args...), ErrShapeMismatch)
	return errors.Mark(err, ErrValidation)
}

func notFittedError(op string) error {
	return errors.Mark(errors.Newf("%s requires a fitted model", op), ErrNotFitted)
}
