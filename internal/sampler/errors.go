package sampler

// configurationError signals invalid or contradictory run settings,
// detected before any model evaluation.
type configurationError struct{ msg string }

func (e configurationError) Error() string { return "invalid configuration: " + e.msg }

// ErrConfiguration constructs a configurationError.
func ErrConfiguration(msg string) error { return configurationError{msg: msg} }

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	_, ok := err.(configurationError)
	return ok
}

// shapeMismatchError signals a mask or conditioning tensor whose shape
// is inconsistent with the latent.
type shapeMismatchError struct{ want, got string }

func (e shapeMismatchError) Error() string {
	return "shape mismatch: want " + e.want + " got " + e.got
}

// ErrShapeMismatch constructs a shapeMismatchError.
func ErrShapeMismatch(want, got string) error { return shapeMismatchError{want: want, got: got} }

// IsShapeMismatch reports whether err is a shape mismatch.
func IsShapeMismatch(err error) bool {
	_, ok := err.(shapeMismatchError)
	return ok
}

// cancelledError marks the cooperative terminal state: the run stopped
// between steps at the caller's request. Distinct from failure.
type cancelledError struct{}

func (cancelledError) Error() string { return "run cancelled" }

// ErrCancelled is the cancellation marker returned by Solve.
func ErrCancelled() error { return cancelledError{} }

// IsCancelled reports whether err marks a cancelled run.
func IsCancelled(err error) bool {
	_, ok := err.(cancelledError)
	return ok
}
