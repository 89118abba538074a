package offload

// Hint is attached to resource failures so callers can surface the
// known mitigation without inspecting internals.
const Hint = "reduce batch size or enable cpu offload"

// resourceExhaustedError signals a failed transfer into fast memory.
// Fatal: the run is never retried with missing or stale weights.
type resourceExhaustedError struct {
	stage Stage
	group string
	cause error
}

func (e resourceExhaustedError) Error() string {
	return "resource exhausted: stage " + string(e.stage) + ", weight group " + e.group +
		": " + e.cause.Error() + " (" + Hint + ")"
}

func (e resourceExhaustedError) Unwrap() error { return e.cause }

// ErrResourceExhausted constructs a resourceExhaustedError.
func ErrResourceExhausted(stage Stage, group string, cause error) error {
	return resourceExhaustedError{stage: stage, group: group, cause: cause}
}

// IsResourceExhausted reports whether err is a fatal memory-transfer
// failure.
func IsResourceExhausted(err error) bool {
	_, ok := err.(resourceExhaustedError)
	return ok
}
