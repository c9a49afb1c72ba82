package engine

import "fmt"

// Error is returned when a run cannot produce a result: the initial
// generation failed with fallback disabled, or a panic escaped the loop.
// Recoverable reports whether retrying the same inputs could plausibly
// succeed.
type Error struct {
	Stage         State
	CorrelationID string
	Recoverable   bool
	cause         error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s failed (correlation %s): %v", e.Stage, e.CorrelationID, e.cause)
	}
	return fmt.Sprintf("%s failed (correlation %s)", e.Stage, e.CorrelationID)
}

func (e *Error) Unwrap() error {
	return e.cause
}
