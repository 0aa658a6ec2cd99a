package transport

import (
	"errors"
	"fmt"
)

// ErrLocalOnly marks the transport failure produced in local-only mode:
// no backend call was attempted because no backend is configured.
var ErrLocalOnly = errors.New("transport: local-only mode, no backend call attempted")

// ErrResponseTooLarge is returned when a response body exceeds the
// configured cap. The write's server-side fate is unknown, so the outcome
// is reported as a transport failure and the idempotency key makes the
// eventual replay safe.
var ErrResponseTooLarge = errors.New("transport: response body exceeds configured cap")

// UnreachableError reports a network-level delivery failure: the request
// could not be completed at all.
type UnreachableError struct {
	URL   string
	Cause error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("transport: %s unreachable: %v", e.URL, e.Cause)
}

func (e *UnreachableError) Unwrap() error { return e.Cause }
