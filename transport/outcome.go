package transport

import (
	"encoding/json"
	"net/http"
)

// Kind tags an Outcome with exactly one result class.
type Kind int

const (
	// KindSuccess: the backend accepted the request (2xx).
	KindSuccess Kind = iota
	// KindAppFailure: the backend was reached and explicitly rejected the
	// request (non-2xx status, conflicts included).
	KindAppFailure
	// KindTransportFailure: the request never completed (DNS, connection
	// reset, timeout, or local-only mode where no backend exists).
	KindTransportFailure
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindAppFailure:
		return "app_failure"
	case KindTransportFailure:
		return "transport_failure"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of a single send. Exactly one Kind applies;
// retry decisions belong to the caller, never to the transport.
type Outcome struct {
	Kind   Kind
	Status int             // HTTP status; zero for transport failures
	Data   json.RawMessage // JSON response body when the backend sent one

	// LocalOnly marks the transport failure of local-only mode: nothing
	// was attempted and nothing is wrong.
	LocalOnly bool
	// Err carries the underlying cause for transport failures
	// (ErrLocalOnly, *UnreachableError, context errors).
	Err error
}

// Succeeded reports a 2xx outcome.
func (o Outcome) Succeeded() bool { return o.Kind == KindSuccess }

// Conflict reports the backend's divergence signal (HTTP 409).
func (o Outcome) Conflict() bool {
	return o.Kind == KindAppFailure && o.Status == http.StatusConflict
}

// Unreachable reports a genuine network-level failure, excluding the
// local-only case.
func (o Outcome) Unreachable() bool {
	return o.Kind == KindTransportFailure && !o.LocalOnly
}
