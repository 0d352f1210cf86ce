package pipeline

import (
	"errors"
	"fmt"
)

// FailureKind classifies how generation of a unit ended fatally.
type FailureKind string

const (
	// RateLimitExhausted means quota retries ran out. The operator can
	// wait for quota to refill and resubmit the job.
	RateLimitExhausted FailureKind = "rate_limit_exhausted"

	// ServiceUnavailable means the provider reported a whole-service
	// outage. Never retried.
	ServiceUnavailable FailureKind = "service_unavailable"

	// ServerErrorExhausted means server errors persisted through every
	// budget-reduction step.
	ServerErrorExhausted FailureKind = "server_error_exhausted"

	// ClientError means the request itself was rejected. Retrying an
	// identical request cannot succeed.
	ClientError FailureKind = "client_error"

	// UnknownFailure covers unclassifiable errors that survived backoff.
	UnknownFailure FailureKind = "unknown_failure"
)

// Error is a fatal generation failure. It carries the unit position and
// the token budget in force when the unit failed, so a resumed job can
// pick up at the right place and size.
type Error struct {
	Kind   FailureKind
	Unit   UnitIndex
	Budget int
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("unit %s failed (%s, budget %d): %v", e.Unit, e.Kind, e.Budget, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind from err, if it is a pipeline error.
func KindOf(err error) (FailureKind, bool) {
	var perr *Error
	if !errors.As(err, &perr) {
		return "", false
	}
	return perr.Kind, true
}
