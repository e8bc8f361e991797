// Package schederr defines the scheduler's error taxonomy: user-visible
// logical codes, validation faults, and the retryable/store-fault classes
// used across the scheduler's components.
package schederr

import (
	"errors"
	"fmt"
)

// Code is a user-visible logical error code, surfaced to sessions in an
// "error" message or recorded for observability.
type Code string

const (
	// CodeNoAvailableNode means the Selector exhausted its probe order
	// without finding a node that satisfies capacity and capability
	// constraints.
	CodeNoAvailableNode Code = "NO_AVAILABLE_NODE"

	// CodeNoPoolForLangPair means no configured pool's language set
	// covers the requested (src, tgt) pair and strict pool eligibility
	// is enabled.
	CodeNoPoolForLangPair Code = "NO_POOL_FOR_LANG_PAIR"

	// CodeModelNotAvailable means the only otherwise-eligible node(s)
	// recently reported the required service as unavailable.
	CodeModelNotAvailable Code = "MODEL_NOT_AVAILABLE"

	// CodeNodeOverloaded means admission was rejected because no node
	// has spare capacity.
	CodeNodeOverloaded Code = "NODE_OVERLOADED"

	// CodeInvalidMessage means an inbound message failed structural or
	// semantic validation.
	CodeInvalidMessage Code = "INVALID_MESSAGE"

	// CodeInvalidSession means a message referenced an unknown or closed
	// session.
	CodeInvalidSession Code = "INVALID_SESSION"

	// CodeInvalidPairingCode means a room/pairing code did not resolve.
	CodeInvalidPairingCode Code = "INVALID_PAIRING_CODE"

	// CodeSessionClosed means an operation was attempted against a
	// session that has already been closed.
	CodeSessionClosed Code = "SESSION_CLOSED"
)

// SchedError is the user-visible error shape sent in "error" messages.
type SchedError struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *SchedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a [SchedError] with the given code and message.
func New(code Code, message string) *SchedError {
	return &SchedError{Code: code, Message: message}
}

// WithDetails attaches details and returns the same error for chaining.
func (e *SchedError) WithDetails(details map[string]any) *SchedError {
	e.Details = details
	return e
}

// AsSchedError unwraps err looking for a *SchedError.
func AsSchedError(err error) (*SchedError, bool) {
	var se *SchedError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// ErrStale marks a CAS/race outcome that must be swallowed silently per
// spec: another instance already completed the transition. Callers check
// with errors.Is and take no further action.
var ErrStale = errors.New("schederr: stale cas, transition already applied")

// ErrNotFound marks a missing entity (job, node, session) in a store
// lookup that callers should treat as "nothing to do" rather than a fault.
var ErrNotFound = errors.New("schederr: entity not found")
