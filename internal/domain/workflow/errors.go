package workflow

import "errors"

var (
	// ErrInvalidTransition is returned when a status transition is not allowed
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidState is returned when a status is not valid
	ErrInvalidState = errors.New("invalid state")

	// ErrGuardFailed is returned when a guard condition fails
	ErrGuardFailed = errors.New("guard condition failed")

	// ErrInvalidDecision is returned for decisions callers may not pass to Decide
	ErrInvalidDecision = errors.New("invalid decision")

	// ErrInvalidDefinition is returned when a workflow definition fails validation
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrDuplicateSubmission is returned when an active instance already exists for the subject
	ErrDuplicateSubmission = errors.New("duplicate submission")

	// ErrRoleMismatch is returned when the actor lacks the role the stage requires
	ErrRoleMismatch = errors.New("role mismatch")

	// ErrScopeMismatch is returned when the actor's scope does not cover the subject
	ErrScopeMismatch = errors.New("scope mismatch")

	// ErrTerminalState is returned for decisions on published, rejected or withdrawn instances
	ErrTerminalState = errors.New("instance is in a terminal state")

	// ErrStaleState is returned when another writer advanced the instance first
	ErrStaleState = errors.New("stale instance state")

	// ErrNotFound is returned for unknown instance ids or definitions
	ErrNotFound = errors.New("not found")

	// ErrInvalidSubject is returned when a subject reference is empty or malformed
	ErrInvalidSubject = errors.New("invalid subject reference")

	// ErrStorage wraps persistence failures
	ErrStorage = errors.New("storage error")
)

// Reason codes reported to API callers and metrics
const (
	ReasonDuplicateSubmission = "DUPLICATE_SUBMISSION"
	ReasonRoleMismatch        = "ROLE_MISMATCH"
	ReasonScopeMismatch       = "SCOPE_MISMATCH"
	ReasonTerminalState       = "TERMINAL_STATE"
	ReasonStaleState          = "STALE_STATE"
	ReasonNotFound            = "NOT_FOUND"
	ReasonStorage             = "STORAGE_ERROR"
	ReasonInvalidDefinition   = "INVALID_DEFINITION"
	ReasonInvalidDecision     = "INVALID_DECISION"
	ReasonInvalidSubject      = "INVALID_SUBJECT"
	ReasonInvalidTransition   = "INVALID_TRANSITION"
	ReasonInternal            = "INTERNAL"
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrDuplicateSubmission, ReasonDuplicateSubmission},
	{ErrRoleMismatch, ReasonRoleMismatch},
	{ErrScopeMismatch, ReasonScopeMismatch},
	{ErrTerminalState, ReasonTerminalState},
	{ErrStaleState, ReasonStaleState},
	{ErrNotFound, ReasonNotFound},
	{ErrStorage, ReasonStorage},
	{ErrInvalidDefinition, ReasonInvalidDefinition},
	{ErrInvalidDecision, ReasonInvalidDecision},
	{ErrInvalidSubject, ReasonInvalidSubject},
	{ErrInvalidTransition, ReasonInvalidTransition},
	{ErrGuardFailed, ReasonInvalidTransition},
}

// Reason returns the reason code for err, "" for nil and ReasonInternal for unknown errors
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ReasonInternal
}
