package workflow

import (
	"fmt"
	"strings"
)

// Decision is a history-recorded action that drives a status transition
type Decision string

const (
	// DecisionSubmitted is recorded by Submit only
	DecisionSubmitted     Decision = "SUBMITTED"
	DecisionApprove       Decision = "APPROVE"
	DecisionReject        Decision = "REJECT"
	DecisionRequestRework Decision = "REQUEST_REWORK"
	DecisionWithdraw      Decision = "WITHDRAW"
)

// String returns the string representation of the decision
func (d Decision) String() string {
	return string(d)
}

// IsCallerDecision reports whether the decision may be passed to Decide
func (d Decision) IsCallerDecision() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionRequestRework, DecisionWithdraw:
		return true
	default:
		return false
	}
}

// ParseDecision parses a caller supplied decision (case-insensitive)
func ParseDecision(s string) (Decision, error) {
	d := Decision(strings.ToUpper(strings.TrimSpace(s)))
	if !d.IsCallerDecision() {
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, s)
	}
	return d, nil
}
