package event

import "github.com/garyjia/campus-approvals/internal/domain/workflow"

// Type identifies the type of domain event
type Type string

const (
	TypeSubmitted       Type = "workflow.submitted"
	TypeApproved        Type = "workflow.approved"
	TypePublished       Type = "workflow.published"
	TypeRejected        Type = "workflow.rejected"
	TypeReworkRequested Type = "workflow.rework_requested"
	TypeWithdrawn       Type = "workflow.withdrawn"
)

// String returns the string representation of the event type
func (t Type) String() string {
	return string(t)
}

// IsValid checks if the event type is one of the defined constants
func (t Type) IsValid() bool {
	switch t {
	case TypeSubmitted,
		TypeApproved,
		TypePublished,
		TypeRejected,
		TypeReworkRequested,
		TypeWithdrawn:
		return true
	default:
		return false
	}
}

// TypeFor maps an applied decision and its resulting status to the event it emits.
// An approval that publishes the subject is reported as TypePublished.
func TypeFor(decision workflow.Decision, result workflow.Status) Type {
	switch decision {
	case workflow.DecisionSubmitted:
		return TypeSubmitted
	case workflow.DecisionApprove:
		if result == workflow.StatusPublished {
			return TypePublished
		}
		return TypeApproved
	case workflow.DecisionReject:
		return TypeRejected
	case workflow.DecisionRequestRework:
		return TypeReworkRequested
	case workflow.DecisionWithdraw:
		return TypeWithdrawn
	default:
		return ""
	}
}
