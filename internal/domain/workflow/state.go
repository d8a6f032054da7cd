package workflow

// Status represents the lifecycle status of a workflow instance
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusInReview  Status = "IN_REVIEW"
	StatusRejected  Status = "REJECTED"
	StatusPublished Status = "PUBLISHED"
	StatusWithdrawn Status = "WITHDRAWN"
)

var validStatuses = map[Status]bool{
	StatusDraft:     true,
	StatusInReview:  true,
	StatusRejected:  true,
	StatusPublished: true,
	StatusWithdrawn: true,
}

var terminalStatuses = map[Status]bool{
	StatusRejected:  true,
	StatusPublished: true,
	StatusWithdrawn: true,
}

// IsTerminal returns true if the status is a terminal status (no further transitions allowed)
func (s Status) IsTerminal() bool {
	return terminalStatuses[s]
}

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is a valid workflow status
func (s Status) IsValid() bool {
	return validStatuses[s]
}
