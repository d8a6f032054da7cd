package workflow

import "context"

// BuildStatusMachine creates the status machine shared by every approval chain.
// atFinalStage reports whether the instance currently sits at its definition's last stage.
func BuildStatusMachine(initial Status, atFinalStage func() bool) StateMachine {
	final := func(ctx context.Context) bool { return atFinalStage() }
	notFinal := func(ctx context.Context) bool { return !atFinalStage() }

	builder := NewBuilder()

	builder.Configure(StatusDraft).
		Permit(DecisionSubmitted, StatusInReview).
		Permit(DecisionWithdraw, StatusWithdrawn)

	builder.Configure(StatusInReview).
		PermitIf(DecisionApprove, StatusPublished, final).
		PermitIf(DecisionApprove, StatusInReview, notFinal).
		Permit(DecisionReject, StatusRejected).
		Permit(DecisionRequestRework, StatusInReview).
		Permit(DecisionWithdraw, StatusWithdrawn)

	// REJECTED, PUBLISHED and WITHDRAWN are terminal - no outgoing transitions

	return builder.Build(initial)
}
