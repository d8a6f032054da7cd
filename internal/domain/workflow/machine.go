package workflow

import "context"

// StateMachine represents a state machine that tracks current status and validates transitions
type StateMachine interface {
	// State returns the current status
	State() Status

	// CanFire returns true if the decision is permitted in the current status
	CanFire(decision Decision) bool

	// Fire attempts to apply the decision, transitioning to the new status if allowed
	Fire(ctx context.Context, decision Decision) error

	// PermittedTriggers returns all decisions that can be fired in the current status
	PermittedTriggers() []Decision
}
