package workflow

import (
	"context"
	"fmt"
	"sort"
)

// GuardFunc is a function that evaluates whether a transition should be allowed
type GuardFunc func(ctx context.Context) bool

// StateMachineBuilder builds a configured state machine
type StateMachineBuilder interface {
	// Configure returns a status configuration for the given status
	Configure(status Status) StateConfiguration

	// Build creates a new state machine instance with the given initial status
	Build(initial Status) StateMachine
}

// StateConfiguration configures transitions for a specific status
type StateConfiguration interface {
	// Permit allows a decision to transition to the target status
	Permit(decision Decision, to Status) StateConfiguration

	// PermitIf allows a decision to transition to the target status if the guard passes
	PermitIf(decision Decision, to Status, guard GuardFunc) StateConfiguration
}

type transition struct {
	to    Status
	guard GuardFunc
}

type stateConfig struct {
	from        Status
	transitions map[Decision][]transition
}

type stateMachineBuilder struct {
	configurations map[Status]*stateConfig
}

type stateMachine struct {
	current        Status
	configurations map[Status]*stateConfig
}

// NewBuilder creates a new state machine builder
func NewBuilder() StateMachineBuilder {
	return &stateMachineBuilder{
		configurations: make(map[Status]*stateConfig),
	}
}

// Configure returns a status configuration for the given status
func (b *stateMachineBuilder) Configure(status Status) StateConfiguration {
	if !status.IsValid() {
		panic(fmt.Sprintf("invalid state: %s", status))
	}

	config, exists := b.configurations[status]
	if !exists {
		config = &stateConfig{
			from:        status,
			transitions: make(map[Decision][]transition),
		}
		b.configurations[status] = config
	}

	return config
}

// Build creates a new state machine with the given initial status.
// Configurations are copied so later builder changes don't leak into built machines.
func (b *stateMachineBuilder) Build(initial Status) StateMachine {
	if !initial.IsValid() {
		panic(fmt.Sprintf("invalid initial state: %s", initial))
	}

	configsCopy := make(map[Status]*stateConfig, len(b.configurations))
	for status, config := range b.configurations {
		transitionsCopy := make(map[Decision][]transition, len(config.transitions))
		for decision, transitions := range config.transitions {
			transitionsCopy[decision] = append([]transition{}, transitions...)
		}
		configsCopy[status] = &stateConfig{
			from:        status,
			transitions: transitionsCopy,
		}
	}

	return &stateMachine{
		current:        initial,
		configurations: configsCopy,
	}
}

// Permit allows a decision to transition to the target status
func (c *stateConfig) Permit(decision Decision, to Status) StateConfiguration {
	return c.PermitIf(decision, to, nil)
}

// PermitIf allows a decision to transition to the target status if the guard passes
func (c *stateConfig) PermitIf(decision Decision, to Status, guard GuardFunc) StateConfiguration {
	if !to.IsValid() {
		panic(fmt.Sprintf("invalid target state: %s", to))
	}

	c.transitions[decision] = append(c.transitions[decision], transition{
		to:    to,
		guard: guard,
	})

	return c
}

// State returns the current status
func (m *stateMachine) State() Status {
	return m.current
}

// CanFire returns true if any transition is configured for the decision.
// Guards are not evaluated here since they need a context.
func (m *stateMachine) CanFire(decision Decision) bool {
	config, exists := m.configurations[m.current]
	if !exists {
		return false
	}

	return len(config.transitions[decision]) > 0
}

// Fire attempts to apply the decision, transitioning to the new status if allowed
func (m *stateMachine) Fire(ctx context.Context, decision Decision) error {
	config, exists := m.configurations[m.current]
	if !exists {
		return fmt.Errorf("%w: cannot fire %s from state %s (no configuration)", ErrInvalidTransition, decision, m.current)
	}

	transitions := config.transitions[decision]
	if len(transitions) == 0 {
		return fmt.Errorf("%w: cannot fire %s from state %s", ErrInvalidTransition, decision, m.current)
	}

	// First transition whose guard passes wins
	for _, t := range transitions {
		if t.guard == nil || t.guard(ctx) {
			m.current = t.to
			return nil
		}
	}

	return fmt.Errorf("%w: %s from state %s", ErrGuardFailed, decision, m.current)
}

// PermittedTriggers returns all decisions that can be fired in the current status, sorted
func (m *stateMachine) PermittedTriggers() []Decision {
	config, exists := m.configurations[m.current]
	if !exists {
		return []Decision{}
	}

	decisions := make([]Decision, 0, len(config.transitions))
	for decision := range config.transitions {
		decisions = append(decisions, decision)
	}
	sort.Slice(decisions, func(i, j int) bool { return decisions[i] < decisions[j] })

	return decisions
}
