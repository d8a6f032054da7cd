package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/garyjia/campus-approvals/internal/domain/identity"
)

// HistoryEntry is one append-only record of a decision on an instance
type HistoryEntry struct {
	Seq          int            `json:"seq"`
	Stage        int            `json:"stage"`
	StageName    string         `json:"stage_name"`
	Actor        identity.Actor `json:"actor"`
	Decision     Decision       `json:"decision"`
	Comment      string         `json:"comment,omitempty"`
	ResultStatus Status         `json:"result_status"`
	At           time.Time      `json:"at"`
}

// Instance binds one subject to one workflow definition.
// Version is the optimistic concurrency counter maintained by the store.
type Instance struct {
	ID           string         `json:"id"`
	SubjectRef   string         `json:"subject_ref"`
	SubjectScope identity.Scope `json:"subject_scope"`
	Definition   DefinitionRef  `json:"definition"`
	Originator   identity.Actor `json:"originator"`
	Stage        int            `json:"stage"`
	Status       Status         `json:"status"`
	Version      int64          `json:"version"`
	History      []HistoryEntry `json:"history"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// NewInstance creates a draft instance; it becomes IN_REVIEW once the submission is applied
func NewInstance(id, subjectRef string, scope identity.Scope, def *Definition, originator identity.Actor, now time.Time) *Instance {
	return &Instance{
		ID:           id,
		SubjectRef:   subjectRef,
		SubjectScope: scope,
		Definition:   def.Ref(),
		Originator:   originator,
		Stage:        0,
		Status:       StatusDraft,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// DeriveStatus computes the status from the last history entry
func DeriveStatus(history []HistoryEntry) Status {
	if len(history) == 0 {
		return StatusDraft
	}
	return history[len(history)-1].ResultStatus
}

// IsActive reports whether the instance can still accept decisions
func (i *Instance) IsActive() bool {
	return !i.Status.IsTerminal()
}

// Clone returns a deep copy so that failed transitions never touch the caller's instance
func (i *Instance) Clone() *Instance {
	c := *i
	c.History = append([]HistoryEntry(nil), i.History...)
	return &c
}

// CurrentStage returns the stage the instance is waiting on
func (i *Instance) CurrentStage(def *Definition) (Stage, error) {
	stage, ok := def.Stage(i.Stage)
	if !ok {
		return Stage{}, fmt.Errorf("%w: stage %d out of range for %s", ErrInvalidState, i.Stage, def.Name)
	}
	return stage, nil
}

// Authorize checks that actor may apply decision without mutating the instance
func (i *Instance) Authorize(def *Definition, actor identity.Actor, decision Decision) error {
	if def.Name != i.Definition.Name {
		return fmt.Errorf("%w: instance bound to %s, got %s", ErrInvalidDefinition, i.Definition.Name, def.Name)
	}
	if i.Status.IsTerminal() {
		return fmt.Errorf("%w: instance %s is %s", ErrTerminalState, i.ID, i.Status)
	}

	switch decision {
	case DecisionSubmitted:
		if def.OriginatorRole != "" && !actor.HasRole(def.OriginatorRole) {
			return fmt.Errorf("%w: %s requires role %s to submit, actor has %s",
				ErrRoleMismatch, def.Name, def.OriginatorRole, actor.Role)
		}
	case DecisionWithdraw:
		if actor.ID == "" || actor.ID != i.Originator.ID {
			return fmt.Errorf("%w: only the originator may withdraw", ErrRoleMismatch)
		}
		return nil
	case DecisionApprove, DecisionReject, DecisionRequestRework:
		stage, err := i.CurrentStage(def)
		if err != nil {
			return err
		}
		if !actor.HasRole(stage.Role) {
			return fmt.Errorf("%w: stage %s requires role %s, actor has %s",
				ErrRoleMismatch, stage.Name, stage.Role, actor.Role)
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidDecision, decision)
	}

	if !actor.ScopeCovers(i.SubjectScope) {
		return fmt.Errorf("%w: actor scope %s does not cover subject scope %s",
			ErrScopeMismatch, actor.Scope, i.SubjectScope)
	}
	return nil
}

// Apply authorizes and applies a decision, appending exactly one history entry
func (i *Instance) Apply(ctx context.Context, def *Definition, actor identity.Actor, decision Decision, comment string, now time.Time) (HistoryEntry, error) {
	if err := i.Authorize(def, actor, decision); err != nil {
		return HistoryEntry{}, err
	}

	stageIndex := i.Stage
	stage, err := i.CurrentStage(def)
	if err != nil {
		return HistoryEntry{}, err
	}

	machine := BuildStatusMachine(i.Status, func() bool { return def.IsFinal(stageIndex) })
	if err := machine.Fire(ctx, decision); err != nil {
		return HistoryEntry{}, err
	}
	next := machine.State()

	switch {
	case decision == DecisionApprove && next == StatusInReview:
		i.Stage = stageIndex + 1
	case decision == DecisionRequestRework:
		i.Stage = 0
	}

	entry := HistoryEntry{
		Seq:          len(i.History) + 1,
		Stage:        stageIndex,
		StageName:    stage.Name,
		Actor:        actor,
		Decision:     decision,
		Comment:      comment,
		ResultStatus: next,
		At:           now,
	}
	i.History = append(i.History, entry)
	i.Status = DeriveStatus(i.History)
	i.UpdatedAt = now

	return entry, nil
}
