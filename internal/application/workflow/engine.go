package workflow

import (
	"context"
	"iter"

	"github.com/garyjia/campus-approvals/internal/application/port"
	"github.com/garyjia/campus-approvals/internal/domain/identity"
	domainwf "github.com/garyjia/campus-approvals/internal/domain/workflow"
)

// Engine drives subjects through their approval chains
type Engine interface {
	// Submit starts a chain for a subject. It fails with ErrDuplicateSubmission while an
	// active instance exists for the same subject and definition.
	Submit(ctx context.Context, subjectRef string, subjectScope identity.Scope, definition string, actor identity.Actor) (*domainwf.Instance, error)

	// Decide applies a caller decision to the instance's current stage
	Decide(ctx context.Context, instanceID string, actor identity.Actor, decision domainwf.Decision, comment string, opts ...DecideOption) (*domainwf.Instance, error)

	// CurrentStage returns the stage the instance is waiting on
	CurrentStage(ctx context.Context, instanceID string) (domainwf.Stage, error)

	// History lazily yields history entries in order, one store page at a time.
	// Ranging over the sequence again restarts from the first entry.
	History(ctx context.Context, instanceID string) iter.Seq2[domainwf.HistoryEntry, error]

	Get(ctx context.Context, instanceID string) (*domainwf.Instance, error)
	List(ctx context.Context, filter port.InstanceFilter) ([]*domainwf.Instance, error)
	FindActive(ctx context.Context, subjectRef, definition string) (*domainwf.Instance, error)

	// Definitions returns the latest version of every registered chain
	Definitions() []*domainwf.Definition
	Definition(name string) (*domainwf.Definition, error)
	// ResolveDefinition returns the exact version an instance is bound to
	ResolveDefinition(ref domainwf.DefinitionRef) (*domainwf.Definition, error)
}

// DecideOptions carries optional Decide arguments
type DecideOptions struct {
	// ExpectedVersion, when non-zero, must equal the stored version or Decide fails with ErrStaleState
	ExpectedVersion int64
}

// DecideOption configures a Decide call
type DecideOption func(*DecideOptions)

// WithExpectedVersion makes Decide fail with ErrStaleState unless the instance is still at version
func WithExpectedVersion(version int64) DecideOption {
	return func(o *DecideOptions) {
		o.ExpectedVersion = version
	}
}

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
