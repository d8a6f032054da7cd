package workflow

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/garyjia/campus-approvals/internal/application/port"
	"github.com/garyjia/campus-approvals/internal/domain/event"
	"github.com/garyjia/campus-approvals/internal/domain/identity"
	domainwf "github.com/garyjia/campus-approvals/internal/domain/workflow"
	"github.com/garyjia/campus-approvals/internal/metrics"
)

const (
	tracerName             = "github.com/garyjia/campus-approvals/workflow"
	defaultHistoryPageSize = 50
	defaultLockStripes     = 256
)

// engineImpl is the concrete implementation of Engine
type engineImpl struct {
	store    port.InstanceStore
	registry *domainwf.Registry
	sink     port.NotificationSink

	clock    clock.Clock
	tracer   trace.Tracer
	metrics  *metrics.Metrics
	logger   Logger
	newID    func() string
	locks    *stripedLock
	pageSize int
}

// EngineOption configures the workflow engine
type EngineOption func(*engineImpl)

// WithNotificationSink sets where workflow events are emitted
func WithNotificationSink(sink port.NotificationSink) EngineOption {
	return func(e *engineImpl) {
		e.sink = sink
	}
}

// WithClock replaces the wall clock, mainly for tests
func WithClock(c clock.Clock) EngineOption {
	return func(e *engineImpl) {
		e.clock = c
	}
}

// WithTracerProvider sets the provider used for Submit and Decide spans
func WithTracerProvider(tp trace.TracerProvider) EngineOption {
	return func(e *engineImpl) {
		e.tracer = tp.Tracer(tracerName)
	}
}

// WithMetrics records operation counters and latencies
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *engineImpl) {
		e.metrics = m
	}
}

// WithLogger sets the engine logger
func WithLogger(logger Logger) EngineOption {
	return func(e *engineImpl) {
		e.logger = logger
	}
}

// WithIDGenerator overrides instance ID generation
func WithIDGenerator(fn func() string) EngineOption {
	return func(e *engineImpl) {
		e.newID = fn
	}
}

// WithHistoryPageSize sets how many entries History reads per store call
func WithHistoryPageSize(n int) EngineOption {
	return func(e *engineImpl) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// NewEngine creates a new workflow engine
func NewEngine(store port.InstanceStore, registry *domainwf.Registry, opts ...EngineOption) Engine {
	e := &engineImpl{
		store:    store,
		registry: registry,
		clock:    clock.New(),
		tracer:   otel.Tracer(tracerName),
		logger:   nopLogger{},
		newID:    uuid.NewString,
		locks:    newStripedLock(defaultLockStripes),
		pageSize: defaultHistoryPageSize,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Submit starts a chain for a subject
func (e *engineImpl) Submit(ctx context.Context, subjectRef string, subjectScope identity.Scope, definition string, actor identity.Actor) (inst *domainwf.Instance, err error) {
	start := e.clock.Now()
	ctx, span := e.tracer.Start(ctx, "workflow.Submit", trace.WithAttributes(
		attribute.String("workflow.definition", definition),
		attribute.String("workflow.subject_ref", subjectRef),
		attribute.String("workflow.actor_id", actor.ID),
	))
	defer func() {
		e.finish(span, "submit", definition, domainwf.DecisionSubmitted, start, err)
	}()

	subjectRef = strings.TrimSpace(subjectRef)
	if subjectRef == "" {
		return nil, fmt.Errorf("%w: subject reference is required", domainwf.ErrInvalidSubject)
	}

	def, err := e.registry.Get(definition)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(definition + "|" + subjectRef)
	defer unlock()

	existing, err := e.store.FindActive(ctx, subjectRef, def.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s already has active %s instance %s",
			domainwf.ErrDuplicateSubmission, subjectRef, def.Name, existing.ID)
	}

	now := e.clock.Now().UTC()
	inst = domainwf.NewInstance(e.newID(), subjectRef, subjectScope, def, actor, now)
	entry, err := inst.Apply(ctx, def, actor, domainwf.DecisionSubmitted, "", now)
	if err != nil {
		return nil, err
	}

	if err := e.store.Create(ctx, inst); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("workflow.instance_id", inst.ID))

	e.logger.Info("Workflow submitted",
		"instance_id", inst.ID,
		"subject_ref", subjectRef,
		"definition", def.Name,
		"actor_id", actor.ID,
	)
	e.emit(ctx, inst, entry)

	return inst, nil
}

// Decide applies a caller decision to the instance's current stage
func (e *engineImpl) Decide(ctx context.Context, instanceID string, actor identity.Actor, decision domainwf.Decision, comment string, opts ...DecideOption) (inst *domainwf.Instance, err error) {
	var o DecideOptions
	for _, opt := range opts {
		opt(&o)
	}

	start := e.clock.Now()
	definition := ""
	ctx, span := e.tracer.Start(ctx, "workflow.Decide", trace.WithAttributes(
		attribute.String("workflow.instance_id", instanceID),
		attribute.String("workflow.decision", string(decision)),
		attribute.String("workflow.actor_id", actor.ID),
	))
	defer func() {
		e.finish(span, "decide", definition, decision, start, err)
	}()

	if !decision.IsCallerDecision() {
		return nil, fmt.Errorf("%w: %s", domainwf.ErrInvalidDecision, decision)
	}

	observed, err := e.store.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	definition = observed.Definition.Name

	def, err := e.registry.Resolve(observed.Definition)
	if err != nil {
		return nil, err
	}

	// decisions are applied to a copy so a failed save leaves nothing half-mutated
	next := observed.Clone()
	entry, err := next.Apply(ctx, def, actor, decision, comment, e.clock.Now().UTC())
	if err != nil {
		return nil, err
	}

	if o.ExpectedVersion != 0 && o.ExpectedVersion != observed.Version {
		return nil, fmt.Errorf("%w: instance %s is at version %d, caller expected %d",
			domainwf.ErrStaleState, instanceID, observed.Version, o.ExpectedVersion)
	}

	// A concurrent decision saved after our load makes Save fail with ErrStaleState.
	// Holding the instance lock through emit keeps events in history order.
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	if err := e.store.Save(ctx, next, observed.Version); err != nil {
		return nil, err
	}

	e.logger.Info("Workflow decision applied",
		"instance_id", next.ID,
		"decision", decision,
		"stage", entry.StageName,
		"status", next.Status,
		"actor_id", actor.ID,
	)
	e.emit(ctx, next, entry)

	return next, nil
}

// CurrentStage returns the stage the instance is waiting on
func (e *engineImpl) CurrentStage(ctx context.Context, instanceID string) (domainwf.Stage, error) {
	inst, err := e.store.Load(ctx, instanceID)
	if err != nil {
		return domainwf.Stage{}, err
	}

	def, err := e.registry.Resolve(inst.Definition)
	if err != nil {
		return domainwf.Stage{}, err
	}
	return inst.CurrentStage(def)
}

// History lazily yields history entries page by page
func (e *engineImpl) History(ctx context.Context, instanceID string) iter.Seq2[domainwf.HistoryEntry, error] {
	return func(yield func(domainwf.HistoryEntry, error) bool) {
		after := 0
		for {
			page, err := e.store.HistoryPage(ctx, instanceID, after, e.pageSize)
			if err != nil {
				yield(domainwf.HistoryEntry{}, err)
				return
			}

			for _, entry := range page {
				if !yield(entry, nil) {
					return
				}
				after = entry.Seq
			}

			if len(page) < e.pageSize {
				return
			}
		}
	}
}

// Get returns a snapshot of the instance
func (e *engineImpl) Get(ctx context.Context, instanceID string) (*domainwf.Instance, error) {
	return e.store.Load(ctx, instanceID)
}

// List returns instances matching filter
func (e *engineImpl) List(ctx context.Context, filter port.InstanceFilter) ([]*domainwf.Instance, error) {
	return e.store.List(ctx, filter)
}

// FindActive returns the active instance for a subject, or nil
func (e *engineImpl) FindActive(ctx context.Context, subjectRef, definition string) (*domainwf.Instance, error) {
	return e.store.FindActive(ctx, subjectRef, definition)
}

// Definitions returns every registered chain
func (e *engineImpl) Definitions() []*domainwf.Definition {
	return e.registry.List()
}

// Definition returns the latest version of a chain
func (e *engineImpl) Definition(name string) (*domainwf.Definition, error) {
	return e.registry.Get(name)
}

// ResolveDefinition returns a specific definition version
func (e *engineImpl) ResolveDefinition(ref domainwf.DefinitionRef) (*domainwf.Definition, error) {
	return e.registry.Resolve(ref)
}

// emit hands the event to the sink. Sink problems never reach the caller.
func (e *engineImpl) emit(ctx context.Context, inst *domainwf.Instance, entry domainwf.HistoryEntry) {
	if e.sink == nil {
		return
	}

	evt := event.FromEntry(inst, entry)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Notification sink panicked",
				"event_type", evt.Type,
				"instance_id", inst.ID,
				"panic", r,
			)
		}
	}()

	e.sink.Emit(context.WithoutCancel(ctx), evt)
}

func (e *engineImpl) finish(span trace.Span, operation, definition string, decision domainwf.Decision, start time.Time, err error) {
	reason := domainwf.Reason(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		if errors.Is(err, domainwf.ErrStorage) {
			e.logger.Error("Workflow operation failed",
				"operation", operation,
				"definition", definition,
				"error", err,
			)
		}
	}
	span.End()

	e.metrics.ObserveOperation(operation, definition, string(decision), reason, e.clock.Since(start))
}
