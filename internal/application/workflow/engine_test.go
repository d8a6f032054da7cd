package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/garyjia/campus-approvals/internal/application/port"
	"github.com/garyjia/campus-approvals/internal/domain/event"
	"github.com/garyjia/campus-approvals/internal/domain/identity"
	domainwf "github.com/garyjia/campus-approvals/internal/domain/workflow"
	"github.com/garyjia/campus-approvals/internal/infrastructure/persistence/memory"
	"github.com/garyjia/campus-approvals/internal/metrics"
)

var (
	csScope  = identity.Scope{Faculty: "SCI", School: "COMP", Department: "CS"}
	lecturer = identity.Actor{ID: "lec-1", Role: identity.RoleLecturer, Scope: csScope}
	hod      = identity.Actor{ID: "hod-1", Role: identity.RoleHOD, Scope: csScope}
	hod2     = identity.Actor{ID: "hod-2", Role: identity.RoleHOD, Scope: csScope}
	hos      = identity.Actor{ID: "hos-1", Role: identity.RoleHOS, Scope: identity.Scope{Faculty: "SCI", School: "COMP"}}
	dean     = identity.Actor{ID: "dean-1", Role: identity.RoleDean, Scope: identity.Scope{Faculty: "SCI"}}
	itHOD    = identity.Actor{ID: "hod-9", Role: identity.RoleHOD, Scope: identity.Scope{Faculty: "SCI", School: "COMP", Department: "IT"}}
)

// Mock implementations

type recordingSink struct {
	mu     sync.Mutex
	events []*event.Event
	panics bool
}

func (s *recordingSink) Emit(ctx context.Context, evt *event.Event) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
	if s.panics {
		panic("sink exploded")
	}
}

func (s *recordingSink) Types() []event.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]event.Type, len(s.events))
	for i, evt := range s.events {
		types[i] = evt.Type
	}
	return types
}

// barrierStore holds every Load until `parties` callers have loaded, so racing
// deciders all observe the same version.
type barrierStore struct {
	port.InstanceStore
	parties int

	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func newBarrierStore(inner port.InstanceStore, parties int) *barrierStore {
	return &barrierStore{InstanceStore: inner, parties: parties, release: make(chan struct{})}
}

func (b *barrierStore) Load(ctx context.Context, id string) (*domainwf.Instance, error) {
	inst, err := b.InstanceStore.Load(ctx, id)

	b.mu.Lock()
	b.arrived++
	if b.arrived == b.parties {
		close(b.release)
	}
	b.mu.Unlock()

	<-b.release
	return inst, err
}

// failingSaveStore fails every Save with a storage error
type failingSaveStore struct {
	port.InstanceStore
}

func (f *failingSaveStore) Save(ctx context.Context, inst *domainwf.Instance, expectedVersion int64) error {
	return fmt.Errorf("%w: disk full", domainwf.ErrStorage)
}

type testEngine struct {
	Engine
	store *memory.InstanceStore
	sink  *recordingSink
	clock *clock.Mock
}

func newTestEngine(t *testing.T, opts ...EngineOption) *testEngine {
	t.Helper()
	registry, err := domainwf.NewRegistry(domainwf.BuiltinDefinitions()...)
	require.NoError(t, err)

	store := memory.NewInstanceStore()
	sink := &recordingSink{}
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))

	seq := 0
	base := []EngineOption{
		WithNotificationSink(sink),
		WithClock(mock),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("inst-%d", seq)
		}),
	}
	return &testEngine{
		Engine: NewEngine(store, registry, append(base, opts...)...),
		store:  store,
		sink:   sink,
		clock:  mock,
	}
}

func (te *testEngine) submitMarks(t *testing.T, subject string) *domainwf.Instance {
	t.Helper()
	inst, err := te.Submit(context.Background(), subject, csScope, domainwf.DefinitionMarks, lecturer)
	require.NoError(t, err)
	return inst
}

func TestEngine_Submit(t *testing.T) {
	te := newTestEngine(t)

	inst := te.submitMarks(t, "marks/CAT1/COMP101")

	assert.Equal(t, "inst-1", inst.ID)
	assert.Equal(t, 0, inst.Stage)
	assert.Equal(t, domainwf.StatusInReview, inst.Status)
	assert.Equal(t, int64(1), inst.Version)
	require.Len(t, inst.History, 1)
	assert.Equal(t, domainwf.DecisionSubmitted, inst.History[0].Decision)
	assert.Equal(t, te.clock.Now(), inst.History[0].At)
	assert.Equal(t, []event.Type{event.TypeSubmitted}, te.sink.Types())
}

func TestEngine_SubmitErrors(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.submitMarks(t, "marks/CAT1")

	tests := []struct {
		name       string
		subject    string
		scope      identity.Scope
		definition string
		actor      identity.Actor
		wantErr    error
	}{
		{"duplicate active subject", "marks/CAT1", csScope, domainwf.DefinitionMarks, lecturer, domainwf.ErrDuplicateSubmission},
		{"unknown definition", "x", csScope, "library", lecturer, domainwf.ErrNotFound},
		{"empty subject", "  ", csScope, domainwf.DefinitionMarks, lecturer, domainwf.ErrInvalidSubject},
		{"wrong originator role", "marks/CAT2", csScope, domainwf.DefinitionMarks, hod, domainwf.ErrRoleMismatch},
		{"originator outside scope", "marks/CAT2", identity.Scope{Faculty: "ART"}, domainwf.DefinitionMarks, lecturer, domainwf.ErrScopeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := te.Submit(ctx, tt.subject, tt.scope, tt.definition, tt.actor)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Len(t, te.sink.Types(), 1, "failed submissions emit nothing")
}

func TestEngine_FullChainPublishes(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	inst := te.submitMarks(t, "marks/CAT1/COMP101")

	var err error
	for i, approver := range []identity.Actor{hod, hos, dean} {
		te.clock.Add(time.Hour)
		inst, err = te.Decide(ctx, inst.ID, approver, domainwf.DecisionApprove, "")
		require.NoError(t, err)
		assert.Len(t, inst.History, i+2, "each decision appends exactly one entry")
	}

	assert.Equal(t, domainwf.StatusPublished, inst.Status)
	assert.Equal(t, int64(4), inst.Version)
	assert.Equal(t, []event.Type{
		event.TypeSubmitted,
		event.TypeApproved,
		event.TypeApproved,
		event.TypePublished,
	}, te.sink.Types())

	_, err = te.Decide(ctx, inst.ID, dean, domainwf.DecisionApprove, "")
	assert.ErrorIs(t, err, domainwf.ErrTerminalState)

	// a published subject may be submitted again as a new instance
	again, err := te.Submit(ctx, "marks/CAT1/COMP101", csScope, domainwf.DefinitionMarks, lecturer)
	require.NoError(t, err)
	assert.NotEqual(t, inst.ID, again.ID)
}

func TestEngine_ReworkRequiresFullChainAgain(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	inst := te.submitMarks(t, "marks/CAT1/COMP101")

	inst, err := te.Decide(ctx, inst.ID, hod, domainwf.DecisionApprove, "")
	require.NoError(t, err)
	require.Equal(t, 1, inst.Stage)

	inst, err = te.Decide(ctx, inst.ID, hos, domainwf.DecisionRequestRework, "CAT2 missing for 3 students")
	require.NoError(t, err)
	assert.Equal(t, 0, inst.Stage)
	assert.Equal(t, domainwf.StatusInReview, inst.Status)
	assert.Len(t, inst.History, 3)

	stage, err := te.CurrentStage(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "hod_review", stage.Name)

	_, err = te.Submit(ctx, "marks/CAT1/COMP101", csScope, domainwf.DefinitionMarks, lecturer)
	assert.ErrorIs(t, err, domainwf.ErrDuplicateSubmission)

	for _, approver := range []identity.Actor{hod, hos} {
		inst, err = te.Decide(ctx, inst.ID, approver, domainwf.DecisionApprove, "")
		require.NoError(t, err)
		assert.Equal(t, domainwf.StatusInReview, inst.Status)
	}
	inst, err = te.Decide(ctx, inst.ID, dean, domainwf.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, domainwf.StatusPublished, inst.Status)
	assert.Len(t, inst.History, 6)
}

func TestEngine_RejectIsTerminal(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	inst := te.submitMarks(t, "marks/CAT1")

	inst, err := te.Decide(ctx, inst.ID, hod, domainwf.DecisionReject, "wrong unit")
	require.NoError(t, err)
	assert.Equal(t, domainwf.StatusRejected, inst.Status)

	_, err = te.Decide(ctx, inst.ID, hod, domainwf.DecisionApprove, "")
	assert.ErrorIs(t, err, domainwf.ErrTerminalState)
	assert.Equal(t, event.TypeRejected, te.sink.Types()[1])
}

func TestEngine_UnauthorizedDecisionsDoNotMutate(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	inst := te.submitMarks(t, "marks/CAT1")

	tests := []struct {
		name     string
		actor    identity.Actor
		decision domainwf.Decision
		wantErr  error
	}{
		{"dean at hod stage", dean, domainwf.DecisionApprove, domainwf.ErrRoleMismatch},
		{"hod of another department", itHOD, domainwf.DecisionApprove, domainwf.ErrScopeMismatch},
		{"withdraw by non originator", hod, domainwf.DecisionWithdraw, domainwf.ErrRoleMismatch},
		{"submitted is not a caller decision", lecturer, domainwf.DecisionSubmitted, domainwf.ErrInvalidDecision},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := te.Decide(ctx, inst.ID, tt.actor, tt.decision, "")
			assert.ErrorIs(t, err, tt.wantErr)

			after, err := te.Get(ctx, inst.ID)
			require.NoError(t, err)
			assert.Equal(t, inst.Version, after.Version)
			assert.Equal(t, inst.Stage, after.Stage)
			assert.Len(t, after.History, 1)
		})
	}
	assert.Len(t, te.sink.Types(), 1)
}

func TestEngine_DecideNotFound(t *testing.T) {
	te := newTestEngine(t)

	_, err := te.Decide(context.Background(), "missing", hod, domainwf.DecisionApprove, "")
	assert.ErrorIs(t, err, domainwf.ErrNotFound)

	_, err = te.CurrentStage(context.Background(), "missing")
	assert.ErrorIs(t, err, domainwf.ErrNotFound)
}

func TestEngine_WithdrawByOriginator(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	inst := te.submitMarks(t, "marks/CAT1")

	inst, err := te.Decide(ctx, inst.ID, lecturer, domainwf.DecisionWithdraw, "entered twice")
	require.NoError(t, err)
	assert.Equal(t, domainwf.StatusWithdrawn, inst.Status)

	active, err := te.FindActive(ctx, "marks/CAT1", domainwf.DefinitionMarks)
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.Equal(t, event.TypeWithdrawn, te.sink.Types()[1])
}

func TestEngine_ExpectedVersion(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	inst := te.submitMarks(t, "marks/CAT1")

	_, err := te.Decide(ctx, inst.ID, hod, domainwf.DecisionApprove, "", WithExpectedVersion(5))
	assert.ErrorIs(t, err, domainwf.ErrStaleState)

	updated, err := te.Decide(ctx, inst.ID, hod, domainwf.DecisionApprove, "", WithExpectedVersion(1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
}

func TestEngine_ConcurrentDecideExactlyOneWins(t *testing.T) {
	registry, err := domainwf.NewRegistry(domainwf.BuiltinDefinitions()...)
	require.NoError(t, err)
	store := memory.NewInstanceStore()
	sink := &recordingSink{}

	setup := NewEngine(store, registry)
	inst, err := setup.Submit(context.Background(), "marks/CAT1", csScope, domainwf.DefinitionMarks, lecturer)
	require.NoError(t, err)

	engine := NewEngine(newBarrierStore(store, 2), registry, WithNotificationSink(sink))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, approver := range []identity.Actor{hod, hod2} {
		wg.Add(1)
		go func(i int, a identity.Actor) {
			defer wg.Done()
			_, errs[i] = engine.Decide(context.Background(), inst.ID, a, domainwf.DecisionApprove, "")
		}(i, approver)
	}
	wg.Wait()

	var success, stale int
	for _, err := range errs {
		switch {
		case err == nil:
			success++
		case errors.Is(err, domainwf.ErrStaleState):
			stale++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, success)
	assert.Equal(t, 1, stale)

	final, err := store.Load(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, final.Stage, "stage advanced exactly once")
	assert.Len(t, final.History, 2)
	assert.Len(t, sink.Types(), 1)
}

func TestEngine_StorageFailureLeavesStateUntouched(t *testing.T) {
	registry, err := domainwf.NewRegistry(domainwf.BuiltinDefinitions()...)
	require.NoError(t, err)
	store := memory.NewInstanceStore()

	inst, err := NewEngine(store, registry).Submit(context.Background(), "marks/CAT1", csScope, domainwf.DefinitionMarks, lecturer)
	require.NoError(t, err)

	sink := &recordingSink{}
	engine := NewEngine(&failingSaveStore{InstanceStore: store}, registry, WithNotificationSink(sink))

	_, err = engine.Decide(context.Background(), inst.ID, hod, domainwf.DecisionApprove, "")
	assert.ErrorIs(t, err, domainwf.ErrStorage)

	stored, err := store.Load(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Stage)
	assert.Len(t, stored.History, 1)
	assert.Empty(t, sink.Types())
}

func TestEngine_SinkPanicDoesNotFailDecision(t *testing.T) {
	te := newTestEngine(t)
	inst := te.submitMarks(t, "marks/CAT1")
	te.sink.panics = true

	updated, err := te.Decide(context.Background(), inst.ID, hod, domainwf.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Stage)
}

func TestEngine_HistoryIsLazyAndRestartable(t *testing.T) {
	te := newTestEngine(t, WithHistoryPageSize(2))
	ctx := context.Background()
	inst := te.submitMarks(t, "marks/CAT1")

	var err error
	for _, step := range []struct {
		actor    identity.Actor
		decision domainwf.Decision
	}{
		{hod, domainwf.DecisionApprove},
		{hos, domainwf.DecisionRequestRework},
		{hod, domainwf.DecisionApprove},
		{hos, domainwf.DecisionApprove},
	} {
		_, err = te.Decide(ctx, inst.ID, step.actor, step.decision, "")
		require.NoError(t, err)
	}

	seq := te.History(ctx, inst.ID)

	var seqs []int
	for entry, err := range seq {
		require.NoError(t, err)
		seqs = append(seqs, entry.Seq)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, seqs)

	// restart, stopping early
	var first []domainwf.Decision
	for entry, err := range seq {
		require.NoError(t, err)
		first = append(first, entry.Decision)
		if len(first) == 3 {
			break
		}
	}
	assert.Equal(t, []domainwf.Decision{domainwf.DecisionSubmitted, domainwf.DecisionApprove, domainwf.DecisionRequestRework}, first)

	for _, err := range te.History(ctx, "missing") {
		assert.ErrorIs(t, err, domainwf.ErrNotFound)
	}
}

func TestEngine_ListAndDefinitions(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.submitMarks(t, "marks/CAT1")
	te.submitMarks(t, "marks/CAT2")

	list, err := te.List(ctx, port.InstanceFilter{Definition: domainwf.DefinitionMarks})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	assert.Len(t, te.Definitions(), 8)
	def, err := te.Definition(domainwf.DefinitionHostel)
	require.NoError(t, err)
	assert.Equal(t, identity.RoleStudent, def.OriginatorRole)
}

func TestEngine_ProcurementChain(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	requester := identity.Actor{ID: "staff-7", Role: identity.RoleLecturer, Scope: csScope}
	officer := identity.Actor{ID: "proc-1", Role: identity.RoleProcurement}

	inst, err := te.Submit(ctx, "requisition/2026/0042", csScope, domainwf.DefinitionProcurement, requester)
	require.NoError(t, err)

	for _, approver := range []identity.Actor{hod, hos, officer} {
		inst, err = te.Decide(ctx, inst.ID, approver, domainwf.DecisionApprove, "")
		require.NoError(t, err)
	}
	assert.Equal(t, domainwf.StatusPublished, inst.Status)
}

func TestEngine_SemesterReportChain(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	student := identity.Actor{ID: "stu-100", Role: identity.RoleStudent, Scope: csScope}
	bursar := identity.Actor{ID: "fin-1", Role: identity.RoleFinance}
	registrar := identity.Actor{ID: "reg-1", Role: identity.RoleRegistrar}

	inst, err := te.Submit(ctx, "report/stu-100/2026-S2", csScope, domainwf.DefinitionSemesterReport, student)
	require.NoError(t, err)

	_, err = te.Decide(ctx, inst.ID, registrar, domainwf.DecisionApprove, "")
	assert.ErrorIs(t, err, domainwf.ErrRoleMismatch, "academic clearance waits for financial clearance")

	inst, err = te.Decide(ctx, inst.ID, bursar, domainwf.DecisionApprove, "balance 0.00")
	require.NoError(t, err)
	inst, err = te.Decide(ctx, inst.ID, registrar, domainwf.DecisionReject, "deferred: medical")
	require.NoError(t, err)
	assert.Equal(t, domainwf.StatusRejected, inst.Status)

	again, err := te.Submit(ctx, "report/stu-100/2026-S2", csScope, domainwf.DefinitionSemesterReport, student)
	require.NoError(t, err)
	assert.NotEqual(t, inst.ID, again.ID)
}

func TestEngine_RegisteredVersionKeepsStagesForRunningInstances(t *testing.T) {
	registry, err := domainwf.NewRegistry(domainwf.BuiltinDefinitions()...)
	require.NoError(t, err)
	engine := NewEngine(memory.NewInstanceStore(), registry)
	ctx := context.Background()

	inst, err := engine.Submit(ctx, "marks/CAT1", csScope, domainwf.DefinitionMarks, lecturer)
	require.NoError(t, err)
	inst, err = engine.Decide(ctx, inst.ID, hod, domainwf.DecisionApprove, "")
	require.NoError(t, err)
	require.Equal(t, 1, inst.Stage)

	replacement := domainwf.MustDefinition(domainwf.DefinitionMarks, 1, identity.RoleLecturer,
		domainwf.Stage{Name: "x", Role: identity.RoleHOD})
	assert.ErrorIs(t, registry.Register(replacement), domainwf.ErrInvalidDefinition)

	stage, err := engine.CurrentStage(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "hos_review", stage.Name)
}

func TestEngine_MetricsAndTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	m := metrics.New()

	te := newTestEngine(t, WithTracerProvider(tp), WithMetrics(m))
	inst := te.submitMarks(t, "marks/CAT1")
	_, err := te.Decide(context.Background(), inst.ID, dean, domainwf.DecisionApprove, "")
	require.ErrorIs(t, err, domainwf.ErrRoleMismatch)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "workflow.Submit", spans[0].Name())
	assert.Equal(t, "workflow.Decide", spans[1].Name())
	assert.Equal(t, domainwf.ReasonRoleMismatch, spans[1].Status().Description)
}
