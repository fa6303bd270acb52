package emm

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/store/inmem"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/stream"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	events []stream.Event
}

func (s *recordingSink) Send(_ context.Context, ev stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) ofType(typ stream.Type) []stream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []stream.Event
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	emm   *Manager
	store *inmem.Store
	sink  *recordingSink
	clock *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := inmem.New()
	sink := &recordingSink{}
	clock := &testClock{now: testBase}
	m, err := New(Options{Store: st, Sink: sink, Clock: clock.Now})
	require.NoError(t, err)
	return &testEnv{emm: m, store: st, sink: sink, clock: clock}
}

var testConfig = []byte(`{
	"topics": ["emails"],
	"producers": {"poll": {"schedule": {"interval": "60s"}, "publishes": ["emails"]}},
	"consumers": {"notify": {"subscribe": ["emails"], "hasMutate": true, "hasNext": true}}
}`)

func (e *testEnv) seedWorkflow(t *testing.T, id string) workflow.Workflow {
	t.Helper()
	ctx := context.Background()
	wf := workflow.Workflow{
		ID:             id,
		ActiveScriptID: "script-" + id,
		HandlerConfig:  testConfig,
		Status:         workflow.StatusActive,
		CreatedAt:      testBase,
	}
	require.NoError(t, e.store.Atomic(ctx, func(tx store.Tx) error {
		if err := tx.PutWorkflow(ctx, wf); err != nil {
			return err
		}
		return tx.PutScript(ctx, workflow.Script{
			ID: wf.ActiveScriptID, WorkflowID: id, MajorVersion: 1,
			Code: "workflow = {}", Config: testConfig, CreatedAt: testBase,
		})
	}))
	return wf
}

func (e *testEnv) getWorkflow(t *testing.T, id string) workflow.Workflow {
	t.Helper()
	ctx := context.Background()
	var wf workflow.Workflow
	require.NoError(t, e.store.View(ctx, func(tx store.Tx) error {
		var err error
		wf, err = tx.GetWorkflow(ctx, id)
		return err
	}))
	return wf
}

func (e *testEnv) getRun(t *testing.T, id string) workflow.HandlerRun {
	t.Helper()
	ctx := context.Background()
	var hr workflow.HandlerRun
	require.NoError(t, e.store.View(ctx, func(tx store.Tx) error {
		var err error
		hr, err = tx.GetHandlerRun(ctx, id)
		return err
	}))
	return hr
}

func (e *testEnv) getMutation(t *testing.T, id string) workflow.Mutation {
	t.Helper()
	ctx := context.Background()
	var m workflow.Mutation
	require.NoError(t, e.store.View(ctx, func(tx store.Tx) error {
		var err error
		m, err = tx.GetMutation(ctx, id)
		return err
	}))
	return m
}

func (e *testEnv) getSession(t *testing.T, id string) workflow.ScriptRun {
	t.Helper()
	ctx := context.Background()
	var sr workflow.ScriptRun
	require.NoError(t, e.store.View(ctx, func(tx store.Tx) error {
		var err error
		sr, err = tx.GetScriptRun(ctx, id)
		return err
	}))
	return sr
}

// seedEvents publishes pending events directly into the store.
func (e *testEnv) seedEvents(t *testing.T, workflowID, topic string, msgIDs ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.Atomic(ctx, func(tx store.Tx) error {
		for _, id := range msgIDs {
			if _, err := tx.InsertEvent(ctx, workflow.Event{
				ID: "ev-" + workflowID + "-" + id, WorkflowID: workflowID, Topic: topic, MessageID: id, CreatedAt: testBase,
			}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (e *testEnv) pendingCount(t *testing.T, workflowID, topic string) int {
	t.Helper()
	ctx := context.Background()
	var n int
	require.NoError(t, e.store.View(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.CountPendingEvents(ctx, workflowID, topic)
		return err
	}))
	return n
}

func (e *testEnv) reservedBy(t *testing.T, runID string) []workflow.Event {
	t.Helper()
	ctx := context.Background()
	var evs []workflow.Event
	require.NoError(t, e.store.View(ctx, func(tx store.Tx) error {
		var err error
		evs, err = tx.EventsReservedBy(ctx, runID)
		return err
	}))
	return evs
}

// startConsumerRun creates a session and a consumer run advanced to the
// given phase, optionally reserving the listed events on the way.
func (e *testEnv) startConsumerRun(t *testing.T, wf workflow.Workflow, phase workflow.Phase, reserve []string) (workflow.ScriptRun, workflow.HandlerRun) {
	t.Helper()
	ctx := context.Background()
	sr, err := e.emm.CreateSession(ctx, wf, workflow.TriggerEvent, "")
	require.NoError(t, err)
	hr, err := e.emm.CreateHandlerRun(ctx, sr.ID, wf, workflow.HandlerConsumer, "notify", nil)
	require.NoError(t, err)
	if phase == workflow.PhasePending {
		return sr, hr
	}
	require.NoError(t, e.emm.UpdateConsumerPhase(ctx, hr.ID, workflow.PhasePreparing, ConsumerPhaseOpts{}))
	if phase == workflow.PhasePreparing {
		return sr, e.getRun(t, hr.ID)
	}
	opts := ConsumerPhaseOpts{PrepareResult: json.RawMessage(`{"batch":1}`)}
	if len(reserve) > 0 {
		opts.Reservations = []Reservation{{Topic: "emails", MessageIDs: reserve}}
	}
	require.NoError(t, e.emm.UpdateConsumerPhase(ctx, hr.ID, workflow.PhasePrepared, opts))
	for _, next := range []workflow.Phase{workflow.PhaseMutating, workflow.PhaseMutated, workflow.PhaseEmitting} {
		if phaseIndex(phase) < phaseIndex(next) {
			break
		}
		require.NoError(t, e.emm.UpdateConsumerPhase(ctx, hr.ID, next, ConsumerPhaseOpts{}))
	}
	return sr, e.getRun(t, hr.ID)
}

func phaseIndex(p workflow.Phase) int {
	for i, q := range consumerOrder {
		if q == p {
			return i
		}
	}
	return -1
}

func TestCreateSessionRequiresActiveScript(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	_, err := e.emm.CreateSession(ctx, workflow.Workflow{ID: "wf-1"}, workflow.TriggerManual, "")
	require.ErrorIs(t, err, ErrInvariantViolation)

	wf := e.seedWorkflow(t, "wf-1")
	sr, err := e.emm.CreateSession(ctx, wf, workflow.TriggerSchedule, "")
	require.NoError(t, err)
	require.Equal(t, workflow.TriggerSchedule, sr.Trigger)
	require.Equal(t, wf.ActiveScriptID, sr.ScriptID)
	require.Len(t, e.sink.ofType(stream.TypeSessionStarted), 1)
}

func TestCreateHandlerRunSingleFlight(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	sr, err := e.emm.CreateSession(ctx, wf, workflow.TriggerManual, "")
	require.NoError(t, err)

	hr, err := e.emm.CreateHandlerRun(ctx, sr.ID, wf, workflow.HandlerProducer, "poll", nil)
	require.NoError(t, err)
	require.Equal(t, workflow.PhasePending, hr.Phase)
	require.Equal(t, workflow.RunActive, hr.Status)

	_, err = e.emm.CreateHandlerRun(ctx, sr.ID, wf, workflow.HandlerConsumer, "notify", nil)
	require.ErrorIs(t, err, ErrInvariantViolation, "second active run in the workflow")

	require.NoError(t, e.emm.UpdateProducerPhase(ctx, hr.ID, workflow.PhaseExecuting))
	require.NoError(t, e.emm.CommitProducer(ctx, hr.ID, CommitProducerOpts{}))
	_, err = e.emm.CreateHandlerRun(ctx, sr.ID, wf, workflow.HandlerConsumer, "notify", nil)
	require.NoError(t, err, "slot frees after commit")
}

func TestPhaseNeverRegresses(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	_, hr := e.startConsumerRun(t, wf, workflow.PhasePrepared, nil)

	err := e.emm.UpdateConsumerPhase(ctx, hr.ID, workflow.PhasePreparing, ConsumerPhaseOpts{})
	require.ErrorIs(t, err, ErrInvariantViolation)
	err = e.emm.UpdateConsumerPhase(ctx, hr.ID, workflow.PhasePrepared, ConsumerPhaseOpts{})
	require.ErrorIs(t, err, ErrInvariantViolation, "same phase is not an advance")

	// jumping forward over phases is allowed
	require.NoError(t, e.emm.UpdateConsumerPhase(ctx, hr.ID, workflow.PhaseEmitting, ConsumerPhaseOpts{}))

	// producer order rejects consumer phases
	sr2, err := e.emm.CreateSession(ctx, wf, workflow.TriggerManual, "")
	require.NoError(t, err)
	require.NoError(t, e.emm.UpdateHandlerRunStatus(ctx, hr.ID, workflow.RunFailedInternal, StatusOpts{Error: "stop", Kind: workflow.ErrorInternal}))
	p, err := e.emm.CreateHandlerRun(ctx, sr2.ID, wf, workflow.HandlerProducer, "poll", nil)
	require.NoError(t, err)
	err = e.emm.UpdateProducerPhase(ctx, p.ID, workflow.PhasePreparing)
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestPhaseAdvanceRequiresActiveRun(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	_, hr := e.startConsumerRun(t, wf, workflow.PhasePreparing, nil)
	require.NoError(t, e.emm.UpdateHandlerRunStatus(ctx, hr.ID, workflow.RunPausedTransient, StatusOpts{Error: "net", Kind: workflow.ErrorNetwork}))
	err := e.emm.UpdateConsumerPhase(ctx, hr.ID, workflow.PhasePrepared, ConsumerPhaseOpts{})
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestUpdateConsumerPhaseCompanions(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	e.seedEvents(t, wf.ID, "emails", "m1", "m2")
	_, hr := e.startConsumerRun(t, wf, workflow.PhasePreparing, nil)

	wake := testBase.Add(time.Hour)
	require.NoError(t, e.emm.UpdateConsumerPhase(ctx, hr.ID, workflow.PhasePrepared, ConsumerPhaseOpts{
		Reservations:  []Reservation{{Topic: "emails", MessageIDs: []string{"m1", "m2"}}},
		PrepareResult: json.RawMessage(`{"items":2}`),
		WakeAt:        &wake,
	}))

	got := e.getRun(t, hr.ID)
	require.Equal(t, workflow.PhasePrepared, got.Phase)
	require.JSONEq(t, `{"items":2}`, string(got.PrepareResult))
	require.Len(t, e.reservedBy(t, hr.ID), 2)
	require.Equal(t, 0, e.pendingCount(t, wf.ID, "emails"))

	var hs workflow.HandlerState
	require.NoError(t, e.store.View(ctx, func(tx store.Tx) error {
		var err error
		hs, err = tx.GetHandlerState(ctx, wf.ID, "notify")
		return err
	}))
	require.Equal(t, wake, hs.WakeAt)
}

func TestUpdateConsumerPhaseWakeClamped(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	_, hr := e.startConsumerRun(t, wf, workflow.PhasePreparing, nil)

	tooSoon := testBase.Add(time.Second)
	require.NoError(t, e.emm.UpdateConsumerPhase(ctx, hr.ID, workflow.PhasePrepared, ConsumerPhaseOpts{WakeAt: &tooSoon}))
	var hs workflow.HandlerState
	require.NoError(t, e.store.View(ctx, func(tx store.Tx) error {
		var err error
		hs, err = tx.GetHandlerState(ctx, wf.ID, "notify")
		return err
	}))
	require.Equal(t, testBase.Add(workflow.MinWakeDelay), hs.WakeAt)

	// pointer to zero clears the wake
	var zero time.Time
	require.NoError(t, e.emm.UpdateConsumerPhase(ctx, hr.ID, workflow.PhaseMutating, ConsumerPhaseOpts{WakeAt: &zero}))
	require.NoError(t, e.store.View(ctx, func(tx store.Tx) error {
		var err error
		hs, err = tx.GetHandlerState(ctx, wf.ID, "notify")
		return err
	}))
	require.True(t, hs.WakeAt.IsZero())
}

func TestReserveUnavailableEventsFailsWholeTransition(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	e.seedEvents(t, wf.ID, "emails", "m1")
	_, hr := e.startConsumerRun(t, wf, workflow.PhasePreparing, nil)

	err := e.emm.UpdateConsumerPhase(ctx, hr.ID, workflow.PhasePrepared, ConsumerPhaseOpts{
		Reservations: []Reservation{{Topic: "emails", MessageIDs: []string{"m1", "ghost"}}},
	})
	require.ErrorIs(t, err, ErrInvariantViolation)
	require.Equal(t, workflow.PhasePreparing, e.getRun(t, hr.ID).Phase, "phase write rolled back")
	require.Equal(t, 1, e.pendingCount(t, wf.ID, "emails"), "no partial reservation")
}

func TestFinishSessionAggregatesCostAndClearsBackoff(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	require.NoError(t, e.store.Atomic(ctx, func(tx store.Tx) error {
		cur, err := tx.GetWorkflow(ctx, wf.ID)
		if err != nil {
			return err
		}
		cur.RetryBackoff = time.Minute
		cur.NextAttemptAt = testBase.Add(time.Minute)
		return tx.PutWorkflow(ctx, cur)
	}))

	sr, err := e.emm.CreateSession(ctx, wf, workflow.TriggerSchedule, "")
	require.NoError(t, err)
	hr, err := e.emm.CreateHandlerRun(ctx, sr.ID, wf, workflow.HandlerProducer, "poll", nil)
	require.NoError(t, err)
	require.NoError(t, e.emm.UpdateProducerPhase(ctx, hr.ID, workflow.PhaseExecuting))
	require.NoError(t, e.emm.CommitProducer(ctx, hr.ID, CommitProducerOpts{Cost: 1.5}))
	require.NoError(t, e.emm.FinishSession(ctx, sr.ID))

	got := e.getSession(t, sr.ID)
	require.NotNil(t, got.EndedAt)
	require.Equal(t, workflow.SessionCompleted, got.Result)
	require.Equal(t, 1.5, got.Cost)
	require.Equal(t, 1, got.HandlerCount)

	cur := e.getWorkflow(t, wf.ID)
	require.Zero(t, cur.RetryBackoff)
	require.True(t, cur.NextAttemptAt.IsZero())
}

func TestFinishSessionIdempotent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	sr, err := e.emm.CreateSession(ctx, wf, workflow.TriggerManual, "")
	require.NoError(t, err)
	require.NoError(t, e.emm.FinishSession(ctx, sr.ID))
	first := e.getSession(t, sr.ID)
	require.NoError(t, e.emm.FinishSession(ctx, sr.ID))
	require.Equal(t, first, e.getSession(t, sr.ID))
}

func TestFinalizeSessionDirect(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	t.Run("logic failure enters maintenance", func(t *testing.T) {
		wf := e.seedWorkflow(t, "wf-logic")
		sr, err := e.emm.CreateSession(ctx, wf, workflow.TriggerManual, "")
		require.NoError(t, err)
		require.NoError(t, e.emm.FinalizeSessionDirect(ctx, sr.ID, workflow.SessionFailed, "bad config", workflow.ErrorLogic))
		cur := e.getWorkflow(t, wf.ID)
		require.True(t, cur.Maintenance)
		require.Equal(t, workflow.StatusActive, cur.Status, "maintenance does not change status")
	})

	t.Run("internal failure errors the workflow", func(t *testing.T) {
		wf := e.seedWorkflow(t, "wf-int")
		sr, err := e.emm.CreateSession(ctx, wf, workflow.TriggerManual, "")
		require.NoError(t, err)
		require.NoError(t, e.emm.FinalizeSessionDirect(ctx, sr.ID, workflow.SessionFailed, "boom", workflow.ErrorInternal))
		require.Equal(t, workflow.StatusError, e.getWorkflow(t, "wf-int").Status)
	})
}

func TestCommitProducerAdvancesScheduleMonotone(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	require.NoError(t, e.store.Atomic(ctx, func(tx store.Tx) error {
		return tx.PutProducerSchedule(ctx, workflow.ProducerSchedule{
			WorkflowID: wf.ID, ProducerName: "poll",
			ScheduleType: workflow.ScheduleInterval, ScheduleValue: "60s",
			NextRunAt: testBase,
		})
	}))

	sr, err := e.emm.CreateSession(ctx, wf, workflow.TriggerSchedule, "")
	require.NoError(t, err)
	hr, err := e.emm.CreateHandlerRun(ctx, sr.ID, wf, workflow.HandlerProducer, "poll", nil)
	require.NoError(t, err)
	require.NoError(t, e.emm.UpdateProducerPhase(ctx, hr.ID, workflow.PhaseExecuting))
	require.NoError(t, e.emm.CommitProducer(ctx, hr.ID, CommitProducerOpts{
		State:     json.RawMessage(`{"cursor":"abc"}`),
		NextRunAt: testBase.Add(time.Minute),
	}))

	var scheds []workflow.ProducerSchedule
	require.NoError(t, e.store.View(ctx, func(tx store.Tx) error {
		var err error
		scheds, err = tx.ListProducerSchedules(ctx, wf.ID)
		return err
	}))
	require.Len(t, scheds, 1)
	require.Equal(t, testBase.Add(time.Minute), scheds[0].NextRunAt)

	var hs workflow.HandlerState
	require.NoError(t, e.store.View(ctx, func(tx store.Tx) error {
		var err error
		hs, err = tx.GetHandlerState(ctx, wf.ID, "poll")
		return err
	}))
	require.JSONEq(t, `{"cursor":"abc"}`, string(hs.State))

	got := e.getRun(t, hr.ID)
	require.Equal(t, workflow.RunCommitted, got.Status)
	require.Equal(t, workflow.PhaseCommitted, got.Phase)
	require.NotNil(t, got.EndedAt)
}

func TestCommitConsumerConsumesReservedEvents(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	e.seedEvents(t, wf.ID, "emails", "m1", "m2")
	_, hr := e.startConsumerRun(t, wf, workflow.PhaseEmitting, []string{"m1", "m2"})

	require.NoError(t, e.emm.CommitConsumer(ctx, hr.ID, CommitConsumerOpts{State: json.RawMessage(`{"n":2}`)}))

	require.Empty(t, e.reservedBy(t, hr.ID))
	require.Equal(t, 0, e.pendingCount(t, wf.ID, "emails"))
	var ev workflow.Event
	require.NoError(t, e.store.View(ctx, func(tx store.Tx) error {
		var err error
		ev, err = tx.GetEvent(ctx, wf.ID, "emails", "m1")
		return err
	}))
	require.Equal(t, workflow.EventConsumed, ev.Status)
	require.Equal(t, hr.ID, ev.ReservedBy, "owner retained for audit")
}

func TestCommitConsumerAfterSkipResolutionSkipsEvents(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	e.seedEvents(t, wf.ID, "emails", "m1")
	_, hr := e.startConsumerRun(t, wf, workflow.PhaseMutating, []string{"m1"})
	mut, err := e.emm.BeginMutation(ctx, hr.ID, BeginMutationOpts{ToolNamespace: "gmail", ToolMethod: "send"})
	require.NoError(t, err)
	require.NoError(t, e.emm.UpdateMutationStatus(ctx, mut.ID, workflow.MutationIndeterminate, MutationStatusOpts{Error: "no check"}))
	require.NoError(t, e.emm.UpdateHandlerRunStatus(ctx, hr.ID, workflow.RunPausedReconciliation, StatusOpts{
		Error: "mutation outcome unknown", Kind: workflow.ErrorNetwork,
	}))
	require.NoError(t, e.emm.ResolveMutation(ctx, mut.ID, workflow.OutcomeSkip, "user:alice"))

	retry, _, err := e.emm.CreateRetryRun(ctx, hr.ID)
	require.NoError(t, err)
	require.NoError(t, e.emm.CommitConsumer(ctx, retry.ID, CommitConsumerOpts{}))

	var ev workflow.Event
	require.NoError(t, e.store.View(ctx, func(tx store.Tx) error {
		var err error
		ev, err = tx.GetEvent(ctx, wf.ID, "emails", "m1")
		return err
	}))
	require.Equal(t, workflow.EventSkipped, ev.Status, "skip resolution abandons the batch")
	require.Equal(t, 0, e.pendingCount(t, wf.ID, "emails"))
}
