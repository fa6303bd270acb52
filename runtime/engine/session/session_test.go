package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/emm"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/handler"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/ledger"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/sandbox"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/store/inmem"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/tools"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type scriptedEval struct {
	fns map[string]func(ctx context.Context, req sandbox.EvalRequest) (sandbox.EvalResult, error)
}

func (e *scriptedEval) on(callback string, fn func(ctx context.Context, req sandbox.EvalRequest) (sandbox.EvalResult, error)) {
	if e.fns == nil {
		e.fns = make(map[string]func(context.Context, sandbox.EvalRequest) (sandbox.EvalResult, error))
	}
	e.fns[callback] = fn
}

func (e *scriptedEval) Eval(ctx context.Context, req sandbox.EvalRequest) (sandbox.EvalResult, error) {
	for _, cb := range []string{"run", "prepare", "mutate", "next"} {
		if strings.Contains(req.Entry, "."+cb+"(") {
			if fn := e.fns[cb]; fn != nil {
				return fn(ctx, req)
			}
			break
		}
	}
	return sandbox.EvalResult{}, fmt.Errorf("no fake for entry %q", req.Entry)
}

func okResult(result string) (sandbox.EvalResult, error) {
	return sandbox.EvalResult{OK: true, Result: json.RawMessage(result)}, nil
}

type orchEnv struct {
	orch  *Orchestrator
	emm   *emm.Manager
	store *inmem.Store
	eval  *scriptedEval
}

var orchConfig = []byte(`{
	"topics": ["emails"],
	"producers": {"poll": {"schedule": {"interval": "60s"}, "publishes": ["emails"]}},
	"consumers": {"notify": {"subscribe": ["emails"], "hasMutate": false, "hasNext": true}}
}`)

func newOrchEnv(t *testing.T) *orchEnv {
	t.Helper()
	st := inmem.New()
	clock := func() time.Time { return testBase }
	m, err := emm.New(emm.Options{Store: st, Clock: clock})
	require.NoError(t, err)
	l, err := ledger.New(ledger.Options{Store: st, Clock: clock})
	require.NoError(t, err)
	eval := &scriptedEval{}
	runner, err := handler.New(handler.Options{
		EMM: m, Store: st, Ledger: l, Evaluator: eval, Tools: tools.NewRegistry(), Clock: clock,
	})
	require.NoError(t, err)
	orch, err := New(Options{EMM: m, Store: st, Runner: runner, Clock: clock})
	require.NoError(t, err)
	return &orchEnv{orch: orch, emm: m, store: st, eval: eval}
}

func (e *orchEnv) seedWorkflow(t *testing.T, id string, config []byte) workflow.Workflow {
	t.Helper()
	ctx := context.Background()
	wf := workflow.Workflow{
		ID: id, ActiveScriptID: "script-" + id, HandlerConfig: config,
		Status: workflow.StatusActive, CreatedAt: testBase,
	}
	require.NoError(t, e.store.Atomic(ctx, func(tx store.Tx) error {
		if err := tx.PutWorkflow(ctx, wf); err != nil {
			return err
		}
		if err := tx.PutScript(ctx, workflow.Script{
			ID: wf.ActiveScriptID, WorkflowID: id, MajorVersion: 1,
			Code: "workflow = {}", Config: orchConfig, CreatedAt: testBase,
		}); err != nil {
			return err
		}
		return tx.PutProducerSchedule(ctx, workflow.ProducerSchedule{
			WorkflowID: id, ProducerName: "poll",
			ScheduleType: workflow.ScheduleInterval, ScheduleValue: "60s",
			NextRunAt: testBase,
		})
	}))
	return wf
}

func (e *orchEnv) getWorkflow(t *testing.T, id string) workflow.Workflow {
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

func (e *orchEnv) setWorkflow(t *testing.T, id string, mutate func(*workflow.Workflow)) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.Atomic(ctx, func(tx store.Tx) error {
		wf, err := tx.GetWorkflow(ctx, id)
		if err != nil {
			return err
		}
		mutate(&wf)
		return tx.PutWorkflow(ctx, wf)
	}))
}

func TestScheduleSessionRunsProducersThenDrainsConsumers(t *testing.T) {
	e := newOrchEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1", orchConfig)

	e.eval.on("run", func(ctx context.Context, req sandbox.EvalRequest) (sandbox.EvalResult, error) {
		if _, err := req.Tools.Invoke(ctx, "events.publish",
			json.RawMessage(`{"topic":"emails","messageId":"m1"}`)); err != nil {
			return sandbox.EvalResult{OK: false, Err: sandbox.AsError(err)}, nil
		}
		return okResult(`{"cursor":"a"}`)
	})
	e.eval.on("prepare", func(context.Context, sandbox.EvalRequest) (sandbox.EvalResult, error) {
		return okResult(`{"reservations":[{"topic":"emails","ids":["m1"]}],"data":{"n":1}}`)
	})
	e.eval.on("next", func(context.Context, sandbox.EvalRequest) (sandbox.EvalResult, error) {
		return okResult(`{"handled":1}`)
	})

	out, err := e.orch.ExecuteWorkflowSession(ctx, wf.ID, workflow.TriggerSchedule)
	require.NoError(t, err)
	require.False(t, out.Skipped)
	require.Equal(t, workflow.SessionCompleted, out.Result)
	require.Equal(t, 2, out.HandlerRuns, "one producer run, one consumer run")

	var ev workflow.Event
	require.NoError(t, e.store.View(ctx, func(tx store.Tx) error {
		var err error
		ev, err = tx.GetEvent(ctx, wf.ID, "emails", "m1")
		return err
	}))
	require.Equal(t, workflow.EventConsumed, ev.Status, "the session drains what its producers published")

	var scheds []workflow.ProducerSchedule
	require.NoError(t, e.store.View(ctx, func(tx store.Tx) error {
		var err error
		scheds, err = tx.ListProducerSchedules(ctx, wf.ID)
		return err
	}))
	require.Equal(t, testBase.Add(time.Minute), scheds[0].NextRunAt, "schedule advanced past the fire")
}

func TestScheduleSessionSkipsProducersNotDue(t *testing.T) {
	e := newOrchEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1", orchConfig)
	require.NoError(t, e.store.Atomic(ctx, func(tx store.Tx) error {
		return tx.PutProducerSchedule(ctx, workflow.ProducerSchedule{
			WorkflowID: wf.ID, ProducerName: "poll",
			ScheduleType: workflow.ScheduleInterval, ScheduleValue: "60s",
			NextRunAt: testBase.Add(time.Hour),
		})
	}))

	out, err := e.orch.ExecuteWorkflowSession(ctx, wf.ID, workflow.TriggerSchedule)
	require.NoError(t, err)
	require.Equal(t, workflow.SessionCompleted, out.Result)
	require.Zero(t, out.HandlerRuns)

	// manual triggers ignore due-ness
	e.eval.on("run", func(context.Context, sandbox.EvalRequest) (sandbox.EvalResult, error) {
		return okResult(`null`)
	})
	out, err = e.orch.ExecuteWorkflowSession(ctx, wf.ID, workflow.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, out.HandlerRuns)
}

func TestSessionSkippedWhenNotRunnable(t *testing.T) {
	e := newOrchEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1", orchConfig)

	e.setWorkflow(t, wf.ID, func(w *workflow.Workflow) { w.Status = workflow.StatusPaused })
	out, err := e.orch.ExecuteWorkflowSession(ctx, wf.ID, workflow.TriggerSchedule)
	require.NoError(t, err)
	require.True(t, out.Skipped)

	e.setWorkflow(t, wf.ID, func(w *workflow.Workflow) {
		w.Status = workflow.StatusActive
		w.Maintenance = true
	})
	out, err = e.orch.ExecuteWorkflowSession(ctx, wf.ID, workflow.TriggerSchedule)
	require.NoError(t, err)
	require.True(t, out.Skipped)

	e.setWorkflow(t, wf.ID, func(w *workflow.Workflow) {
		w.Maintenance = false
		w.NextAttemptAt = testBase.Add(time.Minute)
	})
	out, err = e.orch.ExecuteWorkflowSession(ctx, wf.ID, workflow.TriggerEvent)
	require.NoError(t, err)
	require.True(t, out.Skipped, "backoff window defers the session")
}

func TestSessionConfigParseFailureFailsDurably(t *testing.T) {
	e := newOrchEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1", []byte(`{not json`))

	out, err := e.orch.ExecuteWorkflowSession(ctx, wf.ID, workflow.TriggerSchedule)
	require.NoError(t, err)
	require.Equal(t, workflow.SessionFailed, out.Result)

	var sess workflow.ScriptRun
	require.NoError(t, e.store.View(ctx, func(tx store.Tx) error {
		var err error
		sess, err = tx.GetScriptRun(ctx, out.SessionID)
		return err
	}))
	require.Equal(t, workflow.ErrorLogic, sess.ErrorKind)
	require.NotNil(t, sess.EndedAt)
	require.True(t, e.getWorkflow(t, wf.ID).Maintenance, "config problems route to the fix loop")
}

func TestSessionSuspendsWhenConsumerPauses(t *testing.T) {
	e := newOrchEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1", orchConfig)
	require.NoError(t, e.store.Atomic(ctx, func(tx store.Tx) error {
		_, err := tx.InsertEvent(ctx, workflow.Event{
			ID: "ev-1", WorkflowID: wf.ID, Topic: "emails", MessageID: "m1", CreatedAt: testBase,
		})
		return err
	}))

	e.eval.on("prepare", func(context.Context, sandbox.EvalRequest) (sandbox.EvalResult, error) {
		return sandbox.EvalResult{OK: false, Err: sandbox.NewError(workflow.ErrorNetwork, "imap unreachable")}, nil
	})

	out, err := e.orch.ExecuteWorkflowSession(ctx, wf.ID, workflow.TriggerEvent)
	require.NoError(t, err)
	require.Equal(t, workflow.SessionSuspended, out.Result)
	require.Equal(t, 1, out.HandlerRuns)
	require.Equal(t, 30*time.Second, e.getWorkflow(t, wf.ID).RetryBackoff)
}

func TestSessionResumesPendingRetryFirst(t *testing.T) {
	e := newOrchEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1", orchConfig)
	require.NoError(t, e.store.Atomic(ctx, func(tx store.Tx) error {
		_, err := tx.InsertEvent(ctx, workflow.Event{
			ID: "ev-1", WorkflowID: wf.ID, Topic: "emails", MessageID: "m1", CreatedAt: testBase,
		})
		return err
	}))

	// drive a consumer to a post-boundary transient pause by hand
	sr, err := e.emm.CreateSession(ctx, wf, workflow.TriggerEvent, "")
	require.NoError(t, err)
	hr, err := e.emm.CreateHandlerRun(ctx, sr.ID, wf, workflow.HandlerConsumer, "notify", nil)
	require.NoError(t, err)
	require.NoError(t, e.emm.UpdateConsumerPhase(ctx, hr.ID, workflow.PhasePrepared, emm.ConsumerPhaseOpts{
		Reservations:  []emm.Reservation{{Topic: "emails", MessageIDs: []string{"m1"}}},
		PrepareResult: json.RawMessage(`{"n":1}`),
	}))
	require.NoError(t, e.emm.UpdateConsumerPhase(ctx, hr.ID, workflow.PhaseEmitting, emm.ConsumerPhaseOpts{}))
	require.NoError(t, e.emm.UpdateHandlerRunStatus(ctx, hr.ID, workflow.RunPausedTransient, emm.StatusOpts{
		Error: "flaked", Kind: workflow.ErrorNetwork,
	}))
	e.setWorkflow(t, wf.ID, func(w *workflow.Workflow) {
		w.PendingRetryRunID = hr.ID
		w.RetryBackoff = 0
		w.NextAttemptAt = time.Time{}
	})

	e.eval.on("prepare", func(context.Context, sandbox.EvalRequest) (sandbox.EvalResult, error) {
		return sandbox.EvalResult{}, fmt.Errorf("retry must not re-prepare")
	})
	e.eval.on("next", func(ctx context.Context, req sandbox.EvalRequest) (sandbox.EvalResult, error) {
		return okResult(`{"recovered":true}`)
	})

	out, err := e.orch.ExecuteWorkflowSession(ctx, wf.ID, workflow.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, workflow.SessionCompleted, out.Result)
	require.Equal(t, 1, out.HandlerRuns)
	require.Empty(t, e.getWorkflow(t, wf.ID).PendingRetryRunID)

	var ev workflow.Event
	require.NoError(t, e.store.View(ctx, func(tx store.Tx) error {
		var err error
		ev, err = tx.GetEvent(ctx, wf.ID, "emails", "m1")
		return err
	}))
	require.Equal(t, workflow.EventConsumed, ev.Status)
}
