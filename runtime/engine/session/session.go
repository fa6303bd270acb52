// Package session orchestrates one workflow invocation: producer fan-out
// for scheduled and manual triggers, the consumer drain loop for event
// triggers, and the retry path for runs resuming at the mutation boundary.
//
// Execution within a workflow is single threaded. The scheduler guarantees
// at most one ExecuteWorkflowSession per workflow at a time; the orchestrator
// only enforces the in-store single-flight invariant through the execution
// model manager.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/emm"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/handler"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/telemetry"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

// MaxIterations bounds the consumer drain loop of one session. A workflow
// that keeps producing work for itself past the bound resumes in the next
// session rather than starving others.
const MaxIterations = 100

type (
	// WorkLookup is the scheduler's in-memory view of which consumers have
	// work, used as a fast path before falling back to the store. Optional.
	WorkLookup interface {
		// DirtyConsumers returns consumers flagged by event publishes.
		DirtyConsumers(workflowID string) []string
		// DueWakes returns consumers whose cached wake time has passed.
		DueWakes(workflowID string, now time.Time) []string
	}

	// Orchestrator executes workflow sessions.
	Orchestrator struct {
		emm     *emm.Manager
		store   store.Store
		runner  *handler.Runner
		lookup  WorkLookup
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		now     func() time.Time
	}

	// Options configures an Orchestrator.
	Options struct {
		// EMM is the execution model manager. Required.
		EMM *emm.Manager
		// Store reads canonical rows. Required.
		Store store.Store
		// Runner drives handler runs. Required.
		Runner *handler.Runner
		// Lookup is the scheduler's work cache. Optional.
		Lookup  WorkLookup
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
		// Clock overrides time.Now for tests.
		Clock func() time.Time
	}

	// Outcome summarizes a finished session.
	Outcome struct {
		SessionID string
		Result    workflow.SessionResult
		// Skipped is true when no session ran: the workflow was not
		// runnable, in backoff, or had nothing to do.
		Skipped bool
		// HandlerRuns counts the handler runs the session executed.
		HandlerRuns int
	}
)

// New constructs an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.EMM == nil {
		return nil, fmt.Errorf("emm is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		emm:     opts.EMM,
		store:   opts.Store,
		runner:  opts.Runner,
		lookup:  opts.Lookup,
		logger:  telemetry.OrNop(opts.Logger),
		metrics: telemetry.MetricsOrNop(opts.Metrics),
		tracer:  telemetry.TracerOrNop(opts.Tracer),
		now:     now,
	}, nil
}

// ExecuteWorkflowSession runs one session for the workflow. Scheduled and
// manual triggers fan out due producers first; every trigger then drains
// consumers until no consumer has pending events or a due wake, a handler
// stops the session, or the iteration bound is hit.
//
// A workflow carrying a pending retry always resumes that retry before any
// other work.
func (o *Orchestrator) ExecuteWorkflowSession(ctx context.Context, workflowID string, trigger workflow.Trigger) (Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "workflow.session", "workflow_id", workflowID, "trigger", string(trigger))
	defer span.End()
	out, err := o.executeSession(ctx, workflowID, trigger)
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}

func (o *Orchestrator) executeSession(ctx context.Context, workflowID string, trigger workflow.Trigger) (Outcome, error) {
	now := o.now().UTC()
	wf, err := o.loadWorkflow(ctx, workflowID)
	if err != nil {
		return Outcome{}, err
	}
	if !wf.Runnable() || wf.Maintenance || wf.InBackoff(now) {
		return Outcome{Skipped: true}, nil
	}
	script, cfg, cfgErr := o.loadScript(ctx, wf)

	if wf.PendingRetryRunID != "" {
		if cfgErr != nil {
			return Outcome{}, cfgErr
		}
		return o.runRetry(ctx, wf, cfg, script)
	}

	session, err := o.emm.CreateSession(ctx, wf, trigger, "")
	if err != nil {
		return Outcome{}, err
	}
	started := o.now()
	out, err := o.runSession(ctx, wf, cfg, script, cfgErr, session, trigger, now)
	o.metrics.RecordTimer(telemetry.MetricSessionDuration, o.now().Sub(started), "trigger", string(trigger))
	return out, err
}

func (o *Orchestrator) runSession(ctx context.Context, wf workflow.Workflow, cfg workflow.Config, script workflow.Script, cfgErr error, session workflow.ScriptRun, trigger workflow.Trigger, now time.Time) (Outcome, error) {
	if cfgErr != nil {
		// The active script's config cannot be executed. The session fails
		// before any handler runs; a logic-shaped config problem routes the
		// workflow into maintenance.
		if err := o.emm.FinalizeSessionDirect(ctx, session.ID, workflow.SessionFailed, cfgErr.Error(), workflow.ErrorLogic); err != nil {
			return Outcome{}, err
		}
		return Outcome{SessionID: session.ID, Result: workflow.SessionFailed}, nil
	}

	out := Outcome{SessionID: session.ID}

	if trigger == workflow.TriggerSchedule || trigger == workflow.TriggerManual {
		stopped, err := o.runProducers(ctx, wf, cfg, script, session.ID, trigger, now, &out)
		if err != nil {
			return Outcome{}, err
		}
		if stopped {
			return out, nil
		}
	}

	stopped, err := o.drainConsumers(ctx, wf, cfg, script, session.ID, &out)
	if err != nil {
		return Outcome{}, err
	}
	if stopped {
		return out, nil
	}

	if err := o.emm.FinishSession(ctx, session.ID); err != nil {
		return Outcome{}, err
	}
	out.Result = workflow.SessionCompleted
	return out, nil
}

// runProducers executes the workflow's due producers (all producers for a
// manual trigger). Returns true when a producer stopped the session.
func (o *Orchestrator) runProducers(ctx context.Context, wf workflow.Workflow, cfg workflow.Config, script workflow.Script, sessionID string, trigger workflow.Trigger, now time.Time, out *Outcome) (bool, error) {
	schedules, err := o.loadSchedules(ctx, wf.ID)
	if err != nil {
		return false, err
	}
	byName := make(map[string]workflow.ProducerSchedule, len(schedules))
	for _, s := range schedules {
		byName[s.ProducerName] = s
	}

	for _, name := range cfg.ProducerNames() {
		sched, hasSchedule := byName[name]
		if trigger == workflow.TriggerSchedule && (!hasSchedule || !sched.Due(now)) {
			continue
		}
		var nextRunAt time.Time
		if hasSchedule {
			next, err := sched.Next(now)
			if err != nil {
				// Validated at activation; a parse failure here is an engine
				// level problem, not the script's.
				o.logger.Error(ctx, "schedule advance failed", "workflow_id", wf.ID, "producer", name, "err", err.Error())
			} else {
				nextRunAt = next
			}
		}
		res, err := o.runner.RunProducer(ctx, wf, cfg, sessionID, name, script, nextRunAt)
		if err != nil {
			return false, err
		}
		out.HandlerRuns++
		if res.Status != workflow.RunCommitted {
			out.Result = sessionResult(res.Status)
			return true, nil
		}
	}
	return false, nil
}

// drainConsumers repeatedly finds one consumer with pending work and runs
// it, up to MaxIterations. Returns true when a consumer stopped the session.
func (o *Orchestrator) drainConsumers(ctx context.Context, wf workflow.Workflow, cfg workflow.Config, script workflow.Script, sessionID string, out *Outcome) (bool, error) {
	for i := 0; i < MaxIterations; i++ {
		name, found, err := o.findConsumerWithWork(ctx, wf.ID, cfg)
		if err != nil {
			return false, err
		}
		if !found {
			return false, nil
		}
		res, err := o.runner.RunConsumer(ctx, wf, cfg, sessionID, name, script)
		if err != nil {
			return false, err
		}
		out.HandlerRuns++
		if res.Status != workflow.RunCommitted {
			out.Result = sessionResult(res.Status)
			return true, nil
		}
	}
	o.logger.Warn(ctx, "session hit iteration bound", "workflow_id", wf.ID, "session_id", sessionID, "bound", fmt.Sprint(MaxIterations))
	return false, nil
}

// runRetry resumes the workflow's pending retry run at the emitting phase,
// then drains remaining consumer work in the same session.
func (o *Orchestrator) runRetry(ctx context.Context, wf workflow.Workflow, cfg workflow.Config, script workflow.Script) (Outcome, error) {
	retryRun, session, err := o.emm.CreateRetryRun(ctx, wf.PendingRetryRunID)
	if err != nil {
		if errors.Is(err, emm.ErrConflictingRetry) {
			return Outcome{Skipped: true}, nil
		}
		return Outcome{}, err
	}
	out := Outcome{SessionID: session.ID}
	res, err := o.runner.ResumeConsumer(ctx, wf, cfg, retryRun.ID, script)
	if err != nil {
		return Outcome{}, err
	}
	out.HandlerRuns++
	if res.Status != workflow.RunCommitted {
		out.Result = sessionResult(res.Status)
		return out, nil
	}

	stopped, err := o.drainConsumers(ctx, wf, cfg, script, session.ID, &out)
	if err != nil {
		return Outcome{}, err
	}
	if stopped {
		return out, nil
	}
	if err := o.emm.FinishSession(ctx, session.ID); err != nil {
		return Outcome{}, err
	}
	out.Result = workflow.SessionCompleted
	return out, nil
}

// findConsumerWithWork returns one consumer that has pending events on a
// subscribed topic or a due wake. The scheduler cache is consulted first;
// the store is the source of truth either way, because the cache is only a
// hint that survives neither restarts nor races.
func (o *Orchestrator) findConsumerWithWork(ctx context.Context, workflowID string, cfg workflow.Config) (string, bool, error) {
	now := o.now().UTC()
	if o.lookup != nil {
		candidates := append(o.lookup.DirtyConsumers(workflowID), o.lookup.DueWakes(workflowID, now)...)
		for _, name := range candidates {
			if _, declared := cfg.Consumers[name]; !declared {
				continue
			}
			has, err := o.consumerHasWork(ctx, workflowID, name, cfg, now)
			if err != nil {
				return "", false, err
			}
			if has {
				return name, true, nil
			}
		}
	}
	for _, name := range cfg.ConsumerNames() {
		has, err := o.consumerHasWork(ctx, workflowID, name, cfg, now)
		if err != nil {
			return "", false, err
		}
		if has {
			return name, true, nil
		}
	}
	return "", false, nil
}

func (o *Orchestrator) consumerHasWork(ctx context.Context, workflowID, name string, cfg workflow.Config, now time.Time) (bool, error) {
	ccfg := cfg.Consumers[name]
	var has bool
	err := o.store.View(ctx, func(tx store.Tx) error {
		for _, topic := range ccfg.Subscribe {
			n, err := tx.CountPendingEvents(ctx, workflowID, topic)
			if err != nil {
				return err
			}
			if n > 0 {
				has = true
				return nil
			}
		}
		hs, err := tx.GetHandlerState(ctx, workflowID, name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		has = !hs.WakeAt.IsZero() && !now.Before(hs.WakeAt)
		return nil
	})
	return has, err
}

func (o *Orchestrator) loadWorkflow(ctx context.Context, id string) (workflow.Workflow, error) {
	var wf workflow.Workflow
	err := o.store.View(ctx, func(tx store.Tx) error {
		var err error
		wf, err = tx.GetWorkflow(ctx, id)
		return err
	})
	return wf, err
}

// loadScript resolves the active script and its parsed config. The config
// error is returned separately so the caller can fail the session durably
// instead of erroring out of the orchestrator.
func (o *Orchestrator) loadScript(ctx context.Context, wf workflow.Workflow) (workflow.Script, workflow.Config, error) {
	var script workflow.Script
	err := o.store.View(ctx, func(tx store.Tx) error {
		var err error
		script, err = tx.GetScript(ctx, wf.ActiveScriptID)
		return err
	})
	if err != nil {
		return workflow.Script{}, workflow.Config{}, err
	}
	cfg, err := workflow.ParseConfig(wf.HandlerConfig)
	if err != nil {
		return script, workflow.Config{}, err
	}
	return script, cfg, nil
}

func (o *Orchestrator) loadSchedules(ctx context.Context, workflowID string) ([]workflow.ProducerSchedule, error) {
	var schedules []workflow.ProducerSchedule
	err := o.store.View(ctx, func(tx store.Tx) error {
		var err error
		schedules, err = tx.ListProducerSchedules(ctx, workflowID)
		return err
	})
	return schedules, err
}

// sessionResult maps a handler's stopping status to the session result the
// status pipeline has already recorded.
func sessionResult(status workflow.RunStatus) workflow.SessionResult {
	switch {
	case status.Paused():
		return workflow.SessionSuspended
	case status == workflow.RunCommitted:
		return workflow.SessionCompleted
	default:
		return workflow.SessionFailed
	}
}
