package handler

import (
	"context"
	"errors"
	"time"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/emm"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/sandbox"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/telemetry"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/tools"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

// RunProducer executes one producer handler: pending → executing →
// committed. nextRunAt, when non-zero, advances the producer's schedule in
// the commit transaction.
func (r *Runner) RunProducer(ctx context.Context, wf workflow.Workflow, cfg workflow.Config, sessionID, name string, script workflow.Script, nextRunAt time.Time) (Result, error) {
	inputState, err := r.loadState(ctx, wf.ID, name)
	if err != nil {
		return Result{}, err
	}
	hr, err := r.emm.CreateHandlerRun(ctx, sessionID, wf, workflow.HandlerProducer, name, inputState)
	if err != nil {
		return Result{}, err
	}
	if err := r.emm.UpdateProducerPhase(ctx, hr.ID, workflow.PhaseExecuting); err != nil {
		return Result{}, err
	}

	inv := &invoker{r: r, wf: wf, cfg: cfg, run: hr}
	started := r.now()
	res, evalErr := r.eval.Eval(tools.WithPhase(ctx, tools.TagProducer), sandbox.EvalRequest{
		Script: script.Code,
		Entry:  producerEntry(name),
		State:  inputState,
		Tools:  inv,
	})
	r.metrics.RecordTimer(telemetry.MetricPhaseDuration, r.now().Sub(started), "phase", string(workflow.PhaseExecuting))
	if evalErr != nil {
		return r.fail(ctx, hr.ID, sandbox.AsError(evalErr), res.Cost, res.Logs)
	}
	if !res.OK {
		return r.fail(ctx, hr.ID, evalFailure(res), res.Cost, res.Logs)
	}

	err = r.emm.CommitProducer(ctx, hr.ID, emm.CommitProducerOpts{
		State:     res.Result,
		Cost:      res.Cost,
		Logs:      res.Logs,
		NextRunAt: nextRunAt,
	})
	if err != nil {
		return Result{}, err
	}
	final, err := r.reload(ctx, hr.ID)
	if err != nil {
		return Result{}, err
	}
	return Result{Run: final, Status: workflow.RunCommitted}, nil
}

// loadState reads the handler's committed state blob, nil when the handler
// has never committed.
func (r *Runner) loadState(ctx context.Context, workflowID, name string) ([]byte, error) {
	var state []byte
	err := r.store.View(ctx, func(tx store.Tx) error {
		hs, err := tx.GetHandlerState(ctx, workflowID, name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		state = hs.State
		return nil
	})
	return state, err
}

// evalFailure extracts the classified failure from a non-OK result.
func evalFailure(res sandbox.EvalResult) *sandbox.Error {
	if res.Err != nil {
		return res.Err
	}
	return sandbox.NewError(workflow.ErrorInternal, "evaluation failed without a classified error")
}
