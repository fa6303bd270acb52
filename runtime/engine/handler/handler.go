// Package handler drives the durable state machine of a single handler run.
//
// The runner owns the loop between durable checkpoints: it re-reads the
// canonical run row before every step, dispatches on (handler type, phase),
// evaluates the corresponding script callback in the sandbox, and records
// the outcome through the execution model manager. Crash anywhere and the
// loop resumes from the last committed phase on the next session.
package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/emm"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/ledger"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/reconcile"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/sandbox"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/telemetry"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/tools"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

type (
	// Runner executes handler runs phase by phase.
	Runner struct {
		emm       *emm.Manager
		store     store.Store
		ledger    *ledger.Ledger
		eval      sandbox.Evaluator
		tools     *tools.Registry
		reconcile *reconcile.Registry
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		now       func() time.Time
	}

	// Options configures a Runner.
	Options struct {
		// EMM is the execution model manager. Required.
		EMM *emm.Manager
		// Store reads canonical rows between phases. Required.
		Store store.Store
		// Ledger performs publishes and input registration. Required.
		Ledger *ledger.Ledger
		// Evaluator runs script callbacks. Required.
		Evaluator sandbox.Evaluator
		// Tools is the connector registry. Required.
		Tools *tools.Registry
		// Reconcile is consulted when a mutation outcome is uncertain.
		// Optional; without it uncertain mutations go indeterminate.
		Reconcile *reconcile.Registry
		Logger    telemetry.Logger
		Metrics   telemetry.Metrics
		// Clock overrides time.Now for tests.
		Clock func() time.Time
	}

	// Result reports how a handler run ended.
	Result struct {
		// Run is the final canonical run row.
		Run workflow.HandlerRun
		// Status is the run's final status.
		Status workflow.RunStatus
	}
)

// New constructs a Runner.
func New(opts Options) (*Runner, error) {
	if opts.EMM == nil {
		return nil, fmt.Errorf("emm is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if opts.Evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if opts.Tools == nil {
		return nil, fmt.Errorf("tools registry is required")
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Runner{
		emm:       opts.EMM,
		store:     opts.Store,
		ledger:    opts.Ledger,
		eval:      opts.Evaluator,
		tools:     opts.Tools,
		reconcile: opts.Reconcile,
		logger:    telemetry.OrNop(opts.Logger),
		metrics:   telemetry.MetricsOrNop(opts.Metrics),
		now:       now,
	}, nil
}

// reload returns the canonical run row. The loop calls it before every
// dispatch so a transition written by a previous step (or by the tool
// invoker mid-evaluation) is always observed.
func (r *Runner) reload(ctx context.Context, runID string) (workflow.HandlerRun, error) {
	var hr workflow.HandlerRun
	err := r.store.View(ctx, func(tx store.Tx) error {
		var err error
		hr, err = tx.GetHandlerRun(ctx, runID)
		return err
	})
	return hr, err
}

// fail records the classified failure on the run and returns the resulting
// terminal or paused status. A mutation in needs_reconcile or indeterminate
// overrides the classification: the run pauses for reconciliation
// regardless of the error kind that surfaced it.
func (r *Runner) fail(ctx context.Context, runID string, serr *sandbox.Error, cost float64, logs []string) (Result, error) {
	status := workflow.StatusFor(serr.Kind)
	var mut workflow.Mutation
	merr := r.store.View(ctx, func(tx store.Tx) error {
		var err error
		mut, err = tx.MutationForRun(ctx, runID)
		return err
	})
	if merr == nil {
		switch mut.Status {
		case workflow.MutationNeedsReconcile, workflow.MutationIndeterminate:
			status = workflow.RunPausedReconciliation
		}
	} else if !errors.Is(merr, store.ErrNotFound) {
		return Result{}, merr
	}
	err := r.emm.UpdateHandlerRunStatus(ctx, runID, status, emm.StatusOpts{
		Error: serr.Message,
		Kind:  serr.Kind,
		Cost:  cost,
		Logs:  logs,
	})
	if err != nil {
		return Result{}, err
	}
	hr, err := r.reload(ctx, runID)
	if err != nil {
		return Result{}, err
	}
	return Result{Run: hr, Status: status}, nil
}

// Entry expressions handed to the evaluator. The evaluator binds __state__
// to the previous handler state and positional arguments in order.
func producerEntry(name string) string {
	return fmt.Sprintf("workflow.producers[%q].run(__state__)", name)
}

func prepareEntry(name string) string {
	return fmt.Sprintf("workflow.consumers[%q].prepare(__state__, __args__[0])", name)
}

func mutateEntry(name string) string {
	return fmt.Sprintf("workflow.consumers[%q].mutate(__state__, __args__[0])", name)
}

func nextEntry(name string) string {
	return fmt.Sprintf("workflow.consumers[%q].next(__state__, __args__[0], __args__[1])", name)
}
