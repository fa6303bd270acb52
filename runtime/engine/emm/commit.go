package emm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/stream"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/telemetry"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

type (
	// CommitProducerOpts carries the producer commit payload.
	CommitProducerOpts struct {
		// State is the new handler state. Nil leaves the stored state
		// untouched.
		State json.RawMessage
		Cost  float64
		Logs  []string
		// NextRunAt advances the producer schedule. Zero skips advancement.
		// Advancement is monotone: an earlier time than the stored one is
		// ignored.
		NextRunAt time.Time
	}

	// CommitConsumerOpts carries the consumer commit payload.
	CommitConsumerOpts struct {
		// State is the new handler state. Nil leaves the stored state
		// untouched.
		State json.RawMessage
		Cost  float64
		Logs  []string
	}
)

// CommitProducer finishes a producer run in one transaction: handler state,
// phase and status committed, session handler count, schedule advancement.
func (m *Manager) CommitProducer(ctx context.Context, runID string, opts CommitProducerOpts) error {
	now := m.now().UTC()
	var hr workflow.HandlerRun
	err := m.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		hr, err = tx.GetHandlerRun(ctx, runID)
		if err != nil {
			return err
		}
		if hr.Status != workflow.RunActive {
			return fmt.Errorf("%w: run %q is %s, cannot commit", ErrInvariantViolation, hr.ID, hr.Status)
		}
		hr.Phase = workflow.PhaseCommitted
		hr.Status = workflow.RunCommitted
		hr.OutputState = opts.State
		hr.Cost += opts.Cost
		hr.Logs = append(hr.Logs, opts.Logs...)
		hr.EndedAt = &now
		if err := tx.PutHandlerRun(ctx, hr); err != nil {
			return err
		}
		if opts.State != nil {
			if err := putState(ctx, tx, hr.WorkflowID, hr.HandlerName, opts.State, now); err != nil {
				return err
			}
		}
		if err := bumpHandlerCount(ctx, tx, hr.ScriptRunID); err != nil {
			return err
		}
		if !opts.NextRunAt.IsZero() {
			if err := advanceSchedule(ctx, tx, hr.WorkflowID, hr.HandlerName, opts.NextRunAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return translate(err)
	}
	m.sched.OnProducerCommit(hr.WorkflowID, hr.HandlerName)
	m.metrics.IncCounter(telemetry.MetricHandlerRuns, 1, "status", string(workflow.RunCommitted), "type", string(workflow.HandlerProducer))
	m.emit(ctx, stream.Event{Type: stream.TypeRunStatus, WorkflowID: hr.WorkflowID, SessionID: hr.ScriptRunID, RunID: runID, Status: string(workflow.RunCommitted)})
	return nil
}

// CommitConsumer finishes a consumer run in one transaction: reserved
// events consumed, handler state, phase and status committed, session
// handler count. A run whose mutation was resolved as skip marks its
// reservations skipped instead of consumed, so the ledger records that the
// events were abandoned rather than processed. The scheduler's dirty flag
// for the consumer is cleared only when the run had no reservations,
// because reservations may mean more pending events remain on the topic.
func (m *Manager) CommitConsumer(ctx context.Context, runID string, opts CommitConsumerOpts) error {
	now := m.now().UTC()
	var (
		hr       workflow.HandlerRun
		consumed int
		skipped  bool
	)
	err := m.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		hr, err = tx.GetHandlerRun(ctx, runID)
		if err != nil {
			return err
		}
		if hr.Status != workflow.RunActive {
			return fmt.Errorf("%w: run %q is %s, cannot commit", ErrInvariantViolation, hr.ID, hr.Status)
		}
		// A retry run inherits reservations but not the mutation row; the
		// skip outcome lives on the run it retries.
		mut, merr := tx.MutationForRun(ctx, runID)
		if errors.Is(merr, store.ErrNotFound) && hr.RetryOf != "" {
			mut, merr = tx.MutationForRun(ctx, hr.RetryOf)
		}
		if merr != nil && !errors.Is(merr, store.ErrNotFound) {
			return merr
		}
		skipped = merr == nil && mut.Status == workflow.MutationFailed && mut.Outcome == workflow.OutcomeSkip
		if skipped {
			consumed, err = tx.SkipEvents(ctx, runID)
		} else {
			consumed, err = tx.ConsumeEvents(ctx, runID)
		}
		if err != nil {
			return err
		}
		hr.Phase = workflow.PhaseCommitted
		hr.Status = workflow.RunCommitted
		hr.OutputState = opts.State
		hr.Cost += opts.Cost
		hr.Logs = append(hr.Logs, opts.Logs...)
		hr.EndedAt = &now
		if err := tx.PutHandlerRun(ctx, hr); err != nil {
			return err
		}
		if opts.State != nil {
			if err := putState(ctx, tx, hr.WorkflowID, hr.HandlerName, opts.State, now); err != nil {
				return err
			}
		}
		return bumpHandlerCount(ctx, tx, hr.ScriptRunID)
	})
	if err != nil {
		return translate(err)
	}
	m.sched.OnConsumerCommit(hr.WorkflowID, hr.HandlerName, consumed > 0)
	if consumed > 0 && !skipped {
		m.metrics.IncCounter(telemetry.MetricEventsConsumed, float64(consumed))
	}
	m.metrics.IncCounter(telemetry.MetricHandlerRuns, 1, "status", string(workflow.RunCommitted), "type", string(workflow.HandlerConsumer))
	m.emit(ctx, stream.Event{Type: stream.TypeRunStatus, WorkflowID: hr.WorkflowID, SessionID: hr.ScriptRunID, RunID: runID, Status: string(workflow.RunCommitted)})
	return nil
}

// putState replaces the handler's state blob, preserving any persisted wake.
func putState(ctx context.Context, tx store.Tx, workflowID, handlerName string, state json.RawMessage, now time.Time) error {
	hs, err := tx.GetHandlerState(ctx, workflowID, handlerName)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		hs = workflow.HandlerState{WorkflowID: workflowID, HandlerName: handlerName}
	}
	hs.State = state
	hs.UpdatedAt = now
	return tx.PutHandlerState(ctx, hs)
}

func bumpHandlerCount(ctx context.Context, tx store.Tx, sessionID string) error {
	sr, err := tx.GetScriptRun(ctx, sessionID)
	if err != nil {
		return err
	}
	sr.HandlerCount++
	return tx.PutScriptRun(ctx, sr)
}

// advanceSchedule moves the producer schedule's next fire time forward,
// never backward.
func advanceSchedule(ctx context.Context, tx store.Tx, workflowID, producerName string, nextRunAt time.Time) error {
	schedules, err := tx.ListProducerSchedules(ctx, workflowID)
	if err != nil {
		return err
	}
	for _, s := range schedules {
		if s.ProducerName != producerName {
			continue
		}
		if nextRunAt.After(s.NextRunAt) {
			s.NextRunAt = nextRunAt
			return tx.PutProducerSchedule(ctx, s)
		}
		return nil
	}
	return nil
}
