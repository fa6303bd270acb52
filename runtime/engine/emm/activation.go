package emm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/stream"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/telemetry"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

type (
	// SaveScriptOpts carries a new script version.
	SaveScriptOpts struct {
		Code          string
		Config        workflow.Config
		MajorVersion  int
		MinorVersion  int
		Summary       string
		Diagram       string
		ChangeComment string
		Type          workflow.ScriptType
	}

	// ActivateOpts modulates activation behavior.
	ActivateOpts struct {
		// Manual marks user-initiated activation, which resets the auto-fix
		// counter. Auto-fix activations leave it for the fix loop to bump.
		Manual bool
		// PendingRetryRunID carries a pending retry across activation. The
		// auto-fix loop sets it so a fixed script still resumes the
		// interrupted run at emitting; manual activation leaves it empty,
		// which abandons the retry and releases nothing by itself.
		PendingRetryRunID string
	}
)

// SaveScript stores a new immutable script version and moves a draft
// workflow to ready. The workflow's active script is untouched; activation
// is a separate explicit step.
func (m *Manager) SaveScript(ctx context.Context, workflowID string, opts SaveScriptOpts) (workflow.Script, error) {
	rawCfg, err := json.Marshal(opts.Config)
	if err != nil {
		return workflow.Script{}, fmt.Errorf("%w: serialize config: %v", ErrInvariantViolation, err)
	}
	s := workflow.Script{
		ID:            m.newID(),
		WorkflowID:    workflowID,
		MajorVersion:  opts.MajorVersion,
		MinorVersion:  opts.MinorVersion,
		Code:          opts.Code,
		Config:        rawCfg,
		Summary:       opts.Summary,
		Diagram:       opts.Diagram,
		ChangeComment: opts.ChangeComment,
		Type:          opts.Type,
		CreatedAt:     m.now().UTC(),
	}
	err = m.store.Atomic(ctx, func(tx store.Tx) error {
		wf, err := tx.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		s.TaskID = wf.TaskID
		if err := tx.PutScript(ctx, s); err != nil {
			return err
		}
		if wf.Status == workflow.StatusDraft {
			wf.Status = workflow.StatusReady
			wf.UpdatedAt = m.now().UTC()
			return tx.PutWorkflow(ctx, wf)
		}
		return nil
	})
	if err != nil {
		return workflow.Script{}, translate(err)
	}
	return s, nil
}

// ActivateScript is the single place a script version goes live. In one
// transaction it points the workflow at the script, denormalizes the
// script's config, clears maintenance, replaces the pending retry with the
// one carried in opts (empty means abandon it), and syncs the producer
// schedule rows with the new config.
//
// Schedule sync preserves cadence across activation: a producer whose
// schedule value is unchanged keeps its next fire time; new or changed
// schedules fire immediately (next_run_at = now); producers removed from
// the config lose their schedule rows.
func (m *Manager) ActivateScript(ctx context.Context, workflowID, scriptID string, opts ActivateOpts) error {
	now := m.now().UTC()
	err := m.store.Atomic(ctx, func(tx store.Tx) error {
		wf, err := tx.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		s, err := tx.GetScript(ctx, scriptID)
		if err != nil {
			return err
		}
		if s.WorkflowID != workflowID {
			return fmt.Errorf("%w: script %q belongs to workflow %q", ErrInvariantViolation, scriptID, s.WorkflowID)
		}
		cfg, err := workflow.ParseConfig(s.Config)
		if err != nil {
			return fmt.Errorf("%w: script %q: %v", ErrInvariantViolation, scriptID, err)
		}

		wf.ActiveScriptID = scriptID
		wf.HandlerConfig = s.Config
		wf.Status = workflow.StatusActive
		wf.Maintenance = false
		wf.PendingRetryRunID = opts.PendingRetryRunID
		wf.RetryBackoff = 0
		wf.NextAttemptAt = time.Time{}
		if opts.Manual {
			wf.MaintenanceFixCount = 0
		}

		if err := syncSchedules(ctx, tx, wf.ID, cfg, now); err != nil {
			return err
		}

		// Denormalize the earliest schedule for display.
		wf.Cron, wf.NextRunAt = displaySchedule(ctx, tx, wf.ID)
		wf.UpdatedAt = now
		return tx.PutWorkflow(ctx, wf)
	})
	if err != nil {
		return translate(err)
	}
	m.metrics.IncCounter(telemetry.MetricActivations, 1)
	m.logger.Info(ctx, "script activated", "workflow_id", workflowID, "script_id", scriptID, "manual", fmt.Sprint(opts.Manual))
	m.emit(ctx, stream.Event{Type: stream.TypeWorkflowStatus, WorkflowID: workflowID, Status: string(workflow.StatusActive), Detail: map[string]any{"script_id": scriptID}})
	return nil
}

// PauseWorkflow suspends scheduling. Running sessions finish their current
// handler; nothing new starts.
func (m *Manager) PauseWorkflow(ctx context.Context, workflowID string) error {
	return m.setWorkflowStatus(ctx, workflowID, workflow.StatusPaused)
}

// ResumeWorkflow reactivates a paused or errored workflow.
func (m *Manager) ResumeWorkflow(ctx context.Context, workflowID string) error {
	return m.setWorkflowStatus(ctx, workflowID, workflow.StatusActive)
}

func (m *Manager) setWorkflowStatus(ctx context.Context, workflowID string, status workflow.Status) error {
	err := m.store.Atomic(ctx, func(tx store.Tx) error {
		wf, err := tx.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if wf.Status == status {
			return nil
		}
		if status == workflow.StatusActive && wf.ActiveScriptID == "" {
			return fmt.Errorf("%w: workflow %q has no active script", ErrInvariantViolation, workflowID)
		}
		wf.Status = status
		wf.UpdatedAt = m.now().UTC()
		return tx.PutWorkflow(ctx, wf)
	})
	if err != nil {
		return translate(err)
	}
	m.emit(ctx, stream.Event{Type: stream.TypeWorkflowStatus, WorkflowID: workflowID, Status: string(status)})
	return nil
}

// syncSchedules reconciles producer schedule rows with the activated config.
func syncSchedules(ctx context.Context, tx store.Tx, workflowID string, cfg workflow.Config, now time.Time) error {
	existing, err := tx.ListProducerSchedules(ctx, workflowID)
	if err != nil {
		return err
	}
	byName := make(map[string]workflow.ProducerSchedule, len(existing))
	for _, s := range existing {
		byName[s.ProducerName] = s
	}

	for _, name := range cfg.ProducerNames() {
		typ, value, err := cfg.Producers[name].Schedule.Type()
		if err != nil {
			return fmt.Errorf("producer %q: %w", name, err)
		}
		if err := workflow.ValidateScheduleValue(typ, value); err != nil {
			return err
		}
		if cur, ok := byName[name]; ok && cur.ScheduleType == typ && cur.ScheduleValue == value {
			delete(byName, name)
			continue // unchanged: keep the current next fire time
		}
		delete(byName, name)
		if err := tx.PutProducerSchedule(ctx, workflow.ProducerSchedule{
			WorkflowID:    workflowID,
			ProducerName:  name,
			ScheduleType:  typ,
			ScheduleValue: value,
			NextRunAt:     now,
		}); err != nil {
			return err
		}
	}
	for name := range byName {
		if err := tx.DeleteProducerSchedule(ctx, workflowID, name); err != nil {
			return err
		}
	}
	return nil
}

// displaySchedule picks the earliest schedule for the workflow's
// informational cron and next-run fields.
func displaySchedule(ctx context.Context, tx store.Tx, workflowID string) (string, time.Time) {
	schedules, err := tx.ListProducerSchedules(ctx, workflowID)
	if err != nil || len(schedules) == 0 {
		return "", time.Time{}
	}
	best := schedules[0]
	for _, s := range schedules[1:] {
		if s.NextRunAt.Before(best.NextRunAt) {
			best = s
		}
	}
	return best.ScheduleValue, best.NextRunAt
}
