package mongo

import (
	"time"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

// Collection names.
const (
	colWorkflows     = "workflows"
	colScripts       = "scripts"
	colScriptRuns    = "script_runs"
	colHandlerRuns   = "handler_runs"
	colMutations     = "mutations"
	colEvents        = "events"
	colInputs        = "inputs"
	colSchedules     = "producer_schedules"
	colHandlerStates = "handler_states"
)

type (
	workflowDoc struct {
		ID                  string    `bson:"_id"`
		TaskID              string    `bson:"task_id,omitempty"`
		ActiveScriptID      string    `bson:"active_script_id,omitempty"`
		HandlerConfig       []byte    `bson:"handler_config,omitempty"`
		Status              string    `bson:"status"`
		Maintenance         bool      `bson:"maintenance,omitempty"`
		MaintenanceFixCount int       `bson:"maintenance_fix_count,omitempty"`
		PendingRetryRunID   string    `bson:"pending_retry_run_id,omitempty"`
		Cron                string    `bson:"cron,omitempty"`
		NextRunAt           time.Time `bson:"next_run_timestamp,omitempty"`
		RetryBackoffMS      int64     `bson:"retry_backoff_ms,omitempty"`
		NextAttemptAt       time.Time `bson:"next_attempt_at,omitempty"`
		CreatedAt           time.Time `bson:"created_at"`
		UpdatedAt           time.Time `bson:"updated_at"`
	}

	scriptDoc struct {
		ID            string    `bson:"_id"`
		WorkflowID    string    `bson:"workflow_id"`
		TaskID        string    `bson:"task_id,omitempty"`
		Code          string    `bson:"code"`
		Config        []byte    `bson:"config,omitempty"`
		MajorVersion  int       `bson:"major_version"`
		MinorVersion  int       `bson:"minor_version"`
		Summary       string    `bson:"summary,omitempty"`
		Diagram       string    `bson:"diagram,omitempty"`
		ChangeComment string    `bson:"change_comment,omitempty"`
		Type          string    `bson:"type"`
		CreatedAt     time.Time `bson:"created_at"`
	}

	scriptRunDoc struct {
		ID           string     `bson:"_id"`
		ScriptID     string     `bson:"script_id"`
		WorkflowID   string     `bson:"workflow_id"`
		Trigger      string     `bson:"trigger"`
		HandlerCount int        `bson:"handler_count,omitempty"`
		StartedAt    time.Time  `bson:"started_at"`
		EndedAt      *time.Time `bson:"ended_at,omitempty"`
		Result       string     `bson:"result,omitempty"`
		Error        string     `bson:"error,omitempty"`
		ErrorKind    string     `bson:"error_kind,omitempty"`
		Cost         float64    `bson:"cost,omitempty"`
		RetryOf      string     `bson:"retry_of,omitempty"`
	}

	handlerRunDoc struct {
		ID            string     `bson:"_id"`
		ScriptRunID   string     `bson:"script_run_id"`
		WorkflowID    string     `bson:"workflow_id"`
		HandlerType   string     `bson:"handler_type"`
		HandlerName   string     `bson:"handler_name"`
		Phase         string     `bson:"phase"`
		Status        string     `bson:"status"`
		RetryOf       string     `bson:"retry_of,omitempty"`
		PrepareResult []byte     `bson:"prepare_result,omitempty"`
		InputState    []byte     `bson:"input_state,omitempty"`
		OutputState   []byte     `bson:"output_state,omitempty"`
		Error         string     `bson:"error,omitempty"`
		ErrorKind     string     `bson:"error_kind,omitempty"`
		Cost          float64    `bson:"cost,omitempty"`
		StartedAt     time.Time  `bson:"started_at"`
		EndedAt       *time.Time `bson:"ended_at,omitempty"`
		Logs          []string   `bson:"logs,omitempty"`
	}

	mutationDoc struct {
		ID             string     `bson:"_id"`
		HandlerRunID   string     `bson:"handler_run_id"`
		WorkflowID     string     `bson:"workflow_id"`
		ToolNamespace  string     `bson:"tool_namespace"`
		ToolMethod     string     `bson:"tool_method"`
		Params         []byte     `bson:"params,omitempty"`
		IdempotencyKey string     `bson:"idempotency_key,omitempty"`
		Status         string     `bson:"status"`
		Result         []byte     `bson:"result,omitempty"`
		Error          string     `bson:"error,omitempty"`
		ResolvedBy     string     `bson:"resolved_by,omitempty"`
		ResolvedAt     *time.Time `bson:"resolved_at,omitempty"`
		Outcome        string     `bson:"outcome,omitempty"`
		CreatedAt      time.Time  `bson:"created_at"`
	}

	eventDoc struct {
		ID         string    `bson:"_id"`
		WorkflowID string    `bson:"workflow_id"`
		Topic      string    `bson:"topic"`
		MessageID  string    `bson:"message_id"`
		Title      string    `bson:"title,omitempty"`
		Payload    []byte    `bson:"payload,omitempty"`
		Status     string    `bson:"status"`
		ReservedBy string    `bson:"reserved_by,omitempty"`
		CausedBy   []string  `bson:"caused_by,omitempty"`
		Seq        int64     `bson:"seq"`
		CreatedAt  time.Time `bson:"created_at"`
	}

	inputDoc struct {
		ID           string    `bson:"_id"`
		WorkflowID   string    `bson:"workflow_id"`
		Source       string    `bson:"source"`
		Type         string    `bson:"type,omitempty"`
		ExternalID   string    `bson:"external_id"`
		Title        string    `bson:"title,omitempty"`
		HandlerRunID string    `bson:"handler_run_id,omitempty"`
		CreatedAt    time.Time `bson:"created_at"`
	}

	scheduleDoc struct {
		ID            string    `bson:"_id"` // workflowID + "/" + producer
		WorkflowID    string    `bson:"workflow_id"`
		ProducerName  string    `bson:"producer_name"`
		ScheduleType  string    `bson:"schedule_type"`
		ScheduleValue string    `bson:"schedule_value"`
		NextRunAt     time.Time `bson:"next_run_at"`
	}

	handlerStateDoc struct {
		ID          string    `bson:"_id"` // workflowID + "/" + handler
		WorkflowID  string    `bson:"workflow_id"`
		HandlerName string    `bson:"handler_name"`
		State       []byte    `bson:"state,omitempty"`
		WakeAt      time.Time `bson:"wake_at,omitempty"`
		UpdatedAt   time.Time `bson:"updated_at"`
	}
)

func toWorkflowDoc(wf workflow.Workflow) workflowDoc {
	return workflowDoc{
		ID:                  wf.ID,
		TaskID:              wf.TaskID,
		ActiveScriptID:      wf.ActiveScriptID,
		HandlerConfig:       wf.HandlerConfig,
		Status:              string(wf.Status),
		Maintenance:         wf.Maintenance,
		MaintenanceFixCount: wf.MaintenanceFixCount,
		PendingRetryRunID:   wf.PendingRetryRunID,
		Cron:                wf.Cron,
		NextRunAt:           wf.NextRunAt,
		RetryBackoffMS:      wf.RetryBackoff.Milliseconds(),
		NextAttemptAt:       wf.NextAttemptAt,
		CreatedAt:           wf.CreatedAt,
		UpdatedAt:           wf.UpdatedAt,
	}
}

func (d workflowDoc) domain() workflow.Workflow {
	return workflow.Workflow{
		ID:                  d.ID,
		TaskID:              d.TaskID,
		ActiveScriptID:      d.ActiveScriptID,
		HandlerConfig:       d.HandlerConfig,
		Status:              workflow.Status(d.Status),
		Maintenance:         d.Maintenance,
		MaintenanceFixCount: d.MaintenanceFixCount,
		PendingRetryRunID:   d.PendingRetryRunID,
		Cron:                d.Cron,
		NextRunAt:           d.NextRunAt,
		RetryBackoff:        time.Duration(d.RetryBackoffMS) * time.Millisecond,
		NextAttemptAt:       d.NextAttemptAt,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
	}
}

func toScriptDoc(s workflow.Script) scriptDoc {
	return scriptDoc{
		ID:            s.ID,
		WorkflowID:    s.WorkflowID,
		TaskID:        s.TaskID,
		Code:          s.Code,
		Config:        s.Config,
		MajorVersion:  s.MajorVersion,
		MinorVersion:  s.MinorVersion,
		Summary:       s.Summary,
		Diagram:       s.Diagram,
		ChangeComment: s.ChangeComment,
		Type:          string(s.Type),
		CreatedAt:     s.CreatedAt,
	}
}

func (d scriptDoc) domain() workflow.Script {
	return workflow.Script{
		ID:            d.ID,
		WorkflowID:    d.WorkflowID,
		TaskID:        d.TaskID,
		Code:          d.Code,
		Config:        d.Config,
		MajorVersion:  d.MajorVersion,
		MinorVersion:  d.MinorVersion,
		Summary:       d.Summary,
		Diagram:       d.Diagram,
		ChangeComment: d.ChangeComment,
		Type:          workflow.ScriptType(d.Type),
		CreatedAt:     d.CreatedAt,
	}
}

func toScriptRunDoc(sr workflow.ScriptRun) scriptRunDoc {
	return scriptRunDoc{
		ID:           sr.ID,
		ScriptID:     sr.ScriptID,
		WorkflowID:   sr.WorkflowID,
		Trigger:      string(sr.Trigger),
		HandlerCount: sr.HandlerCount,
		StartedAt:    sr.StartedAt,
		EndedAt:      sr.EndedAt,
		Result:       string(sr.Result),
		Error:        sr.Error,
		ErrorKind:    string(sr.ErrorKind),
		Cost:         sr.Cost,
		RetryOf:      sr.RetryOf,
	}
}

func (d scriptRunDoc) domain() workflow.ScriptRun {
	return workflow.ScriptRun{
		ID:           d.ID,
		ScriptID:     d.ScriptID,
		WorkflowID:   d.WorkflowID,
		Trigger:      workflow.Trigger(d.Trigger),
		HandlerCount: d.HandlerCount,
		StartedAt:    d.StartedAt,
		EndedAt:      d.EndedAt,
		Result:       workflow.SessionResult(d.Result),
		Error:        d.Error,
		ErrorKind:    workflow.ErrorKind(d.ErrorKind),
		Cost:         d.Cost,
		RetryOf:      d.RetryOf,
	}
}

func toHandlerRunDoc(hr workflow.HandlerRun) handlerRunDoc {
	return handlerRunDoc{
		ID:            hr.ID,
		ScriptRunID:   hr.ScriptRunID,
		WorkflowID:    hr.WorkflowID,
		HandlerType:   string(hr.HandlerType),
		HandlerName:   hr.HandlerName,
		Phase:         string(hr.Phase),
		Status:        string(hr.Status),
		RetryOf:       hr.RetryOf,
		PrepareResult: hr.PrepareResult,
		InputState:    hr.InputState,
		OutputState:   hr.OutputState,
		Error:         hr.Error,
		ErrorKind:     string(hr.ErrorKind),
		Cost:          hr.Cost,
		StartedAt:     hr.StartedAt,
		EndedAt:       hr.EndedAt,
		Logs:          hr.Logs,
	}
}

func (d handlerRunDoc) domain() workflow.HandlerRun {
	return workflow.HandlerRun{
		ID:            d.ID,
		ScriptRunID:   d.ScriptRunID,
		WorkflowID:    d.WorkflowID,
		HandlerType:   workflow.HandlerType(d.HandlerType),
		HandlerName:   d.HandlerName,
		Phase:         workflow.Phase(d.Phase),
		Status:        workflow.RunStatus(d.Status),
		RetryOf:       d.RetryOf,
		PrepareResult: d.PrepareResult,
		InputState:    d.InputState,
		OutputState:   d.OutputState,
		Error:         d.Error,
		ErrorKind:     workflow.ErrorKind(d.ErrorKind),
		Cost:          d.Cost,
		StartedAt:     d.StartedAt,
		EndedAt:       d.EndedAt,
		Logs:          d.Logs,
	}
}

func toMutationDoc(m workflow.Mutation) mutationDoc {
	return mutationDoc{
		ID:             m.ID,
		HandlerRunID:   m.HandlerRunID,
		WorkflowID:     m.WorkflowID,
		ToolNamespace:  m.ToolNamespace,
		ToolMethod:     m.ToolMethod,
		Params:         m.Params,
		IdempotencyKey: m.IdempotencyKey,
		Status:         string(m.Status),
		Result:         m.Result,
		Error:          m.Error,
		ResolvedBy:     m.ResolvedBy,
		ResolvedAt:     m.ResolvedAt,
		Outcome:        string(m.Outcome),
		CreatedAt:      m.CreatedAt,
	}
}

func (d mutationDoc) domain() workflow.Mutation {
	return workflow.Mutation{
		ID:             d.ID,
		HandlerRunID:   d.HandlerRunID,
		WorkflowID:     d.WorkflowID,
		ToolNamespace:  d.ToolNamespace,
		ToolMethod:     d.ToolMethod,
		Params:         d.Params,
		IdempotencyKey: d.IdempotencyKey,
		Status:         workflow.MutationStatus(d.Status),
		Result:         d.Result,
		Error:          d.Error,
		ResolvedBy:     d.ResolvedBy,
		ResolvedAt:     d.ResolvedAt,
		Outcome:        workflow.MutationOutcome(d.Outcome),
		CreatedAt:      d.CreatedAt,
	}
}

func toEventDoc(ev workflow.Event, seq int64) eventDoc {
	return eventDoc{
		ID:         ev.ID,
		WorkflowID: ev.WorkflowID,
		Topic:      ev.Topic,
		MessageID:  ev.MessageID,
		Title:      ev.Title,
		Payload:    ev.Payload,
		Status:     string(ev.Status),
		ReservedBy: ev.ReservedBy,
		CausedBy:   ev.CausedBy,
		Seq:        seq,
		CreatedAt:  ev.CreatedAt,
	}
}

func (d eventDoc) domain() workflow.Event {
	return workflow.Event{
		ID:         d.ID,
		WorkflowID: d.WorkflowID,
		Topic:      d.Topic,
		MessageID:  d.MessageID,
		Title:      d.Title,
		Payload:    d.Payload,
		Status:     workflow.EventStatus(d.Status),
		ReservedBy: d.ReservedBy,
		CausedBy:   d.CausedBy,
		CreatedAt:  d.CreatedAt,
	}
}

func toInputDoc(rec workflow.InputRecord) inputDoc {
	return inputDoc{
		ID:           rec.ID,
		WorkflowID:   rec.WorkflowID,
		Source:       rec.Source,
		Type:         rec.Type,
		ExternalID:   rec.ExternalID,
		Title:        rec.Title,
		HandlerRunID: rec.HandlerRunID,
		CreatedAt:    rec.CreatedAt,
	}
}

func (d inputDoc) domain() workflow.InputRecord {
	return workflow.InputRecord{
		ID:           d.ID,
		WorkflowID:   d.WorkflowID,
		Source:       d.Source,
		Type:         d.Type,
		ExternalID:   d.ExternalID,
		Title:        d.Title,
		HandlerRunID: d.HandlerRunID,
		CreatedAt:    d.CreatedAt,
	}
}

func toScheduleDoc(s workflow.ProducerSchedule) scheduleDoc {
	return scheduleDoc{
		ID:            s.WorkflowID + "/" + s.ProducerName,
		WorkflowID:    s.WorkflowID,
		ProducerName:  s.ProducerName,
		ScheduleType:  string(s.ScheduleType),
		ScheduleValue: s.ScheduleValue,
		NextRunAt:     s.NextRunAt,
	}
}

func (d scheduleDoc) domain() workflow.ProducerSchedule {
	return workflow.ProducerSchedule{
		WorkflowID:    d.WorkflowID,
		ProducerName:  d.ProducerName,
		ScheduleType:  workflow.ScheduleType(d.ScheduleType),
		ScheduleValue: d.ScheduleValue,
		NextRunAt:     d.NextRunAt,
	}
}

func toHandlerStateDoc(hs workflow.HandlerState) handlerStateDoc {
	return handlerStateDoc{
		ID:          hs.WorkflowID + "/" + hs.HandlerName,
		WorkflowID:  hs.WorkflowID,
		HandlerName: hs.HandlerName,
		State:       hs.State,
		WakeAt:      hs.WakeAt,
		UpdatedAt:   hs.UpdatedAt,
	}
}

func (d handlerStateDoc) domain() workflow.HandlerState {
	return workflow.HandlerState{
		WorkflowID:  d.WorkflowID,
		HandlerName: d.HandlerName,
		State:       d.State,
		WakeAt:      d.WakeAt,
		UpdatedAt:   d.UpdatedAt,
	}
}
