// Package emm implements the execution model manager: the single atomic
// gateway for every persistent state transition in the engine.
//
// Only the EMM writes workflow control fields, sessions, handler runs, and
// mutations. Each published operation is one store transaction spanning
// every entity it touches, so an observer (including crash recovery) can
// never see a partially applied transition. The handler state machine, the
// session orchestrator, and recovery all drive persistence exclusively
// through this surface.
package emm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/stream"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/telemetry"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

var (
	// ErrNotFound indicates a referenced entity does not exist.
	ErrNotFound = errors.New("emm: not found")
	// ErrInvariantViolation indicates the requested transition would break
	// an engine invariant.
	ErrInvariantViolation = errors.New("emm: invariant violation")
	// ErrConflictingRetry indicates a retry was requested while another
	// retry or active run owns the workflow slot.
	ErrConflictingRetry = errors.New("emm: conflicting retry")
	// ErrStoreUnavailable indicates the durable store cannot be reached.
	ErrStoreUnavailable = errors.New("emm: store unavailable")
)

type (
	// SchedulerHooks receives in-memory scheduler-state updates that mirror
	// committed transitions. All methods must be cheap and non-blocking.
	SchedulerHooks interface {
		// OnConsumerCommit clears or retains the consumer's dirty flag.
		// Dirty is cleared only when the committed run made no reservations.
		OnConsumerCommit(workflowID, consumer string, hadReservations bool)
		// OnProducerCommit clears the producer's queued flag.
		OnProducerCommit(workflowID, producer string)
		// SetWakeAt mirrors a persisted wake time into the scheduler cache.
		SetWakeAt(workflowID, consumer string, wakeAt time.Time)
	}

	// Manager is the execution model manager.
	Manager struct {
		store   store.Store
		sched   SchedulerHooks
		sink    stream.Sink
		logger  telemetry.Logger
		metrics telemetry.Metrics
		newID   func() string
		now     func() time.Time
	}

	// Options configures a Manager.
	Options struct {
		// Store is the durable store. Required.
		Store store.Store
		// Scheduler receives in-memory state updates. Optional.
		Scheduler SchedulerHooks
		// Sink receives lifecycle events, best effort. Optional.
		Sink    stream.Sink
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// Clock overrides time.Now for tests.
		Clock func() time.Time
	}

	nopHooks struct{}
)

func (nopHooks) OnConsumerCommit(string, string, bool)   {}
func (nopHooks) OnProducerCommit(string, string)         {}
func (nopHooks) SetWakeAt(string, string, time.Time)     {}

// New constructs a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = nopHooks{}
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:   opts.Store,
		sched:   sched,
		sink:    stream.OrNop(opts.Sink),
		logger:  telemetry.OrNop(opts.Logger),
		metrics: telemetry.MetricsOrNop(opts.Metrics),
		newID:   uuid.NewString,
		now:     now,
	}, nil
}

// translate maps store errors into the EMM failure taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	case errors.Is(err, store.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	default:
		return err
	}
}

// emit publishes a lifecycle event. Best effort: failures are logged only.
func (m *Manager) emit(ctx context.Context, ev stream.Event) {
	if ev.At.IsZero() {
		ev.At = m.now().UTC()
	}
	if err := m.sink.Send(ctx, ev); err != nil {
		m.logger.Warn(ctx, "lifecycle sink failed", "type", string(ev.Type), "workflow_id", ev.WorkflowID, "err", err.Error())
	}
}

// finalizeSessionTx closes the session if still open, aggregating cost from
// its handler runs. Idempotent: a finalized session is left untouched.
func (m *Manager) finalizeSessionTx(ctx context.Context, tx store.Tx, sessionID string, result workflow.SessionResult, errText string, kind workflow.ErrorKind) error {
	sr, err := tx.GetScriptRun(ctx, sessionID)
	if err != nil {
		return err
	}
	if sr.EndedAt != nil {
		return nil
	}
	runs, err := tx.ListSessionHandlerRuns(ctx, sessionID)
	if err != nil {
		return err
	}
	cost := 0.0
	for _, hr := range runs {
		cost += hr.Cost
	}
	ended := m.now().UTC()
	sr.EndedAt = &ended
	sr.Result = result
	sr.Error = errText
	sr.ErrorKind = kind
	sr.Cost = cost
	return tx.PutScriptRun(ctx, sr)
}

// sessionResultFor maps a terminal or paused run status to the stored
// session result.
func sessionResultFor(status workflow.RunStatus) workflow.SessionResult {
	switch {
	case status.Paused():
		return workflow.SessionSuspended
	case status == workflow.RunCommitted:
		return workflow.SessionCompleted
	default:
		return workflow.SessionFailed
	}
}
