package emm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

func TestRecoverCrashedRunBeforeBoundary(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	e.seedEvents(t, wf.ID, "emails", "m1", "m2")
	_, hr := e.startConsumerRun(t, wf, workflow.PhasePrepared, []string{"m1", "m2"})

	require.NoError(t, e.emm.RecoverCrashedRuns(ctx))

	got := e.getRun(t, hr.ID)
	require.Equal(t, workflow.RunCrashed, got.Status)
	require.Equal(t, "process terminated while run was active", got.Error)
	require.NotNil(t, got.EndedAt)
	require.Equal(t, 2, e.pendingCount(t, wf.ID, "emails"), "pre-boundary reservations released")
	require.Empty(t, e.getWorkflow(t, wf.ID).PendingRetryRunID)
}

func TestRecoverCrashedRunPastBoundary(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	e.seedEvents(t, wf.ID, "emails", "m1")
	_, hr := e.startConsumerRun(t, wf, workflow.PhaseEmitting, []string{"m1"})

	require.NoError(t, e.emm.RecoverCrashedRuns(ctx))

	require.Equal(t, workflow.RunCrashed, e.getRun(t, hr.ID).Status)
	require.Len(t, e.reservedBy(t, hr.ID), 1, "post-boundary reservations retained")
	require.Equal(t, hr.ID, e.getWorkflow(t, wf.ID).PendingRetryRunID)
}

func TestRecoverCrashedRunWithInFlightMutation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	e.seedEvents(t, wf.ID, "emails", "m1")
	_, hr := e.startConsumerRun(t, wf, workflow.PhaseMutating, []string{"m1"})
	mut, err := e.emm.BeginMutation(ctx, hr.ID, BeginMutationOpts{ToolNamespace: "gmail", ToolMethod: "send"})
	require.NoError(t, err)

	require.NoError(t, e.emm.RecoverCrashedRuns(ctx))

	gotMut := e.getMutation(t, mut.ID)
	require.Equal(t, workflow.MutationIndeterminate, gotMut.Status)
	require.Equal(t, "process terminated while mutation was in flight", gotMut.Error)

	got := e.getRun(t, hr.ID)
	require.Equal(t, workflow.RunPausedReconciliation, got.Status, "uncertain outcome awaits resolution, not a crash mark")
	require.Len(t, e.reservedBy(t, hr.ID), 1, "uncertain mutation pins reservations")

	cur := e.getWorkflow(t, wf.ID)
	require.Equal(t, workflow.StatusPaused, cur.Status)
	require.Equal(t, hr.ID, cur.PendingRetryRunID)

	// the retry is not serviceable until the mutation is resolved
	_, _, err = e.emm.CreateRetryRun(ctx, hr.ID)
	require.ErrorIs(t, err, ErrConflictingRetry)

	require.NoError(t, e.emm.ResolveMutation(ctx, mut.ID, workflow.OutcomeHappened, "user:alice"))
	retry, _, err := e.emm.CreateRetryRun(ctx, hr.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.PhaseEmitting, retry.Phase)
}

func TestRecoverCrashedRunIdempotent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	_, hr := e.startConsumerRun(t, wf, workflow.PhasePreparing, nil)

	require.NoError(t, e.emm.RecoverCrashedRuns(ctx))
	first := e.getRun(t, hr.ID)
	require.NoError(t, e.emm.RecoverCrashedRuns(ctx))
	require.Equal(t, first, e.getRun(t, hr.ID))
}

func TestRecoverUnfinishedSessions(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	sr, _ := e.startConsumerRun(t, wf, workflow.PhasePreparing, nil)

	require.NoError(t, e.emm.RecoverCrashedRuns(ctx))
	require.NoError(t, e.emm.RecoverUnfinishedSessions(ctx))

	got := e.getSession(t, sr.ID)
	require.NotNil(t, got.EndedAt)
	require.Equal(t, workflow.SessionFailed, got.Result)
	require.Equal(t, workflow.ErrorInternal, got.ErrorKind)
}

func TestReleaseOrphanedReservations(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	clearPendingRetry := func(workflowID string) {
		require.NoError(t, e.store.Atomic(ctx, func(tx store.Tx) error {
			cur, err := tx.GetWorkflow(ctx, workflowID)
			if err != nil {
				return err
			}
			cur.PendingRetryRunID = ""
			return tx.PutWorkflow(ctx, cur)
		}))
	}

	// orphan: events reserved by a run that no longer exists
	wfGhost := e.seedWorkflow(t, "wf-ghost")
	e.seedEvents(t, wfGhost.ID, "emails", "m1")
	require.NoError(t, e.store.Atomic(ctx, func(tx store.Tx) error {
		return tx.ReserveEvents(ctx, wfGhost.ID, "emails", []string{"m1"}, "run-ghost")
	}))

	// retained: paused run the workflow's pending retry points at
	wfRetry := e.seedWorkflow(t, "wf-retry")
	e.seedEvents(t, wfRetry.ID, "emails", "m1")
	_, hrRetry := e.startConsumerRun(t, wfRetry, workflow.PhaseEmitting, []string{"m1"})
	e.pauseRun(t, hrRetry.ID)
	require.Equal(t, hrRetry.ID, e.getWorkflow(t, wfRetry.ID).PendingRetryRunID)

	// retained: run whose mutation awaits reconcile, even with no pending
	// retry pointer
	wfRec := e.seedWorkflow(t, "wf-reconcile")
	e.seedEvents(t, wfRec.ID, "emails", "m1")
	_, hrRec := e.startConsumerRun(t, wfRec, workflow.PhaseMutating, []string{"m1"})
	mutRec, err := e.emm.BeginMutation(ctx, hrRec.ID, BeginMutationOpts{ToolNamespace: "gmail", ToolMethod: "send"})
	require.NoError(t, err)
	require.NoError(t, e.emm.UpdateMutationStatus(ctx, mutRec.ID, workflow.MutationNeedsReconcile, MutationStatusOpts{Error: "timeout"}))
	require.NoError(t, e.emm.UpdateHandlerRunStatus(ctx, hrRec.ID, workflow.RunPausedReconciliation, StatusOpts{
		Error: "mutation outcome unknown", Kind: workflow.ErrorNetwork,
	}))
	clearPendingRetry(wfRec.ID)

	// retained: applied mutation pins reservations on its own
	wfApplied := e.seedWorkflow(t, "wf-applied")
	e.seedEvents(t, wfApplied.ID, "emails", "m1")
	_, hrApplied := e.startConsumerRun(t, wfApplied, workflow.PhaseMutating, []string{"m1"})
	mutApplied, err := e.emm.BeginMutation(ctx, hrApplied.ID, BeginMutationOpts{ToolNamespace: "gmail", ToolMethod: "send"})
	require.NoError(t, err)
	require.NoError(t, e.emm.ApplyMutation(ctx, mutApplied.ID, nil))
	e.pauseRun(t, hrApplied.ID)
	clearPendingRetry(wfApplied.ID)

	// retained: skip-resolved mutation pins reservations until the retry
	// marks them skipped
	wfSkip := e.seedWorkflow(t, "wf-skip")
	e.seedEvents(t, wfSkip.ID, "emails", "m1")
	_, hrSkip := e.startConsumerRun(t, wfSkip, workflow.PhaseMutating, []string{"m1"})
	mutSkip, err := e.emm.BeginMutation(ctx, hrSkip.ID, BeginMutationOpts{ToolNamespace: "gmail", ToolMethod: "send"})
	require.NoError(t, err)
	require.NoError(t, e.emm.UpdateMutationStatus(ctx, mutSkip.ID, workflow.MutationIndeterminate, MutationStatusOpts{Error: "no check"}))
	require.NoError(t, e.emm.UpdateHandlerRunStatus(ctx, hrSkip.ID, workflow.RunPausedReconciliation, StatusOpts{
		Error: "mutation outcome unknown", Kind: workflow.ErrorNetwork,
	}))
	require.NoError(t, e.emm.ResolveMutation(ctx, mutSkip.ID, workflow.OutcomeSkip, "user:alice"))
	clearPendingRetry(wfSkip.ID)

	require.NoError(t, e.emm.ReleaseOrphanedReservations(ctx))

	require.Equal(t, 1, e.pendingCount(t, wfGhost.ID, "emails"), "only the ghost reservation released")
	require.Len(t, e.reservedBy(t, hrRetry.ID), 1)
	require.Len(t, e.reservedBy(t, hrRec.ID), 1)
	require.Len(t, e.reservedBy(t, hrApplied.ID), 1)
	require.Len(t, e.reservedBy(t, hrSkip.ID), 1)
}

func TestRecoverMaintenanceModeEscalates(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	wf2 := e.seedWorkflow(t, "wf-2")
	require.NoError(t, e.store.Atomic(ctx, func(tx store.Tx) error {
		a, err := tx.GetWorkflow(ctx, wf.ID)
		if err != nil {
			return err
		}
		a.Maintenance = true
		a.MaintenanceFixCount = maxFixAttempts
		if err := tx.PutWorkflow(ctx, a); err != nil {
			return err
		}
		b, err := tx.GetWorkflow(ctx, wf2.ID)
		if err != nil {
			return err
		}
		b.Maintenance = true
		b.MaintenanceFixCount = 1
		return tx.PutWorkflow(ctx, b)
	}))

	require.NoError(t, e.emm.RecoverMaintenanceMode(ctx))

	exhausted := e.getWorkflow(t, wf.ID)
	require.False(t, exhausted.Maintenance)
	require.Equal(t, workflow.StatusError, exhausted.Status)

	fixing := e.getWorkflow(t, wf2.ID)
	require.True(t, fixing.Maintenance, "attempts remain, fix loop continues")
	require.Equal(t, workflow.StatusActive, fixing.Status)
}

func TestRecoverAllSequence(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	e.seedEvents(t, wf.ID, "emails", "m1")
	sr, hr := e.startConsumerRun(t, wf, workflow.PhaseEmitting, []string{"m1"})

	require.NoError(t, e.emm.RecoverAll(ctx))

	require.Equal(t, workflow.RunCrashed, e.getRun(t, hr.ID).Status)
	require.NotNil(t, e.getSession(t, sr.ID).EndedAt)
	require.Len(t, e.reservedBy(t, hr.ID), 1, "retained for the pending retry across the orphan sweep")
	require.Equal(t, hr.ID, e.getWorkflow(t, wf.ID).PendingRetryRunID)
}
