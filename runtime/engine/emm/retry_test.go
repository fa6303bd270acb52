package emm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

// pauseRun moves an active run into paused:transient so a retry can start.
func (e *testEnv) pauseRun(t *testing.T, runID string) {
	t.Helper()
	require.NoError(t, e.emm.UpdateHandlerRunStatus(context.Background(), runID, workflow.RunPausedTransient, StatusOpts{
		Error: "network blip", Kind: workflow.ErrorNetwork,
	}))
}

func TestCreateRetryRunResumesAtEmitting(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	e.seedEvents(t, wf.ID, "emails", "m1", "m2")
	sr, hr := e.startConsumerRun(t, wf, workflow.PhaseEmitting, []string{"m1", "m2"})
	e.pauseRun(t, hr.ID)

	retry, session, err := e.emm.CreateRetryRun(ctx, hr.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.TriggerRetry, session.Trigger)
	require.Equal(t, sr.ID, session.RetryOf)
	require.Equal(t, workflow.PhaseEmitting, retry.Phase)
	require.Equal(t, workflow.RunActive, retry.Status)
	require.Equal(t, hr.ID, retry.RetryOf)
	require.Equal(t, json.RawMessage(`{"batch":1}`), retry.PrepareResult)

	require.Len(t, e.reservedBy(t, retry.ID), 2, "reservations moved to the retry run")
	require.Empty(t, e.reservedBy(t, hr.ID))
	require.Empty(t, e.getWorkflow(t, wf.ID).PendingRetryRunID)
}

func TestCreateRetryRunAfterAppliedMutation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	e.seedEvents(t, wf.ID, "emails", "m1")
	_, hr := e.startConsumerRun(t, wf, workflow.PhaseMutating, []string{"m1"})
	mut, err := e.emm.BeginMutation(ctx, hr.ID, BeginMutationOpts{ToolNamespace: "gmail", ToolMethod: "send"})
	require.NoError(t, err)
	require.NoError(t, e.emm.UpdateMutationStatus(ctx, mut.ID, workflow.MutationIndeterminate, MutationStatusOpts{}))
	require.NoError(t, e.emm.UpdateHandlerRunStatus(ctx, hr.ID, workflow.RunPausedReconciliation, StatusOpts{
		Error: "mutation outcome unknown", Kind: workflow.ErrorNetwork,
	}))
	require.NoError(t, e.emm.ResolveMutation(ctx, mut.ID, workflow.OutcomeHappened, "user:alice"))

	// phase is still mutating, but the applied mutation makes it resumable
	retry, _, err := e.emm.CreateRetryRun(ctx, hr.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.PhaseEmitting, retry.Phase)
	require.Len(t, e.reservedBy(t, retry.ID), 1)
}

func TestCreateRetryRunAfterSkip(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	e.seedEvents(t, wf.ID, "emails", "m1")
	_, hr := e.startConsumerRun(t, wf, workflow.PhaseMutating, []string{"m1"})
	mut, err := e.emm.BeginMutation(ctx, hr.ID, BeginMutationOpts{ToolNamespace: "gmail", ToolMethod: "send"})
	require.NoError(t, err)
	require.NoError(t, e.emm.UpdateMutationStatus(ctx, mut.ID, workflow.MutationIndeterminate, MutationStatusOpts{}))
	require.NoError(t, e.emm.UpdateHandlerRunStatus(ctx, hr.ID, workflow.RunPausedReconciliation, StatusOpts{
		Error: "mutation outcome unknown", Kind: workflow.ErrorNetwork,
	}))
	require.NoError(t, e.emm.ResolveMutation(ctx, mut.ID, workflow.OutcomeSkip, "user:alice"))

	retry, _, err := e.emm.CreateRetryRun(ctx, hr.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.PhaseEmitting, retry.Phase)
}

func TestCreateRetryRunRejectsPreBoundaryPhase(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	_, hr := e.startConsumerRun(t, wf, workflow.PhasePrepared, nil)
	e.pauseRun(t, hr.ID)

	_, _, err := e.emm.CreateRetryRun(ctx, hr.ID)
	require.ErrorIs(t, err, ErrInvariantViolation, "pre-boundary work re-prepares in a fresh session")
}

func TestCreateRetryRunRejectsActiveRun(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	_, hr := e.startConsumerRun(t, wf, workflow.PhaseEmitting, nil)

	_, _, err := e.emm.CreateRetryRun(ctx, hr.ID)
	require.ErrorIs(t, err, ErrConflictingRetry)
}

func TestCreateRetryRunRejectsWhenAnotherRunActive(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	_, hr := e.startConsumerRun(t, wf, workflow.PhaseEmitting, nil)
	e.pauseRun(t, hr.ID)
	_, other := e.startConsumerRun(t, wf, workflow.PhasePreparing, nil)

	_, _, err := e.emm.CreateRetryRun(ctx, hr.ID)
	require.ErrorIs(t, err, ErrConflictingRetry)

	// once the competitor finishes the retry goes through
	e.pauseRun(t, other.ID)
	_, _, err = e.emm.CreateRetryRun(ctx, hr.ID)
	require.NoError(t, err)
}

func TestCreateRetryRunRejectsMismatchedPendingRetry(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	e.seedEvents(t, wf.ID, "emails", "m1")
	_, hr := e.startConsumerRun(t, wf, workflow.PhaseMutating, []string{"m1"})
	mut, err := e.emm.BeginMutation(ctx, hr.ID, BeginMutationOpts{ToolNamespace: "gmail", ToolMethod: "send"})
	require.NoError(t, err)
	require.NoError(t, e.emm.UpdateMutationStatus(ctx, mut.ID, workflow.MutationIndeterminate, MutationStatusOpts{}))
	require.NoError(t, e.emm.UpdateHandlerRunStatus(ctx, hr.ID, workflow.RunPausedReconciliation, StatusOpts{
		Error: "mutation outcome unknown", Kind: workflow.ErrorNetwork,
	}))
	require.NoError(t, e.emm.ResolveMutation(ctx, mut.ID, workflow.OutcomeHappened, "user:alice"))

	// a later post-mutation pause moves the pending retry to the newer run,
	// so retrying hr now conflicts
	_, newer := e.startConsumerRun(t, wf, workflow.PhaseEmitting, nil)
	e.pauseRun(t, newer.ID)
	require.Equal(t, newer.ID, e.getWorkflow(t, wf.ID).PendingRetryRunID)

	_, _, err = e.emm.CreateRetryRun(ctx, hr.ID)
	require.ErrorIs(t, err, ErrConflictingRetry)
}

func TestCreateRetryRunRejectsUnreconciledMutation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, "wf-1")
	e.seedEvents(t, wf.ID, "emails", "m1")
	_, hr := e.startConsumerRun(t, wf, workflow.PhaseMutating, []string{"m1"})
	mut, err := e.emm.BeginMutation(ctx, hr.ID, BeginMutationOpts{ToolNamespace: "gmail", ToolMethod: "send"})
	require.NoError(t, err)
	require.NoError(t, e.emm.UpdateMutationStatus(ctx, mut.ID, workflow.MutationNeedsReconcile, MutationStatusOpts{Error: "timeout"}))
	require.NoError(t, e.emm.UpdateHandlerRunStatus(ctx, hr.ID, workflow.RunPausedReconciliation, StatusOpts{
		Error: "mutation outcome unknown", Kind: workflow.ErrorNetwork,
	}))

	_, _, err = e.emm.CreateRetryRun(ctx, hr.ID)
	require.ErrorIs(t, err, ErrConflictingRetry, "needs_reconcile blocks the retry")

	require.NoError(t, e.emm.UpdateMutationStatus(ctx, mut.ID, workflow.MutationIndeterminate, MutationStatusOpts{Error: "no check"}))
	_, _, err = e.emm.CreateRetryRun(ctx, hr.ID)
	require.ErrorIs(t, err, ErrConflictingRetry, "indeterminate blocks the retry until resolved")
}
