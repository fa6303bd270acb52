package sched

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/store/inmem"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func stateConfig() workflow.Config {
	return workflow.Config{
		Topics: []string{"emails", "alerts"},
		Consumers: map[string]workflow.ConsumerConfig{
			"notify":  {Subscribe: []string{"emails"}},
			"monitor": {Subscribe: []string{"emails", "alerts"}},
		},
	}
}

func TestOnEventPublishMarksSubscribersDirty(t *testing.T) {
	s := NewState()
	s.Register("wf-1", stateConfig())

	s.OnEventPublish("wf-1", "alerts")
	require.ElementsMatch(t, []string{"monitor"}, s.DirtyConsumers("wf-1"))

	s.OnEventPublish("wf-1", "emails")
	require.ElementsMatch(t, []string{"notify", "monitor"}, s.DirtyConsumers("wf-1"))

	// unknown workflow or topic is a no-op
	s.OnEventPublish("wf-2", "emails")
	require.Empty(t, s.DirtyConsumers("wf-2"))
}

func TestOnConsumerCommitClearsOnlyEmptyRuns(t *testing.T) {
	s := NewState()
	s.Register("wf-1", stateConfig())
	s.OnEventPublish("wf-1", "emails")

	// a run that consumed events leaves the flag: more may remain
	s.OnConsumerCommit("wf-1", "notify", true)
	require.Contains(t, s.DirtyConsumers("wf-1"), "notify")

	// a run that found nothing clears it
	s.OnConsumerCommit("wf-1", "notify", false)
	require.NotContains(t, s.DirtyConsumers("wf-1"), "notify")
	require.Contains(t, s.DirtyConsumers("wf-1"), "monitor")
}

func TestProducerQueuedFlags(t *testing.T) {
	s := NewState()
	s.SetProducerQueued("wf-1", "poll")
	s.OnProducerCommit("wf-1", "poll")
	s.OnProducerCommit("wf-1", "never-queued") // no-op
}

func TestSetWakeAtAndDueWakes(t *testing.T) {
	s := NewState()
	s.SetWakeAt("wf-1", "notify", testBase.Add(time.Minute))
	s.SetWakeAt("wf-1", "monitor", testBase.Add(time.Hour))

	require.Empty(t, s.DueWakes("wf-1", testBase))
	require.Equal(t, []string{"notify"}, s.DueWakes("wf-1", testBase.Add(time.Minute)))
	require.ElementsMatch(t, []string{"notify", "monitor"}, s.DueWakes("wf-1", testBase.Add(2*time.Hour)))

	// zero clears
	s.SetWakeAt("wf-1", "notify", time.Time{})
	require.Empty(t, s.DueWakes("wf-1", testBase.Add(time.Minute)))
}

func TestHasEventWork(t *testing.T) {
	s := NewState()
	s.Register("wf-1", stateConfig())
	require.False(t, s.HasEventWork("wf-1", testBase))

	s.OnEventPublish("wf-1", "emails")
	require.True(t, s.HasEventWork("wf-1", testBase))

	s.ClearDirty("wf-1")
	require.False(t, s.HasEventWork("wf-1", testBase))

	s.SetWakeAt("wf-1", "notify", testBase.Add(time.Minute))
	require.False(t, s.HasEventWork("wf-1", testBase))
	require.True(t, s.HasEventWork("wf-1", testBase.Add(time.Minute)))
}

func TestForget(t *testing.T) {
	s := NewState()
	s.Register("wf-1", stateConfig())
	s.OnEventPublish("wf-1", "emails")
	s.SetWakeAt("wf-1", "notify", testBase)

	s.Forget("wf-1")
	require.Empty(t, s.DirtyConsumers("wf-1"))
	require.False(t, s.HasEventWork("wf-1", testBase.Add(time.Hour)))

	// subscriptions are gone too
	s.OnEventPublish("wf-1", "emails")
	require.Empty(t, s.DirtyConsumers("wf-1"))
}

func TestRebuild(t *testing.T) {
	st := inmem.New()
	ctx := context.Background()
	cfgJSON := []byte(`{
		"topics": ["emails"],
		"consumers": {"notify": {"subscribe": ["emails"]}}
	}`)
	require.NoError(t, st.Atomic(ctx, func(tx store.Tx) error {
		if err := tx.PutWorkflow(ctx, workflow.Workflow{
			ID: "wf-1", ActiveScriptID: "s1", HandlerConfig: cfgJSON,
			Status: workflow.StatusActive,
		}); err != nil {
			return err
		}
		// a workflow without an activation is skipped
		if err := tx.PutWorkflow(ctx, workflow.Workflow{ID: "wf-draft", Status: workflow.StatusDraft}); err != nil {
			return err
		}
		if _, err := tx.InsertEvent(ctx, workflow.Event{
			ID: "ev-1", WorkflowID: "wf-1", Topic: "emails", MessageID: "m1",
		}); err != nil {
			return err
		}
		return tx.PutHandlerState(ctx, workflow.HandlerState{
			WorkflowID: "wf-1", HandlerName: "notify", WakeAt: testBase.Add(time.Minute),
		})
	}))

	s := NewState()
	require.NoError(t, s.Rebuild(ctx, st))

	require.Equal(t, []string{"notify"}, s.DirtyConsumers("wf-1"), "pending events mark subscribers dirty")
	require.Equal(t, []string{"notify"}, s.DueWakes("wf-1", testBase.Add(time.Minute)), "persisted wakes restored")
	// queued flags are not rebuilt; nothing else to assert for wf-draft
	require.Empty(t, s.DirtyConsumers("wf-draft"))
}
