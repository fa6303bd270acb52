package sched

import (
	"context"
	"sync"
	"time"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

// State is the scheduler's in-memory work cache: dirty consumers, queued
// producers, and cached wake times per workflow. It is a hint layer over
// the store, rebuilt on startup; losing it costs extra store reads, never
// correctness.
//
// State implements the execution model manager's scheduler hooks and the
// ledger's publish notifier, so committed transitions mirror into the cache
// in the same process step.
type State struct {
	mu sync.Mutex
	// subs maps workflow → topic → subscribed consumers, from the active
	// config. OnEventPublish resolves dirty targets through it.
	subs   map[string]map[string][]string
	dirty  map[string]map[string]bool
	queued map[string]map[string]bool
	wakes  map[string]map[string]time.Time
}

// NewState returns an empty scheduler state.
func NewState() *State {
	return &State{
		subs:   make(map[string]map[string][]string),
		dirty:  make(map[string]map[string]bool),
		queued: make(map[string]map[string]bool),
		wakes:  make(map[string]map[string]time.Time),
	}
}

// Register installs the workflow's topic subscriptions. Called on startup
// rebuild and after every activation.
func (s *State) Register(workflowID string, cfg workflow.Config) {
	subs := make(map[string][]string)
	for name, ccfg := range cfg.Consumers {
		for _, topic := range ccfg.Subscribe {
			subs[topic] = append(subs[topic], name)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[workflowID] = subs
}

// Forget drops all cached state for the workflow.
func (s *State) Forget(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, workflowID)
	delete(s.dirty, workflowID)
	delete(s.queued, workflowID)
	delete(s.wakes, workflowID)
}

// OnEventPublish marks every consumer subscribed to the topic dirty.
func (s *State) OnEventPublish(workflowID, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range s.subs[workflowID][topic] {
		s.markDirtyLocked(workflowID, name)
	}
}

// OnConsumerCommit clears the consumer's dirty flag when the committed run
// had nothing reserved: the consumer looked and found no work. A run that
// consumed events leaves the flag set, because more events may remain on
// the topic; the next find-work pass verifies against the store.
func (s *State) OnConsumerCommit(workflowID, consumer string, hadReservations bool) {
	if hadReservations {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.dirty[workflowID]; m != nil {
		delete(m, consumer)
	}
}

// OnProducerCommit clears the producer's queued flag.
func (s *State) OnProducerCommit(workflowID, producer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.queued[workflowID]; m != nil {
		delete(m, producer)
	}
}

// SetProducerQueued flags a producer for an out-of-schedule run (manual
// trigger path).
func (s *State) SetProducerQueued(workflowID, producer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued[workflowID] == nil {
		s.queued[workflowID] = make(map[string]bool)
	}
	s.queued[workflowID][producer] = true
}

// SetWakeAt caches the consumer's persisted wake time. Zero clears it.
func (s *State) SetWakeAt(workflowID, consumer string, wakeAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wakeAt.IsZero() {
		if m := s.wakes[workflowID]; m != nil {
			delete(m, consumer)
		}
		return
	}
	if s.wakes[workflowID] == nil {
		s.wakes[workflowID] = make(map[string]time.Time)
	}
	s.wakes[workflowID][consumer] = wakeAt
}

// DirtyConsumers returns the consumers flagged dirty for the workflow.
func (s *State) DirtyConsumers(workflowID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for name := range s.dirty[workflowID] {
		names = append(names, name)
	}
	return names
}

// DueWakes returns the consumers whose cached wake time has passed.
func (s *State) DueWakes(workflowID string, now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for name, at := range s.wakes[workflowID] {
		if !now.Before(at) {
			names = append(names, name)
		}
	}
	return names
}

// HasEventWork reports whether any consumer of the workflow is dirty or has
// a due wake.
func (s *State) HasEventWork(workflowID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.dirty[workflowID]) > 0 {
		return true
	}
	for _, at := range s.wakes[workflowID] {
		if !now.Before(at) {
			return true
		}
	}
	return false
}

// ClearDirty drops every dirty flag for the workflow. Called after a
// session drained to completion: the store said there is no more work.
func (s *State) ClearDirty(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dirty, workflowID)
}

func (s *State) markDirtyLocked(workflowID, consumer string) {
	if s.dirty[workflowID] == nil {
		s.dirty[workflowID] = make(map[string]bool)
	}
	s.dirty[workflowID][consumer] = true
}

// Rebuild reconstructs the cache from the store after recovery: topic
// subscriptions and dirty flags from pending events, wake times from
// handler state rows. Queued flags are deliberately not rebuilt; a manual
// trigger lost to a crash is re-issued by the user.
func (s *State) Rebuild(ctx context.Context, st store.Store) error {
	return st.View(ctx, func(tx store.Tx) error {
		wfs, err := tx.ListWorkflows(ctx, "")
		if err != nil {
			return err
		}
		for _, wf := range wfs {
			if wf.ActiveScriptID == "" {
				continue
			}
			cfg, err := workflow.ParseConfig(wf.HandlerConfig)
			if err != nil {
				continue // unparseable config surfaces at session start
			}
			s.Register(wf.ID, cfg)
			for _, topic := range cfg.Topics {
				n, err := tx.CountPendingEvents(ctx, wf.ID, topic)
				if err != nil {
					return err
				}
				if n > 0 {
					s.OnEventPublish(wf.ID, topic)
				}
			}
			states, err := tx.ListHandlerStates(ctx, wf.ID)
			if err != nil {
				return err
			}
			for _, hs := range states {
				if !hs.WakeAt.IsZero() {
					s.SetWakeAt(wf.ID, hs.HandlerName, hs.WakeAt)
				}
			}
		}
		return nil
	})
}
