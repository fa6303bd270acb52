// Package sched runs the engine's scheduling loop: a fixed tick that scans
// active workflows and starts at most one session per workflow, plus the
// in-memory work cache the tick consults before touching the store.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/emm"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/reconcile"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/session"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/telemetry"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

const (
	// DefaultTick is the scan interval.
	DefaultTick = time.Second
	// DefaultReconcileEvery is the interval between background reconcile
	// passes over needs_reconcile mutations.
	DefaultReconcileEvery = time.Minute
	// DefaultSessionRate caps session starts per second across workflows.
	DefaultSessionRate = 50
)

type (
	// Executor starts one workflow session. Implemented by the session
	// orchestrator.
	Executor interface {
		ExecuteWorkflowSession(ctx context.Context, workflowID string, trigger workflow.Trigger) (session.Outcome, error)
	}

	// Scheduler owns the tick loop.
	Scheduler struct {
		state     *State
		store     store.Store
		exec      Executor
		emm       *emm.Manager
		reconcile *reconcile.Registry
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		tick      time.Duration
		reconEach time.Duration
		limiter   *rate.Limiter
		now       func() time.Time

		mu       sync.Mutex
		inFlight map[string]bool
		wg       sync.WaitGroup
	}

	// Options configures a Scheduler.
	Options struct {
		// State is the shared work cache. Required.
		State *State
		// Store is the durable store. Required.
		Store store.Store
		// Executor runs sessions. Required.
		Executor Executor
		// EMM drives the background reconcile pass. Optional; without it no
		// background reconciliation happens.
		EMM *emm.Manager
		// Reconcile is the check registry for the background pass.
		Reconcile *reconcile.Registry
		Logger    telemetry.Logger
		Metrics   telemetry.Metrics
		// Tick overrides DefaultTick.
		Tick time.Duration
		// ReconcileEvery overrides DefaultReconcileEvery.
		ReconcileEvery time.Duration
		// SessionRate overrides DefaultSessionRate.
		SessionRate float64
		// Clock overrides time.Now for tests.
		Clock func() time.Time
	}
)

// New constructs a Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.State == nil {
		return nil, fmt.Errorf("state is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	tick := opts.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	reconEach := opts.ReconcileEvery
	if reconEach <= 0 {
		reconEach = DefaultReconcileEvery
	}
	sessionRate := opts.SessionRate
	if sessionRate <= 0 {
		sessionRate = DefaultSessionRate
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		state:     opts.State,
		store:     opts.Store,
		exec:      opts.Executor,
		emm:       opts.EMM,
		reconcile: opts.Reconcile,
		logger:    telemetry.OrNop(opts.Logger),
		metrics:   telemetry.MetricsOrNop(opts.Metrics),
		tick:      tick,
		reconEach: reconEach,
		limiter:   rate.NewLimiter(rate.Limit(sessionRate), 1),
		now:       now,
		inFlight:  make(map[string]bool),
	}, nil
}

// Run executes the loop until the context is canceled. Crash recovery must
// have completed before Run starts; the first thing Run does is rebuild the
// work cache from the store.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.state.Rebuild(ctx, s.store); err != nil {
		return fmt.Errorf("rebuild scheduler state: %w", err)
	}
	s.logger.Info(ctx, "scheduler started", "tick", s.tick.String())
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	lastReconcile := s.now()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait() // let in-flight sessions reach a durable checkpoint
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.scan(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error(ctx, "scheduler scan failed", "err", err.Error())
		}
		if s.emm != nil && s.reconcile != nil && s.now().Sub(lastReconcile) >= s.reconEach {
			lastReconcile = s.now()
			if err := s.emm.ReconcilePending(ctx, s.reconcile); err != nil {
				s.logger.Error(ctx, "background reconcile failed", "err", err.Error())
			}
		}
	}
}

// scan walks workflows once and launches a session for each one with due
// work. Workflows run concurrently with each other; a workflow whose
// previous session is still running is skipped, preserving the
// single-threaded-per-workflow invariant.
func (s *Scheduler) scan(ctx context.Context) error {
	now := s.now().UTC()
	var candidates []workflow.Workflow
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		candidates, err = tx.ListWorkflows(ctx, workflow.StatusActive)
		return err
	})
	if err != nil {
		return err
	}

	for _, wf := range candidates {
		if wf.Maintenance || wf.InBackoff(now) {
			continue
		}
		trigger, due, err := s.triggerFor(ctx, wf, now)
		if err != nil {
			s.logger.Error(ctx, "trigger evaluation failed", "workflow_id", wf.ID, "err", err.Error())
			continue
		}
		if !due {
			continue
		}
		if !s.claim(wf.ID) {
			continue
		}
		wfID := wf.ID
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release(wfID)
			if err := s.limiter.Wait(ctx); err != nil {
				return // context canceled
			}
			out, err := s.exec.ExecuteWorkflowSession(ctx, wfID, trigger)
			if err != nil {
				s.logger.Error(ctx, "session failed", "workflow_id", wfID, "trigger", string(trigger), "err", err.Error())
				return
			}
			if out.Result == workflow.SessionCompleted {
				s.state.ClearDirty(wfID)
			}
		}()
	}
	return nil
}

// triggerFor decides whether the workflow has due work and what kind.
// Pending retries outrank schedules, which outrank event work.
func (s *Scheduler) triggerFor(ctx context.Context, wf workflow.Workflow, now time.Time) (workflow.Trigger, bool, error) {
	if wf.PendingRetryRunID != "" {
		return workflow.TriggerRetry, true, nil
	}

	var due bool
	err := s.store.View(ctx, func(tx store.Tx) error {
		schedules, err := tx.ListProducerSchedules(ctx, wf.ID)
		if err != nil {
			return err
		}
		for _, sch := range schedules {
			if sch.Due(now) {
				due = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if due {
		return workflow.TriggerSchedule, true, nil
	}

	if s.state.HasEventWork(wf.ID, now) {
		return workflow.TriggerEvent, true, nil
	}
	// Cache miss fallback: wakes persisted by a previous process are found
	// by Rebuild, but a pending event written by an external surface (or a
	// missed notification) is only visible in the store.
	hasPending, err := s.pendingInStore(ctx, wf)
	if err != nil {
		return "", false, err
	}
	if hasPending {
		return workflow.TriggerEvent, true, nil
	}
	return "", false, nil
}

func (s *Scheduler) pendingInStore(ctx context.Context, wf workflow.Workflow) (bool, error) {
	cfg, err := workflow.ParseConfig(wf.HandlerConfig)
	if err != nil {
		return false, nil
	}
	var has bool
	err = s.store.View(ctx, func(tx store.Tx) error {
		for _, topic := range cfg.Topics {
			n, err := tx.CountPendingEvents(ctx, wf.ID, topic)
			if err != nil {
				return err
			}
			if n > 0 {
				has = true
				return nil
			}
		}
		return nil
	})
	return has, err
}

func (s *Scheduler) claim(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[workflowID] {
		return false
	}
	s.inFlight[workflowID] = true
	return true
}

func (s *Scheduler) release(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, workflowID)
}
