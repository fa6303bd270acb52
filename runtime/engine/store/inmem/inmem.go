// Package inmem provides an in-memory implementation of the engine store
// for testing and development.
//
// Transactions copy the dataset, apply writes to the copy, and swap it in on
// commit, so a failed transaction function leaves the store untouched. The
// copy is shallow at the row level: rows are value types and every write
// replaces the whole row, which is the same discipline the engine uses
// against durable backends. It is not crash-durable and should not be used
// for production workloads.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

type (
	// Store is the in-memory store.
	Store struct {
		mu   sync.RWMutex
		data *dataset
	}

	dataset struct {
		workflows   map[string]workflow.Workflow
		scripts     map[string]workflow.Script
		scriptVer   map[string][2]int // workflowID → latest (major, minor)
		scriptRuns  map[string]workflow.ScriptRun
		handlerRuns map[string]workflow.HandlerRun
		mutations   map[string]workflow.Mutation
		mutByRun    map[string]string // handlerRunID → mutationID
		events      map[string]workflow.Event
		eventByKey  map[string]string // workflow|topic|messageID → eventID
		eventOrder  map[string]int64  // eventID → insertion sequence
		eventSeq    int64
		inputs      map[string]workflow.InputRecord
		inputByKey  map[string]string // workflow|source|type|externalID → inputID
		schedules   map[string]workflow.ProducerSchedule // workflow|producer
		states      map[string]workflow.HandlerState     // workflow|handler
	}

	tx struct {
		data     *dataset
		readOnly bool
	}
)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{data: newDataset()}
}

func newDataset() *dataset {
	return &dataset{
		workflows:   make(map[string]workflow.Workflow),
		scripts:     make(map[string]workflow.Script),
		scriptVer:   make(map[string][2]int),
		scriptRuns:  make(map[string]workflow.ScriptRun),
		handlerRuns: make(map[string]workflow.HandlerRun),
		mutations:   make(map[string]workflow.Mutation),
		mutByRun:    make(map[string]string),
		events:      make(map[string]workflow.Event),
		eventByKey:  make(map[string]string),
		eventOrder:  make(map[string]int64),
		inputs:      make(map[string]workflow.InputRecord),
		inputByKey:  make(map[string]string),
		schedules:   make(map[string]workflow.ProducerSchedule),
		states:      make(map[string]workflow.HandlerState),
	}
}

func (d *dataset) clone() *dataset {
	c := newDataset()
	for k, v := range d.workflows {
		c.workflows[k] = v
	}
	for k, v := range d.scripts {
		c.scripts[k] = v
	}
	for k, v := range d.scriptVer {
		c.scriptVer[k] = v
	}
	for k, v := range d.scriptRuns {
		c.scriptRuns[k] = v
	}
	for k, v := range d.handlerRuns {
		c.handlerRuns[k] = v
	}
	for k, v := range d.mutations {
		c.mutations[k] = v
	}
	for k, v := range d.mutByRun {
		c.mutByRun[k] = v
	}
	for k, v := range d.events {
		c.events[k] = v
	}
	for k, v := range d.eventByKey {
		c.eventByKey[k] = v
	}
	for k, v := range d.eventOrder {
		c.eventOrder[k] = v
	}
	c.eventSeq = d.eventSeq
	for k, v := range d.inputs {
		c.inputs[k] = v
	}
	for k, v := range d.inputByKey {
		c.inputByKey[k] = v
	}
	for k, v := range d.schedules {
		c.schedules[k] = v
	}
	for k, v := range d.states {
		c.states[k] = v
	}
	return c
}

// Atomic runs fn against a copy of the dataset and swaps the copy in when fn
// succeeds.
func (s *Store) Atomic(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.data.clone()
	if err := fn(&tx{data: next}); err != nil {
		return err
	}
	s.data = next
	return nil
}

// View runs fn against the live dataset under a read lock.
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&tx{data: s.data, readOnly: true})
}

func (t *tx) write() error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	return nil
}

func pairKey(a, b string) string { return a + "\x00" + b }

func eventKey(workflowID, topic, messageID string) string {
	return workflowID + "\x00" + topic + "\x00" + messageID
}

func inputKey(workflowID, source, typ, externalID string) string {
	return workflowID + "\x00" + source + "\x00" + typ + "\x00" + externalID
}

// --- workflows ---

func (t *tx) GetWorkflow(_ context.Context, id string) (workflow.Workflow, error) {
	wf, ok := t.data.workflows[id]
	if !ok {
		return workflow.Workflow{}, fmt.Errorf("workflow %q: %w", id, store.ErrNotFound)
	}
	return wf, nil
}

func (t *tx) PutWorkflow(_ context.Context, wf workflow.Workflow) error {
	if err := t.write(); err != nil {
		return err
	}
	if wf.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	wf.UpdatedAt = time.Now().UTC()
	t.data.workflows[wf.ID] = wf
	return nil
}

func (t *tx) ListWorkflows(_ context.Context, status workflow.Status) ([]workflow.Workflow, error) {
	var out []workflow.Workflow
	for _, wf := range t.data.workflows {
		if status == "" || wf.Status == status {
			out = append(out, wf)
		}
	}
	return out, nil
}

// --- scripts ---

func (t *tx) GetScript(_ context.Context, id string) (workflow.Script, error) {
	s, ok := t.data.scripts[id]
	if !ok {
		return workflow.Script{}, fmt.Errorf("script %q: %w", id, store.ErrNotFound)
	}
	return s, nil
}

func (t *tx) PutScript(_ context.Context, s workflow.Script) error {
	if err := t.write(); err != nil {
		return err
	}
	if s.ID == "" || s.WorkflowID == "" {
		return fmt.Errorf("script id and workflow id are required")
	}
	if _, dup := t.data.scripts[s.ID]; dup {
		return fmt.Errorf("script %q exists: %w", s.ID, store.ErrConflict)
	}
	if latest, ok := t.data.scriptVer[s.WorkflowID]; ok {
		if s.MajorVersion < latest[0] || (s.MajorVersion == latest[0] && s.MinorVersion <= latest[1]) {
			return fmt.Errorf("script version %d.%d not after %d.%d: %w",
				s.MajorVersion, s.MinorVersion, latest[0], latest[1], store.ErrConflict)
		}
	}
	t.data.scripts[s.ID] = s
	t.data.scriptVer[s.WorkflowID] = [2]int{s.MajorVersion, s.MinorVersion}
	return nil
}

// --- script runs ---

func (t *tx) GetScriptRun(_ context.Context, id string) (workflow.ScriptRun, error) {
	sr, ok := t.data.scriptRuns[id]
	if !ok {
		return workflow.ScriptRun{}, fmt.Errorf("script run %q: %w", id, store.ErrNotFound)
	}
	return sr, nil
}

func (t *tx) PutScriptRun(_ context.Context, sr workflow.ScriptRun) error {
	if err := t.write(); err != nil {
		return err
	}
	if sr.ID == "" {
		return fmt.Errorf("script run id is required")
	}
	t.data.scriptRuns[sr.ID] = sr
	return nil
}

func (t *tx) ListOpenScriptRuns(_ context.Context, workflowID string) ([]workflow.ScriptRun, error) {
	var out []workflow.ScriptRun
	for _, sr := range t.data.scriptRuns {
		if sr.EndedAt != nil {
			continue
		}
		if workflowID == "" || sr.WorkflowID == workflowID {
			out = append(out, sr)
		}
	}
	return out, nil
}

// --- handler runs ---

func (t *tx) GetHandlerRun(_ context.Context, id string) (workflow.HandlerRun, error) {
	hr, ok := t.data.handlerRuns[id]
	if !ok {
		return workflow.HandlerRun{}, fmt.Errorf("handler run %q: %w", id, store.ErrNotFound)
	}
	return hr, nil
}

func (t *tx) PutHandlerRun(_ context.Context, hr workflow.HandlerRun) error {
	if err := t.write(); err != nil {
		return err
	}
	if hr.ID == "" {
		return fmt.Errorf("handler run id is required")
	}
	t.data.handlerRuns[hr.ID] = hr
	return nil
}

func (t *tx) ListActiveHandlerRuns(_ context.Context, workflowID string) ([]workflow.HandlerRun, error) {
	var out []workflow.HandlerRun
	for _, hr := range t.data.handlerRuns {
		if hr.Status != workflow.RunActive {
			continue
		}
		if workflowID == "" || hr.WorkflowID == workflowID {
			out = append(out, hr)
		}
	}
	return out, nil
}

func (t *tx) ListSessionHandlerRuns(_ context.Context, scriptRunID string) ([]workflow.HandlerRun, error) {
	var out []workflow.HandlerRun
	for _, hr := range t.data.handlerRuns {
		if hr.ScriptRunID == scriptRunID {
			out = append(out, hr)
		}
	}
	return out, nil
}

// --- mutations ---

func (t *tx) GetMutation(_ context.Context, id string) (workflow.Mutation, error) {
	m, ok := t.data.mutations[id]
	if !ok {
		return workflow.Mutation{}, fmt.Errorf("mutation %q: %w", id, store.ErrNotFound)
	}
	return m, nil
}

func (t *tx) PutMutation(_ context.Context, m workflow.Mutation) error {
	if err := t.write(); err != nil {
		return err
	}
	if m.ID == "" || m.HandlerRunID == "" {
		return fmt.Errorf("mutation id and handler run id are required")
	}
	if existing, ok := t.data.mutByRun[m.HandlerRunID]; ok && existing != m.ID {
		return fmt.Errorf("handler run %q already has mutation %q: %w", m.HandlerRunID, existing, store.ErrConflict)
	}
	t.data.mutations[m.ID] = m
	t.data.mutByRun[m.HandlerRunID] = m.ID
	return nil
}

func (t *tx) MutationForRun(_ context.Context, handlerRunID string) (workflow.Mutation, error) {
	id, ok := t.data.mutByRun[handlerRunID]
	if !ok {
		return workflow.Mutation{}, fmt.Errorf("mutation for run %q: %w", handlerRunID, store.ErrNotFound)
	}
	return t.data.mutations[id], nil
}
