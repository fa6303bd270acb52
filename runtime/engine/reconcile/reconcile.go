// Package reconcile hosts the per-tool hooks consulted when a mutation's
// external outcome is uncertain.
//
// A check is a pure read against the external system, keyed on the
// mutation's idempotency key or params, that determines whether the side
// effect took place. Tools without a check leave uncertain mutations
// indeterminate, which requires user resolution.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

type (
	// Verdict is a reconcile check's conclusion about a mutation.
	Verdict string

	// Check inspects the external system for evidence of the mutation's
	// effect. It must not cause side effects. The returned payload is the
	// effect's result when the verdict is applied.
	Check func(ctx context.Context, m workflow.Mutation) (Verdict, json.RawMessage, error)

	// Registry maps tool identities to reconcile checks.
	Registry struct {
		mu     sync.RWMutex
		checks map[string]Check
	}
)

const (
	// VerdictApplied means the effect definitely happened.
	VerdictApplied Verdict = "applied"
	// VerdictFailed means the effect definitely did not happen.
	VerdictFailed Verdict = "failed"
	// VerdictRetry means the check could not decide yet; retry later in the
	// background.
	VerdictRetry Verdict = "retry"
)

// ErrNoCheck indicates no reconcile check is registered for the tool. The
// caller must treat the mutation as indeterminate.
var ErrNoCheck = errors.New("no reconcile check registered")

// NewRegistry returns an empty reconcile registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Check)}
}

// Register installs the check for namespace.method. Duplicates are rejected.
func (r *Registry) Register(namespace, method string, check Check) error {
	if namespace == "" || method == "" {
		return fmt.Errorf("namespace and method are required")
	}
	if check == nil {
		return fmt.Errorf("check is required")
	}
	key := namespace + "." + method
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.checks[key]; dup {
		return fmt.Errorf("reconcile check for %q already registered", key)
	}
	r.checks[key] = check
	return nil
}

// Resolve runs the registered check for the mutation's tool. Returns
// ErrNoCheck when the tool has no check.
func (r *Registry) Resolve(ctx context.Context, m workflow.Mutation) (Verdict, json.RawMessage, error) {
	key := m.ToolNamespace + "." + m.ToolMethod
	r.mu.RLock()
	check, ok := r.checks[key]
	r.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("tool %q: %w", key, ErrNoCheck)
	}
	verdict, result, err := check(ctx, m)
	if err != nil {
		return "", nil, fmt.Errorf("reconcile %q: %w", key, err)
	}
	switch verdict {
	case VerdictApplied, VerdictFailed, VerdictRetry:
		return verdict, result, nil
	default:
		return "", nil, fmt.Errorf("reconcile %q: unknown verdict %q", key, verdict)
	}
}
