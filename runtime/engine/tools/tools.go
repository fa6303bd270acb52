// Package tools defines the connector contract: the tool record, the phase
// tags gating where a tool may run, and the registry the sandbox invoker
// resolves calls against.
//
// Tools are records with function fields discriminated by namespace+name
// identity. The engine validates tool input against the registered schema on
// ingress and never interprets params or results beyond that.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/sandbox"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

type (
	// Tool is one connector operation.
	Tool struct {
		// Namespace groups operations by connector ("gmail", "sheets").
		Namespace string
		// Name is the operation name within the namespace.
		Name        string
		Description string
		// Kind determines which phases may call the tool.
		Kind Kind
		// InputSchema validates call arguments on ingress. Optional.
		InputSchema *jsonschema.Schema
		// OutputSchema validates results before they reach user code.
		// Optional.
		OutputSchema *jsonschema.Schema
		// Execute performs the operation. For mutation tools this is the
		// only moment external observable state changes.
		Execute func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
		// IdempotencyKey derives the external dedup key from call arguments
		// for mutation tools. Optional; reconcile reads key on it.
		IdempotencyKey func(args json.RawMessage) string
	}

	// Kind classifies what a tool does to the outside world.
	Kind string

	// PhaseTag marks which handler callback is currently evaluating. The
	// state machine sets it before entering the sandbox; the registry
	// consults it before entering any tool.
	PhaseTag string

	// Registry holds the tool set available to a workflow's sandbox.
	Registry struct {
		mu    sync.RWMutex
		tools map[string]Tool
	}
)

const (
	// KindRead marks tools with no external side effects. Callable in any
	// phase.
	KindRead Kind = "read"
	// KindPublish marks tools that write only to the engine's own ledgers
	// (event publish, input registration). Callable in producer and next.
	KindPublish Kind = "publish"
	// KindMutation marks tools with external side effects. Callable only in
	// mutate, at most once per run.
	KindMutation Kind = "mutation"

	// TagProducer marks producer handler evaluation.
	TagProducer PhaseTag = "producer"
	// TagPrepare marks consumer prepare evaluation.
	TagPrepare PhaseTag = "prepare"
	// TagMutate marks consumer mutate evaluation.
	TagMutate PhaseTag = "mutate"
	// TagNext marks consumer next evaluation.
	TagNext PhaseTag = "next"
)

type phaseTagKey struct{}

// WithPhase tags the context with the currently evaluating phase.
func WithPhase(ctx context.Context, tag PhaseTag) context.Context {
	return context.WithValue(ctx, phaseTagKey{}, tag)
}

// PhaseFrom returns the phase tag set on the context, if any.
func PhaseFrom(ctx context.Context) (PhaseTag, bool) {
	tag, ok := ctx.Value(phaseTagKey{}).(PhaseTag)
	return tag, ok
}

// Ident returns the fully-qualified tool identity "namespace.name".
func (t Tool) Ident() string {
	return t.Namespace + "." + t.Name
}

// IsReadOnly reports whether invoking the tool can never change external
// state.
func (t Tool) IsReadOnly() bool {
	return t.Kind == KindRead
}

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate identities are rejected.
func (r *Registry) Register(t Tool) error {
	if t.Namespace == "" || t.Name == "" {
		return fmt.Errorf("tool namespace and name are required")
	}
	if t.Execute == nil {
		return fmt.Errorf("tool %q: execute is required", t.Ident())
	}
	switch t.Kind {
	case KindRead, KindPublish, KindMutation:
	default:
		return fmt.Errorf("tool %q: unknown kind %q", t.Ident(), t.Kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Ident()]; dup {
		return fmt.Errorf("tool %q already registered", t.Ident())
	}
	r.tools[t.Ident()] = t
	return nil
}

// Lookup resolves a tool by identity.
func (r *Registry) Lookup(ident string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[ident]
	return t, ok
}

// List returns registered identities sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idents := make([]string, 0, len(r.tools))
	for ident := range r.tools {
		idents = append(idents, ident)
	}
	sort.Strings(idents)
	return idents
}

// CheckPhase verifies the tool may run under the context's phase tag. A
// violation is a logic error: the script called a tool from a callback that
// must not have that capability.
func CheckPhase(ctx context.Context, t Tool) error {
	tag, ok := PhaseFrom(ctx)
	if !ok {
		return sandbox.Errorf(workflow.ErrorInternal, "tool %q invoked outside a handler phase", t.Ident())
	}
	switch t.Kind {
	case KindRead:
		return nil
	case KindPublish:
		if tag == TagProducer || tag == TagNext {
			return nil
		}
		return sandbox.Errorf(workflow.ErrorLogic, "tool %q may only be called from a producer handler or a consumer next", t.Ident())
	case KindMutation:
		if tag == TagMutate {
			return nil
		}
		return sandbox.Errorf(workflow.ErrorLogic, "tool %q may only be called from a consumer mutate", t.Ident())
	default:
		return sandbox.Errorf(workflow.ErrorInternal, "tool %q has unknown kind %q", t.Ident(), t.Kind)
	}
}

// ValidateInput checks call arguments against the tool's input schema.
func (t Tool) ValidateInput(args json.RawMessage) error {
	return validateJSON(t.InputSchema, args, "input for tool "+t.Ident())
}

// ValidateOutput checks a result against the tool's output schema.
func (t Tool) ValidateOutput(result json.RawMessage) error {
	return validateJSON(t.OutputSchema, result, "output of tool "+t.Ident())
}

func validateJSON(schema *jsonschema.Schema, raw json.RawMessage, what string) error {
	if schema == nil {
		return nil
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	val, err := jsonschema.UnmarshalJSON(bytesReader(raw))
	if err != nil {
		return sandbox.Errorf(workflow.ErrorLogic, "%s is not valid JSON: %v", what, err)
	}
	if err := schema.Validate(val); err != nil {
		return sandbox.Errorf(workflow.ErrorLogic, "%s does not match schema: %v", what, err)
	}
	return nil
}

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

// MustCompileSchema compiles an inline JSON schema document. Intended for
// tool definitions built at startup; panics on invalid schemas.
func MustCompileSchema(doc string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	val, err := jsonschema.UnmarshalJSON(bytesReader([]byte(doc)))
	if err != nil {
		panic(fmt.Sprintf("invalid schema document: %v", err))
	}
	if err := c.AddResource("inline.json", val); err != nil {
		panic(fmt.Sprintf("add schema resource: %v", err))
	}
	schema, err := c.Compile("inline.json")
	if err != nil {
		panic(fmt.Sprintf("compile schema: %v", err))
	}
	return schema
}
