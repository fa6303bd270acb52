// Package sandbox defines the contract between the engine and the external
// script evaluator.
//
// The engine never interprets user code. It hands the evaluator the full
// script source, an entry expression selecting one handler callback, the
// previous handler state, and a tool invoker, then waits for a classified
// result. The evaluator must not persist anything except through tools.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DefaultTimeout bounds a single evaluation when the request does not set
// its own.
const DefaultTimeout = 300 * time.Second

type (
	// Evaluator evaluates one handler callback inside the user-code sandbox.
	Evaluator interface {
		// Eval runs the entry expression. A non-nil error reports an engine
		// side failure reaching the sandbox; user-code failures come back
		// classified inside EvalResult.
		Eval(ctx context.Context, req EvalRequest) (EvalResult, error)
	}

	// Invoker is the engine callback the sandbox uses for every tool call.
	// The engine binds it to the current run and phase before evaluation.
	Invoker interface {
		Invoke(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error)
	}

	// EvalRequest describes one evaluation.
	EvalRequest struct {
		// Script is the full script source.
		Script string
		// Entry is the expression selecting the callback, e.g.
		// "workflow.consumers.notify.prepare(__state__)".
		Entry string
		// State is the previous handler state bound to __state__.
		State json.RawMessage
		// Args carries positional callback arguments beyond state (the
		// prepare result and mutation result for next()).
		Args []json.RawMessage
		// Tools is the invoker routing sandbox tool calls back into the
		// engine.
		Tools Invoker
		// Timeout bounds the evaluation. Zero means DefaultTimeout.
		Timeout time.Duration
	}

	// EvalResult is the outcome of one evaluation.
	EvalResult struct {
		// OK is true when the callback returned normally.
		OK bool
		// Result is the callback return value when OK.
		Result json.RawMessage
		// Err is the classified failure when not OK. Nil when
		// MutationTerminated is true.
		Err *Error
		// MutationTerminated is true when evaluation was cooperatively
		// aborted because the mutation tool applied. The engine treats this
		// as success for a run whose mutation is applied.
		MutationTerminated bool
		// Cost is the evaluation cost reported by the sandbox.
		Cost float64
		// Logs captures console output emitted during evaluation.
		Logs []string
	}
)

// ErrMutationTerminated is returned by the tool invoker after the mutation
// tool applies. Evaluators convert it into MutationTerminated rather than a
// user-visible failure: the remainder of mutate() is deliberately not run.
var ErrMutationTerminated = errors.New("evaluation terminated: mutation applied")
