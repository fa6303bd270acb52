// Package proc implements the sandbox evaluator contract over a child
// process. Each evaluation spawns the configured command, writes one request
// line on stdin, and exchanges newline-delimited JSON until the child
// reports the callback result. Tool calls issued by the script travel back
// over the same pipe and are serviced in-process by the engine's invoker.
//
// The process boundary is the isolation mechanism: user code never shares an
// address space with the engine, and a wedged script is killed by cancelling
// the evaluation context.
package proc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/sandbox"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

// maxLineBytes bounds a single protocol line. Covers large prepare batches
// while keeping a runaway child from exhausting engine memory.
const maxLineBytes = 16 << 20

type (
	// Evaluator runs script callbacks in a child process.
	Evaluator struct {
		command string
		args    []string
	}

	// Options configures the evaluator.
	Options struct {
		// Command is the sandbox executable. Required.
		Command string
		// Args are fixed arguments passed before the protocol starts.
		Args []string
	}

	// request is the first line written to the child.
	request struct {
		Script    string            `json:"script"`
		Entry     string            `json:"entry"`
		State     json.RawMessage   `json:"state,omitempty"`
		Args      []json.RawMessage `json:"args,omitempty"`
		TimeoutMS int64             `json:"timeout_ms"`
	}

	// childMsg is one line read from the child.
	childMsg struct {
		Kind string `json:"kind"`

		// kind=tool
		ID   int64           `json:"id,omitempty"`
		Tool string          `json:"tool,omitempty"`
		Args json.RawMessage `json:"args,omitempty"`

		// kind=result
		OK                 bool            `json:"ok,omitempty"`
		Result             json.RawMessage `json:"result,omitempty"`
		Error              *wireError      `json:"error,omitempty"`
		MutationTerminated bool            `json:"mutation_terminated,omitempty"`
		Cost               float64         `json:"cost,omitempty"`
		Logs               []string        `json:"logs,omitempty"`
	}

	// toolReply is written back for each tool call.
	toolReply struct {
		ID     int64           `json:"id"`
		Result json.RawMessage `json:"result,omitempty"`
		Error  *wireError      `json:"error,omitempty"`
		// Terminate tells the child to stop evaluating and report
		// mutation_terminated. Set when the mutation tool applied.
		Terminate bool `json:"terminate,omitempty"`
	}

	wireError struct {
		Kind      string `json:"kind"`
		Message   string `json:"message"`
		ServiceID string `json:"service_id,omitempty"`
		AccountID string `json:"account_id,omitempty"`
	}
)

// New constructs a process evaluator.
func New(opts Options) (*Evaluator, error) {
	if opts.Command == "" {
		return nil, errors.New("sandbox command is required")
	}
	return &Evaluator{command: opts.Command, args: opts.Args}, nil
}

// Eval implements sandbox.Evaluator.
func (e *Evaluator) Eval(ctx context.Context, req sandbox.EvalRequest) (sandbox.EvalResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = sandbox.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.command, e.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return sandbox.EvalResult{}, fmt.Errorf("sandbox stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return sandbox.EvalResult{}, fmt.Errorf("sandbox stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return sandbox.EvalResult{}, fmt.Errorf("start sandbox: %w", err)
	}
	// The child is killed through ctx; Wait reaps it on every path.
	defer cmd.Wait() //nolint:errcheck

	res, err := e.converse(ctx, req, stdin, stdout)
	if err != nil {
		cancel()
		return sandbox.EvalResult{}, err
	}
	return res, nil
}

func (e *Evaluator) converse(ctx context.Context, req sandbox.EvalRequest, stdin io.WriteCloser, stdout io.Reader) (sandbox.EvalResult, error) {
	enc := json.NewEncoder(stdin)
	if err := enc.Encode(request{
		Script:    req.Script,
		Entry:     req.Entry,
		State:     req.State,
		Args:      req.Args,
		TimeoutMS: durationMS(req, sandbox.DefaultTimeout),
	}); err != nil {
		return sandbox.EvalResult{}, fmt.Errorf("write sandbox request: %w", err)
	}

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return sandbox.EvalResult{}, err
		}
		var msg childMsg
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			return sandbox.EvalResult{}, fmt.Errorf("malformed sandbox message: %w", err)
		}
		switch msg.Kind {
		case "tool":
			reply := e.invoke(ctx, req.Tools, msg)
			if err := enc.Encode(reply); err != nil {
				return sandbox.EvalResult{}, fmt.Errorf("write tool reply: %w", err)
			}
		case "result":
			return resultOf(msg), nil
		default:
			return sandbox.EvalResult{}, fmt.Errorf("unknown sandbox message kind %q", msg.Kind)
		}
	}
	if err := sc.Err(); err != nil {
		return sandbox.EvalResult{}, fmt.Errorf("read sandbox: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return sandbox.EvalResult{}, err
	}
	return sandbox.EvalResult{}, errors.New("sandbox exited without a result")
}

// invoke services one tool call. Tool failures are returned to the script as
// classified errors, not engine errors: the script decides what to do with a
// failed publish the same way it would with a failed connector call.
func (e *Evaluator) invoke(ctx context.Context, inv sandbox.Invoker, msg childMsg) toolReply {
	out, err := inv.Invoke(ctx, msg.Tool, msg.Args)
	switch {
	case err == nil:
		return toolReply{ID: msg.ID, Result: out}
	case errors.Is(err, sandbox.ErrMutationTerminated):
		return toolReply{ID: msg.ID, Terminate: true}
	default:
		se := sandbox.AsError(err)
		return toolReply{ID: msg.ID, Error: &wireError{
			Kind:      string(se.Kind),
			Message:   se.Message,
			ServiceID: se.ServiceID,
			AccountID: se.AccountID,
		}}
	}
}

func resultOf(msg childMsg) sandbox.EvalResult {
	res := sandbox.EvalResult{
		OK:                 msg.OK,
		Result:             msg.Result,
		MutationTerminated: msg.MutationTerminated,
		Cost:               msg.Cost,
		Logs:               msg.Logs,
	}
	if msg.Error != nil {
		res.Err = &sandbox.Error{
			Kind:      errorKind(msg.Error.Kind),
			Message:   msg.Error.Message,
			ServiceID: msg.Error.ServiceID,
			AccountID: msg.Error.AccountID,
		}
	}
	return res
}

// errorKind maps a wire kind onto the domain taxonomy. Unknown kinds are
// internal so a misbehaving sandbox never blames the user's script.
func errorKind(kind string) workflow.ErrorKind {
	switch k := workflow.ErrorKind(kind); k {
	case workflow.ErrorLogic, workflow.ErrorInternal, workflow.ErrorAuth,
		workflow.ErrorPermission, workflow.ErrorNetwork:
		return k
	default:
		return workflow.ErrorInternal
	}
}

func durationMS(req sandbox.EvalRequest, def time.Duration) int64 {
	if req.Timeout > 0 {
		return req.Timeout.Milliseconds()
	}
	return def.Milliseconds()
}
