// Package hostformula implements the formula/invoke.call host function:
// formula-only recursive sub-invocation, built as a thin adapter delegating
// Run to an injected collaborator, generalized to recursive engine calls.
package hostformula

import (
	"context"
	"encoding/json"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
	"github.com/cyfrworks/cyfr-sub001/pkg/enginerr"
)

// maxDepth caps formula recursion to prevent stack blow-up from a malicious
// or buggy formula invoking itself indefinitely.
const maxDepth = 8

// Runner is the subset of Executor that HostFormula recurses into. Kept as
// an interface (rather than importing pkg/executor directly) to avoid the
// import cycle: Executor wires Runtime, Runtime wires HostFormula, and
// HostFormula calls back into Executor.
type Runner interface {
	Run(ctx context.Context, reference string, input json.RawMessage, opts RunOpts) (json.RawMessage, error)
}

// RunOpts carries the lineage and correlation fields a sub-invocation must
// propagate: sub-invocations share request_id with their parent and record
// parent_execution_id.
type RunOpts struct {
	RequestID         string
	ParentExecutionID string
	UserID            string
	SessionID         string
	Depth             int
}

// Call is the decoded formula/invoke.call input.
type Call struct {
	Reference string          `json:"reference"`
	Input     json.RawMessage `json:"input"`
	Type      string          `json:"type,omitempty"`
}

// Result is the encoded success output.
type Result struct {
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
}

// Invoker dispatches formula/invoke.call for one execution's HostFormula
// import, bound to the parent execution's lineage.
type Invoker struct {
	runner Runner
	opts   RunOpts
}

// New creates an Invoker scoped to one executing formula. parentOpts carries
// the calling execution's request_id, execution_id (as the new call's
// parent_execution_id), user_id, and current recursion depth.
func New(runner Runner, parentOpts RunOpts) *Invoker {
	return &Invoker{runner: runner, opts: parentOpts}
}

// Invoke parses and normalizes the reference, then blocks the calling WASM
// instance until the sub-execution completes: WASM is single-threaded, so the
// host function call blocks the guest until the recursive run returns.
func (i *Invoker) Invoke(ctx context.Context, call Call) (Result, *enginerr.Error) {
	if i.opts.Depth >= maxDepth {
		return Result{}, enginerr.New(enginerr.CodeDepthExceeded, "formula recursion depth exceeded")
	}

	ref, err := componentref.Parse(call.Reference)
	if err != nil {
		return Result{}, enginerr.Wrap(enginerr.CodeMalformedRef, "invalid sub-invocation reference", err)
	}

	output, runErr := i.runner.Run(ctx, ref.String(), call.Input, RunOpts{
		RequestID:         i.opts.RequestID,
		ParentExecutionID: i.opts.ParentExecutionID,
		UserID:            i.opts.UserID,
		Depth:             i.opts.Depth + 1,
	})
	if runErr != nil {
		if e, ok := runErr.(*enginerr.Error); ok {
			return Result{}, e
		}
		return Result{}, enginerr.Wrap(enginerr.CodeUnexpected, "sub-invocation failed", runErr)
	}

	return Result{Status: "completed", Output: output}, nil
}
