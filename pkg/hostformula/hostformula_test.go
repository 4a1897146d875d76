package hostformula

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	lastOpts RunOpts
	output   json.RawMessage
	err      error
}

func (f *fakeRunner) Run(_ context.Context, _ string, _ json.RawMessage, opts RunOpts) (json.RawMessage, error) {
	f.lastOpts = opts
	return f.output, f.err
}

func TestInvokeSuccessPropagatesLineage(t *testing.T) {
	runner := &fakeRunner{output: []byte(`{"n":4}`)}
	inv := New(runner, RunOpts{RequestID: "req-1", ParentExecutionID: "exec_parent", UserID: "user-1", Depth: 0})

	result, err := inv.Invoke(context.Background(), Call{Reference: "reagent:local.square:1.0.0", Input: []byte(`{"n":2}`)})
	require.Nil(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.JSONEq(t, `{"n":4}`, string(result.Output))
	assert.Equal(t, "req-1", runner.lastOpts.RequestID)
	assert.Equal(t, 1, runner.lastOpts.Depth)
}

func TestInvokeRejectsMalformedReference(t *testing.T) {
	runner := &fakeRunner{}
	inv := New(runner, RunOpts{})
	_, err := inv.Invoke(context.Background(), Call{Reference: "not-a-valid-ref!!"})
	require.NotNil(t, err)
	assert.Equal(t, "malformed_ref", string(err.Code))
}

func TestInvokeEnforcesDepthCap(t *testing.T) {
	runner := &fakeRunner{}
	inv := New(runner, RunOpts{Depth: maxDepth})
	_, err := inv.Invoke(context.Background(), Call{Reference: "reagent:local.square:1.0.0"})
	require.NotNil(t, err)
	assert.Equal(t, "depth_exceeded", string(err.Code))
}
