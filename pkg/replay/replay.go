// Package replay re-executes a single past execution record against its
// stored component digest and host policy snapshot, and reports whether the
// output reproduces.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
	"github.com/cyfrworks/cyfr-sub001/pkg/enginerr"
	"github.com/cyfrworks/cyfr-sub001/pkg/executionrecord"
	"github.com/cyfrworks/cyfr-sub001/pkg/policy"
	"github.com/cyfrworks/cyfr-sub001/pkg/runtime"
)

// Verification is the qualitative outcome of comparing a replayed output
// against the original.
type Verification string

const (
	VerificationMatch       Verification = "match"
	VerificationMismatch    Verification = "mismatch"
	VerificationDigestDrift Verification = "digest_drift"
)

// BinaryStore fetches a component's compiled WASM binary for a resolved
// reference, the same collaborator the executor uses.
type BinaryStore interface {
	Fetch(ctx context.Context, ref componentref.Ref) ([]byte, error)
}

// Result is the outcome of replaying one execution record.
type Result struct {
	ExecutionID    string          `json:"execution_id"`
	OriginalOutput json.RawMessage `json:"original_output"`
	ReplayOutput   json.RawMessage `json:"replay_output"`
	Verification   Verification    `json:"verification"`
	Details        string          `json:"details,omitempty"`
}

// Replayer re-runs an ExecutionRecord in isolation: no host-function imports
// are wired regardless of component type, since a replay must reproduce
// compute over the stored input, not re-issue live network calls or
// re-resolve secrets that may no longer be valid.
type Replayer struct {
	store   executionrecord.Store
	binary  BinaryStore
	runtime *runtime.Runtime
}

// New creates a Replayer.
func New(store executionrecord.Store, binary BinaryStore, rt *runtime.Runtime) *Replayer {
	return &Replayer{store: store, binary: binary, runtime: rt}
}

// Replay loads executionID's record, re-fetches its component binary,
// verifies it still hashes to the recorded digest, re-executes it with no
// host imports under the recorded policy snapshot's timeout, and compares
// the fresh output against what was originally recorded.
func (r *Replayer) Replay(ctx context.Context, executionID string) (Result, error) {
	record, err := r.store.Get(ctx, executionID)
	if err != nil {
		return Result{}, enginerr.Wrap(enginerr.CodeStorageError, fmt.Sprintf("loading execution record %s", executionID), err)
	}
	if record.Status != executionrecord.StatusCompleted {
		return Result{}, enginerr.New(enginerr.CodeUnexpected, fmt.Sprintf("execution %s did not complete successfully (status=%s); nothing to replay", executionID, record.Status))
	}

	ref, err := componentref.Parse(record.Reference)
	if err != nil {
		return Result{}, err
	}

	binary, err := r.binary.Fetch(ctx, ref)
	if err != nil {
		return Result{}, enginerr.Wrap(enginerr.CodeStorageError, "fetching component binary for replay", err)
	}
	sum := sha256.Sum256(binary)
	digest := hex.EncodeToString(sum[:])
	if record.ComponentDigest != "" && digest != record.ComponentDigest {
		return Result{
			ExecutionID:    executionID,
			OriginalOutput: record.Output,
			Verification:   VerificationDigestDrift,
			Details:        fmt.Sprintf("component digest changed since execution: recorded %s, now %s", record.ComponentDigest, digest),
		}, nil
	}

	var snapshot policy.Policy
	if len(record.HostPolicySnapshot) > 0 && string(record.HostPolicySnapshot) != "null" {
		if err := json.Unmarshal(record.HostPolicySnapshot, &snapshot); err != nil {
			return Result{}, enginerr.Wrap(enginerr.CodeDecodeError, "decoding stored host policy snapshot", err)
		}
	}

	timeoutMS, err := policy.TimeoutMS(&snapshot)
	if err != nil {
		return Result{}, err
	}
	deadline := 30 * time.Second
	if timeoutMS > 0 {
		deadline = time.Duration(timeoutMS) * time.Millisecond
	}

	replayOutput, err := r.runtime.Execute(ctx, binary, ref.Type, string(record.Input), runtime.Limits{
		MemoryLimitBytes: snapshot.MaxMemoryBytes,
		Deadline:         deadline,
	}, runtime.Imports{})
	if err != nil {
		return Result{}, enginerr.Wrap(enginerr.CodeUnexpected, "replay execution failed", err)
	}

	result := Result{
		ExecutionID:    executionID,
		OriginalOutput: record.Output,
		ReplayOutput:   json.RawMessage(replayOutput),
	}
	switch {
	case string(record.Output) == replayOutput:
		result.Verification = VerificationMatch
	case canonicallyEqual(record.Output, []byte(replayOutput)):
		result.Verification = VerificationMatch
	default:
		result.Verification = VerificationMismatch
		result.Details = "replayed output diverges from the recorded output"
	}
	return result, nil
}

// canonicallyEqual reports whether a and b decode to the same JSON value,
// tolerating key-order or whitespace differences the raw-byte comparison
// would otherwise flag as a mismatch. Non-JSON values fall back to false:
// the caller already did the raw-byte check.
func canonicallyEqual(a, b []byte) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	aCanon, err := json.Marshal(av)
	if err != nil {
		return false
	}
	bCanon, err := json.Marshal(bv)
	if err != nil {
		return false
	}
	return string(aCanon) == string(bCanon)
}
