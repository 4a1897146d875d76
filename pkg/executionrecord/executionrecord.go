// Package executionrecord implements the ExecutionRecord lifecycle: construct,
// started_written-guarded terminal writes, and the
// running→{completed|failed|cancelled} state machine, adapted from an
// append-only receipt idiom to a single mutable-but-monotonic record.
package executionrecord

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
	"github.com/cyfrworks/cyfr-sub001/pkg/crypto"
	"github.com/cyfrworks/cyfr-sub001/pkg/enginerr"
)

// Status is the record's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Record is the persisted audit trail for a single component execution.
type Record struct {
	ID                string
	RequestID         string
	ParentExecutionID string

	UserID        string
	Reference     string
	ComponentType string
	Input         json.RawMessage
	InputHash     string

	StartedAt          time.Time
	ComponentDigest    string
	HostPolicySnapshot json.RawMessage

	CompletedAt time.Time
	DurationMS  int64
	Output      json.RawMessage

	Status Status
	Error  string

	// SessionID, PrevHash, LamportClock, and Signature are set only when the
	// executor is configured with a chain signer: they link this record to
	// its predecessor within the same session so the chain can be verified
	// as an unbroken, untampered sequence independent of per-record replay.
	SessionID    string
	PrevHash     string
	LamportClock uint64
	Signature    string
}

// ChainStore is the additional capability a Store may offer to support
// causal receipt chaining: looking up the most recent record in a session so
// the next one can link to it.
type ChainStore interface {
	LastInSession(ctx context.Context, sessionID string) (*Record, error)
}

// OutputHash returns the hex sha256 of the record's recorded output, the
// value bound into its chain signature.
func (r *Record) OutputHash() string {
	return sha256Hex(r.Output)
}

// Chain links r to prev: it copies forward prev's Lamport clock (incremented)
// and hash, so r's eventual signature commits to an unbroken sequence. Called
// before the record is signed and persisted.
func (r *Record) Chain(prev *Record) {
	if prev == nil {
		r.LamportClock = 0
		r.PrevHash = ""
		return
	}
	r.PrevHash = Hash(prev)
	r.LamportClock = prev.LamportClock + 1
}

// Hash is the chain-linkage hash of one record: the value the next record's
// PrevHash points at. Computed over the same fields the signature commits
// to, so a verifier who only has the hash (not the signing key) can still
// detect a reordered or substituted record.
func Hash(r *Record) string {
	return sha256Hex([]byte(crypto.CanonicalizeExecutionReceipt(r.ID, r.Reference, string(r.Status), r.OutputHash(), r.PrevHash, r.LamportClock)))
}

// Sign computes and sets r.Signature using signer, committing to r's current
// terminal state (status, output, and chain position). Call once the record
// has reached a terminal status and its Output is final.
func (r *Record) Sign(signer *crypto.Ed25519Signer) error {
	sig, err := signer.SignExecutionReceipt(r.ID, r.Reference, string(r.Status), r.OutputHash(), r.PrevHash, r.LamportClock)
	if err != nil {
		return enginerr.Wrap(enginerr.CodeUnexpected, "signing execution receipt", err)
	}
	r.Signature = sig
	return nil
}

// VerifySignature checks r.Signature against the given public key.
func (r *Record) VerifySignature(pubKeyHex string) (bool, error) {
	return crypto.VerifyExecutionReceipt(pubKeyHex, r.Signature, r.ID, r.Reference, string(r.Status), r.OutputHash(), r.PrevHash, r.LamportClock)
}

// Store is the persistence surface for execution records: three idempotent
// terminal writes, delegated to the store.
type Store interface {
	WriteStarted(ctx context.Context, r *Record) error
	WriteCompleted(ctx context.Context, r *Record) error
	WriteFailed(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
}

// New constructs a fresh record in the pre-started state, capturing the
// inputs available at construction time.
func New(requestID, parentExecutionID, userID string, ref componentref.Ref, input json.RawMessage) *Record {
	sum := sha256Hex(input)
	return &Record{
		ID:                 "exec_" + uuid.NewString(),
		RequestID:          requestID,
		ParentExecutionID:  parentExecutionID,
		UserID:             userID,
		Reference:          ref.String(),
		ComponentType:      string(ref.Type),
		Input:              input,
		InputHash:          sum,
		Status:             StatusRunning,
	}
}

// WithSession sets the session ID a record belongs to for chaining purposes
// and returns the record for chaining calls.
func (r *Record) WithSession(sessionID string) *Record {
	r.SessionID = sessionID
	return r
}

// Tracker wraps a Record with the atomic started-written guard the Executor
// relies on: on a crash path before started was persisted, it writes started
// first, then failed, ensuring no completed record ever lacks a started
// predecessor.
type Tracker struct {
	store          Store
	record         *Record
	startedWritten bool
}

// NewTracker begins tracking a freshly constructed record.
func NewTracker(store Store, r *Record) *Tracker {
	return &Tracker{store: store, record: r}
}

// Record returns the underlying record.
func (t *Tracker) Record() *Record { return t.record }

// MarkPreRun sets the pre-run fields: started_at, component_digest, and
// host_policy_snapshot, all known before the runtime call begins.
func (t *Tracker) MarkPreRun(digest string, policySnapshot json.RawMessage) {
	t.record.StartedAt = time.Now()
	t.record.ComponentDigest = digest
	t.record.HostPolicySnapshot = policySnapshot
}

// WriteStarted persists the running record, idempotently, and sets the
// started-written guard. Safe to call at most once in the happy path; the
// failure path calls it only if it has not already run.
func (t *Tracker) WriteStarted(ctx context.Context) error {
	if t.startedWritten {
		return nil
	}
	if err := t.store.WriteStarted(ctx, t.record); err != nil {
		return enginerr.Wrap(enginerr.CodeStorageError, "writing started execution record", err)
	}
	t.startedWritten = true
	return nil
}

// StartedWritten reports whether WriteStarted has already succeeded.
func (t *Tracker) StartedWritten() bool { return t.startedWritten }

// WriteCompleted transitions the record to completed and persists it. output
// must already be masked before this is called.
func (t *Tracker) WriteCompleted(ctx context.Context, output json.RawMessage, durationMS int64) error {
	t.record.Status = StatusCompleted
	t.record.Output = output
	t.record.DurationMS = durationMS
	t.record.CompletedAt = time.Now()
	if err := t.store.WriteCompleted(ctx, t.record); err != nil {
		return enginerr.Wrap(enginerr.CodeStorageError, "writing completed execution record", err)
	}
	return nil
}

// WriteFailed ensures started is persisted (if it was not already), then
// transitions the record to failed and persists it. This is the single
// crash-safety guarantee of the package: a failure is never recorded without
// a preceding started write.
func (t *Tracker) WriteFailed(ctx context.Context, errMsg string) error {
	if !t.startedWritten {
		if err := t.WriteStarted(ctx); err != nil {
			return err
		}
	}
	t.record.Status = StatusFailed
	t.record.Error = errMsg
	t.record.CompletedAt = time.Now()
	if err := t.store.WriteFailed(ctx, t.record); err != nil {
		return enginerr.Wrap(enginerr.CodeStorageError, "writing failed execution record", err)
	}
	return nil
}

// WriteCancelled transitions the record to cancelled. Cancellation always
// implies a started record exists (the run was in flight), so it does not
// re-check the started-written guard the way WriteFailed does.
func (t *Tracker) WriteCancelled(ctx context.Context, reason string) error {
	t.record.Status = StatusCancelled
	t.record.Error = reason
	t.record.CompletedAt = time.Now()
	if err := t.store.WriteFailed(ctx, t.record); err != nil {
		return enginerr.Wrap(enginerr.CodeStorageError, "writing cancelled execution record", err)
	}
	return nil
}
