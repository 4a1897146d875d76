// Package executor implements the orchestrator: the ordered pipeline that
// turns a component reference plus input into a completed or failed
// execution record (gating -> verification -> dispatch -> persistence),
// built around a policy-plus-secret-grant authorization model.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
	"github.com/cyfrworks/cyfr-sub001/pkg/crypto"
	"github.com/cyfrworks/cyfr-sub001/pkg/enginerr"
	"github.com/cyfrworks/cyfr-sub001/pkg/executionrecord"
	"github.com/cyfrworks/cyfr-sub001/pkg/hostformula"
	"github.com/cyfrworks/cyfr-sub001/pkg/hosthttp"
	"github.com/cyfrworks/cyfr-sub001/pkg/hostmcp"
	"github.com/cyfrworks/cyfr-sub001/pkg/hostsecrets"
	"github.com/cyfrworks/cyfr-sub001/pkg/policy"
	"github.com/cyfrworks/cyfr-sub001/pkg/policycache"
	"github.com/cyfrworks/cyfr-sub001/pkg/ratelimiter"
	"github.com/cyfrworks/cyfr-sub001/pkg/runtime"
	"github.com/cyfrworks/cyfr-sub001/pkg/secrets"
	"github.com/cyfrworks/cyfr-sub001/pkg/telemetry"
)

// defaultDeadline bounds an execution when the policy sets no timeout.
const defaultDeadline = 30 * time.Second

// BinaryStore fetches a component's compiled WASM binary for a resolved
// reference.
type BinaryStore interface {
	Fetch(ctx context.Context, ref componentref.Ref) ([]byte, error)
}

// SignedBinaryStore is implemented by a BinaryStore that enforces a
// signature requirement at publish time (see pkg/registry.Registry).
// verifySignature consults it when EnforceSignatures is set, so a binary
// store that cannot attest signatures fails closed instead of silently
// passing.
type SignedBinaryStore interface {
	Has(ref componentref.Ref) bool
}

// Options configures an Executor's collaborators.
type Options struct {
	PolicyCache       *policycache.Cache
	RateLimiter       ratelimiter.Limiter
	SecretResolver    *secrets.Resolver
	ExecutionStore    executionrecord.Store
	BinaryStore       BinaryStore
	Runtime           *runtime.Runtime
	Telemetry         *telemetry.Emitter
	MCPHandler        hostmcp.Handler // optional; nil means formulas never get mcp/tools wired
	HTTPClient        *hosthttp.Deps  // optional base Deps (Client override etc.)
	EnforceSignatures bool

	// ChainSigner and ChainStore, when both set, make top-level invocations
	// that carry a Request.SessionID sign and link their completed/failed
	// record to the previous record in that session (see
	// executionrecord.Record.Chain). Optional: a nil ChainSigner leaves
	// records unsigned and unlinked exactly as before.
	ChainSigner *crypto.Ed25519Signer
	ChainStore  executionrecord.ChainStore
}

// Executor is the orchestrator. It also implements hostformula.Runner so a
// formula's sub-invocations recurse directly back into the same pipeline.
type Executor struct {
	opts Options
}

// New creates an Executor.
func New(opts Options) *Executor {
	return &Executor{opts: opts}
}

// Request is a top-level invocation, as opposed to a formula's recursive
// sub-invocation, which flows through Run via hostformula.RunOpts.
type Request struct {
	Reference      string
	Input          json.RawMessage
	UserID         string
	SessionID      string // optional; enables causal receipt chaining when ChainSigner/ChainStore are configured
	ExpectedDigest string // optional, compared against the fetched binary's sha256
}

// Outcome is the success result of a top-level Invoke call.
type Outcome struct {
	ExecutionID     string
	Output          json.RawMessage
	DurationMS      int64
	ComponentDigest string
	PolicySnapshot  json.RawMessage
}

// Invoke runs a fresh, top-level execution: request_id is newly minted and
// there is no parent execution.
func (e *Executor) Invoke(ctx context.Context, req Request) (Outcome, error) {
	requestID := uuid.NewString()
	return e.run(ctx, req.Reference, req.Input, hostformula.RunOpts{
		RequestID: requestID,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Depth:     0,
	}, req.ExpectedDigest)
}

// Run implements hostformula.Runner: a sub-invocation shares the parent's
// request_id and carries parent_execution_id/depth forward.
func (e *Executor) Run(ctx context.Context, reference string, input json.RawMessage, opts hostformula.RunOpts) (json.RawMessage, error) {
	out, err := e.run(ctx, reference, input, opts, "")
	if err != nil {
		return nil, err
	}
	return out.Output, nil
}

// run is the ordered orchestration pipeline: parse the reference, open an
// execution record, gate on policy/size/rate, fetch and verify the binary,
// execute the component, mask secrets out of the output, and persist the
// terminal record — with a failure at any point routed through fail, which
// guarantees a started record exists before a failed one is written.
func (e *Executor) run(ctx context.Context, reference string, input json.RawMessage, opts hostformula.RunOpts, expectedDigest string) (Outcome, error) {
	ref, err := componentref.Parse(reference)
	if err != nil {
		return Outcome{}, err
	}

	record := executionrecord.New(opts.RequestID, opts.ParentExecutionID, opts.UserID, ref, input).WithSession(opts.SessionID)
	tracker := executionrecord.NewTracker(e.opts.ExecutionStore, record)

	out, runErr := e.dispatch(ctx, ref, input, opts, expectedDigest, tracker)
	if runErr != nil {
		e.fail(ctx, tracker, runErr)
		return Outcome{}, runErr
	}
	return out, nil
}

// chainAndSign is a no-op unless both ChainSigner and ChainStore are
// configured and the record carries a session ID: it links the record to the
// session's previous record and signs the resulting chain position.
func (e *Executor) chainAndSign(ctx context.Context, record *executionrecord.Record) error {
	if e.opts.ChainSigner == nil || e.opts.ChainStore == nil || record.SessionID == "" {
		return nil
	}
	prev, err := e.opts.ChainStore.LastInSession(ctx, record.SessionID)
	if err != nil {
		return enginerr.Wrap(enginerr.CodeStorageError, "loading previous chain record", err)
	}
	record.Chain(prev)
	if err := record.Sign(e.opts.ChainSigner); err != nil {
		return err
	}
	return nil
}

func (e *Executor) fail(ctx context.Context, tracker *executionrecord.Tracker, cause error) {
	record := tracker.Record()
	record.Status = executionrecord.StatusFailed
	record.Error = cause.Error()
	if err := e.chainAndSign(ctx, record); err != nil {
		_ = err // chain/signature failure does not mask the original cause
	}
	if err := tracker.WriteFailed(ctx, cause.Error()); err != nil {
		// The original cause is still what the caller sees; a failure to
		// persist the failure itself is logged via telemetry below only.
		_ = err
	}
	if e.opts.Telemetry != nil {
		e.opts.Telemetry.Emit(ctx, telemetry.Event{
			Type:        telemetry.EventExecuteException,
			ExecutionID: tracker.Record().ID,
			UserID:      tracker.Record().UserID,
			Ref:         tracker.Record().Reference,
			Fields:      map[string]string{"error": cause.Error()},
		})
	}
}

func (e *Executor) dispatch(ctx context.Context, ref componentref.Ref, input json.RawMessage, opts hostformula.RunOpts, expectedDigest string, tracker *executionrecord.Tracker) (Outcome, error) {
	record := tracker.Record()

	p, err := e.resolvePolicy(ctx, ref)
	if err != nil {
		return Outcome{}, err
	}

	if p != nil && p.MaxRequestSize > 0 && int64(len(input)) > p.MaxRequestSize {
		return Outcome{}, enginerr.New(enginerr.CodeRequestTooLarge, "input exceeds max_request_size")
	}

	if e.opts.RateLimiter != nil {
		result, err := e.opts.RateLimiter.Check(ctx, opts.UserID, ref, p)
		if err != nil {
			return Outcome{}, enginerr.Wrap(enginerr.CodeUnexpected, "rate limiter check failed", err)
		}
		if !result.Allowed {
			return Outcome{}, enginerr.New(enginerr.CodeRateLimited, fmt.Sprintf("rate limit exceeded, retry_after=%s", result.RetryAfter))
		}
	}

	binaryBytes, digest, err := e.fetchBinary(ctx, ref, expectedDigest)
	if err != nil {
		return Outcome{}, err
	}

	snapshot, err := json.Marshal(p)
	if err != nil {
		return Outcome{}, enginerr.Wrap(enginerr.CodeEncodeError, "failed to snapshot policy", err)
	}
	tracker.MarkPreRun(digest, snapshot)

	if err := e.verifySignature(ref); err != nil {
		return Outcome{}, err
	}

	if err := tracker.WriteStarted(ctx); err != nil {
		return Outcome{}, err
	}
	if e.opts.Telemetry != nil {
		e.opts.Telemetry.Emit(ctx, telemetry.Event{
			Type: telemetry.EventExecuteStart, ExecutionID: record.ID, UserID: opts.UserID, Ref: ref.String(),
		})
	}

	var secretValues map[string][]byte
	if e.opts.SecretResolver != nil {
		secretValues, err = e.opts.SecretResolver.Resolve(ctx, opts.UserID, ref)
		if err != nil {
			return Outcome{}, err
		}
	}

	timeoutMS, err := policy.TimeoutMS(p)
	if err != nil {
		return Outcome{}, err
	}
	deadline := defaultDeadline
	if timeoutMS > 0 {
		deadline = time.Duration(timeoutMS) * time.Millisecond
	}

	var memoryLimit int64
	if p != nil {
		memoryLimit = p.MaxMemoryBytes
	}

	imports := e.buildImports(ref, p, secretValues, opts, record.ID)
	start := time.Now()
	rawOutput, err := e.opts.Runtime.Execute(ctx, binaryBytes, ref.Type, string(input), runtime.Limits{
		MemoryLimitBytes: memoryLimit,
		Deadline:         deadline,
	}, imports)
	duration := time.Since(start)
	if err != nil {
		return Outcome{}, err
	}

	masker := secrets.NewMasker(secrets.Values(secretValues))
	maskedOutput := maskString(masker, rawOutput)

	record.Output = []byte(maskedOutput)
	record.Status = executionrecord.StatusCompleted
	if err := e.chainAndSign(ctx, record); err != nil {
		return Outcome{}, err
	}

	if err := tracker.WriteCompleted(ctx, []byte(maskedOutput), duration.Milliseconds()); err != nil {
		return Outcome{}, err
	}
	if e.opts.Telemetry != nil {
		e.opts.Telemetry.Emit(ctx, telemetry.Event{
			Type: telemetry.EventExecuteStop, ExecutionID: record.ID, UserID: opts.UserID, Ref: ref.String(),
			Fields: map[string]string{"duration_ms": fmt.Sprintf("%d", duration.Milliseconds())},
		})
		e.opts.Telemetry.RecordDuration(ctx, ref.String(), duration)
	}

	return Outcome{
		ExecutionID:     record.ID,
		Output:          []byte(maskedOutput),
		DurationMS:      duration.Milliseconds(),
		ComponentDigest: digest,
		PolicySnapshot:  snapshot,
	}, nil
}

// resolvePolicy loads the administrator policy for ref. A catalyst with no
// policy, or a policy with an empty allowed_domains, can never execute; a
// reagent or formula runs fine with no policy at all.
func (e *Executor) resolvePolicy(ctx context.Context, ref componentref.Ref) (*policy.Policy, error) {
	if e.opts.PolicyCache == nil {
		if policy.RequiresPolicy(string(ref.Type)) {
			return nil, enginerr.New(enginerr.CodePolicyMissing, "no policy cache configured for a catalyst")
		}
		return nil, nil
	}

	p, err := e.opts.PolicyCache.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, policycache.ErrNotFound) {
			if policy.RequiresPolicy(string(ref.Type)) {
				return nil, enginerr.New(enginerr.CodePolicyMissing, fmt.Sprintf("no policy configured for %s", ref.String()))
			}
			return nil, nil
		}
		return nil, err
	}
	if policy.RequiresPolicy(string(ref.Type)) && len(p.AllowedDomains) == 0 {
		return nil, enginerr.New(enginerr.CodeNoAllowedDomains, fmt.Sprintf("%s has an empty allowed_domains policy", ref.String()))
	}
	return p, nil
}

func (e *Executor) fetchBinary(ctx context.Context, ref componentref.Ref, expectedDigest string) ([]byte, string, error) {
	if e.opts.BinaryStore == nil {
		return nil, "", enginerr.New(enginerr.CodeStorageError, "no binary store configured")
	}
	data, err := e.opts.BinaryStore.Fetch(ctx, ref)
	if err != nil {
		return nil, "", enginerr.Wrap(enginerr.CodeStorageError, "failed to fetch component binary", err)
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if expectedDigest != "" && expectedDigest != digest {
		return nil, "", enginerr.New(enginerr.CodeDigestMismatch, fmt.Sprintf("expected digest %s, fetched binary hashes to %s", expectedDigest, digest))
	}
	return data, digest, nil
}

// verifySignature requires, when EnforceSignatures is set, that the
// configured BinaryStore attest ref was published under a verified
// signature (see pkg/registry.Registry.Publish). A binary store that
// doesn't implement SignedBinaryStore — e.g. a bare filesystem store —
// fails closed rather than passing silently.
func (e *Executor) verifySignature(ref componentref.Ref) error {
	if !e.opts.EnforceSignatures {
		return nil
	}
	signed, ok := e.opts.BinaryStore.(SignedBinaryStore)
	if !ok {
		return enginerr.New(enginerr.CodeSignatureInvalid, "enforce_signatures is set but the configured binary store cannot attest signatures")
	}
	if !signed.Has(ref) {
		return enginerr.New(enginerr.CodeSignatureInvalid, fmt.Sprintf("%s has no verified signed publication on record", ref.String()))
	}
	return nil
}

func (e *Executor) buildImports(ref componentref.Ref, p *policy.Policy, secretValues map[string][]byte, opts hostformula.RunOpts, executionID string) runtime.Imports {
	imports := runtime.Imports{}

	switch ref.Type {
	case componentref.TypeCatalyst:
		deps := hosthttp.Deps{
			Policy:      p,
			Limiter:     e.opts.RateLimiter,
			Telemetry:   e.opts.Telemetry,
			UserID:      opts.UserID,
			Ref:         ref,
			ExecutionID: executionID,
		}
		if e.opts.HTTPClient != nil {
			deps.Client = e.opts.HTTPClient.Client
		}
		imports.HTTPDeps = deps
		imports.StreamManager = hosthttp.NewManager()
		imports.SecretReader = hostsecrets.New(secretValues, e.opts.Telemetry, opts.UserID, ref.String(), executionID)
	case componentref.TypeFormula:
		imports.FormulaInvoker = hostformula.New(e, hostformula.RunOpts{
			RequestID:         opts.RequestID,
			ParentExecutionID: executionID,
			UserID:            opts.UserID,
			Depth:             opts.Depth,
		})
		if p != nil && len(p.AllowedTools) > 0 && e.opts.MCPHandler != nil {
			imports.MCPDispatcher = hostmcp.New(p, e.opts.MCPHandler)
			imports.AllowedTools = p.AllowedTools
		}
	}
	return imports
}

// maskString masks secret substrings out of a component's raw string output.
// If the output parses as JSON, masking walks the decoded tree (catching
// values nested inside structured output); otherwise it masks the raw string
// directly.
func maskString(masker *secrets.Masker, raw string) string {
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return masker.MaskString(raw)
	}
	masked := masker.Mask(decoded)
	b, err := json.Marshal(masked)
	if err != nil {
		return masker.MaskString(raw)
	}
	return string(b)
}
