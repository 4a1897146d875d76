// Package runtime instantiates and executes a component's WASM binary:
// per-type host-function imports, a linear-memory cap, and a wall-clock
// deadline, using wazero runtime configuration (memory-limit pages,
// deny-by-default module config, error classification) generalized from a
// stdio-pipe ABI to direct exported-function calls matching the canonical
// cyfr:<type>/<export>@0.1.0 (string) -> string contract.
package runtime

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
	"github.com/cyfrworks/cyfr-sub001/pkg/enginerr"
)

// exportName maps a component type to its canonical export function name.
var exportName = map[componentref.Type]string{
	componentref.TypeCatalyst: "run",
	componentref.TypeReagent:  "compute",
	componentref.TypeFormula:  "run",
}

// Limits bounds one execution: a linear-memory cap and a wall-clock deadline
// applied before execution.
type Limits struct {
	MemoryLimitBytes int64
	Deadline         time.Duration
}

// wasmPageSize is wazero's linear-memory page granularity.
const wasmPageSize = 64 * 1024

// Runtime wraps one long-lived wazero.Runtime, reused across executions.
type Runtime struct {
	engine wazero.Runtime
}

// New creates a Runtime with the given memory ceiling applied at the
// wazero-config level (per-instance caps are further narrowed per call via
// Limits, but the config-level ceiling is the hard backstop).
func New(ctx context.Context, maxMemoryBytes int64) (*Runtime, error) {
	cfg := wazero.NewRuntimeConfig()
	if maxMemoryBytes > 0 {
		pages := uint32(maxMemoryBytes / wasmPageSize)
		if pages == 0 {
			pages = 1
		}
		cfg = cfg.WithMemoryLimitPages(pages)
	}

	engine := wazero.NewRuntimeWithConfig(ctx, cfg)

	// Deny-by-default: stdio only, no filesystem, no network, no random,
	// no clock.
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, engine); err != nil {
		_ = engine.Close(ctx)
		return nil, fmt.Errorf("runtime: failed to instantiate WASI: %w", err)
	}

	return &Runtime{engine: engine}, nil
}

// Close releases the underlying wazero runtime.
func (r *Runtime) Close(ctx context.Context) error {
	return r.engine.Close(ctx)
}

// Execute compiles binary, wires the imports permitted for componentType,
// and calls the canonical export with input, returning its raw string
// output. A wall-clock deadline is enforced via ctx; exceeding it aborts the
// call and surfaces CodeTimeout.
func (r *Runtime) Execute(ctx context.Context, binary []byte, componentType componentref.Type, input string, limits Limits, imports Imports) (string, error) {
	export, ok := exportName[componentType]
	if !ok {
		return "", enginerr.New(enginerr.CodeUnknownType, fmt.Sprintf("unknown component type %q", componentType))
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if limits.Deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, limits.Deadline)
		defer cancel()
	}

	compiled, err := r.engine.CompileModule(runCtx, binary)
	if err != nil {
		return "", enginerr.Wrap(enginerr.CodeDecodeError, "failed to compile component binary", err)
	}
	defer func() { _ = compiled.Close(runCtx) }()

	hostModule, err := buildHostModule(r.engine, componentType, imports)
	if err != nil {
		return "", err
	}
	if hostModule != nil {
		defer func() { _ = hostModule.Close(runCtx) }()
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(string(componentType)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := r.engine.InstantiateModule(runCtx, compiled, modCfg)
	if err != nil {
		if runCtx.Err() != nil {
			return "", enginerr.New(enginerr.CodeTimeout, fmt.Sprintf("execution timeout after %dms", limits.Deadline.Milliseconds()))
		}
		if isMemoryError(err) {
			return "", enginerr.New(enginerr.CodeMemoryExceeded, "component exceeded its linear-memory cap")
		}
		return "", enginerr.Wrap(enginerr.CodeFuelExhausted, "component instantiation trapped", err)
	}
	defer func() { _ = mod.Close(runCtx) }()

	fn := mod.ExportedFunction(export)
	if fn == nil {
		return "", enginerr.New(enginerr.CodeUnknownType, fmt.Sprintf("component does not export %q", export))
	}

	output, err := callStringFunction(runCtx, mod, fn, input)
	if err != nil {
		if runCtx.Err() != nil {
			return "", enginerr.New(enginerr.CodeTimeout, fmt.Sprintf("execution timeout after %dms", limits.Deadline.Milliseconds()))
		}
		return "", enginerr.Wrap(enginerr.CodeFuelExhausted, "component call trapped", err)
	}
	return output, nil
}

func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return bytes.Contains([]byte(msg), []byte("memory")) &&
		(bytes.Contains([]byte(msg), []byte("limit")) || bytes.Contains([]byte(msg), []byte("grow")) || bytes.Contains([]byte(msg), []byte("out of bounds")))
}

// callStringFunction lowers a Go string into guest linear memory using the
// guest's exported allocator ("cabi_realloc", the canonical-ABI convention
// for lifting/lowering strings across a component boundary), invokes fn with
// (ptr, len), and lifts the packed (ptr<<32 | len) result back into a Go
// string.
func callStringFunction(ctx context.Context, mod api.Module, fn api.Function, input string) (string, error) {
	alloc := mod.ExportedFunction("cabi_realloc")
	mem := mod.Memory()

	inBytes := []byte(input)
	var inPtr uint32
	if alloc != nil && len(inBytes) > 0 {
		results, err := alloc.Call(ctx, 0, 0, 1, uint64(len(inBytes)))
		if err != nil {
			return "", fmt.Errorf("runtime: guest allocator failed: %w", err)
		}
		inPtr = uint32(results[0])
		if !mem.Write(inPtr, inBytes) {
			return "", fmt.Errorf("runtime: failed to write input into guest memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inPtr), uint64(len(inBytes)))
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	packed := results[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed & 0xffffffff)
	if outLen == 0 {
		return "", nil
	}
	out, ok := mem.Read(outPtr, outLen)
	if !ok {
		return "", fmt.Errorf("runtime: failed to read output from guest memory")
	}
	return string(out), nil
}

// packPtrLen packs a (ptr, len) pair the way host functions return composite
// results to a guest under the canonical-ABI-lite convention used above.
func packPtrLen(ptr, length uint32) uint64 {
	return (uint64(ptr) << 32) | uint64(length)
}
