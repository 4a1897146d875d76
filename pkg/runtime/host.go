package runtime

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// hostFn adapts a (ctx, guest module, input string) -> (output string, error)
// Go function into the api.GoModuleFunction shape wazero's host-module
// builder requires: guest call stacks carry raw (ptr, len) pairs, not Go
// strings, so this helper performs the lift (guest memory -> string) and
// lower (string -> freshly allocated guest memory, packed ptr<<32|len) on
// every call, matching the canonical-ABI-lite convention callStringFunction
// uses on the export side.
func hostFn(fn func(ctx context.Context, mod api.Module, input string) (string, error)) api.GoModuleFunction {
	return api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
		ptr := uint32(stack[0])
		length := uint32(stack[1])

		mem := mod.Memory()
		var input string
		if length > 0 {
			raw, ok := mem.Read(ptr, length)
			if !ok {
				panic(fmt.Sprintf("runtime: host function failed to read %d bytes at guest offset %d", length, ptr))
			}
			input = string(raw)
		}

		output, err := fn(ctx, mod, input)
		if err != nil {
			panic(fmt.Sprintf("runtime: host function returned an unexpected error: %v", err))
		}

		outBytes := []byte(output)
		if len(outBytes) == 0 {
			stack[0] = packPtrLen(0, 0)
			return
		}

		alloc := mod.ExportedFunction("cabi_realloc")
		if alloc == nil {
			panic("runtime: guest module does not export cabi_realloc, required to return host function results")
		}
		results, err := alloc.Call(ctx, 0, 0, 1, uint64(len(outBytes)))
		if err != nil {
			panic(fmt.Sprintf("runtime: guest allocator failed for host function result: %v", err))
		}
		outPtr := uint32(results[0])
		if !mem.Write(outPtr, outBytes) {
			panic("runtime: failed to write host function result into guest memory")
		}
		stack[0] = packPtrLen(outPtr, uint32(len(outBytes)))
	})
}
