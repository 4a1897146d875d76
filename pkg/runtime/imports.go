package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
	"github.com/cyfrworks/cyfr-sub001/pkg/enginerr"
	"github.com/cyfrworks/cyfr-sub001/pkg/hostformula"
	"github.com/cyfrworks/cyfr-sub001/pkg/hosthttp"
	"github.com/cyfrworks/cyfr-sub001/pkg/hostmcp"
	"github.com/cyfrworks/cyfr-sub001/pkg/hostsecrets"
)

// Imports bundles the per-execution host-function collaborators. Which
// fields are actually wired into the guest module depends on componentType:
// a Reagent gets none of these; a Catalyst gets HTTP and Secrets; a Formula
// gets Formula and, conditionally, MCP.
type Imports struct {
	HTTPDeps       hosthttp.Deps
	StreamManager  *hosthttp.Manager
	SecretReader   *hostsecrets.Reader
	FormulaInvoker *hostformula.Invoker
	MCPDispatcher  *hostmcp.Dispatcher
	AllowedTools   []string // drives whether mcp/tools is wired for a formula
}

// moduleName is the host-module namespace guest binaries import from,
// mirroring canonical WIT interface naming.
const moduleName = "cyfr:host/imports@0.1.0"

// buildHostModule registers only the host functions componentType is
// permitted to import, deny-by-default: a function simply does not exist in
// the instantiated module unless the component type grants it, so a guest
// cannot even link against a denied import.
func buildHostModule(engine wazero.Runtime, componentType componentref.Type, imports Imports) (api.Closer, error) {
	switch componentType {
	case componentref.TypeReagent:
		return nil, nil
	case componentref.TypeCatalyst:
		return instantiateCatalystImports(engine, imports)
	case componentref.TypeFormula:
		return instantiateFormulaImports(engine, imports)
	default:
		return nil, enginerr.New(enginerr.CodeUnknownType, fmt.Sprintf("unknown component type %q", componentType))
	}
}

func instantiateCatalystImports(engine wazero.Runtime, imports Imports) (api.Closer, error) {
	builder := engine.NewHostModuleBuilder(moduleName)

	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostFn(func(ctx context.Context, mod api.Module, reqJSON string) (string, error) {
			var req hosthttp.Request
			if err := json.Unmarshal([]byte(reqJSON), &req); err != nil {
				return encodeHostError(enginerr.Wrap(enginerr.CodeDecodeError, "invalid http/fetch request", err)), nil
			}
			resp, hostErr := hosthttp.Fetch(ctx, req, imports.HTTPDeps)
			if hostErr != nil {
				return encodeHostError(hostErr), nil
			}
			return encodeHostOK(resp), nil
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI64}).
		Export("http_fetch_request")

	if imports.StreamManager != nil {
		registerStreamImports(builder, imports)
	}

	if imports.SecretReader != nil {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(hostFn(func(ctx context.Context, mod api.Module, name string) (string, error) {
				value, hostErr := imports.SecretReader.Get(ctx, name)
				if hostErr != nil {
					return encodeHostError(hostErr), nil
				}
				return encodeHostOK(map[string]string{"value": string(value)}), nil
			}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI64}).
			Export("secrets_read_get")
	}

	return builder.Instantiate(context.Background())
}

func registerStreamImports(builder wazero.HostModuleBuilder, imports Imports) {
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostFn(func(ctx context.Context, mod api.Module, reqJSON string) (string, error) {
			var req hosthttp.Request
			if err := json.Unmarshal([]byte(reqJSON), &req); err != nil {
				return encodeHostError(enginerr.Wrap(enginerr.CodeDecodeError, "invalid http/stream request", err)), nil
			}
			handle, hostErr := imports.StreamManager.Request(ctx, req, imports.HTTPDeps)
			if hostErr != nil {
				return encodeHostError(hostErr), nil
			}
			return encodeHostOK(map[string]string{"handle": handle}), nil
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI64}).
		Export("http_stream_request")

	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostFn(func(_ context.Context, mod api.Module, handle string) (string, error) {
			data, done, hostErr := imports.StreamManager.Read(handle)
			if hostErr != nil {
				return encodeHostError(hostErr), nil
			}
			return encodeHostOK(map[string]any{"data": string(data), "done": done}), nil
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI64}).
		Export("http_stream_read")

	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostFn(func(_ context.Context, mod api.Module, handle string) (string, error) {
			imports.StreamManager.Close(handle)
			return encodeHostOK(map[string]bool{"closed": true}), nil
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI64}).
		Export("http_stream_close")
}

func instantiateFormulaImports(engine wazero.Runtime, imports Imports) (api.Closer, error) {
	builder := engine.NewHostModuleBuilder(moduleName)

	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostFn(func(ctx context.Context, mod api.Module, callJSON string) (string, error) {
			if imports.FormulaInvoker == nil {
				return encodeHostError(enginerr.New(enginerr.CodeAccessDenied, "formula invocation is not configured for this execution")), nil
			}
			var call hostformula.Call
			if err := json.Unmarshal([]byte(callJSON), &call); err != nil {
				return encodeHostError(enginerr.Wrap(enginerr.CodeDecodeError, "invalid formula/invoke call", err)), nil
			}
			result, hostErr := imports.FormulaInvoker.Invoke(ctx, call)
			if hostErr != nil {
				return encodeHostError(hostErr), nil
			}
			return encodeHostOK(result), nil
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI64}).
		Export("formula_invoke_call")

	// mcp/tools is only wired when allowed_tools is non-empty.
	if len(imports.AllowedTools) > 0 && imports.MCPDispatcher != nil {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(hostFn(func(ctx context.Context, mod api.Module, callJSON string) (string, error) {
				var call hostmcp.Call
				if err := json.Unmarshal([]byte(callJSON), &call); err != nil {
					return encodeHostError(enginerr.Wrap(enginerr.CodeDecodeError, "invalid mcp/tools call", err)), nil
				}
				result, hostErr := imports.MCPDispatcher.Call(ctx, call)
				if hostErr != nil {
					return encodeHostError(hostErr), nil
				}
				return encodeHostOK(result), nil
			}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI64}).
			Export("mcp_tools_call")
	}

	return builder.Instantiate(context.Background())
}

// encodeHostOK and encodeHostError serialize a host function's result into
// the string form callStringFunction's guest-side convention expects; actual
// ptr/len packing into guest memory happens in the GoModuleFunction adapter
// (hostFn), not here — this just produces the JSON payload.
func encodeHostOK(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return encodeHostError(enginerr.Wrap(enginerr.CodeEncodeError, "failed to encode host function result", err))
	}
	return string(b)
}

func encodeHostError(err *enginerr.Error) string {
	b, _ := json.Marshal(enginerr.ToJSON(err))
	return string(b)
}
