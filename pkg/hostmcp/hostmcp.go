// Package hostmcp implements the mcp/tools.call host function: formula-only
// action-based dispatch across named tool namespaces, using an
// allowlist-then-schema-then-delegate gating pipeline.
package hostmcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cyfrworks/cyfr-sub001/pkg/enginerr"
	"github.com/cyfrworks/cyfr-sub001/pkg/manifest"
	"github.com/cyfrworks/cyfr-sub001/pkg/policy"
)

// Namespace is one of the fixed dispatch targets.
type Namespace string

const (
	NamespaceComponent Namespace = "component"
	NamespaceStorage   Namespace = "storage"
	NamespacePolicy    Namespace = "policy"
	NamespaceBuild     Namespace = "build"
	NamespaceSecret    Namespace = "secret"
	NamespaceExecution Namespace = "execution"
	NamespaceAudit     Namespace = "audit"
	NamespaceConfig    Namespace = "config"
)

var validNamespaces = map[Namespace]bool{
	NamespaceComponent: true, NamespaceStorage: true, NamespacePolicy: true,
	NamespaceBuild: true, NamespaceSecret: true, NamespaceExecution: true,
	NamespaceAudit: true, NamespaceConfig: true,
}

// Call is the decoded mcp/tools.call input.
type Call struct {
	Namespace Namespace      `json:"ns"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params"`
	Path      string         `json:"path,omitempty"` // storage read/write target
}

// Handler dispatches one already-gated call to its namespace's tool logic.
type Handler interface {
	Handle(ctx context.Context, ns Namespace, action string, params map[string]any) (any, error)
}

// toolContract is the PEP-boundary contract for one "ns.action": the
// lightweight field schema manifest.ValidateAndCanonicalizeToolArgs/Output
// enforce on top of (or instead of) a full JSON Schema, so a call's args and
// a connector's output are both canonicalized and hashed even when no JSON
// Schema is registered.
type toolContract struct {
	args   *manifest.ToolArgSchema
	output *manifest.ToolOutputSchema
}

// Dispatcher gates and dispatches mcp/tools.call: deny-by-default on
// allowed_tools, storage-specific path rules, then delegate.
type Dispatcher struct {
	policy    *policy.Policy
	schemas   map[string]*jsonschema.Schema // "ns.action" -> compiled params schema
	contracts map[string]toolContract       // "ns.action" -> PEP boundary field contract
	handler   Handler
}

// New creates a Dispatcher. handler must be non-nil; a nil handler fails
// closed on every call.
func New(p *policy.Policy, handler Handler) *Dispatcher {
	return &Dispatcher{
		policy:    p,
		schemas:   make(map[string]*jsonschema.Schema),
		contracts: make(map[string]toolContract),
		handler:   handler,
	}
}

// RegisterToolContract installs the PEP-boundary field contract for
// "ns.action": argSchema/outputSchema may each be nil, in which case that
// side is canonicalized but not structurally validated. Call both
// canonicalizes and hashes call.Params before dispatch and the handler's
// result after, failing closed on unknown/missing fields or a
// canonicalization error (connector contract drift).
func (d *Dispatcher) RegisterToolContract(nsAction string, argSchema *manifest.ToolArgSchema, outputSchema *manifest.ToolOutputSchema) {
	d.contracts[nsAction] = toolContract{args: argSchema, output: outputSchema}
}

// RegisterSchema compiles and installs a JSON Schema validating the params
// accepted by "ns.action". An empty schema removes any existing one.
func (d *Dispatcher) RegisterSchema(nsAction, schema string) error {
	if schema == "" {
		delete(d.schemas, nsAction)
		return nil
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://cyfr.local/hostmcp/" + nsAction + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("hostmcp: load schema for %s: %w", nsAction, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("hostmcp: compile schema for %s: %w", nsAction, err)
	}
	d.schemas[nsAction] = compiled
	return nil
}

// Call gates and dispatches one mcp/tools.call invocation: namespace check,
// tool allowlist check, storage path rules, schema validation, then
// delegate. All errors are returned as *enginerr.Error for the caller to encode
// into the {error:{type,message}} envelope — this function never panics and
// never returns a bare Go error.
func (d *Dispatcher) Call(ctx context.Context, call Call) (any, *enginerr.Error) {
	if !validNamespaces[call.Namespace] {
		return nil, enginerr.New(enginerr.CodeToolDenied, fmt.Sprintf("unknown tool namespace %q", call.Namespace))
	}

	nsAction := string(call.Namespace) + "." + call.Action
	if !policy.AllowsTool(d.policy, nsAction) {
		return nil, enginerr.New(enginerr.CodeToolDenied, fmt.Sprintf("tool %q is not in allowed_tools", nsAction))
	}

	if call.Namespace == NamespaceStorage {
		if call.Action == "write" && !strings.HasPrefix(call.Path, "agent/") {
			return nil, enginerr.New(enginerr.CodeStoragePathDenied, "storage write requires an agent/ prefix path")
		}
		if (call.Action == "read" || call.Action == "write") && !policy.AllowsStoragePath(d.policy, call.Path) {
			return nil, enginerr.New(enginerr.CodeStoragePathDenied, fmt.Sprintf("path %q is not in allowed_storage_paths", call.Path))
		}
	}

	if schema, ok := d.schemas[nsAction]; ok && schema != nil {
		if err := schema.Validate(call.Params); err != nil {
			return nil, enginerr.Wrap(enginerr.CodeSchemaInvalid, fmt.Sprintf("params for %q failed schema validation", nsAction), err)
		}
	}

	contract, hasContract := d.contracts[nsAction]
	if hasContract {
		if _, err := manifest.ValidateAndCanonicalizeToolArgs(contract.args, call.Params); err != nil {
			return nil, enginerr.Wrap(enginerr.CodeSchemaInvalid, fmt.Sprintf("args for %q failed the PEP boundary contract", nsAction), err)
		}
	}

	if d.handler == nil {
		return nil, enginerr.New(enginerr.CodeAccessDenied, "hostmcp dispatcher not configured (fail-closed)")
	}

	result, err := d.handler.Handle(ctx, call.Namespace, call.Action, call.Params)
	if err != nil {
		return nil, enginerr.Wrap(enginerr.CodeUnexpected, fmt.Sprintf("tool %q failed", nsAction), err)
	}

	if hasContract && result != nil {
		if _, err := manifest.ValidateAndCanonicalizeToolOutput(contract.output, result); err != nil {
			return nil, enginerr.Wrap(enginerr.CodeSchemaInvalid, fmt.Sprintf("output of %q failed the PEP boundary contract", nsAction), err)
		}
	}
	return result, nil
}
