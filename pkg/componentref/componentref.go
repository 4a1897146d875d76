// Package componentref parses, formats, and validates component references
// and the tagged Reference union used to resolve a binary.
package componentref

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/cyfrworks/cyfr-sub001/pkg/enginerr"
)

// Type is the component-type taxonomy: catalyst, reagent, or formula.
type Type string

const (
	TypeCatalyst Type = "catalyst"
	TypeReagent  Type = "reagent"
	TypeFormula  Type = "formula"
)

var shorthand = map[string]Type{
	"c": TypeCatalyst, "r": TypeReagent, "f": TypeFormula,
	"catalyst": TypeCatalyst, "reagent": TypeReagent, "formula": TypeFormula,
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

const defaultNamespace = "local"
const defaultVersion = "latest"
const maxNameLen = 64

// Ref is the identity of a component: type:namespace.name:version.
// Immutable once constructed; equality is structural.
type Ref struct {
	Type      Type
	Namespace string
	Name      string
	Version   string
}

// Parse parses a reference string of the form
// [type ":"] [namespace "."] name [":" version].
//
// A type is required for an executable ref: plain canonical refs (no type
// prefix) fail with a message suggesting the catalyst:/reagent:/formula:
// prefixes.
func Parse(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ref{}, enginerr.New(enginerr.CodeMalformedRef, "empty component reference")
	}

	typePart := ""
	rest := s
	if idx := strings.Index(s, ":"); idx >= 0 {
		typePart = s[:idx]
		rest = s[idx+1:]
	}

	t, ok := shorthand[strings.ToLower(typePart)]
	if !ok {
		return Ref{}, enginerr.New(enginerr.CodeMalformedRef,
			fmt.Sprintf("missing or unknown component type in %q: prefix with catalyst:/reagent:/formula:", s))
	}

	namespace := defaultNamespace
	name := rest
	version := defaultVersion

	if idx := strings.LastIndex(rest, ":"); idx >= 0 {
		name = rest[:idx]
		version = rest[idx+1:]
		if version == "" {
			version = defaultVersion
		}
	}

	if idx := strings.Index(name, "."); idx >= 0 {
		namespace = name[:idx]
		name = name[idx+1:]
	}

	if err := validateName(name); err != nil {
		return Ref{}, err
	}
	if err := validateVersion(version); err != nil {
		return Ref{}, err
	}

	return Ref{Type: t, Namespace: namespace, Name: name, Version: version}, nil
}

func validateName(name string) error {
	if name == "" {
		return enginerr.New(enginerr.CodeMalformedRef, "component name must not be empty")
	}
	if len(name) > maxNameLen {
		return enginerr.New(enginerr.CodeMalformedRef, fmt.Sprintf("component name %q exceeds %d characters", name, maxNameLen))
	}
	if !nameRe.MatchString(name) {
		return enginerr.New(enginerr.CodeMalformedRef, fmt.Sprintf("component name %q must match ^[A-Za-z0-9][A-Za-z0-9_-]*$", name))
	}
	return nil
}

func validateVersion(version string) error {
	if version == defaultVersion {
		return nil
	}
	if _, err := semver.NewVersion(version); err != nil {
		return enginerr.Wrap(enginerr.CodeMalformedRef, fmt.Sprintf("invalid version %q: must be %q or valid semver", version, defaultVersion), err)
	}
	return nil
}

// Normalize parses s and requires a type to have been present (an alias for
// Parse, kept distinct because some callers accept type-less canonical strings
// elsewhere and must fail the same way Parse does here).
func Normalize(s string) (Ref, error) {
	return Parse(s)
}

// String renders the canonical form: type:namespace.name:version.
func (r Ref) String() string {
	return fmt.Sprintf("%s:%s.%s:%s", r.Type, r.Namespace, r.Name, r.Version)
}

// Equal reports structural equality.
func (r Ref) Equal(other Ref) bool {
	return r.Type == other.Type && r.Namespace == other.Namespace &&
		r.Name == other.Name && r.Version == other.Version
}

// CompareVersion compares r's version against other's using semver ordering;
// "latest" sorts as greater than any concrete version.
func (r Ref) CompareVersion(other Ref) (int, error) {
	if r.Version == defaultVersion && other.Version == defaultVersion {
		return 0, nil
	}
	if r.Version == defaultVersion {
		return 1, nil
	}
	if other.Version == defaultVersion {
		return -1, nil
	}
	a, err := semver.NewVersion(r.Version)
	if err != nil {
		return 0, err
	}
	b, err := semver.NewVersion(other.Version)
	if err != nil {
		return 0, err
	}
	return a.Compare(b), nil
}

// layoutRe matches components/<typeS>/<namespace>/<name>/<version>/<typefile>.wasm
var layoutRe = regexp.MustCompile(`^components/([a-z]+)/([A-Za-z0-9_-]+)/([A-Za-z0-9_-]+)/([^/]+)/[a-z]+\.wasm$`)

// FromPath recovers a Ref from the on-disk layout
// components/<typeS>/<namespace>/<name>/<version>/<typefile>.wasm.
func FromPath(path string) (Ref, error) {
	m := layoutRe.FindStringSubmatch(path)
	if m == nil {
		return Ref{}, enginerr.New(enginerr.CodeMalformedRef, fmt.Sprintf("path %q does not match the components/<type>/<ns>/<name>/<version>/*.wasm layout", path))
	}
	t, ok := shorthand[m[1]]
	if !ok {
		return Ref{}, enginerr.New(enginerr.CodeMalformedRef, fmt.Sprintf("unknown type segment %q in path %q", m[1], path))
	}
	ref := Ref{Type: t, Namespace: m[2], Name: m[3], Version: m[4]}
	if err := validateName(ref.Name); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// Reference is the tagged resolution-address union: exactly one of Local,
// Arca, Registry, OCI is set.
type Reference struct {
	Local    string
	Arca     string
	Registry string
	OCI      string
}

// Kind reports which variant is populated, or an error if zero or more than
// one field is set.
func (r Reference) Kind() (string, error) {
	set := 0
	kind := ""
	if r.Local != "" {
		set++
		kind = "local"
	}
	if r.Arca != "" {
		set++
		kind = "arca"
	}
	if r.Registry != "" {
		set++
		kind = "registry"
	}
	if r.OCI != "" {
		set++
		kind = "oci"
	}
	if set != 1 {
		return "", enginerr.New(enginerr.CodeMalformedRef, "reference must have exactly one of {local, arca, registry, oci} set")
	}
	return kind, nil
}

// ComponentRef resolves the Reference to a Ref, parsing the registry/canonical
// string when that variant is set. Local/arca variants carry no ComponentRef
// information on their own; the caller must supply it out of band (e.g. from
// the on-disk layout via FromPath).
func (r Reference) ComponentRef() (Ref, error) {
	kind, err := r.Kind()
	if err != nil {
		return Ref{}, err
	}
	switch kind {
	case "registry":
		return Parse(r.Registry)
	case "oci":
		return Ref{}, enginerr.New(enginerr.CodeUnexpected, "oci references are not implemented")
	default:
		return Ref{}, enginerr.New(enginerr.CodeMalformedRef, fmt.Sprintf("cannot derive a component reference from a %q reference without a path layout", kind))
	}
}
