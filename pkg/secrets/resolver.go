// Package secrets implements secret resolution and output masking.
package secrets

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
	"github.com/cyfrworks/cyfr-sub001/pkg/enginerr"
)

// Store is the subset of the Storage collaborator the resolver reads
// through to: resolve_granted_secrets(user, ref) -> {secrets, failed}.
type Store interface {
	ResolveGrantedSecrets(ctx context.Context, userID string, ref componentref.Ref) (values map[string][]byte, failed []string, err error)
}

// ResolveError carries the names of secrets the component was granted but
// that failed to resolve, verbatim.
type ResolveError struct {
	Failed []string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("failed to resolve granted secrets: %s", strings.Join(e.Failed, ", "))
}

// Resolver eagerly materializes the full set of secrets a component is
// granted, once per execution.
type Resolver struct {
	store Store
}

// NewResolver creates a Resolver backed by store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve fetches every secret granted to ref for userID. Any failure is
// fatal to the calling execution; the caller must treat a non-nil error as
// terminal.
func (r *Resolver) Resolve(ctx context.Context, userID string, ref componentref.Ref) (map[string][]byte, error) {
	values, failed, err := r.store.ResolveGrantedSecrets(ctx, userID, ref)
	if err != nil {
		return nil, enginerr.Wrap(enginerr.CodeStorageError, "resolving granted secrets", err)
	}
	if len(failed) > 0 {
		return nil, &ResolveError{Failed: failed}
	}
	return values, nil
}

// Values returns the map's values as a slice, stable-sorted longest-first so
// Masker.Mask replaces the longest (most specific) secret values before any
// value that happens to be a substring of another.
func Values(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, string(v))
	}
	sort.Slice(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}
