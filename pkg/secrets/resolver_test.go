package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
)

type fakeStore struct {
	values map[string][]byte
	failed []string
	err    error
}

func (f *fakeStore) ResolveGrantedSecrets(_ context.Context, _ string, _ componentref.Ref) (map[string][]byte, []string, error) {
	return f.values, f.failed, f.err
}

func mustRef(t *testing.T, s string) componentref.Ref {
	t.Helper()
	ref, err := componentref.Parse(s)
	require.NoError(t, err)
	return ref
}

func TestResolverResolveSuccess(t *testing.T) {
	store := &fakeStore{values: map[string][]byte{"API_KEY": []byte("sk-xyz")}}
	r := NewResolver(store)
	values, err := r.Resolve(context.Background(), "user-1", mustRef(t, "catalyst:acme.fetcher:1.0.0"))
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-xyz"), values["API_KEY"])
}

func TestResolverResolveFailedNames(t *testing.T) {
	store := &fakeStore{failed: []string{"MISSING_ONE", "MISSING_TWO"}}
	r := NewResolver(store)
	_, err := r.Resolve(context.Background(), "user-1", mustRef(t, "catalyst:acme.fetcher:1.0.0"))
	require.Error(t, err)
	var rerr *ResolveError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, []string{"MISSING_ONE", "MISSING_TWO"}, rerr.Failed)
}

func TestValuesSortedLongestFirst(t *testing.T) {
	m := map[string][]byte{"a": []byte("short"), "b": []byte("a-much-longer-secret-value")}
	vals := Values(m)
	require.Len(t, vals, 2)
	assert.Equal(t, "a-much-longer-secret-value", vals[0])
}
