package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
	"github.com/cyfrworks/cyfr-sub001/pkg/enginerr"
	"github.com/cyfrworks/cyfr-sub001/pkg/hostformula"
	"github.com/cyfrworks/cyfr-sub001/pkg/policy"
	"github.com/cyfrworks/cyfr-sub001/pkg/policycache"
	"github.com/cyfrworks/cyfr-sub001/pkg/secrets"
)

type fakePolicyStore struct {
	policies map[string]*policy.Policy
}

func (s *fakePolicyStore) GetPolicy(_ context.Context, ref componentref.Ref) (*policy.Policy, error) {
	p, ok := s.policies[ref.String()]
	if !ok {
		return nil, policycache.ErrNotFound
	}
	return p, nil
}

func TestResolvePolicyRequiresNonEmptyDomainsForCatalyst(t *testing.T) {
	store := &fakePolicyStore{policies: map[string]*policy.Policy{
		"catalyst:local.fetcher:latest": {AllowedDomains: nil},
	}}
	e := New(Options{PolicyCache: policycache.New(store, 0)})

	ref, err := componentref.Parse("catalyst:fetcher")
	require.NoError(t, err)

	_, err = e.resolvePolicy(context.Background(), ref)
	require.Error(t, err)
	assert.Equal(t, enginerr.CodeNoAllowedDomains, err.(*enginerr.Error).Code)
}

func TestResolvePolicyMissingForCatalyst(t *testing.T) {
	store := &fakePolicyStore{policies: map[string]*policy.Policy{}}
	e := New(Options{PolicyCache: policycache.New(store, 0)})

	ref, err := componentref.Parse("catalyst:fetcher")
	require.NoError(t, err)

	_, err = e.resolvePolicy(context.Background(), ref)
	require.Error(t, err)
	assert.Equal(t, enginerr.CodePolicyMissing, err.(*enginerr.Error).Code)
}

func TestResolvePolicyOptionalForReagent(t *testing.T) {
	store := &fakePolicyStore{policies: map[string]*policy.Policy{}}
	e := New(Options{PolicyCache: policycache.New(store, 0)})

	ref, err := componentref.Parse("reagent:transform")
	require.NoError(t, err)

	p, err := e.resolvePolicy(context.Background(), ref)
	require.NoError(t, err)
	assert.Nil(t, p)
}

type fakeBinaryStore struct {
	data []byte
	err  error
}

func (s *fakeBinaryStore) Fetch(_ context.Context, _ componentref.Ref) ([]byte, error) {
	return s.data, s.err
}

func TestFetchBinaryDigestMismatch(t *testing.T) {
	e := New(Options{BinaryStore: &fakeBinaryStore{data: []byte("wasm-bytes")}})
	ref, err := componentref.Parse("reagent:transform")
	require.NoError(t, err)

	_, _, err = e.fetchBinary(context.Background(), ref, "deadbeef")
	require.Error(t, err)
	assert.Equal(t, enginerr.CodeDigestMismatch, err.(*enginerr.Error).Code)
}

func TestFetchBinaryComputesDigestWhenNoneExpected(t *testing.T) {
	e := New(Options{BinaryStore: &fakeBinaryStore{data: []byte("wasm-bytes")}})
	ref, err := componentref.Parse("reagent:transform")
	require.NoError(t, err)

	data, digest, err := e.fetchBinary(context.Background(), ref, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("wasm-bytes"), data)
	assert.NotEmpty(t, digest)
}

type fakeSignedBinaryStore struct {
	fakeBinaryStore
	signed map[string]bool
}

func (s *fakeSignedBinaryStore) Has(ref componentref.Ref) bool {
	return s.signed[ref.String()]
}

func TestVerifySignatureNoopWhenEnforcementDisabled(t *testing.T) {
	e := New(Options{BinaryStore: &fakeBinaryStore{}})
	ref, err := componentref.Parse("reagent:transform")
	require.NoError(t, err)
	require.NoError(t, e.verifySignature(ref))
}

func TestVerifySignatureFailsClosedWithoutSignedBinaryStore(t *testing.T) {
	e := New(Options{BinaryStore: &fakeBinaryStore{}, EnforceSignatures: true})
	ref, err := componentref.Parse("reagent:transform")
	require.NoError(t, err)

	err = e.verifySignature(ref)
	require.Error(t, err)
	assert.Equal(t, enginerr.CodeSignatureInvalid, err.(*enginerr.Error).Code)
}

func TestVerifySignatureRejectsUnpublishedComponent(t *testing.T) {
	store := &fakeSignedBinaryStore{signed: map[string]bool{}}
	e := New(Options{BinaryStore: store, EnforceSignatures: true})
	ref, err := componentref.Parse("reagent:transform")
	require.NoError(t, err)

	err = e.verifySignature(ref)
	require.Error(t, err)
	assert.Equal(t, enginerr.CodeSignatureInvalid, err.(*enginerr.Error).Code)
}

func TestVerifySignatureAcceptsPublishedComponent(t *testing.T) {
	ref, err := componentref.Parse("reagent:transform")
	require.NoError(t, err)
	store := &fakeSignedBinaryStore{signed: map[string]bool{ref.String(): true}}
	e := New(Options{BinaryStore: store, EnforceSignatures: true})

	require.NoError(t, e.verifySignature(ref))
}

func TestBuildImportsWiresCatalystHostFunctions(t *testing.T) {
	e := New(Options{})
	ref, err := componentref.Parse("catalyst:fetcher")
	require.NoError(t, err)

	imports := e.buildImports(ref, nil, map[string][]byte{"API_KEY": []byte("sk-1")}, hostformula.RunOpts{RequestID: "req-1"}, "exec-1")
	assert.NotNil(t, imports.SecretReader)
	assert.NotNil(t, imports.StreamManager)
	assert.Nil(t, imports.FormulaInvoker)
}

func TestBuildImportsWiresFormulaInvoker(t *testing.T) {
	e := New(Options{})
	ref, err := componentref.Parse("formula:pipeline")
	require.NoError(t, err)

	imports := e.buildImports(ref, nil, nil, hostformula.RunOpts{RequestID: "req-1"}, "exec-1")
	assert.NotNil(t, imports.FormulaInvoker)
	assert.Nil(t, imports.SecretReader)
	assert.Nil(t, imports.MCPDispatcher)
}

func TestMaskStringMasksNestedJSON(t *testing.T) {
	masker := secrets.NewMasker([]string{"sk-topsecret"})
	raw := `{"token":"sk-topsecret","ok":true}`
	masked := maskString(masker, raw)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(masked), &decoded))
	assert.Equal(t, "[REDACTED]", decoded["token"])
}

func TestMaskStringFallsBackToRawOnNonJSON(t *testing.T) {
	masker := secrets.NewMasker([]string{"sk-topsecret"})
	masked := maskString(masker, "leaked sk-topsecret value")
	assert.Equal(t, "leaked [REDACTED] value", masked)
}
