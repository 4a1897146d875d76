package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
)

type alwaysVerifier struct{ ok bool }

func (v alwaysVerifier) VerifyComponentSignature(string, []Signature) (bool, error) {
	return v.ok, nil
}

func testRef(t *testing.T) componentref.Ref {
	t.Helper()
	ref, err := componentref.Parse("reagent:local.thing:1.0.0")
	require.NoError(t, err)
	return ref
}

func TestPublishRequiresAVerifiedSignature(t *testing.T) {
	reg := New(alwaysVerifier{ok: false})
	ref := testRef(t)

	err := reg.Publish(ref, []byte("binary-v1"), []Signature{{KeyID: "k1", Signature: "sig"}})
	require.ErrorIs(t, err, ErrUnsignedPublish)
	assert.False(t, reg.Has(ref))
}

func TestPublishWithNilVerifierFailsClosed(t *testing.T) {
	reg := New(nil)
	ref := testRef(t)

	err := reg.Publish(ref, []byte("binary-v1"), []Signature{{KeyID: "k1", Signature: "sig"}})
	require.Error(t, err)
	assert.False(t, reg.Has(ref))
}

func TestPublishThenFetchReturnsStableBinary(t *testing.T) {
	reg := New(alwaysVerifier{ok: true})
	ref := testRef(t)

	require.NoError(t, reg.Publish(ref, []byte("binary-v1"), []Signature{{KeyID: "k1", Signature: "sig"}}))

	data, err := reg.Fetch(ref, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("binary-v1"), data)
}

func TestFetchUnknownComponentFails(t *testing.T) {
	reg := New(alwaysVerifier{ok: true})
	_, err := reg.Fetch(testRef(t), "user-1")
	require.ErrorIs(t, err, ErrComponentNotFound)
}

func TestCanaryRolloutIsStableAcrossCallsForSameUser(t *testing.T) {
	reg := New(alwaysVerifier{ok: true})
	ref := testRef(t)
	require.NoError(t, reg.Publish(ref, []byte("stable"), []Signature{{KeyID: "k1", Signature: "sig"}}))
	require.NoError(t, reg.SetCanary(ref, []byte("canary"), 50, []Signature{{KeyID: "k1", Signature: "sig"}}))

	first, err := reg.Fetch(ref, "user-42")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := reg.Fetch(ref, "user-42")
		require.NoError(t, err)
		assert.Equal(t, first, again, "same user must always land in the same canary bucket")
	}
}

func TestCanaryFullRolloutAlwaysReturnsCanary(t *testing.T) {
	reg := New(alwaysVerifier{ok: true})
	ref := testRef(t)
	require.NoError(t, reg.Publish(ref, []byte("stable"), []Signature{{KeyID: "k1", Signature: "sig"}}))
	require.NoError(t, reg.SetCanary(ref, []byte("canary"), 100, []Signature{{KeyID: "k1", Signature: "sig"}}))

	data, err := reg.Fetch(ref, "any-user")
	require.NoError(t, err)
	assert.Equal(t, []byte("canary"), data)
}

func TestCanaryZeroRolloutAlwaysReturnsStable(t *testing.T) {
	reg := New(alwaysVerifier{ok: true})
	ref := testRef(t)
	require.NoError(t, reg.Publish(ref, []byte("stable"), []Signature{{KeyID: "k1", Signature: "sig"}}))
	require.NoError(t, reg.SetCanary(ref, []byte("canary"), 0, []Signature{{KeyID: "k1", Signature: "sig"}}))

	data, err := reg.Fetch(ref, "any-user")
	require.NoError(t, err)
	assert.Equal(t, []byte("stable"), data)
}

func TestSetCanaryOnUnpublishedComponentFails(t *testing.T) {
	reg := New(alwaysVerifier{ok: true})
	err := reg.SetCanary(testRef(t), []byte("canary"), 10, []Signature{{KeyID: "k1", Signature: "sig"}})
	require.ErrorIs(t, err, ErrComponentNotFound)
}

func TestDeprecateRemovesComponent(t *testing.T) {
	reg := New(alwaysVerifier{ok: true})
	ref := testRef(t)
	require.NoError(t, reg.Publish(ref, []byte("stable"), []Signature{{KeyID: "k1", Signature: "sig"}}))
	require.NoError(t, reg.Deprecate(ref))
	assert.False(t, reg.Has(ref))

	err := reg.Deprecate(ref)
	require.ErrorIs(t, err, ErrComponentNotFound)
}
