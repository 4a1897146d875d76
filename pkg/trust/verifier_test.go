package trust

import (
	"crypto"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyfrworks/cyfr-sub001/pkg/registry"
)

func TestVerifyComponentSignatureAcceptsOneValidSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	verifier := NewVerifier(map[string]crypto.PublicKey{"trusted-1": pub})

	data := []byte("component binary bytes")
	sum := sha256.Sum256(data)
	contentHash := hex.EncodeToString(sum[:])
	sig := ed25519.Sign(priv, sum[:])

	ok, err := verifier.VerifyComponentSignature(contentHash, []registry.Signature{
		{KeyID: "unknown-key", Signature: hex.EncodeToString([]byte("garbage"))},
		{KeyID: "trusted-1", Signature: hex.EncodeToString(sig)},
	})
	require.NoError(t, err)
	assert.True(t, ok, "one valid signature from a trusted key must be enough")
}

func TestVerifyComponentSignatureRejectsUnknownKeysOnly(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	verifier := NewVerifier(map[string]crypto.PublicKey{})

	data := []byte("component binary bytes")
	sum := sha256.Sum256(data)
	sig := ed25519.Sign(priv, sum[:])

	ok, err := verifier.VerifyComponentSignature(hex.EncodeToString(sum[:]), []registry.Signature{
		{KeyID: "not-trusted", Signature: hex.EncodeToString(sig)},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyComponentSignatureRejectsTamperedContent(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	verifier := NewVerifier(map[string]crypto.PublicKey{"trusted-1": pub})

	sum := sha256.Sum256([]byte("original bytes"))
	sig := ed25519.Sign(priv, sum[:])

	tamperedSum := sha256.Sum256([]byte("tampered bytes"))
	ok, err := verifier.VerifyComponentSignature(hex.EncodeToString(tamperedSum[:]), []registry.Signature{
		{KeyID: "trusted-1", Signature: hex.EncodeToString(sig)},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyComponentSignatureRejectsMalformedContentHash(t *testing.T) {
	verifier := NewVerifier(map[string]crypto.PublicKey{})
	_, err := verifier.VerifyComponentSignature("not-hex", nil)
	require.Error(t, err)
}
