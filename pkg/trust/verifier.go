// Package trust verifies detached signatures over published component
// binaries against a fixed set of trusted keys.
package trust

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/cyfrworks/cyfr-sub001/pkg/registry"
)

// Verifier checks component signatures against a fixed set of trusted keys,
// keyed by key ID. Unlike TUF-style threshold verification, publishing a
// component only ever requires one valid signature from a known key.
type Verifier struct {
	trustedKeys map[string]crypto.PublicKey
}

// NewVerifier creates a Verifier over the given trusted keys.
func NewVerifier(keys map[string]crypto.PublicKey) *Verifier {
	return &Verifier{trustedKeys: keys}
}

// VerifyComponentSignature implements registry.SignatureVerifier: it reports
// true as soon as one signature verifies against a known key, skipping
// unknown key IDs and malformed signatures rather than failing on them.
func (v *Verifier) VerifyComponentSignature(contentHash string, sigs []registry.Signature) (bool, error) {
	hash, err := hex.DecodeString(contentHash)
	if err != nil {
		return false, fmt.Errorf("trust: malformed content hash: %w", err)
	}

	for _, sig := range sigs {
		pubKey, exists := v.trustedKeys[sig.KeyID]
		if !exists {
			continue
		}
		sigBytes, err := decodeSignature(sig.Signature)
		if err != nil {
			continue
		}
		if err := verifySignature(pubKey, hash, sigBytes); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// verifySignature checks sig against hash for whichever key type pubKey is.
func verifySignature(pubKey crypto.PublicKey, hash, sig []byte) error {
	switch pk := pubKey.(type) {
	case ed25519.PublicKey:
		if !ed25519.Verify(pk, hash, sig) {
			return fmt.Errorf("ed25519 signature verification failed")
		}
		return nil

	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pk, crypto.SHA256, hash, sig); err != nil {
			return fmt.Errorf("rsa signature verification failed: %w", err)
		}
		return nil

	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pk, hash, sig) {
			return fmt.Errorf("ecdsa signature verification failed")
		}
		return nil

	default:
		return fmt.Errorf("unsupported key type: %T", pubKey)
	}
}

// decodeSignature decodes a base64 or hex encoded signature.
func decodeSignature(sig string) ([]byte, error) {
	if data, err := base64.StdEncoding.DecodeString(sig); err == nil {
		return data, nil
	}
	if data, err := hex.DecodeString(sig); err == nil {
		return data, nil
	}
	return nil, fmt.Errorf("failed to decode signature")
}
