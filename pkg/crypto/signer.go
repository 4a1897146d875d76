package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Signer is anything that can produce and check a detached signature over an
// arbitrary byte payload.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() string
	PublicKeyBytes() []byte
}

// Ed25519Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	KeyID   string
}

func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  pub,
		KeyID:   keyID,
	}, nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		KeyID:   keyID,
	}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return hex.EncodeToString(sig), nil
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) PublicKeyBytes() []byte {
	return s.pubKey
}

// PrivateKeyBytes returns the raw private key, for persisting a signer's
// identity across process restarts.
func (s *Ed25519Signer) PrivateKeyBytes() []byte {
	return s.privKey
}

// Verify verifies a signature against a public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}

	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}

	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}

func (s *Ed25519Signer) Verify(message []byte, signature []byte) bool {
	return ed25519.Verify(s.pubKey, message, signature)
}

// SignExecutionReceipt signs one link of an execution chain: the canonical
// form binds the record to its predecessor via prevHash and lamportClock, so
// a verifier who holds only the chain's public key can detect a reordered,
// dropped, or tampered record.
func (s *Ed25519Signer) SignExecutionReceipt(executionID, reference, status, outputHash, prevHash string, lamportClock uint64) (string, error) {
	payload := CanonicalizeExecutionReceipt(executionID, reference, status, outputHash, prevHash, lamportClock)
	return s.Sign([]byte(payload))
}

// VerifyExecutionReceipt checks a signature produced by SignExecutionReceipt.
func VerifyExecutionReceipt(pubKeyHex, signature, executionID, reference, status, outputHash, prevHash string, lamportClock uint64) (bool, error) {
	if signature == "" {
		return false, fmt.Errorf("missing signature")
	}
	payload := CanonicalizeExecutionReceipt(executionID, reference, status, outputHash, prevHash, lamportClock)
	return Verify(pubKeyHex, signature, []byte(payload))
}
