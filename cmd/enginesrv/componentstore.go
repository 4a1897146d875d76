package main

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
	"github.com/cyfrworks/cyfr-sub001/pkg/registry"
	"github.com/cyfrworks/cyfr-sub001/pkg/trust"
)

// registryBackedBinaryStore resolves a binary from the signed component
// registry first, falling back to the plain filesystem artifact store for
// references the registry has never seen published. This lets
// enforce_signatures gate registry-resolved components without forcing
// every other component kind through a publish step.
type registryBackedBinaryStore struct {
	registry *registry.Registry
	fallback interface {
		Fetch(ctx context.Context, ref componentref.Ref) ([]byte, error)
	}
}

func (s *registryBackedBinaryStore) Fetch(ctx context.Context, ref componentref.Ref) ([]byte, error) {
	if s.registry.Has(ref) {
		return s.registry.Fetch(ref, "")
	}
	return s.fallback.Fetch(ctx, ref)
}

// Has implements executor.SignedBinaryStore: only registry-published
// components are considered signed.
func (s *registryBackedBinaryStore) Has(ref componentref.Ref) bool {
	return s.registry.Has(ref)
}

// loadTrustedKeys parses ENGINE_TRUSTED_SIGNING_KEYS, a comma-separated list
// of "keyID=hexEd25519PublicKey" pairs, into the set the registry's
// signature verifier trusts.
func loadTrustedKeys() (map[string]crypto.PublicKey, error) {
	keys := make(map[string]crypto.PublicKey)
	raw := os.Getenv("ENGINE_TRUSTED_SIGNING_KEYS")
	if raw == "" {
		return keys, nil
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed trusted key entry %q, want keyID=hexpubkey", entry)
		}
		raw, err := hex.DecodeString(parts[1])
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trusted key %q is not a valid hex ed25519 public key", parts[0])
		}
		keys[parts[0]] = ed25519.PublicKey(raw)
	}
	return keys, nil
}

func newComponentRegistry() (*registry.Registry, error) {
	keys, err := loadTrustedKeys()
	if err != nil {
		return nil, err
	}
	return registry.New(trust.NewVerifier(keys)), nil
}
