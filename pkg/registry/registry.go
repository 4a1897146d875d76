// Package registry resolves "registry"/"oci" component references to
// binaries, with staged canary rollout and a fail-closed publish-time
// signature gate: a binary never enters the registry without at least one
// signature verifying against a trusted key.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash/crc32"
	"strings"
	"sync"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
)

var (
	ErrComponentNotFound = errors.New("registry: component not found")
	ErrUnsignedPublish   = errors.New("registry: publish requires at least one signature from a trusted key")
)

// Signature is one detached signature over a published binary's content
// hash.
type Signature struct {
	KeyID     string
	Signature string
}

// SignatureVerifier gates publication and canary staging: Publish/SetCanary
// both refuse to proceed unless the verifier confirms at least one signature.
type SignatureVerifier interface {
	VerifyComponentSignature(contentHash string, sigs []Signature) (bool, error)
}

type componentState struct {
	stable       []byte
	canary       []byte
	canaryMillis int // 0-10000, precision 0.01%
}

// Registry is a thread-safe in-memory component binary registry.
type Registry struct {
	mu       sync.RWMutex
	verifier SignatureVerifier
	modules  map[string]*componentState
}

// New creates a Registry. A nil verifier makes every Publish/SetCanary call
// fail closed.
func New(verifier SignatureVerifier) *Registry {
	return &Registry{verifier: verifier, modules: make(map[string]*componentState)}
}

func key(ref componentref.Ref) string {
	return ref.String()
}

func (r *Registry) verify(data []byte, sigs []Signature) error {
	if r.verifier == nil {
		return errors.New("registry: signature verifier not configured (fail-closed)")
	}
	sum := sha256.Sum256(data)
	ok, err := r.verifier.VerifyComponentSignature(hex.EncodeToString(sum[:]), sigs)
	if err != nil || !ok {
		return ErrUnsignedPublish
	}
	return nil
}

// Publish registers data as ref's stable binary, replacing any prior stable
// binary and clearing its canary. Requires at least one verified signature.
func (r *Registry) Publish(ref componentref.Ref, data []byte, sigs []Signature) error {
	if err := r.verify(data, sigs); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[key(ref)] = &componentState{stable: data}
	return nil
}

// SetCanary stages data as a percentage-bucketed canary binary for an
// already-published ref. Requires at least one verified signature.
func (r *Registry) SetCanary(ref componentref.Ref, data []byte, percentage int, sigs []Signature) error {
	if percentage < 0 || percentage > 100 {
		return errors.New("registry: percentage must be 0-100")
	}
	if err := r.verify(data, sigs); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.modules[key(ref)]
	if !ok {
		return ErrComponentNotFound
	}
	state.canary = data
	state.canaryMillis = percentage * 100
	return nil
}

// Fetch resolves ref to a binary. When a canary is staged, userID is
// crc32-bucketed into the canary percentage (0.01% precision) ahead of the
// stable rollout; the same userID always lands in the same bucket.
func (r *Registry) Fetch(ref componentref.Ref, userID string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.modules[key(ref)]
	if !ok {
		return nil, ErrComponentNotFound
	}
	if state.canary != nil && state.canaryMillis > 0 {
		hash := crc32.ChecksumIEEE([]byte(strings.ToLower(userID)))
		if int(hash%10000) < state.canaryMillis {
			return state.canary, nil
		}
	}
	return state.stable, nil
}

// Has reports whether ref has ever been published, independent of canary
// bucketing — used by callers deciding whether to consult this registry
// before falling back to another binary source.
func (r *Registry) Has(ref componentref.Ref) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modules[key(ref)]
	return ok
}

// Deprecate removes ref from the registry entirely.
func (r *Registry) Deprecate(ref componentref.Ref) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[key(ref)]; !ok {
		return ErrComponentNotFound
	}
	delete(r.modules, key(ref))
	return nil
}
