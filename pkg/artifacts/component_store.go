package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
	"github.com/cyfrworks/cyfr-sub001/pkg/enginerr"
)

// ComponentBinaryStore resolves a component.Ref to its compiled WASM binary
// using the on-disk components/<type>/<namespace>/<name>/<version>/<type>.wasm
// layout componentref.FromPath parses, then verifies the bytes through the
// CAS Store so every fetch is content-addressed even though the lookup key is
// a reference rather than a hash.
type ComponentBinaryStore struct {
	rootDir string
	cas     Store
}

// NewComponentBinaryStore creates a ComponentBinaryStore rooted at rootDir
// (the directory containing the components/ tree), backed by cas for
// content-addressed verification.
func NewComponentBinaryStore(rootDir string, cas Store) *ComponentBinaryStore {
	return &ComponentBinaryStore{rootDir: rootDir, cas: cas}
}

// path renders the on-disk location for ref, matching componentref.FromPath's
// expected layout exactly.
func (s *ComponentBinaryStore) path(ref componentref.Ref) string {
	return filepath.Join(s.rootDir, "components", string(ref.Type), ref.Namespace, ref.Name, ref.Version, string(ref.Type)+".wasm")
}

// Fetch implements executor.BinaryStore and replay.BinaryStore.
func (s *ComponentBinaryStore) Fetch(ctx context.Context, ref componentref.Ref) ([]byte, error) {
	data, err := os.ReadFile(s.path(ref))
	if err != nil {
		return nil, enginerr.Wrap(enginerr.CodeStorageError, fmt.Sprintf("reading component binary for %s", ref.String()), err)
	}

	hash, err := s.cas.Store(ctx, data)
	if err != nil {
		return nil, enginerr.Wrap(enginerr.CodeStorageError, "mirroring component binary into content-addressed storage", err)
	}
	cached, err := s.cas.Get(ctx, hash)
	if err != nil {
		return nil, enginerr.Wrap(enginerr.CodeStorageError, "reading back component binary from content-addressed storage", err)
	}
	return cached, nil
}

// Put writes a compiled component binary to its canonical on-disk location
// and mirrors it into the CAS, for use by publish/registry tooling.
func (s *ComponentBinaryStore) Put(ctx context.Context, ref componentref.Ref, data []byte) error {
	path := s.path(ref)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return enginerr.Wrap(enginerr.CodeStorageError, "creating component directory", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return enginerr.Wrap(enginerr.CodeStorageError, "writing component binary", err)
	}
	if _, err := s.cas.Store(ctx, data); err != nil {
		return enginerr.Wrap(enginerr.CodeStorageError, "mirroring component binary into content-addressed storage", err)
	}
	return nil
}
