package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"fmt"
	"os"

	"github.com/cyfrworks/cyfr-sub001/pkg/crypto"
	"github.com/cyfrworks/cyfr-sub001/pkg/storage"
)

func newStorage(db *sql.DB, dialect string, masterSecret []byte) (*storage.Store, error) {
	d := storage.DialectSQLite
	if dialect == "postgres" {
		d = storage.DialectPostgres
	}
	return storage.New(db, d, masterSecret)
}

// loadOrGenerateEncryptionKey loads the 32-byte master secret storage.New
// derives the at-rest AES-256 key from, generating and persisting one on
// first run.
func loadOrGenerateEncryptionKey(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		if len(data) != 32 {
			return nil, fmt.Errorf("encryption key at %s is %d bytes, want 32", path, len(data))
		}
		return data, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

// loadOrGenerateChainSigner loads the ed25519 key that signs each session's
// execution receipt chain, generating and persisting one on first run.
func loadOrGenerateChainSigner(path string) (*crypto.Ed25519Signer, error) {
	if data, err := os.ReadFile(path); err == nil {
		if len(data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("chain signing key at %s is %d bytes, want %d", path, len(data), ed25519.PrivateKeySize)
		}
		return crypto.NewEd25519SignerFromKey(ed25519.PrivateKey(data), "enginesrv"), nil
	}
	signer, err := crypto.NewEd25519Signer("enginesrv")
	if err != nil {
		return nil, err
	}
	return signer, os.WriteFile(path, signer.PrivateKeyBytes(), 0o600)
}

// ensureSchema creates the engine's tables if they do not already exist. It
// is intentionally idempotent and dialect-agnostic: both backends accept
// this ANSI-ish DDL subset.
func ensureSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS policies (
			ref TEXT PRIMARY KEY,
			policy_json TEXT NOT NULL,
			updated_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			request_id TEXT,
			parent_execution_id TEXT,
			user_id TEXT,
			reference TEXT,
			component_type TEXT,
			input TEXT,
			input_hash TEXT,
			started_at TIMESTAMP,
			component_digest TEXT,
			host_policy_snapshot TEXT,
			completed_at TIMESTAMP,
			duration_ms BIGINT,
			output TEXT,
			status TEXT,
			error TEXT,
			session_id TEXT,
			prev_hash TEXT,
			lamport_clock BIGINT,
			signature TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_session ON executions (session_id, lamport_clock)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			name TEXT PRIMARY KEY,
			encrypted_value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS grants (
			user_id TEXT,
			ref_pattern TEXT,
			secret_name TEXT,
			PRIMARY KEY (user_id, ref_pattern, secret_name)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			revoked BOOLEAN
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("running schema statement: %w", err)
		}
	}
	return nil
}
