// Package storage is a reference implementation of the Storage collaborator
// contract the engine consumes: policy lookup, execution-record persistence,
// and secret-grant resolution, backed by database/sql with Postgres
// (production) or SQLite (local/offline, tests) underneath, grounded on the
// encrypted-column store-adapter pattern of a credential vault: AES-256-GCM
// at rest, upsert-on-conflict writes.
package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
	"github.com/cyfrworks/cyfr-sub001/pkg/enginerr"
	"github.com/cyfrworks/cyfr-sub001/pkg/executionrecord"
	"github.com/cyfrworks/cyfr-sub001/pkg/policy"
	"github.com/cyfrworks/cyfr-sub001/pkg/policycache"
)

// secretsAEADInfo binds the HKDF-derived key to its one use, so the same
// master secret could in principle derive other keys without reuse.
const secretsAEADInfo = "cyfr-sub001/storage/secrets-at-rest"

// Dialect selects the placeholder rendering and any dialect-specific DDL a
// caller needs (this package does not run migrations itself).
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Store implements policycache.PolicyStore, executionrecord.Store, and
// secrets.Store against a shared *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	encKey  []byte
}

// New creates a Store. masterSecret must be at least 32 bytes of entropy; an
// AES-256 key is derived from it via HKDF-SHA256 rather than used directly,
// so the same master secret could also derive keys for other purposes
// without ever reusing raw key material.
func New(db *sql.DB, dialect Dialect, masterSecret []byte) (*Store, error) {
	if len(masterSecret) < 32 {
		return nil, errors.New("storage: master secret must be at least 32 bytes")
	}
	encKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterSecret, nil, []byte(secretsAEADInfo)), encKey); err != nil {
		return nil, fmt.Errorf("storage: deriving secrets-at-rest key: %w", err)
	}
	return &Store{db: db, dialect: dialect, encKey: encKey}, nil
}

// rebind rewrites "?"-style placeholders into "$1", "$2", ... for Postgres;
// SQLite accepts "?" as-is.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

// ---- secrets-at-rest encryption, grounded on the AES-256-GCM vault pattern ----

func (s *Store) encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return "", fmt.Errorf("storage: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("storage: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("storage: generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (s *Store) decrypt(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("storage: decode base64: %w", err)
	}
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, fmt.Errorf("storage: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("storage: new gcm: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return nil, errors.New("storage: ciphertext too short")
	}
	nonce, body := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}

// ---- policycache.PolicyStore ----

// GetPolicy implements policycache.PolicyStore.
func (s *Store) GetPolicy(ctx context.Context, ref componentref.Ref) (*policy.Policy, error) {
	var policyJSON string
	err := s.queryRow(ctx, `SELECT policy_json FROM policies WHERE ref = ?`, ref.String()).Scan(&policyJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policycache.ErrNotFound
	}
	if err != nil {
		return nil, enginerr.Wrap(enginerr.CodeStorageError, "querying policy", err)
	}
	var p policy.Policy
	if err := json.Unmarshal([]byte(policyJSON), &p); err != nil {
		return nil, enginerr.Wrap(enginerr.CodeDecodeError, "decoding stored policy", err)
	}
	return &p, nil
}

// PutPolicy upserts the administrator policy for ref. Not part of the
// read-path contract, but needed to seed/manage the policies table.
func (s *Store) PutPolicy(ctx context.Context, ref componentref.Ref, p *policy.Policy) error {
	b, err := json.Marshal(p)
	if err != nil {
		return enginerr.Wrap(enginerr.CodeEncodeError, "encoding policy", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO policies (ref, policy_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (ref) DO UPDATE SET policy_json = excluded.policy_json, updated_at = excluded.updated_at
	`, ref.String(), string(b), time.Now().UTC())
	if err != nil {
		return enginerr.Wrap(enginerr.CodeStorageError, "upserting policy", err)
	}
	return nil
}

// ---- executionrecord.Store ----

// WriteStarted implements executionrecord.Store. It is idempotent: a second
// call for the same ID is a silent no-op rather than a conflict error.
func (s *Store) WriteStarted(ctx context.Context, r *executionrecord.Record) error {
	_, err := s.exec(ctx, `
		INSERT INTO executions (
			id, request_id, parent_execution_id, user_id, reference, component_type,
			input, input_hash, started_at, component_digest, host_policy_snapshot, status,
			session_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`,
		r.ID, r.RequestID, r.ParentExecutionID, r.UserID, r.Reference, r.ComponentType,
		string(r.Input), r.InputHash, r.StartedAt, r.ComponentDigest, string(r.HostPolicySnapshot), string(r.Status),
		r.SessionID,
	)
	if err != nil {
		return enginerr.Wrap(enginerr.CodeStorageError, "writing started execution record", err)
	}
	return nil
}

// WriteCompleted implements executionrecord.Store.
func (s *Store) WriteCompleted(ctx context.Context, r *executionrecord.Record) error {
	_, err := s.exec(ctx, `
		UPDATE executions
		SET status = ?, output = ?, duration_ms = ?, completed_at = ?,
		    prev_hash = ?, lamport_clock = ?, signature = ?
		WHERE id = ?
	`, string(r.Status), string(r.Output), r.DurationMS, r.CompletedAt,
		r.PrevHash, r.LamportClock, r.Signature, r.ID)
	if err != nil {
		return enginerr.Wrap(enginerr.CodeStorageError, "writing completed execution record", err)
	}
	return nil
}

// WriteFailed implements executionrecord.Store.
func (s *Store) WriteFailed(ctx context.Context, r *executionrecord.Record) error {
	_, err := s.exec(ctx, `
		UPDATE executions
		SET status = ?, error = ?, completed_at = ?,
		    prev_hash = ?, lamport_clock = ?, signature = ?
		WHERE id = ?
	`, string(r.Status), r.Error, r.CompletedAt,
		r.PrevHash, r.LamportClock, r.Signature, r.ID)
	if err != nil {
		return enginerr.Wrap(enginerr.CodeStorageError, "writing failed execution record", err)
	}
	return nil
}

// Get implements executionrecord.Store.
func (s *Store) Get(ctx context.Context, id string) (*executionrecord.Record, error) {
	return s.scanExecution(s.queryRow(ctx, `
		SELECT id, request_id, parent_execution_id, user_id, reference, component_type,
		       input, input_hash, started_at, component_digest, host_policy_snapshot,
		       completed_at, duration_ms, output, status, error,
		       session_id, prev_hash, lamport_clock, signature
		FROM executions WHERE id = ?
	`, id))
}

// LastInSession implements executionrecord.ChainStore: the most recently
// completed-or-failed record in sessionID, by Lamport clock, or nil (with no
// error) if the session has no prior record.
func (s *Store) LastInSession(ctx context.Context, sessionID string) (*executionrecord.Record, error) {
	r, err := s.scanExecution(s.queryRow(ctx, `
		SELECT id, request_id, parent_execution_id, user_id, reference, component_type,
		       input, input_hash, started_at, component_digest, host_policy_snapshot,
		       completed_at, duration_ms, output, status, error,
		       session_id, prev_hash, lamport_clock, signature
		FROM executions
		WHERE session_id = ? AND status IN ('completed', 'failed')
		ORDER BY lamport_clock DESC, completed_at DESC
		LIMIT 1
	`, sessionID))
	var engErr *enginerr.Error
	if errors.As(err, &engErr) && engErr.Code == enginerr.CodeNotFound {
		return nil, nil
	}
	return r, err
}

func (s *Store) scanExecution(row *sql.Row) (*executionrecord.Record, error) {
	var r executionrecord.Record
	var input, hostPolicySnapshot, output, sessionID, prevHash, signature sql.NullString
	var startedAt, completedAt sql.NullTime
	var durationMS sql.NullInt64
	var lamportClock sql.NullInt64
	var errMsg sql.NullString
	var status string

	err := row.Scan(
		&r.ID, &r.RequestID, &r.ParentExecutionID, &r.UserID, &r.Reference, &r.ComponentType,
		&input, &r.InputHash, &startedAt, &r.ComponentDigest, &hostPolicySnapshot,
		&completedAt, &durationMS, &output, &status, &errMsg,
		&sessionID, &prevHash, &lamportClock, &signature,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, enginerr.New(enginerr.CodeNotFound, "execution not found")
	}
	if err != nil {
		return nil, enginerr.Wrap(enginerr.CodeStorageError, "querying execution record", err)
	}

	r.Status = executionrecord.Status(status)
	r.Error = errMsg.String
	if input.Valid {
		r.Input = json.RawMessage(input.String)
	}
	if hostPolicySnapshot.Valid {
		r.HostPolicySnapshot = json.RawMessage(hostPolicySnapshot.String)
	}
	if output.Valid {
		r.Output = json.RawMessage(output.String)
	}
	if startedAt.Valid {
		r.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = completedAt.Time
	}
	r.DurationMS = durationMS.Int64
	r.SessionID = sessionID.String
	r.PrevHash = prevHash.String
	r.LamportClock = uint64(lamportClock.Int64)
	r.Signature = signature.String
	return &r, nil
}

// ---- secrets.Store ----

// ResolveGrantedSecrets implements secrets.Store: every secret name granted
// to (userID, ref) is looked up and decrypted; a grant whose secret row is
// missing is reported in failed rather than silently dropped.
func (s *Store) ResolveGrantedSecrets(ctx context.Context, userID string, ref componentref.Ref) (map[string][]byte, []string, error) {
	rows, err := s.query(ctx, `
		SELECT secret_name FROM grants
		WHERE user_id = ? AND (ref_pattern = ? OR ref_pattern = '*')
	`, userID, ref.String())
	if err != nil {
		return nil, nil, enginerr.Wrap(enginerr.CodeStorageError, "querying secret grants", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, nil, enginerr.Wrap(enginerr.CodeStorageError, "scanning secret grant", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, enginerr.Wrap(enginerr.CodeStorageError, "iterating secret grants", err)
	}

	values := make(map[string][]byte, len(names))
	var failed []string
	for _, name := range names {
		var encValue string
		err := s.queryRow(ctx, `SELECT encrypted_value FROM secrets WHERE name = ?`, name).Scan(&encValue)
		if errors.Is(err, sql.ErrNoRows) {
			failed = append(failed, name)
			continue
		}
		if err != nil {
			return nil, nil, enginerr.Wrap(enginerr.CodeStorageError, fmt.Sprintf("querying secret %q", name), err)
		}
		plaintext, err := s.decrypt(encValue)
		if err != nil {
			return nil, nil, enginerr.Wrap(enginerr.CodeStorageError, fmt.Sprintf("decrypting secret %q", name), err)
		}
		values[name] = plaintext
	}
	return values, failed, nil
}

// PutSecret upserts a secret's encrypted value.
func (s *Store) PutSecret(ctx context.Context, name string, value []byte) error {
	enc, err := s.encrypt(value)
	if err != nil {
		return enginerr.Wrap(enginerr.CodeUnexpected, "encrypting secret", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO secrets (name, encrypted_value) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET encrypted_value = excluded.encrypted_value
	`, name, enc)
	if err != nil {
		return enginerr.Wrap(enginerr.CodeStorageError, "upserting secret", err)
	}
	return nil
}

// Grant records that userID's components matching refPattern ("*" for any
// ref, or a canonical ref string for an exact match) may read name.
func (s *Store) Grant(ctx context.Context, userID, refPattern, name string) error {
	_, err := s.exec(ctx, `
		INSERT INTO grants (user_id, ref_pattern, secret_name) VALUES (?, ?, ?)
		ON CONFLICT (user_id, ref_pattern, secret_name) DO NOTHING
	`, userID, refPattern, name)
	if err != nil {
		return enginerr.Wrap(enginerr.CodeStorageError, "inserting secret grant", err)
	}
	return nil
}

// ---- session revocation (Auth collaborator's surface; not in the hot path) ----

// IsRevoked reports whether sessionID has been revoked.
func (s *Store) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	var revoked bool
	err := s.queryRow(ctx, `SELECT revoked FROM sessions WHERE session_id = ?`, sessionID).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, enginerr.Wrap(enginerr.CodeStorageError, "querying session revocation", err)
	}
	return revoked, nil
}
