package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
	"github.com/cyfrworks/cyfr-sub001/pkg/executionrecord"
	"github.com/cyfrworks/cyfr-sub001/pkg/policy"
	"github.com/cyfrworks/cyfr-sub001/pkg/policycache"
)

const testSchema = `
CREATE TABLE policies (
	ref TEXT PRIMARY KEY,
	policy_json TEXT NOT NULL,
	updated_at TIMESTAMP
);
CREATE TABLE executions (
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
	duration_ms INTEGER,
	output TEXT,
	status TEXT,
	error TEXT,
	session_id TEXT,
	prev_hash TEXT,
	lamport_clock INTEGER,
	signature TEXT
);
CREATE TABLE secrets (
	name TEXT PRIMARY KEY,
	encrypted_value TEXT NOT NULL
);
CREATE TABLE grants (
	user_id TEXT,
	ref_pattern TEXT,
	secret_name TEXT,
	PRIMARY KEY (user_id, ref_pattern, secret_name)
);
CREATE TABLE sessions (
	session_id TEXT PRIMARY KEY,
	revoked BOOLEAN
);
`

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(testSchema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	store, err := New(db, DialectSQLite, make([]byte, 32))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestStoreEncryptDecryptRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	plaintext := []byte("super-secret-value")
	enc, err := store.encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	dec, err := store.decrypt(enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(dec) != string(plaintext) {
		t.Errorf("round trip mismatch: got %q want %q", dec, plaintext)
	}
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	db, _ := sql.Open("sqlite", ":memory:")
	defer db.Close()
	if _, err := New(db, DialectSQLite, []byte("too-short")); err == nil {
		t.Error("expected New to reject a non-32-byte key")
	}
}

func TestGetPolicyNotFound(t *testing.T) {
	store := setupTestStore(t)
	ref, err := componentref.Parse("reagent:local.thing:latest")
	if err != nil {
		t.Fatalf("parse ref: %v", err)
	}
	_, err = store.GetPolicy(context.Background(), ref)
	if !errors.Is(err, policycache.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPutAndGetPolicy(t *testing.T) {
	store := setupTestStore(t)
	ref, err := componentref.Parse("catalyst:acme.fetcher:1.2.3")
	if err != nil {
		t.Fatalf("parse ref: %v", err)
	}
	p := &policy.Policy{Timeout: "5s", MaxMemoryBytes: 64 * 1024 * 1024}

	if err := store.PutPolicy(context.Background(), ref, p); err != nil {
		t.Fatalf("PutPolicy: %v", err)
	}
	got, err := store.GetPolicy(context.Background(), ref)
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if got.Timeout != p.Timeout || got.MaxMemoryBytes != p.MaxMemoryBytes {
		t.Errorf("GetPolicy returned %+v, want %+v", got, p)
	}

	p.Timeout = "10s"
	if err := store.PutPolicy(context.Background(), ref, p); err != nil {
		t.Fatalf("PutPolicy (update): %v", err)
	}
	got, err = store.GetPolicy(context.Background(), ref)
	if err != nil {
		t.Fatalf("GetPolicy after update: %v", err)
	}
	if got.Timeout != "10s" {
		t.Errorf("expected updated timeout 10s, got %s", got.Timeout)
	}
}

func TestExecutionLifecycleCompleted(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	record := &executionrecord.Record{
		ID:            "exec_1",
		RequestID:     "req_1",
		UserID:        "user_1",
		Reference:     "reagent:local.thing:latest",
		ComponentType: "reagent",
		Input:         json.RawMessage(`{"x":1}`),
		InputHash:     "deadbeef",
		StartedAt:     time.Unix(1000, 0).UTC(),
		Status:        executionrecord.StatusRunning,
	}
	if err := store.WriteStarted(ctx, record); err != nil {
		t.Fatalf("WriteStarted: %v", err)
	}
	// Idempotent: a second WriteStarted for the same ID must not error.
	if err := store.WriteStarted(ctx, record); err != nil {
		t.Fatalf("WriteStarted (repeat): %v", err)
	}

	record.Status = executionrecord.StatusCompleted
	record.Output = json.RawMessage(`{"y":2}`)
	record.DurationMS = 42
	record.CompletedAt = time.Unix(1001, 0).UTC()
	if err := store.WriteCompleted(ctx, record); err != nil {
		t.Fatalf("WriteCompleted: %v", err)
	}

	got, err := store.Get(ctx, "exec_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != executionrecord.StatusCompleted {
		t.Errorf("expected status completed, got %s", got.Status)
	}
	if string(got.Output) != `{"y":2}` {
		t.Errorf("expected output to round-trip, got %s", got.Output)
	}
	if got.DurationMS != 42 {
		t.Errorf("expected duration_ms 42, got %d", got.DurationMS)
	}
}

func TestExecutionLifecycleFailed(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	record := &executionrecord.Record{
		ID:        "exec_2",
		Reference: "reagent:local.thing:latest",
		StartedAt: time.Unix(2000, 0).UTC(),
		Status:    executionrecord.StatusRunning,
	}
	if err := store.WriteStarted(ctx, record); err != nil {
		t.Fatalf("WriteStarted: %v", err)
	}

	record.Status = executionrecord.StatusFailed
	record.Error = "policy_missing: no administrator policy for this component"
	record.CompletedAt = time.Unix(2001, 0).UTC()
	if err := store.WriteFailed(ctx, record); err != nil {
		t.Fatalf("WriteFailed: %v", err)
	}

	got, err := store.Get(ctx, "exec_2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != executionrecord.StatusFailed {
		t.Errorf("expected status failed, got %s", got.Status)
	}
	if got.Error == "" {
		t.Error("expected error message to be persisted")
	}
}

func TestGetMissingExecution(t *testing.T) {
	store := setupTestStore(t)
	if _, err := store.Get(context.Background(), "does-not-exist"); err == nil {
		t.Error("expected an error fetching a missing execution record")
	}
}

func TestResolveGrantedSecretsMixedOutcome(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	ref, err := componentref.Parse("catalyst:acme.fetcher:1.2.3")
	if err != nil {
		t.Fatalf("parse ref: %v", err)
	}

	if err := store.PutSecret(ctx, "api_key", []byte("sk-live-xyz")); err != nil {
		t.Fatalf("PutSecret: %v", err)
	}
	if err := store.Grant(ctx, "user_1", ref.String(), "api_key"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	// Granted but never written: should surface in failed, not error out.
	if err := store.Grant(ctx, "user_1", ref.String(), "missing_secret"); err != nil {
		t.Fatalf("Grant (missing secret): %v", err)
	}

	values, failed, err := store.ResolveGrantedSecrets(ctx, "user_1", ref)
	if err != nil {
		t.Fatalf("ResolveGrantedSecrets: %v", err)
	}
	if string(values["api_key"]) != "sk-live-xyz" {
		t.Errorf("expected api_key to resolve to sk-live-xyz, got %q", values["api_key"])
	}
	if len(failed) != 1 || failed[0] != "missing_secret" {
		t.Errorf("expected failed=[missing_secret], got %v", failed)
	}
}

func TestResolveGrantedSecretsWildcardRefPattern(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	ref, err := componentref.Parse("formula:acme.orchestrator:2.0.0")
	if err != nil {
		t.Fatalf("parse ref: %v", err)
	}

	if err := store.PutSecret(ctx, "shared_token", []byte("tok")); err != nil {
		t.Fatalf("PutSecret: %v", err)
	}
	if err := store.Grant(ctx, "user_2", "*", "shared_token"); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	values, failed, err := store.ResolveGrantedSecrets(ctx, "user_2", ref)
	if err != nil {
		t.Fatalf("ResolveGrantedSecrets: %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("expected no failures, got %v", failed)
	}
	if string(values["shared_token"]) != "tok" {
		t.Errorf("expected shared_token to resolve via wildcard grant, got %q", values["shared_token"])
	}
}

func TestLastInSessionChaining(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := &executionrecord.Record{
		ID: "exec_a", Reference: "reagent:local.thing:latest", Status: executionrecord.StatusRunning,
		SessionID: "sess_1", StartedAt: time.Unix(1000, 0).UTC(),
	}
	if err := store.WriteStarted(ctx, first); err != nil {
		t.Fatalf("WriteStarted: %v", err)
	}

	if got, err := store.LastInSession(ctx, "sess_1"); err != nil || got != nil {
		t.Fatalf("expected no prior record before any completion, got %+v, err %v", got, err)
	}

	first.Status = executionrecord.StatusCompleted
	first.Output = json.RawMessage(`{"n":1}`)
	first.LamportClock = 0
	first.Signature = "sig-a"
	if err := store.WriteCompleted(ctx, first); err != nil {
		t.Fatalf("WriteCompleted: %v", err)
	}

	last, err := store.LastInSession(ctx, "sess_1")
	if err != nil {
		t.Fatalf("LastInSession: %v", err)
	}
	if last == nil || last.ID != "exec_a" {
		t.Fatalf("expected exec_a as last-in-session, got %+v", last)
	}

	second := &executionrecord.Record{
		ID: "exec_b", Reference: "reagent:local.thing:latest", Status: executionrecord.StatusRunning,
		SessionID: "sess_1", StartedAt: time.Unix(1001, 0).UTC(),
	}
	second.Chain(last)
	if err := store.WriteStarted(ctx, second); err != nil {
		t.Fatalf("WriteStarted: %v", err)
	}
	second.Status = executionrecord.StatusCompleted
	second.Output = json.RawMessage(`{"n":2}`)
	if err := store.WriteCompleted(ctx, second); err != nil {
		t.Fatalf("WriteCompleted: %v", err)
	}
	if second.LamportClock != 1 {
		t.Errorf("expected lamport clock 1 chained from exec_a, got %d", second.LamportClock)
	}

	last, err = store.LastInSession(ctx, "sess_1")
	if err != nil {
		t.Fatalf("LastInSession (second): %v", err)
	}
	if last == nil || last.ID != "exec_b" {
		t.Fatalf("expected exec_b as last-in-session after second completion, got %+v", last)
	}

	if _, err := store.LastInSession(ctx, "sess_unknown"); err != nil {
		t.Fatalf("LastInSession (unknown session) should not error, got %v", err)
	}
}

func TestIsRevoked(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	revoked, err := store.IsRevoked(ctx, "session_unknown")
	if err != nil {
		t.Fatalf("IsRevoked (unknown session): %v", err)
	}
	if revoked {
		t.Error("expected an unknown session to not be reported revoked")
	}

	if _, err := store.db.Exec(`INSERT INTO sessions (session_id, revoked) VALUES (?, ?)`, "session_1", true); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	revoked, err = store.IsRevoked(ctx, "session_1")
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if !revoked {
		t.Error("expected session_1 to be reported revoked")
	}
}
