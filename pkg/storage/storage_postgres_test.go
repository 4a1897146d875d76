package storage

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
	"github.com/cyfrworks/cyfr-sub001/pkg/policy"
)

func newMockPostgresStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := New(db, DialectPostgres, make([]byte, 32))
	require.NoError(t, err)
	return store, mock
}

// TestRebind_PostgresPlaceholders verifies the "?" -> "$1", "$2", ... rewrite
// that lets a single set of query strings serve both dialects.
func TestRebind_PostgresPlaceholders(t *testing.T) {
	store, _ := newMockPostgresStore(t)
	got := store.rebind(`SELECT policy_json FROM policies WHERE ref = ? AND updated_at > ?`)
	assert.Equal(t, `SELECT policy_json FROM policies WHERE ref = $1 AND updated_at > $2`, got)
}

func TestPostgres_GetPolicy(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	ref := componentref.Ref{Type: componentref.TypeReagent, Namespace: "acme", Name: "thing", Version: "1.0.0"}

	rows := sqlmock.NewRows([]string{"policy_json"}).AddRow(`{"allowed_tools":["component.get"]}`)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT policy_json FROM policies WHERE ref = $1`)).
		WithArgs(ref.String()).
		WillReturnRows(rows)

	p, err := store.GetPolicy(context.Background(), ref)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, []string{"component.get"}, p.AllowedTools)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PutPolicy(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	ref := componentref.Ref{Type: componentref.TypeReagent, Namespace: "acme", Name: "thing", Version: "1.0.0"}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO policies (ref, policy_json, updated_at)`)).
		WithArgs(ref.String(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.PutPolicy(context.Background(), ref, &policy.Policy{AllowedTools: []string{"component.get"}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ResolveGrantedSecrets_MissingGrantReportedAsFailed(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	ref := componentref.Ref{Type: componentref.TypeReagent, Namespace: "acme", Name: "thing", Version: "1.0.0"}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT secret_name FROM grants`)).
		WithArgs("user-1", ref.String()).
		WillReturnRows(sqlmock.NewRows([]string{"secret_name"}).AddRow("api-key"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT encrypted_value FROM secrets WHERE name = $1`)).
		WithArgs("api-key").
		WillReturnError(sql.ErrNoRows)

	values, failed, err := store.ResolveGrantedSecrets(context.Background(), "user-1", ref)
	require.NoError(t, err)
	assert.Empty(t, values)
	assert.Equal(t, []string{"api-key"}, failed)
	require.NoError(t, mock.ExpectationsWereMet())
}
