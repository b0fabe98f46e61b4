package services

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmarcwatch/db"
	"dmarcwatch/models"
)

func newMockDB(t *testing.T) (*db.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db.Wrap(sqlDB, db.Postgres), mock
}

func userRow(id, role string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "email", "role"}).AddRow(id, id+"@example.net", role)
}

func TestResolveOperatorScope(t *testing.T) {
	conn, mock := newMockDB(t)

	mock.ExpectQuery("SELECT id, email, role FROM users WHERE id = \\$1").
		WithArgs("u1").
		WillReturnRows(userRow("u1", models.RoleOperator))
	mock.ExpectQuery("FROM user_domains ud").
		WithArgs("u1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"domain"}).AddRow("example.com").AddRow("example.org"))
	mock.ExpectQuery("SELECT group_id FROM user_groups").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"group_id"}).AddRow("g1"))

	scope, err := NewScopeResolver(conn).Resolve(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, scope.Unrestricted)
	assert.Equal(t, []string{"example.com", "example.org"}, scope.DomainList())
	assert.True(t, scope.HasGroup("g1"))
	assert.False(t, scope.HasDomain("other.net"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveAdminIsUnrestricted(t *testing.T) {
	conn, mock := newMockDB(t)
	mock.ExpectQuery("FROM users").
		WithArgs("root").
		WillReturnRows(userRow("root", models.RoleAdmin))

	scope, err := NewScopeResolver(conn).Resolve(context.Background(), "root")
	require.NoError(t, err)
	assert.True(t, scope.Unrestricted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveUnknownActorSeesNothing(t *testing.T) {
	conn, mock := newMockDB(t)
	mock.ExpectQuery("FROM users").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	scope, err := NewScopeResolver(conn).Resolve(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, scope.Unrestricted)
	assert.Empty(t, scope.DomainList())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveWithoutQueryingForSystemAndAnonymous(t *testing.T) {
	conn, mock := newMockDB(t)
	r := NewScopeResolver(conn)

	scope, err := r.Resolve(context.Background(), models.SystemActor)
	require.NoError(t, err)
	assert.True(t, scope.Unrestricted)

	scope, err = r.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, scope.Unrestricted)
	assert.Empty(t, scope.DomainList())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveOwnerRejectsMissingOwner(t *testing.T) {
	conn, mock := newMockDB(t)
	mock.ExpectQuery("FROM users").
		WithArgs("gone").
		WillReturnError(sql.ErrNoRows)

	_, err := NewScopeResolver(conn).ResolveOwner(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrOwnerNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
