package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velro/authcore/internal/authz"
)

const (
	idOwner = "11111111-1111-4111-8111-111111111111"
	idRes   = "33333333-3333-4333-8333-333333333333"
	idProj  = "44444444-4444-4444-8444-444444444444"
	idTeam  = "55555555-5555-4555-8555-555555555555"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func TestGetResource(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, resource_type, owner_id, project_id, parent_id").
		WithArgs(idRes).
		WillReturnRows(sqlmock.NewRows([]string{"id", "resource_type", "owner_id", "project_id", "parent_id"}).
			AddRow(idRes, "generation", idOwner, idProj, nil))

	res, err := st.GetResource(context.Background(), idRes)
	require.NoError(t, err)
	assert.Equal(t, idRes, res.ID)
	assert.Equal(t, authz.ResourceGeneration, res.Type)
	assert.Equal(t, idOwner, res.OwnerID)
	require.NotNil(t, res.ProjectID)
	assert.Equal(t, idProj, *res.ProjectID)
	assert.Nil(t, res.ParentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetResourceNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, resource_type, owner_id, project_id, parent_id").
		WithArgs(idRes).
		WillReturnRows(sqlmock.NewRows([]string{"id", "resource_type", "owner_id", "project_id", "parent_id"}))

	_, err := st.GetResource(context.Background(), idRes)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProject(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, owner_id, visibility").
		WithArgs(idProj).
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "visibility"}).
			AddRow(idProj, idOwner, "team_open"))

	p, err := st.GetProject(context.Background(), idProj)
	require.NoError(t, err)
	assert.Equal(t, authz.VisibilityTeamOpen, p.Visibility)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMemberships(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT team_id, role").
		WithArgs(idOwner).
		WillReturnRows(sqlmock.NewRows([]string{"team_id", "role"}).
			AddRow(idTeam, "editor").
			AddRow(idProj, "viewer"))

	m, err := st.GetMemberships(context.Background(), idOwner)
	require.NoError(t, err)
	assert.Equal(t, map[string]authz.Role{
		idTeam: authz.RoleEditor,
		idProj: authz.RoleViewer,
	}, m)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMembershipsEmpty(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT team_id, role").
		WithArgs(idOwner).
		WillReturnRows(sqlmock.NewRows([]string{"team_id", "role"}))

	m, err := st.GetMemberships(context.Background(), idOwner)
	require.NoError(t, err)
	assert.Empty(t, m)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTeamProjectLinks(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT team_id, project_id, role").
		WithArgs(idProj).
		WillReturnRows(sqlmock.NewRows([]string{"team_id", "project_id", "role"}).
			AddRow(idTeam, idProj, "contributor"))

	links, err := st.GetTeamProjectLinks(context.Background(), idProj)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, authz.RoleContributor, links[0].Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetGenerationParent(t *testing.T) {
	st, mock := newMockStore(t)

	parent := "66666666-6666-4666-8666-666666666666"
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(idRes).
		WillReturnRows(sqlmock.NewRows([]string{"parent_id"}).AddRow(parent))

	got, err := st.GetGenerationParent(context.Background(), idRes)
	require.NoError(t, err)
	assert.Equal(t, parent, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetGenerationParentRoot(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(idRes).
		WillReturnRows(sqlmock.NewRows([]string{"parent_id"}).AddRow(""))

	got, err := st.GetGenerationParent(context.Background(), idRes)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRecentGenerations(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, resource_type, owner_id, project_id, parent_id").
		WithArgs(idOwner, 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "resource_type", "owner_id", "project_id", "parent_id"}).
			AddRow(idRes, "generation", idOwner, idProj, nil).
			AddRow("77777777-7777-4777-8777-777777777777", "generation", idOwner, nil, idRes))

	out, err := st.ListRecentGenerations(context.Background(), idOwner, 20)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, idRes, out[0].ID)
	require.NotNil(t, out[1].ParentID)
	assert.Equal(t, idRes, *out[1].ParentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListTeamMembers(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT user_id").
		WithArgs(idTeam, 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).
			AddRow(idOwner).
			AddRow("22222222-2222-4222-8222-222222222222"))

	members, err := st.ListTeamMembers(context.Background(), idTeam, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{idOwner, "22222222-2222-4222-8222-222222222222"}, members)
	assert.NoError(t, mock.ExpectationsWereMet())
}
