package metadata

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permsync/permsync/pkg/rbac"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock
}

func metadataRows(records ...rbac.RoleMetadata) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "role_entity_ref", "source", "description", "owner", "author", "modified_by", "created_at", "last_modified",
	})
	for _, r := range records {
		var createdAt, lastModified interface{}
		if r.CreatedAt != nil {
			createdAt = *r.CreatedAt
		}
		if r.LastModified != nil {
			lastModified = *r.LastModified
		}
		rows.AddRow(r.ID, r.RoleEntityRef, string(r.Source), r.Description, r.Owner, r.Author, r.ModifiedBy, createdAt, lastModified)
	}
	return rows
}

func TestStore_Find(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		now := time.Now().UTC()
		mock.ExpectQuery("SELECT (.+) FROM role_metadata WHERE role_entity_ref").
			WithArgs("role:default/qa").
			WillReturnRows(metadataRows(rbac.RoleMetadata{
				ID:            7,
				RoleEntityRef: "role:default/qa",
				Source:        rbac.SourceCSVFile,
				ModifiedBy:    "user:default/alice",
				CreatedAt:     &now,
				LastModified:  &now,
			}))

		record, err := NewStore(db).Find(context.Background(), "role:default/qa", nil)
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, int64(7), record.ID)
		assert.Equal(t, rbac.SourceCSVFile, record.Source)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("absent returns nil without error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectQuery("SELECT (.+) FROM role_metadata WHERE role_entity_ref").
			WithArgs("role:default/ghost").
			WillReturnError(sql.ErrNoRows)

		record, err := NewStore(db).Find(context.Background(), "role:default/ghost", nil)
		require.NoError(t, err)
		assert.Nil(t, record)
	})
}

func TestStore_Create(t *testing.T) {
	now := time.Now().UTC()
	record := rbac.RoleMetadata{
		RoleEntityRef: "role:default/qa",
		Source:        rbac.SourceREST,
		ModifiedBy:    "user:default/alice",
		CreatedAt:     &now,
		LastModified:  &now,
	}

	t.Run("inserts and returns id", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectQuery("SELECT (.+) FROM role_metadata WHERE role_entity_ref").
			WithArgs("role:default/qa").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("INSERT INTO role_metadata").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

		id, err := NewStore(db).Create(context.Background(), record, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(42), id)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("conflict when record exists", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectQuery("SELECT (.+) FROM role_metadata WHERE role_entity_ref").
			WithArgs("role:default/qa").
			WillReturnRows(metadataRows(rbac.RoleMetadata{
				ID: 1, RoleEntityRef: "role:default/qa", Source: rbac.SourceREST, ModifiedBy: "user:default/alice",
			}))

		_, err := NewStore(db).Create(context.Background(), record, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, rbac.ErrConflict)
	})
}

func TestStore_Update(t *testing.T) {
	stored := rbac.RoleMetadata{
		ID:            3,
		RoleEntityRef: "role:default/qa",
		Source:        rbac.SourceCSVFile,
		Description:   "qa role",
		ModifiedBy:    "user:default/alice",
	}

	t.Run("not found", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectQuery("SELECT (.+) FROM role_metadata WHERE role_entity_ref").
			WillReturnError(sql.ErrNoRows)

		err := NewStore(db).Update(context.Background(), stored, "role:default/qa", nil)
		assert.ErrorIs(t, err, rbac.ErrNotFound)
	})

	t.Run("source is read-only once set", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectQuery("SELECT (.+) FROM role_metadata WHERE role_entity_ref").
			WillReturnRows(metadataRows(stored))

		update := stored
		update.Source = rbac.SourceREST
		err := NewStore(db).Update(context.Background(), update, "role:default/qa", nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, rbac.ErrInput)
		assert.Contains(t, err.Error(), "read-only")
	})

	t.Run("legacy source may be upgraded", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		legacy := stored
		legacy.Source = rbac.SourceLegacy
		mock.ExpectQuery("SELECT (.+) FROM role_metadata WHERE role_entity_ref").
			WillReturnRows(metadataRows(legacy))
		mock.ExpectExec("UPDATE role_metadata").
			WillReturnResult(sqlmock.NewResult(0, 1))

		update := stored
		update.Source = rbac.SourceCSVFile
		err := NewStore(db).Update(context.Background(), update, "role:default/qa", nil)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no-op when merge changes nothing", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		now := time.Now().UTC()
		unchanged := stored
		unchanged.LastModified = &now
		mock.ExpectQuery("SELECT (.+) FROM role_metadata WHERE role_entity_ref").
			WillReturnRows(metadataRows(unchanged))

		// Same modification stamp, same everything: merge is deep-equal so no
		// UPDATE is expected.
		update := unchanged
		err := NewStore(db).Update(context.Background(), update, "role:default/qa", nil)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero rows affected is an error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectQuery("SELECT (.+) FROM role_metadata WHERE role_entity_ref").
			WillReturnRows(metadataRows(stored))
		mock.ExpectExec("UPDATE role_metadata").
			WillReturnResult(sqlmock.NewResult(0, 0))

		update := stored
		update.ModifiedBy = "user:default/bob"
		err := NewStore(db).Update(context.Background(), update, "role:default/qa", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "affected no rows")
	})
}

func TestStore_Remove(t *testing.T) {
	t.Run("removes", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("DELETE FROM role_metadata WHERE role_entity_ref").
			WithArgs("role:default/qa").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := NewStore(db).Remove(context.Background(), "role:default/qa", nil)
		assert.NoError(t, err)
	})

	t.Run("not found", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("DELETE FROM role_metadata WHERE role_entity_ref").
			WithArgs("role:default/ghost").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := NewStore(db).Remove(context.Background(), "role:default/ghost", nil)
		assert.ErrorIs(t, err, rbac.ErrNotFound)
	})
}

func TestStore_FilterBySource(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM role_metadata WHERE source").
		WithArgs("csv-file").
		WillReturnRows(metadataRows(
			rbac.RoleMetadata{ID: 1, RoleEntityRef: "role:default/dev", Source: rbac.SourceCSVFile, ModifiedBy: "csv"},
			rbac.RoleMetadata{ID: 2, RoleEntityRef: "role:default/qa", Source: rbac.SourceCSVFile, ModifiedBy: "csv"},
		))

	records, err := NewStore(db).FilterBySource(context.Background(), rbac.SourceCSVFile)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "role:default/dev", records[0].RoleEntityRef)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FilterForOwner(t *testing.T) {
	all := []rbac.RoleMetadata{
		{ID: 1, RoleEntityRef: "role:default/dev", Source: rbac.SourceREST, Owner: "group:default/platform", ModifiedBy: "rest"},
		{ID: 2, RoleEntityRef: "role:default/qa", Source: rbac.SourceREST, Owner: "group:default/quality", ModifiedBy: "rest"},
	}

	t.Run("matches expression", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectQuery("SELECT (.+) FROM role_metadata").
			WillReturnRows(metadataRows(all...))

		records, err := NewStore(db).FilterForOwner(context.Background(), `Owner == "group:default/platform"`)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "role:default/dev", records[0].RoleEntityRef)
	})

	t.Run("empty expression returns everything", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectQuery("SELECT (.+) FROM role_metadata").
			WillReturnRows(metadataRows(all...))

		records, err := NewStore(db).FilterForOwner(context.Background(), "")
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("invalid expression", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectQuery("SELECT (.+) FROM role_metadata").
			WillReturnRows(metadataRows(all...))

		_, err := NewStore(db).FilterForOwner(context.Background(), "Owner ==")
		require.Error(t, err)
		assert.ErrorIs(t, err, rbac.ErrInput)
	})
}

func TestStore_FindWrapsQueryErrors(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM role_metadata WHERE role_entity_ref").
		WillReturnError(errors.New("connection reset"))

	_, err := NewStore(db).Find(context.Background(), "role:default/qa", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to find role metadata")
}
