package metadata

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hashicorp/go-bexpr"

	"github.com/permsync/permsync/pkg/rbac"
)

// Store persists role provenance records, one row per role entity reference.
// Every method accepts an optional transaction so callers can pair metadata
// writes with policy-store writes atomically; a nil tx runs against the pool.
type Store struct {
	db *sql.DB
}

// NewStore creates a role metadata store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return s.db
}

const metadataColumns = `id, role_entity_ref, source, description, owner, author, modified_by, created_at, last_modified`

// Find retrieves the metadata record for a role reference, or nil if none
// exists
func (s *Store) Find(ctx context.Context, roleRef string, tx *sql.Tx) (*rbac.RoleMetadata, error) {
	query := `SELECT ` + metadataColumns + ` FROM role_metadata WHERE role_entity_ref = $1`

	record, err := scanMetadata(s.on(tx).QueryRowContext(ctx, query, roleRef))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find role metadata for %q: %w", roleRef, err)
	}
	return record, nil
}

// Create inserts a new metadata record and returns its id. Returns a
// ConflictError if a record for the role already exists.
func (s *Store) Create(ctx context.Context, record rbac.RoleMetadata, tx *sql.Tx) (int64, error) {
	existing, err := s.Find(ctx, record.RoleEntityRef, tx)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return 0, &rbac.ConflictError{RoleEntityRef: record.RoleEntityRef}
	}

	query := `
		INSERT INTO role_metadata (role_entity_ref, source, description, owner, author, modified_by, created_at, last_modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	var id int64
	err = s.on(tx).QueryRowContext(ctx, query,
		record.RoleEntityRef,
		string(record.Source),
		nullString(record.Description),
		nullString(record.Owner),
		nullString(record.Author),
		record.ModifiedBy,
		record.CreatedAt,
		record.LastModified,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create role metadata for %q: %w", record.RoleEntityRef, err)
	}
	return id, nil
}

// Update merges newRecord onto the stored record for oldRoleRef and persists
// the result. The stored source is read-only once set to anything other than
// legacy. A merge that changes nothing is a no-op.
func (s *Store) Update(ctx context.Context, newRecord rbac.RoleMetadata, oldRoleRef string, tx *sql.Tx) error {
	current, err := s.Find(ctx, oldRoleRef, tx)
	if err != nil {
		return err
	}
	if current == nil {
		return &rbac.NotFoundError{RoleEntityRef: oldRoleRef}
	}
	if current.Source != rbac.SourceLegacy && current.Source != newRecord.Source {
		return rbac.NewInputError("role metadata source for %q is read-only, cannot change %q to %q",
			oldRoleRef, current.Source, newRecord.Source)
	}

	merged := rbac.MergeRoleMetadata(*current, newRecord)
	merged.ID = current.ID
	if merged.Equal(*current) {
		return nil
	}

	query := `
		UPDATE role_metadata
		SET role_entity_ref = $1, source = $2, description = $3, owner = $4, author = $5, modified_by = $6, last_modified = $7
		WHERE id = $8
	`

	result, err := s.on(tx).ExecContext(ctx, query,
		merged.RoleEntityRef,
		string(merged.Source),
		nullString(merged.Description),
		nullString(merged.Owner),
		nullString(merged.Author),
		merged.ModifiedBy,
		merged.LastModified,
		merged.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update role metadata for %q: %w", oldRoleRef, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for %q: %w", oldRoleRef, err)
	}
	if affected == 0 {
		return fmt.Errorf("update of role metadata for %q affected no rows", oldRoleRef)
	}
	return nil
}

// Remove deletes the metadata record for a role reference. Returns a
// NotFoundError if no record exists.
func (s *Store) Remove(ctx context.Context, roleRef string, tx *sql.Tx) error {
	result, err := s.on(tx).ExecContext(ctx, `DELETE FROM role_metadata WHERE role_entity_ref = $1`, roleRef)
	if err != nil {
		return fmt.Errorf("failed to remove role metadata for %q: %w", roleRef, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for %q: %w", roleRef, err)
	}
	if affected == 0 {
		return &rbac.NotFoundError{RoleEntityRef: roleRef}
	}
	return nil
}

// FilterBySource lists metadata records attributed to a source. An empty
// source lists every record.
func (s *Store) FilterBySource(ctx context.Context, source rbac.Source) ([]rbac.RoleMetadata, error) {
	query := `SELECT ` + metadataColumns + ` FROM role_metadata`
	args := []interface{}{}
	if source != "" {
		query += ` WHERE source = $1`
		args = append(args, string(source))
	}
	query += ` ORDER BY role_entity_ref ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list role metadata: %w", err)
	}
	defer rows.Close()

	var records []rbac.RoleMetadata
	for rows.Next() {
		record, err := scanMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role metadata: %w", err)
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// FilterForOwner applies a boolean attribute expression (go-bexpr syntax,
// e.g. `Owner == "group:default/platform"`) over all stored records. The
// match runs in process; no database-level filter is assumed. An empty
// expression returns every record.
func (s *Store) FilterForOwner(ctx context.Context, filterExpr string) ([]rbac.RoleMetadata, error) {
	records, err := s.FilterBySource(ctx, "")
	if err != nil {
		return nil, err
	}
	if filterExpr == "" {
		return records, nil
	}

	evaluator, err := bexpr.CreateEvaluator(filterExpr)
	if err != nil {
		return nil, rbac.NewInputError("invalid owner filter expression %q: %v", filterExpr, err)
	}

	var matched []rbac.RoleMetadata
	for _, record := range records {
		ok, err := evaluator.Evaluate(record)
		if err != nil {
			return nil, rbac.NewInputError("owner filter expression %q failed: %v", filterExpr, err)
		}
		if ok {
			matched = append(matched, record)
		}
	}
	return matched, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMetadata(scanner rowScanner) (*rbac.RoleMetadata, error) {
	var record rbac.RoleMetadata
	var description, owner, author sql.NullString
	var createdAt, lastModified sql.NullTime
	var source string

	err := scanner.Scan(
		&record.ID,
		&record.RoleEntityRef,
		&source,
		&description,
		&owner,
		&author,
		&record.ModifiedBy,
		&createdAt,
		&lastModified,
	)
	if err != nil {
		return nil, err
	}

	record.Source = rbac.Source(source)
	if description.Valid {
		record.Description = description.String
	}
	if owner.Valid {
		record.Owner = owner.String
	}
	if author.Valid {
		record.Author = author.String
	}
	if createdAt.Valid {
		t := createdAt.Time
		record.CreatedAt = &t
	}
	if lastModified.Valid {
		t := lastModified.Time
		record.LastModified = &t
	}
	return &record, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
