package metadata

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all metadata-store migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create role_metadata table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_metadata (
					id BIGSERIAL PRIMARY KEY,
					role_entity_ref VARCHAR(255) NOT NULL UNIQUE,
					source VARCHAR(64) NOT NULL,
					description TEXT,
					owner VARCHAR(255),
					author VARCHAR(255),
					modified_by VARCHAR(255) NOT NULL,
					created_at TIMESTAMP,
					last_modified TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_role_metadata_source ON role_metadata(source);
			`,
		},
		{
			Version:     2,
			Description: "Create casbin_rule table",
			SQL: `
				CREATE TABLE IF NOT EXISTS casbin_rule (
					id BIGSERIAL PRIMARY KEY,
					ptype VARCHAR(8) NOT NULL,
					v0 VARCHAR(255) NOT NULL DEFAULT '',
					v1 VARCHAR(255) NOT NULL DEFAULT '',
					v2 VARCHAR(255) NOT NULL DEFAULT '',
					v3 VARCHAR(255) NOT NULL DEFAULT '',
					v4 VARCHAR(255) NOT NULL DEFAULT '',
					v5 VARCHAR(255) NOT NULL DEFAULT ''
				);

				CREATE INDEX IF NOT EXISTS idx_casbin_rule_ptype_v0 ON casbin_rule(ptype, v0);
				CREATE INDEX IF NOT EXISTS idx_casbin_rule_ptype_v1 ON casbin_rule(ptype, v1);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rbac_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM rbac_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO rbac_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
