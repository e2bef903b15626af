// Package upgrade checks that a managed-mode database carries the schema
// this binary was built against.
package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RequiredSchemaVersion is the newest migration under migrations/.
const RequiredSchemaVersion uint = 1

var (
	ErrSchemaOutdated = errors.New("database schema is outdated")
	ErrSchemaDirty    = errors.New("database schema is dirty (failed migration)")
	ErrSchemaAhead    = errors.New("database schema is newer than this binary")
)

// SchemaStatus is the result of a compatibility check.
type SchemaStatus struct {
	CurrentVersion  uint
	RequiredVersion uint
	Dirty           bool
}

// Err returns nil when the schema matches, or a sentinel-wrapped error
// naming the command that fixes it.
func (s SchemaStatus) Err() error {
	switch {
	case s.Dirty:
		return fmt.Errorf("%w at v%d; repair it, then run `relaydesk migrate force %d`", ErrSchemaDirty, s.CurrentVersion, s.CurrentVersion)
	case s.CurrentVersion < s.RequiredVersion:
		return fmt.Errorf("%w: v%d, need v%d; run `relaydesk migrate up`", ErrSchemaOutdated, s.CurrentVersion, s.RequiredVersion)
	case s.CurrentVersion > s.RequiredVersion:
		return fmt.Errorf("%w: v%d, binary supports v%d", ErrSchemaAhead, s.CurrentVersion, s.RequiredVersion)
	}
	return nil
}

// CheckSchema reads golang-migrate's schema_migrations row. A missing table
// or row reads as version 0.
func CheckSchema(ctx context.Context, db *sql.DB) (SchemaStatus, error) {
	s := SchemaStatus{RequiredVersion: RequiredSchemaVersion}

	var exists bool
	if err := db.QueryRowContext(ctx, "SELECT to_regclass('schema_migrations') IS NOT NULL").Scan(&exists); err != nil {
		return s, fmt.Errorf("check schema table: %w", err)
	}
	if !exists {
		return s, nil
	}

	var version int64
	err := db.QueryRowContext(ctx, "SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &s.Dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("read schema version: %w", err)
	}
	s.CurrentVersion = uint(version)
	return s, nil
}
