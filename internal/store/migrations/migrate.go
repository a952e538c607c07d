// Package migrations embeds the MySQL schema migrations applied to the
// shared relational store before a MySQLStore opens against it.
//
// SQLite deployments skip this package: SQLiteStore keeps the teacher's
// create-tables-on-open convenience for zero-setup local development, since
// a single-file database with no other writers has no migration ordering
// problem to solve. MySQL deployments are expected to run multiple
// IP/EP replicas against one server, where a dedicated, versioned
// migration step run once at deploy time is the safer pattern — hence
// golang-migrate here rather than a second createTables path.
package migrations

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.mysql.sql
var mysqlFS embed.FS

// MigrateMySQL applies every pending migration to the database at dsn. It is
// safe to call on every EP/IP startup: golang-migrate no-ops once the schema
// is current.
func MigrateMySQL(dsn string) error {
	src, err := iofs.New(mysqlFS, ".")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, "mysql://"+dsn)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
