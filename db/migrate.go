package migrate

import (
	"database/sql"

	"github.com/golang-migrate/migrate/v4"
	pgdriver "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/orbit-so/go-orbit/util"
)

// RunCoreDBMigration migrates the core backend database to the latest version.
// ErrNoChange is not an error: an already-current database is the common case
// on restart.
func RunCoreDBMigration(client *sql.DB) error {
	m, err := RunMigration(client, "./db/migrations/core")
	if err != nil && err != migrate.ErrNoChange {
		return err
	}

	m.Close()
	return nil
}

// RunMigration runs all migrations in the specified directory
func RunMigration(client *sql.DB, file string) (*migrate.Migrate, error) {
	m, err := newMigrateInstance(client, file)
	if err != nil {
		return nil, err
	}

	return m, m.Up()
}

// RunMigrationToVersion runs migrations in the specified directory, up to (and including) the
// specified migration version number
func RunMigrationToVersion(client *sql.DB, file string, toVersion uint) (*migrate.Migrate, error) {
	m, err := newMigrateInstance(client, file)
	if err != nil {
		return nil, err
	}

	return m, m.Migrate(toVersion)
}

func newMigrateInstance(client *sql.DB, file string) (*migrate.Migrate, error) {
	dir, err := util.FindFile(file, 3)
	if err != nil {
		return nil, err
	}

	d, err := pgdriver.WithInstance(client, &pgdriver.Config{})
	if err != nil {
		return nil, err
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", d)
	if err != nil {
		return nil, err
	}

	return m, nil
}
