package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	migrationsTable = "schema_migrations"
	// migrationLockID is the pg advisory lock key held while migrating.
	migrationLockID = 7_120_431
)

// MigrationManager applies the embedded schema over its own connection, since
// closing the migrate driver closes the pool it was given.
type MigrationManager struct {
	migrate *migrate.Migrate
}

func NewMigrationManager(cfg Config) (*MigrationManager, error) {
	cfg = cfg.withDefaults()
	conn, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("open migration connection: %w", err)
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create migration source: %w", err)
	}
	driver, err := postgres.WithInstance(conn, &postgres.Config{
		MigrationsTable: migrationsTable,
		DatabaseName:    cfg.DatabaseName(),
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, cfg.DatabaseName(), driver)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return &MigrationManager{migrate: m}, nil
}

// Up applies every pending migration.
func (mm *MigrationManager) Up() error {
	if err := mm.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Down rolls back one migration.
func (mm *MigrationManager) Down() error {
	if err := mm.migrate.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback migration: %w", err)
	}
	return nil
}

// Version returns the applied version; zero means none.
func (mm *MigrationManager) Version() (uint, bool, error) {
	v, dirty, err := mm.migrate.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("read migration version: %w", err)
	}
	return v, dirty, nil
}

func (mm *MigrationManager) Force(version int) error {
	if err := mm.migrate.Force(version); err != nil {
		return fmt.Errorf("force version %d: %w", version, err)
	}
	return nil
}

func (mm *MigrationManager) Close() error {
	srcErr, dbErr := mm.migrate.Close()
	return errors.Join(srcErr, dbErr)
}

// AutoMigrate runs Up under a pg advisory lock so concurrent instances do not
// race. A dirty schema is refused.
func AutoMigrate(ctx context.Context, db *Database) error {
	conn, err := db.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	var locked bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", migrationLockID).Scan(&locked); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	if !locked {
		return errors.New("migration lock is already held")
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockID)

	mm, err := NewMigrationManager(db.config)
	if err != nil {
		return err
	}
	defer mm.Close()

	version, dirty, err := mm.Version()
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("database is dirty at version %d, manual intervention required", version)
	}
	return mm.Up()
}
