// Package state is the PostgreSQL state store shared by the ScribeFlow
// services: run and stage records for the orchestrator, ingestion
// idempotency records for the gateway, and the task queue the stage
// workers drain. Schema changes ship as embedded migrations applied on
// startup.
package state

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/aurelia-health/scribeflow/pkg/config"
)

//go:embed migrations
var migrationsFS embed.FS

// Client wraps the shared connection pool and the typed stores.
type Client struct {
	db *sql.DB

	Runs    *RunStore
	Ingests *IngestStore
	Tasks   *TaskStore
}

// DB returns the underlying pool for health checks and tests.
func (c *Client) DB() *sql.DB {
	return c.db
}

// NewClient opens the pool, applies pending migrations and builds the
// stores.
func NewClient(ctx context.Context, cfg config.PostgresSettings) (*Client, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return newClient(db), nil
}

// newClient builds a client around an existing pool (used by tests).
func newClient(db *sql.DB) *Client {
	return &Client{
		db:      db,
		Runs:    &RunStore{db: db},
		Ingests: &IngestStore{db: db},
		Tasks:   &TaskStore{db: db},
	}
}

// Close releases the pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// Health pings the database with a short deadline.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	return nil
}

// runMigrations applies all pending embedded migrations.
func runMigrations(db *sql.DB, database string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, database, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver; m.Close() would also close the
	// shared *sql.DB via the database driver.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}
