package config

import (
	"fmt"
	"time"
)

// PostgresSettings configure the shared state store connection pool.
type PostgresSettings struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN builds the pgx connection string.
func (p PostgresSettings) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

func loadPostgres(e *env) PostgresSettings {
	return PostgresSettings{
		Host:            e.Get("DB_HOST", "localhost"),
		Port:            e.Int("DB_PORT", 5432),
		User:            e.Get("DB_USER", "scribeflow"),
		Password:        e.Get("DB_PASSWORD", ""),
		Database:        e.Get("DB_NAME", "scribeflow"),
		SSLMode:         e.Get("DB_SSLMODE", "disable"),
		MaxConns:        e.Int("DB_MAX_CONNS", 10),
		MinConns:        e.Int("DB_MIN_CONNS", 2),
		ConnMaxLifetime: e.Duration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		ConnMaxIdleTime: e.Duration("DB_CONN_MAX_IDLE", 5*time.Minute),
	}
}
