// Package pgtest opens a migrated Postgres database for store tests.
package pgtest

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"lockershare/internal/postgres"
)

// Open connects to the PG* database, skipping the test when it is
// unreachable, and applies the schema.
func Open(t testing.TB) *sqlx.DB {
	t.Helper()

	db, err := sqlx.Open("postgres", connString())
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("skipping: could not connect to postgres: %v", err)
	}
	if err := postgres.Migrate(context.Background(), db); err != nil {
		db.Close()
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// OpenPool is Open for stores that run on pgx.
func OpenPool(t testing.TB) *pgxpool.Pool {
	t.Helper()
	Open(t)

	pool, err := pgxpool.New(context.Background(), connString())
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func connString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		getenv("PGHOST", "localhost"),
		getenv("PGPORT", "5432"),
		getenv("PGUSER", "user"),
		getenv("PGPASSWORD", "password"),
		getenv("PGDATABASE", "testdb"),
	)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
