// Package testutil provides a migrated Postgres database for integration
// tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/p2pescrow/migrations"
)

// tables are emptied between tests, children first.
var tables = []string{"escrows", "ledger_entries", "token_accounts"}

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

// PGTest returns a migrated, empty database and a cleanup function that
// truncates the escrow tables and closes the handle.
//
// POSTGRES_URL selects an existing database. Without it one postgres
// container is started per test binary; the test is skipped when no
// container runtime is available.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
		containerOnce.Do(func() { containerDSN, containerErr = startPostgres(ctx) })
		if containerErr != nil {
			t.Fatalf("pgtest: start postgres: %v", containerErr)
		}
		dsn = containerDSN
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: ping: %v", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: migrate: %v", err)
	}
	truncate(t, db)

	return db, func() {
		truncate(t, db)
		_ = db.Close()
	}
}

// startPostgres runs a container that lives until the test binary exits;
// testcontainers' reaper removes it afterwards.
func startPostgres(ctx context.Context) (string, error) {
	c, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("p2pescrow"),
		postgres.WithUsername("escrow"),
		postgres.WithPassword("escrow"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return "", err
	}
	return c.ConnectionString(ctx, "sslmode=disable")
}

func truncate(t *testing.T, db *sql.DB) {
	t.Helper()
	for _, table := range tables {
		if _, err := db.Exec("DELETE FROM " + table); err != nil { // #nosec G202 -- fixed table names
			t.Logf("pgtest: clear %s: %v", table, err)
		}
	}
}
