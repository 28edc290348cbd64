package database

import (
	"context"
	"os"
	"testing"
)

func TestOpen_RequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), "  ", PoolConfig{})
	if err == nil {
		t.Fatal("expected error for blank DSN")
	}
}

func TestOpen_ConnectsAndPings(t *testing.T) {
	dsn := os.Getenv("COORDINATOR_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skipf("test requires database; set COORDINATOR_TEST_DATABASE_URL to run")
	}

	db, err := Open(context.Background(), dsn, PoolConfig{MinOpen: 1, MaxOpen: 5})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		t.Fatalf("expected live connection, ping failed: %v", err)
	}
}
