package migration

import (
	"io/fs"
	"strings"
	"testing"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	if len(ups) == 0 {
		t.Fatalf("expected embedded migrations")
	}
	for version := range ups {
		if !downs[version] {
			t.Fatalf("migration %s has no down file", version)
		}
	}
}

func TestSubscriptionMigrationKeepsOneActiveIndex(t *testing.T) {
	body, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/000002_user_subscriptions.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if !strings.Contains(string(body), "user_subscriptions_one_active") {
		t.Fatalf("expected partial unique index on active subscriptions")
	}
}

func TestSourceOpens(t *testing.T) {
	src, err := Source()
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	version, err := src.First()
	if err != nil {
		t.Fatalf("first version: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected first version 1, got %d", version)
	}
}
