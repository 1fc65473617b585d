package migrate_test

import (
	"testing"

	"atsforge/internal/db"
	"atsforge/internal/migrate"
)

func TestMigrateCreatesSchemaAndIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("rerun against current schema: %v", err)
	}

	for _, table := range []string{"api_keys", "events", "generations"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}

	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version); err != nil {
		t.Fatalf("schema_version: %v", err)
	}
	if version < 1 {
		t.Fatalf("version not recorded: %d", version)
	}
}
