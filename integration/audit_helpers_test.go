package integration_test

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// loadAuditTypes returns a per-type count of audit events recorded in the
// workspace audit database.
func loadAuditTypes(t *testing.T, workspaceRoot string) map[string]int {
	t.Helper()

	dbPath := filepath.Join(workspaceRoot, "audit", "events.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open audit db %s: %v", dbPath, err)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT type, COUNT(*) FROM events GROUP BY type`)
	if err != nil {
		t.Fatalf("query audit events: %v", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			t.Fatalf("scan audit row: %v", err)
		}
		counts[typ] = n
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate audit rows: %v", err)
	}
	return counts
}

// requireAuditEvents asserts that each named event type was recorded at
// least once.
func requireAuditEvents(t *testing.T, counts map[string]int, types ...string) {
	t.Helper()
	for _, typ := range types {
		if counts[typ] == 0 {
			t.Errorf("expected audit event %q, recorded types: %v", typ, counts)
		}
	}
}
