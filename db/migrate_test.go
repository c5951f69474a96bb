package db_test

import (
	"context"
	"testing"

	"github.com/onnwee/streamwatch/backend/db"
	"github.com/onnwee/streamwatch/backend/testutil"
)

func TestEmbeddedMigrateIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	// SetupTestDB already migrated once; a second run must be a no-op.
	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("second migrate run failed: %v", err)
	}
	for _, table := range []string{"streams", "messages", "minutes"} {
		var n int
		if err := database.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			t.Errorf("table %s missing after migrate: %v", table, err)
		}
	}
}
