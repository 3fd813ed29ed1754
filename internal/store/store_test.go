package store

import (
	"testing"

	"github.com/searcb/pncp-sync/database"
)

// newTestStore wraps a migrated throwaway Postgres container
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, cleanupFunc := database.SetupTestDB(t)
	t.Cleanup(cleanupFunc)
	return NewWithDB(db)
}
