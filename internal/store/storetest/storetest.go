// Package storetest opens throwaway SQLite stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"zapfunnel/internal/store"
)

// New returns a migrated store backed by a SQLite file in t.TempDir.
func New(t testing.TB) *store.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "zapfunnel.db") + "?_pragma=busy_timeout(5000)"
	s, err := store.Open(store.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate sqlite store: %v", err)
	}
	return s
}
