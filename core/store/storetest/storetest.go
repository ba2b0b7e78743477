// Package storetest opens migrated sqlite databases for package tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"incidentdesk/config"
	"incidentdesk/core/store"
	"incidentdesk/core/utils"
)

func Open(t testing.TB) *store.DB {
	t.Helper()
	cfg := &config.AppConfig{DBDriver: "sqlite", DBPath: filepath.Join(t.TempDir(), "test.db")}
	db, err := store.NewDB(cfg, utils.NewNopLogger())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, utils.NewNopLogger()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Register creates an identity through the normal bootstrap path and optionally grants extra roles.
func Register(t testing.TB, db *store.DB, email string, extra ...store.AppRole) *store.Identity {
	t.Helper()
	ctx := context.Background()
	ident := &store.Identity{Email: email, PasswordHash: "x"}
	if _, err := store.NewIdentitiesStore(db).Register(ctx, ident, ""); err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	roles := store.NewRolesStore(db)
	for _, r := range extra {
		if err := roles.Grant(ctx, &store.RoleAssignment{UserID: ident.ID, Role: r}); err != nil {
			t.Fatalf("grant %s to %s: %v", r, email, err)
		}
	}
	return ident
}
