package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/toolcrib-dev/toolcrib/internal/db"
	"github.com/toolcrib-dev/toolcrib/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "toolcrib-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func SeedUser(t *testing.T, store *db.Store, ctx context.Context, uid, name string, perms []int, chatID string) model.User {
	t.Helper()
	user := model.User{
		CredentialUID: uid,
		Name:          name,
		Permissions:   perms,
		ChatID:        chatID,
	}
	if err := store.InsertUser(ctx, user); err != nil {
		t.Fatalf("seed user %s: %v", uid, err)
	}
	return user
}

func SeedTray(t *testing.T, store *db.Store, ctx context.Context, tray int, items []string) {
	t.Helper()
	if err := store.SeedTray(ctx, tray, items); err != nil {
		t.Fatalf("seed tray %d: %v", tray, err)
	}
}
