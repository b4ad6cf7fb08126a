package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dialcast/dialcast/internal/database/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "dialcast.db")); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	tables := []string{
		"schema_migrations", "contacts", "campaigns", "calls",
		"recordings", "transcript_messages", "call_events", "admin_users",
	}
	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db2.Close()
}

func TestContactUpsertByPhoneConverges(t *testing.T) {
	db := openTestDB(t)
	repo := NewContactRepository(db)
	ctx := context.Background()

	id1, err := repo.UpsertByPhone(ctx, &models.Contact{PhoneNumber: "+15551110001", Name: "Ada"})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	id2, err := repo.UpsertByPhone(ctx, &models.Contact{PhoneNumber: "+15551110001", Name: "Ada L."})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if id1 != id2 {
		t.Errorf("upsert ids differ: %d vs %d", id1, id2)
	}

	_, total, err := repo.List(ctx, ContactListFilter{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 1 {
		t.Errorf("contact count = %d, want 1", total)
	}

	c, err := repo.GetByPhone(ctx, "+15551110001")
	if err != nil {
		t.Fatalf("GetByPhone() error: %v", err)
	}
	if c.Name != "Ada L." {
		t.Errorf("name = %q, want updated name", c.Name)
	}
}

func TestCampaignTerminalStatusSticks(t *testing.T) {
	db := openTestDB(t)
	repo := NewCampaignRepository(db)
	ctx := context.Background()

	c := &models.Campaign{Name: "spring-drive", Status: models.CampaignActive}
	if err := repo.Create(ctx, c); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := repo.UpdateStatus(ctx, c.ID, models.CampaignCompleted); err != nil {
		t.Fatalf("completing campaign: %v", err)
	}

	// A completed campaign never transitions back.
	if err := repo.UpdateStatus(ctx, c.ID, models.CampaignActive); err != ErrNotFound {
		t.Errorf("reactivating completed campaign: err = %v, want ErrNotFound", err)
	}

	got, err := repo.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got.Status != models.CampaignCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}
}
