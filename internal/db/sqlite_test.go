package db

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/pysugar/kiro-accounts/internal/db/models"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := InitDB(filepath.Join(t.TempDir(), "accounts.db"), "silent")
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestEnsureAPIKey_GeneratesOnce(t *testing.T) {
	db := newTestDB(t)

	first := GetAPIKey(db)
	if !strings.HasPrefix(first, "ka-") || len(first) != 35 {
		t.Fatalf("unexpected api key %q", first)
	}

	ensureAPIKey(db)
	if got := GetAPIKey(db); got != first {
		t.Fatalf("expected key to be stable, got %q then %q", first, got)
	}

	regenerated := RegenerateAPIKey(db)
	if regenerated == first || GetAPIKey(db) != regenerated {
		t.Fatalf("expected regenerated key to replace the old one")
	}
}

func TestMachineBindingUniqueness(t *testing.T) {
	db := newTestDB(t)

	if err := db.Create(&models.MachineBinding{MachineID: "m-1", AccountID: "a"}).Error; err != nil {
		t.Fatalf("create binding: %v", err)
	}
	if err := db.Create(&models.MachineBinding{MachineID: "m-1", AccountID: "b"}).Error; err == nil {
		t.Fatal("expected duplicate machine id to be rejected")
	}
	if err := db.Create(&models.MachineBinding{MachineID: "m-2", AccountID: "a"}).Error; err == nil {
		t.Fatal("expected second binding for the same account to be rejected")
	}
}

func TestAccountBoundMachineIDAllowsManyNulls(t *testing.T) {
	db := newTestDB(t)

	for _, id := range []string{"a", "b"} {
		if err := db.Create(&models.Account{ID: id, Provider: "social", Status: "active"}).Error; err != nil {
			t.Fatalf("create account %s: %v", id, err)
		}
	}
	machine := "m-1"
	if err := db.Model(&models.Account{}).Where("id = ?", "a").Update("bound_machine_id", machine).Error; err != nil {
		t.Fatalf("bind a: %v", err)
	}
	if err := db.Model(&models.Account{}).Where("id = ?", "b").Update("bound_machine_id", machine).Error; err == nil {
		t.Fatal("expected unique index on bound_machine_id")
	}
}

func TestParseLogLevel(t *testing.T) {
	if parseLogLevel("INFO") != 4 || parseLogLevel("silent") != 1 || parseLogLevel("") != 3 {
		t.Fatal("unexpected log level mapping")
	}
}
