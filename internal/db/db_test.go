package db

import (
	"path/filepath"
	"testing"
)

func TestOpenAndMigrate(t *testing.T) {
	db, err := Open("sqlite3", filepath.Join(t.TempDir(), "sub", "test.db"), 0)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	// migrations are idempotent
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	for _, table := range Tables() {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open("oracle", "x", 0); err == nil {
		t.Error("Open() expected error for unsupported driver")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	db, err := Open("sqlite3", filepath.Join(t.TempDir(), "test.db"), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	insert := "INSERT INTO contacts (id, tenant_id, phone) VALUES (?, ?, ?)"
	if _, err := db.Exec(insert, "c1", "t1", "+5511999990000"); err != nil {
		t.Fatal(err)
	}
	_, err = db.Exec(insert, "c2", "t1", "+5511999990000")
	if !IsUniqueViolation(err) {
		t.Errorf("IsUniqueViolation(%v) = false, want true", err)
	}
	if IsUniqueViolation(nil) {
		t.Error("IsUniqueViolation(nil) = true")
	}
}
