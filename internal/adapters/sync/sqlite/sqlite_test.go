package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jbctechsolutions/pulsesync/internal/application/ports"
)

func TestNewConnection(t *testing.T) {
	t.Run("creates connection with custom path", func(t *testing.T) {
		conn, err := NewConnection("/tmp/test.db")
		if err != nil {
			t.Fatalf("NewConnection() error = %v", err)
		}
		if conn.Path() != "/tmp/test.db" {
			t.Errorf("Path() = %q, want %q", conn.Path(), "/tmp/test.db")
		}
	})

	t.Run("creates connection with default path", func(t *testing.T) {
		conn, err := NewConnection("")
		if err != nil {
			t.Fatalf("NewConnection() error = %v", err)
		}
		homeDir, _ := os.UserHomeDir()
		expectedPath := filepath.Join(homeDir, ".pulsesync", "pulsesync.db")
		if conn.Path() != expectedPath {
			t.Errorf("Path() = %q, want %q", conn.Path(), expectedPath)
		}
	})
}

func TestConnection_OpenClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "test.db")

	conn, err := NewConnection(dbPath)
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}

	if err := conn.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Open() did not create database file")
	}
	if err := conn.Open(); err == nil {
		t.Error("Open() on already open connection should return error")
	}
	if err := conn.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := conn.DB(); err == nil {
		t.Error("DB() after Close() should return error")
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestConnection_RunInTx(t *testing.T) {
	conn, err := NewConnection(MemoryPath)
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	if err := conn.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	insert := func(q ports.Querier, id string) error {
		_, err := q.ExecContext(ctx, "INSERT INTO owners (id, created_at) VALUES (?, 0)", id)
		return err
	}

	if err := conn.RunInTx(ctx, func(q ports.Querier) error { return insert(q, "committed") }); err != nil {
		t.Fatalf("RunInTx() error = %v", err)
	}

	boom := errors.New("boom")
	err = conn.RunInTx(ctx, func(q ports.Querier) error {
		if err := insert(q, "rolled-back"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunInTx() error = %v, want boom", err)
	}

	db, _ := conn.DB()
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM owners").Scan(&count); err != nil {
		t.Fatalf("count owners: %v", err)
	}
	if count != 1 {
		t.Errorf("owners = %d, want 1 (rollback should discard the second insert)", count)
	}
}

func TestConnection_ForeignKeysEnforced(t *testing.T) {
	conn, _ := NewConnection(MemoryPath)
	if err := conn.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer conn.Close()

	db, _ := conn.DB()
	_, err := db.Exec(`INSERT INTO metric_entries (id, owner_id, metric_type, bucket_start, value, created_at, updated_at)
		VALUES ('e1', 'ghost', 'step_count', 0, 1, 0, 0)`)
	if err == nil {
		t.Error("insert referencing a missing owner should violate the foreign key")
	}
}
