package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"submission_session", "session_result_data"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name); err != nil {
			t.Fatalf("table %q missing: %v", table, err)
		}
	}
}

func TestOpenSQLiteMemory(t *testing.T) {
	t.Parallel()

	db, err := OpenSQLite(context.Background(), MemoryPath)
	if err != nil {
		t.Fatalf("OpenSQLite(memory): %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(`INSERT INTO submission_session(id, provider, status, created_at, updated_at) VALUES('a', 'QE', 'NOT_STARTED', 'x', 'x');`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM submission_session;`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("expected 1 row on the shared connection, got %d (err=%v)", n, err)
	}
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := OpenSQLite(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestCheckLocalFilesystem(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := filepath.Join(root, "nested", "dir", "sessions.db")

	cases := []struct {
		name    string
		fsType  string
		err     error
		wantErr string
	}{
		{name: "local", fsType: "apfs"},
		{name: "linux magic", fsType: "0xef53"},
		{name: "nfs", fsType: "nfs", wantErr: `network filesystem "nfs"`},
		{name: "smb uppercase", fsType: "SMBFS", wantErr: "SQLite requires a local filesystem"},
		{name: "unsupported platform", err: errFilesystemUnknown},
		{name: "detector failure", err: errors.New("boom"), wantErr: "boom"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var inspected string
			err := checkLocalFilesystem(dbPath, func(path string) (string, error) {
				inspected = path
				return tc.fsType, tc.err
			})
			if inspected != root {
				t.Fatalf("expected nearest existing path %q, got %q", root, inspected)
			}
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
