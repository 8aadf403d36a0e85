package imex_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mercury-chat/engine/internal/imex"
	"github.com/mercury-chat/engine/internal/store"
)

func openBackupTestStore(t *testing.T) (*store.DB, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "aerion.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db, dbPath
}

func TestExportBackupStagesBlobsAndReopensLiveDB(t *testing.T) {
	db, _ := openBackupTestStore(t)
	if err := os.WriteFile(filepath.Join(db.BlobsDir(), "photo.jpg"), []byte("jpeg-bytes"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var progressed []int
	destDir := t.TempDir()
	liveDB, backupPath, err := imex.ExportBackup(db, destDir, nil, func(p int) { progressed = append(progressed, p) })
	if err != nil {
		t.Fatalf("ExportBackup: %v", err)
	}
	defer liveDB.Close()

	if liveDB == nil {
		t.Fatal("expected a reopened live database handle")
	}
	if _, err := liveDB.Exec(`SELECT 1`); err != nil {
		t.Fatalf("reopened live database is not usable: %v", err)
	}

	if progressed[0] != 0 {
		t.Fatalf("expected progress to start at 0, got %d", progressed[0])
	}
	if progressed[len(progressed)-1] != 1000 {
		t.Fatalf("expected progress to end at 1000, got %d", progressed[len(progressed)-1])
	}

	backupDB, err := store.Open(backupPath)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer backupDB.Close()

	var content []byte
	if err := backupDB.QueryRow(`SELECT file_content FROM backup_blobs WHERE blob_name = ?`, "photo.jpg").Scan(&content); err != nil {
		t.Fatalf("scan staged blob: %v", err)
	}
	if string(content) != "jpeg-bytes" {
		t.Fatalf("staged blob content = %q, want %q", content, "jpeg-bytes")
	}

	var backupTime string
	if err := backupDB.QueryRow(`SELECT value FROM config WHERE key = 'backup_time'`).Scan(&backupTime); err != nil {
		t.Fatalf("expected backup_time to be recorded: %v", err)
	}
}

func TestHasBackupFindsExportedBackup(t *testing.T) {
	db, _ := openBackupTestStore(t)
	destDir := t.TempDir()

	liveDB, _, err := imex.ExportBackup(db, destDir, nil, nil)
	if err != nil {
		t.Fatalf("ExportBackup: %v", err)
	}
	defer liveDB.Close()

	path, ok := imex.HasBackup(destDir)
	if !ok {
		t.Fatal("expected HasBackup to find the exported backup")
	}
	if filepath.Dir(path) != destDir {
		t.Fatalf("unexpected backup path %q", path)
	}
}

func TestHasBackupEmptyDir(t *testing.T) {
	if _, ok := imex.HasBackup(t.TempDir()); ok {
		t.Fatal("expected no backup in an empty directory")
	}
}

func TestImportBackupRestoresBlobs(t *testing.T) {
	db, _ := openBackupTestStore(t)
	if err := os.WriteFile(filepath.Join(db.BlobsDir(), "avatar.png"), []byte("png-bytes"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	destDir := t.TempDir()
	liveDB, backupPath, err := imex.ExportBackup(db, destDir, nil, nil)
	if err != nil {
		t.Fatalf("ExportBackup: %v", err)
	}
	liveDB.Close()

	targetPath := filepath.Join(t.TempDir(), "restored.db")
	restored, err := imex.ImportBackup(targetPath, backupPath, nil, nil)
	if err != nil {
		t.Fatalf("ImportBackup: %v", err)
	}
	defer restored.Close()

	blob, err := os.ReadFile(restored.BlobPath("avatar.png"))
	if err != nil {
		t.Fatalf("expected restored blob on disk: %v", err)
	}
	if string(blob) != "png-bytes" {
		t.Fatalf("restored blob content = %q, want %q", blob, "png-bytes")
	}

	var count int
	if err := restored.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'backup_blobs'`).Scan(&count); err != nil {
		t.Fatalf("checking backup_blobs table: %v", err)
	}
	if count != 0 {
		t.Fatal("expected backup_blobs table to be dropped after import")
	}
}

func TestImportBackupCancelStopsEarly(t *testing.T) {
	db, _ := openBackupTestStore(t)
	for _, name := range []string{"a.bin", "b.bin", "c.bin"} {
		if err := os.WriteFile(filepath.Join(db.BlobsDir(), name), []byte("data"), 0600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	destDir := t.TempDir()
	liveDB, backupPath, err := imex.ExportBackup(db, destDir, nil, nil)
	if err != nil {
		t.Fatalf("ExportBackup: %v", err)
	}
	liveDB.Close()

	targetPath := filepath.Join(t.TempDir(), "restored.db")
	cancel := func() bool { return true }
	if _, err := imex.ImportBackup(targetPath, backupPath, cancel, nil); err == nil {
		t.Fatal("expected ImportBackup to fail when canceled")
	}
}
