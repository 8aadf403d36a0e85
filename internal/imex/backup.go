// Package imex implements backup export/import, classic PGP key
// export/import, and the Autocrypt Setup Message flow (spec §4.16),
// grounded on original_source/.../mrmailbox_imex.c.
package imex

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mercury-chat/engine/internal/logging"
	"github.com/mercury-chat/engine/internal/store"
)

var log = logging.WithComponent("imex")

// Progress reports import/export progress as a permille value, clamped
// to [10, 990] while work remains and exactly 0/1000 at the very start
// and successful end (spec §4.16).
type Progress func(permille int)

func clampPermille(p int) int {
	if p < 10 {
		return 10
	}
	if p > 990 {
		return 990
	}
	return p
}

// ExportBackup copies the live database to a timestamped file under
// destDir, then — in the copy alone — stages every blob-directory file
// into a backup_blobs table and records backup_time/backup_for.
//
// The source is closed for the duration of the byte-copy and reopened
// immediately after (spec §4.16: "under a brief lock, close the live
// database file, byte-copy it to the destination, reopen"), so this
// returns a freshly opened *DB for the live database alongside the
// backup path; callers must replace their reference with it.
//
// On error or if cancel reports true mid-copy, the partial destination
// file is removed.
func ExportBackup(db *store.DB, destDir string, cancel func() bool, progress Progress) (liveDB *store.DB, backupPath string, err error) {
	if progress == nil {
		progress = func(int) {}
	}
	progress(0)

	if err := os.MkdirAll(destDir, 0700); err != nil {
		return nil, "", fmt.Errorf("imex: create backup directory: %w", err)
	}

	destPath, err := finePathname(destDir, time.Now())
	if err != nil {
		return nil, "", err
	}

	livePath := db.Path()
	if err := db.Close(); err != nil {
		return nil, "", fmt.Errorf("imex: close live database: %w", err)
	}
	copyErr := copyFile(livePath, destPath)

	reopened, openErr := store.Open(livePath)
	if openErr != nil {
		log.Error().Err(openErr).Msg("failed to reopen live database after backup copy")
		os.Remove(destPath)
		return nil, "", fmt.Errorf("imex: reopen live database: %w", openErr)
	}
	if copyErr != nil {
		os.Remove(destPath)
		return reopened, "", fmt.Errorf("imex: copy database: %w", copyErr)
	}
	db = reopened

	destDB, err := store.Open(destPath)
	if err != nil {
		os.Remove(destPath)
		return db, "", fmt.Errorf("imex: open backup copy: %w", err)
	}
	defer destDB.Close()

	// The live schema's backup_blobs table (migration version 8) only
	// tracks names/copied state; the destination copy alone grows a
	// file_content column to actually hold the payload (spec §4.16:
	// "backup_blobs(id, file_name, file_content BLOB)").
	if _, err := destDB.Exec(`ALTER TABLE backup_blobs ADD COLUMN file_content BLOB`); err != nil {
		os.Remove(destPath)
		return db, "", fmt.Errorf("imex: add file_content column: %w", err)
	}

	entries, err := os.ReadDir(db.BlobsDir())
	if err != nil {
		os.Remove(destPath)
		return db, "", fmt.Errorf("imex: read blob directory: %w", err)
	}

	total := len(entries)
	processed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if cancel != nil && cancel() {
			os.Remove(destPath)
			return db, "", fmt.Errorf("imex: export canceled")
		}

		processed++
		if total > 0 {
			progress(clampPermille(processed * 1000 / total))
		}

		content, err := os.ReadFile(filepath.Join(db.BlobsDir(), entry.Name()))
		if err != nil {
			continue
		}
		if _, err := destDB.Exec(
			`INSERT INTO backup_blobs (blob_name, copied, file_content) VALUES (?, 1, ?)`, entry.Name(), content,
		); err != nil {
			os.Remove(destPath)
			return db, "", fmt.Errorf("imex: stage blob %q: %w", entry.Name(), err)
		}
	}

	if _, err := destDB.Exec(`INSERT OR REPLACE INTO config (key, value) VALUES ('backup_time', ?)`, fmt.Sprintf("%d", time.Now().Unix())); err != nil {
		os.Remove(destPath)
		return db, "", fmt.Errorf("imex: record backup_time: %w", err)
	}
	if _, err := destDB.Exec(`INSERT OR REPLACE INTO config (key, value) VALUES ('backup_for', ?)`, db.BlobsDir()); err != nil {
		os.Remove(destPath)
		return db, "", fmt.Errorf("imex: record backup_for: %w", err)
	}

	progress(1000)
	return db, destPath, nil
}

// HasBackup scans dir for backup files and returns the path of the
// newest one by its recorded backup_time, or ok=false if none is
// found or readable (spec: "may only be used on fresh installations").
func HasBackup(dir string) (path string, ok bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}

	var newestTime int64
	var newestPath string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".bak" {
			continue
		}
		candidate := filepath.Join(dir, entry.Name())
		testDB, err := store.Open(candidate)
		if err != nil {
			continue
		}
		var value string
		err = testDB.QueryRow(`SELECT value FROM config WHERE key = 'backup_time'`).Scan(&value)
		testDB.Close()
		if err != nil {
			continue
		}
		var t int64
		if _, err := fmt.Sscanf(value, "%d", &t); err != nil || t <= newestTime {
			continue
		}
		newestTime = t
		newestPath = candidate
	}
	return newestPath, newestPath != ""
}

// ImportBackup replaces the database at path with the contents of
// archivePath: the original file is deleted, the archive copied over
// it, then blobs staged in backup_blobs are streamed back into the
// blob directory and the table dropped. db must already be closed by
// the caller (spec: "refuse if already configured" is enforced by the
// caller before this runs); ImportBackup returns a freshly opened *DB
// at the same path.
func ImportBackup(path, archivePath string, cancel func() bool, progress Progress) (*store.DB, error) {
	if progress == nil {
		progress = func(int) {}
	}
	progress(0)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("imex: remove existing database: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		os.Remove(path + suffix)
	}

	if err := copyFile(archivePath, path); err != nil {
		return nil, fmt.Errorf("imex: copy archive: %w", err)
	}

	db, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("imex: open imported database: %w", err)
	}

	var total int
	if err := db.QueryRow(`SELECT COUNT(*) FROM backup_blobs`).Scan(&total); err != nil {
		db.Close()
		return nil, fmt.Errorf("imex: count staged blobs: %w", err)
	}

	rows, err := db.Query(`SELECT blob_name, file_content FROM backup_blobs ORDER BY blob_name`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("imex: read staged blobs: %w", err)
	}

	processed := 0
	for rows.Next() {
		if cancel != nil && cancel() {
			rows.Close()
			db.Close()
			return nil, fmt.Errorf("imex: import canceled")
		}

		var name string
		var content []byte
		if err := rows.Scan(&name, &content); err != nil {
			rows.Close()
			db.Close()
			return nil, fmt.Errorf("imex: scan staged blob: %w", err)
		}

		processed++
		if total > 0 {
			progress(clampPermille(processed * 1000 / total))
		}

		if len(content) == 0 {
			continue
		}
		if err := os.WriteFile(db.BlobPath(name), content, 0600); err != nil {
			rows.Close()
			db.Close()
			return nil, fmt.Errorf("imex: write blob %q: %w", name, err)
		}
	}
	if err := rows.Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("imex: reading staged blobs: %w", err)
	}
	rows.Close()

	if _, err := db.Exec(`DROP TABLE IF EXISTS backup_blobs`); err != nil {
		db.Close()
		return nil, fmt.Errorf("imex: drop backup_blobs: %w", err)
	}
	if _, err := db.Exec(`VACUUM`); err != nil {
		db.Close()
		return nil, fmt.Errorf("imex: vacuum: %w", err)
	}

	// The imported blob directory path is recomputed fresh from the
	// importing install's own db.Path() on every read (store.DB.BlobPath),
	// so unlike the original implementation there is no absolute path
	// baked into message/chat params to rewrite here; blob references are
	// always relative names.
	progress(1000)
	return db, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// finePathname returns a backup destination path that does not already
// exist, inserting "-N" before the extension on collision (spec:
// "if more than one backup is created on a day, the format is
// delta-chat.<day>-<number>.bak").
func finePathname(dir string, now time.Time) (string, error) {
	base := fmt.Sprintf("delta-chat-%s", now.Format("2006-01-02"))
	candidate := filepath.Join(dir, base+".bak")
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate, nil
	}

	for n := 2; n < 1000; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s-%d.bak", base, n))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("imex: could not find a free backup filename in %s", dir)
}
