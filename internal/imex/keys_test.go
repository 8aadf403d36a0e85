package imex_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mercury-chat/engine/internal/crypto"
	"github.com/mercury-chat/engine/internal/imex"
	"github.com/mercury-chat/engine/internal/keyring"
	"github.com/mercury-chat/engine/internal/store"
)

func openKeyStore(t *testing.T) *keyring.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "aerion.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return keyring.NewStore(db)
}

func TestExportImportSelfKeysRoundTrip(t *testing.T) {
	eng := crypto.NewEngine()
	pub, priv, err := eng.GenerateKeypair("Ivan <ivan@example.org>")
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	ks := openKeyStore(t)
	if err := ks.Save("ivan@example.org", pub, priv, true, time.Now().Unix()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	exportDir := t.TempDir()
	if err := imex.ExportSelfKeys(ks, exportDir); err != nil {
		t.Fatalf("ExportSelfKeys: %v", err)
	}

	entries, err := os.ReadDir(exportDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var sawPublic, sawPrivate bool
	for _, e := range entries {
		switch e.Name() {
		case "public-key-default.asc":
			sawPublic = true
		case "private-key-default.asc":
			sawPrivate = true
		}
	}
	if !sawPublic || !sawPrivate {
		t.Fatalf("expected default-named key files, got %v", entries)
	}

	ks2 := openKeyStore(t)
	imported, err := imex.ImportSelfKeys(eng, ks2, "ivan@example.org", exportDir)
	if err != nil {
		t.Fatalf("ImportSelfKeys: %v", err)
	}
	if imported != 1 {
		t.Fatalf("expected 1 imported key, got %d", imported)
	}

	kp, ok, err := ks2.Default("ivan@example.org")
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if !ok {
		t.Fatal("expected a default keypair after import")
	}
	if !kp.Private.Equal(priv) {
		t.Fatal("imported private key does not match the exported one")
	}
}

func TestImportSelfKeysSkipsLegacyDefault(t *testing.T) {
	eng := crypto.NewEngine()
	_, priv, err := eng.GenerateKeypair("Judy <judy@example.org>")
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	armored, err := priv.Armor()
	if err != nil {
		t.Fatalf("Armor: %v", err)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "private-key-legacy.asc"), []byte(armored), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ks := openKeyStore(t)
	imported, err := imex.ImportSelfKeys(eng, ks, "judy@example.org", dir)
	if err != nil {
		t.Fatalf("ImportSelfKeys: %v", err)
	}
	if imported != 1 {
		t.Fatalf("expected 1 imported key, got %d", imported)
	}

	if _, ok, err := ks.Default("judy@example.org"); err != nil {
		t.Fatalf("Default: %v", err)
	} else if ok {
		t.Fatal("a legacy-named key must not become the default")
	}
}

func TestImportSelfKeysNoFilesErrors(t *testing.T) {
	eng := crypto.NewEngine()
	ks := openKeyStore(t)
	if _, err := imex.ImportSelfKeys(eng, ks, "nobody@example.org", t.TempDir()); err == nil {
		t.Fatal("expected an error when no private keys are present")
	}
}
