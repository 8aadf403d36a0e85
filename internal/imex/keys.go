package imex

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mercury-chat/engine/internal/crypto"
	"github.com/mercury-chat/engine/internal/keyring"
)

// ExportSelfKeys writes every stored keypair to dir as ASCII-armored
// .asc files: public-key-default.asc/private-key-default.asc for the
// default keypair, public-key-<id>.asc/private-key-<id>.asc for the
// rest (spec §4.16).
func ExportSelfKeys(ks *keyring.Store, dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("imex: create key export directory: %w", err)
	}

	keypairs, err := ks.All()
	if err != nil {
		return fmt.Errorf("imex: list keypairs: %w", err)
	}

	for _, kp := range keypairs {
		if err := exportKeyFile(dir, kp.ID, kp.Public, kp.IsDefault); err != nil {
			return err
		}
		if err := exportKeyFile(dir, kp.ID, kp.Private, kp.IsDefault); err != nil {
			return err
		}
	}
	return nil
}

func exportKeyFile(dir string, id uint32, k *keyring.Key, isDefault bool) error {
	name := fmt.Sprintf("%s-key-%d.asc", k.Type, id)
	if isDefault {
		name = fmt.Sprintf("%s-key-default.asc", k.Type)
	}

	armored, err := k.Armor()
	if err != nil {
		return fmt.Errorf("imex: armor %s key: %w", k.Type, err)
	}
	path := filepath.Join(dir, name)
	log.Info().Str("path", path).Msg("exporting key")
	if err := os.WriteFile(path, []byte(armored), 0600); err != nil {
		return fmt.Errorf("imex: write %s: %w", path, err)
	}
	return nil
}

// ImportSelfKeys scans dir for *.asc private keys and imports each as
// a self keypair (spec §4.16). Public-key files are skipped; they are
// always re-exported alongside their private counterpart and carry no
// information a private key file doesn't already have. A key whose
// filename contains "legacy" is imported but not made the default, so
// an intentionally superseded key doesn't silently become active
// again (spec: "a key with legacy in its name is not made default").
//
// Returns the number of keys imported.
func ImportSelfKeys(engine crypto.Engine, ks *keyring.Store, addr, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("imex: open key import directory: %w", err)
	}

	imported := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".asc") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil || len(raw) < 50 {
			continue
		}

		key, err := keyring.ParseArmor(string(raw))
		if err != nil || key.Type != keyring.Private {
			continue // not an error: public keys are exported alongside private ones
		}

		if !engine.IsValid(key) {
			log.Error().Str("path", path).Msg("file does not contain a valid private key")
			continue
		}
		pub, err := engine.SplitPublic(key)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("could not derive public key")
			continue
		}

		setDefault := !strings.Contains(entry.Name(), "legacy")
		if err := ks.Save(addr, pub, key, setDefault, time.Now().Unix()); err != nil {
			return imported, fmt.Errorf("imex: save imported keypair: %w", err)
		}
		imported++
	}

	if imported == 0 {
		return 0, fmt.Errorf("imex: no private keys found in %s", dir)
	}
	return imported, nil
}
