package contact

import (
	"fmt"
	"io"

	"github.com/emersion/go-vcard"
)

// ImportVCard reads one or more vCards from r and imports each as a
// contact at OriginAddressBook, using the first email address found on
// each card. Cards with no email are skipped.
func (s *Store) ImportVCard(r io.Reader) (int, error) {
	dec := vcard.NewDecoder(r)

	imported := 0
	for {
		card, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return imported, fmt.Errorf("contact: decode vcard: %w", err)
		}

		addr := card.PreferredValue(vcard.FieldEmail)
		if addr == "" {
			continue
		}
		name := card.PreferredValue(vcard.FieldFormattedName)

		if _, err := s.LookupOrCreate(name, addr, OriginAddressBook); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}
