package composer

import (
	"fmt"
	"io"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// ReadKeys parses an armored public key block.
func ReadKeys(armored string) (openpgp.EntityList, error) {
	keys, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("read public key: no keys")
	}
	return keys, nil
}

// writeEncrypted writes a PGP/MIME (RFC 3156) message. The inner entity is
// streamed through the encrypter and never held in memory as a whole.
func writeEncrypted(w io.Writer, h mail.Header, keys openpgp.EntityList, text, html string) error {
	h.SetContentType("multipart/encrypted", map[string]string{"protocol": "application/pgp-encrypted"})
	mw, err := message.CreateWriter(w, h.Header)
	if err != nil {
		return err
	}

	var vh message.Header
	vh.SetContentType("application/pgp-encrypted", nil)
	vh.Set("Content-Description", "PGP/MIME version identification")
	vw, err := mw.CreatePart(vh)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(vw, "Version: 1\r\n"); err != nil {
		return err
	}
	if err := vw.Close(); err != nil {
		return err
	}

	var eh message.Header
	eh.SetContentType("application/octet-stream", map[string]string{"name": "encrypted.asc"})
	eh.Set("Content-Description", "OpenPGP encrypted message")
	eh.Set("Content-Disposition", `inline; filename="encrypted.asc"`)
	ew, err := mw.CreatePart(eh)
	if err != nil {
		return err
	}
	aw, err := armor.Encode(ew, "PGP MESSAGE", nil)
	if err != nil {
		return err
	}
	pt, err := openpgp.Encrypt(aw, keys, nil, nil, nil)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	if err := writeBody(pt, mail.Header{}, text, html); err != nil {
		return err
	}
	if err := pt.Close(); err != nil {
		return err
	}
	if err := aw.Close(); err != nil {
		return err
	}
	if err := ew.Close(); err != nil {
		return err
	}
	return mw.Close()
}
