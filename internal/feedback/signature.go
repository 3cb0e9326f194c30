package feedback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Mailcast-Signature"

func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether provided matches the body. An empty secret
// never verifies.
func VerifySignature(secret string, body []byte, provided string) bool {
	if secret == "" || provided == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(strings.TrimPrefix(provided, "sha256=")))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
