package util

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a 24 hex character identifier. The first 12 characters carry
// the millisecond timestamp, so ids sort in creation order.
func NewID() string {
	u := ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	return hex.EncodeToString(u[:12])
}

var idPattern = regexp.MustCompile(`^[a-f0-9]{24}$`)

func ValidID(id string) bool { return idPattern.MatchString(id) }

func NormalizeEmail(addr string) string {
	addr = strings.TrimSpace(addr)
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return addr
	}
	return addr[:at] + "@" + strings.ToLower(addr[at+1:])
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
