// Package verp encodes dispatch record ids into bounce return paths.
package verp

import (
	"regexp"
	"strings"
)

const prefix = "bounces."

var pattern = regexp.MustCompile(`(?i)^bounces\.([a-f0-9]{24})@`)

// Address returns the return path for mailID on hostname.
func Address(mailID, hostname string) string {
	return prefix + mailID + "@" + hostname
}

// Decode extracts the dispatch record id from a return path. Ids come back
// lower-cased. ok is false for any address that is not a VERP address.
func Decode(addr string) (mailID string, ok bool) {
	addr = strings.Trim(strings.TrimSpace(addr), "<>")
	m := pattern.FindStringSubmatch(addr)
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[1]), true
}
