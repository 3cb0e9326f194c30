// Package feedback turns MTA delivery-log events into dispatch record
// status changes.
package feedback

import (
	"strings"
	"time"

	"mailcast/internal/domain"
	"mailcast/internal/verp"
)

const (
	ActionAccepted = "ACCEPTED"
	ActionRejected = "REJECTED"

	CategoryBlacklist = "blacklist"
)

// Event is one delivery-log line reported by the MTA. From is the envelope
// sender the message was submitted with.
type Event struct {
	From      string    `json:"from" validate:"required,max=320"`
	Action    string    `json:"action" validate:"required,max=32"`
	Category  string    `json:"category,omitempty" validate:"max=64"`
	Response  string    `json:"response,omitempty" validate:"max=2048"`
	MessageID string    `json:"messageId,omitempty" validate:"max=998"`
	Created   time.Time `json:"created,omitempty"`
}

// Status maps the event onto a dispatch record status. ok is false for
// actions that do not change a record.
func (e Event) Status() (status domain.MailStatus, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(e.Action)) {
	case ActionAccepted:
		return domain.MailDelivered, true
	case ActionRejected:
		if strings.EqualFold(e.Category, CategoryBlacklist) {
			return domain.MailBlacklisted, true
		}
		return domain.MailRejected, true
	}
	return "", false
}

// MailID returns the dispatch record id encoded in From.
func (e Event) MailID() (string, bool) { return verp.Decode(e.From) }

func (e Event) entry(now time.Time) domain.LogEntry {
	created := e.Created
	if created.IsZero() {
		created = now
	}
	return domain.LogEntry{
		Action:   strings.ToUpper(strings.TrimSpace(e.Action)),
		Created:  created.UTC(),
		Response: e.Response,
		Category: e.Category,
		Source:   "MTA",
	}
}
