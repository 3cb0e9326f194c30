package domain

import "time"

type MailStatus string

const (
	MailInitialized MailStatus = "initialized"
	MailQueued      MailStatus = "queued"
	MailErrored     MailStatus = "errored"
	MailDelivered   MailStatus = "delivered"
	MailBounced     MailStatus = "bounced"
	MailBlacklisted MailStatus = "blacklisted"
	MailRejected    MailStatus = "rejected"
)

// Rank orders statuses for forward-only transitions. Unknown statuses rank -1.
func (s MailStatus) Rank() int {
	switch s {
	case MailInitialized:
		return 0
	case MailQueued, MailErrored:
		return 1
	case MailDelivered:
		return 2
	case MailBounced, MailBlacklisted, MailRejected:
		return 3
	default:
		return -1
	}
}

func (s MailStatus) Valid() bool { return s.Rank() >= 0 }

// Terminal reports whether s is a delivery outcome counted in its own bucket.
// A record sits in at most one terminal bucket at a time.
func (s MailStatus) Terminal() bool { return s.Rank() >= MailDelivered.Rank() }

// CanTransition reports whether a record in status from may move to status to.
func CanTransition(from, to MailStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	return to.Rank() > from.Rank()
}

const (
	ActionQueued  = "QUEUED"
	ActionError   = "ERROR"
	ActionBounced = "bounced"
)

type LogEntry struct {
	Action   string    `json:"action"`
	Created  time.Time `json:"created"`
	Response string    `json:"response,omitempty"`
	Error    string    `json:"error,omitempty"`
	Category string    `json:"category,omitempty"`
	Source   string    `json:"source,omitempty"`
}

// Mail is one dispatch record: a single outbound email and its delivery log.
type Mail struct {
	ID           string
	Owner        string
	CampaignID   string
	SubscriberID string
	Generation   int64
	To           string
	From         string
	MessageID    string
	Status       MailStatus
	Log          []LogEntry
	Bounce       bool
	Test         bool
	Created      time.Time
}

// Counted reports whether feedback for this record may still move aggregates.
func (m Mail) Counted() bool { return !m.Bounce && !m.Test }
