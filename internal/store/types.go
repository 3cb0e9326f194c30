package store

import (
	"time"

	"mailcast/internal/domain"
)

// MailMark records the outcome of a queue handoff on a dispatch record.
type MailMark struct {
	ID        string
	Status    domain.MailStatus
	Entry     domain.LogEntry
	MessageID string
	From      string
}

// StatusApply is the result of appending feedback to a dispatch record.
// Previous holds the record as it was before the update.
type StatusApply struct {
	Found    bool
	Applied  bool
	Previous domain.Mail
}

// SubscriberBounceResult reports the subscriber state replaced by a bounce.
type SubscriberBounceResult struct {
	Found          bool
	ListID         string
	PreviousStatus domain.SubscriberStatus
}

// CounterBump moves a feedback transition into the campaign counters.
// Replaces names the terminal bucket the record leaves, if any.
type CounterBump struct {
	CampaignID string
	Generation int64
	Status     domain.MailStatus
	Replaces   domain.MailStatus
	Now        time.Time
}
