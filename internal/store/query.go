package store

import (
	"fmt"
	"time"

	"mailcast/internal/domain"
)

type CampaignQueryKind int

const (
	QueryByIdentifier CampaignQueryKind = iota + 1
	QueryByLease
	QueryByStatus
)

func (k CampaignQueryKind) String() string {
	switch k {
	case QueryByIdentifier:
		return "by_identifier"
	case QueryByLease:
		return "by_lease"
	case QueryByStatus:
		return "by_status"
	default:
		return "unknown"
	}
}

// CampaignQuery selects campaigns. Build it with ByIdentifier, ByLease or
// ByStatus; exactly one variant is populated.
type CampaignQuery struct {
	Kind        CampaignQueryKind
	ID          string
	StaleBefore time.Time
	Status      domain.CampaignStatus
}

func ByIdentifier(id string) CampaignQuery {
	return CampaignQuery{Kind: QueryByIdentifier, ID: id}
}

// ByLease matches campaigns waiting to be sent, or abandoned mid-send, whose
// lease is free or older than ttl.
func ByLease(now time.Time, ttl time.Duration) CampaignQuery {
	return CampaignQuery{Kind: QueryByLease, StaleBefore: now.Add(-ttl)}
}

func ByStatus(status domain.CampaignStatus) CampaignQuery {
	return CampaignQuery{Kind: QueryByStatus, Status: status}
}

func (q CampaignQuery) Matches(c domain.Campaign) bool {
	switch q.Kind {
	case QueryByIdentifier:
		return c.ID == q.ID
	case QueryByLease:
		return (c.Status == domain.CampaignQueueing || c.Status == domain.CampaignSending) && !c.Draft &&
			(c.Locked.IsZero() || !c.Locked.After(q.StaleBefore))
	case QueryByStatus:
		return c.Status == q.Status
	default:
		return false
	}
}

// Predicate renders the query as a SQL boolean expression whose placeholders
// start at $first.
func (q CampaignQuery) Predicate(first int) (string, []any, error) {
	switch q.Kind {
	case QueryByIdentifier:
		return fmt.Sprintf("id = $%d", first), []any{q.ID}, nil
	case QueryByLease:
		return fmt.Sprintf("status IN ('queueing', 'sending') AND draft = false AND locked <= $%d", first),
			[]any{LockedValue(q.StaleBefore)}, nil
	case QueryByStatus:
		return fmt.Sprintf("status = $%d", first), []any{string(q.Status)}, nil
	default:
		return "", nil, fmt.Errorf("campaign query: unknown kind %d", q.Kind)
	}
}

// LockedValue converts a lease timestamp into its stored form, 0 meaning free.
func LockedValue(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func LockedTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

// RecipientQuery pages through a list's subscribed recipients in id order.
type RecipientQuery struct {
	ListID   string
	After    string
	TestOnly bool
	Limit    int
}

func (q RecipientQuery) Matches(s domain.Subscriber) bool {
	if s.ListID != q.ListID || s.Status != domain.SubscriberSubscribed {
		return false
	}
	if q.After != "" && s.ID <= q.After {
		return false
	}
	if q.TestOnly && !s.TestSubscriber {
		return false
	}
	return true
}
