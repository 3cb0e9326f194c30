package domain

import (
	"errors"
	"time"
)

type CampaignStatus string

const (
	CampaignDraft    CampaignStatus = "draft"
	CampaignQueueing CampaignStatus = "queueing"
	CampaignSending  CampaignStatus = "sending"
	CampaignSent     CampaignStatus = "sent"
)

type SubscriberStatus string

const (
	SubscriberUnconfirmed  SubscriberStatus = "unconfirmed"
	SubscriberSubscribed   SubscriberStatus = "subscribed"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
	SubscriberBounced      SubscriberStatus = "bounced"
)

// Counters maps a mail status to the number of dispatch records that reached it.
type Counters map[MailStatus]int64

type Campaign struct {
	ID              string
	Owner           string
	ListID          string
	Subject         string
	HTML            string
	Layout          string
	TextOnly        bool
	Status          CampaignStatus
	Draft           bool
	Locked          time.Time
	LastProcessedID string
	Counters        Counters
	LeaseEpoch      int64
	Generation      int64
	Created         time.Time
}

// Fence identifies the lease a write is made under. Writes carrying a stale
// epoch are rejected with ErrLeaseLost.
type Fence struct {
	CampaignID string
	Epoch      int64
}

func (c Campaign) Fence() Fence { return Fence{CampaignID: c.ID, Epoch: c.LeaseEpoch} }

// Snapshot is the progress payload published on every campaign change.
type Snapshot struct {
	ID       string         `json:"_id"`
	Status   CampaignStatus `json:"status"`
	Counters Counters       `json:"counters"`
}

func (c Campaign) Snapshot() Snapshot {
	counters := c.Counters
	if counters == nil {
		counters = Counters{}
	}
	return Snapshot{ID: c.ID, Status: c.Status, Counters: counters}
}

type List struct {
	ID          string
	Owner       string
	Name        string
	Email       string
	Subscribers int64
}

type SubscriberBounce struct {
	CampaignID string    `json:"message,omitempty"`
	MailID     string    `json:"email"`
	Response   string    `json:"response,omitempty"`
	Created    time.Time `json:"created"`
}

type Subscriber struct {
	ID             string
	ListID         string
	Email          string
	Name           string
	Status         SubscriberStatus
	Fields         map[string]string
	TestSubscriber bool
	PublicKey      string
	Bounce         *SubscriberBounce
}

var (
	ErrNotFound          = errors.New("not found")
	ErrLeaseLost         = errors.New("campaign lease lost")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrMissingFields     = errors.New("missing required fields")
	ErrInvalidID         = errors.New("invalid identifier")
	ErrNotDraft          = errors.New("campaign is not a draft")
)
