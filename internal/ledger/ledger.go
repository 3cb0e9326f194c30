// Package ledger applies delivery feedback to dispatch records and keeps the
// campaign and list aggregates in step with them.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mailcast/internal/domain"
	"mailcast/internal/store"
)

type Store interface {
	ApplyMailStatus(ctx context.Context, id string, status domain.MailStatus, entry domain.LogEntry) (store.StatusApply, error)
	BumpCampaignCounter(ctx context.Context, in store.CounterBump) (domain.Snapshot, bool, error)
	BounceSubscriber(ctx context.Context, id string, bounce domain.SubscriberBounce) (store.SubscriberBounceResult, error)
}

type Publisher interface {
	Publish(ctx context.Context, snap domain.Snapshot) error
}

type Ledger struct {
	Store     Store
	Publisher Publisher
	Log       *slog.Logger
	Now       func() time.Time
}

// Outcome describes what an update changed.
type Outcome struct {
	Found    bool
	Applied  bool
	Previous domain.Mail
	// Snapshot is set when the campaign counter moved.
	Snapshot *domain.Snapshot
	// Unsubscribed is set when the bounce took the subscriber off the list.
	Unsubscribed bool
}

// UpdateStatus appends entry to the dispatch record and moves it to status.
// Records already flagged bounce or test, and transitions that are not
// forward, leave every aggregate untouched, so replays are harmless. Only a
// failure to write the record itself is returned.
func (l *Ledger) UpdateStatus(ctx context.Context, mailID string, status domain.MailStatus, entry domain.LogEntry) (Outcome, error) {
	if entry.Created.IsZero() {
		entry.Created = l.now()
	}
	res, err := l.Store.ApplyMailStatus(ctx, mailID, status, entry)
	if err != nil {
		return Outcome{}, fmt.Errorf("apply mail status: %w", err)
	}
	out := Outcome{Found: res.Found, Applied: res.Applied, Previous: res.Previous}
	if !res.Found || !res.Previous.Counted() || !res.Applied {
		return out, nil
	}

	m := res.Previous
	log := l.logger().With("mail_id", m.ID, "status", string(status))

	if m.CampaignID != "" {
		bump := store.CounterBump{
			CampaignID: m.CampaignID,
			Generation: m.Generation,
			Status:     status,
			Now:        l.now(),
		}
		// a late bounce moves a delivered record rather than counting it twice
		if m.Status.Terminal() {
			bump.Replaces = m.Status
		}
		snap, ok, err := l.Store.BumpCampaignCounter(ctx, bump)
		switch {
		case err != nil:
			log.Error("campaign counter update failed", "campaign_id", m.CampaignID, "err", err)
		case !ok:
			log.Info("campaign counter skipped, campaign was reset", "campaign_id", m.CampaignID)
		default:
			out.Snapshot = &snap
			if l.Publisher != nil {
				if err := l.Publisher.Publish(ctx, snap); err != nil {
					log.Warn("progress publish failed", "campaign_id", m.CampaignID, "err", err)
				}
			}
		}
	}

	if m.SubscriberID != "" && status == domain.MailBounced {
		prev, err := l.Store.BounceSubscriber(ctx, m.SubscriberID, domain.SubscriberBounce{
			CampaignID: m.CampaignID,
			MailID:     m.ID,
			Response:   entry.Response,
			Created:    l.now(),
		})
		if err != nil {
			log.Error("subscriber bounce update failed", "subscriber_id", m.SubscriberID, "err", err)
		} else {
			out.Unsubscribed = prev.Found && prev.PreviousStatus == domain.SubscriberSubscribed
		}
	}
	return out, nil
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l *Ledger) logger() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return slog.Default()
}
