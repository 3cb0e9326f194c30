// Package service holds the admin operations behind the HTTP API.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"mailcast/internal/domain"
	"mailcast/internal/feedback"
	"mailcast/internal/pubsub"
	"mailcast/internal/store"
	"mailcast/internal/util"
)

type Store interface {
	FindCampaign(ctx context.Context, q store.CampaignQuery) (domain.Campaign, error)
	QueueCampaign(ctx context.Context, id string) (domain.Campaign, error)
	ResetCampaign(ctx context.Context, id string) (domain.Campaign, error)
	GetMail(ctx context.Context, id string) (domain.Mail, error)
}

type Triggers interface {
	Trigger(ctx context.Context, t pubsub.Trigger) error
}

type Publisher interface {
	Publish(ctx context.Context, snap domain.Snapshot) error
}

type TestRunner interface {
	RunTest(ctx context.Context, campaignID string) (int, error)
}

type FeedbackQueue interface {
	Send(ctx context.Context, v any) error
}

type CampaignService struct {
	Store     Store
	Triggers  Triggers
	Publisher Publisher
	Tests     TestRunner
	Feedback  FeedbackQueue
	Log       *slog.Logger
}

// Queue moves a draft campaign into the send queue and wakes the
// dispatchers. A campaign that is not a draft gives domain.ErrNotDraft.
func (s *CampaignService) Queue(ctx context.Context, id string) (domain.Snapshot, error) {
	if !util.ValidID(id) {
		return domain.Snapshot{}, domain.ErrInvalidID
	}
	c, err := s.Store.QueueCampaign(ctx, id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if err := s.Triggers.Trigger(ctx, pubsub.Trigger{Action: pubsub.ActionNew, ID: c.ID}); err != nil {
		// the dispatchers still pick it up on their next idle tick
		s.logger().Warn("queue trigger publish failed", "campaign_id", c.ID, "err", err)
	}
	return c.Snapshot(), nil
}

// Reset returns the campaign to draft. A dispatcher holding its lease drops
// out at the next recipient boundary.
func (s *CampaignService) Reset(ctx context.Context, id string) (domain.Snapshot, error) {
	if !util.ValidID(id) {
		return domain.Snapshot{}, domain.ErrInvalidID
	}
	c, err := s.Store.ResetCampaign(ctx, id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	snap := c.Snapshot()
	if err := s.Triggers.Trigger(ctx, pubsub.Trigger{Action: pubsub.ActionReset, ID: c.ID}); err != nil {
		s.logger().Warn("reset trigger publish failed", "campaign_id", c.ID, "err", err)
	}
	if err := s.Publisher.Publish(ctx, snap); err != nil {
		s.logger().Warn("progress publish failed", "campaign_id", c.ID, "err", err)
	}
	return snap, nil
}

// TestSend sends the campaign to the list's test subscribers and returns how
// many were queued.
func (s *CampaignService) TestSend(ctx context.Context, id string) (int, error) {
	if !util.ValidID(id) {
		return 0, domain.ErrInvalidID
	}
	return s.Tests.RunTest(ctx, id)
}

func (s *CampaignService) Snapshot(ctx context.Context, id string) (domain.Snapshot, error) {
	if !util.ValidID(id) {
		return domain.Snapshot{}, domain.ErrInvalidID
	}
	c, err := s.Store.FindCampaign(ctx, store.ByIdentifier(id))
	if err != nil {
		return domain.Snapshot{}, err
	}
	return c.Snapshot(), nil
}

func (s *CampaignService) GetMail(ctx context.Context, id string) (domain.Mail, error) {
	if !util.ValidID(id) {
		return domain.Mail{}, domain.ErrInvalidID
	}
	return s.Store.GetMail(ctx, id)
}

// EnqueueFeedback hands a verified MTA event to the feedback processor.
func (s *CampaignService) EnqueueFeedback(ctx context.Context, ev feedback.Event) error {
	if err := s.Feedback.Send(ctx, ev); err != nil {
		return fmt.Errorf("enqueue feedback: %w", err)
	}
	return nil
}

func (s *CampaignService) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
