package pg

import (
	"context"
	"encoding/json"

	"mailcast/internal/domain"
)

// InsertList, InsertSubscriber and InsertCampaign create rows for tooling
// and tests; list management itself lives in the admin application.

func (s *Store) InsertList(ctx context.Context, l domain.List) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO lists (id, owner, name, email, subscribers) VALUES ($1,$2,$3,$4,$5)
	`, l.ID, l.Owner, l.Name, l.Email, l.Subscribers)
	return err
}

func (s *Store) InsertSubscriber(ctx context.Context, sub domain.Subscriber) error {
	fields, _ := json.Marshal(sub.Fields)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO subscribers (id, list_id, email, name, status, fields_json, test_subscriber, public_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, sub.ID, sub.ListID, sub.Email, sub.Name, string(sub.Status), fields, sub.TestSubscriber, nullIfEmpty(sub.PublicKey))
	return err
}

func (s *Store) InsertCampaign(ctx context.Context, c domain.Campaign) error {
	status := c.Status
	if status == "" {
		status = domain.CampaignDraft
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO campaigns (id, owner, list_id, subject, html, layout, text_only, status, draft)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, c.ID, c.Owner, c.ListID, c.Subject, c.HTML, c.Layout, c.TextOnly, string(status), c.Draft)
	return err
}
