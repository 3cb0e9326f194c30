package pg

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"mailcast/internal/domain"
	"mailcast/internal/store"
)

func (s *Store) GetList(ctx context.Context, id string) (domain.List, error) {
	var l domain.List
	err := s.DB.QueryRow(ctx, `
		SELECT id, owner, name, email, subscribers FROM lists WHERE id=$1
	`, id).Scan(&l.ID, &l.Owner, &l.Name, &l.Email, &l.Subscribers)
	if err != nil {
		return domain.List{}, notFound(err)
	}
	return l, nil
}

// NextRecipients returns the next page of recipients after q.After, in id order.
func (s *Store) NextRecipients(ctx context.Context, q store.RecipientQuery) ([]domain.Subscriber, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, list_id, email, name, status, fields_json, test_subscriber, COALESCE(public_key, '')
		FROM subscribers
		WHERE list_id=$1 AND status='subscribed' AND ($2 = '' OR id > $2) AND (NOT $3 OR test_subscriber)
		ORDER BY id
		LIMIT $4
	`, q.ListID, q.After, q.TestOnly, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Subscriber
	for rows.Next() {
		var (
			sub    domain.Subscriber
			status string
			fields []byte
		)
		if err := rows.Scan(&sub.ID, &sub.ListID, &sub.Email, &sub.Name, &status, &fields, &sub.TestSubscriber, &sub.PublicKey); err != nil {
			return nil, err
		}
		sub.Status = domain.SubscriberStatus(status)
		_ = json.Unmarshal(fields, &sub.Fields)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) GetSubscriber(ctx context.Context, id string) (domain.Subscriber, error) {
	var (
		sub    domain.Subscriber
		status string
		fields []byte
		bounce []byte
	)
	err := s.DB.QueryRow(ctx, `
		SELECT id, list_id, email, name, status, fields_json, test_subscriber, COALESCE(public_key, ''), bounce_json
		FROM subscribers WHERE id=$1
	`, id).Scan(&sub.ID, &sub.ListID, &sub.Email, &sub.Name, &status, &fields, &sub.TestSubscriber, &sub.PublicKey, &bounce)
	if err != nil {
		return domain.Subscriber{}, notFound(err)
	}
	sub.Status = domain.SubscriberStatus(status)
	_ = json.Unmarshal(fields, &sub.Fields)
	if len(bounce) > 0 {
		sub.Bounce = &domain.SubscriberBounce{}
		_ = json.Unmarshal(bounce, sub.Bounce)
	}
	return sub, nil
}

// BounceSubscriber marks a subscriber bounced. Leaving the subscribed state
// decrements the owning list counter in the same transaction.
func (s *Store) BounceSubscriber(ctx context.Context, id string, bounce domain.SubscriberBounce) (store.SubscriberBounceResult, error) {
	var out store.SubscriberBounceResult
	bounceB, err := json.Marshal(bounce)
	if err != nil {
		return out, err
	}
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT list_id, status FROM subscribers WHERE id=$1 FOR UPDATE`, id).Scan(&out.ListID, &status); err != nil {
			return notFound(err)
		}
		out.Found = true
		out.PreviousStatus = domain.SubscriberStatus(status)

		if _, err := tx.Exec(ctx, `
			UPDATE subscribers SET status='bounced', bounce_json=$2, updated_at=now() WHERE id=$1
		`, id, bounceB); err != nil {
			return err
		}
		if out.PreviousStatus != domain.SubscriberSubscribed {
			return nil
		}
		_, err := tx.Exec(ctx, `UPDATE lists SET subscribers = subscribers - 1, updated_at=now() WHERE id=$1`, out.ListID)
		return err
	})
	if errors.Is(err, domain.ErrNotFound) {
		return store.SubscriberBounceResult{}, nil
	}
	return out, err
}
