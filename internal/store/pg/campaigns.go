package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"mailcast/internal/domain"
	"mailcast/internal/store"
)

const campaignColumns = `id, owner, list_id, subject, html, layout, text_only, status, draft, locked,
	COALESCE(last_processed_id, ''), counters, lease_epoch, generation, created_at`

func scanCampaign(row pgx.Row) (domain.Campaign, error) {
	var (
		c        domain.Campaign
		status   string
		locked   int64
		counters []byte
	)
	err := row.Scan(&c.ID, &c.Owner, &c.ListID, &c.Subject, &c.HTML, &c.Layout, &c.TextOnly, &status, &c.Draft, &locked,
		&c.LastProcessedID, &counters, &c.LeaseEpoch, &c.Generation, &c.Created)
	if err != nil {
		return domain.Campaign{}, notFound(err)
	}
	c.Status = domain.CampaignStatus(status)
	c.Locked = store.LockedTime(locked)
	if c.Counters, err = decodeCounters(counters); err != nil {
		return domain.Campaign{}, err
	}
	return c, nil
}

func scanSnapshot(row pgx.Row) (domain.Snapshot, error) {
	var (
		snap     domain.Snapshot
		status   string
		counters []byte
	)
	if err := row.Scan(&snap.ID, &status, &counters); err != nil {
		return domain.Snapshot{}, err
	}
	snap.Status = domain.CampaignStatus(status)
	c, err := decodeCounters(counters)
	if err != nil {
		return domain.Snapshot{}, err
	}
	snap.Counters = c
	return snap, nil
}

func (s *Store) FindCampaign(ctx context.Context, q store.CampaignQuery) (domain.Campaign, error) {
	pred, args, err := q.Predicate(1)
	if err != nil {
		return domain.Campaign{}, err
	}
	row := s.DB.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE `+pred+` ORDER BY id LIMIT 1`, args...)
	return scanCampaign(row)
}

// ClaimCampaign leases one campaign whose lease is free or older than ttl.
// The lease epoch is bumped so writes from a previous holder are fenced out.
func (s *Store) ClaimCampaign(ctx context.Context, now time.Time, ttl time.Duration) (domain.Campaign, bool, error) {
	pred, args, err := store.ByLease(now, ttl).Predicate(2)
	if err != nil {
		return domain.Campaign{}, false, err
	}
	row := s.DB.QueryRow(ctx, `
		UPDATE campaigns
		SET locked=$1, lease_epoch=lease_epoch+1, updated_at=now()
		WHERE `+pred+` AND id = (
			SELECT id FROM campaigns WHERE `+pred+`
			ORDER BY locked, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+campaignColumns,
		append([]any{store.LockedValue(now)}, args...)...)
	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Campaign{}, false, nil
		}
		return domain.Campaign{}, false, err
	}
	return c, true, nil
}

func (s *Store) Checkpoint(ctx context.Context, f domain.Fence, subscriberID string) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET last_processed_id=$3, updated_at=now()
		WHERE id=$1 AND lease_epoch=$2 AND draft=false
	`, f.CampaignID, f.Epoch, subscriberID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

const incrementCounter = `counters = jsonb_set(counters, ARRAY[$3::text], to_jsonb(COALESCE((counters->>($3::text))::bigint, 0) + 1)),
		status = CASE WHEN status='queueing' THEN 'sending' ELSE status END,
		updated_at = now()`

// moveCounter takes one from bucket $4 (never below zero) and adds one to $3.
const moveCounter = `counters = jsonb_set(
			jsonb_set(counters, ARRAY[$4::text], to_jsonb(GREATEST(COALESCE((counters->>($4::text))::bigint, 0) - 1, 0))),
			ARRAY[$3::text], to_jsonb(COALESCE((counters->>($3::text))::bigint, 0) + 1)),
		status = CASE WHEN status='queueing' THEN 'sending' ELSE status END,
		updated_at = now()`

// IncrementCampaignCounter bumps one counter bucket under the caller's lease.
func (s *Store) IncrementCampaignCounter(ctx context.Context, f domain.Fence, status domain.MailStatus) (domain.Snapshot, error) {
	row := s.DB.QueryRow(ctx, `
		UPDATE campaigns SET `+incrementCounter+`
		WHERE id=$1 AND lease_epoch=$2 AND draft=false
		RETURNING id, status, counters
	`, f.CampaignID, f.Epoch, string(status))
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Snapshot{}, domain.ErrLeaseLost
	}
	return snap, err
}

// BumpCampaignCounter applies feedback to a campaign counter. Campaigns reset
// since the mail was created (generation mismatch) are left untouched.
func (s *Store) BumpCampaignCounter(ctx context.Context, in store.CounterBump) (domain.Snapshot, bool, error) {
	set, args := incrementCounter, []any{in.CampaignID, in.Generation, string(in.Status)}
	if in.Replaces != "" {
		set, args = moveCounter, append(args, string(in.Replaces))
	}
	row := s.DB.QueryRow(ctx, `
		UPDATE campaigns SET `+set+`
		WHERE id=$1 AND generation=$2 AND draft=false
		RETURNING id, status, counters
	`, args...)
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Snapshot{}, false, nil
	}
	if err != nil {
		return domain.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *Store) FinishCampaign(ctx context.Context, f domain.Fence) (domain.Snapshot, error) {
	row := s.DB.QueryRow(ctx, `
		UPDATE campaigns SET status='sent', locked=0, updated_at=now()
		WHERE id=$1 AND lease_epoch=$2 AND draft=false
		RETURNING id, status, counters
	`, f.CampaignID, f.Epoch)
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Snapshot{}, domain.ErrLeaseLost
	}
	return snap, err
}

// QueueCampaign moves a draft into the send queue.
func (s *Store) QueueCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	row := s.DB.QueryRow(ctx, `
		UPDATE campaigns
		SET status='queueing', draft=false, locked=0, last_processed_id=NULL, counters='{}', updated_at=now()
		WHERE id=$1 AND draft=true
		RETURNING `+campaignColumns, id)
	c, err := scanCampaign(row)
	if errors.Is(err, domain.ErrNotFound) {
		if _, ferr := s.FindCampaign(ctx, store.ByIdentifier(id)); ferr != nil {
			return domain.Campaign{}, ferr
		}
		return domain.Campaign{}, domain.ErrNotDraft
	}
	return c, err
}

// ResetCampaign returns a campaign to draft and invalidates any running pass.
func (s *Store) ResetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	row := s.DB.QueryRow(ctx, `
		UPDATE campaigns
		SET status='draft', draft=true, locked=0, last_processed_id=NULL, counters='{}',
		    lease_epoch=lease_epoch+1, generation=generation+1, updated_at=now()
		WHERE id=$1
		RETURNING `+campaignColumns, id)
	return scanCampaign(row)
}
