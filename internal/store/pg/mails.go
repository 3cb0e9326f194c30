package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"mailcast/internal/domain"
	"mailcast/internal/store"
)

const mailColumns = `id, owner, COALESCE(campaign_id, ''), COALESCE(subscriber_id, ''), generation, to_addr,
	COALESCE(from_addr, ''), COALESCE(message_id, ''), status, log_json, bounce, test, created_at`

func scanMail(row pgx.Row) (domain.Mail, error) {
	var (
		m      domain.Mail
		status string
		logB   []byte
	)
	err := row.Scan(&m.ID, &m.Owner, &m.CampaignID, &m.SubscriberID, &m.Generation, &m.To,
		&m.From, &m.MessageID, &status, &logB, &m.Bounce, &m.Test, &m.Created)
	if err != nil {
		return domain.Mail{}, notFound(err)
	}
	m.Status = domain.MailStatus(status)
	if len(logB) > 0 {
		_ = json.Unmarshal(logB, &m.Log)
	}
	return m, nil
}

func (s *Store) CreateMail(ctx context.Context, m domain.Mail) error {
	if m.Log == nil {
		m.Log = []domain.LogEntry{}
	}
	logB, err := json.Marshal(m.Log)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO mails (id, owner, campaign_id, subscriber_id, generation, to_addr, status, log_json, test, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
	`, m.ID, m.Owner, nullIfEmpty(m.CampaignID), nullIfEmpty(m.SubscriberID), m.Generation, m.To,
		string(m.Status), logB, m.Test, m.Created)
	return err
}

func (s *Store) GetMail(ctx context.Context, id string) (domain.Mail, error) {
	return scanMail(s.DB.QueryRow(ctx, `SELECT `+mailColumns+` FROM mails WHERE id=$1`, id))
}

// MarkMail records the handoff outcome. The status only moves off
// initialized, so feedback that raced ahead of the handoff is kept.
func (s *Store) MarkMail(ctx context.Context, in store.MailMark) error {
	entry, err := json.Marshal([]domain.LogEntry{in.Entry})
	if err != nil {
		return err
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE mails
		SET status = CASE WHEN status='initialized' THEN $2 ELSE status END,
		    message_id = COALESCE($3, message_id),
		    from_addr = COALESCE($4, from_addr),
		    log_json = log_json || $5::jsonb,
		    updated_at = now()
		WHERE id=$1
	`, in.ID, string(in.Status), nullIfEmpty(in.MessageID), nullIfEmpty(in.From), entry)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ApplyMailStatus appends entry to the record log and moves it to status when
// that is a forward transition. The returned Previous is the pre-update record.
func (s *Store) ApplyMailStatus(ctx context.Context, id string, status domain.MailStatus, entry domain.LogEntry) (store.StatusApply, error) {
	var out store.StatusApply
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		prev, err := scanMail(tx.QueryRow(ctx, `SELECT `+mailColumns+` FROM mails WHERE id=$1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		out.Found = true
		out.Previous = prev

		entryB, err := json.Marshal([]domain.LogEntry{entry})
		if err != nil {
			return err
		}

		// once bounced the record only collects log entries
		out.Applied = !prev.Bounce && domain.CanTransition(prev.Status, status)
		next := prev.Status
		if out.Applied {
			next = status
		}
		_, err = tx.Exec(ctx, `
			UPDATE mails
			SET log_json = log_json || $2::jsonb, status=$3, bounce = bounce OR $4, updated_at=$5
			WHERE id=$1
		`, id, entryB, string(next), out.Applied && status == domain.MailBounced, time.Now().UTC())
		return err
	})
	if errors.Is(err, domain.ErrNotFound) {
		return store.StatusApply{}, nil
	}
	return out, err
}
