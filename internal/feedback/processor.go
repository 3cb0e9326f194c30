package feedback

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"mailcast/internal/domain"
	"mailcast/internal/ledger"
	"mailcast/internal/observability"
)

type Ledger interface {
	UpdateStatus(ctx context.Context, mailID string, status domain.MailStatus, entry domain.LogEntry) (ledger.Outcome, error)
}

// Processor applies delivery-log events to the ledger.
type Processor struct {
	Ledger  Ledger
	Log     *slog.Logger
	Now     func() time.Time
	Retries uint64
	// OpTimeout bounds the ledger work for one event.
	OpTimeout time.Duration
}

// Handle applies ev. Events that name no dispatch record or carry an action
// with no status are dropped. A returned error means the event should be
// delivered again.
func (p *Processor) Handle(ctx context.Context, ev Event) error {
	log := p.logger().With("action", ev.Action, "from", ev.From)

	status, ok := ev.Status()
	if !ok {
		observability.FeedbackEvents.WithLabelValues("ignored").Inc()
		log.Debug("feedback action ignored")
		return nil
	}
	mailID, ok := ev.MailID()
	if !ok {
		observability.FeedbackEvents.WithLabelValues("foreign").Inc()
		log.Debug("feedback sender is not a return path")
		return nil
	}
	log = log.With("mail_id", mailID, "status", string(status))

	timeout := p.OpTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out ledger.Outcome
	b := retry.WithMaxRetries(p.Retries, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(opCtx, b, func(ctx context.Context) error {
		var err error
		out, err = p.Ledger.UpdateStatus(ctx, mailID, status, ev.entry(p.now()))
		if err != nil && !errors.Is(err, context.Canceled) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		observability.FeedbackEvents.WithLabelValues("error").Inc()
		log.Error("feedback ledger update failed", "err", err)
		return err
	}

	switch {
	case !out.Found:
		observability.FeedbackEvents.WithLabelValues("unknown").Inc()
		log.Info("feedback for unknown dispatch record")
	case !out.Applied:
		observability.FeedbackEvents.WithLabelValues("duplicate").Inc()
		log.Info("feedback logged, status unchanged", "previous", string(out.Previous.Status))
	default:
		observability.FeedbackEvents.WithLabelValues(string(status)).Inc()
		log.Info("feedback applied", "previous", string(out.Previous.Status))
	}
	return nil
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Processor) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}
