// Package handoff pushes composed messages onto the outbound queue and
// records the outcome on the dispatch record and campaign aggregates.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"mailcast/internal/composer"
	"mailcast/internal/domain"
	"mailcast/internal/observability"
	"mailcast/internal/quota"
	sqsqueue "mailcast/internal/queue/sqs"
	"mailcast/internal/store"
)

type Queue interface {
	PushMail(ctx context.Context, m sqsqueue.OutboundMail) error
}

type Store interface {
	composer.MailStore
	MarkMail(ctx context.Context, in store.MailMark) error
	IncrementCampaignCounter(ctx context.Context, f domain.Fence, status domain.MailStatus) (domain.Snapshot, error)
}

type Publisher interface {
	Publish(ctx context.Context, snap domain.Snapshot) error
}

type Quota interface {
	Increment(ctx context.Context, owner string) (quota.Usage, error)
}

// Handoff composes one message per recipient and hands it to the queue.
// Limiter, Breaker, Quota and Publisher are optional.
type Handoff struct {
	Composer  *composer.Composer
	Queue     Queue
	Store     Store
	Publisher Publisher
	Quota     Quota
	Limiter   *rate.Limiter
	Breaker   *gobreaker.CircuitBreaker
	Log       *slog.Logger
	Now       func() time.Time

	// MarkRetries bounds retries of the dispatch record update.
	MarkRetries uint64
}

type Result struct {
	Mail     domain.Mail
	Queued   bool
	Err      error
	Snapshot *domain.Snapshot
}

// Send composes and queues the message for in. A failure to compose or queue
// is recorded on the dispatch record and reported in Result.Err. The
// returned error is reserved for store failures, lost leases and a cancelled
// ctx, which end the pass.
func (h *Handoff) Send(ctx context.Context, fence domain.Fence, in composer.Input) (Result, error) {
	// a local rate limit is never a recipient failure; the pass waits for a token
	if h.Limiter != nil {
		if err := h.Limiter.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	start := time.Now()
	log := h.logger().With("campaign_id", in.Campaign.ID, "subscriber_id", in.Subscriber.ID)

	m, msg, err := h.Composer.Compose(ctx, in)
	if m.ID == "" {
		return Result{}, err
	}
	log = log.With("mail_id", m.ID)
	res := Result{Mail: m}

	if err == nil {
		err = h.push(ctx, m, msg)
	}
	if err != nil {
		res.Err = err
		observability.Handoffs.WithLabelValues("error").Inc()
		log.Warn("handoff failed", "action", domain.ActionError, "err", err)
		mark := store.MailMark{ID: m.ID, Status: domain.MailErrored, Entry: domain.LogEntry{
			Action: domain.ActionError, Created: h.now(), Error: err.Error(),
		}}
		if err := h.mark(ctx, mark); err != nil {
			return res, fmt.Errorf("mark errored: %w", err)
		}
		return res, nil
	}

	res.Queued = true
	observability.Handoffs.WithLabelValues("queued").Inc()
	observability.HandoffLatency.Observe(time.Since(start).Seconds())
	log.Info("handoff queued", "action", domain.ActionQueued, "message_id", msg.MessageID)

	mark := store.MailMark{
		ID:        m.ID,
		Status:    domain.MailQueued,
		Entry:     domain.LogEntry{Action: domain.ActionQueued, Created: h.now(), Response: msg.MessageID},
		MessageID: msg.MessageID,
		From:      msg.Envelope.From,
	}
	if err := h.mark(ctx, mark); err != nil {
		return res, fmt.Errorf("mark queued: %w", err)
	}

	if h.Quota != nil && m.Owner != "" {
		if usage, err := h.Quota.Increment(ctx, m.Owner); err != nil {
			log.Warn("quota counter failed", "action", "COUNTER", "owner", m.Owner, "err", err)
		} else {
			log.Debug("quota counter", "action", "COUNTER", "owner", m.Owner, "day", usage.Day, "month", usage.Month)
		}
	}

	if m.Test {
		return res, nil
	}
	snap, err := h.Store.IncrementCampaignCounter(ctx, fence, domain.MailQueued)
	if err != nil {
		return res, err
	}
	res.Snapshot = &snap
	if h.Publisher != nil {
		if err := h.Publisher.Publish(ctx, snap); err != nil {
			log.Warn("progress publish failed", "err", err)
		}
	}
	return res, nil
}

func (h *Handoff) push(ctx context.Context, m domain.Mail, msg *composer.Message) error {
	defer msg.Body.Close()
	// the queue carries the whole message inline, so the stream is buffered here
	raw, err := io.ReadAll(io.LimitReader(msg.Body, sqsqueue.MaxMessageBytes+1))
	if err != nil {
		return fmt.Errorf("compose body: %w", err)
	}
	if len(raw) > sqsqueue.MaxMessageBytes {
		return fmt.Errorf("%w: body over %d bytes", sqsqueue.ErrTooLarge, sqsqueue.MaxMessageBytes)
	}

	job := sqsqueue.OutboundMail{
		ID:    m.ID,
		Owner: m.Owner,
		Zone:  sqsqueue.ZoneLists,
		From:  msg.Envelope.From,
		To:    msg.Envelope.To,
		Raw:   string(raw),
	}
	call := func() (any, error) {
		pushCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
		defer cancel()
		return nil, h.Queue.PushMail(pushCtx, job)
	}
	if h.Breaker == nil {
		_, err = call()
	} else {
		_, err = h.Breaker.Execute(call)
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observability.Handoffs.WithLabelValues("cb_open").Inc()
	}
	return err
}

func (h *Handoff) mark(ctx context.Context, in store.MailMark) error {
	b := retry.WithMaxRetries(h.MarkRetries, retry.NewExponential(50*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := h.Store.MarkMail(ctx, in)
		if err == nil || errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return retry.RetryableError(err)
	})
}

func (h *Handoff) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

func (h *Handoff) logger() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}

// NewBreaker returns the circuit breaker guarding the outbound queue.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})
}

// NewLimiter returns a send-rate limiter, or nil when rps is not positive.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
