// Package dispatch runs the campaign sending loop: lease a campaign, walk its
// recipients in id order and hand each one off, then mark it sent. A loop
// runs Concurrency workers, each holding at most one lease.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"mailcast/internal/composer"
	"mailcast/internal/domain"
	"mailcast/internal/handoff"
	"mailcast/internal/observability"
	"mailcast/internal/store"
)

type Store interface {
	ClaimCampaign(ctx context.Context, now time.Time, ttl time.Duration) (domain.Campaign, bool, error)
	FindCampaign(ctx context.Context, q store.CampaignQuery) (domain.Campaign, error)
	Checkpoint(ctx context.Context, f domain.Fence, subscriberID string) error
	FinishCampaign(ctx context.Context, f domain.Fence) (domain.Snapshot, error)
	GetList(ctx context.Context, id string) (domain.List, error)
	NextRecipients(ctx context.Context, q store.RecipientQuery) ([]domain.Subscriber, error)
}

type Sender interface {
	Send(ctx context.Context, fence domain.Fence, in composer.Input) (handoff.Result, error)
}

type Publisher interface {
	Publish(ctx context.Context, snap domain.Snapshot) error
}

type Options struct {
	LeaseTTL     time.Duration
	IdleInterval time.Duration
	ErrorBackoff time.Duration
	PageSize     int
	Concurrency  int
	Log          *slog.Logger
	Now          func() time.Time
}

// State describes one lease held by the loop.
type State struct {
	CampaignID string
	Epoch      int64
	Generation int64
	Started    time.Time
	Processed  int
	Queued     int
	Failed     int
}

type Loop struct {
	store     Store
	sender    Sender
	publisher Publisher
	opts      Options
	log       *slog.Logger

	wake []chan struct{}

	mu     sync.Mutex
	leases map[string]*State
}

func New(st Store, sender Sender, pub Publisher, opts Options) *Loop {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = time.Hour
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = 20 * time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 5 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	l := &Loop{store: st, sender: sender, publisher: pub, opts: opts, log: log, leases: map[string]*State{}}
	for i := 0; i < opts.Concurrency; i++ {
		l.wake = append(l.wake, make(chan struct{}, 1))
	}
	return l
}

// Wake ends the idle wait of every worker early. Calls made while a wake is
// pending coalesce.
func (l *Loop) Wake() {
	for _, ch := range l.wake {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Leases returns the leases currently held, ordered by campaign id.
func (l *Loop) Leases() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, 0, len(l.leases))
	for _, st := range l.leases {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CampaignID < out[j].CampaignID })
	return out
}

// Run starts the workers and blocks until ctx is done. Each worker claims
// and processes campaigns on its own, so a slow campaign does not hold up
// the others.
func (l *Loop) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := range l.wake {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			l.work(ctx, worker)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

// work idles when there is nothing to claim and backs off after a failed pass.
func (l *Loop) work(ctx context.Context, worker int) {
	log := l.log.With("worker", worker)
	for {
		worked, err := l.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := time.Duration(0)
		switch {
		case err != nil:
			log.Error("dispatch pass failed", "err", err)
			wait = l.opts.ErrorBackoff
		case !worked:
			wait = l.opts.IdleInterval
		}
		if wait == 0 {
			continue
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-l.wake[worker]:
			t.Stop()
		case <-t.C:
		}
	}
}

// RunOnce claims at most one campaign and processes it. worked reports
// whether a campaign was claimed. A pass that loses its lease is not an
// error.
func (l *Loop) RunOnce(ctx context.Context) (worked bool, err error) {
	c, ok, err := l.store.ClaimCampaign(ctx, l.opts.Now().UTC(), l.opts.LeaseTTL)
	if err != nil {
		return false, fmt.Errorf("claim campaign: %w", err)
	}
	if !ok {
		return false, nil
	}
	observability.CampaignsClaimed.Inc()

	st := &State{CampaignID: c.ID, Epoch: c.LeaseEpoch, Generation: c.Generation, Started: l.opts.Now().UTC()}
	l.hold(st)
	defer l.release(c.ID)

	log := l.log.With("campaign_id", c.ID, "epoch", c.LeaseEpoch)
	log.Info("campaign claimed", "resume_after", c.LastProcessedID)

	err = l.process(ctx, c, st, log)
	switch {
	case errors.Is(err, domain.ErrLeaseLost):
		observability.CampaignPasses.WithLabelValues("lease_lost").Inc()
		log.Info("campaign lease lost, pass aborted")
		return true, nil
	case err != nil:
		observability.CampaignPasses.WithLabelValues("error").Inc()
		return true, err
	}
	observability.CampaignPasses.WithLabelValues("sent").Inc()
	done := l.snapshot(st)
	log.Info("campaign sent", "processed", done.Processed, "queued", done.Queued, "failed", done.Failed)
	return true, nil
}

func (l *Loop) process(ctx context.Context, c domain.Campaign, st *State, log *slog.Logger) error {
	fence := c.Fence()

	list, err := l.store.GetList(ctx, c.ListID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("campaign list missing, finishing", "list_id", c.ListID)
		return l.finish(ctx, fence)
	}
	if err != nil {
		return fmt.Errorf("get list: %w", err)
	}

	tmpl, err := composer.Compile(c)
	if err != nil {
		// every recipient gets an errored record carrying the template error
		log.Warn("campaign templates invalid", "err", err)
		tmpl = nil
	}

	err = l.walk(ctx, store.RecipientQuery{ListID: list.ID, After: c.LastProcessedID}, func(sub domain.Subscriber) error {
		if err := l.store.Checkpoint(ctx, fence, sub.ID); err != nil {
			return err
		}
		res, err := l.sender.Send(ctx, fence, composer.Input{Campaign: c, List: list, Subscriber: sub, Templates: tmpl})
		if err != nil {
			return err
		}
		l.track(st, res)
		if res.Err != nil {
			log.Warn("recipient failed", "subscriber_id", sub.ID, "mail_id", res.Mail.ID, "err", res.Err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return l.finish(ctx, fence)
}

func (l *Loop) finish(ctx context.Context, fence domain.Fence) error {
	snap, err := l.store.FinishCampaign(ctx, fence)
	if err != nil {
		return err
	}
	if l.publisher != nil {
		if err := l.publisher.Publish(ctx, snap); err != nil {
			l.log.Warn("progress publish failed", "campaign_id", snap.ID, "err", err)
		}
	}
	return nil
}

// RunTest sends the campaign to its test recipients only. Nothing on the
// campaign changes. A missing list makes it a no-op.
func (l *Loop) RunTest(ctx context.Context, campaignID string) (int, error) {
	c, err := l.store.FindCampaign(ctx, store.ByIdentifier(campaignID))
	if err != nil {
		return 0, err
	}
	list, err := l.store.GetList(ctx, c.ListID)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get list: %w", err)
	}
	tmpl, err := composer.Compile(c)
	if err != nil {
		return 0, err
	}

	log := l.log.With("campaign_id", c.ID, "test", true)
	sent := 0
	err = l.walk(ctx, store.RecipientQuery{ListID: list.ID, TestOnly: true}, func(sub domain.Subscriber) error {
		res, err := l.sender.Send(ctx, domain.Fence{}, composer.Input{Campaign: c, List: list, Subscriber: sub, Templates: tmpl, TestRun: true})
		if err != nil {
			return err
		}
		if res.Err != nil {
			log.Warn("test recipient failed", "subscriber_id", sub.ID, "err", res.Err)
			return nil
		}
		sent++
		return nil
	})
	return sent, err
}

// walk calls fn for every recipient matching q, one page at a time.
func (l *Loop) walk(ctx context.Context, q store.RecipientQuery, fn func(domain.Subscriber) error) error {
	q.Limit = l.opts.PageSize
	for {
		subs, err := l.store.NextRecipients(ctx, q)
		if err != nil {
			return fmt.Errorf("next recipients: %w", err)
		}
		for _, sub := range subs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(sub); err != nil {
				return err
			}
			q.After = sub.ID
		}
		if len(subs) < q.Limit {
			return nil
		}
	}
}

func (l *Loop) hold(st *State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leases[st.CampaignID] = st
}

func (l *Loop) release(campaignID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, campaignID)
}

func (l *Loop) snapshot(st *State) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *st
}

func (l *Loop) track(st *State, res handoff.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st.Processed++
	if res.Queued {
		st.Queued++
	} else {
		st.Failed++
	}
}
