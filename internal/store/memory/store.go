// Package memory is an in-process store with the same semantics as the
// postgres store. It backs unit tests and local tooling.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"mailcast/internal/domain"
	"mailcast/internal/store"
)

type Store struct {
	mu          sync.Mutex
	campaigns   map[string]domain.Campaign
	lists       map[string]domain.List
	subscribers map[string]domain.Subscriber
	mails       map[string]domain.Mail
	mailOrder   []string

	// Hooks let tests interleave work between store calls.
	BeforeCheckpoint func(subscriberID string)
}

func New() *Store {
	return &Store{
		campaigns:   map[string]domain.Campaign{},
		lists:       map[string]domain.List{},
		subscribers: map[string]domain.Subscriber{},
		mails:       map[string]domain.Mail{},
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) PutList(l domain.List) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[l.ID] = l
}

func (s *Store) PutSubscriber(sub domain.Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub.ID] = sub
}

func (s *Store) PutCampaign(c domain.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = cloneCampaign(c)
}

func (s *Store) Campaign(id string) domain.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneCampaign(s.campaigns[id])
}

func (s *Store) List(id string) domain.List {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists[id]
}

func (s *Store) Subscriber(id string) domain.Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribers[id]
}

// Mails returns all dispatch records in creation order.
func (s *Store) Mails() []domain.Mail {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Mail, 0, len(s.mailOrder))
	for _, id := range s.mailOrder {
		out = append(out, cloneMail(s.mails[id]))
	}
	return out
}

func (s *Store) FindCampaign(_ context.Context, q store.CampaignQuery) (domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.sortedCampaignIDs() {
		if c := s.campaigns[id]; q.Matches(c) {
			return cloneCampaign(c), nil
		}
	}
	return domain.Campaign{}, domain.ErrNotFound
}

func (s *Store) ClaimCampaign(_ context.Context, now time.Time, ttl time.Duration) (domain.Campaign, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := store.ByLease(now, ttl)
	for _, id := range s.sortedCampaignIDs() {
		c := s.campaigns[id]
		if !q.Matches(c) {
			continue
		}
		c.Locked = now
		c.LeaseEpoch++
		s.campaigns[id] = c
		return cloneCampaign(c), true, nil
	}
	return domain.Campaign{}, false, nil
}

func (s *Store) Checkpoint(_ context.Context, f domain.Fence, subscriberID string) error {
	if s.BeforeCheckpoint != nil {
		s.BeforeCheckpoint(subscriberID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.fenced(f)
	if !ok {
		return domain.ErrLeaseLost
	}
	c.LastProcessedID = subscriberID
	s.campaigns[c.ID] = c
	return nil
}

func (s *Store) IncrementCampaignCounter(_ context.Context, f domain.Fence, status domain.MailStatus) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.fenced(f)
	if !ok {
		return domain.Snapshot{}, domain.ErrLeaseLost
	}
	return s.bump(c, status), nil
}

func (s *Store) BumpCampaignCounter(_ context.Context, in store.CounterBump) (domain.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[in.CampaignID]
	if !ok || c.Draft || c.Generation != in.Generation {
		return domain.Snapshot{}, false, nil
	}
	if in.Replaces != "" && c.Counters[in.Replaces] > 0 {
		counters := domain.Counters{}
		for k, v := range c.Counters {
			counters[k] = v
		}
		counters[in.Replaces]--
		c.Counters = counters
	}
	return s.bump(c, in.Status), true, nil
}

func (s *Store) FinishCampaign(_ context.Context, f domain.Fence) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.fenced(f)
	if !ok {
		return domain.Snapshot{}, domain.ErrLeaseLost
	}
	c.Status = domain.CampaignSent
	c.Locked = time.Time{}
	s.campaigns[c.ID] = c
	return cloneCampaign(c).Snapshot(), nil
}

func (s *Store) QueueCampaign(_ context.Context, id string) (domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.Campaign{}, domain.ErrNotFound
	}
	if !c.Draft {
		return domain.Campaign{}, domain.ErrNotDraft
	}
	c.Status = domain.CampaignQueueing
	c.Draft = false
	c.Locked = time.Time{}
	c.LastProcessedID = ""
	c.Counters = domain.Counters{}
	s.campaigns[id] = c
	return cloneCampaign(c), nil
}

func (s *Store) ResetCampaign(_ context.Context, id string) (domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.Campaign{}, domain.ErrNotFound
	}
	c.Status = domain.CampaignDraft
	c.Draft = true
	c.Locked = time.Time{}
	c.LastProcessedID = ""
	c.Counters = domain.Counters{}
	c.LeaseEpoch++
	c.Generation++
	s.campaigns[id] = c
	return cloneCampaign(c), nil
}

func (s *Store) GetList(_ context.Context, id string) (domain.List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[id]
	if !ok {
		return domain.List{}, domain.ErrNotFound
	}
	return l, nil
}

func (s *Store) NextRecipients(_ context.Context, q store.RecipientQuery) ([]domain.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []domain.Subscriber
	for _, sub := range s.subscribers {
		if q.Matches(sub) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetSubscriber(_ context.Context, id string) (domain.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[id]
	if !ok {
		return domain.Subscriber{}, domain.ErrNotFound
	}
	return sub, nil
}

func (s *Store) BounceSubscriber(_ context.Context, id string, bounce domain.SubscriberBounce) (store.SubscriberBounceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[id]
	if !ok {
		return store.SubscriberBounceResult{}, nil
	}
	out := store.SubscriberBounceResult{Found: true, ListID: sub.ListID, PreviousStatus: sub.Status}
	sub.Status = domain.SubscriberBounced
	sub.Bounce = &bounce
	s.subscribers[id] = sub
	if out.PreviousStatus == domain.SubscriberSubscribed {
		l := s.lists[sub.ListID]
		l.Subscribers--
		s.lists[sub.ListID] = l
	}
	return out, nil
}

func (s *Store) CreateMail(_ context.Context, m domain.Mail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.mails[m.ID]; dup {
		return domain.ErrInvalidID
	}
	s.mails[m.ID] = cloneMail(m)
	s.mailOrder = append(s.mailOrder, m.ID)
	return nil
}

func (s *Store) GetMail(_ context.Context, id string) (domain.Mail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mails[id]
	if !ok {
		return domain.Mail{}, domain.ErrNotFound
	}
	return cloneMail(m), nil
}

func (s *Store) MarkMail(_ context.Context, in store.MailMark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mails[in.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if m.Status == domain.MailInitialized {
		m.Status = in.Status
	}
	if in.MessageID != "" {
		m.MessageID = in.MessageID
	}
	if in.From != "" {
		m.From = in.From
	}
	m.Log = append(m.Log, in.Entry)
	s.mails[in.ID] = m
	return nil
}

func (s *Store) ApplyMailStatus(_ context.Context, id string, status domain.MailStatus, entry domain.LogEntry) (store.StatusApply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mails[id]
	if !ok {
		return store.StatusApply{}, nil
	}
	out := store.StatusApply{Found: true, Previous: cloneMail(m)}
	out.Applied = !m.Bounce && domain.CanTransition(m.Status, status)
	if out.Applied {
		m.Status = status
		if status == domain.MailBounced {
			m.Bounce = true
		}
	}
	m.Log = append(m.Log, entry)
	s.mails[id] = m
	return out, nil
}

func (s *Store) fenced(f domain.Fence) (domain.Campaign, bool) {
	c, ok := s.campaigns[f.CampaignID]
	if !ok || c.Draft || c.LeaseEpoch != f.Epoch {
		return domain.Campaign{}, false
	}
	return c, true
}

func (s *Store) bump(c domain.Campaign, status domain.MailStatus) domain.Snapshot {
	counters := domain.Counters{}
	for k, v := range c.Counters {
		counters[k] = v
	}
	counters[status]++
	c.Counters = counters
	if c.Status == domain.CampaignQueueing {
		c.Status = domain.CampaignSending
	}
	s.campaigns[c.ID] = c
	return cloneCampaign(c).Snapshot()
}

func (s *Store) sortedCampaignIDs() []string {
	ids := make([]string, 0, len(s.campaigns))
	for id := range s.campaigns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneCampaign(c domain.Campaign) domain.Campaign {
	if c.Counters != nil {
		counters := make(domain.Counters, len(c.Counters))
		for k, v := range c.Counters {
			counters[k] = v
		}
		c.Counters = counters
	}
	return c
}

func cloneMail(m domain.Mail) domain.Mail {
	m.Log = append([]domain.LogEntry(nil), m.Log...)
	return m
}
