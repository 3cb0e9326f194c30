package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailcast/internal/composer"
	"mailcast/internal/domain"
	"mailcast/internal/handoff"
	"mailcast/internal/logging"
	sqsqueue "mailcast/internal/queue/sqs"
	"mailcast/internal/store/memory"
)

const (
	campaignID = "c00000000000000000000001"
	listID     = "l00000000000000000000001"
)

var recipients = []string{"s00000000000000000000001", "s00000000000000000000002", "s00000000000000000000003"}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []sqsqueue.OutboundMail
	fail map[string]bool
	// gate runs before a push is accepted and may block it
	gate func(ctx context.Context, m sqsqueue.OutboundMail) error
}

func (q *fakeQueue) PushMail(ctx context.Context, m sqsqueue.OutboundMail) error {
	if q.gate != nil {
		if err := q.gate(ctx, m); err != nil {
			return err
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail[m.To[0]] {
		return errors.New("rejected by queue")
	}
	q.jobs = append(q.jobs, m)
	return nil
}

func (q *fakeQueue) recipients() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, j := range q.jobs {
		out = append(out, j.To[0])
	}
	return out
}

type recorder struct {
	mu    sync.Mutex
	snaps []domain.Snapshot
}

func (r *recorder) Publish(_ context.Context, s domain.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
	return nil
}

func (r *recorder) last() domain.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

type fixture struct {
	st    *memory.Store
	queue *fakeQueue
	pub   *recorder
	loop  *Loop
}

func newFixture(t *testing.T, c domain.Campaign) *fixture {
	t.Helper()
	st := memory.New()
	st.PutList(domain.List{ID: listID, Name: "News", Email: "news@example.com", Subscribers: int64(len(recipients))})
	for i, id := range recipients {
		st.PutSubscriber(domain.Subscriber{
			ID: id, ListID: listID, Email: id + "@example.org", Status: domain.SubscriberSubscribed,
			TestSubscriber: i == 0,
		})
	}
	st.PutSubscriber(domain.Subscriber{ID: "s00000000000000000000009", ListID: listID, Email: "gone@example.org", Status: domain.SubscriberUnsubscribed})

	if c.ID == "" {
		c = domain.Campaign{ID: campaignID, ListID: listID, Subject: "Hi", HTML: "<p>Hello {{NAME}}</p>", Status: domain.CampaignQueueing}
	}
	st.PutCampaign(c)

	f := &fixture{st: st, queue: &fakeQueue{fail: map[string]bool{}}, pub: &recorder{}}
	h := &handoff.Handoff{
		Composer:  &composer.Composer{Site: composer.Site{AppName: "Mailcast", AppURL: "https://m.example.com/", Hostname: "m.example.com"}, Store: st},
		Queue:     f.queue,
		Store:     st,
		Publisher: f.pub,
		Log:       logging.Discard(),
	}
	f.loop = New(st, h, f.pub, Options{PageSize: 2, Log: logging.Discard()})
	return f
}

func TestFullPass(t *testing.T) {
	f := newFixture(t, domain.Campaign{})

	worked, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, worked)

	c := f.st.Campaign(campaignID)
	assert.Equal(t, domain.CampaignSent, c.Status)
	assert.Equal(t, int64(3), c.Counters[domain.MailQueued])
	assert.Equal(t, recipients[2], c.LastProcessedID)
	assert.True(t, c.Locked.IsZero())
	assert.Equal(t, domain.CampaignSent, f.pub.last().Status)

	assert.Equal(t, []string{
		recipients[0] + "@example.org", recipients[1] + "@example.org", recipients[2] + "@example.org",
	}, f.queue.recipients())

	assert.Empty(t, f.loop.Leases())

	worked, err = f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, worked, "sent campaigns are not claimed again")
}

func TestResumeSkipsCheckpointedRecipient(t *testing.T) {
	f := newFixture(t, domain.Campaign{
		ID: campaignID, ListID: listID, Subject: "Hi", HTML: "<p>x</p>",
		Status: domain.CampaignSending, LastProcessedID: recipients[0],
		Counters: domain.Counters{domain.MailQueued: 1},
	})

	_, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{recipients[1] + "@example.org", recipients[2] + "@example.org"}, f.queue.recipients())
	c := f.st.Campaign(campaignID)
	assert.Equal(t, int64(3), c.Counters[domain.MailQueued])
	assert.Equal(t, domain.CampaignSent, c.Status)
}

func TestRecipientFailureDoesNotStopPass(t *testing.T) {
	f := newFixture(t, domain.Campaign{})
	f.queue.fail[recipients[1]+"@example.org"] = true

	_, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)

	c := f.st.Campaign(campaignID)
	assert.Equal(t, domain.CampaignSent, c.Status)
	assert.Equal(t, int64(2), c.Counters[domain.MailQueued])
	assert.Equal(t, recipients[2], c.LastProcessedID)

	var statuses []domain.MailStatus
	for _, m := range f.st.Mails() {
		statuses = append(statuses, m.Status)
	}
	assert.Equal(t, []domain.MailStatus{domain.MailQueued, domain.MailErrored, domain.MailQueued}, statuses)
}

func TestResetMidPassDiscardsStaleWrites(t *testing.T) {
	f := newFixture(t, domain.Campaign{})
	f.st.BeforeCheckpoint = func(subscriberID string) {
		if subscriberID == recipients[1] {
			_, err := f.st.ResetCampaign(context.Background(), campaignID)
			require.NoError(t, err)
		}
	}

	worked, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	c := f.st.Campaign(campaignID)
	assert.Equal(t, domain.CampaignDraft, c.Status)
	assert.True(t, c.Draft)
	assert.Empty(t, c.LastProcessedID)
	assert.Empty(t, c.Counters)
	assert.Len(t, f.queue.recipients(), 1)
}

func TestLeaseHeldByAnotherWorker(t *testing.T) {
	f := newFixture(t, domain.Campaign{
		ID: campaignID, ListID: listID, Subject: "Hi", HTML: "x",
		Status: domain.CampaignQueueing, Locked: time.Now().Add(-10 * time.Minute),
	})
	worked, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
	assert.Empty(t, f.queue.recipients())
}

func TestMissingListFinishesCampaign(t *testing.T) {
	f := newFixture(t, domain.Campaign{
		ID: campaignID, ListID: "l0000000000000000000dead", Subject: "Hi", HTML: "x", Status: domain.CampaignQueueing,
	})
	_, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignSent, f.st.Campaign(campaignID).Status)

	n, err := f.loop.RunTest(context.Background(), campaignID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunTestTargetsTestRecipientsOnly(t *testing.T) {
	f := newFixture(t, domain.Campaign{
		ID: campaignID, ListID: listID, Subject: "Hi", HTML: "x", Status: domain.CampaignDraft, Draft: true,
	})

	n, err := f.loop.RunTest(context.Background(), campaignID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{recipients[0] + "@example.org"}, f.queue.recipients())

	c := f.st.Campaign(campaignID)
	assert.Equal(t, domain.CampaignDraft, c.Status)
	assert.Empty(t, c.Counters)
	assert.Empty(t, c.LastProcessedID)

	mails := f.st.Mails()
	require.Len(t, mails, 1)
	assert.True(t, mails[0].Test)
	assert.Empty(t, f.pub.snaps)

	_, err = f.loop.RunTest(context.Background(), "ffffffffffffffffffffffff")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInvalidTemplateErrorsEveryRecipient(t *testing.T) {
	f := newFixture(t, domain.Campaign{
		ID: campaignID, ListID: listID, Subject: "Hi", HTML: "{{#if}}", Status: domain.CampaignQueueing,
	})
	_, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, f.queue.recipients())
	mails := f.st.Mails()
	require.Len(t, mails, 3)
	for _, m := range mails {
		assert.Equal(t, domain.MailErrored, m.Status)
	}
	assert.Equal(t, domain.CampaignSent, f.st.Campaign(campaignID).Status)
}

func TestRunWakesOnSignal(t *testing.T) {
	f := newFixture(t, domain.Campaign{ID: campaignID, ListID: listID, Subject: "Hi", HTML: "x", Status: domain.CampaignDraft, Draft: true})
	f.loop.opts.IdleInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()

	_, err := f.st.QueueCampaign(context.Background(), campaignID)
	require.NoError(t, err)
	f.loop.Wake()

	require.Eventually(t, func() bool {
		return f.st.Campaign(campaignID).Status == domain.CampaignSent
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSlowCampaignDoesNotBlockOthers(t *testing.T) {
	const otherID = "c00000000000000000000002"
	f := newFixture(t, domain.Campaign{})
	f.st.PutCampaign(domain.Campaign{ID: otherID, ListID: listID, Subject: "Other", HTML: "<p>x</p>", Status: domain.CampaignQueueing})
	f.loop = New(f.st, f.loop.sender, f.pub, Options{PageSize: 2, Concurrency: 2, IdleInterval: 10 * time.Millisecond, Log: logging.Discard()})

	release := make(chan struct{})
	f.queue.gate = func(ctx context.Context, m sqsqueue.OutboundMail) error {
		mail, err := f.st.GetMail(context.Background(), m.ID)
		if err != nil || mail.CampaignID != campaignID {
			return nil
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.st.Campaign(otherID).Status == domain.CampaignSent
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(3), f.st.Campaign(otherID).Counters[domain.MailQueued])

	assert.NotEqual(t, domain.CampaignSent, f.st.Campaign(campaignID).Status)
	require.Eventually(t, func() bool {
		leases := f.loop.Leases()
		return len(leases) == 1 && leases[0].CampaignID == campaignID
	}, time.Second, 10*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		return f.st.Campaign(campaignID).Status == domain.CampaignSent
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(3), f.st.Campaign(campaignID).Counters[domain.MailQueued])

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Empty(t, f.loop.Leases())
}

func TestWakeReachesEveryWorker(t *testing.T) {
	f := newFixture(t, domain.Campaign{})
	f.loop = New(f.st, f.loop.sender, f.pub, Options{Concurrency: 3, Log: logging.Discard()})

	f.loop.Wake()
	f.loop.Wake()
	for i, ch := range f.loop.wake {
		assert.Len(t, ch, 1, "worker %d", i)
	}
}
