package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailcast/internal/domain"
	"mailcast/internal/logging"
	"mailcast/internal/store/memory"
)

type recorder struct{ snaps []domain.Snapshot }

func (r *recorder) Publish(_ context.Context, s domain.Snapshot) error {
	r.snaps = append(r.snaps, s)
	return nil
}

const (
	campaignID   = "c00000000000000000000001"
	listID       = "l00000000000000000000001"
	subscriberID = "s00000000000000000000001"
	mailID       = "m00000000000000000000001"
)

func setup(t *testing.T, m domain.Mail) (*memory.Store, *Ledger, *recorder) {
	t.Helper()
	st := memory.New()
	st.PutCampaign(domain.Campaign{ID: campaignID, ListID: listID, Status: domain.CampaignSending, Generation: 2,
		Counters: domain.Counters{domain.MailQueued: 1}})
	st.PutList(domain.List{ID: listID, Subscribers: 5})
	st.PutSubscriber(domain.Subscriber{ID: subscriberID, ListID: listID, Status: domain.SubscriberSubscribed})

	if m.ID == "" {
		m = domain.Mail{ID: mailID, CampaignID: campaignID, SubscriberID: subscriberID, Generation: 2, Status: domain.MailQueued}
	}
	require.NoError(t, st.CreateMail(context.Background(), m))

	rec := &recorder{}
	return st, &Ledger{Store: st, Publisher: rec, Log: logging.Discard()}, rec
}

func bounceEntry() domain.LogEntry {
	return domain.LogEntry{Action: domain.ActionBounced, Response: "5.1.1", Source: "MX"}
}

func TestDoubleBounceCountsOnce(t *testing.T) {
	st, l, rec := setup(t, domain.Mail{})
	ctx := context.Background()

	out, err := l.UpdateStatus(ctx, mailID, domain.MailBounced, bounceEntry())
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.True(t, out.Unsubscribed)
	require.NotNil(t, out.Snapshot)

	out, err = l.UpdateStatus(ctx, mailID, domain.MailBounced, bounceEntry())
	require.NoError(t, err)
	assert.True(t, out.Found)
	assert.False(t, out.Applied)

	c := st.Campaign(campaignID)
	assert.Equal(t, int64(1), c.Counters[domain.MailBounced])
	assert.Equal(t, int64(4), st.List(listID).Subscribers)
	assert.Len(t, rec.snaps, 1)

	sub := st.Subscriber(subscriberID)
	assert.Equal(t, domain.SubscriberBounced, sub.Status)
	require.NotNil(t, sub.Bounce)
	assert.Equal(t, mailID, sub.Bounce.MailID)
	assert.Equal(t, "5.1.1", sub.Bounce.Response)

	m, err := st.GetMail(ctx, mailID)
	require.NoError(t, err)
	assert.True(t, m.Bounce)
	assert.Len(t, m.Log, 2, "duplicates still land in the log")
}

func TestBounceAfterDeliveredMovesBucket(t *testing.T) {
	st, l, _ := setup(t, domain.Mail{})
	ctx := context.Background()

	_, err := l.UpdateStatus(ctx, mailID, domain.MailDelivered, domain.LogEntry{Action: "ACCEPTED"})
	require.NoError(t, err)
	out, err := l.UpdateStatus(ctx, mailID, domain.MailBounced, bounceEntry())
	require.NoError(t, err)
	assert.True(t, out.Applied)

	// the record leaves the delivered bucket for the bounced one
	c := st.Campaign(campaignID)
	assert.Equal(t, int64(0), c.Counters[domain.MailDelivered])
	assert.Equal(t, int64(1), c.Counters[domain.MailBounced])
	assert.Equal(t, int64(1), c.Counters[domain.MailQueued])
	require.NotNil(t, out.Snapshot)
	assert.Equal(t, int64(0), out.Snapshot.Counters[domain.MailDelivered])

	// a late acceptance can not undo the bounce
	out, err = l.UpdateStatus(ctx, mailID, domain.MailDelivered, domain.LogEntry{Action: "ACCEPTED"})
	require.NoError(t, err)
	assert.False(t, out.Applied)
	c = st.Campaign(campaignID)
	assert.Equal(t, int64(0), c.Counters[domain.MailDelivered])
	assert.Equal(t, int64(1), c.Counters[domain.MailBounced])
}

func TestTestRecordsNeverTouchAggregates(t *testing.T) {
	st, l, rec := setup(t, domain.Mail{ID: mailID, CampaignID: campaignID, SubscriberID: subscriberID, Generation: 2,
		Status: domain.MailQueued, Test: true})

	out, err := l.UpdateStatus(context.Background(), mailID, domain.MailBounced, bounceEntry())
	require.NoError(t, err)
	assert.True(t, out.Found)
	assert.Nil(t, out.Snapshot)
	assert.Zero(t, st.Campaign(campaignID).Counters[domain.MailBounced])
	assert.Equal(t, domain.SubscriberSubscribed, st.Subscriber(subscriberID).Status)
	assert.Equal(t, int64(5), st.List(listID).Subscribers)
	assert.Empty(t, rec.snaps)
}

func TestUnknownMailIsIgnored(t *testing.T) {
	_, l, _ := setup(t, domain.Mail{})
	out, err := l.UpdateStatus(context.Background(), "ffffffffffffffffffffffff", domain.MailBounced, bounceEntry())
	require.NoError(t, err)
	assert.False(t, out.Found)
}

func TestFeedbackAfterResetIsDropped(t *testing.T) {
	st, l, rec := setup(t, domain.Mail{})
	_, err := st.ResetCampaign(context.Background(), campaignID)
	require.NoError(t, err)

	out, err := l.UpdateStatus(context.Background(), mailID, domain.MailDelivered, domain.LogEntry{Action: "ACCEPTED"})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Nil(t, out.Snapshot)
	assert.Empty(t, st.Campaign(campaignID).Counters)
	assert.Empty(t, rec.snaps)
}

func TestBounceOfUnsubscribedKeepsListCount(t *testing.T) {
	st, l, _ := setup(t, domain.Mail{})
	sub := st.Subscriber(subscriberID)
	sub.Status = domain.SubscriberUnsubscribed
	st.PutSubscriber(sub)

	out, err := l.UpdateStatus(context.Background(), mailID, domain.MailBounced, bounceEntry())
	require.NoError(t, err)
	assert.False(t, out.Unsubscribed)
	assert.Equal(t, int64(5), st.List(listID).Subscribers)
	assert.Equal(t, domain.SubscriberBounced, st.Subscriber(subscriberID).Status)
}
