package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailcast/internal/domain"
	"mailcast/internal/feedback"
	"mailcast/internal/logging"
	"mailcast/internal/pubsub"
	"mailcast/internal/store/memory"
)

const campaignID = "0000000000000000000000c1"

type fakeTests struct{ ids []string }

func (f *fakeTests) RunTest(_ context.Context, id string) (int, error) {
	f.ids = append(f.ids, id)
	return 2, nil
}

type fakeFeedback struct {
	sent []any
	err  error
}

func (f *fakeFeedback) Send(_ context.Context, v any) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, v)
	return nil
}

func setup(t *testing.T) (*CampaignService, *memory.Store, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := memory.New()
	st.PutCampaign(domain.Campaign{ID: campaignID, Status: domain.CampaignDraft, Draft: true})
	pub := pubsub.NewPublisher(rdb)
	return &CampaignService{
		Store: st, Triggers: pub, Publisher: pub, Tests: &fakeTests{}, Feedback: &fakeFeedback{}, Log: logging.Discard(),
	}, st, rdb
}

func listen(t *testing.T, rdb *redis.Client) <-chan pubsub.Trigger {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ready := make(chan struct{})
	out := make(chan pubsub.Trigger, 4)
	go func() { _ = pubsub.ListenTriggers(ctx, rdb, ready, func(tr pubsub.Trigger) { out <- tr }) }()
	<-ready
	return out
}

func TestQueuePublishesTrigger(t *testing.T) {
	svc, st, rdb := setup(t)
	triggers := listen(t, rdb)

	snap, err := svc.Queue(context.Background(), campaignID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignQueueing, snap.Status)
	assert.False(t, st.Campaign(campaignID).Draft)

	select {
	case tr := <-triggers:
		assert.Equal(t, pubsub.Trigger{Action: pubsub.ActionNew, ID: campaignID}, tr)
	case <-time.After(2 * time.Second):
		t.Fatal("no trigger")
	}

	_, err = svc.Queue(context.Background(), campaignID)
	assert.ErrorIs(t, err, domain.ErrNotDraft)
}

func TestQueueRejectsBadID(t *testing.T) {
	svc, _, _ := setup(t)
	_, err := svc.Queue(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrInvalidID)
	_, err = svc.Queue(context.Background(), "ffffffffffffffffffffffff")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResetPublishesSnapshot(t *testing.T) {
	svc, st, rdb := setup(t)
	ctx := context.Background()
	_, err := svc.Queue(ctx, campaignID)
	require.NoError(t, err)

	sub, err := pubsub.Subscribe(ctx, rdb, campaignID)
	require.NoError(t, err)
	defer sub.Close()
	triggers := listen(t, rdb)

	snap, err := svc.Reset(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignDraft, snap.Status)
	assert.Equal(t, int64(1), st.Campaign(campaignID).Generation)

	select {
	case got := <-sub.C:
		assert.Equal(t, snap, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot")
	}
	select {
	case tr := <-triggers:
		assert.Equal(t, pubsub.ActionReset, tr.Action)
	case <-time.After(2 * time.Second):
		t.Fatal("no trigger")
	}
}

func TestTestSendAndLookups(t *testing.T) {
	svc, st, _ := setup(t)
	ctx := context.Background()

	n, err := svc.TestSend(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{campaignID}, svc.Tests.(*fakeTests).ids)

	snap, err := svc.Snapshot(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, campaignID, snap.ID)
	assert.NotNil(t, snap.Counters)

	mailID := "0000000000000000000000a1"
	require.NoError(t, st.CreateMail(ctx, domain.Mail{ID: mailID, Status: domain.MailQueued}))
	m, err := svc.GetMail(ctx, mailID)
	require.NoError(t, err)
	assert.Equal(t, domain.MailQueued, m.Status)

	_, err = svc.GetMail(ctx, "ffffffffffffffffffffffff")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEnqueueFeedback(t *testing.T) {
	svc, _, _ := setup(t)
	ev := feedback.Event{From: "bounces.0000000000000000000000a1@h", Action: "ACCEPTED"}
	require.NoError(t, svc.EnqueueFeedback(context.Background(), ev))
	assert.Equal(t, []any{ev}, svc.Feedback.(*fakeFeedback).sent)

	svc.Feedback.(*fakeFeedback).err = errors.New("sqs down")
	assert.ErrorContains(t, svc.EnqueueFeedback(context.Background(), ev), "sqs down")
}
