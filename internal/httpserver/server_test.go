package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
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
	"mailcast/internal/service"
	"mailcast/internal/store/memory"
)

const (
	campaignID = "0000000000000000000000c1"
	mailID     = "0000000000000000000000a1"
	secret     = "hook-secret"
)

type fakeTests struct{}

func (fakeTests) RunTest(context.Context, string) (int, error) { return 1, nil }

type fakeFeedback struct{ events []feedback.Event }

func (f *fakeFeedback) Send(_ context.Context, v any) error {
	ev, ok := v.(feedback.Event)
	if !ok {
		return errors.New("unexpected payload")
	}
	f.events = append(f.events, ev)
	return nil
}

type env struct {
	st  *memory.Store
	rdb *redis.Client
	fb  *fakeFeedback
	srv *httptest.Server
}

func newEnv(t *testing.T, ping time.Duration) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := memory.New()
	st.PutCampaign(domain.Campaign{ID: campaignID, Status: domain.CampaignDraft, Draft: true})
	require.NoError(t, st.CreateMail(context.Background(), domain.Mail{
		ID: mailID, CampaignID: campaignID, Status: domain.MailQueued,
		Log: []domain.LogEntry{{Action: domain.ActionQueued, Response: "<" + mailID + "@h>"}},
	}))

	pub := pubsub.NewPublisher(rdb)
	fb := &fakeFeedback{}
	svc := &service.CampaignService{Store: st, Triggers: pub, Publisher: pub, Tests: fakeTests{}, Feedback: fb, Log: logging.Discard()}

	s := New()
	s.Mux.HandleFunc("/healthz", Healthz()).Methods(http.MethodGet)
	s.Mux.HandleFunc("/readyz", Readyz(time.Second, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })).Methods(http.MethodGet)
	api := &API{
		Svc:          svc,
		PingInterval: ping,
		Subscribe: func(ctx context.Context, id string) (*pubsub.Subscription, error) {
			return pubsub.Subscribe(ctx, rdb, id)
		},
	}
	api.Register(s.Mux)
	NewWebhook(svc, secret).Register(s.Mux)

	srv := httptest.NewServer(s.Mux)
	t.Cleanup(srv.Close)
	return &env{st: st, rdb: rdb, fb: fb, srv: srv}
}

func (e *env) do(t *testing.T, method, path, body string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var sb strings.Builder
	_, _ = bufio.NewReader(resp.Body).WriteTo(&sb)
	return resp, sb.String()
}

func TestSendLifecycle(t *testing.T) {
	e := newEnv(t, 0)

	resp, body := e.do(t, http.MethodPost, "/v1/campaigns/"+campaignID+"/send", "", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal([]byte(body), &snap))
	assert.Equal(t, domain.CampaignQueueing, snap.Status)

	resp, _ = e.do(t, http.MethodPost, "/v1/campaigns/"+campaignID+"/send", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = e.do(t, http.MethodPost, "/v1/campaigns/"+campaignID+"/reset", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal([]byte(body), &snap))
	assert.Equal(t, domain.CampaignDraft, snap.Status)

	resp, body = e.do(t, http.MethodGet, "/v1/campaigns/"+campaignID, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"_id":"`+campaignID+`","status":"draft","counters":{}}`, body)
}

func TestErrorMapping(t *testing.T) {
	e := newEnv(t, 0)

	resp, _ := e.do(t, http.MethodPost, "/v1/campaigns/not-an-id/send", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/v1/campaigns/ffffffffffffffffffffffff/send", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/v1/mails/ffffffffffffffffffffffff", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTestSendAndMail(t *testing.T) {
	e := newEnv(t, 0)

	resp, body := e.do(t, http.MethodPost, "/v1/campaigns/"+campaignID+"/test", "", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"_id":"`+campaignID+`","sent":1}`, body)

	resp, body = e.do(t, http.MethodGet, "/v1/mails/"+mailID, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var m mailResponse
	require.NoError(t, json.Unmarshal([]byte(body), &m))
	assert.Equal(t, domain.MailQueued, m.Status)
	require.Len(t, m.Log, 1)
	assert.Equal(t, domain.ActionQueued, m.Log[0].Action)
}

func TestMTAWebhook(t *testing.T) {
	e := newEnv(t, 0)
	body := `{"from":"bounces.` + mailID + `@h","action":"ACCEPTED","response":"250 OK"}`

	resp, _ := e.do(t, http.MethodPost, "/v1/webhooks/mta", body, http.Header{feedback.SignatureHeader: {"deadbeef"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, e.fb.events)

	resp, _ = e.do(t, http.MethodPost, "/v1/webhooks/mta", body, http.Header{feedback.SignatureHeader: {feedback.Sign(secret, []byte(body))}})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, e.fb.events, 1)
	assert.Equal(t, "ACCEPTED", e.fb.events[0].Action)

	batch := `[` + body + `,{"from":"x@h","action":"REJECTED","category":"blacklist"}]`
	resp, _ = e.do(t, http.MethodPost, "/v1/webhooks/mta", batch, http.Header{feedback.SignatureHeader: {feedback.Sign(secret, []byte(batch))}})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Len(t, e.fb.events, 3)

	invalid := `{"from":"bounces.` + mailID + `@h"}`
	resp, _ = e.do(t, http.MethodPost, "/v1/webhooks/mta", invalid, http.Header{feedback.SignatureHeader: {feedback.Sign(secret, []byte(invalid))}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	garbage := `{not json`
	resp, _ = e.do(t, http.MethodPost, "/v1/webhooks/mta", garbage, http.Header{feedback.SignatureHeader: {feedback.Sign(secret, []byte(garbage))}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Len(t, e.fb.events, 3)
}

func TestHealth(t *testing.T) {
	e := newEnv(t, 0)
	resp, _ := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func openStream(t *testing.T, e *env) (*bufio.Reader, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/v1/campaigns/"+campaignID+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body), cancel
}

// nextLine returns the next non-empty line of the stream.
func nextLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
}

func TestStreamSendsSnapshots(t *testing.T) {
	e := newEnv(t, time.Hour)
	r, cancel := openStream(t, e)
	defer cancel()

	assert.Equal(t, `data: {"_id":"`+campaignID+`","status":"draft","counters":{}}`, nextLine(t, r))

	snap := domain.Snapshot{ID: campaignID, Status: domain.CampaignSending, Counters: domain.Counters{domain.MailQueued: 4}}
	require.NoError(t, pubsub.NewPublisher(e.rdb).Publish(context.Background(), snap))
	assert.Equal(t, `data: {"_id":"`+campaignID+`","status":"sending","counters":{"queued":4}}`, nextLine(t, r))
}

func TestStreamPings(t *testing.T) {
	e := newEnv(t, 20*time.Millisecond)
	r, cancel := openStream(t, e)
	defer cancel()

	assert.True(t, strings.HasPrefix(nextLine(t, r), "data: "))
	assert.Equal(t, ": ping", nextLine(t, r))
}

func TestStreamUnknownCampaign(t *testing.T) {
	e := newEnv(t, 0)
	resp, _ := e.do(t, http.MethodGet, "/v1/campaigns/ffffffffffffffffffffffff/stream", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
