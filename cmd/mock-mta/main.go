package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/kelseyhightower/envconfig"
	"github.com/sethvargo/go-retry"

	"mailcast/internal/awsutil"
	"mailcast/internal/feedback"
	"mailcast/internal/logging"
	sqsqueue "mailcast/internal/queue/sqs"
)

type config struct {
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	QueueURL           string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	Concurrency        int    `envconfig:"MOCK_CONCURRENCY" default:"4"`
	LogFormat          string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel           string `envconfig:"LOG_LEVEL" default:"info"`

	WebhookURL    string `envconfig:"MOCK_WEBHOOK_URL" default:"http://localhost:8080/v1/webhooks/mta"`
	WebhookSecret string `envconfig:"WEBHOOK_SECRET" required:"true"`
	BounceAddr    string `envconfig:"MOCK_BOUNCE_ADDR" default:"localhost:2525"`
	Hostname      string `envconfig:"MOCK_HOSTNAME" default:"mx.mock.test"`

	// fixed | round_robin | random | weighted
	OutcomeMode       string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw       string  `envconfig:"MOCK_OUTCOMES" default:"accepted"`
	SuccessRate       float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	FailureWeightsRaw string  `envconfig:"MOCK_FAILURE_WEIGHTS" default:"bounce:3,rejected:1,blacklist:1"`

	DelayMs       int `envconfig:"MOCK_DELAY_MS" default:"0"`
	BounceDelayMs int `envconfig:"MOCK_BOUNCE_DELAY_MS" default:"500"`

	WebhookMaxRetries     uint64 `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"8"`
	WebhookRetryBaseMs    int    `envconfig:"MOCK_WEBHOOK_RETRY_BASE_MS" default:"250"`
	WebhookRetryMaxMs     int    `envconfig:"MOCK_WEBHOOK_RETRY_MAX_MS" default:"10000"`
	WebhookRetryJitterPct uint64 `envconfig:"MOCK_WEBHOOK_RETRY_JITTER_PCT" default:"20"`

	Outcomes       []string
	FailureWeights []weightedOutcome
}

type weightedOutcome struct {
	Kind   string
	Weight float64
}

// Outcomes a delivered message can take.
const (
	outcomeAccepted  = "accepted"
	outcomeRejected  = "rejected"
	outcomeBlacklist = "blacklist"
	outcomeBounce    = "bounce"
	outcomeSoft      = "soft"
)

type mta struct {
	cfg    config
	log    *slog.Logger
	idx    uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client
	// dial opens the SMTP connection bounces are delivered over.
	dial func(addr string) (*smtp.Client, error)
}

func main() {
	cfg := loadConfig()
	log := logging.Init("mock-mta", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		log.Error("mock mta sqs client init failed", "err", err)
		os.Exit(1)
	}

	m := newMTA(cfg, log)
	consumer := &sqsqueue.Consumer{SQS: sqsClient, QueueURL: cfg.QueueURL, WaitTimeSeconds: 20, MaxMessages: 10, VisibilityTimeout: 60}

	log.Info("mock mta draining outbound queue", "queue_url", cfg.QueueURL, "mode", cfg.OutcomeMode)
	if err := sqsqueue.Poll[sqsqueue.OutboundMail](ctx, consumer, cfg.Concurrency, m.deliver); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("mock mta poll failed", "err", err)
		os.Exit(1)
	}
}

func newMTA(cfg config, log *slog.Logger) *mta {
	return &mta{
		cfg:    cfg,
		log:    log,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
		dial:   smtp.Dial,
	}
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock mta config load failed", "err", err)
		os.Exit(1)
	}
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	cfg.FailureWeights = parseWeightedOutcomes(cfg.FailureWeightsRaw)
	if len(cfg.FailureWeights) == 0 {
		cfg.FailureWeights = []weightedOutcome{{Kind: outcomeBounce, Weight: 1}}
	}
	return cfg
}

// deliver plays the part of the remote side for one queued message.
func (m *mta) deliver(ctx context.Context, job sqsqueue.OutboundMail) error {
	if m.cfg.DelayMs > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(m.cfg.DelayMs) * time.Millisecond):
		}
	}

	outcome := m.nextOutcome()
	log := m.log.With("mail_id", job.ID, "outcome", outcome)
	messageID := fmt.Sprintf("%s@%s", job.ID, m.cfg.Hostname)

	switch outcome {
	case outcomeRejected:
		return m.post(ctx, log, feedback.Event{From: job.From, Action: feedback.ActionRejected, Category: "recipient",
			Response: "550 5.1.1 Mailbox unavailable", MessageID: messageID})
	case outcomeBlacklist:
		return m.post(ctx, log, feedback.Event{From: job.From, Action: feedback.ActionRejected, Category: feedback.CategoryBlacklist,
			Response: "554 5.7.1 Service unavailable; client host blocked", MessageID: messageID})
	}

	if err := m.post(ctx, log, feedback.Event{From: job.From, Action: feedback.ActionAccepted,
		Response: "250 2.0.0 Ok: queued as " + job.ID, MessageID: messageID}); err != nil {
		return err
	}
	if outcome == outcomeBounce || outcome == outcomeSoft {
		go m.bounceLater(job, outcome == outcomeSoft)
	}
	return nil
}

func (m *mta) bounceLater(job sqsqueue.OutboundMail, soft bool) {
	time.Sleep(time.Duration(m.cfg.BounceDelayMs) * time.Millisecond)
	if err := m.sendBounce(job, soft); err != nil {
		m.log.Error("mock bounce delivery failed", "mail_id", job.ID, "addr", m.cfg.BounceAddr, "err", err)
		return
	}
	m.log.Info("mock bounce delivered", "mail_id", job.ID, "soft", soft)
}

// sendBounce submits a delivery status notification to the return path of job.
func (m *mta) sendBounce(job sqsqueue.OutboundMail, soft bool) error {
	rcpt := ""
	if len(job.To) > 0 {
		rcpt = job.To[0]
	}
	var buf bytes.Buffer
	if err := writeDSN(&buf, dsn{
		ReportingMTA: m.cfg.Hostname,
		ReturnPath:   job.From,
		Recipient:    rcpt,
		Soft:         soft,
		Original:     job.Raw,
		Date:         time.Now(),
	}); err != nil {
		return err
	}

	c, err := m.dial(m.cfg.BounceAddr)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.SendMail("", []string{job.From}, &buf); err != nil {
		return err
	}
	return c.Quit()
}

func (m *mta) post(ctx context.Context, log *slog.Logger, ev feedback.Event) error {
	if m.cfg.WebhookURL == "" {
		return nil
	}
	ev.Created = time.Now().UTC()
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	sig := feedback.Sign(m.cfg.WebhookSecret, body)

	b := retry.NewExponential(time.Duration(m.cfg.WebhookRetryBaseMs) * time.Millisecond)
	b = retry.WithCappedDuration(time.Duration(m.cfg.WebhookRetryMaxMs)*time.Millisecond, b)
	b = retry.WithJitterPercent(m.cfg.WebhookRetryJitterPct, b)
	b = retry.WithMaxRetries(m.cfg.WebhookMaxRetries, b)

	attempt := 0
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(feedback.SignatureHeader, sig)

		resp, err := m.client.Do(req)
		if err != nil {
			log.Warn("mock webhook post retrying", "attempt", attempt, "err", err)
			return retry.RetryableError(err)
		}
		_ = resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case isRetryableStatus(resp.StatusCode):
			log.Warn("mock webhook post retrying", "attempt", attempt, "status", resp.StatusCode)
			return retry.RetryableError(fmt.Errorf("webhook post failed: status=%d", resp.StatusCode))
		default:
			return fmt.Errorf("webhook post non-retryable: status=%d", resp.StatusCode)
		}
	})
	if err != nil {
		log.Error("mock webhook post failed", "url", m.cfg.WebhookURL, "attempt", attempt, "err", err)
		return err
	}
	log.Info("mock webhook posted", "action", ev.Action)
	return nil
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func (m *mta) nextOutcome() string {
	switch m.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&m.idx, 1) - 1
		return m.cfg.Outcomes[int(idx)%len(m.cfg.Outcomes)]
	case "weighted":
		m.rngMu.Lock()
		ok := m.rng.Float64() <= m.cfg.SuccessRate
		r := m.rng.Float64()
		m.rngMu.Unlock()
		if ok {
			return outcomeAccepted
		}
		return pickWeighted(r, m.cfg.FailureWeights)
	case "random":
		m.rngMu.Lock()
		i := m.rng.Intn(len(m.cfg.Outcomes))
		m.rngMu.Unlock()
		return m.cfg.Outcomes[i]
	default:
		return m.cfg.Outcomes[0]
	}
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{outcomeAccepted}
	}
	return out
}

func parseWeightedOutcomes(s string) []weightedOutcome {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]weightedOutcome, 0, len(parts))
	for _, p := range parts {
		kind, weight, ok := strings.Cut(strings.TrimSpace(p), ":")
		if !ok {
			continue
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(weight), 64)
		if err != nil || w <= 0 {
			continue
		}
		kind = strings.ToLower(strings.TrimSpace(kind))
		if kind == "" {
			continue
		}
		out = append(out, weightedOutcome{Kind: kind, Weight: w})
	}
	return out
}

func pickWeighted(r float64, items []weightedOutcome) string {
	if len(items) == 0 {
		return outcomeBounce
	}
	var total float64
	for _, it := range items {
		total += it.Weight
	}
	if total <= 0 {
		return items[0].Kind
	}
	target := r * total
	var cumulative float64
	for _, it := range items {
		cumulative += it.Weight
		if target <= cumulative {
			return it.Kind
		}
	}
	return items[len(items)-1].Kind
}
