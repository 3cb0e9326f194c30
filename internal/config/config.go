package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type DB struct {
	DSN                   string        `envconfig:"DB_DSN" required:"true"`
	PoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	PoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	PoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	PoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	PoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"1m"`
}

type Redis struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	Database int    `envconfig:"REDIS_DB" default:"0"`
}

type SQS struct {
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	QueueURL           string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

// Site holds the public identity used when composing messages.
type Site struct {
	AppName  string `envconfig:"APP_NAME" default:"Mailcast"`
	AppURL   string `envconfig:"APP_URL" required:"true"`
	Hostname string `envconfig:"SITE_HOSTNAME" required:"true"`
}

type Common struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
}

type DispatcherConfig struct {
	Common
	DB
	Redis
	SQS
	Site

	LeaseTTL     time.Duration `envconfig:"LEASE_TTL" default:"1h"`
	IdleInterval time.Duration `envconfig:"IDLE_INTERVAL" default:"20s"`
	ErrorBackoff time.Duration `envconfig:"ERROR_BACKOFF" default:"5s"`
	PageSize     int           `envconfig:"PAGE_SIZE" default:"100"`
	Concurrency  int           `envconfig:"DISPATCH_CONCURRENCY" default:"4"`

	// outbound queue protection
	SendRPS   float64 `envconfig:"SEND_RPS" default:"50"`
	SendBurst int     `envconfig:"SEND_BURST" default:"100"`
}

type BouncerConfig struct {
	Common
	DB
	Redis
	Site

	VERPHost        string        `envconfig:"VERP_HOST" default:"*"`
	VERPPort        int           `envconfig:"VERP_PORT" default:"2525"`
	BodyCap         int64         `envconfig:"BODY_CAP" default:"131072"`
	SMTPReadTimeout time.Duration `envconfig:"SMTP_READ_TIMEOUT" default:"60s"`
	MaxRecipients   int           `envconfig:"SMTP_MAX_RECIPIENTS" default:"100"`
}

type APIConfig struct {
	Common
	DB
	Redis
	SQS
	Site

	FeedbackQueueURL string        `envconfig:"FEEDBACK_QUEUE_URL" required:"true"`
	WebhookSecret    string        `envconfig:"WEBHOOK_SECRET" required:"true"`
	SSEPingInterval  time.Duration `envconfig:"SSE_PING_INTERVAL" default:"15s"`

	SendRPS   float64 `envconfig:"SEND_RPS" default:"5"`
	SendBurst int     `envconfig:"SEND_BURST" default:"10"`
}

type FeedbackProcessorConfig struct {
	Common
	DB
	Redis

	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	FeedbackQueueURL   string `envconfig:"FEEDBACK_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
	Concurrency        int    `envconfig:"PROCESSOR_CONCURRENCY" default:"8"`
}

func LoadDispatcher() DispatcherConfig {
	var cfg DispatcherConfig
	mustProcess(&cfg)
	return cfg
}

func LoadBouncer() BouncerConfig {
	var cfg BouncerConfig
	mustProcess(&cfg)
	return cfg
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	mustProcess(&cfg)
	return cfg
}

func LoadFeedbackProcessor() FeedbackProcessorConfig {
	var cfg FeedbackProcessorConfig
	mustProcess(&cfg)
	return cfg
}

func mustProcess(cfg any) {
	if err := envconfig.Process("", cfg); err != nil {
		panic(err)
	}
}
