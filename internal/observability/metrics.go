package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailcast_api_requests_total", Help: "API requests"},
		[]string{"route", "status"},
	)
	CampaignsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "mailcast_campaigns_claimed_total", Help: "Campaign leases acquired"},
	)
	CampaignPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailcast_campaign_passes_total", Help: "Dispatch passes by outcome"},
		[]string{"result"},
	)
	Handoffs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailcast_handoff_total", Help: "Outbound queue handoff results"},
		[]string{"result"},
	)
	HandoffLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "mailcast_handoff_latency_seconds", Help: "Compose and queue push latency"},
	)
	Bounces = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailcast_bounces_total", Help: "Inbound bounce reports by class"},
		[]string{"class"},
	)
	FeedbackEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailcast_feedback_events_total", Help: "MTA delivery feedback events"},
		[]string{"status"},
	)
	Publishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailcast_progress_publish_total", Help: "Progress snapshot publishes"},
		[]string{"result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, CampaignsClaimed, CampaignPasses, Handoffs, HandoffLatency, Bounces, FeedbackEvents, Publishes)
}
