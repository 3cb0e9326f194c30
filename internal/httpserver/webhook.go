package httpserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"mailcast/internal/feedback"
	"mailcast/internal/observability"
	"mailcast/internal/service"
)

const maxWebhookBody = 64 << 10

// Webhook accepts delivery-log events from the MTA and queues them for the
// feedback processor.
type Webhook struct {
	Svc      *service.CampaignService
	Secret   string
	validate *validator.Validate
}

func NewWebhook(svc *service.CampaignService, secret string) *Webhook {
	return &Webhook{Svc: svc, Secret: secret, validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (wh *Webhook) Register(m *mux.Router) {
	m.HandleFunc("/v1/webhooks/mta", wh.handleMTA).Methods(http.MethodPost)
}

func (wh *Webhook) handleMTA(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, ErrInvalidPayload, http.StatusBadRequest)
		return
	}
	if !feedback.VerifySignature(wh.Secret, body, r.Header.Get(feedback.SignatureHeader)) {
		http.Error(w, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	events, err := decodeEvents(body)
	if err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	for _, ev := range events {
		if err := wh.validate.Struct(ev); err != nil {
			http.Error(w, ErrInvalidPayload+": "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	for _, ev := range events {
		observability.FeedbackEvents.WithLabelValues("received").Inc()
		if err := wh.Svc.EnqueueFeedback(r.Context(), ev); err != nil {
			writeError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// decodeEvents accepts a single event object or an array of them.
func decodeEvents(body []byte) ([]feedback.Event, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var evs []feedback.Event
		if err := json.Unmarshal(trimmed, &evs); err != nil {
			return nil, err
		}
		return evs, nil
	}
	var ev feedback.Event
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return nil, err
	}
	return []feedback.Event{ev}, nil
}
