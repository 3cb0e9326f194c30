package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"mailcast/internal/domain"
	"mailcast/internal/pubsub"
	"mailcast/internal/service"
)

// Subscriber opens a live snapshot feed for one campaign.
type Subscriber func(ctx context.Context, campaignID string) (*pubsub.Subscription, error)

type API struct {
	Svc          *service.CampaignService
	Subscribe    Subscriber
	PingInterval time.Duration
}

func (a *API) Register(m *mux.Router) {
	m.HandleFunc("/v1/campaigns/{id}", a.handleSnapshot).Methods(http.MethodGet)
	m.HandleFunc("/v1/campaigns/{id}/send", a.handleSend).Methods(http.MethodPost)
	m.HandleFunc("/v1/campaigns/{id}/reset", a.handleReset).Methods(http.MethodPost)
	m.HandleFunc("/v1/campaigns/{id}/test", a.handleTest).Methods(http.MethodPost)
	m.HandleFunc("/v1/campaigns/{id}/stream", a.handleStream).Methods(http.MethodGet)
	m.HandleFunc("/v1/mails/{id}", a.handleGetMail).Methods(http.MethodGet)
}

type testResponse struct {
	ID   string `json:"_id"`
	Sent int    `json:"sent"`
}

type mailResponse struct {
	ID           string            `json:"_id"`
	CampaignID   string            `json:"campaign,omitempty"`
	SubscriberID string            `json:"subscriber,omitempty"`
	To           string            `json:"to,omitempty"`
	From         string            `json:"from,omitempty"`
	MessageID    string            `json:"messageId,omitempty"`
	Status       domain.MailStatus `json:"status"`
	Bounce       bool              `json:"bounce"`
	Test         bool              `json:"test"`
	Log          []domain.LogEntry `json:"log"`
	Created      time.Time         `json:"created"`
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	snap, err := a.Svc.Queue(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	snap, err := a.Svc.Reset(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleTest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	n, err := a.Svc.TestSend(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, testResponse{ID: id, Sent: n})
}

func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := a.Svc.Snapshot(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleGetMail(w http.ResponseWriter, r *http.Request) {
	m, err := a.Svc.GetMail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	log := m.Log
	if log == nil {
		log = []domain.LogEntry{}
	}
	writeJSON(w, http.StatusOK, mailResponse{
		ID: m.ID, CampaignID: m.CampaignID, SubscriberID: m.SubscriberID, To: m.To, From: m.From,
		MessageID: m.MessageID, Status: m.Status, Bounce: m.Bounce, Test: m.Test, Log: log, Created: m.Created,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
