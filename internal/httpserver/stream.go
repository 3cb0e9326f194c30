package httpserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"mailcast/internal/domain"
)

const defaultPingInterval = 15 * time.Second

// handleStream serves campaign progress as server-sent events: the current
// snapshot first, then every published change, with a comment line as
// keepalive.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	// subscribe before reading so no change between the two is lost
	sub, err := a.Subscribe(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer sub.Close()
	snap, err := a.Svc.Snapshot(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, snap); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		slog.Warn("sse flush unsupported", "request_id", RequestID(ctx), "err", err)
		return
	}

	interval := a.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	ping := time.NewTicker(interval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(w, s); err != nil {
				return
			}
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, snap domain.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}
