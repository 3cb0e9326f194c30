package httpserver

import (
	"github.com/gorilla/mux"

	"mailcast/internal/observability"
)

type Server struct {
	Mux *mux.Router
}

// New returns a router with request ids, logging and request metrics.
func New() *Server {
	m := mux.NewRouter()
	m.Use(RequestIDs, Logging, Metrics(observability.APIRequests))
	return &Server{Mux: m}
}

// NewProbe returns a bare router for health endpoints of worker binaries.
func NewProbe() *Server {
	m := mux.NewRouter()
	m.Use(Logging)
	return &Server{Mux: m}
}
