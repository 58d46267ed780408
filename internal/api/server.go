// Package api serves the read-only status HTTP API: node and federation
// state, persisted call histories and the Prometheus scrape endpoint.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshivr/meshivr/internal/database"
	"github.com/meshivr/meshivr/internal/federation"
	"github.com/meshivr/meshivr/internal/federation/tuplespace"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	node   *federation.Node
	store  database.Store
}

// NewServer creates the HTTP handler with all routes mounted. The store
// may be nil when call-history persistence is disabled; registry may be
// nil to skip the metrics endpoint.
func NewServer(node *federation.Node, store database.Store, registry *prometheus.Registry) *Server {
	s := &Server{
		router: chi.NewRouter(),
		node:   node,
		store:  store,
	}
	s.routes(registry)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes(registry *prometheus.Registry) {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if registry != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/contacts", s.handleContacts)
		r.Get("/tuples", s.handleTuples)
		r.Get("/calls", s.handleListCalls)
		r.Get("/calls/{sessionID}", s.handleGetCall)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":           s.node.ID().Hex(),
		"joined":            s.node.Joined(),
		"udp_port":          s.node.Port(),
		"claimed_resources": s.node.ClaimedResources(),
		"contacts":          s.node.ContactCount(),
		"tuples":            s.node.TupleCount(),
		"uptime_seconds":    int64(s.node.Uptime() / time.Second),
	})
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	type contactView struct {
		NodeID string `json:"node_id"`
		Addr   string `json:"addr"`
		Port   int    `json:"port"`
	}
	contacts := s.node.Contacts()
	out := make([]contactView, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, contactView{NodeID: c.ID.Hex(), Addr: c.Addr, Port: c.Port})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTuples(w http.ResponseWriter, r *http.Request) {
	type tupleView struct {
		Owner  string   `json:"owner"`
		Fields []string `json:"fields"`
	}
	tuples := s.node.Tuples()
	out := make([]tupleView, 0, len(tuples))
	for _, t := range tuples {
		view := tupleView{Owner: t.Owner.Hex()}
		if fields, err := tuplespace.Deserialize(t.Serialized); err == nil {
			view.Fields = []string(fields)
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "call history is not enabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	calls, err := s.store.ListCalls(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing calls failed")
		return
	}
	if calls == nil {
		calls = []database.CallSummary{}
	}
	writeJSON(w, http.StatusOK, calls)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "call history is not enabled")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	call, err := s.store.GetCall(r.Context(), sessionID)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading call failed")
		return
	}
	writeJSON(w, http.StatusOK, call)
}

// Every reply is wrapped in the same envelope: a data member on success,
// an error member on failure.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	respond(w, status, envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, envelope{Error: msg})
}

func respond(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}
