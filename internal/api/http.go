package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/docqueue/docq/internal/queue"
)

var validQueueName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

type Server struct {
	registry *queue.Registry
	log      *logrus.Logger
	addr     string
	timeout  time.Duration
}

func NewServer(addr string, registry *queue.Registry, log *logrus.Logger) *http.Server {
	srv := &Server{
		registry: registry,
		log:      log,
		addr:     addr,
		timeout:  5 * time.Second,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(srv.timeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// enqueue: POST /v1/queues/{queue}/messages
		r.Post("/queues/{queue}/messages", srv.handleEnqueue)

		// lease protocol: POST /v1/queues/{queue}:verb
		r.Post("/queues/{queue}:claim", srv.handleClaim)
		r.Post("/queues/{queue}:renew", srv.handleRenew)
		r.Post("/queues/{queue}:ack", srv.handleAck)
		r.Post("/queues/{queue}:purge", srv.handlePurge)

		// stats: GET /v1/queues/{queue}/stats
		r.Get("/queues/{queue}/stats", srv.handleStats)
	})

	return &http.Server{
		Addr:    srv.addr,
		Handler: r,
	}
}

type enqueueRequest struct {
	Payload json.RawMessage `json:"payload"`
	DelayMS int64           `json:"delay_ms,omitempty"`
}

type enqueueResponse struct {
	ID int64 `json:"id"`
}

type claimRequest struct {
	VisibilityMS int64  `json:"visibility_ms,omitempty"`
	Claimant     string `json:"claimant,omitempty"`
}

type claimedMessage struct {
	ID             int64           `json:"id"`
	Payload        json.RawMessage `json:"payload"`
	LeaseToken     string          `json:"lease_token"`
	VisibleAt      time.Time       `json:"visible_at"`
	Tries          int             `json:"tries"`
	FirstClaimedAt *time.Time      `json:"first_claimed_at,omitempty"`
	ClaimedBy      *string         `json:"claimed_by,omitempty"`
}

type renewRequest struct {
	LeaseToken   string `json:"lease_token"`
	VisibilityMS int64  `json:"visibility_ms,omitempty"`
}

type ackRequest struct {
	LeaseToken string `json:"lease_token"`
}

type idResponse struct {
	ID int64 `json:"id"`
}

type purgeResponse struct {
	Purged int64 `json:"purged"`
}

// ---------- Handlers ----------

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queueFromRequest(w, r)
	if !ok {
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		httpError(w, http.StatusBadRequest, "`payload` is required")
		return
	}

	id, err := q.Enqueue(r.Context(), []byte(req.Payload), queue.EnqueueOptions{
		Delay: time.Duration(req.DelayMS) * time.Millisecond,
	})
	if err != nil {
		s.log.WithError(err).WithField("queue", q.Name()).Error("enqueue failed")
		httpError(w, http.StatusInternalServerError, "enqueue failed: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, &enqueueResponse{ID: id})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queueFromRequest(w, r)
	if !ok {
		return
	}
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}

	m, err := q.Claim(r.Context(), queue.ClaimOptions{
		Visibility: time.Duration(req.VisibilityMS) * time.Millisecond,
		Claimant:   req.Claimant,
	})
	if err != nil {
		s.log.WithError(err).WithField("queue", q.Name()).Error("claim failed")
		httpError(w, http.StatusInternalServerError, "claim failed: %v", err)
		return
	}
	if m == nil {
		// Nothing eligible; callers poll with backoff.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, &claimedMessage{
		ID:             m.ID,
		Payload:        json.RawMessage(m.Payload),
		LeaseToken:     *m.LeaseToken,
		VisibleAt:      m.VisibleAt,
		Tries:          m.Tries,
		FirstClaimedAt: m.FirstClaimedAt,
		ClaimedBy:      m.ClaimedBy,
	})
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queueFromRequest(w, r)
	if !ok {
		return
	}
	var req renewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if req.LeaseToken == "" {
		httpError(w, http.StatusBadRequest, "`lease_token` is required")
		return
	}

	id, err := q.Renew(r.Context(), req.LeaseToken, queue.RenewOptions{
		Visibility: time.Duration(req.VisibilityMS) * time.Millisecond,
	})
	if errors.Is(err, queue.ErrUnknownLease) {
		httpError(w, http.StatusNotFound, "unknown or expired lease")
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("queue", q.Name()).Error("renew failed")
		httpError(w, http.StatusInternalServerError, "renew failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, &idResponse{ID: id})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queueFromRequest(w, r)
	if !ok {
		return
	}
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if req.LeaseToken == "" {
		httpError(w, http.StatusBadRequest, "`lease_token` is required")
		return
	}

	id, err := q.Ack(r.Context(), req.LeaseToken)
	if errors.Is(err, queue.ErrUnknownLease) {
		httpError(w, http.StatusNotFound, "unknown or expired lease")
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("queue", q.Name()).Error("ack failed")
		httpError(w, http.StatusInternalServerError, "ack failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, &idResponse{ID: id})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queueFromRequest(w, r)
	if !ok {
		return
	}
	n, err := q.PurgeCompleted(r.Context())
	if err != nil {
		s.log.WithError(err).WithField("queue", q.Name()).Error("purge failed")
		httpError(w, http.StatusInternalServerError, "purge failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, &purgeResponse{Purged: n})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queueFromRequest(w, r)
	if !ok {
		return
	}
	stats, err := q.Stats(r.Context())
	if err != nil {
		s.log.WithError(err).WithField("queue", q.Name()).Error("stats failed")
		httpError(w, http.StatusInternalServerError, "stats failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ---------- helpers ----------

func (s *Server) queueFromRequest(w http.ResponseWriter, r *http.Request) (*queue.Queue, bool) {
	name := chi.URLParam(r, "queue")
	if !validQueueName.MatchString(name) {
		httpError(w, http.StatusBadRequest, "invalid queue name %q", name)
		return nil, false
	}
	q, err := s.registry.Get(r.Context(), name)
	if err != nil {
		s.log.WithError(err).WithField("queue", name).Error("queue setup failed")
		httpError(w, http.StatusInternalServerError, "queue setup failed: %v", err)
		return nil, false
	}
	return q, true
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
