package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"automatic-submission-service/internal/config"
	"automatic-submission-service/internal/credentials"
	"automatic-submission-service/internal/models"
	"automatic-submission-service/internal/orchestrator"
	"automatic-submission-service/internal/projection"
	"automatic-submission-service/internal/queue"
	"automatic-submission-service/internal/ratelimit"
	"automatic-submission-service/internal/store"
	"automatic-submission-service/internal/telemetry"
)

// Server wires HTTP handlers for ingestion, status queries and the change feed.
type Server struct {
	cfg          config.Config
	orchestrator *orchestrator.Orchestrator
	projector    *projection.Projector
	feed         *queue.RedisFeed
	limiter      *ratelimit.SlidingWindow
	log          *zap.Logger
}

// New constructs the API server. A nil limiter disables status rate limiting.
func New(cfg config.Config, o *orchestrator.Orchestrator, p *projection.Projector, feed *queue.RedisFeed, limiter *ratelimit.SlidingWindow, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:          cfg,
		orchestrator: o,
		projector:    p,
		feed:         feed,
		limiter:      limiter,
		log:          log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/submissions", s.handleRegister)
	r.Get("/submissions/{id}/status", s.handleStatus)
	r.Post("/delta", s.handleDelta)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type registerRequest struct {
	Graph             string `json:"graph"`
	Submission        string `json:"submission"`
	Status            string `json:"status"`
	Location          string `json:"location"`
	AuthConfiguration string `json:"authentication_configuration"`
}

type registerResponse struct {
	Job        string `json:"job"`
	Submission string `json:"submission"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Graph == "" || req.Submission == "" || req.Location == "" {
		writeError(w, http.StatusBadRequest, "graph, submission and location are required")
		return
	}

	submission := models.SubmissionURI(req.Submission)
	job, err := s.orchestrator.Register(r.Context(), orchestrator.Registration{
		Graph:             req.Graph,
		Submission:        submission,
		Status:            req.Status,
		Location:          req.Location,
		AuthConfiguration: req.AuthConfiguration,
	})
	if err != nil {
		var unsupported *credentials.UnsupportedSchemeError
		switch {
		case errors.Is(err, orchestrator.ErrAlreadySubmitted):
			writeError(w, http.StatusConflict, "submission already registered")
		case errors.As(err, &unsupported):
			writeError(w, http.StatusUnprocessableEntity, unsupported.Error())
		case errors.Is(err, store.ErrUnavailable):
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
		default:
			s.log.Error("register submission failed", zap.String("submission", submission), zap.String("job", job.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "registration failed")
		}
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{Job: job.ID, Submission: submission})
}

type notProcessedResponse struct {
	Submission string `json:"submission"`
	State      string `json:"state"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	submission := models.SubmissionURI(chi.URLParam(r, "id"))
	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), submission)
		if err != nil {
			s.log.Error("rate limiter failed", zap.String("submission", submission), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.StatusRateLimitRejects.Inc()
			secs := int(d.RetryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	snap, err := s.projector.Project(r.Context(), submission)
	if err != nil {
		s.log.Error("project submission status failed", zap.String("submission", submission), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	switch v := snap.(type) {
	case *projection.StatusView:
		writeJSON(w, http.StatusOK, v)
	case projection.NotYetProcessed:
		writeJSON(w, http.StatusNotFound, notProcessedResponse{Submission: v.Submission, State: "not-yet-processed"})
	}
}

type deltaResponse struct {
	MessageID string `json:"message_id"`
}

// handleDelta accepts a change notification batch and appends it to the
// feed for the worker.
func (s *Server) handleDelta(w http.ResponseWriter, r *http.Request) {
	var batch []models.Changeset
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(batch) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	id, err := s.feed.Publish(r.Context(), batch)
	if err != nil {
		s.log.Error("publish change batch failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "feed unavailable")
		return
	}
	telemetry.FeedPublished.Inc()
	writeJSON(w, http.StatusAccepted, deltaResponse{MessageID: id})
}

// handleDLQ returns the dead-lettered change batches.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	items, err := s.feed.DLQPeek(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
