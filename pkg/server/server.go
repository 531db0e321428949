// Package server registers the HTTP endpoints using the standard library
// mux (Go 1.22+ patterns).
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/outreachd/outreachd/pkg/core"
	"github.com/outreachd/outreachd/pkg/queue"
	"github.com/outreachd/outreachd/pkg/realtime"
	"github.com/outreachd/outreachd/pkg/scheduler"
	"github.com/outreachd/outreachd/pkg/session"
)

// Server exposes the job submission/inspection API, scheduler control, and
// the realtime channel.
type Server struct {
	queue    *queue.Queue
	sched    *scheduler.Scheduler
	sessions *session.Manager
	hub      *realtime.Hub
	logger   *slog.Logger
	validate *validator.Validate
}

// New creates the Server and wires the hub's inbound interactive commands
// to the session manager.
func New(q *queue.Queue, sched *scheduler.Scheduler, sessions *session.Manager, hub *realtime.Hub) *Server {
	s := &Server{
		queue:    q,
		sched:    sched,
		sessions: sessions,
		hub:      hub,
		logger:   slog.Default().With("component", "server"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	s.registerHubHandlers()
	return s
}

// Handler builds the application HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Jobs
	mux.HandleFunc("POST /api/jobs", s.createJob)
	mux.HandleFunc("GET /api/jobs/{id}", s.getJob)
	mux.HandleFunc("GET /api/jobs", s.listJobs)
	mux.HandleFunc("GET /api/stats", s.getStats)

	// Scheduler control
	mux.HandleFunc("GET /api/scheduler", s.getScheduler)
	mux.HandleFunc("POST /api/scheduler/{task}/trigger", s.triggerTask)

	// Realtime channel
	mux.HandleFunc("GET /ws/{userID}", s.serveWS)

	// Diagnostics
	mux.HandleFunc("GET /api/health", s.health)

	return mux
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// ---- jobs ----

type createJobRequest struct {
	Kind       string          `json:"kind" validate:"required,oneof=request-action follow-up-action reconcile-pending"`
	UserID     string          `json:"user_id" validate:"required"`
	CampaignID string          `json:"campaign_id"`
	Payload    json.RawMessage `json:"payload"`
}

// createJob accepts a job of a named kind. The caller gets an id
// immediately; the eventual outcome is discoverable only by polling.
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	job, err := s.queue.Enqueue(r.Context(), core.JobKind(req.Kind), req.UserID, req.CampaignID, payload)
	if err != nil {
		if errors.Is(err, core.ErrNoHandler) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("enqueue failed", "kind", req.Kind, "error", err)
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	state := core.JobStatus(r.URL.Query().Get("state"))
	switch state {
	case core.StatusWaiting, core.StatusActive, core.StatusCompleted, core.StatusFailed:
	default:
		writeError(w, http.StatusBadRequest, "state must be one of waiting|active|completed|failed")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		limit = n
	}

	jobList, err := s.queue.ListByState(r.Context(), state, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobList})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":    stats,
		"sessions": s.sessions.Count(),
	})
}

// ---- scheduler ----

func (s *Server) getScheduler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.sched.Status()})
}

func (s *Server) triggerTask(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("task")
	if err := s.sched.Trigger(r.Context(), name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"triggered": name})
}

// ---- realtime ----

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}
	s.hub.ServeUser(w, r, userID)
}

type pointerCommand struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type keyCommand struct {
	Text string `json:"text"`
}

// registerHubHandlers wires interactive commands from the front end onto
// the user's live session. Commands against a missing session are no-ops.
func (s *Server) registerHubHandlers() {
	const opTimeout = 15 * time.Second

	s.hub.On("pointer", func(userID string, data json.RawMessage) {
		sess := s.sessions.Get(userID)
		if sess == nil {
			return
		}
		var cmd pointerCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return
		}
		if err := sess.Click(cmd.X, cmd.Y, opTimeout); err != nil {
			s.logger.Warn("pointer command failed", "user_id", userID, "error", err)
			return
		}
		s.sessions.Touch(userID)
	})

	s.hub.On("key", func(userID string, data json.RawMessage) {
		sess := s.sessions.Get(userID)
		if sess == nil {
			return
		}
		var cmd keyCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return
		}
		if err := sess.SendKeys(cmd.Text, opTimeout); err != nil {
			s.logger.Warn("key command failed", "user_id", userID, "error", err)
			return
		}
		s.sessions.Touch(userID)
	})

	s.hub.On("screenshot", func(userID string, _ json.RawMessage) {
		sess := s.sessions.Get(userID)
		if sess == nil {
			return
		}
		buf, err := sess.Screenshot(opTimeout)
		if err != nil {
			s.logger.Warn("screenshot failed", "user_id", userID, "error", err)
			return
		}
		s.sessions.Touch(userID)
		s.hub.Send(userID, "screenshot", map[string]any{"png": buf})
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
