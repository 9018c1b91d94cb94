package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/modelforge/forge3d/internal/config"
	"github.com/modelforge/forge3d/internal/models"
	"github.com/modelforge/forge3d/internal/ratelimit"
	"github.com/modelforge/forge3d/internal/store"
	"github.com/modelforge/forge3d/internal/telemetry"
)

// Server wires HTTP handlers for generation submission and read-only artifact
// views. It never drives stages itself: it creates jobs in pending_preview and
// sets the cancel flag; the poller does everything else.
type Server struct {
	cfg     config.Config
	store   *store.Store
	limiter *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		limiter: limiter,
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

	r.Post("/artifacts", s.handleSubmit)
	r.Get("/artifacts", s.handleList)
	r.Get("/artifacts/{id}", s.handleGet)
	r.Post("/artifacts/{id}/cancel", s.handleCancel)
	return r
}

type submitRequest struct {
	Prompt          string `json:"prompt"`
	ArtStyle        string `json:"art_style"`
	Quality         string `json:"quality"`
	TargetPolycount int    `json:"target_polycount"`
}

type submitResponse struct {
	Artifact models.Artifact `json:"artifact"`
	JobID    string          `json:"job_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}

	owner := ownerFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:owner:%s", owner))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	artifact, job, err := s.store.CreateArtifact(r.Context(), store.CreateArtifactParams{
		Owner:           owner,
		Prompt:          req.Prompt,
		ArtStyle:        req.ArtStyle,
		Quality:         req.Quality,
		TargetPolycount: req.TargetPolycount,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	_ = s.store.AppendAudit(r.Context(), job.ID, "accepted", fmt.Sprintf("owner=%s", owner))
	telemetry.SubmitCounter.Inc()

	writeJSON(w, http.StatusAccepted, submitResponse{Artifact: artifact, JobID: job.ID})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	artifact, err := s.store.GetArtifact(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromRequest(r)
	artifacts, err := s.store.ListArtifacts(r.Context(), owner, 100)
	if err != nil {
		http.Error(w, "failed to list artifacts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": artifacts})
}

// handleCancel sets the cancel flag. The poller observes it on the next tick
// and performs the actual transition.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJobByArtifact(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	ok, err := s.store.RequestCancel(r.Context(), job.ID)
	if err != nil {
		http.Error(w, "failed to cancel job", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "job already terminal", http.StatusConflict)
		return
	}
	_ = s.store.AppendAudit(r.Context(), job.ID, "cancel_requested", "cancel requested via API")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

func ownerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Owner-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
