// Package api exposes the HTTP surface of the orchestration fabric: job
// submission, progress streaming, deletion, artifact review, and operator
// controls. Request parsing stays thin; behavior lives in the packages
// underneath.
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/zabrisket/ledgerlift/pkg/costs"
	"github.com/zabrisket/ledgerlift/pkg/database"
	"github.com/zabrisket/ledgerlift/pkg/errdefs"
	"github.com/zabrisket/ledgerlift/pkg/health"
	"github.com/zabrisket/ledgerlift/pkg/kv"
	"github.com/zabrisket/ledgerlift/pkg/log"
	"github.com/zabrisket/ledgerlift/pkg/progress"
	"github.com/zabrisket/ledgerlift/pkg/queue"
	"github.com/zabrisket/ledgerlift/pkg/types"
	"github.com/zabrisket/ledgerlift/pkg/worker"
)

// Server wires the HTTP handlers to the fabric.
type Server struct {
	store      *database.Store
	dispatcher *queue.Dispatcher
	streamer   *progress.Streamer
	deleter    *worker.Deleter
	ledger     *costs.Ledger
	kv         *kv.Client
	healthReg  *health.Registry
	logger     zerolog.Logger
}

// NewServer creates the API server.
func NewServer(
	store *database.Store,
	dispatcher *queue.Dispatcher,
	streamer *progress.Streamer,
	deleter *worker.Deleter,
	ledger *costs.Ledger,
	kvClient *kv.Client,
	healthReg *health.Registry,
) *Server {
	return &Server{
		store:      store,
		dispatcher: dispatcher,
		streamer:   streamer,
		deleter:    deleter,
		ledger:     ledger,
		kv:         kvClient,
		healthReg:  healthReg,
		logger:     log.WithComponent("api"),
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", health.LivenessHandler())
	if s.healthReg != nil {
		r.Get("/readyz", s.healthReg.ReadinessHandler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/documents/{docID}/process", s.handleProcess)
		r.Delete("/documents/{docID}", s.handleDelete)
		r.Get("/documents/{docID}/events", s.handleDocumentEvents)
		r.Get("/documents/{docID}/artifacts", s.handleListArtifacts)
		r.Patch("/artifacts/{artifactID}", s.handleReviewArtifact)
		r.Get("/jobs/{jobID}/events", s.handleJobEvents)
		r.Get("/users/{userID}/costs", s.handleUserCosts)

		r.Route("/ops", func(r chi.Router) {
			r.Post("/emergency-stop", s.handleEngageStop)
			r.Delete("/emergency-stop", s.handleReleaseStop)
			r.Get("/queues", s.handleQueueStats)
		})
	})
	return r
}

type errorEnvelope struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errdefs.HTTPStatus(err)
	envelope := errorEnvelope{
		Error:     errdefs.Code(err),
		Message:   err.Error(),
		RequestID: middleware.GetReqID(r.Context()),
	}
	if status >= http.StatusInternalServerError {
		// The request id in the envelope matches the log line, so a reported
		// failure greps straight to its cause.
		logger := log.ForRequest(envelope.RequestID)
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		envelope.Message = "internal error"
	}
	writeJSON(w, status, envelope)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	docID := strings.TrimSpace(chi.URLParam(r, "docID"))
	if docID == "" {
		s.writeError(w, r, errdefs.InvalidInput("document id cannot be empty"))
		return
	}
	if len(docID) > 100 {
		s.writeError(w, r, errdefs.InvalidInput("document id too long"))
		return
	}

	priority := types.Priority(strings.ToLower(r.URL.Query().Get("priority")))
	if priority == "" {
		priority = types.PriorityDefault
	}
	if !priority.Valid() {
		s.writeError(w, r, errdefs.InvalidInput("unsupported priority %q", priority))
		return
	}

	doc, err := s.store.GetDocument(r.Context(), docID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var hashes []string
	if doc.SHA256Raw != "" {
		hashes = append(hashes, doc.SHA256Raw)
	}
	if doc.SHA256Canonical != "" {
		hashes = append(hashes, doc.SHA256Canonical)
	}

	envelope, err := s.dispatcher.Enqueue(r.Context(), docID, priority, r.Header.Get("X-User-ID"), hashes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": envelope.JobID,
		"queue":  s.dispatcher.QueueName(priority),
	})
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		s.writeError(w, r, errdefs.InvalidInput("job id cannot be empty"))
		return
	}
	s.streamer.ServeJob(w, r, jobID)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	manifest, err := s.deleter.Initiate(r.Context(), docID, r.Header.Get("X-User-ID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"document_id": docID,
		"status":      manifest.Status,
		"artifacts":   len(manifest.Artifacts),
	})
}

func (s *Server) handleDocumentEvents(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	events, err := s.store.ListEvents(r.Context(), docID, 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document_id": docID, "events": events})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	artifacts, err := s.store.ListArtifacts(r.Context(), docID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document_id": docID, "artifacts": artifacts})
}

func (s *Server) handleReviewArtifact(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, errdefs.InvalidInput("malformed body: %v", err))
		return
	}
	status := types.ArtifactStatus(strings.ToLower(body.Status))
	if err := s.store.UpdateArtifactStatus(r.Context(), artifactID, status); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"artifact_id": artifactID, "status": string(status)})
}

func (s *Server) handleUserCosts(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	totals, err := s.ledger.UserCosts(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *Server) handleEngageStop(w http.ResponseWriter, r *http.Request) {
	if err := s.kv.EngageEmergencyStop(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Warn().Msg("Emergency stop engaged")
	writeJSON(w, http.StatusOK, map[string]bool{"emergency_stop": true})
}

func (s *Server) handleReleaseStop(w http.ResponseWriter, r *http.Request) {
	if err := s.kv.ReleaseEmergencyStop(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info().Msg("Emergency stop released")
	writeJSON(w, http.StatusOK, map[string]bool{"emergency_stop": false})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	depths, err := s.dispatcher.Depths(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stopped, err := s.kv.EmergencyStopped(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queues":         depths,
		"emergency_stop": stopped,
	})
}
