// Package api exposes the client-facing HTTP surface: job intake and
// lifecycle, the approval gate, artifact retrieval and export, the SSE event
// stream, catalog administration, and metrics.
package api

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cadre-dev/cadre/internal/config"
	"github.com/cadre-dev/cadre/internal/metrics"
	"github.com/cadre-dev/cadre/internal/orchestrator"
	"github.com/cadre-dev/cadre/pkg/board"
)

// maxBodySize bounds request bodies; requirements documents are text.
const maxBodySize = 1 << 20 // 1 MB

// Server hosts the HTTP API over one board and one orchestrator engine.
type Server struct {
	client *board.Client
	engine *orchestrator.Engine
	cfg    *config.CadreConfig
	usage  *metrics.Usage
}

// NewServer creates an API server.
func NewServer(client *board.Client, engine *orchestrator.Engine, cfg *config.CadreConfig, usage *metrics.Usage) *Server {
	if usage == nil {
		usage = metrics.NewUsage()
	}
	return &Server{client: client, engine: engine, cfg: cfg, usage: usage}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Delete("/jobs/{jobID}", s.handleDeleteJob)
		r.Post("/jobs/{jobID}/approve", s.handleApprove)
		r.Post("/jobs/{jobID}/request-changes", s.handleRequestChanges)
		r.Post("/jobs/{jobID}/restart", s.handleRestart)
		r.Get("/jobs/{jobID}/artifacts", s.handleListArtifacts)
		r.Get("/jobs/{jobID}/artifacts/{artifactType}", s.handleGetArtifactByType)
		r.Get("/jobs/{jobID}/events", s.handleEventHistory)
		r.Get("/jobs/{jobID}/export", s.handleExport)
		r.Get("/artifacts/{hash}", s.handleGetArtifact)
		r.Get("/events/stream", s.handleStream)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/catalog", s.handleListCatalog)
		r.Get("/catalog/{entryID}", s.handleGetCatalogEntry)
		r.Put("/catalog/{entryID}", s.handlePutCatalogEntry)
		r.Get("/skills", s.handleListSkills)
		r.Get("/skills/{role}", s.handleGetSkills)
		r.Put("/skills/{role}", s.handlePutSkills)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.client.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable", "error": "redis unreachable",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// CreateJobRequest is the body of POST /api/v1/jobs.
type CreateJobRequest struct {
	ProjectID    string            `json:"project_id"`
	Requirements string            `json:"requirements"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	job, err := s.engine.CreateJob(r.Context(), req.ProjectID, req.Requirements, req.Metadata)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{
		"job_id": job.ID,
		"status": string(job.Status),
	})
}

// ListJobsResponse is the response of GET /api/v1/jobs.
type ListJobsResponse struct {
	Jobs  []*board.Job `json:"jobs"`
	Total int          `json:"total"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var status board.JobStatus
	if param := r.URL.Query().Get("status"); param != "" {
		status = board.JobStatus(param)
		if err := status.Validate(); err != nil {
			s.writeError(w, fmt.Errorf("%w: %v", board.ErrInvalidInput, err))
			return
		}
	}

	limit := 50
	if param := r.URL.Query().Get("limit"); param != "" {
		parsed, err := strconv.Atoi(param)
		if err != nil || parsed < 1 || parsed > 1000 {
			s.writeError(w, fmt.Errorf("%w: limit must be 1-1000", board.ErrInvalidInput))
			return
		}
		limit = parsed
	}

	jobs, err := s.client.ListJobs(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs, Total: len(jobs)})
}

// JobDetail is the response of GET /api/v1/jobs/{jobID}.
type JobDetail struct {
	Job   *board.Job         `json:"job"`
	Tasks []*board.Task      `json:"tasks"`
	Truth *board.TruthRecord `json:"truth,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.client.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tasks, err := s.client.GetJobTasks(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	truth, err := s.client.GetTruth(r.Context(), jobID)
	if err != nil && !board.IsNotFound(err) {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, JobDetail{Job: job, Tasks: tasks, Truth: truth})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	// Deleting an unknown job is a 404, not a silent no-op.
	if _, err := s.client.GetJob(r.Context(), jobID); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.Delete(r.Context(), jobID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ApproveRequest is the body of POST /api/v1/jobs/{jobID}/approve. PRDHash is
// optional; when set, the approval only applies while that PRD is current.
type ApproveRequest struct {
	PRDHash string `json:"prd_hash,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var req ApproveRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if err := s.engine.Approve(r.Context(), jobID, req.PRDHash, req.Notes); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(board.JobStatusRunning)})
}

// RequestChangesRequest is the body of POST /api/v1/jobs/{jobID}/request-changes.
type RequestChangesRequest struct {
	Feedback string `json:"feedback"`
}

func (s *Server) handleRequestChanges(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var req RequestChangesRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if err := s.engine.RequestChanges(r.Context(), jobID, req.Feedback); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(board.JobStatusChangesRequested)})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.engine.Restart(r.Context(), jobID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(board.JobStatusQueued)})
}

// ListArtifactsResponse is the response of GET /api/v1/jobs/{jobID}/artifacts.
type ListArtifactsResponse struct {
	Artifacts []*board.Artifact `json:"artifacts"`
	Total     int               `json:"total"`
}

// handleListArtifacts lists a job's artifacts in creation order, including
// superseded versions. Optional filters: type, task_id, since_ms.
func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	artifacts, err := s.client.ListJobArtifacts(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	typeFilter := r.URL.Query().Get("type")
	taskFilter := r.URL.Query().Get("task_id")
	var sinceMs int64
	if param := r.URL.Query().Get("since_ms"); param != "" {
		sinceMs, err = strconv.ParseInt(param, 10, 64)
		if err != nil {
			s.writeError(w, fmt.Errorf("%w: since_ms must be an integer", board.ErrInvalidInput))
			return
		}
	}

	filtered := make([]*board.Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		if typeFilter != "" && string(a.Type) != typeFilter {
			continue
		}
		if taskFilter != "" && a.TaskID != taskFilter {
			continue
		}
		if a.CreatedAtMs < sinceMs {
			continue
		}
		filtered = append(filtered, a)
	}

	s.writeJSON(w, http.StatusOK, ListArtifactsResponse{Artifacts: filtered, Total: len(filtered)})
}

func (s *Server) handleGetArtifactByType(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	artifactType := board.ArtifactType(chi.URLParam(r, "artifactType"))
	if err := artifactType.Validate(); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", board.ErrInvalidInput, err))
		return
	}

	artifact, err := s.client.GetJobArtifactByType(r.Context(), jobID, artifactType)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, artifact)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.client.GetArtifact(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, artifact)
}

// handleExport streams a zip archive of all the job's artifacts. Entries are
// named <created_ms>_<type>_<hash prefix>.md in creation order.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if _, err := s.client.GetJob(r.Context(), jobID); err != nil {
		s.writeError(w, err)
		return
	}
	artifacts, err := s.client.ListJobArtifacts(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-artifacts.zip"`, jobID))
	w.WriteHeader(http.StatusOK)

	zw := zip.NewWriter(w)
	for _, a := range artifacts {
		name := fmt.Sprintf("%d_%s_%.12s.md", a.CreatedAtMs, a.Type, a.Hash)
		entry, err := zw.Create(name)
		if err != nil {
			log.Printf("[API] export of job %s failed: %v", jobID, err)
			return
		}
		if _, err := entry.Write([]byte(a.Content)); err != nil {
			log.Printf("[API] export of job %s failed: %v", jobID, err)
			return
		}
	}
	if err := zw.Close(); err != nil {
		log.Printf("[API] export of job %s failed: %v", jobID, err)
	}
}

// EventHistoryResponse is the response of GET /api/v1/jobs/{jobID}/events.
type EventHistoryResponse struct {
	Events []*board.Event `json:"events"`
	Total  int            `json:"total"`
}

func (s *Server) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var fromSeq int64
	if param := r.URL.Query().Get("from_seq"); param != "" {
		parsed, err := strconv.ParseInt(param, 10, 64)
		if err != nil || parsed < 0 {
			s.writeError(w, fmt.Errorf("%w: from_seq must be a non-negative integer", board.ErrInvalidInput))
			return
		}
		fromSeq = parsed
	}
	limit := 0
	if param := r.URL.Query().Get("limit"); param != "" {
		parsed, err := strconv.Atoi(param)
		if err != nil || parsed < 1 {
			s.writeError(w, fmt.Errorf("%w: limit must be >= 1", board.ErrInvalidInput))
			return
		}
		limit = parsed
	}

	if _, err := s.client.GetJob(r.Context(), jobID); err != nil {
		s.writeError(w, err)
		return
	}
	events, err := s.client.EventHistory(r.Context(), jobID, fromSeq, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, EventHistoryResponse{Events: events, Total: len(events)})
}

// handleStream serves the SSE event stream. Query parameters: job_id (empty
// streams all jobs), from_seq (replay before going live; job_id required).
// Each SSE message carries the event's per-job sequence as its id, so clients
// resume with Last-Event-ID semantics via from_seq.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	jobID := r.URL.Query().Get("job_id")
	var fromSeq int64
	if param := r.URL.Query().Get("from_seq"); param != "" {
		parsed, err := strconv.ParseInt(param, 10, 64)
		if err != nil || parsed < 0 {
			s.writeError(w, fmt.Errorf("%w: from_seq must be a non-negative integer", board.ErrInvalidInput))
			return
		}
		fromSeq = parsed
	}
	if fromSeq > 0 && jobID == "" {
		s.writeError(w, fmt.Errorf("%w: from_seq requires job_id", board.ErrInvalidInput))
		return
	}

	sub, err := s.client.SubscribeEvents(r.Context(), jobID, fromSeq, s.cfg.EventBus.SubscriberBuffer)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(time.Duration(s.cfg.EventBus.HeartbeatSeconds) * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data)
			flusher.Flush()

		case err, ok := <-sub.Errors():
			if !ok {
				return
			}
			log.Printf("[API] event stream error for job %q: %v", jobID, err)

		case <-heartbeat.C:
			// SSE comment line; keeps intermediaries from closing the stream.
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

// handleMetrics serves the platform usage snapshot (distinct from the
// Prometheus exposition at /metrics).
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	workers, err := s.client.ListWorkers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	waiting, err := s.client.ListJobs(r.Context(), board.JobStatusWaitingForApproval, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.usage.Snapshot(len(workers), len(waiting)))
}

// CatalogResponse is the response of GET /api/v1/catalog.
type CatalogResponse struct {
	Entries []*board.CatalogEntry `json:"entries"`
	Total   int                   `json:"total"`
}

func (s *Server) handleListCatalog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.client.ListCatalog(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, CatalogResponse{Entries: entries, Total: len(entries)})
}

func (s *Server) handleGetCatalogEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.client.GetCatalogEntry(r.Context(), chi.URLParam(r, "entryID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handlePutCatalogEntry(w http.ResponseWriter, r *http.Request) {
	var entry board.CatalogEntry
	if !s.decodeBody(w, r, &entry) {
		return
	}
	entry.ID = chi.URLParam(r, "entryID")

	if err := s.client.UpsertCatalogEntry(r.Context(), &entry); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &entry)
}

// SkillsRequest is the body of PUT /api/v1/skills/{role}. An empty list
// removes the role's restriction.
type SkillsRequest struct {
	Skills []string `json:"skills"`
}

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	lists, err := s.client.ListSkillAllowlists(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"roles": lists, "total": len(lists)})
}

func (s *Server) handleGetSkills(w http.ResponseWriter, r *http.Request) {
	role := chi.URLParam(r, "role")
	skills, err := s.client.GetSkillAllowlist(r.Context(), role)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"role": role, "skills": skills})
}

func (s *Server) handlePutSkills(w http.ResponseWriter, r *http.Request) {
	var req SkillsRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	role := chi.URLParam(r, "role")

	if err := s.client.SetSkillAllowlist(r.Context(), role, req.Skills); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"role": role, "skills": req.Skills})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid request body", board.ErrInvalidInput))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[API] failed to encode response: %v", err)
	}
}

// writeError maps the board's sentinel error kinds onto HTTP statuses. The
// response carries the error text only; stack traces never leave the process.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, board.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, board.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, board.ErrConflict),
		errors.Is(err, board.ErrWrongStage),
		errors.Is(err, board.ErrStaleApproval),
		errors.Is(err, board.ErrNotFailed):
		status = http.StatusConflict
	case errors.Is(err, board.ErrQueueSaturated):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		log.Printf("[API] internal error: %v", err)
		s.writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
