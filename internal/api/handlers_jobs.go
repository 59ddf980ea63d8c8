package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/korenhskoh/SocyBase-sub000/internal/models"
)

type createJobRequest struct {
	TenantID string             `json:"tenant_id"`
	Kind     models.JobKind     `json:"kind"`
	Input    string             `json:"input"`
	Settings models.JobSettings `json:"settings"`
}

type jobResponse struct {
	ID             string                `json:"id"`
	TenantID       string                `json:"tenant_id"`
	Kind           models.JobKind        `json:"kind"`
	Status         models.JobStatus      `json:"status"`
	Input          string                `json:"input"`
	TotalItems     int                   `json:"total_items"`
	ProcessedItems int                   `json:"processed_items"`
	FailedItems    int                   `json:"failed_items"`
	ProgressPct    float64               `json:"progress_pct"`
	CreditsUsed    int64                 `json:"credits_used"`
	ResultRows     int                   `json:"result_rows"`
	PipelineState  models.PipelineState  `json:"pipeline_state"`
	Error          *models.JobError      `json:"error,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	StartedAt      *time.Time            `json:"started_at,omitempty"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
}

// handleCreateJob handles POST /api/jobs - dispatch a new harvest job.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.TenantID == "" || req.Input == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "tenant_id and input are required")
		return
	}
	if req.Kind != models.KindCommentHarvest && req.Kind != models.KindPostDiscovery {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "unknown job kind")
		return
	}

	job := &models.Job{
		ID:        uuid.New().String(),
		TenantID:  req.TenantID,
		Kind:      req.Kind,
		Status:    models.StatusQueued,
		Input:     req.Input,
		Settings:  req.Settings,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.jobs.Create(r.Context(), job); err != nil {
		s.logger.WithError(err).Error("failed to create job")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to create job")
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"id":     job.ID,
		"status": job.Status,
	})
}

// handleGetJob handles GET /api/jobs/{id} - job status plus checkpoint.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	job, err := s.jobs.GetByID(r.Context(), jobID)
	if err != nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "job not found")
		return
	}

	rows, err := s.results.CountByJob(r.Context(), jobID)
	if err != nil {
		s.logger.WithError(err).Warn("failed to count result rows")
	}

	respondJSON(w, http.StatusOK, jobResponse{
		ID:             job.ID,
		TenantID:       job.TenantID,
		Kind:           job.Kind,
		Status:         job.Status,
		Input:          job.Input,
		TotalItems:     job.TotalItems,
		ProcessedItems: job.ProcessedItems,
		FailedItems:    job.FailedItems,
		ProgressPct:    job.ProgressPct,
		CreditsUsed:    job.CreditsUsed,
		ResultRows:     rows,
		PipelineState:  job.PipelineState,
		Error:          job.Error,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
	})
}

// handleGetJobResults handles GET /api/jobs/{id}/results?kind=profile.
func (s *Server) handleGetJobResults(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	kind := models.ResultKind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = models.ResultProfile
	}

	rows, err := s.results.GetByJob(r.Context(), jobID, kind)
	if err != nil {
		s.logger.WithError(err).Error("failed to list results")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to list results")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"kind":    kind,
		"count":   len(rows),
		"results": rows,
	})
}

// requestHalt flips a live job to paused or cancelled. The orchestrator
// observes the change at its next cooperative polling point.
func (s *Server) requestHalt(w http.ResponseWriter, r *http.Request, to models.JobStatus) {
	jobID := mux.Vars(r)["id"]
	if _, err := s.jobs.GetByID(r.Context(), jobID); err != nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "job not found")
		return
	}

	for _, from := range []models.JobStatus{models.StatusRunning, models.StatusScheduled, models.StatusQueued} {
		ok, err := s.jobs.CompareAndSetStatus(r.Context(), jobID, from, to)
		if err != nil {
			s.logger.WithError(err).Error("failed to update job status")
			respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to update job status")
			return
		}
		if ok {
			respondJSON(w, http.StatusAccepted, map[string]interface{}{
				"id":     jobID,
				"status": to,
			})
			return
		}
	}
	respondError(w, http.StatusConflict, ErrCodeConflict, "job is not in a pausable/cancellable state")
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	s.requestHalt(w, r, models.StatusPaused)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	s.requestHalt(w, r, models.StatusCancelled)
}
