package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/casafex/planvista-backend/internal/http/response"
	"github.com/casafex/planvista-backend/internal/jobs/ledger"
	"github.com/casafex/planvista-backend/internal/services"
)

type JobHandler struct {
	jobs services.JobService
}

func NewJobHandler(jobs services.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

type enqueueRequest struct {
	Step           int            `json:"step" binding:"min=0"`
	Service        string         `json:"service" binding:"required"`
	SubUnit        string         `json:"sub_unit"`
	IdempotencyKey string         `json:"idempotency_key"`
	MaxAttempts    int            `json:"max_attempts" binding:"omitempty,min=1,max=10"`
	Payload        map[string]any `json:"payload"`
}

// POST /v1/runs/:id/jobs
func (h *JobHandler) EnqueueJob(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	job, created, err := h.jobs.Enqueue(c.Request.Context(), services.EnqueueRequest{
		RunID:          runID,
		Step:           req.Step,
		Service:        req.Service,
		SubUnit:        req.SubUnit,
		IdempotencyKey: req.IdempotencyKey,
		MaxAttempts:    req.MaxAttempts,
		Payload:        req.Payload,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyRunning) {
			response.RespondError(c, http.StatusConflict, "already_running", err)
			return
		}
		response.RespondAPIErrorOr(c, err, http.StatusBadRequest, "enqueue_failed")
		return
	}
	if created {
		response.RespondCreated(c, gin.H{"job": job})
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// GET /v1/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// POST /v1/jobs/:id/verdict
func (h *JobHandler) SubmitVerdict(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	document, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "unreadable_body", err)
		return
	}
	verdict, err := h.jobs.SubmitVerdict(c.Request.Context(), jobID, document)
	if err != nil {
		response.RespondAPIErrorOr(c, err, http.StatusBadRequest, "submit_verdict_failed")
		return
	}
	response.RespondCreated(c, gin.H{"verdict": verdict})
}

type overrideRequest struct {
	Decision string `json:"decision" binding:"required,oneof=approve reject_and_stop"`
	Reason   string `json:"reason"`
}

// POST /v1/jobs/:id/override
func (h *JobHandler) RecordOverride(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	job, err := h.jobs.RecordOverride(c.Request.Context(), jobID, req.Decision, req.Reason)
	if err != nil {
		response.RespondAPIErrorOr(c, err, http.StatusConflict, "override_failed")
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}
