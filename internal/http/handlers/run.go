package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/http/response"
	"github.com/casafex/planvista-backend/internal/pipeline"
	"github.com/casafex/planvista-backend/internal/services"
)

type RunHandler struct {
	runs services.RunService
}

func NewRunHandler(runs services.RunService) *RunHandler {
	return &RunHandler{runs: runs}
}

type createRunRequest struct {
	OwnerUserID string `json:"owner_user_id" binding:"required,uuid"`
	SourceRef   string `json:"source_ref" binding:"required"`
	PageCount   int    `json:"page_count" binding:"omitempty,min=1"`
}

// POST /v1/runs
func (h *RunHandler) CreateRun(c *gin.Context) {
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	ownerID, err := uuid.Parse(req.OwnerUserID)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_owner_user_id", err)
		return
	}
	run, err := h.runs.Create(c.Request.Context(), ownerID, req.SourceRef, req.PageCount)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "create_run_failed", err)
		return
	}
	response.RespondCreated(c, gin.H{"run": run})
}

// GET /v1/runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	detail, err := h.runs.Get(c.Request.Context(), runID)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, detail)
}

type transitionRequest struct {
	Expected string `json:"expected" binding:"required"`
	Target   string `json:"target" binding:"required"`
}

// POST /v1/runs/:id/transition
func (h *RunHandler) RequestTransition(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	run, err := h.runs.RequestTransition(c.Request.Context(), runID, types.Phase(req.Expected), types.Phase(req.Target))
	if err != nil {
		respondTransitionError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"run": run})
}

// POST /v1/runs/:id/pause and /resume
func (h *RunHandler) PauseRun(c *gin.Context)  { h.setPaused(c, true) }
func (h *RunHandler) ResumeRun(c *gin.Context) { h.setPaused(c, false) }

func (h *RunHandler) setPaused(c *gin.Context, paused bool) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	run, err := h.runs.SetPaused(c.Request.Context(), runID, paused)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"run": run})
}

func respondTransitionError(c *gin.Context, err error) {
	var illegal *pipeline.IllegalTransitionError
	var stale *pipeline.StalePhaseError
	var paused *pipeline.RunPausedError
	switch {
	case errors.As(err, &illegal):
		response.RespondError(c, http.StatusConflict, "illegal_transition", err)
	case errors.As(err, &stale):
		response.RespondError(c, http.StatusConflict, "stale_phase", err)
	case errors.As(err, &paused):
		response.RespondError(c, http.StatusConflict, "run_paused", err)
	default:
		response.RespondError(c, http.StatusBadRequest, "transition_failed", err)
	}
}
